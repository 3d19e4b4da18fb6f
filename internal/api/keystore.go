package api

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"
	"time"

	"github.com/careagent/neuron/internal/domain"
	"github.com/careagent/neuron/internal/storage"
)

// KeyStore persists and verifies REST API keys (spec §4.7): the
// plaintext is shown to the operator exactly once at creation; only its
// SHA-256 hash is ever stored, mirroring the teacher's API token pattern
// (hash-at-rest, compare-by-hash).
type KeyStore struct {
	db *storage.DB
}

// NewKeyStore constructs a KeyStore bound to db.
func NewKeyStore(db *storage.DB) *KeyStore {
	return &KeyStore{db: db}
}

// Create generates a new key, persists its hash, and returns the record
// plus the one-time plaintext.
func (s *KeyStore) Create(ctx context.Context, name string) (*domain.ApiKey, string, error) {
	key, plaintext, err := domain.GenerateAPIKey(name)
	if err != nil {
		return nil, "", err
	}
	key.CreatedAt = time.Now().UTC()

	_, err = s.db.Querier(ctx).ExecContext(ctx, `
		INSERT INTO api_keys (key_id, name, key_hash, created_at) VALUES (?, ?, ?, ?)`,
		key.KeyID, key.Name, key.KeyHash, key.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, "", fmt.Errorf("persist api key: %w", err)
	}
	return key, plaintext, nil
}

// Revoke marks a key revoked so Verify stops accepting it.
func (s *KeyStore) Revoke(ctx context.Context, keyID string) error {
	res, err := s.db.Querier(ctx).ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE key_id = ? AND revoked_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Verify looks up the stored key whose hash equals the presented
// plaintext's SHA-256 hash, confirms the match with a constant-time
// compare and, on success, touches last_used_at. Returns
// domain.ErrInvalidKey if no active key matches.
func (s *KeyStore) Verify(ctx context.Context, plaintext string) (*domain.ApiKey, error) {
	candidateHash := domain.HashAPIKey(plaintext)

	row := s.db.Querier(ctx).QueryRowContext(ctx, `
		SELECT key_id, name, key_hash, created_at, revoked_at, last_used_at
		FROM api_keys WHERE key_hash = ?`, candidateHash)

	key, err := scanAPIKey(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrInvalidKey
		}
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(candidateHash)) != 1 {
		return nil, domain.ErrInvalidKey
	}
	if key.Revoked() {
		return nil, domain.ErrInvalidKey
	}

	now := time.Now().UTC()
	_, _ = s.db.Querier(ctx).ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE key_id = ?`, now.Format(time.RFC3339Nano), key.KeyID)

	return key, nil
}

func scanAPIKey(row *sql.Row) (*domain.ApiKey, error) {
	var key domain.ApiKey
	var createdAt string
	var revokedAt, lastUsedAt sql.NullString
	if err := row.Scan(&key.KeyID, &key.Name, &key.KeyHash, &createdAt, &revokedAt, &lastUsedAt); err != nil {
		return nil, err
	}
	var err error
	key.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, revokedAt.String)
		if err != nil {
			return nil, err
		}
		key.RevokedAt = &t
	}
	if lastUsedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastUsedAt.String)
		if err != nil {
			return nil, err
		}
		key.LastUsedAt = &t
	}
	return &key, nil
}
