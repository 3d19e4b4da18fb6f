package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// apiKeyRawBytes is the number of random bytes packed into a raw key before
// base64url encoding (spec §3: "32 random bytes").
const apiKeyRawBytes = 32

// ApiKey is an issued REST API credential (spec §3). The raw key value
// exists only in memory during the creation response; the store only ever
// holds KeyHash.
type ApiKey struct {
	KeyID      string     `json:"key_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// GenerateAPIKey creates a new ApiKey and returns the plaintext key, shown
// exactly once. Format: nrn_<32 random bytes, base64url> (spec §3).
func GenerateAPIKey(name string) (*ApiKey, string, error) {
	raw := make([]byte, apiKeyRawBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}

	plaintext := "nrn_" + base64.RawURLEncoding.EncodeToString(raw)
	key := &ApiKey{
		KeyID:     uuid.NewString(),
		Name:      name,
		KeyHash:   HashAPIKey(plaintext),
		CreatedAt: time.Now().UTC(),
	}
	return key, plaintext, nil
}

// HashAPIKey returns the SHA-256 hex digest of a plaintext API key.
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Revoked reports whether the key has been revoked.
func (k *ApiKey) Revoked() bool {
	return k.RevokedAt != nil
}
