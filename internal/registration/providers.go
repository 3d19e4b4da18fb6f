package registration

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/careagent/neuron/internal/domain"
	"github.com/careagent/neuron/internal/storage"
)

// ProviderStore manages the providers this organization advertises to the
// directory (spec §3 "one provider's registration failure never blocks
// another's" — each row is registered/synced independently).
type ProviderStore struct {
	db *storage.DB
}

// NewProviderStore constructs a ProviderStore bound to db.
func NewProviderStore(db *storage.DB) *ProviderStore {
	return &ProviderStore{db: db}
}

// Add inserts a new provider entry in pending status or, if the NPI is
// already present, updates only its reachable address and keeps its
// status. The caller (Controller.AddProvider) is responsible for any
// directory sync afterward.
func (s *ProviderStore) Add(ctx context.Context, p domain.ProviderRegistration) error {
	now := time.Now().UTC()
	_, err := s.db.Querier(ctx).ExecContext(ctx, `
		INSERT INTO provider_registrations (npi, status, reachable_addr, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(npi) DO UPDATE SET reachable_addr = excluded.reachable_addr, updated_at = excluded.updated_at`,
		p.ProviderNPI, string(domain.ProviderPending), p.ReachableAddr,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("add provider: %w", err)
	}
	return nil
}

// Remove deletes a provider entry.
func (s *ProviderStore) Remove(ctx context.Context, npi string) error {
	res, err := s.db.Querier(ctx).ExecContext(ctx, `DELETE FROM provider_registrations WHERE npi = ?`, npi)
	if err != nil {
		return fmt.Errorf("remove provider: %w", err)
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

// Get fetches a single provider entry by NPI, returning storage.ErrNotFound
// if none exists.
func (s *ProviderStore) Get(ctx context.Context, npi string) (domain.ProviderRegistration, error) {
	return storage.Get(ctx, s.db.Querier(ctx), scanProviderRow, `
		SELECT npi, status, reachable_addr, created_at, updated_at FROM provider_registrations WHERE npi = ?`, npi)
}

// List returns every registered provider.
func (s *ProviderStore) List(ctx context.Context) ([]domain.ProviderRegistration, error) {
	return storage.All(ctx, s.db.Querier(ctx), scanProvider, `
		SELECT npi, status, reachable_addr, created_at, updated_at FROM provider_registrations ORDER BY npi`)
}

// MarkSynced updates status after a directory sync attempt.
func (s *ProviderStore) MarkSynced(ctx context.Context, npi string, status domain.ProviderStatus, syncErr error) error {
	var lastErr sql.NullString
	if syncErr != nil {
		lastErr = sql.NullString{String: syncErr.Error(), Valid: true}
	}
	_, err := s.db.Querier(ctx).ExecContext(ctx, `
		UPDATE provider_registrations SET status = ?, last_synced_at = ?, last_error = ?, updated_at = ?
		WHERE npi = ?`, string(status), time.Now().UTC().Format(time.RFC3339Nano), lastErr,
		time.Now().UTC().Format(time.RFC3339Nano), npi)
	return err
}

func scanProvider(r *sql.Rows) (domain.ProviderRegistration, error) {
	var p domain.ProviderRegistration
	var createdAt, updatedAt, status string
	if err := r.Scan(&p.ProviderNPI, &status, &p.ReachableAddr, &createdAt, &updatedAt); err != nil {
		return p, err
	}
	p.Status = domain.ProviderStatus(status)
	var err error
	p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return p, err
	}
	p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	return p, err
}

func scanProviderRow(r *sql.Row) (domain.ProviderRegistration, error) {
	var p domain.ProviderRegistration
	var createdAt, updatedAt, status string
	if err := r.Scan(&p.ProviderNPI, &status, &p.ReachableAddr, &createdAt, &updatedAt); err != nil {
		return p, err
	}
	p.Status = domain.ProviderStatus(status)
	var err error
	p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return p, err
	}
	p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	return p, err
}
