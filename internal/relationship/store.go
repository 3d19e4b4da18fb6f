// Package relationship persists patient-provider consent relationships
// (spec §4.5), modeled on the teacher's repository pattern: a thin store
// over storage.Querier, scanning rows into internal/domain types.
package relationship

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/careagent/neuron/internal/domain"
	"github.com/careagent/neuron/internal/storage"
)

// Store is the relationship repository.
type Store struct {
	db *storage.DB
}

// NewStore constructs a Store bound to db.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new active relationship. The partial unique index on
// (patient_public_key, provider_npi) WHERE status != 'terminated' enforces
// the "at most one active relationship per pair" invariant at the
// database layer; Create surfaces a violation as domain.ErrConflict.
func (s *Store) Create(ctx context.Context, r *domain.Relationship) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	actions, err := json.Marshal(r.ConsentedActions)
	if err != nil {
		return fmt.Errorf("marshal consented_actions: %w", err)
	}

	_, err = s.db.Querier(ctx).ExecContext(ctx, `
		INSERT INTO relationships
			(id, patient_agent_id, patient_public_key, provider_npi, status, consented_actions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PatientAgentID, r.PatientPublicKey, r.ProviderNPI, string(r.Status), string(actions),
		r.CreatedAt.Format(time.RFC3339Nano), r.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert relationship: %w", err)
	}
	return nil
}

// Get fetches a relationship by ID.
func (s *Store) Get(ctx context.Context, id string) (*domain.Relationship, error) {
	return storage.Get(ctx, s.db.Querier(ctx), scanRelationship, `
		SELECT id, patient_agent_id, patient_public_key, provider_npi, status, consented_actions,
		       terminated_reason, created_at, updated_at
		FROM relationships WHERE id = ?`, id)
}

// FindActiveByPair returns the single non-terminated relationship for a
// (patient_public_key, provider_npi) pair, if one exists (spec §3/§4.6).
func (s *Store) FindActiveByPair(ctx context.Context, patientPublicKey, providerNPI string) (*domain.Relationship, error) {
	return storage.Get(ctx, s.db.Querier(ctx), scanRelationship, `
		SELECT id, patient_agent_id, patient_public_key, provider_npi, status, consented_actions,
		       terminated_reason, created_at, updated_at
		FROM relationships
		WHERE patient_public_key = ? AND provider_npi = ? AND status != 'terminated'`,
		patientPublicKey, providerNPI)
}

// List returns a page of relationships matching filter.
func (s *Store) List(ctx context.Context, filter domain.RelationshipFilter) (domain.Page[domain.Relationship], error) {
	limit := domain.ClampLimit(filter.Limit)
	offset := domain.ClampOffset(filter.Offset)

	where, args := buildWhere(filter)

	total, err := storage.Get(ctx, s.db.Querier(ctx), scanCount,
		fmt.Sprintf(`SELECT count(*) FROM relationships %s`, where), args...)
	if err != nil {
		return domain.Page[domain.Relationship]{}, fmt.Errorf("count relationships: %w", err)
	}

	args = append(append([]any{}, args...), limit, offset)
	items, err := storage.All(ctx, s.db.Querier(ctx), scanRelationshipRows, fmt.Sprintf(`
		SELECT id, patient_agent_id, patient_public_key, provider_npi, status, consented_actions,
		       terminated_reason, created_at, updated_at
		FROM relationships %s
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, where), args...)
	if err != nil {
		return domain.Page[domain.Relationship]{}, fmt.Errorf("list relationships: %w", err)
	}

	return domain.Page[domain.Relationship]{Items: items, Total: total, Offset: offset, Limit: limit}, nil
}

// UpdateStatus transitions a relationship's status, recording a
// termination reason when moving to terminated.
func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.RelationshipStatus, reason *string) error {
	res, err := s.db.Querier(ctx).ExecContext(ctx, `
		UPDATE relationships SET status = ?, terminated_reason = ?, updated_at = ?
		WHERE id = ?`, string(status), reason, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update relationship status: %w", err)
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

func buildWhere(f domain.RelationshipFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.ProviderNPI != "" {
		clauses = append(clauses, "provider_npi = ?")
		args = append(args, f.ProviderNPI)
	}
	if f.PatientAgentID != "" {
		clauses = append(clauses, "patient_agent_id = ?")
		args = append(args, f.PatientAgentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(clauses) == 0 {
		return "", args
	}
	where := "WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

func scanCount(r *sql.Row) (int, error) {
	var n int
	err := r.Scan(&n)
	return n, err
}

func scanRelationship(r *sql.Row) (*domain.Relationship, error) {
	var rel domain.Relationship
	var actionsJSON, createdAt, updatedAt string
	var terminatedReason sql.NullString
	err := r.Scan(&rel.ID, &rel.PatientAgentID, &rel.PatientPublicKey, &rel.ProviderNPI, &rel.Status,
		&actionsJSON, &terminatedReason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	return finishScan(&rel, actionsJSON, terminatedReason, createdAt, updatedAt)
}

func scanRelationshipRows(r *sql.Rows) (domain.Relationship, error) {
	var rel domain.Relationship
	var actionsJSON, createdAt, updatedAt string
	var terminatedReason sql.NullString
	err := r.Scan(&rel.ID, &rel.PatientAgentID, &rel.PatientPublicKey, &rel.ProviderNPI, &rel.Status,
		&actionsJSON, &terminatedReason, &createdAt, &updatedAt)
	if err != nil {
		return rel, err
	}
	got, err := finishScan(&rel, actionsJSON, terminatedReason, createdAt, updatedAt)
	if err != nil {
		return rel, err
	}
	return *got, nil
}

func finishScan(rel *domain.Relationship, actionsJSON string, terminatedReason sql.NullString, createdAt, updatedAt string) (*domain.Relationship, error) {
	if err := json.Unmarshal([]byte(actionsJSON), &rel.ConsentedActions); err != nil {
		return nil, fmt.Errorf("unmarshal consented_actions: %w", err)
	}
	if terminatedReason.Valid {
		rel.TerminatedReason = &terminatedReason.String
	}
	var err error
	rel.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	rel.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, err
	}
	return rel, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
