package domain

import "time"

// RelationshipStatus is the lifecycle state of a Relationship.
type RelationshipStatus string

const (
	RelationshipPending    RelationshipStatus = "pending"
	RelationshipActive     RelationshipStatus = "active"
	RelationshipSuspended  RelationshipStatus = "suspended"
	RelationshipTerminated RelationshipStatus = "terminated"
)

// IsValid reports whether s is one of the defined relationship statuses.
func (s RelationshipStatus) IsValid() bool {
	switch s {
	case RelationshipPending, RelationshipActive, RelationshipSuspended, RelationshipTerminated:
		return true
	default:
		return false
	}
}

// Relationship is the durable record of a consented patient-provider pairing
// (spec §3). relationship_id is the identity; (patient_public_key,
// provider_npi) has at most one non-terminated row at a time, enforced by a
// partial unique index in the storage layer, not in Go.
type Relationship struct {
	ID                string             `json:"relationship_id"`
	PatientAgentID    string             `json:"patient_agent_id"`
	PatientPublicKey  string             `json:"-"` // never serialized over REST (spec §4.3)
	ProviderNPI       string             `json:"provider_npi"`
	Status            RelationshipStatus `json:"status"`
	ConsentedActions  []string           `json:"consented_actions"`
	TerminatedReason  *string            `json:"terminated_reason,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// ValidForActive reports whether the relationship satisfies the invariant
// that an active relationship must have at least one consented action.
func (r *Relationship) ValidForActive() bool {
	return r.Status != RelationshipActive || len(r.ConsentedActions) >= 1
}

// RelationshipFilter narrows relationship.List queries. Zero values mean
// "no filter" for that field.
type RelationshipFilter struct {
	ProviderNPI    string
	PatientAgentID string
	Status         RelationshipStatus
	Limit          int
	Offset         int
}

// Page is an offset/limit page of results (spec §4.3/§4.7).
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

const (
	// DefaultListLimit is used when a caller omits limit.
	DefaultListLimit = 50
	// MaxListLimit is the hard ceiling list queries clamp to (spec §4.3/§4.7).
	MaxListLimit = 100
)

// ClampLimit clamps a client-supplied limit to [1, MaxListLimit], defaulting
// to DefaultListLimit when n is zero or negative.
func ClampLimit(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	if n > MaxListLimit {
		return MaxListLimit
	}
	return n
}

// ClampOffset clamps a client-supplied offset to >= 0.
func ClampOffset(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
