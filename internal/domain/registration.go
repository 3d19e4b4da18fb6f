package domain

import "time"

// NeuronStatus is the lifecycle state of the single NeuronRegistration row.
type NeuronStatus string

const (
	NeuronUnregistered NeuronStatus = "unregistered"
	NeuronPending      NeuronStatus = "pending"
	NeuronRegistered   NeuronStatus = "registered"
	NeuronSuspended    NeuronStatus = "suspended"
	// NeuronDegraded is entered on any registry error (registration or
	// heartbeat) and exited only by a successful retry (spec §4.5).
	NeuronDegraded NeuronStatus = "degraded"
)

// OrganizationType enumerates the accepted organization.type config values.
type OrganizationType string

const (
	OrgTypePractice OrganizationType = "practice"
	OrgTypeHospital OrganizationType = "hospital"
	OrgTypeClinic   OrganizationType = "clinic"
	OrgTypePharmacy OrganizationType = "pharmacy"
	OrgTypeLab      OrganizationType = "lab"
	OrgTypeImaging  OrganizationType = "imaging"
	OrgTypeOther    OrganizationType = "other"
)

// IsValid reports whether t is one of the defined organization types.
func (t OrganizationType) IsValid() bool {
	switch t {
	case OrgTypePractice, OrgTypeHospital, OrgTypeClinic, OrgTypePharmacy, OrgTypeLab, OrgTypeImaging, OrgTypeOther:
		return true
	default:
		return false
	}
}

// NeuronRegistration is the single-row (id=1) record of this organization's
// registration with the national directory (spec §3).
type NeuronRegistration struct {
	ID                int
	OrganizationNPI   string
	OrganizationName  string
	OrganizationType  OrganizationType
	RegistryURL       string
	EndpointURL       string
	RegistrationID    *string
	BearerTokenSealed []byte // AES-GCM sealed; never surfaced, never audited
	Status            NeuronStatus
	FirstRegisteredAt *time.Time
	LastHeartbeatAt   *time.Time
	LastResponseAt    *time.Time
}

// ProviderStatus is the lifecycle state of a ProviderRegistration.
type ProviderStatus string

const (
	ProviderPending    ProviderStatus = "pending"
	ProviderRegistered ProviderStatus = "registered"
	ProviderFailed     ProviderStatus = "failed"
)

// ProviderRegistration is a single provider entry under this organization
// (spec §3). One provider's registration failure never blocks another's.
type ProviderRegistration struct {
	ProviderNPI    string
	ProviderName   *string
	ProviderTypes  []string
	Specialty      *string
	DirectoryID    *string
	ReachableAddr  string // advertised address used by the broker's exchange step
	Status         ProviderStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HealthSnapshot is the small JSON document the registration controller
// rewrites on every status change (spec §6).
type HealthSnapshot struct {
	Status          NeuronStatus `json:"status"`
	LastHeartbeatAt *time.Time   `json:"last_heartbeat_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}
