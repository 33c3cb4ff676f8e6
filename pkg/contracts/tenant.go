// Package contracts holds the shared domain types of the launch-test control
// plane. Types here are persisted, exchanged over the API and referenced by
// every business package; they carry no behavior beyond small helpers.
package contracts

import "time"

// Tenant is the isolation root. Every other entity transitively belongs to
// exactly one tenant; cross-tenant reads surface as not-found.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Plan      string    `json:"plan"`
	Status    string    `json:"status"` // active, suspended
	CreatedAt time.Time `json:"created_at"`
}

// Role is the membership role inside a tenant. Ordering matters: a higher
// index grants every permission of the lower ones.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleReviewer Role = "reviewer"
	RoleOperator Role = "operator"
	RoleOwner    Role = "owner"
)

// Index returns the hierarchy position of the role, -1 for unknown roles.
func (r Role) Index() int {
	switch r {
	case RoleViewer:
		return 0
	case RoleReviewer:
		return 1
	case RoleOperator:
		return 2
	case RoleOwner:
		return 3
	}
	return -1
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r.Index() >= 0 }

// MembershipStatus tracks the lifecycle of a membership.
type MembershipStatus string

const (
	MembershipActive   MembershipStatus = "active"
	MembershipInvited  MembershipStatus = "invited"
	MembershipDisabled MembershipStatus = "disabled"
)

// User is an authenticated person. Tenancy is carried by Membership, not by
// the user row.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership binds a user to a tenant with a role. The role here is
// authoritative for permission checks.
type Membership struct {
	ID        string           `json:"id"`
	TenantID  string           `json:"tenant_id"`
	UserID    string           `json:"user_id"`
	Role      Role             `json:"role"`
	Status    MembershipStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

// TenantFlag is a per-tenant key/value used for backend selection and
// feature toggles.
type TenantFlag struct {
	TenantID  string    `json:"tenant_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Well-known tenant flag keys.
const (
	FlagDBBackend            = "db_backend"
	FlagOperationModeDefault = "operation_mode_default"
	FlagFeatureGeneration    = "features.generation"
	FlagFeatureQA            = "features.qa"
	FlagMetaAPIEnabled       = "meta_api_enabled"
)

// Values of the db_backend flag.
const (
	DBBackendPrimary   = "primary"
	DBBackendSecondary = "secondary"
)
