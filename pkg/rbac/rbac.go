// Package rbac holds the role hierarchy, the permission matrix, and the
// tenant launch policies. Permission checks answer "may this membership do
// this", never "does this row exist" — existence is the repo's business.
package rbac

import (
	"errors"
	"fmt"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
)

// ErrForbidden is the uniform denial; handlers map it to 403.
var ErrForbidden = errors.New("rbac: forbidden")

// Resource names a protected entity class.
type Resource string

const (
	ResourceProject     Resource = "project"
	ResourceRun         Resource = "run"
	ResourceIntent      Resource = "intent"
	ResourceVariant     Resource = "variant"
	ResourceApproval    Resource = "approval"
	ResourceBundle      Resource = "ad_bundle"
	ResourceDeployment  Resource = "deployment"
	ResourceDecision    Resource = "decision"
	ResourceIncident    Resource = "incident"
	ResourceInsight     Resource = "insight"
	ResourceReport      Resource = "report"
	ResourceJob         Resource = "job"
	ResourceFeatureFlag Resource = "feature_flag"
	ResourceConnection  Resource = "connection"
	ResourceAudit       Resource = "audit"
	ResourceTenant      Resource = "tenant"
)

// Action names an operation class on a resource.
type Action string

const (
	ActionRead    Action = "read"
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionApprove Action = "approve"
	ActionLaunch  Action = "launch"
	ActionImport  Action = "import"
)

// matrix maps (resource, action) to the minimum role. Missing pairs deny.
var matrix = map[Resource]map[Action]contracts.Role{
	ResourceProject: {
		ActionRead:   contracts.RoleViewer,
		ActionCreate: contracts.RoleOperator,
		ActionUpdate: contracts.RoleOperator,
	},
	ResourceRun: {
		ActionRead:   contracts.RoleViewer,
		ActionCreate: contracts.RoleOperator,
		ActionUpdate: contracts.RoleOperator,
		ActionLaunch: contracts.RoleOperator,
	},
	ResourceIntent: {
		ActionRead:   contracts.RoleViewer,
		ActionCreate: contracts.RoleOperator,
		ActionUpdate: contracts.RoleOperator,
	},
	ResourceVariant: {
		ActionRead:   contracts.RoleViewer,
		ActionCreate: contracts.RoleOperator,
		ActionUpdate: contracts.RoleOperator,
	},
	ResourceApproval: {
		ActionRead:    contracts.RoleViewer,
		ActionApprove: contracts.RoleReviewer,
	},
	ResourceBundle: {
		ActionRead:   contracts.RoleViewer,
		ActionCreate: contracts.RoleOperator,
		ActionUpdate: contracts.RoleOperator,
	},
	ResourceDeployment: {
		ActionRead:   contracts.RoleViewer,
		ActionCreate: contracts.RoleOperator,
		ActionUpdate: contracts.RoleOperator,
	},
	ResourceDecision: {
		ActionRead:   contracts.RoleViewer,
		ActionCreate: contracts.RoleOperator,
		ActionUpdate: contracts.RoleOperator,
	},
	ResourceIncident: {
		ActionRead:   contracts.RoleViewer,
		ActionCreate: contracts.RoleOperator,
		ActionUpdate: contracts.RoleOperator,
	},
	ResourceInsight: {
		ActionRead:   contracts.RoleViewer,
		ActionImport: contracts.RoleOperator,
	},
	ResourceReport: {
		ActionRead:   contracts.RoleViewer,
		ActionCreate: contracts.RoleOperator,
	},
	ResourceJob: {
		ActionRead:   contracts.RoleViewer,
		ActionCreate: contracts.RoleOperator,
		ActionUpdate: contracts.RoleOperator,
	},
	ResourceFeatureFlag: {
		ActionRead:   contracts.RoleViewer,
		ActionUpdate: contracts.RoleOperator, // sensitive keys upgraded below
	},
	ResourceConnection: {
		ActionRead:   contracts.RoleViewer,
		ActionCreate: contracts.RoleOperator,
		ActionUpdate: contracts.RoleOperator,
	},
	ResourceAudit: {
		ActionRead: contracts.RoleOwner,
	},
	ResourceTenant: {
		ActionRead:   contracts.RoleViewer,
		ActionUpdate: contracts.RoleOwner,
	},
}

// sensitiveFlagKeys require owner to change regardless of the matrix.
var sensitiveFlagKeys = map[string]bool{
	contracts.FlagDBBackend:      true,
	contracts.FlagMetaAPIEnabled: true,
}

// MinRole returns the minimum role for (resource, action) and whether the
// pair is allowed at all.
func MinRole(resource Resource, action Action) (contracts.Role, bool) {
	actions, ok := matrix[resource]
	if !ok {
		return "", false
	}
	role, ok := actions[action]
	return role, ok
}

// Can reports whether role satisfies the matrix for (resource, action).
func Can(role contracts.Role, resource Resource, action Action) bool {
	min, ok := MinRole(resource, action)
	if !ok {
		return false
	}
	return role.Index() >= min.Index()
}

// CanUpdateFlag applies the sensitive-key escalation on top of the matrix.
func CanUpdateFlag(role contracts.Role, key string) bool {
	if sensitiveFlagKeys[key] {
		return role.Index() >= contracts.RoleOwner.Index()
	}
	return Can(role, ResourceFeatureFlag, ActionUpdate)
}

// Require returns ErrForbidden (wrapped with detail) unless the membership is
// active and its role clears the matrix.
func Require(m *contracts.Membership, resource Resource, action Action) error {
	if m == nil || m.Status != contracts.MembershipActive {
		return fmt.Errorf("%w: no active membership", ErrForbidden)
	}
	if !Can(m.Role, resource, action) {
		return fmt.Errorf("%w: %s cannot %s %s", ErrForbidden, m.Role, action, resource)
	}
	return nil
}

// RequireRole is the plain hierarchy check used outside the matrix.
func RequireRole(m *contracts.Membership, min contracts.Role) error {
	if m == nil || m.Status != contracts.MembershipActive {
		return fmt.Errorf("%w: no active membership", ErrForbidden)
	}
	if m.Role.Index() < min.Index() {
		return fmt.Errorf("%w: %s below required %s", ErrForbidden, m.Role, min)
	}
	return nil
}
