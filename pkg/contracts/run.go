package contracts

import (
	"encoding/json"
	"time"
)

// RunStatus is one of the eleven lifecycle states of an experiment run.
type RunStatus string

const (
	RunDraft          RunStatus = "draft"
	RunDesigning      RunStatus = "designing"
	RunGenerating     RunStatus = "generating"
	RunReadyForReview RunStatus = "ready_for_review"
	RunApproved       RunStatus = "approved"
	RunPublishing     RunStatus = "publishing"
	RunLive           RunStatus = "live"
	RunRunning        RunStatus = "running"
	RunPaused         RunStatus = "paused"
	RunCompleted      RunStatus = "completed"
	RunArchived       RunStatus = "archived"
)

// OperationMode controls how much of the pipeline is automated.
type OperationMode string

const (
	ModeManual OperationMode = "manual"
	ModeHybrid OperationMode = "hybrid"
	ModeAuto   OperationMode = "auto"
)

// Valid reports whether m is a known operation mode.
func (m OperationMode) Valid() bool {
	return m == ModeManual || m == ModeHybrid || m == ModeAuto
}

// Run is one end-to-end experiment. The four JSON documents are stored as
// raw messages and validated at the boundary; business logic only ever sees
// the decoded, versioned document types.
type Run struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenant_id"`
	ProjectID string        `json:"project_id"`
	Name      string        `json:"name"`
	Mode      OperationMode `json:"operation_mode"`
	Status    RunStatus     `json:"status"`

	DesignJSON        json.RawMessage `json:"run_design,omitempty"`
	StopRulesJSON     json.RawMessage `json:"stop_rules,omitempty"`
	FixedGranJSON     json.RawMessage `json:"fixed_granularity,omitempty"`
	DecisionRulesJSON json.RawMessage `json:"decision_rules,omitempty"`

	// Flags holds run-level operational overrides (backend routing). Kept
	// separate from the design document: ops owns flags, authors own design.
	Flags map[string]string `json:"run_flags,omitempty"`

	BudgetCap *float64 `json:"budget_cap,omitempty"`

	// Checklist is the manual-mode preflight list. Empty for auto runs.
	Checklist []ChecklistItem `json:"checklist,omitempty"`

	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	LaunchedAt  *time.Time `json:"launched_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RunDesign is the versioned run design document.
type RunDesign struct {
	Version        string     `json:"version"`
	Objective      string     `json:"objective,omitempty"`
	CompareAxis    string     `json:"compare_axis,omitempty"` // intent, lp, creative, ad_copy
	DailyBudget    *float64   `json:"daily_budget,omitempty"`
	LifetimeBudget *float64   `json:"lifetime_budget,omitempty"`
	Currency       string     `json:"currency,omitempty"`
	UTMPolicy      *UTMPolicy `json:"utm_policy,omitempty"`
}

// HasPositiveBudget reports whether the design carries a usable daily or
// lifetime budget.
func (d *RunDesign) HasPositiveBudget() bool {
	if d == nil {
		return false
	}
	if d.DailyBudget != nil && *d.DailyBudget > 0 {
		return true
	}
	return d.LifetimeBudget != nil && *d.LifetimeBudget > 0
}

// UTMPolicy controls how tracking URLs are constructed at publish time.
type UTMPolicy struct {
	Source   string `json:"source,omitempty"`   // default "meta"
	Medium   string `json:"medium,omitempty"`   // default "paid_social"
	Campaign string `json:"campaign,omitempty"` // default run id
}

// DecisionRules overrides the statistical verdict thresholds per run.
type DecisionRules struct {
	Version         string   `json:"version"`
	MinClicks       *int     `json:"min_clicks,omitempty"`              // default 200
	MinConversions  *int     `json:"min_conversions,omitempty"`         // default 3
	DirectionalCV   *int     `json:"directional_conversions,omitempty"` // default 5
	ConfidentCV     *int     `json:"confident_conversions,omitempty"`   // default 20
	MinRelativeLift *float64 `json:"min_relative_lift,omitempty"`       // default 0.05
	ConfidenceLevel *float64 `json:"confidence_level,omitempty"`        // default 0.95
	LaunchPolicyCEL string   `json:"launch_policy_cel,omitempty"`
}

// ChecklistItem is one manual-mode preflight item.
type ChecklistItem struct {
	Key       string     `json:"key"`
	Label     string     `json:"label"`
	Required  bool       `json:"required"`
	Completed bool       `json:"completed"`
	DoneBy    string     `json:"done_by,omitempty"`
	DoneAt    *time.Time `json:"done_at,omitempty"`
}

// StateChange is emitted on every successful run transition and recorded in
// the audit chain.
type StateChange struct {
	RunID  string            `json:"run_id"`
	From   RunStatus         `json:"from"`
	To     RunStatus         `json:"to"`
	Mode   OperationMode     `json:"mode"`
	UserID string            `json:"user_id"`
	At     time.Time         `json:"at"`
	Meta   map[string]string `json:"meta,omitempty"`
}
