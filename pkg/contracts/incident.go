package contracts

import "time"

// IncidentKind classifies a correctness event.
type IncidentKind string

const (
	IncidentMetaRejected     IncidentKind = "meta_rejected"
	IncidentMetaAccountIssue IncidentKind = "meta_account_issue"
	IncidentAPIOutage        IncidentKind = "api_outage"
	IncidentMeasurement      IncidentKind = "measurement_issue"
	IncidentOther            IncidentKind = "other"
)

// Severity orders incidents and stop-rule actions. Ordering matters for the
// auto-pause rules.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering position of the severity, -1 for unknown.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank() && s.Rank() >= 0
}

// IncidentStatus is the handling state.
type IncidentStatus string

const (
	IncidentOpen       IncidentStatus = "open"
	IncidentMitigating IncidentStatus = "mitigating"
	IncidentResolved   IncidentStatus = "resolved"
)

// Incident is a recorded correctness event, optionally tied to a run.
type Incident struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	RunID       string         `json:"run_id,omitempty"`
	Kind        IncidentKind   `json:"kind"`
	Severity    Severity       `json:"severity"`
	Status      IncidentStatus `json:"status"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	TriggeredBy string         `json:"triggered_by,omitempty"` // rule id or user id
	CreatedAt   time.Time      `json:"created_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`

	// PreventionMemo, when supplied at resolution, may be fed back into the
	// project NG rules as a new blocked pattern (explicit opt-in).
	PreventionMemo string `json:"prevention_memo,omitempty"`
}
