// Package stoprules implements the stop-rules DSL: document schema,
// validation, and the pure evaluator that turns a metrics context into a
// deduplicated action plan. Applying actions is someone else's job.
package stoprules

import (
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
)

// RuleType discriminates rule predicates.
type RuleType string

const (
	SpendTotalCap      RuleType = "spend_total_cap"
	SpendDailyCap      RuleType = "spend_daily_cap"
	CPACap             RuleType = "cpa_cap"
	CVZeroDuration     RuleType = "cv_zero_duration"
	MeasurementAnomaly RuleType = "measurement_anomaly"
	MetaRejected       RuleType = "meta_rejected"
	SyncFailureStreak  RuleType = "sync_failure_streak"
)

// ActionType is what a triggered rule asks for. Precedence (highest first):
// pause_run > pause_bundle > create_incident > notify_only.
type ActionType string

const (
	ActionPauseRun       ActionType = "pause_run"
	ActionPauseBundle    ActionType = "pause_bundle"
	ActionCreateIncident ActionType = "create_incident"
	ActionNotifyOnly     ActionType = "notify_only"
)

// precedence returns the ordering weight, higher wins.
func (a ActionType) precedence() int {
	switch a {
	case ActionPauseRun:
		return 3
	case ActionPauseBundle:
		return 2
	case ActionCreateIncident:
		return 1
	case ActionNotifyOnly:
		return 0
	}
	return -1
}

// Document is a stop-rules DSL document.
type Document struct {
	Version               string          `json:"version"`
	EvaluationIntervalSec int             `json:"evaluation_interval_sec,omitempty"`
	SafeModeOnError       bool            `json:"safe_mode_on_error,omitempty"`
	Rules                 []Rule          `json:"rules"`
	GlobalSettings        *GlobalSettings `json:"global_settings,omitempty"`
}

// GlobalSettings carry document-wide defaults.
type GlobalSettings struct {
	DefaultCurrency      string   `json:"default_currency,omitempty"`
	Timezone             string   `json:"timezone,omitempty"`
	NotificationChannels []string `json:"notification_channels,omitempty"`
}

// Rule is one stop rule. The discriminating fields are a union; the schema
// enforces which ones each type requires.
type Rule struct {
	ID          string             `json:"id"`
	Type        RuleType           `json:"type"`
	Enabled     bool               `json:"enabled"`
	Description string             `json:"description,omitempty"`
	Gating      *Gating            `json:"gating,omitempty"`
	Action      ActionType         `json:"action"`
	Severity    contracts.Severity `json:"severity"`

	Threshold        *float64 `json:"threshold,omitempty"`
	Currency         string   `json:"currency,omitempty"`
	CVEventTypes     []string `json:"cv_event_types,omitempty"`
	DurationSec      *int64   `json:"duration_sec,omitempty"`
	MinSpend         *float64 `json:"min_spend,omitempty"`
	MaxGapSec        *int64   `json:"max_gap_sec,omitempty"`
	EventTypes       []string `json:"event_types,omitempty"`
	EntityTypes      []string `json:"entity_types,omitempty"`
	MaxRejectedCount *int     `json:"max_rejected_count,omitempty"`
	JobTypes         []string `json:"job_types,omitempty"`
}

// Gating suppresses a rule until the run has accumulated enough signal.
type Gating struct {
	MinElapsedSec       *int64                `json:"min_elapsed_sec,omitempty"`
	MinTotalClicks      *int64                `json:"min_total_clicks,omitempty"`
	MinTotalSpend       *float64              `json:"min_total_spend,omitempty"`
	MinTotalImpressions *int64                `json:"min_total_impressions,omitempty"`
	RequiredStatus      []contracts.RunStatus `json:"required_status,omitempty"`
}

// BundleSnapshot is the per-bundle slice of the context.
type BundleSnapshot struct {
	Spend       float64 `json:"spend"`
	Clicks      int64   `json:"clicks"`
	Conversions int64   `json:"conversions"`
	Impressions int64   `json:"impressions"`
}

// Context is everything the evaluator may look at. It is assembled by the
// caller from C10/C17; the evaluator itself performs no I/O.
type Context struct {
	RunID             string
	RunStatus         contracts.RunStatus
	RunStart          time.Time
	Now               time.Time
	TotalSpend        float64
	DailySpend        float64
	TotalConversions  int64
	TotalClicks       int64
	TotalImpressions  int64
	LastConversionAt  *time.Time
	LastEventAt       *time.Time
	SyncFailureStreak int
	RejectedAdCount   int
	Bundles           map[string]BundleSnapshot
}

// PlannedAction is one entry in the evaluator's output plan.
type PlannedAction struct {
	Type              ActionType         `json:"type"`
	TriggeredByRuleID string             `json:"triggeredByRuleId"`
	Severity          contracts.Severity `json:"severity"`
	Reason            string             `json:"reason"`
	TargetBundleIDs   []string           `json:"targetBundleIds,omitempty"`
}

// SkippedRule records why a rule produced no action this round.
type SkippedRule struct {
	RuleID string `json:"ruleId"`
	Reason string `json:"reason"`
}

// Evaluation is the full outcome of one evaluator pass.
type Evaluation struct {
	Actions []PlannedAction `json:"actions"`
	Skipped []SkippedRule   `json:"skipped,omitempty"`
}
