package contracts

import "time"

// ConfidenceLevel is the tri-state verdict of the statistical comparison.
type ConfidenceLevel string

const (
	ConfidenceInsufficient ConfidenceLevel = "insufficient"
	ConfidenceDirectional  ConfidenceLevel = "directional"
	ConfidenceConfident    ConfidenceLevel = "confident"
)

// DecisionStatus — at most one final decision may exist per run.
type DecisionStatus string

const (
	DecisionDraft DecisionStatus = "draft"
	DecisionFinal DecisionStatus = "final"
)

// Decision is the persisted statistical verdict for a run.
type Decision struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	RunID      string          `json:"run_id"`
	Status     DecisionStatus  `json:"status"`
	Confidence ConfidenceLevel `json:"confidence"`
	WinnerID   string          `json:"winner_id,omitempty"`
	Ranking    []VariantStats  `json:"ranking"`
	Rationale  string          `json:"rationale"`
	CreatedAt  time.Time       `json:"created_at"`
	FinalAt    *time.Time      `json:"final_at,omitempty"`
}

// VariantStats is the per-variant statistical breakdown in ranking order.
type VariantStats struct {
	VariantID      string  `json:"variant_id"`
	Rank           int     `json:"rank"`
	Clicks         int64   `json:"clicks"`
	Conversions    int64   `json:"conversions"`
	PointEstimate  float64 `json:"point_estimate"`
	WilsonLower    float64 `json:"wilson_lower"`
	WilsonUpper    float64 `json:"wilson_upper"`
	CredibleLower  float64 `json:"credible_lower"`
	CredibleUpper  float64 `json:"credible_upper"`
	WinProbability float64 `json:"win_probability"`
}
