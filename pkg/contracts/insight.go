package contracts

import "time"

// InsightSource says where a rollup came from. Later imports for the same
// (bundle, bucket, source) overwrite.
type InsightSource string

const (
	SourceMeta   InsightSource = "meta"
	SourceManual InsightSource = "manual"
)

// InsightHourly is a per-bundle hourly rollup.
type InsightHourly struct {
	AdBundleID  string        `json:"ad_bundle_id"`
	TenantID    string        `json:"tenant_id"`
	Bucket      time.Time     `json:"bucket"` // truncated to the hour, UTC
	Source      InsightSource `json:"source"`
	Impressions int64         `json:"impressions"`
	Clicks      int64         `json:"clicks"`
	Spend       float64       `json:"spend"`
	Conversions int64         `json:"conversions"`
	ImportedAt  time.Time     `json:"imported_at"`
}

// InsightDaily is a per-bundle daily rollup.
type InsightDaily struct {
	AdBundleID  string        `json:"ad_bundle_id"`
	TenantID    string        `json:"tenant_id"`
	Date        string        `json:"date"` // YYYY-MM-DD
	Source      InsightSource `json:"source"`
	Impressions int64         `json:"impressions"`
	Clicks      int64         `json:"clicks"`
	Spend       float64       `json:"spend"`
	Conversions int64         `json:"conversions"`
	ImportedAt  time.Time     `json:"imported_at"`
}

// BundleMetrics is the combined metric view for one ad bundle: imported
// insights plus aggregated first-party events.
type BundleMetrics struct {
	AdBundleID  string   `json:"ad_bundle_id"`
	IntentID    string   `json:"intent_id,omitempty"`
	Impressions int64    `json:"impressions"`
	Clicks      int64    `json:"clicks"`
	Spend       float64  `json:"spend"`
	Conversions int64    `json:"conversions"`
	CTR         *float64 `json:"ctr,omitempty"`
	CVR         *float64 `json:"cvr,omitempty"`
	CPA         *float64 `json:"cpa,omitempty"` // nil when conversions = 0
}

// ImportSummary records the outcome of a manual CSV import.
type ImportSummary struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	RunID           string    `json:"run_id"`
	ObjectKey       string    `json:"object_key"` // raw CSV in the blob store
	RecordsImported int       `json:"recordsImported"`
	RecordsSkipped  int       `json:"recordsSkipped"`
	RecordsFailed   int       `json:"recordsFailed"`
	Errors          []string  `json:"errors,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
