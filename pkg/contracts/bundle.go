package contracts

import "time"

// BundleStatus is the delivery status of an ad bundle.
type BundleStatus string

const (
	BundleReady    BundleStatus = "ready"
	BundleRunning  BundleStatus = "running"
	BundlePaused   BundleStatus = "paused"
	BundleArchived BundleStatus = "archived"
)

// AdBundle is the atomic unit delivered to the ad platform: one LP variant,
// one creative, one ad copy under one intent, tagged with a deterministic
// UTM string. (run, intent, lp, creative, adcopy) is unique.
type AdBundle struct {
	ID                string       `json:"id"`
	TenantID          string       `json:"tenant_id"`
	RunID             string       `json:"run_id"`
	IntentID          string       `json:"intent_id"`
	LpVariantID       string       `json:"lp_variant_id"`
	CreativeVariantID string       `json:"creative_variant_id"`
	AdCopyID          string       `json:"ad_copy_id"`
	UTMString         string       `json:"utm_string"`
	TrackingURL       string       `json:"tracking_url"`
	Status            BundleStatus `json:"status"`
	PlatformAdID      string       `json:"platform_ad_id,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// DeploymentStatus tracks a publish operation.
type DeploymentStatus string

const (
	DeploymentDraft      DeploymentStatus = "draft"
	DeploymentPublished  DeploymentStatus = "published"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
	DeploymentArchived   DeploymentStatus = "archived"
)

// Deployment is the immutable snapshot of one publish. At most one
// deployment per run holds status published.
type Deployment struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	RunID       string           `json:"run_id"`
	URLs        []string         `json:"urls"`
	ManifestKey string           `json:"manifest_key"`
	Status      DeploymentStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// SnapshotManifest enumerates everything a deployment comprises. It is
// stored under a content-addressed key for auditability.
type SnapshotManifest struct {
	Version   string           `json:"version"`
	Timestamp time.Time        `json:"timestamp"`
	RunID     string           `json:"runId"`
	Intents   []ManifestIntent `json:"intents"`
	AdBundles []ManifestBundle `json:"adBundles"`
}

// ManifestIntent records the approved hashes of one intent's pieces.
type ManifestIntent struct {
	ID             string            `json:"id"`
	ApprovedHashes map[string]string `json:"approvedHashes"` // lp, creative, adCopy
}

// ManifestBundle records one published ad bundle.
type ManifestBundle struct {
	ID          string `json:"id"`
	UTMString   string `json:"utmString"`
	TrackingURL string `json:"trackingUrl"`
}
