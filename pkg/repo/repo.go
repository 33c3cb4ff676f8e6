// Package repo defines the abstract persistence contracts of the control
// plane. Every repository is tenant-scoped: lookups take the tenant id first
// and a row belonging to another tenant behaves exactly like a missing row.
//
// Implementations: repo/memory (tests, single-node dev) and repo/sqlstore
// (database/sql over postgres or sqlite).
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
)

var (
	// ErrNotFound covers both genuinely missing rows and cross-tenant reads.
	ErrNotFound = errors.New("repo: not found")
	// ErrConflict is a failed compare-and-set or uniqueness violation.
	ErrConflict = errors.New("repo: conflict")
	// ErrDuplicate marks an insert that hit a dedup key.
	ErrDuplicate = errors.New("repo: duplicate")
)

// Stores bundles every repository behind one injection point.
type Stores struct {
	Tenants     TenantRepo
	Users       UserRepo
	Memberships MembershipRepo
	Projects    ProjectRepo
	Runs        RunRepo
	Intents     IntentRepo
	LpVariants  LpVariantRepo
	Creatives   CreativeRepo
	AdCopies    AdCopyRepo
	Bundles     BundleRepo
	Deployments DeploymentRepo
	Events      EventRepo
	Insights    InsightRepo
	Decisions   DecisionRepo
	Incidents   IncidentRepo
	Jobs        JobRepo
	Flags       FlagRepo
	Audit       AuditRepo
	Imports     ImportRepo
	Connections ConnectionRepo
}

type TenantRepo interface {
	Create(ctx context.Context, t *contracts.Tenant) error
	Get(ctx context.Context, id string) (*contracts.Tenant, error)
	List(ctx context.Context) ([]*contracts.Tenant, error)
}

type UserRepo interface {
	Create(ctx context.Context, u *contracts.User) error
	Get(ctx context.Context, id string) (*contracts.User, error)
}

type MembershipRepo interface {
	Create(ctx context.Context, m *contracts.Membership) error
	GetByUser(ctx context.Context, tenantID, userID string) (*contracts.Membership, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*contracts.Membership, error)
}

type ProjectRepo interface {
	Create(ctx context.Context, p *contracts.Project) error
	Get(ctx context.Context, tenantID, id string) (*contracts.Project, error)
	Update(ctx context.Context, p *contracts.Project) error
	ListByTenant(ctx context.Context, tenantID string) ([]*contracts.Project, error)
}

type RunRepo interface {
	Create(ctx context.Context, r *contracts.Run) error
	Get(ctx context.Context, tenantID, id string) (*contracts.Run, error)
	Update(ctx context.Context, r *contracts.Run) error
	// CompareAndSetStatus performs the guarded transition write. It returns
	// ErrConflict when the stored status no longer equals from.
	CompareAndSetStatus(ctx context.Context, tenantID, id string, from, to contracts.RunStatus, at time.Time) error
	ListByProject(ctx context.Context, tenantID, projectID string) ([]*contracts.Run, error)
	// ListByStatus feeds the schedulers; it spans tenants by design and must
	// only be reachable from worker code, never from request handlers.
	ListByStatus(ctx context.Context, statuses ...contracts.RunStatus) ([]*contracts.Run, error)
	// Resolve looks a run up by id alone. The public event endpoint carries
	// no tenant; the run row is how the tenant is recovered.
	Resolve(ctx context.Context, id string) (*contracts.Run, error)
}

type IntentRepo interface {
	Create(ctx context.Context, i *contracts.Intent) error
	Get(ctx context.Context, tenantID, id string) (*contracts.Intent, error)
	Update(ctx context.Context, i *contracts.Intent) error
	ListByRun(ctx context.Context, tenantID, runID string) ([]*contracts.Intent, error)
}

type LpVariantRepo interface {
	Create(ctx context.Context, v *contracts.LpVariant) error
	Get(ctx context.Context, tenantID, id string) (*contracts.LpVariant, error)
	Update(ctx context.Context, v *contracts.LpVariant) error
	ListByIntent(ctx context.Context, tenantID, intentID string) ([]*contracts.LpVariant, error)
	// NextVersion returns max(version)+1 for the intent.
	NextVersion(ctx context.Context, tenantID, intentID string) (int, error)
}

type CreativeRepo interface {
	Create(ctx context.Context, v *contracts.CreativeVariant) error
	Get(ctx context.Context, tenantID, id string) (*contracts.CreativeVariant, error)
	Update(ctx context.Context, v *contracts.CreativeVariant) error
	ListByIntent(ctx context.Context, tenantID, intentID string) ([]*contracts.CreativeVariant, error)
	NextVersion(ctx context.Context, tenantID, intentID string, size contracts.CreativeSize) (int, error)
}

type AdCopyRepo interface {
	Create(ctx context.Context, v *contracts.AdCopy) error
	Get(ctx context.Context, tenantID, id string) (*contracts.AdCopy, error)
	Update(ctx context.Context, v *contracts.AdCopy) error
	ListByIntent(ctx context.Context, tenantID, intentID string) ([]*contracts.AdCopy, error)
	NextVersion(ctx context.Context, tenantID, intentID string) (int, error)
}

type BundleRepo interface {
	// Create enforces the (run, intent, lp, creative, adcopy) uniqueness and
	// returns ErrDuplicate with the existing bundle untouched.
	Create(ctx context.Context, b *contracts.AdBundle) error
	Get(ctx context.Context, tenantID, id string) (*contracts.AdBundle, error)
	GetByKey(ctx context.Context, tenantID, runID, intentID, lpID, creativeID, adCopyID string) (*contracts.AdBundle, error)
	Update(ctx context.Context, b *contracts.AdBundle) error
	ListByRun(ctx context.Context, tenantID, runID string) ([]*contracts.AdBundle, error)
}

type DeploymentRepo interface {
	Create(ctx context.Context, d *contracts.Deployment) error
	Get(ctx context.Context, tenantID, id string) (*contracts.Deployment, error)
	Update(ctx context.Context, d *contracts.Deployment) error
	// PublishedByRun returns the single published deployment, ErrNotFound
	// when the run has none.
	PublishedByRun(ctx context.Context, tenantID, runID string) (*contracts.Deployment, error)
	ListByRun(ctx context.Context, tenantID, runID string) ([]*contracts.Deployment, error)
}

type EventRepo interface {
	// Insert persists an event; ErrDuplicate when (tenant, event_id) already
	// exists inside the dedup horizon.
	Insert(ctx context.Context, e *contracts.Event, horizon time.Duration) error
	ListByRun(ctx context.Context, tenantID, runID string, since time.Time) ([]*contracts.Event, error)
	// AggregateByRun rolls events up per ad bundle: clicks are cta_click,
	// conversions are form_success.
	AggregateByRun(ctx context.Context, tenantID, runID string) (map[string]EventCounts, error)
	LastEventAt(ctx context.Context, tenantID, runID string) (*time.Time, error)
	LastConversionAt(ctx context.Context, tenantID, runID string) (*time.Time, error)
}

// EventCounts is the per-bundle event rollup.
type EventCounts struct {
	Pageviews   int64
	Clicks      int64
	Submits     int64
	Conversions int64
}

type InsightRepo interface {
	// Upserts are idempotent on (bundle, bucket, source); replace-on-conflict.
	UpsertDaily(ctx context.Context, row *contracts.InsightDaily) error
	UpsertHourly(ctx context.Context, row *contracts.InsightHourly) error
	GetDaily(ctx context.Context, tenantID, bundleID, date string, source contracts.InsightSource) (*contracts.InsightDaily, error)
	// SumByRun totals daily insights per bundle across all sources, with
	// manual overwriting meta for the same (bundle, date).
	SumByRun(ctx context.Context, tenantID, runID string) (map[string]InsightTotals, error)
	// SpendOn returns the run's total spend for one date.
	SpendOn(ctx context.Context, tenantID, runID, date string) (float64, error)
}

// InsightTotals is the per-bundle insight rollup.
type InsightTotals struct {
	Impressions int64
	Clicks      int64
	Spend       float64
	Conversions int64
}

type DecisionRepo interface {
	Create(ctx context.Context, d *contracts.Decision) error
	Get(ctx context.Context, tenantID, id string) (*contracts.Decision, error)
	LatestByRun(ctx context.Context, tenantID, runID string) (*contracts.Decision, error)
	FinalByRun(ctx context.Context, tenantID, runID string) (*contracts.Decision, error)
	// Finalize promotes a draft to final; ErrConflict when the run already
	// holds a final decision (conditional write, not a read-then-write).
	Finalize(ctx context.Context, tenantID, runID, decisionID string, at time.Time) error
}

type IncidentRepo interface {
	Create(ctx context.Context, i *contracts.Incident) error
	Get(ctx context.Context, tenantID, id string) (*contracts.Incident, error)
	Update(ctx context.Context, i *contracts.Incident) error
	ListByTenant(ctx context.Context, tenantID string, status contracts.IncidentStatus) ([]*contracts.Incident, error)
}

type JobRepo interface {
	Create(ctx context.Context, j *contracts.Job) error
	Get(ctx context.Context, tenantID, id string) (*contracts.Job, error)
	Update(ctx context.Context, j *contracts.Job) error
	// CompareAndSetStatus guards worker-side job state moves.
	CompareAndSetStatus(ctx context.Context, tenantID, id string, from, to contracts.JobStatus) error
	ListByRun(ctx context.Context, tenantID, runID string) ([]*contracts.Job, error)
	// DequeueOldest atomically claims the oldest queued job of the given
	// types, returning ErrNotFound when the queue is empty.
	DequeueOldest(ctx context.Context, types ...contracts.JobType) (*contracts.Job, error)
}

type FlagRepo interface {
	Upsert(ctx context.Context, f *contracts.TenantFlag) error
	Get(ctx context.Context, tenantID, key string) (*contracts.TenantFlag, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*contracts.TenantFlag, error)
}

type AuditRepo interface {
	// LastHash returns the hash of the most recent entry for the tenant,
	// empty string for a fresh chain. Callers serialise appends per tenant.
	LastHash(ctx context.Context, tenantID string) (string, error)
	Insert(ctx context.Context, e *contracts.AuditEntry) error
	// ListByTenant returns entries ordered by ts_ms ascending.
	ListByTenant(ctx context.Context, tenantID string) ([]*contracts.AuditEntry, error)
}

type ConnectionRepo interface {
	Create(ctx context.Context, c *contracts.Connection) error
	Get(ctx context.Context, tenantID, id string) (*contracts.Connection, error)
	Update(ctx context.Context, c *contracts.Connection) error
	ListByTenant(ctx context.Context, tenantID string) ([]*contracts.Connection, error)
	// SaveNonce records a one-shot OAuth state anchor.
	SaveNonce(ctx context.Context, nonce string, createdAt time.Time) error
	// ConsumeNonce deletes the nonce and returns when it was minted. Unknown
	// and already-consumed both come back as ErrNotFound, so a state can never
	// complete twice even across processes.
	ConsumeNonce(ctx context.Context, nonce string) (time.Time, error)
	// PruneNonces drops nonces minted before the cutoff.
	PruneNonces(ctx context.Context, before time.Time) error
}

type ImportRepo interface {
	Create(ctx context.Context, s *contracts.ImportSummary) error
	Get(ctx context.Context, tenantID, id string) (*contracts.ImportSummary, error)
	ListByRun(ctx context.Context, tenantID, runID string) ([]*contracts.ImportSummary, error)
}
