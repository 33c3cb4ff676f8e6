package repo

import (
	"context"
	"errors"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
)

// NewRouter returns a Stores that splits tenant data between a primary and a
// secondary backend. The tenant's db_backend flag decides where its rows
// live; the flag is read from the primary store on every call, so flipping it
// takes effect on the next request without a restart. Tenants, users,
// memberships and the flags themselves always stay on the primary, which is
// what makes the routing decision well-founded. Cross-tenant scans consult
// both backends: ListByStatus merges, Resolve and DequeueOldest fall through
// from primary to secondary.
func NewRouter(primary, secondary *Stores) *Stores {
	rt := &router{primary: primary, secondary: secondary}
	return &Stores{
		Tenants:     primary.Tenants,
		Users:       primary.Users,
		Memberships: primary.Memberships,
		Flags:       primary.Flags,
		Projects:    routedProjects{rt},
		Runs:        routedRuns{rt},
		Intents:     routedIntents{rt},
		LpVariants:  routedLpVariants{rt},
		Creatives:   routedCreatives{rt},
		AdCopies:    routedAdCopies{rt},
		Bundles:     routedBundles{rt},
		Deployments: routedDeployments{rt},
		Events:      routedEvents{rt},
		Insights:    routedInsights{rt},
		Decisions:   routedDecisions{rt},
		Incidents:   routedIncidents{rt},
		Jobs:        routedJobs{rt},
		Audit:       routedAudit{rt},
		Imports:     routedImports{rt},
		Connections: routedConnections{rt},
	}
}

type router struct {
	primary   *Stores
	secondary *Stores
}

// pick resolves the backend for one tenant. Missing flag rows and read errors
// both land on the primary; a tenant is only ever on the secondary by an
// explicit, readable flag.
func (rt *router) pick(ctx context.Context, tenantID string) *Stores {
	if tenantID == "" {
		return rt.primary
	}
	f, err := rt.primary.Flags.Get(ctx, tenantID, contracts.FlagDBBackend)
	if err == nil && f.Value == contracts.DBBackendSecondary {
		return rt.secondary
	}
	return rt.primary
}

type routedProjects struct{ rt *router }

func (r routedProjects) Create(ctx context.Context, p *contracts.Project) error {
	return r.rt.pick(ctx, p.TenantID).Projects.Create(ctx, p)
}

func (r routedProjects) Get(ctx context.Context, tenantID, id string) (*contracts.Project, error) {
	return r.rt.pick(ctx, tenantID).Projects.Get(ctx, tenantID, id)
}

func (r routedProjects) Update(ctx context.Context, p *contracts.Project) error {
	return r.rt.pick(ctx, p.TenantID).Projects.Update(ctx, p)
}

func (r routedProjects) ListByTenant(ctx context.Context, tenantID string) ([]*contracts.Project, error) {
	return r.rt.pick(ctx, tenantID).Projects.ListByTenant(ctx, tenantID)
}

type routedRuns struct{ rt *router }

func (r routedRuns) Create(ctx context.Context, run *contracts.Run) error {
	return r.rt.pick(ctx, run.TenantID).Runs.Create(ctx, run)
}

func (r routedRuns) Get(ctx context.Context, tenantID, id string) (*contracts.Run, error) {
	return r.rt.pick(ctx, tenantID).Runs.Get(ctx, tenantID, id)
}

func (r routedRuns) Update(ctx context.Context, run *contracts.Run) error {
	return r.rt.pick(ctx, run.TenantID).Runs.Update(ctx, run)
}

func (r routedRuns) CompareAndSetStatus(ctx context.Context, tenantID, id string, from, to contracts.RunStatus, at time.Time) error {
	return r.rt.pick(ctx, tenantID).Runs.CompareAndSetStatus(ctx, tenantID, id, from, to, at)
}

func (r routedRuns) ListByProject(ctx context.Context, tenantID, projectID string) ([]*contracts.Run, error) {
	return r.rt.pick(ctx, tenantID).Runs.ListByProject(ctx, tenantID, projectID)
}

// ListByStatus spans tenants, so it has to see both backends.
func (r routedRuns) ListByStatus(ctx context.Context, statuses ...contracts.RunStatus) ([]*contracts.Run, error) {
	out, err := r.rt.primary.Runs.ListByStatus(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	more, err := r.rt.secondary.Runs.ListByStatus(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	return append(out, more...), nil
}

// Resolve carries no tenant, so the flag cannot steer it; try primary first.
func (r routedRuns) Resolve(ctx context.Context, id string) (*contracts.Run, error) {
	run, err := r.rt.primary.Runs.Resolve(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return r.rt.secondary.Runs.Resolve(ctx, id)
	}
	return run, err
}

type routedIntents struct{ rt *router }

func (r routedIntents) Create(ctx context.Context, i *contracts.Intent) error {
	return r.rt.pick(ctx, i.TenantID).Intents.Create(ctx, i)
}

func (r routedIntents) Get(ctx context.Context, tenantID, id string) (*contracts.Intent, error) {
	return r.rt.pick(ctx, tenantID).Intents.Get(ctx, tenantID, id)
}

func (r routedIntents) Update(ctx context.Context, i *contracts.Intent) error {
	return r.rt.pick(ctx, i.TenantID).Intents.Update(ctx, i)
}

func (r routedIntents) ListByRun(ctx context.Context, tenantID, runID string) ([]*contracts.Intent, error) {
	return r.rt.pick(ctx, tenantID).Intents.ListByRun(ctx, tenantID, runID)
}

type routedLpVariants struct{ rt *router }

func (r routedLpVariants) Create(ctx context.Context, v *contracts.LpVariant) error {
	return r.rt.pick(ctx, v.TenantID).LpVariants.Create(ctx, v)
}

func (r routedLpVariants) Get(ctx context.Context, tenantID, id string) (*contracts.LpVariant, error) {
	return r.rt.pick(ctx, tenantID).LpVariants.Get(ctx, tenantID, id)
}

func (r routedLpVariants) Update(ctx context.Context, v *contracts.LpVariant) error {
	return r.rt.pick(ctx, v.TenantID).LpVariants.Update(ctx, v)
}

func (r routedLpVariants) ListByIntent(ctx context.Context, tenantID, intentID string) ([]*contracts.LpVariant, error) {
	return r.rt.pick(ctx, tenantID).LpVariants.ListByIntent(ctx, tenantID, intentID)
}

func (r routedLpVariants) NextVersion(ctx context.Context, tenantID, intentID string) (int, error) {
	return r.rt.pick(ctx, tenantID).LpVariants.NextVersion(ctx, tenantID, intentID)
}

type routedCreatives struct{ rt *router }

func (r routedCreatives) Create(ctx context.Context, v *contracts.CreativeVariant) error {
	return r.rt.pick(ctx, v.TenantID).Creatives.Create(ctx, v)
}

func (r routedCreatives) Get(ctx context.Context, tenantID, id string) (*contracts.CreativeVariant, error) {
	return r.rt.pick(ctx, tenantID).Creatives.Get(ctx, tenantID, id)
}

func (r routedCreatives) Update(ctx context.Context, v *contracts.CreativeVariant) error {
	return r.rt.pick(ctx, v.TenantID).Creatives.Update(ctx, v)
}

func (r routedCreatives) ListByIntent(ctx context.Context, tenantID, intentID string) ([]*contracts.CreativeVariant, error) {
	return r.rt.pick(ctx, tenantID).Creatives.ListByIntent(ctx, tenantID, intentID)
}

func (r routedCreatives) NextVersion(ctx context.Context, tenantID, intentID string, size contracts.CreativeSize) (int, error) {
	return r.rt.pick(ctx, tenantID).Creatives.NextVersion(ctx, tenantID, intentID, size)
}

type routedAdCopies struct{ rt *router }

func (r routedAdCopies) Create(ctx context.Context, v *contracts.AdCopy) error {
	return r.rt.pick(ctx, v.TenantID).AdCopies.Create(ctx, v)
}

func (r routedAdCopies) Get(ctx context.Context, tenantID, id string) (*contracts.AdCopy, error) {
	return r.rt.pick(ctx, tenantID).AdCopies.Get(ctx, tenantID, id)
}

func (r routedAdCopies) Update(ctx context.Context, v *contracts.AdCopy) error {
	return r.rt.pick(ctx, v.TenantID).AdCopies.Update(ctx, v)
}

func (r routedAdCopies) ListByIntent(ctx context.Context, tenantID, intentID string) ([]*contracts.AdCopy, error) {
	return r.rt.pick(ctx, tenantID).AdCopies.ListByIntent(ctx, tenantID, intentID)
}

func (r routedAdCopies) NextVersion(ctx context.Context, tenantID, intentID string) (int, error) {
	return r.rt.pick(ctx, tenantID).AdCopies.NextVersion(ctx, tenantID, intentID)
}

type routedBundles struct{ rt *router }

func (r routedBundles) Create(ctx context.Context, b *contracts.AdBundle) error {
	return r.rt.pick(ctx, b.TenantID).Bundles.Create(ctx, b)
}

func (r routedBundles) Get(ctx context.Context, tenantID, id string) (*contracts.AdBundle, error) {
	return r.rt.pick(ctx, tenantID).Bundles.Get(ctx, tenantID, id)
}

func (r routedBundles) GetByKey(ctx context.Context, tenantID, runID, intentID, lpID, creativeID, adCopyID string) (*contracts.AdBundle, error) {
	return r.rt.pick(ctx, tenantID).Bundles.GetByKey(ctx, tenantID, runID, intentID, lpID, creativeID, adCopyID)
}

func (r routedBundles) Update(ctx context.Context, b *contracts.AdBundle) error {
	return r.rt.pick(ctx, b.TenantID).Bundles.Update(ctx, b)
}

func (r routedBundles) ListByRun(ctx context.Context, tenantID, runID string) ([]*contracts.AdBundle, error) {
	return r.rt.pick(ctx, tenantID).Bundles.ListByRun(ctx, tenantID, runID)
}

type routedDeployments struct{ rt *router }

func (r routedDeployments) Create(ctx context.Context, d *contracts.Deployment) error {
	return r.rt.pick(ctx, d.TenantID).Deployments.Create(ctx, d)
}

func (r routedDeployments) Get(ctx context.Context, tenantID, id string) (*contracts.Deployment, error) {
	return r.rt.pick(ctx, tenantID).Deployments.Get(ctx, tenantID, id)
}

func (r routedDeployments) Update(ctx context.Context, d *contracts.Deployment) error {
	return r.rt.pick(ctx, d.TenantID).Deployments.Update(ctx, d)
}

func (r routedDeployments) PublishedByRun(ctx context.Context, tenantID, runID string) (*contracts.Deployment, error) {
	return r.rt.pick(ctx, tenantID).Deployments.PublishedByRun(ctx, tenantID, runID)
}

func (r routedDeployments) ListByRun(ctx context.Context, tenantID, runID string) ([]*contracts.Deployment, error) {
	return r.rt.pick(ctx, tenantID).Deployments.ListByRun(ctx, tenantID, runID)
}

type routedEvents struct{ rt *router }

func (r routedEvents) Insert(ctx context.Context, e *contracts.Event, horizon time.Duration) error {
	return r.rt.pick(ctx, e.TenantID).Events.Insert(ctx, e, horizon)
}

func (r routedEvents) ListByRun(ctx context.Context, tenantID, runID string, since time.Time) ([]*contracts.Event, error) {
	return r.rt.pick(ctx, tenantID).Events.ListByRun(ctx, tenantID, runID, since)
}

func (r routedEvents) AggregateByRun(ctx context.Context, tenantID, runID string) (map[string]EventCounts, error) {
	return r.rt.pick(ctx, tenantID).Events.AggregateByRun(ctx, tenantID, runID)
}

func (r routedEvents) LastEventAt(ctx context.Context, tenantID, runID string) (*time.Time, error) {
	return r.rt.pick(ctx, tenantID).Events.LastEventAt(ctx, tenantID, runID)
}

func (r routedEvents) LastConversionAt(ctx context.Context, tenantID, runID string) (*time.Time, error) {
	return r.rt.pick(ctx, tenantID).Events.LastConversionAt(ctx, tenantID, runID)
}

type routedInsights struct{ rt *router }

func (r routedInsights) UpsertDaily(ctx context.Context, row *contracts.InsightDaily) error {
	return r.rt.pick(ctx, row.TenantID).Insights.UpsertDaily(ctx, row)
}

func (r routedInsights) UpsertHourly(ctx context.Context, row *contracts.InsightHourly) error {
	return r.rt.pick(ctx, row.TenantID).Insights.UpsertHourly(ctx, row)
}

func (r routedInsights) GetDaily(ctx context.Context, tenantID, bundleID, date string, source contracts.InsightSource) (*contracts.InsightDaily, error) {
	return r.rt.pick(ctx, tenantID).Insights.GetDaily(ctx, tenantID, bundleID, date, source)
}

func (r routedInsights) SumByRun(ctx context.Context, tenantID, runID string) (map[string]InsightTotals, error) {
	return r.rt.pick(ctx, tenantID).Insights.SumByRun(ctx, tenantID, runID)
}

func (r routedInsights) SpendOn(ctx context.Context, tenantID, runID, date string) (float64, error) {
	return r.rt.pick(ctx, tenantID).Insights.SpendOn(ctx, tenantID, runID, date)
}

type routedDecisions struct{ rt *router }

func (r routedDecisions) Create(ctx context.Context, d *contracts.Decision) error {
	return r.rt.pick(ctx, d.TenantID).Decisions.Create(ctx, d)
}

func (r routedDecisions) Get(ctx context.Context, tenantID, id string) (*contracts.Decision, error) {
	return r.rt.pick(ctx, tenantID).Decisions.Get(ctx, tenantID, id)
}

func (r routedDecisions) LatestByRun(ctx context.Context, tenantID, runID string) (*contracts.Decision, error) {
	return r.rt.pick(ctx, tenantID).Decisions.LatestByRun(ctx, tenantID, runID)
}

func (r routedDecisions) FinalByRun(ctx context.Context, tenantID, runID string) (*contracts.Decision, error) {
	return r.rt.pick(ctx, tenantID).Decisions.FinalByRun(ctx, tenantID, runID)
}

func (r routedDecisions) Finalize(ctx context.Context, tenantID, runID, decisionID string, at time.Time) error {
	return r.rt.pick(ctx, tenantID).Decisions.Finalize(ctx, tenantID, runID, decisionID, at)
}

type routedIncidents struct{ rt *router }

func (r routedIncidents) Create(ctx context.Context, i *contracts.Incident) error {
	return r.rt.pick(ctx, i.TenantID).Incidents.Create(ctx, i)
}

func (r routedIncidents) Get(ctx context.Context, tenantID, id string) (*contracts.Incident, error) {
	return r.rt.pick(ctx, tenantID).Incidents.Get(ctx, tenantID, id)
}

func (r routedIncidents) Update(ctx context.Context, i *contracts.Incident) error {
	return r.rt.pick(ctx, i.TenantID).Incidents.Update(ctx, i)
}

func (r routedIncidents) ListByTenant(ctx context.Context, tenantID string, status contracts.IncidentStatus) ([]*contracts.Incident, error) {
	return r.rt.pick(ctx, tenantID).Incidents.ListByTenant(ctx, tenantID, status)
}

type routedJobs struct{ rt *router }

func (r routedJobs) Create(ctx context.Context, j *contracts.Job) error {
	return r.rt.pick(ctx, j.TenantID).Jobs.Create(ctx, j)
}

func (r routedJobs) Get(ctx context.Context, tenantID, id string) (*contracts.Job, error) {
	return r.rt.pick(ctx, tenantID).Jobs.Get(ctx, tenantID, id)
}

func (r routedJobs) Update(ctx context.Context, j *contracts.Job) error {
	return r.rt.pick(ctx, j.TenantID).Jobs.Update(ctx, j)
}

func (r routedJobs) CompareAndSetStatus(ctx context.Context, tenantID, id string, from, to contracts.JobStatus) error {
	return r.rt.pick(ctx, tenantID).Jobs.CompareAndSetStatus(ctx, tenantID, id, from, to)
}

func (r routedJobs) ListByRun(ctx context.Context, tenantID, runID string) ([]*contracts.Job, error) {
	return r.rt.pick(ctx, tenantID).Jobs.ListByRun(ctx, tenantID, runID)
}

// DequeueOldest drains the primary before the secondary; each claim is atomic
// within its own backend.
func (r routedJobs) DequeueOldest(ctx context.Context, types ...contracts.JobType) (*contracts.Job, error) {
	j, err := r.rt.primary.Jobs.DequeueOldest(ctx, types...)
	if errors.Is(err, ErrNotFound) {
		return r.rt.secondary.Jobs.DequeueOldest(ctx, types...)
	}
	return j, err
}

type routedAudit struct{ rt *router }

func (r routedAudit) LastHash(ctx context.Context, tenantID string) (string, error) {
	return r.rt.pick(ctx, tenantID).Audit.LastHash(ctx, tenantID)
}

func (r routedAudit) Insert(ctx context.Context, e *contracts.AuditEntry) error {
	return r.rt.pick(ctx, e.TenantID).Audit.Insert(ctx, e)
}

func (r routedAudit) ListByTenant(ctx context.Context, tenantID string) ([]*contracts.AuditEntry, error) {
	return r.rt.pick(ctx, tenantID).Audit.ListByTenant(ctx, tenantID)
}

type routedImports struct{ rt *router }

func (r routedImports) Create(ctx context.Context, s *contracts.ImportSummary) error {
	return r.rt.pick(ctx, s.TenantID).Imports.Create(ctx, s)
}

func (r routedImports) Get(ctx context.Context, tenantID, id string) (*contracts.ImportSummary, error) {
	return r.rt.pick(ctx, tenantID).Imports.Get(ctx, tenantID, id)
}

func (r routedImports) ListByRun(ctx context.Context, tenantID, runID string) ([]*contracts.ImportSummary, error) {
	return r.rt.pick(ctx, tenantID).Imports.ListByRun(ctx, tenantID, runID)
}

type routedConnections struct{ rt *router }

func (r routedConnections) Create(ctx context.Context, c *contracts.Connection) error {
	return r.rt.pick(ctx, c.TenantID).Connections.Create(ctx, c)
}

func (r routedConnections) Get(ctx context.Context, tenantID, id string) (*contracts.Connection, error) {
	return r.rt.pick(ctx, tenantID).Connections.Get(ctx, tenantID, id)
}

func (r routedConnections) Update(ctx context.Context, c *contracts.Connection) error {
	return r.rt.pick(ctx, c.TenantID).Connections.Update(ctx, c)
}

func (r routedConnections) ListByTenant(ctx context.Context, tenantID string) ([]*contracts.Connection, error) {
	return r.rt.pick(ctx, tenantID).Connections.ListByTenant(ctx, tenantID)
}

// OAuth state nonces carry no tenant yet, so they live on the primary.
func (r routedConnections) SaveNonce(ctx context.Context, nonce string, createdAt time.Time) error {
	return r.rt.primary.Connections.SaveNonce(ctx, nonce, createdAt)
}

func (r routedConnections) ConsumeNonce(ctx context.Context, nonce string) (time.Time, error) {
	return r.rt.primary.Connections.ConsumeNonce(ctx, nonce)
}

func (r routedConnections) PruneNonces(ctx context.Context, before time.Time) error {
	return r.rt.primary.Connections.PruneNonces(ctx, before)
}
