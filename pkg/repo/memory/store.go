// Package memory provides the in-memory repository implementation used by
// tests and single-node development. Every method clones on the way in and
// out so callers can never alias store-internal state.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
)

// New returns a fully wired in-memory Stores.
func New() *repo.Stores {
	db := &database{
		tenants:     map[string]*contracts.Tenant{},
		users:       map[string]*contracts.User{},
		memberships: map[string]*contracts.Membership{},
		projects:    map[string]*contracts.Project{},
		runs:        map[string]*contracts.Run{},
		intents:     map[string]*contracts.Intent{},
		lps:         map[string]*contracts.LpVariant{},
		creatives:   map[string]*contracts.CreativeVariant{},
		adCopies:    map[string]*contracts.AdCopy{},
		bundles:     map[string]*contracts.AdBundle{},
		deployments: map[string]*contracts.Deployment{},
		events:      map[string]*contracts.Event{},
		daily:       map[string]*contracts.InsightDaily{},
		hourly:      map[string]*contracts.InsightHourly{},
		decisions:   map[string]*contracts.Decision{},
		incidents:   map[string]*contracts.Incident{},
		jobs:        map[string]*contracts.Job{},
		flags:       map[string]*contracts.TenantFlag{},
		imports:     map[string]*contracts.ImportSummary{},
		connections: map[string]*contracts.Connection{},
		nonces:      map[string]time.Time{},
	}
	return &repo.Stores{
		Tenants:     &tenantRepo{db},
		Users:       &userRepo{db},
		Memberships: &membershipRepo{db},
		Projects:    &projectRepo{db},
		Runs:        &runRepo{db},
		Intents:     &intentRepo{db},
		LpVariants:  &lpRepo{db},
		Creatives:   &creativeRepo{db},
		AdCopies:    &adCopyRepo{db},
		Bundles:     &bundleRepo{db},
		Deployments: &deploymentRepo{db},
		Events:      &eventRepo{db},
		Insights:    &insightRepo{db},
		Decisions:   &decisionRepo{db},
		Incidents:   &incidentRepo{db},
		Jobs:        &jobRepo{db},
		Flags:       &flagRepo{db},
		Audit:       &auditRepo{db},
		Imports:     &importRepo{db},
		Connections: &connectionRepo{db},
	}
}

type database struct {
	mu sync.RWMutex

	tenants     map[string]*contracts.Tenant
	users       map[string]*contracts.User
	memberships map[string]*contracts.Membership
	projects    map[string]*contracts.Project
	runs        map[string]*contracts.Run
	intents     map[string]*contracts.Intent
	lps         map[string]*contracts.LpVariant
	creatives   map[string]*contracts.CreativeVariant
	adCopies    map[string]*contracts.AdCopy
	bundles     map[string]*contracts.AdBundle
	deployments map[string]*contracts.Deployment
	events      map[string]*contracts.Event // keyed tenant|event_id
	daily       map[string]*contracts.InsightDaily
	hourly      map[string]*contracts.InsightHourly
	decisions   map[string]*contracts.Decision
	incidents   map[string]*contracts.Incident
	jobs        map[string]*contracts.Job
	flags       map[string]*contracts.TenantFlag
	imports     map[string]*contracts.ImportSummary
	connections map[string]*contracts.Connection
	nonces      map[string]time.Time

	auditEntries []*contracts.AuditEntry
}

// clone deep-copies any contracts value through JSON. Slow path is fine for
// an in-memory store.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic(err)
	}
	return out
}

func key2(a, b string) string { return a + "|" + b }

// --- tenants ---

type tenantRepo struct{ db *database }

func (r *tenantRepo) Create(_ context.Context, t *contracts.Tenant) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.tenants[t.ID]; ok {
		return repo.ErrConflict
	}
	r.db.tenants[t.ID] = clone(t)
	return nil
}

func (r *tenantRepo) Get(_ context.Context, id string) (*contracts.Tenant, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	t, ok := r.db.tenants[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return clone(t), nil
}

func (r *tenantRepo) List(_ context.Context) ([]*contracts.Tenant, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	out := make([]*contracts.Tenant, 0, len(r.db.tenants))
	for _, t := range r.db.tenants {
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- users ---

type userRepo struct{ db *database }

func (r *userRepo) Create(_ context.Context, u *contracts.User) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.users[u.ID]; ok {
		return repo.ErrConflict
	}
	r.db.users[u.ID] = clone(u)
	return nil
}

func (r *userRepo) Get(_ context.Context, id string) (*contracts.User, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	u, ok := r.db.users[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return clone(u), nil
}

// --- memberships ---

type membershipRepo struct{ db *database }

func (r *membershipRepo) Create(_ context.Context, m *contracts.Membership) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.memberships[m.ID] = clone(m)
	return nil
}

func (r *membershipRepo) GetByUser(_ context.Context, tenantID, userID string) (*contracts.Membership, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, m := range r.db.memberships {
		if m.TenantID == tenantID && m.UserID == userID {
			return clone(m), nil
		}
	}
	return nil, repo.ErrNotFound
}

func (r *membershipRepo) ListByTenant(_ context.Context, tenantID string) ([]*contracts.Membership, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*contracts.Membership
	for _, m := range r.db.memberships {
		if m.TenantID == tenantID {
			out = append(out, clone(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- projects ---

type projectRepo struct{ db *database }

func (r *projectRepo) Create(_ context.Context, p *contracts.Project) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.projects[p.ID]; ok {
		return repo.ErrConflict
	}
	r.db.projects[p.ID] = clone(p)
	return nil
}

func (r *projectRepo) Get(_ context.Context, tenantID, id string) (*contracts.Project, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	p, ok := r.db.projects[id]
	if !ok || p.TenantID != tenantID {
		return nil, repo.ErrNotFound
	}
	return clone(p), nil
}

func (r *projectRepo) Update(_ context.Context, p *contracts.Project) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.projects[p.ID]
	if !ok || cur.TenantID != p.TenantID {
		return repo.ErrNotFound
	}
	r.db.projects[p.ID] = clone(p)
	return nil
}

func (r *projectRepo) ListByTenant(_ context.Context, tenantID string) ([]*contracts.Project, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*contracts.Project
	for _, p := range r.db.projects {
		if p.TenantID == tenantID {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- flags ---

type flagRepo struct{ db *database }

func (r *flagRepo) Upsert(_ context.Context, f *contracts.TenantFlag) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.flags[key2(f.TenantID, f.Key)] = clone(f)
	return nil
}

func (r *flagRepo) Get(_ context.Context, tenantID, key string) (*contracts.TenantFlag, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	f, ok := r.db.flags[key2(tenantID, key)]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return clone(f), nil
}

func (r *flagRepo) ListByTenant(_ context.Context, tenantID string) ([]*contracts.TenantFlag, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*contracts.TenantFlag
	for _, f := range r.db.flags {
		if f.TenantID == tenantID {
			out = append(out, clone(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
