package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
)

type bundleRepo struct{ db *database }

func bundleKey(b *contracts.AdBundle) string {
	return strings.Join([]string{b.TenantID, b.RunID, b.IntentID, b.LpVariantID, b.CreativeVariantID, b.AdCopyID}, "|")
}

func (r *bundleRepo) Create(_ context.Context, b *contracts.AdBundle) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	key := bundleKey(b)
	for _, cur := range r.db.bundles {
		if bundleKey(cur) == key {
			return repo.ErrDuplicate
		}
	}
	r.db.bundles[b.ID] = clone(b)
	return nil
}

func (r *bundleRepo) Get(_ context.Context, tenantID, id string) (*contracts.AdBundle, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	b, ok := r.db.bundles[id]
	if !ok || b.TenantID != tenantID {
		return nil, repo.ErrNotFound
	}
	return clone(b), nil
}

func (r *bundleRepo) GetByKey(_ context.Context, tenantID, runID, intentID, lpID, creativeID, adCopyID string) (*contracts.AdBundle, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	key := strings.Join([]string{tenantID, runID, intentID, lpID, creativeID, adCopyID}, "|")
	for _, b := range r.db.bundles {
		if bundleKey(b) == key {
			return clone(b), nil
		}
	}
	return nil, repo.ErrNotFound
}

func (r *bundleRepo) Update(_ context.Context, b *contracts.AdBundle) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.bundles[b.ID]
	if !ok || cur.TenantID != b.TenantID {
		return repo.ErrNotFound
	}
	r.db.bundles[b.ID] = clone(b)
	return nil
}

func (r *bundleRepo) ListByRun(_ context.Context, tenantID, runID string) ([]*contracts.AdBundle, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*contracts.AdBundle
	for _, b := range r.db.bundles {
		if b.TenantID == tenantID && b.RunID == runID {
			out = append(out, clone(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type deploymentRepo struct{ db *database }

func (r *deploymentRepo) Create(_ context.Context, d *contracts.Deployment) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.deployments[d.ID]; ok {
		return repo.ErrConflict
	}
	r.db.deployments[d.ID] = clone(d)
	return nil
}

func (r *deploymentRepo) Get(_ context.Context, tenantID, id string) (*contracts.Deployment, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	d, ok := r.db.deployments[id]
	if !ok || d.TenantID != tenantID {
		return nil, repo.ErrNotFound
	}
	return clone(d), nil
}

func (r *deploymentRepo) Update(_ context.Context, d *contracts.Deployment) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.deployments[d.ID]
	if !ok || cur.TenantID != d.TenantID {
		return repo.ErrNotFound
	}
	r.db.deployments[d.ID] = clone(d)
	return nil
}

func (r *deploymentRepo) PublishedByRun(_ context.Context, tenantID, runID string) (*contracts.Deployment, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, d := range r.db.deployments {
		if d.TenantID == tenantID && d.RunID == runID && d.Status == contracts.DeploymentPublished {
			return clone(d), nil
		}
	}
	return nil, repo.ErrNotFound
}

func (r *deploymentRepo) ListByRun(_ context.Context, tenantID, runID string) ([]*contracts.Deployment, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*contracts.Deployment
	for _, d := range r.db.deployments {
		if d.TenantID == tenantID && d.RunID == runID {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type decisionRepo struct{ db *database }

func (r *decisionRepo) Create(_ context.Context, d *contracts.Decision) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.decisions[d.ID]; ok {
		return repo.ErrConflict
	}
	r.db.decisions[d.ID] = clone(d)
	return nil
}

func (r *decisionRepo) Get(_ context.Context, tenantID, id string) (*contracts.Decision, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	d, ok := r.db.decisions[id]
	if !ok || d.TenantID != tenantID {
		return nil, repo.ErrNotFound
	}
	return clone(d), nil
}

func (r *decisionRepo) LatestByRun(_ context.Context, tenantID, runID string) (*contracts.Decision, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var latest *contracts.Decision
	for _, d := range r.db.decisions {
		if d.TenantID != tenantID || d.RunID != runID {
			continue
		}
		if latest == nil || d.CreatedAt.After(latest.CreatedAt) {
			latest = d
		}
	}
	if latest == nil {
		return nil, repo.ErrNotFound
	}
	return clone(latest), nil
}

func (r *decisionRepo) FinalByRun(_ context.Context, tenantID, runID string) (*contracts.Decision, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, d := range r.db.decisions {
		if d.TenantID == tenantID && d.RunID == runID && d.Status == contracts.DecisionFinal {
			return clone(d), nil
		}
	}
	return nil, repo.ErrNotFound
}

func (r *decisionRepo) Finalize(_ context.Context, tenantID, runID, decisionID string, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, d := range r.db.decisions {
		if d.TenantID == tenantID && d.RunID == runID && d.Status == contracts.DecisionFinal {
			return repo.ErrConflict
		}
	}
	d, ok := r.db.decisions[decisionID]
	if !ok || d.TenantID != tenantID || d.RunID != runID {
		return repo.ErrNotFound
	}
	d.Status = contracts.DecisionFinal
	d.FinalAt = &at
	return nil
}

type incidentRepo struct{ db *database }

func (r *incidentRepo) Create(_ context.Context, i *contracts.Incident) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.incidents[i.ID]; ok {
		return repo.ErrConflict
	}
	r.db.incidents[i.ID] = clone(i)
	return nil
}

func (r *incidentRepo) Get(_ context.Context, tenantID, id string) (*contracts.Incident, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	i, ok := r.db.incidents[id]
	if !ok || i.TenantID != tenantID {
		return nil, repo.ErrNotFound
	}
	return clone(i), nil
}

func (r *incidentRepo) Update(_ context.Context, i *contracts.Incident) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.incidents[i.ID]
	if !ok || cur.TenantID != i.TenantID {
		return repo.ErrNotFound
	}
	r.db.incidents[i.ID] = clone(i)
	return nil
}

func (r *incidentRepo) ListByTenant(_ context.Context, tenantID string, status contracts.IncidentStatus) ([]*contracts.Incident, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*contracts.Incident
	for _, i := range r.db.incidents {
		if i.TenantID != tenantID {
			continue
		}
		if status != "" && i.Status != status {
			continue
		}
		out = append(out, clone(i))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type importRepo struct{ db *database }

func (r *importRepo) Create(_ context.Context, s *contracts.ImportSummary) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.imports[s.ID]; ok {
		return repo.ErrConflict
	}
	r.db.imports[s.ID] = clone(s)
	return nil
}

func (r *importRepo) Get(_ context.Context, tenantID, id string) (*contracts.ImportSummary, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	s, ok := r.db.imports[id]
	if !ok || s.TenantID != tenantID {
		return nil, repo.ErrNotFound
	}
	return clone(s), nil
}

func (r *importRepo) ListByRun(_ context.Context, tenantID, runID string) ([]*contracts.ImportSummary, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*contracts.ImportSummary
	for _, s := range r.db.imports {
		if s.TenantID == tenantID && s.RunID == runID {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
