package memory

import (
	"context"
	"sort"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
)

type runRepo struct{ db *database }

func (r *runRepo) Create(_ context.Context, run *contracts.Run) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.runs[run.ID]; ok {
		return repo.ErrConflict
	}
	r.db.runs[run.ID] = clone(run)
	return nil
}

func (r *runRepo) Get(_ context.Context, tenantID, id string) (*contracts.Run, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	run, ok := r.db.runs[id]
	if !ok || run.TenantID != tenantID {
		return nil, repo.ErrNotFound
	}
	return clone(run), nil
}

func (r *runRepo) Update(_ context.Context, run *contracts.Run) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.runs[run.ID]
	if !ok || cur.TenantID != run.TenantID {
		return repo.ErrNotFound
	}
	// Status moves only through CompareAndSetStatus.
	next := clone(run)
	next.Status = cur.Status
	r.db.runs[run.ID] = next
	return nil
}

func (r *runRepo) CompareAndSetStatus(_ context.Context, tenantID, id string, from, to contracts.RunStatus, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.runs[id]
	if !ok || cur.TenantID != tenantID {
		return repo.ErrNotFound
	}
	if cur.Status != from {
		return repo.ErrConflict
	}
	cur.Status = to
	cur.UpdatedAt = at
	switch to {
	case contracts.RunLive:
		cur.PublishedAt = &at
	case contracts.RunRunning:
		if cur.LaunchedAt == nil {
			cur.LaunchedAt = &at
		}
	case contracts.RunCompleted:
		cur.CompletedAt = &at
	}
	return nil
}

func (r *runRepo) Resolve(_ context.Context, id string) (*contracts.Run, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	run, ok := r.db.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return clone(run), nil
}

func (r *runRepo) ListByProject(_ context.Context, tenantID, projectID string) ([]*contracts.Run, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*contracts.Run
	for _, run := range r.db.runs {
		if run.TenantID == tenantID && run.ProjectID == projectID {
			out = append(out, clone(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *runRepo) ListByStatus(_ context.Context, statuses ...contracts.RunStatus) ([]*contracts.Run, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	want := map[contracts.RunStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	var out []*contracts.Run
	for _, run := range r.db.runs {
		if want[run.Status] {
			out = append(out, clone(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type intentRepo struct{ db *database }

func (r *intentRepo) Create(_ context.Context, i *contracts.Intent) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.intents[i.ID]; ok {
		return repo.ErrConflict
	}
	r.db.intents[i.ID] = clone(i)
	return nil
}

func (r *intentRepo) Get(_ context.Context, tenantID, id string) (*contracts.Intent, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	i, ok := r.db.intents[id]
	if !ok || i.TenantID != tenantID {
		return nil, repo.ErrNotFound
	}
	return clone(i), nil
}

func (r *intentRepo) Update(_ context.Context, i *contracts.Intent) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.intents[i.ID]
	if !ok || cur.TenantID != i.TenantID {
		return repo.ErrNotFound
	}
	r.db.intents[i.ID] = clone(i)
	return nil
}

func (r *intentRepo) ListByRun(_ context.Context, tenantID, runID string) ([]*contracts.Intent, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*contracts.Intent
	for _, i := range r.db.intents {
		if i.TenantID == tenantID && i.RunID == runID {
			out = append(out, clone(i))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type lpRepo struct{ db *database }

func (r *lpRepo) Create(_ context.Context, v *contracts.LpVariant) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.lps[v.ID]; ok {
		return repo.ErrConflict
	}
	r.db.lps[v.ID] = clone(v)
	return nil
}

func (r *lpRepo) Get(_ context.Context, tenantID, id string) (*contracts.LpVariant, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	v, ok := r.db.lps[id]
	if !ok || v.TenantID != tenantID {
		return nil, repo.ErrNotFound
	}
	return clone(v), nil
}

func (r *lpRepo) Update(_ context.Context, v *contracts.LpVariant) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.lps[v.ID]
	if !ok || cur.TenantID != v.TenantID {
		return repo.ErrNotFound
	}
	r.db.lps[v.ID] = clone(v)
	return nil
}

func (r *lpRepo) ListByIntent(_ context.Context, tenantID, intentID string) ([]*contracts.LpVariant, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*contracts.LpVariant
	for _, v := range r.db.lps {
		if v.TenantID == tenantID && v.IntentID == intentID {
			out = append(out, clone(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (r *lpRepo) NextVersion(_ context.Context, tenantID, intentID string) (int, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	max := 0
	for _, v := range r.db.lps {
		if v.TenantID == tenantID && v.IntentID == intentID && v.Version > max {
			max = v.Version
		}
	}
	return max + 1, nil
}

type creativeRepo struct{ db *database }

func (r *creativeRepo) Create(_ context.Context, v *contracts.CreativeVariant) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.creatives[v.ID]; ok {
		return repo.ErrConflict
	}
	r.db.creatives[v.ID] = clone(v)
	return nil
}

func (r *creativeRepo) Get(_ context.Context, tenantID, id string) (*contracts.CreativeVariant, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	v, ok := r.db.creatives[id]
	if !ok || v.TenantID != tenantID {
		return nil, repo.ErrNotFound
	}
	return clone(v), nil
}

func (r *creativeRepo) Update(_ context.Context, v *contracts.CreativeVariant) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.creatives[v.ID]
	if !ok || cur.TenantID != v.TenantID {
		return repo.ErrNotFound
	}
	r.db.creatives[v.ID] = clone(v)
	return nil
}

func (r *creativeRepo) ListByIntent(_ context.Context, tenantID, intentID string) ([]*contracts.CreativeVariant, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*contracts.CreativeVariant
	for _, v := range r.db.creatives {
		if v.TenantID == tenantID && v.IntentID == intentID {
			out = append(out, clone(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (r *creativeRepo) NextVersion(_ context.Context, tenantID, intentID string, size contracts.CreativeSize) (int, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	max := 0
	for _, v := range r.db.creatives {
		if v.TenantID == tenantID && v.IntentID == intentID && v.Size == size && v.Version > max {
			max = v.Version
		}
	}
	return max + 1, nil
}

type adCopyRepo struct{ db *database }

func (r *adCopyRepo) Create(_ context.Context, v *contracts.AdCopy) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.adCopies[v.ID]; ok {
		return repo.ErrConflict
	}
	r.db.adCopies[v.ID] = clone(v)
	return nil
}

func (r *adCopyRepo) Get(_ context.Context, tenantID, id string) (*contracts.AdCopy, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	v, ok := r.db.adCopies[id]
	if !ok || v.TenantID != tenantID {
		return nil, repo.ErrNotFound
	}
	return clone(v), nil
}

func (r *adCopyRepo) Update(_ context.Context, v *contracts.AdCopy) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.adCopies[v.ID]
	if !ok || cur.TenantID != v.TenantID {
		return repo.ErrNotFound
	}
	r.db.adCopies[v.ID] = clone(v)
	return nil
}

func (r *adCopyRepo) ListByIntent(_ context.Context, tenantID, intentID string) ([]*contracts.AdCopy, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*contracts.AdCopy
	for _, v := range r.db.adCopies {
		if v.TenantID == tenantID && v.IntentID == intentID {
			out = append(out, clone(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (r *adCopyRepo) NextVersion(_ context.Context, tenantID, intentID string) (int, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	max := 0
	for _, v := range r.db.adCopies {
		if v.TenantID == tenantID && v.IntentID == intentID && v.Version > max {
			max = v.Version
		}
	}
	return max + 1, nil
}
