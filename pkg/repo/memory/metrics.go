package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
)

type eventRepo struct{ db *database }

func (r *eventRepo) Insert(_ context.Context, e *contracts.Event, horizon time.Duration) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	key := key2(e.TenantID, e.EventID)
	if prev, ok := r.db.events[key]; ok {
		if horizon <= 0 || e.ReceivedAt.Sub(prev.ReceivedAt) < horizon {
			return repo.ErrDuplicate
		}
	}
	r.db.events[key] = clone(e)
	return nil
}

func (r *eventRepo) ListByRun(_ context.Context, tenantID, runID string, since time.Time) ([]*contracts.Event, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*contracts.Event
	for _, e := range r.db.events {
		if e.TenantID != tenantID || e.RunID != runID {
			continue
		}
		if !since.IsZero() && e.OccurredAt.Before(since) {
			continue
		}
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (r *eventRepo) AggregateByRun(_ context.Context, tenantID, runID string) (map[string]repo.EventCounts, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	out := map[string]repo.EventCounts{}
	for _, e := range r.db.events {
		if e.TenantID != tenantID || e.RunID != runID || e.AdBundleID == "" {
			continue
		}
		c := out[e.AdBundleID]
		switch e.EventType {
		case contracts.EventPageview:
			c.Pageviews++
		case contracts.EventCTAClick:
			c.Clicks++
		case contracts.EventFormSubmit:
			c.Submits++
		case contracts.EventFormSuccess:
			c.Conversions++
		}
		out[e.AdBundleID] = c
	}
	return out, nil
}

func (r *eventRepo) LastEventAt(_ context.Context, tenantID, runID string) (*time.Time, error) {
	return r.lastAt(tenantID, runID, "")
}

func (r *eventRepo) LastConversionAt(_ context.Context, tenantID, runID string) (*time.Time, error) {
	return r.lastAt(tenantID, runID, contracts.EventFormSuccess)
}

func (r *eventRepo) lastAt(tenantID, runID string, et contracts.EventType) (*time.Time, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var last *time.Time
	for _, e := range r.db.events {
		if e.TenantID != tenantID || e.RunID != runID {
			continue
		}
		if et != "" && e.EventType != et {
			continue
		}
		if last == nil || e.OccurredAt.After(*last) {
			t := e.OccurredAt
			last = &t
		}
	}
	return last, nil
}

type insightRepo struct{ db *database }

func dailyKey(row *contracts.InsightDaily) string {
	return strings.Join([]string{row.TenantID, row.AdBundleID, row.Date, string(row.Source)}, "|")
}

func hourlyKey(row *contracts.InsightHourly) string {
	return strings.Join([]string{row.TenantID, row.AdBundleID, row.Bucket.UTC().Format(time.RFC3339), string(row.Source)}, "|")
}

func (r *insightRepo) UpsertDaily(_ context.Context, row *contracts.InsightDaily) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.daily[dailyKey(row)] = clone(row)
	return nil
}

func (r *insightRepo) UpsertHourly(_ context.Context, row *contracts.InsightHourly) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.hourly[hourlyKey(row)] = clone(row)
	return nil
}

func (r *insightRepo) GetDaily(_ context.Context, tenantID, bundleID, date string, source contracts.InsightSource) (*contracts.InsightDaily, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	key := strings.Join([]string{tenantID, bundleID, date, string(source)}, "|")
	row, ok := r.db.daily[key]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return clone(row), nil
}

// SumByRun folds daily rows per bundle. Manual rows shadow meta rows for the
// same (bundle, date).
func (r *insightRepo) SumByRun(_ context.Context, tenantID, runID string) (map[string]repo.InsightTotals, error) {
	r.db.mu.RLock()
	bundleIDs := map[string]bool{}
	for _, b := range r.db.bundles {
		if b.TenantID == tenantID && b.RunID == runID {
			bundleIDs[b.ID] = true
		}
	}
	picked := map[string]*contracts.InsightDaily{} // bundle|date -> chosen row
	for _, row := range r.db.daily {
		if row.TenantID != tenantID || !bundleIDs[row.AdBundleID] {
			continue
		}
		k := key2(row.AdBundleID, row.Date)
		if cur, ok := picked[k]; ok {
			if cur.Source == contracts.SourceManual && row.Source == contracts.SourceMeta {
				continue
			}
		}
		picked[k] = row
	}
	r.db.mu.RUnlock()

	out := map[string]repo.InsightTotals{}
	for _, row := range picked {
		t := out[row.AdBundleID]
		t.Impressions += row.Impressions
		t.Clicks += row.Clicks
		t.Spend += row.Spend
		t.Conversions += row.Conversions
		out[row.AdBundleID] = t
	}
	return out, nil
}

func (r *insightRepo) SpendOn(_ context.Context, tenantID, runID, date string) (float64, error) {
	totals, err := r.sumOnDate(tenantID, runID, date)
	if err != nil {
		return 0, err
	}
	return totals, nil
}

func (r *insightRepo) sumOnDate(tenantID, runID, date string) (float64, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	bundleIDs := map[string]bool{}
	for _, b := range r.db.bundles {
		if b.TenantID == tenantID && b.RunID == runID {
			bundleIDs[b.ID] = true
		}
	}
	picked := map[string]*contracts.InsightDaily{}
	for _, row := range r.db.daily {
		if row.TenantID != tenantID || row.Date != date || !bundleIDs[row.AdBundleID] {
			continue
		}
		if cur, ok := picked[row.AdBundleID]; ok {
			if cur.Source == contracts.SourceManual && row.Source == contracts.SourceMeta {
				continue
			}
		}
		picked[row.AdBundleID] = row
	}
	var spend float64
	for _, row := range picked {
		spend += row.Spend
	}
	return spend, nil
}

type jobRepo struct{ db *database }

func (r *jobRepo) Create(_ context.Context, j *contracts.Job) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.jobs[j.ID]; ok {
		return repo.ErrConflict
	}
	r.db.jobs[j.ID] = clone(j)
	return nil
}

func (r *jobRepo) Get(_ context.Context, tenantID, id string) (*contracts.Job, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	j, ok := r.db.jobs[id]
	if !ok || j.TenantID != tenantID {
		return nil, repo.ErrNotFound
	}
	return clone(j), nil
}

func (r *jobRepo) Update(_ context.Context, j *contracts.Job) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.jobs[j.ID]
	if !ok || cur.TenantID != j.TenantID {
		return repo.ErrNotFound
	}
	r.db.jobs[j.ID] = clone(j)
	return nil
}

func (r *jobRepo) CompareAndSetStatus(_ context.Context, tenantID, id string, from, to contracts.JobStatus) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	j, ok := r.db.jobs[id]
	if !ok || j.TenantID != tenantID {
		return repo.ErrNotFound
	}
	if j.Status != from {
		return repo.ErrConflict
	}
	j.Status = to
	return nil
}

func (r *jobRepo) ListByRun(_ context.Context, tenantID, runID string) ([]*contracts.Job, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*contracts.Job
	for _, j := range r.db.jobs {
		if j.TenantID == tenantID && j.RunID == runID {
			out = append(out, clone(j))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *jobRepo) DequeueOldest(_ context.Context, types ...contracts.JobType) (*contracts.Job, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	want := map[contracts.JobType]bool{}
	for _, t := range types {
		want[t] = true
	}
	var oldest *contracts.Job
	for _, j := range r.db.jobs {
		if j.Status != contracts.JobQueued {
			continue
		}
		if len(want) > 0 && !want[j.Type] {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, repo.ErrNotFound
	}
	oldest.Status = contracts.JobRunningS
	now := time.Now().UTC()
	oldest.StartedAt = &now
	oldest.Attempts++
	oldest.UpdatedAt = now
	return clone(oldest), nil
}

type auditRepo struct{ db *database }

func (r *auditRepo) LastHash(_ context.Context, tenantID string) (string, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var last *contracts.AuditEntry
	for _, e := range r.db.auditEntries {
		if e.TenantID != tenantID {
			continue
		}
		if last == nil || e.TsMs >= last.TsMs {
			last = e
		}
	}
	if last == nil {
		return "", nil
	}
	return last.Hash, nil
}

// Insert mirrors the sql store's (tenant_id, prev_hash) uniqueness: a second
// entry chaining off the same predecessor is a fork and comes back as
// ErrConflict.
func (r *auditRepo) Insert(_ context.Context, e *contracts.AuditEntry) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, cur := range r.db.auditEntries {
		if cur.TenantID == e.TenantID && cur.PrevHash == e.PrevHash {
			return repo.ErrConflict
		}
	}
	r.db.auditEntries = append(r.db.auditEntries, clone(e))
	return nil
}

func (r *auditRepo) ListByTenant(_ context.Context, tenantID string) ([]*contracts.AuditEntry, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*contracts.AuditEntry
	for _, e := range r.db.auditEntries {
		if e.TenantID == tenantID {
			out = append(out, clone(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TsMs < out[j].TsMs })
	return out, nil
}
