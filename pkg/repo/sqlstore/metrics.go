package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
)

type eventRepo struct{ *store }

func (r *eventRepo) Insert(ctx context.Context, e *contracts.Event, horizon time.Duration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var prevMs int64
	err = tx.QueryRowContext(ctx,
		`SELECT received_at_ms FROM events WHERE tenant_id = $1 AND event_id = $2`,
		e.TenantID, e.EventID).Scan(&prevMs)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		doc, mErr := marshalDoc(e)
		if mErr != nil {
			return mErr
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (id, tenant_id, event_id, run_id, ad_bundle_id, event_type, occurred_at_ms, received_at_ms, doc)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.TenantID, e.EventID, e.RunID, e.AdBundleID, string(e.EventType),
			e.OccurredAt.UnixMilli(), e.ReceivedAt.UnixMilli(), doc)
		if err != nil {
			if isUniqueViolation(err) {
				return repo.ErrDuplicate
			}
			return err
		}
	case err != nil:
		return err
	default:
		// A row exists. Outside the horizon the event id may be reused and the
		// new event replaces the old row.
		if horizon <= 0 || e.ReceivedAt.Sub(time.UnixMilli(prevMs)) < horizon {
			return repo.ErrDuplicate
		}
		doc, mErr := marshalDoc(e)
		if mErr != nil {
			return mErr
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET id = $1, run_id = $2, ad_bundle_id = $3, event_type = $4,
			        occurred_at_ms = $5, received_at_ms = $6, doc = $7
			 WHERE tenant_id = $8 AND event_id = $9`,
			e.ID, e.RunID, e.AdBundleID, string(e.EventType),
			e.OccurredAt.UnixMilli(), e.ReceivedAt.UnixMilli(), doc,
			e.TenantID, e.EventID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *eventRepo) ListByRun(ctx context.Context, tenantID, runID string, since time.Time) ([]*contracts.Event, error) {
	query := `SELECT doc FROM events WHERE tenant_id = $1 AND run_id = $2 ORDER BY occurred_at_ms`
	args := []any{tenantID, runID}
	if !since.IsZero() {
		query = `SELECT doc FROM events WHERE tenant_id = $1 AND run_id = $2 AND occurred_at_ms >= $3 ORDER BY occurred_at_ms`
		args = append(args, since.UnixMilli())
	}
	return listDocs[contracts.Event](ctx, r.store, query, args...)
}

func (r *eventRepo) AggregateByRun(ctx context.Context, tenantID, runID string) (map[string]repo.EventCounts, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ad_bundle_id, event_type, COUNT(*)
		 FROM events
		 WHERE tenant_id = $1 AND run_id = $2 AND ad_bundle_id <> ''
		 GROUP BY ad_bundle_id, event_type`,
		tenantID, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := map[string]repo.EventCounts{}
	for rows.Next() {
		var (
			bundleID string
			et       string
			n        int64
		)
		if err := rows.Scan(&bundleID, &et, &n); err != nil {
			return nil, err
		}
		c := out[bundleID]
		switch contracts.EventType(et) {
		case contracts.EventPageview:
			c.Pageviews += n
		case contracts.EventCTAClick:
			c.Clicks += n
		case contracts.EventFormSubmit:
			c.Submits += n
		case contracts.EventFormSuccess:
			c.Conversions += n
		}
		out[bundleID] = c
	}
	return out, rows.Err()
}

func (r *eventRepo) LastEventAt(ctx context.Context, tenantID, runID string) (*time.Time, error) {
	return r.lastAt(ctx,
		`SELECT MAX(occurred_at_ms) FROM events WHERE tenant_id = $1 AND run_id = $2`,
		tenantID, runID)
}

func (r *eventRepo) LastConversionAt(ctx context.Context, tenantID, runID string) (*time.Time, error) {
	return r.lastAt(ctx,
		`SELECT MAX(occurred_at_ms) FROM events WHERE tenant_id = $1 AND run_id = $2 AND event_type = $3`,
		tenantID, runID, string(contracts.EventFormSuccess))
}

func (r *eventRepo) lastAt(ctx context.Context, query string, args ...any) (*time.Time, error) {
	var ms sql.NullInt64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&ms); err != nil {
		return nil, err
	}
	if !ms.Valid {
		return nil, nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t, nil
}

type insightRepo struct{ *store }

func (r *insightRepo) UpsertDaily(ctx context.Context, row *contracts.InsightDaily) error {
	doc, err := marshalDoc(row)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO insights_daily (tenant_id, ad_bundle_id, date, source, impressions, clicks, spend, conversions, doc)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (tenant_id, ad_bundle_id, date, source) DO UPDATE SET
		   impressions = excluded.impressions,
		   clicks = excluded.clicks,
		   spend = excluded.spend,
		   conversions = excluded.conversions,
		   doc = excluded.doc`,
		row.TenantID, row.AdBundleID, row.Date, string(row.Source),
		row.Impressions, row.Clicks, row.Spend, row.Conversions, doc)
	return err
}

func (r *insightRepo) UpsertHourly(ctx context.Context, row *contracts.InsightHourly) error {
	doc, err := marshalDoc(row)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO insights_hourly (tenant_id, ad_bundle_id, bucket, source, doc)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, ad_bundle_id, bucket, source) DO UPDATE SET doc = excluded.doc`,
		row.TenantID, row.AdBundleID, row.Bucket.UTC().Format(time.RFC3339), string(row.Source), doc)
	return err
}

func (r *insightRepo) GetDaily(ctx context.Context, tenantID, bundleID, date string, source contracts.InsightSource) (*contracts.InsightDaily, error) {
	return getDoc[contracts.InsightDaily](ctx, r.store,
		`SELECT doc FROM insights_daily WHERE tenant_id = $1 AND ad_bundle_id = $2 AND date = $3 AND source = $4`,
		tenantID, bundleID, date, string(source))
}

// SumByRun folds daily rows per bundle with manual shadowing meta for the same
// (bundle, date). The shadowing rule lives in Go so both backends agree with
// the in-memory store exactly.
func (r *insightRepo) SumByRun(ctx context.Context, tenantID, runID string) (map[string]repo.InsightTotals, error) {
	rows, err := r.runRows(ctx, tenantID, runID, "")
	if err != nil {
		return nil, err
	}
	picked := pickRows(rows)
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

func (r *insightRepo) SpendOn(ctx context.Context, tenantID, runID, date string) (float64, error) {
	rows, err := r.runRows(ctx, tenantID, runID, date)
	if err != nil {
		return 0, err
	}
	var spend float64
	for _, row := range pickRows(rows) {
		spend += row.Spend
	}
	return spend, nil
}

// runRows fetches the run's daily rows, optionally narrowed to one date.
func (r *insightRepo) runRows(ctx context.Context, tenantID, runID, date string) ([]*contracts.InsightDaily, error) {
	query := `SELECT i.doc FROM insights_daily i
	 JOIN ad_bundles b ON b.tenant_id = i.tenant_id AND b.id = i.ad_bundle_id
	 WHERE i.tenant_id = $1 AND b.run_id = $2`
	args := []any{tenantID, runID}
	if date != "" {
		query += ` AND i.date = $3`
		args = append(args, date)
	}
	return listDocs[contracts.InsightDaily](ctx, r.store, query, args...)
}

// pickRows keeps one row per (bundle, date): manual when present, else meta.
func pickRows(rows []*contracts.InsightDaily) map[string]*contracts.InsightDaily {
	picked := map[string]*contracts.InsightDaily{}
	for _, row := range rows {
		k := row.AdBundleID + "|" + row.Date
		if cur, ok := picked[k]; ok && cur.Source == contracts.SourceManual && row.Source == contracts.SourceMeta {
			continue
		}
		picked[k] = row
	}
	return picked
}

type jobRepo struct{ *store }

func (r *jobRepo) Create(ctx context.Context, j *contracts.Job) error {
	doc, err := marshalDoc(j)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, tenant_id, run_id, type, status, created_at_ms, doc) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		j.ID, j.TenantID, j.RunID, string(j.Type), string(j.Status), j.CreatedAt.UnixMilli(), doc)
	if err != nil && isUniqueViolation(err) {
		return repo.ErrConflict
	}
	return err
}

func (r *jobRepo) Get(ctx context.Context, tenantID, id string) (*contracts.Job, error) {
	return getDoc[contracts.Job](ctx, r.store,
		`SELECT doc FROM jobs WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (r *jobRepo) Update(ctx context.Context, j *contracts.Job) error {
	doc, err := marshalDoc(j)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, doc = $2 WHERE tenant_id = $3 AND id = $4`,
		string(j.Status), doc, j.TenantID, j.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *jobRepo) CompareAndSetStatus(ctx context.Context, tenantID, id string, from, to contracts.JobStatus) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	j, err := getDocTx[contracts.Job](ctx, tx,
		`SELECT doc FROM jobs WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return err
	}
	if j.Status != from {
		return repo.ErrConflict
	}
	j.Status = to
	doc, err := marshalDoc(j)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = $1, doc = $2 WHERE tenant_id = $3 AND id = $4 AND status = $5`,
		string(to), doc, tenantID, id, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repo.ErrConflict
	}
	return tx.Commit()
}

func (r *jobRepo) ListByRun(ctx context.Context, tenantID, runID string) ([]*contracts.Job, error) {
	return listDocs[contracts.Job](ctx, r.store,
		`SELECT doc FROM jobs WHERE tenant_id = $1 AND run_id = $2 ORDER BY created_at_ms`, tenantID, runID)
}

// DequeueOldest claims the oldest queued job of the wanted types. The claim is
// a guarded update; losing the race to a concurrent worker just means picking
// the next candidate.
func (r *jobRepo) DequeueOldest(ctx context.Context, types ...contracts.JobType) (*contracts.Job, error) {
	query := `SELECT doc FROM jobs WHERE status = $1`
	args := []any{string(contracts.JobQueued)}
	if len(types) > 0 {
		marks := make([]string, len(types))
		for i, t := range types {
			marks[i] = fmt.Sprintf("$%d", i+2)
			args = append(args, string(t))
		}
		query += ` AND type IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at_ms ASC LIMIT 1`

	for {
		j, err := getDoc[contracts.Job](ctx, r.store, query, args...)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		j.Status = contracts.JobRunningS
		j.StartedAt = &now
		j.Attempts++
		j.UpdatedAt = now
		doc, err := marshalDoc(j)
		if err != nil {
			return nil, err
		}
		res, err := r.db.ExecContext(ctx,
			`UPDATE jobs SET status = $1, doc = $2 WHERE id = $3 AND status = $4`,
			string(contracts.JobRunningS), doc, j.ID, string(contracts.JobQueued))
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			return j, nil
		}
	}
}

type flagRepo struct{ *store }

func (r *flagRepo) Upsert(ctx context.Context, f *contracts.TenantFlag) error {
	doc, err := marshalDoc(f)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO tenant_flags (tenant_id, key, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, key) DO UPDATE SET doc = excluded.doc`,
		f.TenantID, f.Key, doc)
	return err
}

func (r *flagRepo) Get(ctx context.Context, tenantID, key string) (*contracts.TenantFlag, error) {
	return getDoc[contracts.TenantFlag](ctx, r.store,
		`SELECT doc FROM tenant_flags WHERE tenant_id = $1 AND key = $2`, tenantID, key)
}

func (r *flagRepo) ListByTenant(ctx context.Context, tenantID string) ([]*contracts.TenantFlag, error) {
	return listDocs[contracts.TenantFlag](ctx, r.store,
		`SELECT doc FROM tenant_flags WHERE tenant_id = $1 ORDER BY key`, tenantID)
}

type auditRepo struct{ *store }

func (r *auditRepo) LastHash(ctx context.Context, tenantID string) (string, error) {
	var hash string
	err := r.db.QueryRowContext(ctx,
		`SELECT hash FROM audit_log WHERE tenant_id = $1 ORDER BY ts_ms DESC LIMIT 1`,
		tenantID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

// Insert appends one chain entry. The (tenant_id, prev_hash) uniqueness means
// two writers that read the same last hash cannot both land: the loser gets
// ErrConflict and must re-read the chain head.
func (r *auditRepo) Insert(ctx context.Context, e *contracts.AuditEntry) error {
	doc, err := marshalDoc(e)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, tenant_id, ts_ms, hash, prev_hash, doc) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.TenantID, e.TsMs, e.Hash, e.PrevHash, doc)
	if err != nil && isUniqueViolation(err) {
		return repo.ErrConflict
	}
	return err
}

func (r *auditRepo) ListByTenant(ctx context.Context, tenantID string) ([]*contracts.AuditEntry, error) {
	return listDocs[contracts.AuditEntry](ctx, r.store,
		`SELECT doc FROM audit_log WHERE tenant_id = $1 ORDER BY ts_ms`, tenantID)
}
