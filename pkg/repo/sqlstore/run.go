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

type runRepo struct{ *store }

func (r *runRepo) Create(ctx context.Context, run *contracts.Run) error {
	doc, err := marshalDoc(run)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO runs (id, tenant_id, project_id, status, doc) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.TenantID, run.ProjectID, string(run.Status), doc)
	if err != nil && isUniqueViolation(err) {
		return repo.ErrConflict
	}
	return err
}

func (r *runRepo) Get(ctx context.Context, tenantID, id string) (*contracts.Run, error) {
	return getDoc[contracts.Run](ctx, r.store,
		`SELECT doc FROM runs WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

// Update rewrites the document but never the status: status only moves through
// CompareAndSetStatus, so the stored status wins over whatever the caller holds.
func (r *runRepo) Update(ctx context.Context, run *contracts.Run) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM runs WHERE tenant_id = $1 AND id = $2`, run.TenantID, run.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	if err != nil {
		return err
	}

	next := *run
	next.Status = contracts.RunStatus(status)
	doc, err := marshalDoc(&next)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET project_id = $1, doc = $2 WHERE tenant_id = $3 AND id = $4`,
		next.ProjectID, doc, run.TenantID, run.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *runRepo) CompareAndSetStatus(ctx context.Context, tenantID, id string, from, to contracts.RunStatus, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	run, err := getDocTx[contracts.Run](ctx, tx,
		`SELECT doc FROM runs WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return err
	}
	if run.Status != from {
		return repo.ErrConflict
	}
	run.Status = to
	run.UpdatedAt = at
	switch to {
	case contracts.RunLive:
		run.PublishedAt = &at
	case contracts.RunRunning:
		if run.LaunchedAt == nil {
			run.LaunchedAt = &at
		}
	case contracts.RunCompleted:
		run.CompletedAt = &at
	}
	doc, err := marshalDoc(run)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = $1, doc = $2 WHERE tenant_id = $3 AND id = $4 AND status = $5`,
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

func (r *runRepo) Resolve(ctx context.Context, id string) (*contracts.Run, error) {
	return getDoc[contracts.Run](ctx, r.store, `SELECT doc FROM runs WHERE id = $1`, id)
}

func (r *runRepo) ListByProject(ctx context.Context, tenantID, projectID string) ([]*contracts.Run, error) {
	return listDocs[contracts.Run](ctx, r.store,
		`SELECT doc FROM runs WHERE tenant_id = $1 AND project_id = $2 ORDER BY id`, tenantID, projectID)
}

func (r *runRepo) ListByStatus(ctx context.Context, statuses ...contracts.RunStatus) ([]*contracts.Run, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(s)
	}
	query := `SELECT doc FROM runs WHERE status IN (` + strings.Join(marks, ", ") + `) ORDER BY id`
	return listDocs[contracts.Run](ctx, r.store, query, args...)
}

// getDocTx is getDoc inside an open transaction.
func getDocTx[T any](ctx context.Context, tx *sql.Tx, query string, args ...any) (*T, error) {
	var doc string
	err := tx.QueryRowContext(ctx, query, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := unmarshalDoc(doc, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

type intentRepo struct{ *store }

func (r *intentRepo) Create(ctx context.Context, i *contracts.Intent) error {
	doc, err := marshalDoc(i)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO intents (id, tenant_id, run_id, doc) VALUES ($1, $2, $3, $4)`,
		i.ID, i.TenantID, i.RunID, doc)
	if err != nil && isUniqueViolation(err) {
		return repo.ErrConflict
	}
	return err
}

func (r *intentRepo) Get(ctx context.Context, tenantID, id string) (*contracts.Intent, error) {
	return getDoc[contracts.Intent](ctx, r.store,
		`SELECT doc FROM intents WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (r *intentRepo) Update(ctx context.Context, i *contracts.Intent) error {
	doc, err := marshalDoc(i)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE intents SET doc = $1 WHERE tenant_id = $2 AND id = $3`, doc, i.TenantID, i.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *intentRepo) ListByRun(ctx context.Context, tenantID, runID string) ([]*contracts.Intent, error) {
	out, err := listDocs[contracts.Intent](ctx, r.store,
		`SELECT doc FROM intents WHERE tenant_id = $1 AND run_id = $2`, tenantID, runID)
	if err != nil {
		return nil, err
	}
	sortIntents(out)
	return out, nil
}

type lpVariantRepo struct{ *store }

func (r *lpVariantRepo) Create(ctx context.Context, v *contracts.LpVariant) error {
	doc, err := marshalDoc(v)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO lp_variants (id, tenant_id, intent_id, version, doc) VALUES ($1, $2, $3, $4, $5)`,
		v.ID, v.TenantID, v.IntentID, v.Version, doc)
	if err != nil && isUniqueViolation(err) {
		return repo.ErrConflict
	}
	return err
}

func (r *lpVariantRepo) Get(ctx context.Context, tenantID, id string) (*contracts.LpVariant, error) {
	return getDoc[contracts.LpVariant](ctx, r.store,
		`SELECT doc FROM lp_variants WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (r *lpVariantRepo) Update(ctx context.Context, v *contracts.LpVariant) error {
	doc, err := marshalDoc(v)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE lp_variants SET version = $1, doc = $2 WHERE tenant_id = $3 AND id = $4`,
		v.Version, doc, v.TenantID, v.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *lpVariantRepo) ListByIntent(ctx context.Context, tenantID, intentID string) ([]*contracts.LpVariant, error) {
	return listDocs[contracts.LpVariant](ctx, r.store,
		`SELECT doc FROM lp_variants WHERE tenant_id = $1 AND intent_id = $2 ORDER BY version`, tenantID, intentID)
}

func (r *lpVariantRepo) NextVersion(ctx context.Context, tenantID, intentID string) (int, error) {
	var next int
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM lp_variants WHERE tenant_id = $1 AND intent_id = $2`,
		tenantID, intentID).Scan(&next)
	return next, err
}

type creativeRepo struct{ *store }

func (r *creativeRepo) Create(ctx context.Context, v *contracts.CreativeVariant) error {
	doc, err := marshalDoc(v)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO creative_variants (id, tenant_id, intent_id, size, version, doc) VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.TenantID, v.IntentID, string(v.Size), v.Version, doc)
	if err != nil && isUniqueViolation(err) {
		return repo.ErrConflict
	}
	return err
}

func (r *creativeRepo) Get(ctx context.Context, tenantID, id string) (*contracts.CreativeVariant, error) {
	return getDoc[contracts.CreativeVariant](ctx, r.store,
		`SELECT doc FROM creative_variants WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (r *creativeRepo) Update(ctx context.Context, v *contracts.CreativeVariant) error {
	doc, err := marshalDoc(v)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE creative_variants SET size = $1, version = $2, doc = $3 WHERE tenant_id = $4 AND id = $5`,
		string(v.Size), v.Version, doc, v.TenantID, v.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *creativeRepo) ListByIntent(ctx context.Context, tenantID, intentID string) ([]*contracts.CreativeVariant, error) {
	return listDocs[contracts.CreativeVariant](ctx, r.store,
		`SELECT doc FROM creative_variants WHERE tenant_id = $1 AND intent_id = $2 ORDER BY version`, tenantID, intentID)
}

func (r *creativeRepo) NextVersion(ctx context.Context, tenantID, intentID string, size contracts.CreativeSize) (int, error) {
	var next int
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM creative_variants WHERE tenant_id = $1 AND intent_id = $2 AND size = $3`,
		tenantID, intentID, string(size)).Scan(&next)
	return next, err
}

type adCopyRepo struct{ *store }

func (r *adCopyRepo) Create(ctx context.Context, v *contracts.AdCopy) error {
	doc, err := marshalDoc(v)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO ad_copies (id, tenant_id, intent_id, version, doc) VALUES ($1, $2, $3, $4, $5)`,
		v.ID, v.TenantID, v.IntentID, v.Version, doc)
	if err != nil && isUniqueViolation(err) {
		return repo.ErrConflict
	}
	return err
}

func (r *adCopyRepo) Get(ctx context.Context, tenantID, id string) (*contracts.AdCopy, error) {
	return getDoc[contracts.AdCopy](ctx, r.store,
		`SELECT doc FROM ad_copies WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (r *adCopyRepo) Update(ctx context.Context, v *contracts.AdCopy) error {
	doc, err := marshalDoc(v)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE ad_copies SET version = $1, doc = $2 WHERE tenant_id = $3 AND id = $4`,
		v.Version, doc, v.TenantID, v.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *adCopyRepo) ListByIntent(ctx context.Context, tenantID, intentID string) ([]*contracts.AdCopy, error) {
	return listDocs[contracts.AdCopy](ctx, r.store,
		`SELECT doc FROM ad_copies WHERE tenant_id = $1 AND intent_id = $2 ORDER BY version`, tenantID, intentID)
}

func (r *adCopyRepo) NextVersion(ctx context.Context, tenantID, intentID string) (int, error) {
	var next int
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM ad_copies WHERE tenant_id = $1 AND intent_id = $2`,
		tenantID, intentID).Scan(&next)
	return next, err
}
