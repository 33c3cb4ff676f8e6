package sqlstore

import (
	"context"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
)

type bundleRepo struct{ *store }

func (r *bundleRepo) Create(ctx context.Context, b *contracts.AdBundle) error {
	doc, err := marshalDoc(b)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO ad_bundles (id, tenant_id, run_id, intent_id, lp_variant_id, creative_variant_id, ad_copy_id, doc)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.TenantID, b.RunID, b.IntentID, b.LpVariantID, b.CreativeVariantID, b.AdCopyID, doc)
	if err != nil && isUniqueViolation(err) {
		return repo.ErrDuplicate
	}
	return err
}

func (r *bundleRepo) Get(ctx context.Context, tenantID, id string) (*contracts.AdBundle, error) {
	return getDoc[contracts.AdBundle](ctx, r.store,
		`SELECT doc FROM ad_bundles WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (r *bundleRepo) GetByKey(ctx context.Context, tenantID, runID, intentID, lpID, creativeID, adCopyID string) (*contracts.AdBundle, error) {
	return getDoc[contracts.AdBundle](ctx, r.store,
		`SELECT doc FROM ad_bundles
		 WHERE tenant_id = $1 AND run_id = $2 AND intent_id = $3
		   AND lp_variant_id = $4 AND creative_variant_id = $5 AND ad_copy_id = $6`,
		tenantID, runID, intentID, lpID, creativeID, adCopyID)
}

func (r *bundleRepo) Update(ctx context.Context, b *contracts.AdBundle) error {
	doc, err := marshalDoc(b)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE ad_bundles SET doc = $1 WHERE tenant_id = $2 AND id = $3`, doc, b.TenantID, b.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *bundleRepo) ListByRun(ctx context.Context, tenantID, runID string) ([]*contracts.AdBundle, error) {
	return listDocs[contracts.AdBundle](ctx, r.store,
		`SELECT doc FROM ad_bundles WHERE tenant_id = $1 AND run_id = $2 ORDER BY id`, tenantID, runID)
}

type deploymentRepo struct{ *store }

func (r *deploymentRepo) Create(ctx context.Context, d *contracts.Deployment) error {
	doc, err := marshalDoc(d)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO deployments (id, tenant_id, run_id, status, doc) VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.TenantID, d.RunID, string(d.Status), doc)
	if err != nil && isUniqueViolation(err) {
		return repo.ErrConflict
	}
	return err
}

func (r *deploymentRepo) Get(ctx context.Context, tenantID, id string) (*contracts.Deployment, error) {
	return getDoc[contracts.Deployment](ctx, r.store,
		`SELECT doc FROM deployments WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (r *deploymentRepo) Update(ctx context.Context, d *contracts.Deployment) error {
	doc, err := marshalDoc(d)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE deployments SET status = $1, doc = $2 WHERE tenant_id = $3 AND id = $4`,
		string(d.Status), doc, d.TenantID, d.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *deploymentRepo) PublishedByRun(ctx context.Context, tenantID, runID string) (*contracts.Deployment, error) {
	return getDoc[contracts.Deployment](ctx, r.store,
		`SELECT doc FROM deployments WHERE tenant_id = $1 AND run_id = $2 AND status = $3 LIMIT 1`,
		tenantID, runID, string(contracts.DeploymentPublished))
}

func (r *deploymentRepo) ListByRun(ctx context.Context, tenantID, runID string) ([]*contracts.Deployment, error) {
	out, err := listDocs[contracts.Deployment](ctx, r.store,
		`SELECT doc FROM deployments WHERE tenant_id = $1 AND run_id = $2`, tenantID, runID)
	if err != nil {
		return nil, err
	}
	sortByCreatedAt(out, func(d *contracts.Deployment) time.Time { return d.CreatedAt })
	return out, nil
}

type decisionRepo struct{ *store }

func (r *decisionRepo) Create(ctx context.Context, d *contracts.Decision) error {
	doc, err := marshalDoc(d)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO decisions (id, tenant_id, run_id, status, created_at_ms, doc) VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.TenantID, d.RunID, string(d.Status), d.CreatedAt.UnixMilli(), doc)
	if err != nil && isUniqueViolation(err) {
		return repo.ErrConflict
	}
	return err
}

func (r *decisionRepo) Get(ctx context.Context, tenantID, id string) (*contracts.Decision, error) {
	return getDoc[contracts.Decision](ctx, r.store,
		`SELECT doc FROM decisions WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (r *decisionRepo) LatestByRun(ctx context.Context, tenantID, runID string) (*contracts.Decision, error) {
	return getDoc[contracts.Decision](ctx, r.store,
		`SELECT doc FROM decisions WHERE tenant_id = $1 AND run_id = $2 ORDER BY created_at_ms DESC LIMIT 1`,
		tenantID, runID)
}

func (r *decisionRepo) FinalByRun(ctx context.Context, tenantID, runID string) (*contracts.Decision, error) {
	return getDoc[contracts.Decision](ctx, r.store,
		`SELECT doc FROM decisions WHERE tenant_id = $1 AND run_id = $2 AND status = $3 LIMIT 1`,
		tenantID, runID, string(contracts.DecisionFinal))
}

// Finalize promotes the draft inside one transaction: the existence check and
// the guarded update commit together, so two racing finalizes cannot both win.
func (r *decisionRepo) Finalize(ctx context.Context, tenantID, runID, decisionID string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var finals int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM decisions WHERE tenant_id = $1 AND run_id = $2 AND status = $3`,
		tenantID, runID, string(contracts.DecisionFinal)).Scan(&finals); err != nil {
		return err
	}
	if finals > 0 {
		return repo.ErrConflict
	}

	d, err := getDocTx[contracts.Decision](ctx, tx,
		`SELECT doc FROM decisions WHERE tenant_id = $1 AND run_id = $2 AND id = $3`,
		tenantID, runID, decisionID)
	if err != nil {
		return err
	}
	d.Status = contracts.DecisionFinal
	d.FinalAt = &at
	doc, err := marshalDoc(d)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE decisions SET status = $1, doc = $2 WHERE tenant_id = $3 AND id = $4 AND status <> $1`,
		string(contracts.DecisionFinal), doc, tenantID, decisionID)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

type incidentRepo struct{ *store }

func (r *incidentRepo) Create(ctx context.Context, i *contracts.Incident) error {
	doc, err := marshalDoc(i)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO incidents (id, tenant_id, status, doc) VALUES ($1, $2, $3, $4)`,
		i.ID, i.TenantID, string(i.Status), doc)
	if err != nil && isUniqueViolation(err) {
		return repo.ErrConflict
	}
	return err
}

func (r *incidentRepo) Get(ctx context.Context, tenantID, id string) (*contracts.Incident, error) {
	return getDoc[contracts.Incident](ctx, r.store,
		`SELECT doc FROM incidents WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (r *incidentRepo) Update(ctx context.Context, i *contracts.Incident) error {
	doc, err := marshalDoc(i)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE incidents SET status = $1, doc = $2 WHERE tenant_id = $3 AND id = $4`,
		string(i.Status), doc, i.TenantID, i.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *incidentRepo) ListByTenant(ctx context.Context, tenantID string, status contracts.IncidentStatus) ([]*contracts.Incident, error) {
	var (
		out []*contracts.Incident
		err error
	)
	if status == "" {
		out, err = listDocs[contracts.Incident](ctx, r.store,
			`SELECT doc FROM incidents WHERE tenant_id = $1`, tenantID)
	} else {
		out, err = listDocs[contracts.Incident](ctx, r.store,
			`SELECT doc FROM incidents WHERE tenant_id = $1 AND status = $2`, tenantID, string(status))
	}
	if err != nil {
		return nil, err
	}
	sortByCreatedAt(out, func(i *contracts.Incident) time.Time { return i.CreatedAt })
	return out, nil
}

type importRepo struct{ *store }

func (r *importRepo) Create(ctx context.Context, s *contracts.ImportSummary) error {
	doc, err := marshalDoc(s)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO imports (id, tenant_id, run_id, doc) VALUES ($1, $2, $3, $4)`,
		s.ID, s.TenantID, s.RunID, doc)
	if err != nil && isUniqueViolation(err) {
		return repo.ErrConflict
	}
	return err
}

func (r *importRepo) Get(ctx context.Context, tenantID, id string) (*contracts.ImportSummary, error) {
	return getDoc[contracts.ImportSummary](ctx, r.store,
		`SELECT doc FROM imports WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (r *importRepo) ListByRun(ctx context.Context, tenantID, runID string) ([]*contracts.ImportSummary, error) {
	out, err := listDocs[contracts.ImportSummary](ctx, r.store,
		`SELECT doc FROM imports WHERE tenant_id = $1 AND run_id = $2`, tenantID, runID)
	if err != nil {
		return nil, err
	}
	sortByCreatedAt(out, func(s *contracts.ImportSummary) time.Time { return s.CreatedAt })
	return out, nil
}
