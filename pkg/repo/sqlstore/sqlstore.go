// Package sqlstore implements the repository contracts over database/sql.
// It works against both Postgres (lib/pq) and SQLite (modernc.org/sqlite):
// every entity is persisted as its JSON document plus the columns queries
// filter or aggregate on. The document is authoritative; the columns are
// derived on every write.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
)

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS memberships (
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, user_id)
);
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	status TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS intents (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS lp_variants (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	intent_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS creative_variants (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	intent_id TEXT NOT NULL,
	size TEXT NOT NULL,
	version INTEGER NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS ad_copies (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	intent_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS ad_bundles (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	intent_id TEXT NOT NULL,
	lp_variant_id TEXT NOT NULL,
	creative_variant_id TEXT NOT NULL,
	ad_copy_id TEXT NOT NULL,
	doc TEXT NOT NULL,
	UNIQUE (tenant_id, run_id, intent_id, lp_variant_id, creative_variant_id, ad_copy_id)
);
CREATE TABLE IF NOT EXISTS deployments (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	status TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	ad_bundle_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	occurred_at_ms BIGINT NOT NULL,
	received_at_ms BIGINT NOT NULL,
	doc TEXT NOT NULL,
	UNIQUE (tenant_id, event_id)
);
CREATE TABLE IF NOT EXISTS insights_daily (
	tenant_id TEXT NOT NULL,
	ad_bundle_id TEXT NOT NULL,
	date TEXT NOT NULL,
	source TEXT NOT NULL,
	impressions BIGINT NOT NULL,
	clicks BIGINT NOT NULL,
	spend DOUBLE PRECISION NOT NULL,
	conversions BIGINT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, ad_bundle_id, date, source)
);
CREATE TABLE IF NOT EXISTS insights_hourly (
	tenant_id TEXT NOT NULL,
	ad_bundle_id TEXT NOT NULL,
	bucket TEXT NOT NULL,
	source TEXT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, ad_bundle_id, bucket, source)
);
CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at_ms BIGINT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS incidents (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	status TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at_ms BIGINT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tenant_flags (
	tenant_id TEXT NOT NULL,
	key TEXT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, key)
);
CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	ts_ms BIGINT NOT NULL,
	hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	doc TEXT NOT NULL,
	UNIQUE (tenant_id, prev_hash)
);
CREATE TABLE IF NOT EXISTS imports (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS connections (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS oauth_nonces (
	nonce TEXT PRIMARY KEY,
	created_at_ms BIGINT NOT NULL
);
`

// Init creates every table. Statements are idempotent; call it on startup.
func Init(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: init schema: %w", err)
		}
	}
	return nil
}

// New wires every repository over one database handle.
func New(db *sql.DB) *repo.Stores {
	s := &store{db: db}
	return &repo.Stores{
		Tenants:     &tenantRepo{s},
		Users:       &userRepo{s},
		Memberships: &membershipRepo{s},
		Projects:    &projectRepo{s},
		Runs:        &runRepo{s},
		Intents:     &intentRepo{s},
		LpVariants:  &lpVariantRepo{s},
		Creatives:   &creativeRepo{s},
		AdCopies:    &adCopyRepo{s},
		Bundles:     &bundleRepo{s},
		Deployments: &deploymentRepo{s},
		Events:      &eventRepo{s},
		Insights:    &insightRepo{s},
		Decisions:   &decisionRepo{s},
		Incidents:   &incidentRepo{s},
		Jobs:        &jobRepo{s},
		Flags:       &flagRepo{s},
		Audit:       &auditRepo{s},
		Imports:     &importRepo{s},
		Connections: &connectionRepo{s},
	}
}

type store struct{ db *sql.DB }

// isUniqueViolation recognises duplicate-key failures from both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func marshalDoc(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("sqlstore: encode doc: %w", err)
	}
	return string(raw), nil
}

func unmarshalDoc(doc string, v any) error {
	if err := json.Unmarshal([]byte(doc), v); err != nil {
		return fmt.Errorf("sqlstore: decode doc: %w", err)
	}
	return nil
}

// sortByCreatedAt orders ascending by a timestamp that lives only in the
// document.
func sortByCreatedAt[T any](out []*T, at func(*T) time.Time) {
	sort.Slice(out, func(i, j int) bool { return at(out[i]).Before(at(out[j])) })
}

// sortIntents orders by priority descending, id ascending. Priority lives only
// in the document, so the fold happens here rather than in the query.
func sortIntents(out []*contracts.Intent) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
}

// getDoc runs a single-doc query and decodes into T.
func getDoc[T any](ctx context.Context, s *store, query string, args ...any) (*T, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return nil, fmt.Errorf("sqlstore: decode doc: %w", err)
	}
	return &v, nil
}

// listDocs runs a multi-doc query and decodes each row into T.
func listDocs[T any](ctx context.Context, s *store, query string, args ...any) ([]*T, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, fmt.Errorf("sqlstore: decode doc: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

type tenantRepo struct{ *store }

func (r *tenantRepo) Create(ctx context.Context, t *contracts.Tenant) error {
	doc, err := marshalDoc(t)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO tenants (id, doc) VALUES ($1, $2)`, t.ID, doc)
	if err != nil && isUniqueViolation(err) {
		return repo.ErrConflict
	}
	return err
}

func (r *tenantRepo) Get(ctx context.Context, id string) (*contracts.Tenant, error) {
	return getDoc[contracts.Tenant](ctx, r.store, `SELECT doc FROM tenants WHERE id = $1`, id)
}

func (r *tenantRepo) List(ctx context.Context) ([]*contracts.Tenant, error) {
	return listDocs[contracts.Tenant](ctx, r.store, `SELECT doc FROM tenants ORDER BY id`)
}

type userRepo struct{ *store }

func (r *userRepo) Create(ctx context.Context, u *contracts.User) error {
	doc, err := marshalDoc(u)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO users (id, doc) VALUES ($1, $2)`, u.ID, doc)
	if err != nil && isUniqueViolation(err) {
		return repo.ErrConflict
	}
	return err
}

func (r *userRepo) Get(ctx context.Context, id string) (*contracts.User, error) {
	return getDoc[contracts.User](ctx, r.store, `SELECT doc FROM users WHERE id = $1`, id)
}

type membershipRepo struct{ *store }

func (r *membershipRepo) Create(ctx context.Context, m *contracts.Membership) error {
	doc, err := marshalDoc(m)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO memberships (tenant_id, user_id, doc) VALUES ($1, $2, $3)`,
		m.TenantID, m.UserID, doc)
	if err != nil && isUniqueViolation(err) {
		return repo.ErrConflict
	}
	return err
}

func (r *membershipRepo) GetByUser(ctx context.Context, tenantID, userID string) (*contracts.Membership, error) {
	return getDoc[contracts.Membership](ctx, r.store,
		`SELECT doc FROM memberships WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID)
}

func (r *membershipRepo) ListByTenant(ctx context.Context, tenantID string) ([]*contracts.Membership, error) {
	return listDocs[contracts.Membership](ctx, r.store,
		`SELECT doc FROM memberships WHERE tenant_id = $1 ORDER BY user_id`, tenantID)
}

type projectRepo struct{ *store }

func (r *projectRepo) Create(ctx context.Context, p *contracts.Project) error {
	doc, err := marshalDoc(p)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO projects (id, tenant_id, doc) VALUES ($1, $2, $3)`, p.ID, p.TenantID, doc)
	if err != nil && isUniqueViolation(err) {
		return repo.ErrConflict
	}
	return err
}

func (r *projectRepo) Get(ctx context.Context, tenantID, id string) (*contracts.Project, error) {
	return getDoc[contracts.Project](ctx, r.store,
		`SELECT doc FROM projects WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (r *projectRepo) Update(ctx context.Context, p *contracts.Project) error {
	doc, err := marshalDoc(p)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE projects SET doc = $1 WHERE tenant_id = $2 AND id = $3`, doc, p.TenantID, p.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *projectRepo) ListByTenant(ctx context.Context, tenantID string) ([]*contracts.Project, error) {
	return listDocs[contracts.Project](ctx, r.store,
		`SELECT doc FROM projects WHERE tenant_id = $1 ORDER BY id`, tenantID)
}

// requireRow converts a zero-row write into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}
