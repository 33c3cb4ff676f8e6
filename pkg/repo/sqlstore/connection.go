package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
)

type connectionRepo struct{ *store }

func (r *connectionRepo) Create(ctx context.Context, c *contracts.Connection) error {
	doc, err := marshalDoc(c)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO connections (id, tenant_id, doc) VALUES ($1, $2, $3)`,
		c.ID, c.TenantID, doc)
	if err != nil && isUniqueViolation(err) {
		return repo.ErrConflict
	}
	return err
}

func (r *connectionRepo) Get(ctx context.Context, tenantID, id string) (*contracts.Connection, error) {
	return getDoc[contracts.Connection](ctx, r.store,
		`SELECT doc FROM connections WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (r *connectionRepo) Update(ctx context.Context, c *contracts.Connection) error {
	doc, err := marshalDoc(c)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE connections SET doc = $1 WHERE tenant_id = $2 AND id = $3`,
		doc, c.TenantID, c.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *connectionRepo) ListByTenant(ctx context.Context, tenantID string) ([]*contracts.Connection, error) {
	out, err := listDocs[contracts.Connection](ctx, r.store,
		`SELECT doc FROM connections WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	sortByCreatedAt(out, func(c *contracts.Connection) time.Time { return c.CreatedAt })
	return out, nil
}

func (r *connectionRepo) SaveNonce(ctx context.Context, nonce string, createdAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO oauth_nonces (nonce, created_at_ms) VALUES ($1, $2)`,
		nonce, createdAt.UnixMilli())
	if err != nil && isUniqueViolation(err) {
		return repo.ErrConflict
	}
	return err
}

// ConsumeNonce reads and deletes inside one transaction so concurrent
// callbacks on different processes cannot both redeem the same state.
func (r *connectionRepo) ConsumeNonce(ctx context.Context, nonce string) (time.Time, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var createdMs int64
	err = tx.QueryRowContext(ctx,
		`SELECT created_at_ms FROM oauth_nonces WHERE nonce = $1`, nonce).Scan(&createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, repo.ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM oauth_nonces WHERE nonce = $1`, nonce)
	if err != nil {
		return time.Time{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, err
	}
	if n == 0 {
		return time.Time{}, repo.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(createdMs).UTC(), nil
}

func (r *connectionRepo) PruneNonces(ctx context.Context, before time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_nonces WHERE created_at_ms < $1`, before.UnixMilli())
	return err
}
