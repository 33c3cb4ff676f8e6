package memory

import (
	"context"
	"sort"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
)

type connectionRepo struct{ db *database }

func (r *connectionRepo) Create(_ context.Context, c *contracts.Connection) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.connections[c.ID]; ok {
		return repo.ErrConflict
	}
	r.db.connections[c.ID] = clone(c)
	return nil
}

func (r *connectionRepo) Get(_ context.Context, tenantID, id string) (*contracts.Connection, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	c, ok := r.db.connections[id]
	if !ok || c.TenantID != tenantID {
		return nil, repo.ErrNotFound
	}
	return clone(c), nil
}

func (r *connectionRepo) Update(_ context.Context, c *contracts.Connection) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.connections[c.ID]
	if !ok || cur.TenantID != c.TenantID {
		return repo.ErrNotFound
	}
	r.db.connections[c.ID] = clone(c)
	return nil
}

func (r *connectionRepo) ListByTenant(_ context.Context, tenantID string) ([]*contracts.Connection, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []*contracts.Connection
	for _, c := range r.db.connections {
		if c.TenantID == tenantID {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *connectionRepo) SaveNonce(_ context.Context, nonce string, createdAt time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.nonces[nonce]; ok {
		return repo.ErrConflict
	}
	r.db.nonces[nonce] = createdAt
	return nil
}

func (r *connectionRepo) ConsumeNonce(_ context.Context, nonce string) (time.Time, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	created, ok := r.db.nonces[nonce]
	if !ok {
		return time.Time{}, repo.ErrNotFound
	}
	delete(r.db.nonces, nonce)
	return created, nil
}

func (r *connectionRepo) PruneNonces(_ context.Context, before time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for nonce, created := range r.db.nonces {
		if created.Before(before) {
			delete(r.db.nonces, nonce)
		}
	}
	return nil
}
