package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupIndex is a fast-path existence check in front of the store's own
// (tenant, event_id) uniqueness. It may return false negatives after a
// restart; the store constraint is the source of truth.
type DedupIndex interface {
	// Claim marks the key and reports whether it was already present.
	Claim(ctx context.Context, tenantID, eventID string, ttl time.Duration) (seen bool, err error)
	// Release drops a claim whose event never made it into the store, so the
	// client can retry within the horizon.
	Release(ctx context.Context, tenantID, eventID string) error
}

// RedisDedup backs the index with SET NX EX, shared across ingest replicas.
type RedisDedup struct {
	client *redis.Client
	prefix string
}

// NewRedisDedup wires the index over an existing client.
func NewRedisDedup(client *redis.Client, prefix string) *RedisDedup {
	if prefix == "" {
		prefix = "evdedup"
	}
	return &RedisDedup{client: client, prefix: prefix}
}

func (d *RedisDedup) Claim(ctx context.Context, tenantID, eventID string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("%s:%s:%s", d.prefix, tenantID, eventID)
	set, err := d.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("ingest: dedup claim: %w", err)
	}
	return !set, nil
}

func (d *RedisDedup) Release(ctx context.Context, tenantID, eventID string) error {
	key := fmt.Sprintf("%s:%s:%s", d.prefix, tenantID, eventID)
	if err := d.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("ingest: dedup release: %w", err)
	}
	return nil
}

// NoopDedup always defers to the store constraint. Used when redis is not
// configured.
type NoopDedup struct{}

func (NoopDedup) Claim(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

func (NoopDedup) Release(context.Context, string, string) error { return nil }
