package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per key (client IP for the public event
// endpoint, tenant id for authenticated surfaces). Stale buckets are pruned
// on access.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
	lastGC  time.Time
	nowFn   func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const bucketIdleTTL = 3 * time.Minute

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: map[string]*bucket{},
		nowFn:   time.Now,
	}
}

// Allow reports whether one more request under the key fits the budget.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.nowFn()
	rl.mu.Lock()
	if now.Sub(rl.lastGC) > bucketIdleTTL {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) > bucketIdleTTL {
				delete(rl.buckets, k)
			}
		}
		rl.lastGC = now
	}
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()
	return b.limiter.Allow()
}
