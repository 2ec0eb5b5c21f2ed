package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// MemoryStore is the in-memory backend: a size-bounded LRU of per-key
// token-bucket governors, grounded on the teacher's RateLimiter middleware
// visitor-map pattern (cmd/agentflow/middleware.go) generalized from
// per-IP-only keys to arbitrary rate-limit keys, and from a map+periodic
// sweep to an LRU so the key space (which includes per-tool and per-model
// keys, not just per-IP) stays bounded without a janitor goroutine.
type MemoryStore struct {
	mu        sync.Mutex
	governors *lru.Cache[string, *governor]
}

type governor struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	limit   int64
	period  time.Duration
}

// NewMemoryStore creates an in-memory store holding at most maxKeys
// distinct (key, limit, interval) governors. A reasonable default is a few
// thousand — enough for per-IP plus per-(server,tool) cardinality in a
// single process.
func NewMemoryStore(maxKeys int) *MemoryStore {
	if maxKeys <= 0 {
		maxKeys = 8192
	}
	cache, _ := lru.New[string, *governor](maxKeys)
	return &MemoryStore{governors: cache}
}

func (s *MemoryStore) governorFor(key string, limit int64, period time.Duration) *governor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.governors.Get(key); ok && g.limit == limit && g.period == period {
		return g
	}
	// Bucket size = limit, continuous refill = limit/interval, matching
	// spec §4.1's in-memory backend contract.
	ratePerSec := float64(limit) / period.Seconds()
	g := &governor{limiter: rate.NewLimiter(rate.Limit(ratePerSec), int(limit)), limit: limit, period: period}
	s.governors.Add(key, g)
	return g
}

// CheckAndConsume implements Store. No Retry-After is computed beyond a
// coarse estimate from the limiter's reservation delay — spec §4.1 notes
// "no Retry-After header is exposed upstream (by design)" for the in-memory
// backend.
func (s *MemoryStore) CheckAndConsume(_ context.Context, key string, limit, intervalSeconds, n int64) (Decision, error) {
	period := time.Duration(intervalSeconds) * time.Second
	g := s.governorFor(key, limit, period)

	g.mu.Lock()
	defer g.mu.Unlock()

	reservation := g.limiter.ReserveN(time.Now(), int(n))
	if !reservation.OK() {
		return Decision{Allowed: false, RetryAfter: int64(period.Seconds())}, nil
	}
	delay := reservation.Delay()
	if delay > 0 {
		reservation.Cancel()
		return Decision{Allowed: false, RetryAfter: int64(delay.Seconds()) + 1}, nil
	}
	return Decision{Allowed: true}, nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error { return nil }
