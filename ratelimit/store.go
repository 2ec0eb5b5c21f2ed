// Package ratelimit implements spec §4.1's rate-limit store contract and
// its two backends (in-memory token bucket, Redis averaging fixed-window),
// plus the hierarchical resolution logic for HTTP-level and LLM-token-level
// limits.
package ratelimit

import "context"

// Decision is the outcome of a check_and_consume call.
type Decision struct {
	Allowed    bool
	RetryAfter int64 // seconds; meaningful only when !Allowed
}

// Store is the rate-limit backend contract (spec §4.1): atomically test and
// consume N units against a (key, limit, interval) triple.
type Store interface {
	CheckAndConsume(ctx context.Context, key string, limit int64, intervalSeconds int64, n int64) (Decision, error)
	Close() error
}
