package ratelimit

import (
	"context"

	"github.com/grafbase/nexus/config"
	"github.com/grafbase/nexus/internal/metrics"
)

// Check is one level of a rate-limit chain: a key plus the spec to enforce
// at that key. A nil Spec means "no limit configured at this level", and is
// skipped rather than treated as a denial.
type Check struct {
	Scope Scope
	Key   Key
	Spec  *config.RateLimitSpec
}

// Limiter composes a Store with the hierarchical resolution rules from
// spec §4.1.
type Limiter struct {
	store   Store
	metrics *metrics.Collector
}

// NewLimiter wraps a Store. metrics may be nil in tests.
func NewLimiter(store Store, m *metrics.Collector) *Limiter {
	return &Limiter{store: store, metrics: m}
}

// CheckChain consumes n units at each non-nil-spec level in the order
// given, stopping at the first denial. Per spec §3/§9: already-consumed
// levels are never refunded when a later level denies — this is
// intentional, not a bug, and is exercised by the package's tests.
func (l *Limiter) CheckChain(ctx context.Context, checks []Check, n int64) (Decision, Scope, error) {
	for _, c := range checks {
		if c.Spec == nil || c.Spec.Limit <= 0 {
			continue
		}
		d, err := l.store.CheckAndConsume(ctx, c.Key.String(), c.Spec.Limit, int64(c.Spec.Interval.Seconds()), n)
		if err != nil {
			return Decision{}, c.Scope, err
		}
		if l.metrics != nil {
			l.metrics.RecordRateLimitDecision(string(c.Scope), d.Allowed)
		}
		if !d.Allowed {
			return d, c.Scope, nil
		}
	}
	return Decision{Allowed: true}, "", nil
}

// ResolveLLMSpec implements spec §4.1's LLM token-limit resolution: the
// single most-specific match among Model+Group, Model, Provider+Group,
// Provider is consulted — never more than one.
func ResolveLLMSpec(provider, model *config.GroupRateLimit, group string) (*config.RateLimitSpec, Scope) {
	if model != nil {
		if group != "" {
			if spec, ok := model.Groups[group]; ok {
				return &spec, ScopeLLMModelPerUser
			}
		}
		if model.Default != nil {
			return model.Default, ScopeLLMModelPerUser
		}
	}
	if provider != nil {
		if group != "" {
			if spec, ok := provider.Groups[group]; ok {
				return &spec, ScopeLLMProviderPerUser
			}
		}
		if provider.Default != nil {
			return provider.Default, ScopeLLMProviderPerUser
		}
	}
	return nil, ""
}

// CheckLLMTokens resolves and checks the single most-specific LLM
// token-rate-limit level for an (provider, model, clientID, group) request
// consuming n input tokens. Per spec §3 invariant, n must be the
// already-computed input-token count — output tokens are never charged.
func (l *Limiter) CheckLLMTokens(ctx context.Context, providerSpec, modelSpec *config.GroupRateLimit, providerName, modelName, clientID, group string, n int64) (Decision, error) {
	if clientID == "" {
		// Absence of client identity disables any rate limit requiring it
		// (spec §3 ClientIdentity).
		return Decision{Allowed: true}, nil
	}
	spec, scope := ResolveLLMSpec(providerSpec, modelSpec, group)
	if spec == nil {
		return Decision{Allowed: true}, nil
	}
	key := Key{Scope: scope, Provider: providerName, Model: modelName, ClientID: clientID, Group: group}
	d, err := l.store.CheckAndConsume(ctx, key.String(), spec.Limit, int64(spec.Interval.Seconds()), n)
	if err != nil {
		return Decision{}, err
	}
	if l.metrics != nil {
		l.metrics.RecordRateLimitDecision(string(scope), d.Allowed)
	}
	return d, nil
}
