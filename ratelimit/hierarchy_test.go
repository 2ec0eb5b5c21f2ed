package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafbase/nexus/config"
)

func TestCheckChain_StopsAtFirstDenialWithoutRefundingEarlierLevels(t *testing.T) {
	store := NewMemoryStore(16)
	limiter := NewLimiter(store, nil)
	ctx := context.Background()

	checks := []Check{
		{Scope: ScopeGlobal, Key: Key{Scope: ScopeGlobal}, Spec: &config.RateLimitSpec{Limit: 100, Interval: time.Minute}},
		{Scope: ScopeIP, Key: Key{Scope: ScopeIP, IPHash: "abc"}, Spec: &config.RateLimitSpec{Limit: 1, Interval: time.Minute}},
		{Scope: ScopeMCPServer, Key: Key{Scope: ScopeMCPServer, Server: "fs"}, Spec: &config.RateLimitSpec{Limit: 100, Interval: time.Minute}},
	}

	d, scope, err := limiter.CheckChain(ctx, checks, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, Scope(""), scope)

	// Second call exhausts the IP-level bucket (limit 1); the MCP-server
	// level, checked after IP in the fixed order, is never reached.
	d, scope, err = limiter.CheckChain(ctx, checks, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ScopeIP, scope)

	// The global level (checked first, limit 100) already consumed 2 units
	// across both calls and is not refunded by the IP-level denial, so 99
	// more units no longer fit.
	d2, err := store.CheckAndConsume(ctx, Key{Scope: ScopeGlobal}.String(), 100, 60, 99)
	require.NoError(t, err)
	assert.False(t, d2.Allowed)
}

func TestCheckChain_SkipsUnconfiguredLevels(t *testing.T) {
	store := NewMemoryStore(16)
	limiter := NewLimiter(store, nil)
	checks := []Check{
		{Scope: ScopeGlobal, Key: Key{Scope: ScopeGlobal}, Spec: nil},
		{Scope: ScopeIP, Key: Key{Scope: ScopeIP, IPHash: "x"}, Spec: &config.RateLimitSpec{Limit: 5, Interval: time.Minute}},
	}
	d, scope, err := limiter.CheckChain(context.Background(), checks, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, Scope(""), scope)
}

func TestResolveLLMSpec_MostSpecificOnly(t *testing.T) {
	provider := &config.GroupRateLimit{
		Default: &config.RateLimitSpec{Limit: 1000, Interval: time.Hour},
		Groups:  map[string]config.RateLimitSpec{"free": {Limit: 10, Interval: time.Hour}},
	}
	model := &config.GroupRateLimit{
		Groups: map[string]config.RateLimitSpec{"free": {Limit: 5, Interval: time.Hour}},
	}

	spec, scope := ResolveLLMSpec(provider, model, "free")
	require.NotNil(t, spec)
	assert.Equal(t, int64(5), spec.Limit)
	assert.Equal(t, ScopeLLMModelPerUser, scope)

	spec, scope = ResolveLLMSpec(provider, nil, "free")
	require.NotNil(t, spec)
	assert.Equal(t, int64(10), spec.Limit)
	assert.Equal(t, ScopeLLMProviderPerUser, scope)

	spec, scope = ResolveLLMSpec(provider, nil, "enterprise")
	require.NotNil(t, spec)
	assert.Equal(t, int64(1000), spec.Limit)
	assert.Equal(t, ScopeLLMProviderPerUser, scope)
}

func TestCheckLLMTokens_NoClientIdentityDisablesLimit(t *testing.T) {
	store := NewMemoryStore(16)
	limiter := NewLimiter(store, nil)
	providerSpec := &config.GroupRateLimit{Default: &config.RateLimitSpec{Limit: 1, Interval: time.Hour}}

	d, err := limiter.CheckLLMTokens(context.Background(), providerSpec, nil, "openai", "gpt-4", "", "", 1000)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "absent client_id must disable limits requiring it")
}

func TestCheckLLMTokens_DeniesPastLimit(t *testing.T) {
	store := NewMemoryStore(16)
	limiter := NewLimiter(store, nil)
	providerSpec := &config.GroupRateLimit{Default: &config.RateLimitSpec{Limit: 10, Interval: time.Minute}}

	d, err := limiter.CheckLLMTokens(context.Background(), providerSpec, nil, "openai", "gpt-4", "u1", "", 8)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = limiter.CheckLLMTokens(context.Background(), providerSpec, nil, "openai", "gpt-4", "u1", "", 8)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}
