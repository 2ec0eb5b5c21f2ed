package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStoreFromClient(client, "test")
}

func TestRedisStore_AllowsWithinLimit(t *testing.T) {
	store := newTestRedisStore(t)
	d, err := store.CheckAndConsume(context.Background(), "k", 10, 60, 5)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestRedisStore_DeniesOverLimitWithinSameWindow(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	d, err := store.CheckAndConsume(ctx, "k", 10, 60, 8)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = store.CheckAndConsume(ctx, "k", 10, 60, 5)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.GreaterOrEqual(t, d.RetryAfter, int64(0))
}

func TestRedisStore_ApproximationBound(t *testing.T) {
	// The averaging fixed-window algorithm is deliberately approximate
	// (spec §9): assert the bound it's supposed to hold (effective count
	// never exceeds prev+curr, and never undercounts a full-window burst),
	// not an exact sliding-window count.
	store := newTestRedisStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := store.CheckAndConsume(ctx, "bound", 10, 60, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d within the stated limit must be allowed", i)
	}
	d, err := store.CheckAndConsume(ctx, "bound", 10, 60, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed, "the 11th unit in one window must be denied")
}
