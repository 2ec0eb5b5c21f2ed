package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_AllowsWithinLimit(t *testing.T) {
	store := NewMemoryStore(16)
	ctx := context.Background()

	d, err := store.CheckAndConsume(ctx, "k1", 5, 60, 5)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryStore_DeniesOverLimit(t *testing.T) {
	store := NewMemoryStore(16)
	ctx := context.Background()

	d, err := store.CheckAndConsume(ctx, "k1", 5, 60, 5)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = store.CheckAndConsume(ctx, "k1", 5, 60, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, int64(0))
}

func TestMemoryStore_IndependentKeys(t *testing.T) {
	store := NewMemoryStore(16)
	ctx := context.Background()

	_, err := store.CheckAndConsume(ctx, "a", 1, 60, 1)
	require.NoError(t, err)
	d, err := store.CheckAndConsume(ctx, "b", 1, 60, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a saturating its bucket must not affect b's independent bucket")
}

func TestMemoryStore_RefillsOverTime(t *testing.T) {
	store := NewMemoryStore(16)
	ctx := context.Background()

	d, err := store.CheckAndConsume(ctx, "refill", 1, 1, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = store.CheckAndConsume(ctx, "refill", 1, 1, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	time.Sleep(1100 * time.Millisecond)
	d, err = store.CheckAndConsume(ctx, "refill", 1, 1, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
