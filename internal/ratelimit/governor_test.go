package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-harvester/internal/store"
)

func newTestGovernor(t *testing.T, limit int, window time.Duration) (*Governor, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(store.New(client), limit, window, 10*time.Millisecond), mr
}

func TestCheckAndReserveWithinLimit(t *testing.T) {
	g, _ := newTestGovernor(t, 3, time.Minute)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		allowed, count, err := g.CheckAndReserve(ctx, "graph_api")
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, int64(i), count)
	}

	allowed, count, err := g.CheckAndReserve(ctx, "graph_api")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, int64(4), count)
}

func TestWindowExpiryResetsCounter(t *testing.T) {
	g, mr := newTestGovernor(t, 1, time.Minute)
	ctx := context.Background()

	allowed, _, err := g.CheckAndReserve(ctx, "graph_api")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = g.CheckAndReserve(ctx, "graph_api")
	require.NoError(t, err)
	assert.False(t, allowed)

	mr.FastForward(2 * time.Minute)

	allowed, count, err := g.CheckAndReserve(ctx, "graph_api")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(1), count)
}

func TestChannelsAreIndependent(t *testing.T) {
	g, _ := newTestGovernor(t, 1, time.Minute)
	ctx := context.Background()

	allowed, _, err := g.CheckAndReserve(ctx, "graph_api")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = g.CheckAndReserve(ctx, "persistence_api")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAcquireInterruptedByContext(t *testing.T) {
	g, _ := newTestGovernor(t, 1, time.Minute)

	// Exhaust the channel.
	_, _, err := g.CheckAndReserve(context.Background(), "graph_api")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = g.Acquire(ctx, "graph_api")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
