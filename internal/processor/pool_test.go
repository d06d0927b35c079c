package processor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-harvester/internal/queue"
	"github.com/ignite/inbox-harvester/internal/store"
)

func enqueueN(t *testing.T, f *fixture, n int) []string {
	t.Helper()
	items := make([]queue.Item, n)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("msg-%03d", i)
		items[i] = envelopeItem(t, id, "user@example.com", "hello")
		ids[i] = id
	}
	accepted, err := f.queue.EnqueueBatch(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, accepted, n)
	return ids
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPoolDrainsFullBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := enqueueN(t, f, 10)

	pool := NewPool(f.queue, f.sessions, f.proc, f.store, 5, 4, 10*time.Millisecond, true)
	pool.Start(ctx)

	waitFor(t, 5*time.Second, func() bool {
		return pool.Stats()["processed"] == 10
	})
	pool.Stop()

	for _, id := range ids {
		processed, err := f.queue.IsProcessed(ctx, id)
		require.NoError(t, err)
		assert.True(t, processed, "id %s", id)
	}

	// All metadata staged for the forwarder.
	staged, err := f.store.LLen(ctx, store.KeyOutboundStaging)
	require.NoError(t, err)
	assert.Equal(t, int64(10), staged)

	stats, err := f.queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Queued)
	assert.Zero(t, stats.InFlight)
}

func TestPoolDrainsPartialBatchOnShutdown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enqueueN(t, f, 3) // below the batch size of 10

	pool := NewPool(f.queue, f.sessions, f.proc, f.store, 10, 4, 10*time.Millisecond, true)
	pool.Start(ctx)

	// Give the pool a few observation cycles; it must hold off on a
	// partial batch while running.
	time.Sleep(50 * time.Millisecond)
	size, err := f.queue.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)

	// Stop drains the remainder.
	pool.Stop()
	assert.Equal(t, int64(3), pool.Stats()["processed"])

	size, err = f.queue.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestPoolRoutesFailuresToDeadLetter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bus.fail = true
	enqueueN(t, f, 4)

	pool := NewPool(f.queue, f.sessions, f.proc, f.store, 4, 2, 10*time.Millisecond, true)
	pool.Start(ctx)

	waitFor(t, 5*time.Second, func() bool {
		return pool.Stats()["failed"] == 4
	})
	pool.Stop()

	letters, err := f.queue.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, letters, 4)
	for _, dl := range letters {
		assert.Contains(t, dl.Error, "broker down")
	}

	// Nothing staged on failure.
	staged, err := f.store.LLen(ctx, store.KeyOutboundStaging)
	require.NoError(t, err)
	assert.Zero(t, staged)
}

func TestPoolCountsIntoSessionMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Three regular messages plus one spam: both outcomes count toward the
	// lifetime counter and the daily metrics hash.
	items := []queue.Item{
		envelopeItem(t, "cnt-1", "a@example.com", "s"),
		envelopeItem(t, "cnt-2", "b@example.com", "s"),
		envelopeItem(t, "cnt-3", "c@example.com", "s"),
		envelopeItem(t, "cnt-4", "noreply@spamhouse.example", "WIN"),
	}
	_, err := f.queue.EnqueueBatch(ctx, items)
	require.NoError(t, err)

	pool := NewPool(f.queue, f.sessions, f.proc, f.store, 4, 2, 10*time.Millisecond, false)
	pool.Start(ctx)
	waitFor(t, 5*time.Second, func() bool {
		s := pool.Stats()
		return s["processed"] == 3 && s["spam"] == 1
	})
	pool.Stop()

	total, ok, err := f.store.Get(ctx, store.KeyCounterPrefix+"total_processed")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "4", total)

	daily, err := f.store.HGetAll(ctx, store.MetricsKey(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "4", daily["emails_processed"])
}

func TestPoolSkipsAlreadyProcessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Enqueue first, then register one id as processed through the other
	// path before the pool sees it.
	items := []queue.Item{
		envelopeItem(t, "dup-1", "a@example.com", "s"),
		envelopeItem(t, "new-1", "b@example.com", "s"),
	}
	_, err := f.queue.EnqueueBatch(ctx, items)
	require.NoError(t, err)
	_, err = f.sessions.RegisterProcessed(ctx, "dup-1")
	require.NoError(t, err)

	pool := NewPool(f.queue, f.sessions, f.proc, f.store, 2, 2, 10*time.Millisecond, false)
	pool.Start(ctx)
	waitFor(t, 5*time.Second, func() bool {
		s := pool.Stats()
		return s["processed"]+s["skipped"] == 2
	})
	pool.Stop()

	assert.Equal(t, int64(1), pool.Stats()["skipped"])
	assert.Equal(t, int64(1), pool.Stats()["processed"])
}
