package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client), mr
}

func TestSetOperations(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	added, err := s.SetAdd(ctx, KeyProcessedSet, TTLProcessed, "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, int64(3), added)

	// Re-adding is a no-op.
	added, err = s.SetAdd(ctx, KeyProcessedSet, TTLProcessed, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), added)

	ok, err := s.SetContains(ctx, KeyProcessedSet, "b")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetContains(ctx, KeyProcessedSet, "zzz")
	require.NoError(t, err)
	assert.False(t, ok)

	flags, err := s.SetBatchContains(ctx, KeyProcessedSet, "a", "zzz", "c")
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, flags)

	n, err := s.SetCard(ctx, KeyProcessedSet)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestAtomicDequeueMovesToInFlight(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ZBatchPush(ctx, KeyMainQueue, map[string]float64{
		"m1": 1, "m2": 2, "m3": 3, "m4": 4,
	}))

	popped, err := s.AtomicDequeue(ctx, KeyMainQueue, KeyInFlight, 3, 300*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, popped)

	// Popped ids are gone from the main queue and present in-flight.
	mainN, err := s.ZCard(ctx, KeyMainQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), mainN)

	for _, id := range popped {
		score, ok, err := s.ZScore(ctx, KeyInFlight, id)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Greater(t, score, float64(time.Now().Unix()))
	}
}

func TestAtomicDequeueEmptyQueue(t *testing.T) {
	s, _ := newTestStore(t)

	popped, err := s.AtomicDequeue(context.Background(), KeyMainQueue, KeyInFlight, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, popped)
}

func TestAtomicDequeueNoOverlap(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, s.ZPush(ctx, KeyMainQueue, string(rune('a'+i)), float64(i)))
	}

	seen := map[string]bool{}
	for {
		popped, err := s.AtomicDequeue(ctx, KeyMainQueue, KeyInFlight, 7, time.Minute)
		require.NoError(t, err)
		if len(popped) == 0 {
			break
		}
		for _, id := range popped {
			assert.False(t, seen[id], "id %q dequeued twice", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, 20)
}

func TestHashAndCounters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, KeyCurrentSession, map[string]interface{}{
		"state": "idle", "session_id": "s1",
	}))

	n, err := s.HIncrBy(ctx, KeyCurrentSession, "polling_errors", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	fields, err := s.HGetAll(ctx, KeyCurrentSession)
	require.NoError(t, err)
	assert.Equal(t, "idle", fields["state"])
	assert.Equal(t, "1", fields["polling_errors"])

	total, err := s.IncrCounter(ctx, "total_processed")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestStringTTLAndLocks(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetEx(ctx, KeyPaginationCur, "https://next/page", TTLCursor))
	val, ok, err := s.Get(ctx, KeyPaginationCur)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://next/page", val)

	mr.FastForward(2 * time.Hour)
	_, ok, err = s.Get(ctx, KeyPaginationCur)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.SetNXEx(ctx, "lock:polling", "tok-1", TTLLock)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = s.SetNXEx(ctx, "lock:polling", "tok-2", TTLLock)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestMGetReportsMissing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetEx(ctx, EmailDataKey("a"), `{"id":"a"}`, TTLEmailData))
	vals, present, err := s.MGet(ctx, EmailDataKey("a"), EmailDataKey("gone"))
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, present)
	assert.Equal(t, `{"id":"a"}`, vals[0])
}

func TestDailyMetrics(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.IncrMetric(ctx, "emails_processed", 2))
	require.NoError(t, s.IncrMetric(ctx, "emails_failed", 1))

	fields, err := s.HGetAll(ctx, MetricsKey(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "2", fields["emails_processed"])
	assert.Equal(t, "1", fields["emails_failed"])
}
