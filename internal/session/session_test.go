package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-harvester/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := store.New(client)
	return NewManager(st), st
}

func TestStartHybridSession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Start(ctx, Config{
		PollingMode:     ModeScheduled,
		PollingInterval: 300 * time.Second,
		WebhookEnabled:  true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	state, err := m.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateBothActive, state)

	// A second start against an active session conflicts.
	_, err = m.Start(ctx, Config{PollingMode: ModeScheduled})
	assert.ErrorIs(t, err, ErrSessionConflict)
}

func TestStartPollingOnlySession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, Config{PollingMode: ModeManual, WebhookEnabled: false})
	require.NoError(t, err)

	state, err := m.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePollingActive, state)
}

func TestHybridHandoff(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, Config{PollingMode: ModeScheduled, WebhookEnabled: true})
	require.NoError(t, err)

	require.NoError(t, m.CompleteInitialPolling(ctx))
	state, err := m.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateWebhookActive, state)

	// Handing off twice is a conflict.
	err = m.CompleteInitialPolling(ctx)
	assert.ErrorIs(t, err, ErrSessionConflict)
}

func TestFallbackAndRestore(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, Config{PollingMode: ModeScheduled, WebhookEnabled: true})
	require.NoError(t, err)
	require.NoError(t, m.CompleteInitialPolling(ctx))

	for i := 0; i < 5; i++ {
		_, err := m.IncrWebhookErrors(ctx)
		require.NoError(t, err)
	}

	require.NoError(t, m.ActivateFallbackPolling(ctx))
	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateBothActive, status.State)
	assert.Equal(t, string(ModeFallback), status.PollingMode)
	assert.Equal(t, int64(5), status.WebhookErrors)

	require.NoError(t, m.RestoreWebhookOnly(ctx))
	status, err = m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateWebhookActive, status.State)
	assert.Zero(t, status.WebhookErrors)
}

func TestTerminateSnapshotsToHistory(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	id, err := m.Start(ctx, Config{PollingMode: ModeScheduled, WebhookEnabled: true})
	require.NoError(t, err)

	require.NoError(t, m.Terminate(ctx, "signal_interrupt"))

	state, err := m.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)

	history, err := m.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)

	var snap map[string]string
	require.NoError(t, json.Unmarshal([]byte(history[0]), &snap))
	assert.Equal(t, id, snap["session_id"])
	assert.Equal(t, string(StateTerminated), snap["state"])
	assert.Equal(t, "signal_interrupt", snap["failure_reason"])
	assert.NotEmpty(t, snap["end_time"])

	// A new session can start after termination.
	_, err = m.Start(ctx, Config{PollingMode: ModeScheduled})
	require.NoError(t, err)

	// sessions:by_time tracks both.
	n, err := st.ZCard(ctx, store.KeySessionsByTime)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestErrorRecovery(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, Config{PollingMode: ModeScheduled, WebhookEnabled: true})
	require.NoError(t, err)

	require.NoError(t, m.MarkError(ctx, "store connection refused"))
	state, err := m.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateSessionError, state)

	require.NoError(t, m.Recover(ctx))
	state, err = m.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)

	history, err := m.History(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRecoverRequiresFailedState(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Start(ctx, Config{PollingMode: ModeScheduled, WebhookEnabled: true})
	require.NoError(t, err)

	err = m.Recover(ctx)
	assert.ErrorIs(t, err, ErrSessionConflict)
}

func TestRegisterProcessedIdempotent(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"test_1", "test_2", "test_3"} {
		isNew, err := m.RegisterProcessed(ctx, id)
		require.NoError(t, err)
		assert.True(t, isNew)
	}

	// Second registration of each reports not-new.
	for _, id := range []string{"test_1", "test_2", "test_3"} {
		isNew, err := m.RegisterProcessed(ctx, id)
		require.NoError(t, err)
		assert.False(t, isNew)
	}

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.Processed)

	// Lifetime counter only counted the three first registrations.
	total, ok, err := st.Get(ctx, store.KeyCounterPrefix+"total_processed")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "3", total)
}

func TestDerivedPendingCount(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, st.ZPush(ctx, store.KeyMainQueue, "q1", 1))
	require.NoError(t, st.ZPush(ctx, store.KeyMainQueue, "q2", 2))
	require.NoError(t, st.ZPush(ctx, store.KeyInFlight, "f1", 100))

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.Pending)
}

func TestHistoryCapped(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 105; i++ {
		_, err := m.Start(ctx, Config{PollingMode: ModeScheduled})
		require.NoError(t, err)
		require.NoError(t, m.Terminate(ctx, "normal"))
	}

	history, err := m.History(ctx, 200)
	require.NoError(t, err)
	assert.Len(t, history, 100)
}
