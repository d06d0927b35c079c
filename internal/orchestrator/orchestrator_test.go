package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-harvester/internal/api"
	"github.com/ignite/inbox-harvester/internal/bus"
	"github.com/ignite/inbox-harvester/internal/config"
	"github.com/ignite/inbox-harvester/internal/forwarder"
	"github.com/ignite/inbox-harvester/internal/graph"
	"github.com/ignite/inbox-harvester/internal/poller"
	"github.com/ignite/inbox-harvester/internal/processor"
	"github.com/ignite/inbox-harvester/internal/queue"
	"github.com/ignite/inbox-harvester/internal/session"
	"github.com/ignite/inbox-harvester/internal/store"
	"github.com/ignite/inbox-harvester/internal/webhook"
)

// inboxStub serves a fixed unread backlog and satisfies both the poller's
// and the processor's provider surfaces.
type inboxStub struct {
	mu       sync.Mutex
	messages []*graph.Message
}

func newInboxStub(n int) *inboxStub {
	s := &inboxStub{}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("mail-%03d", i)
		raw, _ := json.Marshal(map[string]string{"id": id})
		s.messages = append(s.messages, &graph.Message{ID: id, Subject: "backlog", Raw: raw})
	}
	return s
}

func (s *inboxStub) ListUnread(_ context.Context, _ int) (*graph.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &graph.Page{Messages: s.messages}, nil
}

func (s *inboxStub) FetchPage(_ context.Context, _ string) (*graph.Page, error) {
	return &graph.Page{}, nil
}

func (s *inboxStub) BatchMarkRead(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Marked messages leave the unread view.
	marked := make(map[string]bool, len(ids))
	for _, id := range ids {
		marked[id] = true
	}
	var remaining []*graph.Message
	for _, m := range s.messages {
		if !marked[m.ID] {
			remaining = append(remaining, m)
		}
	}
	s.messages = remaining
	return nil
}

func (s *inboxStub) GetMessage(_ context.Context, id string) (*graph.Message, error) {
	raw, _ := json.Marshal(map[string]string{"id": id})
	return &graph.Message{ID: id, Subject: "notified", Raw: raw}, nil
}

func (s *inboxStub) MarkRead(_ context.Context, _ string) error { return nil }

func (s *inboxStub) MoveToJunk(_ context.Context, _ string) error { return nil }

func (s *inboxStub) ListAttachments(_ context.Context, _ string) ([]*graph.Attachment, error) {
	return nil, nil
}

type orchFixture struct {
	orch     *Orchestrator
	sessions *session.Manager
	queue    *queue.EmailQueue
	store    *store.Store
	fwd      *forwarder.Forwarder
	sinkHits *int64
}

func newOrchFixture(t *testing.T, backlog int, webhookEnabled bool) *orchFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := store.New(client)
	q := queue.New(st)
	sessions := session.NewManager(st)
	inbox := newInboxStub(backlog)

	var mu sync.Mutex
	var hits int64
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(sink.Close)

	proc := processor.NewEmailProcessor(inbox, sessions, bus.NoopPublisher{}, nil,
		nil, "email.received", config.FeatureFlags{MS4Forward: true})
	pool := processor.NewPool(q, sessions, proc, st, 5, 4, 10*time.Millisecond, true)
	fwd := forwarder.New(st, sink.Client(), sink.URL, 5)
	p := poller.New(inbox, q, sessions, st, 50*time.Millisecond, 10, 100)
	receiver := webhook.NewReceiver(inbox, q, sessions, 5)

	orch := New(Options{
		PollingMode:     session.ModeScheduled,
		PollingInterval: time.Minute,
		WebhookEnabled:  webhookEnabled,
		WebhookAddr:     "127.0.0.1:0",
	}, sessions, p, pool, fwd, receiver, nil)

	return &orchFixture{orch: orch, sessions: sessions, queue: q, store: st, fwd: fwd, sinkHits: &hits}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestLifecyclePollingOnly(t *testing.T) {
	f := newOrchFixture(t, 8, false)
	ctx := context.Background()

	id, err := f.orch.StartSession(ctx, api.StartOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	state, err := f.sessions.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.StatePollingActive, state)

	// The initial poll drains the backlog through the pool and out the
	// forwarder.
	waitFor(t, 10*time.Second, func() bool {
		stats, err := f.queue.GetStats(ctx)
		return err == nil && stats.Processed == 8 && stats.Queued == 0 && stats.InFlight == 0
	})

	require.NoError(t, f.orch.StopSession(ctx, "manual_stop"))

	state, err = f.sessions.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, state)

	history, err := f.sessions.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	var snapshot map[string]string
	require.NoError(t, json.Unmarshal([]byte(history[0]), &snapshot))
	assert.Equal(t, id, snapshot["session_id"])
	assert.Equal(t, "manual_stop", snapshot["failure_reason"])

	// Forwarder flushed everything before termination.
	depth, err := f.store.LLen(ctx, store.KeyOutboundStaging)
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.GreaterOrEqual(t, f.fwd.Stats()["delivered"], int64(1))
}

func TestLifecycleWebhookHandoff(t *testing.T) {
	f := newOrchFixture(t, 3, true)
	ctx := context.Background()

	_, err := f.orch.StartSession(ctx, api.StartOptions{})
	require.NoError(t, err)

	// After the backlog drain, acquisition hands over to the webhook.
	state, err := f.sessions.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.StateWebhookActive, state)

	require.NoError(t, f.orch.StopSession(ctx, "manual_stop"))
}

func TestSessionSurvivesStartContextCancel(t *testing.T) {
	f := newOrchFixture(t, 0, false)

	// A start request arriving over the control API carries a
	// request-scoped context that is canceled as soon as the response is
	// written; the component loops must keep running regardless.
	startCtx, cancel := context.WithCancel(context.Background())
	_, err := f.orch.StartSession(startCtx, api.StartOptions{})
	require.NoError(t, err)
	cancel()

	ctx := context.Background()
	items := make([]queue.Item, 5)
	for i := range items {
		id := fmt.Sprintf("late-%03d", i)
		raw, _ := json.Marshal(map[string]string{"id": id})
		env := processor.NewEnvelope(&graph.Message{ID: id, Subject: "after start", Raw: raw})
		payload, err := env.Encode()
		require.NoError(t, err)
		items[i] = queue.Item{ID: id, Payload: payload}
	}
	_, err = f.queue.EnqueueBatch(ctx, items)
	require.NoError(t, err)

	// A full batch enqueued after the caller's context died still drains.
	waitFor(t, 10*time.Second, func() bool {
		stats, err := f.queue.GetStats(ctx)
		return err == nil && stats.Processed == 5 && stats.Queued == 0 && stats.InFlight == 0
	})

	require.NoError(t, f.orch.StopSession(ctx, "manual_stop"))
}

func TestStartSessionConflict(t *testing.T) {
	f := newOrchFixture(t, 0, false)
	ctx := context.Background()

	_, err := f.orch.StartSession(ctx, api.StartOptions{})
	require.NoError(t, err)
	defer f.orch.StopSession(ctx, "manual_stop")

	_, err = f.orch.StartSession(ctx, api.StartOptions{})
	assert.ErrorIs(t, err, session.ErrSessionConflict)
}

func TestStopWithoutSessionIsConflict(t *testing.T) {
	f := newOrchFixture(t, 0, false)

	err := f.orch.StopSession(context.Background(), "manual_stop")
	assert.ErrorIs(t, err, session.ErrSessionConflict)
}

func TestRecoverClearsFailedSession(t *testing.T) {
	f := newOrchFixture(t, 0, false)
	ctx := context.Background()

	require.NoError(t, f.sessions.MarkFailedToStart(ctx, "boom"))
	require.NoError(t, f.orch.recoverIfNeeded(ctx))

	state, err := f.sessions.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, state)

	// A fresh session starts cleanly after recovery.
	_, err = f.orch.StartSession(ctx, api.StartOptions{})
	require.NoError(t, err)
	require.NoError(t, f.orch.StopSession(ctx, "manual_stop"))
}
