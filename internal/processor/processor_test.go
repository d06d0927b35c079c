package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-harvester/internal/config"
	"github.com/ignite/inbox-harvester/internal/graph"
	"github.com/ignite/inbox-harvester/internal/queue"
	"github.com/ignite/inbox-harvester/internal/session"
	"github.com/ignite/inbox-harvester/internal/store"
)

type fakeProvider struct {
	mu     sync.Mutex
	junked []string
	atts   map[string][]*graph.Attachment
}

func (f *fakeProvider) MoveToJunk(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.junked = append(f.junked, id)
	return nil
}

func (f *fakeProvider) ListAttachments(_ context.Context, id string) ([]*graph.Attachment, error) {
	return f.atts[id], nil
}

type recordingBus struct {
	mu        sync.Mutex
	published [][]byte
	fail      bool
}

func (b *recordingBus) Publish(_ context.Context, _ string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("broker down")
	}
	b.published = append(b.published, body)
	return nil
}

func (b *recordingBus) Close() error { return nil }

type fixture struct {
	store    *store.Store
	queue    *queue.EmailQueue
	sessions *session.Manager
	provider *fakeProvider
	bus      *recordingBus
	proc     *EmailProcessor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := store.New(client)
	f := &fixture{
		store:    st,
		queue:    queue.New(st),
		sessions: session.NewManager(st),
		provider: &fakeProvider{atts: map[string][]*graph.Attachment{}},
		bus:      &recordingBus{},
	}
	f.proc = NewEmailProcessor(f.provider, f.sessions, f.bus, nil,
		[]string{"noreply@spam"}, "email.metadata",
		config.FeatureFlags{SpamFilter: true, BusPublish: true, MS4Forward: true})
	return f
}

func envelopeItem(t *testing.T, id, sender, subject string) queue.Item {
	t.Helper()
	env := &Envelope{ID: id, Sender: sender, Subject: subject, Recipient: "inbox@corp.example",
		ReceivedAt: "2026-08-20T10:00:00Z", RawMessage: json.RawMessage(`{"id":"` + id + `"}`)}
	payload, err := env.Encode()
	require.NoError(t, err)
	return queue.Item{ID: id, Payload: payload}
}

func TestProcessPublishesMetadata(t *testing.T) {
	f := newFixture(t)

	res := f.proc.Process(context.Background(), envelopeItem(t, "m1", "alice@example.com", "Quarterly report"))
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	require.NotNil(t, res.Metadata)
	assert.Equal(t, "m1", res.Metadata.EmailID)
	assert.Equal(t, "processed", res.Metadata.Status)

	require.Len(t, f.bus.published, 1)
	var meta Metadata
	require.NoError(t, json.Unmarshal(f.bus.published[0], &meta))
	assert.Equal(t, "alice@example.com", meta.Sender)
	assert.Equal(t, "Quarterly report", meta.Subject)
}

func TestProcessSpamMovesToJunk(t *testing.T) {
	f := newFixture(t)

	res := f.proc.Process(context.Background(), envelopeItem(t, "m2", "noreply@spamhouse.example", "WIN BIG"))
	assert.Equal(t, OutcomeSpam, res.Outcome)
	assert.Equal(t, []string{"m2"}, f.provider.junked)
	// Spam never reaches the bus.
	assert.Empty(t, f.bus.published)
}

func TestProcessLateDedup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sessions.RegisterProcessed(ctx, "m3")
	require.NoError(t, err)

	res := f.proc.Process(ctx, envelopeItem(t, "m3", "bob@example.com", "dup"))
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Empty(t, f.bus.published)
}

func TestProcessBusFailure(t *testing.T) {
	f := newFixture(t)
	f.bus.fail = true

	res := f.proc.Process(context.Background(), envelopeItem(t, "m4", "carol@example.com", "x"))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Error(t, res.Err)
}
