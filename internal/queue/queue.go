// Package queue implements the priority queue of message ids with
// visibility timeouts, dedup against the processed set, and a dead-letter
// list for messages that exhaust processing.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/inbox-harvester/internal/store"
)

// VisibilityTimeout is how long a dequeued id stays hidden before the
// reclaimer may return it to the main queue.
const VisibilityTimeout = 300 * time.Second

// batchTiebreak keeps batch insertion order stable for equal priorities.
const batchTiebreak = 0.001

// Item pairs a message id with its serialized payload.
type Item struct {
	ID      string
	Payload string
}

// DeadLetter is one entry of the failed list, in insertion order.
type DeadLetter struct {
	ID            string `json:"id"`
	Error         string `json:"error"`
	AttemptCount  int64  `json:"attempt_count"`
	LastAttemptAt string `json:"last_attempt_at"`
}

// Stats is a point-in-time queue census.
type Stats struct {
	Queued    int64 `json:"queued"`
	InFlight  int64 `json:"in_flight"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// reclaimScript moves every in-flight id whose visibility deadline has
// passed back to the main queue, atomically, scoring by reclaim time.
var reclaimScript = redis.NewScript(`
	local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	if #expired == 0 then
		return 0
	end
	redis.call('ZREM', KEYS[1], unpack(expired))
	for _, id in ipairs(expired) do
		redis.call('ZADD', KEYS[2], ARGV[1], id)
	end
	return #expired
`)

// EmailQueue is the store-backed message queue.
type EmailQueue struct {
	store *store.Store
}

// New creates a queue over the shared store.
func New(st *store.Store) *EmailQueue {
	return &EmailQueue{store: st}
}

// Enqueue accepts a message unless it is already processed, queued or
// in-flight. Returns true iff this call enqueued the id. Priority <= 0
// defaults to the current time (FIFO by enqueue time).
func (q *EmailQueue) Enqueue(ctx context.Context, id, payload string, priority float64) (bool, error) {
	processed, err := q.store.SetContains(ctx, store.KeyProcessedSet, id)
	if err != nil {
		return false, err
	}
	if processed {
		return false, nil
	}
	pending, err := q.IsPending(ctx, id)
	if err != nil {
		return false, err
	}
	if pending {
		return false, nil
	}

	if priority <= 0 {
		priority = float64(time.Now().Unix())
	}
	if err := q.store.SetEx(ctx, store.EmailDataKey(id), payload, store.TTLEmailData); err != nil {
		return false, err
	}
	if err := q.store.ZPush(ctx, store.KeyMainQueue, id, priority); err != nil {
		return false, err
	}
	return true, nil
}

// EnqueueBatch enqueues many items, preserving their order with a stable
// priority tiebreaker. Returns the accepted ids in input order; duplicates
// and already-processed ids are skipped silently.
func (q *EmailQueue) EnqueueBatch(ctx context.Context, items []Item) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	processed, err := q.store.SetBatchContains(ctx, store.KeyProcessedSet, ids...)
	if err != nil {
		return nil, err
	}

	base := float64(time.Now().Unix())
	entries := make(map[string]float64, len(items))
	var accepted []string
	seen := make(map[string]bool, len(items))

	for i, it := range items {
		if processed[i] || seen[it.ID] {
			continue
		}
		pending, err := q.IsPending(ctx, it.ID)
		if err != nil {
			return nil, err
		}
		if pending {
			continue
		}
		seen[it.ID] = true
		if err := q.store.SetEx(ctx, store.EmailDataKey(it.ID), it.Payload, store.TTLEmailData); err != nil {
			return nil, err
		}
		entries[it.ID] = base + float64(i)*batchTiebreak
		accepted = append(accepted, it.ID)
	}

	if err := q.store.ZBatchPush(ctx, store.KeyMainQueue, entries); err != nil {
		return nil, err
	}
	return accepted, nil
}

// DequeueBatch atomically pops up to n lowest-priority ids into the
// in-flight set and fetches their payloads. Ids whose payload has expired
// are returned to the main queue instead of being handed out.
func (q *EmailQueue) DequeueBatch(ctx context.Context, n int) ([]Item, error) {
	ids, err := q.store.AtomicDequeue(ctx, store.KeyMainQueue, store.KeyInFlight, n, VisibilityTimeout)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = store.EmailDataKey(id)
	}
	payloads, present, err := q.store.MGet(ctx, keys...)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(ids))
	for i, id := range ids {
		if !present[i] {
			// Payload TTL beat us to it; put the id back for a fresh fetch.
			if _, err := q.store.ZRemove(ctx, store.KeyInFlight, id); err != nil {
				return nil, err
			}
			if err := q.store.ZPush(ctx, store.KeyMainQueue, id, float64(time.Now().Unix())); err != nil {
				return nil, err
			}
			continue
		}
		items = append(items, Item{ID: id, Payload: payloads[i]})
	}
	return items, nil
}

// MarkProcessed finalizes messages: adds ids to the processed set, removes
// them from in-flight, and deletes their payloads.
func (q *EmailQueue) MarkProcessed(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		keys[i] = store.EmailDataKey(id)
	}
	if _, err := q.store.SetAdd(ctx, store.KeyProcessedSet, store.TTLProcessed, members...); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := q.store.ZRemove(ctx, store.KeyInFlight, id); err != nil {
			return err
		}
	}
	return q.store.Del(ctx, keys...)
}

// MarkFailed removes an id from in-flight and appends it to the dead-letter
// list, bumping its attempt count (kept 7 days).
func (q *EmailQueue) MarkFailed(ctx context.Context, id string, cause error) error {
	if _, err := q.store.ZRemove(ctx, store.KeyInFlight, id); err != nil {
		return err
	}
	retryKey := store.EmailRetryKey(id)
	attempts, err := q.store.HIncrBy(ctx, retryKey, "attempts", 1)
	if err != nil {
		return err
	}
	if err := q.store.Expire(ctx, retryKey, store.TTLRetryMeta); err != nil {
		return err
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	entry, err := json.Marshal(DeadLetter{
		ID:            id,
		Error:         msg,
		AttemptCount:  attempts,
		LastAttemptAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("queue: encoding dead letter for %s: %w", id, err)
	}
	return q.store.RPush(ctx, store.KeyDeadLetter, entry)
}

// ReclaimExpired returns every in-flight id whose visibility deadline has
// passed to the main queue. Returns the number reclaimed.
func (q *EmailQueue) ReclaimExpired(ctx context.Context) (int64, error) {
	now := float64(time.Now().Unix())
	n, err := reclaimScript.Run(ctx, q.store.Client(),
		[]string{store.KeyInFlight, store.KeyMainQueue}, now).Int64()
	if err != nil {
		return 0, fmt.Errorf("queue: reclaim expired: %w", err)
	}
	return n, nil
}

// IsPending reports whether an id sits in the main queue or in-flight.
func (q *EmailQueue) IsPending(ctx context.Context, id string) (bool, error) {
	_, inMain, err := q.store.ZScore(ctx, store.KeyMainQueue, id)
	if err != nil {
		return false, err
	}
	if inMain {
		return true, nil
	}
	_, inFlight, err := q.store.ZScore(ctx, store.KeyInFlight, id)
	if err != nil {
		return false, err
	}
	return inFlight, nil
}

// IsProcessed reports processed-set membership.
func (q *EmailQueue) IsProcessed(ctx context.Context, id string) (bool, error) {
	return q.store.SetContains(ctx, store.KeyProcessedSet, id)
}

// Size returns the main-queue depth.
func (q *EmailQueue) Size(ctx context.Context) (int64, error) {
	return q.store.ZCard(ctx, store.KeyMainQueue)
}

// DeadLetters returns failed entries in insertion order, up to limit.
func (q *EmailQueue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	raw, err := q.store.LRange(ctx, store.KeyDeadLetter, 0, limit-1)
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, entry := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(entry), &dl); err != nil {
			return nil, fmt.Errorf("queue: decoding dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// GetStats reads a census of all queue structures.
func (q *EmailQueue) GetStats(ctx context.Context) (*Stats, error) {
	queued, err := q.store.ZCard(ctx, store.KeyMainQueue)
	if err != nil {
		return nil, err
	}
	inflight, err := q.store.ZCard(ctx, store.KeyInFlight)
	if err != nil {
		return nil, err
	}
	processed, err := q.store.SetCard(ctx, store.KeyProcessedSet)
	if err != nil {
		return nil, err
	}
	failed, err := q.store.LLen(ctx, store.KeyDeadLetter)
	if err != nil {
		return nil, err
	}
	return &Stats{Queued: queued, InFlight: inflight, Processed: processed, Failed: failed}, nil
}
