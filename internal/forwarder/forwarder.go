// Package forwarder drains staged batch metadata to the persistence
// service. Batches are popped from the staging list, posted as a JSON
// array, and retried with exponential backoff; a batch that exhausts its
// attempts is lost and logged.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/inbox-harvester/internal/metrics"
	"github.com/ignite/inbox-harvester/internal/pkg/httpretry"
	"github.com/ignite/inbox-harvester/internal/store"
)

const (
	maxAttempts = 5
	// waitForMore is the pause when fewer than a full batch is staged.
	waitForMore = 2 * time.Second
	baseBackoff = 1 * time.Second
)

// Forwarder ships staged metadata to the persistence endpoint.
type Forwarder struct {
	store      *store.Store
	httpClient httpretry.HTTPDoer
	baseURL    string
	batchSize  int

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	delivered int64
	dropped   int64
	lost      int64
}

// New creates a forwarder targeting baseURL. The client should be a plain
// http.Client; the forwarder owns its own retry schedule.
func New(st *store.Store, client httpretry.HTTPDoer, baseURL string, batchSize int) *Forwarder {
	return &Forwarder{
		store:      st,
		httpClient: client,
		baseURL:    baseURL,
		batchSize:  batchSize,
	}
}

// Start launches the drain loop.
func (f *Forwarder) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	f.running = true
	f.stop = make(chan struct{})
	f.done = make(chan struct{})
	go f.run(ctx)
	log.Printf("[Forwarder] started (target=%s batch=%d)", f.baseURL, f.batchSize)
}

// Stop halts the loop after a final drain of whatever is staged.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stop)
	done := f.done
	f.mu.Unlock()

	<-done
	log.Printf("[Forwarder] stopped (delivered=%d dropped=%d lost=%d)",
		atomic.LoadInt64(&f.delivered), atomic.LoadInt64(&f.dropped), atomic.LoadInt64(&f.lost))
}

func (f *Forwarder) run(ctx context.Context) {
	defer close(f.done)

	for {
		stopping := false
		select {
		case <-f.stop:
			stopping = true
		case <-ctx.Done():
			return
		default:
		}

		staged, err := f.store.LLen(ctx, store.KeyOutboundStaging)
		if err != nil {
			log.Printf("[Forwarder] staging depth: %v", err)
			if stopping || !f.sleep(ctx, waitForMore) {
				return
			}
			continue
		}

		if staged == 0 {
			if stopping {
				return
			}
			if !f.sleep(ctx, waitForMore) {
				return
			}
			continue
		}
		// Below a full batch: give producers a moment to top it up, then
		// flush whatever accumulated. Shutdown flushes immediately.
		if staged < int64(f.batchSize) && !stopping {
			if !f.sleep(ctx, waitForMore) {
				return
			}
		}

		entries, err := f.store.LPopCount(ctx, store.KeyOutboundStaging, f.batchSize)
		if err != nil {
			log.Printf("[Forwarder] pop batch: %v", err)
			continue
		}
		if len(entries) == 0 {
			continue
		}
		f.deliver(ctx, entries)
	}
}

// sleep waits d, returning false when the loop should exit.
func (f *Forwarder) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-f.stop:
		return true // final drain still runs
	case <-ctx.Done():
		return false
	}
}

// deliver posts one batch, retrying transient failures. Client errors drop
// the batch after a single attempt; exhausted retries lose it.
func (f *Forwarder) deliver(ctx context.Context, entries []string) {
	body, count, err := buildPayload(entries)
	if err != nil {
		log.Printf("[Forwarder] batch encode: %v", err)
		atomic.AddInt64(&f.dropped, 1)
		metrics.ForwarderBatches.WithLabelValues("dropped").Inc()
		return
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		status, retryAfter, err := f.post(ctx, body)
		if err == nil && status == http.StatusAccepted {
			atomic.AddInt64(&f.delivered, 1)
			metrics.ForwarderBatches.WithLabelValues("delivered").Inc()
			log.Printf("[Forwarder] delivered batch of %d", count)
			return
		}

		// Bad payload or credentials will not improve with retries.
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			log.Printf("[Forwarder] PERSISTENCE REJECTED BATCH (%d records, status %d): dropping without retry", count, status)
			atomic.AddInt64(&f.dropped, 1)
			metrics.ForwarderBatches.WithLabelValues("dropped").Inc()
			return
		}

		if err != nil {
			log.Printf("[Forwarder] attempt %d/%d failed: %v", attempt+1, maxAttempts, err)
		} else {
			log.Printf("[Forwarder] attempt %d/%d failed: status %d", attempt+1, maxAttempts, status)
		}
		if attempt == maxAttempts-1 {
			break
		}

		delay := baseBackoff * (1 << attempt) // 1, 2, 4, 8, 16s
		if status == http.StatusTooManyRequests && retryAfter > 0 {
			delay = retryAfter
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		timer.Stop()
	}

	log.Printf("[Forwarder] BATCH LOST after %d attempts (%d records)", maxAttempts, count)
	atomic.AddInt64(&f.lost, 1)
	metrics.ForwarderBatches.WithLabelValues("lost").Inc()
}

// post performs one delivery attempt.
func (f *Forwarder) post(ctx context.Context, body []byte) (status int, retryAfter time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		f.baseURL+"/batch-metadata", bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("forwarder: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, perr := strconv.Atoi(v); perr == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		} else if t, perr := http.ParseTime(v); perr == nil {
			if d := time.Until(t); d > 0 {
				retryAfter = d
			}
		}
	}
	return resp.StatusCode, retryAfter, nil
}

// buildPayload assembles the JSON array from raw staged entries, skipping
// any that fail to decode.
func buildPayload(entries []string) ([]byte, int, error) {
	records := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		if !json.Valid([]byte(e)) {
			log.Printf("[Forwarder] skipping malformed staged entry")
			continue
		}
		records = append(records, json.RawMessage(e))
	}
	if len(records) == 0 {
		return nil, 0, fmt.Errorf("forwarder: batch had no valid records")
	}
	body, err := json.Marshal(records)
	if err != nil {
		return nil, 0, err
	}
	return body, len(records), nil
}

// Stats reports lifetime delivery counters.
func (f *Forwarder) Stats() map[string]int64 {
	return map[string]int64{
		"delivered": atomic.LoadInt64(&f.delivered),
		"dropped":   atomic.LoadInt64(&f.dropped),
		"lost":      atomic.LoadInt64(&f.lost),
	}
}
