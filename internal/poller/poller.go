// Package poller enumerates unread messages from the provider in pages,
// persisting a continuation cursor so an interrupted poll resumes where it
// stopped, and feeds accepted messages into the email queue.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/inbox-harvester/internal/graph"
	"github.com/ignite/inbox-harvester/internal/metrics"
	"github.com/ignite/inbox-harvester/internal/processor"
	"github.com/ignite/inbox-harvester/internal/queue"
	"github.com/ignite/inbox-harvester/internal/session"
	"github.com/ignite/inbox-harvester/internal/store"
)

// Provider is the provider-API surface the poller needs.
// Satisfied by graph.Client.
type Provider interface {
	ListUnread(ctx context.Context, pageSize int) (*graph.Page, error)
	FetchPage(ctx context.Context, pageURL string) (*graph.Page, error)
	BatchMarkRead(ctx context.Context, ids []string) error
}

// Result summarizes one poll cycle.
type Result struct {
	Status      string `json:"status"`
	EmailsFound int    `json:"emails_found"`
	Enqueued    int    `json:"enqueued"`
	Skipped     int    `json:"skipped"`
	HasMore     bool   `json:"has_more"`
}

// Poller runs poll cycles, scheduled or on demand. A distributed lock keeps
// cycles from overlapping across processes.
type Poller struct {
	provider Provider
	queue    *queue.EmailQueue
	sessions *session.Manager
	store    *store.Store

	interval time.Duration
	maxPages int
	pageSize int

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a poller.
func New(provider Provider, q *queue.EmailQueue, sessions *session.Manager, st *store.Store,
	interval time.Duration, maxPages, pageSize int) *Poller {
	return &Poller{
		provider: provider,
		queue:    q,
		sessions: sessions,
		store:    st,
		interval: interval,
		maxPages: maxPages,
		pageSize: pageSize,
	}
}

// PollOnce runs one complete poll cycle: resume from the persisted cursor
// when present, paginate up to the page cap, enqueue, and best-effort mark
// the accepted messages read. Overlapping cycles are skipped via the
// polling lock.
func (p *Poller) PollOnce(ctx context.Context) (*Result, error) {
	lock := p.store.NewLock("polling")
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return &Result{Status: "already_running"}, nil
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Printf("[Poller] lock release: %v", err)
		}
	}()

	messages, hasMore, err := p.fetchPages(ctx)
	if err != nil {
		if _, cerr := p.sessions.IncrPollingErrors(ctx); cerr != nil {
			log.Printf("[Poller] error counter: %v", cerr)
		}
		metrics.ProviderCalls.WithLabelValues("list_unread", "error").Inc()
		return nil, err
	}
	metrics.ProviderCalls.WithLabelValues("list_unread", "ok").Inc()

	if len(messages) == 0 {
		return &Result{Status: "completed"}, nil
	}

	items := make([]queue.Item, 0, len(messages))
	for _, m := range messages {
		payload, err := processor.NewEnvelope(m).Encode()
		if err != nil {
			return nil, err
		}
		items = append(items, queue.Item{ID: m.ID, Payload: payload})
	}

	accepted, err := p.queue.EnqueueBatch(ctx, items)
	if err != nil {
		return nil, err
	}
	metrics.EmailsIngested.WithLabelValues("polling").Add(float64(len(accepted)))

	// Mark-read keeps the next enumeration from re-reading the backlog.
	// Failures are logged, never fatal.
	if len(accepted) > 0 {
		if err := p.provider.BatchMarkRead(ctx, accepted); err != nil {
			log.Printf("[Poller] batch mark-read failed for %d messages: %v", len(accepted), err)
			metrics.ProviderCalls.WithLabelValues("mark_read", "error").Inc()
		} else {
			metrics.ProviderCalls.WithLabelValues("mark_read", "ok").Inc()
		}
	}

	return &Result{
		Status:      "completed",
		EmailsFound: len(messages),
		Enqueued:    len(accepted),
		Skipped:     len(messages) - len(accepted),
		HasMore:     hasMore,
	}, nil
}

// fetchPages walks pagination from the persisted cursor (or a fresh query)
// up to maxPages pages. If more pages remain, the continuation URL is
// persisted for the next cycle; otherwise the cursor is cleared.
func (p *Poller) fetchPages(ctx context.Context) ([]*graph.Message, bool, error) {
	cursor, hasCursor, err := p.store.Get(ctx, store.KeyPaginationCur)
	if err != nil {
		return nil, false, err
	}

	var messages []*graph.Message
	var page *graph.Page

	for pageNum := 0; pageNum < p.maxPages; pageNum++ {
		if pageNum == 0 && hasCursor {
			page, err = p.provider.FetchPage(ctx, cursor)
			if errors.Is(err, graph.ErrCursorExpired) {
				// The provider dropped our continuation; treat as
				// end-of-pagination and start fresh next cycle.
				log.Printf("[Poller] cursor expired, clearing")
				if derr := p.store.Del(ctx, store.KeyPaginationCur); derr != nil {
					return nil, false, derr
				}
				return nil, false, nil
			}
		} else if pageNum == 0 {
			page, err = p.provider.ListUnread(ctx, p.pageSize)
		} else {
			page, err = p.provider.FetchPage(ctx, page.NextLink)
		}
		if err != nil {
			return nil, false, fmt.Errorf("poller: page %d: %w", pageNum+1, err)
		}

		messages = append(messages, page.Messages...)
		if page.NextLink == "" {
			if err := p.store.Del(ctx, store.KeyPaginationCur); err != nil {
				return nil, false, err
			}
			return messages, false, nil
		}
	}

	// Page cap reached with more remaining: persist the continuation.
	if err := p.store.SetEx(ctx, store.KeyPaginationCur, page.NextLink, store.TTLCursor); err != nil {
		return nil, false, err
	}
	return messages, true, nil
}

// Start launches the scheduled loop. The body runs only while the session
// is polling_active or both_active; empty polls never stop the schedule.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(ctx)
	log.Printf("[Poller] scheduled polling started (interval=%s)", p.interval)
}

// Stop halts the scheduled loop and waits for it.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	done := p.done
	p.mu.Unlock()

	<-done
	log.Printf("[Poller] stopped")
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		state, err := p.sessions.CurrentState(ctx)
		if err != nil {
			log.Printf("[Poller] state read failed: %v", err)
			continue
		}
		if state != session.StateBothActive && state != session.StatePollingActive {
			continue
		}

		res, err := p.PollOnce(ctx)
		if err != nil {
			log.Printf("[Poller] poll cycle failed: %v", err)
			continue
		}
		if res.EmailsFound > 0 {
			log.Printf("[Poller] cycle: found=%d enqueued=%d skipped=%d has_more=%v",
				res.EmailsFound, res.Enqueued, res.Skipped, res.HasMore)
		}
	}
}
