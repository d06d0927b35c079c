package processor

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/inbox-harvester/internal/metrics"
	"github.com/ignite/inbox-harvester/internal/queue"
	"github.com/ignite/inbox-harvester/internal/session"
	"github.com/ignite/inbox-harvester/internal/store"
)

// workerTimeout bounds one worker's time to produce a payload.
const workerTimeout = 30 * time.Second

// reclaimEvery runs the visibility-timeout reclaimer every N batches.
const reclaimEvery = 10

// Pool drains the email queue in parallel batches. It waits until a full
// batch is available, dispatches up to maxWorkers workers, and only after
// every worker completes does it bulk-finalize the batch.
type Pool struct {
	queue     *queue.EmailQueue
	sessions  *session.Manager
	processor *EmailProcessor
	store     *store.Store

	batchSize     int
	maxWorkers    int
	fetchInterval time.Duration
	stageOutbound bool

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	statProcessed int64
	statFailed    int64
	statSkipped   int64
	statSpam      int64
	statBatches   int64
}

// NewPool creates a batch worker pool.
func NewPool(q *queue.EmailQueue, sessions *session.Manager, proc *EmailProcessor, st *store.Store,
	batchSize, maxWorkers int, fetchInterval time.Duration, stageOutbound bool) *Pool {
	return &Pool{
		queue:         q,
		sessions:      sessions,
		processor:     proc,
		store:         st,
		batchSize:     batchSize,
		maxWorkers:    maxWorkers,
		fetchInterval: fetchInterval,
		stageOutbound: stageOutbound,
	}
}

// Start launches the drain loop. Starting a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(ctx)
	log.Printf("[Pool] started (batch_size=%d max_workers=%d)", p.batchSize, p.maxWorkers)
}

// Stop signals shutdown and waits for the loop to finish draining.
func (p *Pool) Stop() {
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
	log.Printf("[Pool] stopped (batches=%d processed=%d failed=%d)",
		atomic.LoadInt64(&p.statBatches), atomic.LoadInt64(&p.statProcessed), atomic.LoadInt64(&p.statFailed))
}

func (p *Pool) run(ctx context.Context) {
	defer close(p.done)

	var batches int64
	for {
		if ctx.Err() != nil {
			return
		}
		stopping := p.stopping()

		size, err := p.queue.Size(ctx)
		if err != nil {
			log.Printf("[Pool] queue size check failed: %v", err)
			if stopping {
				return
			}
			p.sleep(ctx, p.fetchInterval)
			continue
		}
		metrics.QueueDepth.WithLabelValues("main").Set(float64(size))

		if size == 0 && stopping {
			return
		}
		// Wait for a full batch unless we are draining the tail on shutdown.
		if size < int64(p.batchSize) && !stopping {
			p.sleep(ctx, p.fetchInterval)
			continue
		}

		items, err := p.queue.DequeueBatch(ctx, p.batchSize)
		if err != nil {
			log.Printf("[Pool] dequeue failed: %v", err)
			if stopping {
				return
			}
			p.sleep(ctx, p.fetchInterval)
			continue
		}
		if len(items) == 0 {
			// Lost the race to another consumer.
			if stopping {
				return
			}
			p.sleep(ctx, p.fetchInterval)
			continue
		}

		p.processBatch(ctx, items)

		batches++
		atomic.StoreInt64(&p.statBatches, batches)
		if batches%reclaimEvery == 0 {
			if n, err := p.queue.ReclaimExpired(ctx); err != nil {
				log.Printf("[Pool] reclaim failed: %v", err)
			} else if n > 0 {
				metrics.ReclaimedMessages.Add(float64(n))
				log.Printf("[Pool] reclaimed %d expired in-flight messages", n)
			}
		}
	}
}

// processBatch dispatches every item to a worker, waits for all of them,
// then finalizes the whole batch: one bulk mark-processed for the
// successes, one mark-failed per failure.
func (p *Pool) processBatch(ctx context.Context, items []queue.Item) {
	start := time.Now()
	results := make([]Result, len(items))

	sem := make(chan struct{}, p.maxWorkers)
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item queue.Item) {
			defer wg.Done()
			defer func() { <-sem }()
			wctx, cancel := context.WithTimeout(ctx, workerTimeout)
			defer cancel()
			results[i] = p.processor.Process(wctx, item)
		}(i, item)
	}
	wg.Wait()

	var doneIDs []string
	var countIDs []string
	var staged []interface{}
	for _, res := range results {
		switch res.Outcome {
		case OutcomeProcessed:
			doneIDs = append(doneIDs, res.ID)
			countIDs = append(countIDs, res.ID)
			atomic.AddInt64(&p.statProcessed, 1)
			metrics.EmailsProcessed.WithLabelValues("processed").Inc()
			if p.stageOutbound && res.Metadata != nil {
				if body, err := json.Marshal(res.Metadata); err == nil {
					staged = append(staged, string(body))
				}
			}
		case OutcomeSkipped:
			doneIDs = append(doneIDs, res.ID)
			atomic.AddInt64(&p.statSkipped, 1)
			metrics.EmailsProcessed.WithLabelValues("skipped").Inc()
		case OutcomeSpam:
			doneIDs = append(doneIDs, res.ID)
			countIDs = append(countIDs, res.ID)
			atomic.AddInt64(&p.statSpam, 1)
			metrics.EmailsProcessed.WithLabelValues("spam").Inc()
		case OutcomeFailed:
			atomic.AddInt64(&p.statFailed, 1)
			metrics.EmailsProcessed.WithLabelValues("failed").Inc()
			log.Printf("[Pool] message %s failed: %v", res.ID, res.Err)
			if err := p.queue.MarkFailed(ctx, res.ID, res.Err); err != nil {
				log.Printf("[Pool] mark-failed %s: %v", res.ID, err)
			}
			if err := p.sessions.RegisterFailed(ctx); err != nil {
				log.Printf("[Pool] failure metric: %v", err)
			}
		}
	}

	// Register before the bulk finalize: MarkProcessed also adds to the
	// processed set, and the session counters only move on first add.
	for _, id := range countIDs {
		if _, err := p.sessions.RegisterProcessed(ctx, id); err != nil {
			log.Printf("[Pool] register processed %s: %v", id, err)
		}
	}
	if len(doneIDs) > 0 {
		if err := p.queue.MarkProcessed(ctx, doneIDs...); err != nil {
			log.Printf("[Pool] mark-processed: %v", err)
		}
	}
	if len(staged) > 0 {
		if err := p.store.RPush(ctx, store.KeyOutboundStaging, staged...); err != nil {
			log.Printf("[Pool] outbound staging: %v", err)
		}
	}

	metrics.BatchDuration.Observe(time.Since(start).Seconds())
}

// stopping reports whether Stop has been called.
func (p *Pool) stopping() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// sleep waits for the interval, waking early on shutdown.
func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.stop:
	case <-ctx.Done():
	}
}

// Stats reports cumulative pool counters.
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"batches":   atomic.LoadInt64(&p.statBatches),
		"processed": atomic.LoadInt64(&p.statProcessed),
		"failed":    atomic.LoadInt64(&p.statFailed),
		"skipped":   atomic.LoadInt64(&p.statSkipped),
		"spam":      atomic.LoadInt64(&p.statSpam),
	}
}
