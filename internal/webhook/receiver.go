// Package webhook receives provider change notifications: the validation
// handshake, notification ingestion with dedup, and the subscription
// renewal loop. Repeated failures trip the session's fallback transition so
// polling resumes coverage.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ignite/inbox-harvester/internal/graph"
	"github.com/ignite/inbox-harvester/internal/metrics"
	"github.com/ignite/inbox-harvester/internal/pkg/httputil"
	"github.com/ignite/inbox-harvester/internal/processor"
	"github.com/ignite/inbox-harvester/internal/queue"
	"github.com/ignite/inbox-harvester/internal/session"
)

// Provider is the provider-API surface the receiver needs.
// Satisfied by graph.Client.
type Provider interface {
	GetMessage(ctx context.Context, id string) (*graph.Message, error)
	MarkRead(ctx context.Context, id string) error
}

// notification is one entry of the provider's notification envelope.
type notification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

// Receiver handles notification HTTP traffic and tracks webhook health.
type Receiver struct {
	provider  Provider
	queue     *queue.EmailQueue
	sessions  *session.Manager
	maxErrors int

	mu         sync.Mutex
	errorCount int

	enqueuedTotal int64
	skippedTotal  int64
	startedAt     time.Time
}

// NewReceiver creates the notification receiver.
func NewReceiver(provider Provider, q *queue.EmailQueue, sessions *session.Manager, maxErrors int) *Receiver {
	return &Receiver{
		provider:  provider,
		queue:     q,
		sessions:  sessions,
		maxErrors: maxErrors,
		startedAt: time.Now(),
	}
}

// Router builds the webhook HTTP surface.
func (r *Receiver) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.HandleFunc("/webhook/notifications", r.handleNotifications)
	mux.Get("/webhook/status", r.handleStatus)
	mux.Get("/health", r.handleHealth)
	return mux
}

// handleNotifications answers the validation handshake and ingests
// notification batches.
func (r *Receiver) handleNotifications(w http.ResponseWriter, req *http.Request) {
	// Validation handshake: echo the token verbatim, regardless of body.
	if token := req.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, token)
		return
	}
	if req.Method != http.MethodPost {
		httputil.Error(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var envelope struct {
		Value []notification `json:"value"`
	}
	if err := json.NewDecoder(req.Body).Decode(&envelope); err != nil {
		httputil.BadRequest(w, "invalid notification body: "+err.Error())
		return
	}

	enqueued, skipped, failed := r.ingest(req.Context(), envelope.Value)

	atomic.AddInt64(&r.enqueuedTotal, int64(enqueued))
	atomic.AddInt64(&r.skippedTotal, int64(skipped))

	if failed > 0 && enqueued == 0 && skipped == 0 {
		httputil.Error(w, http.StatusInternalServerError, "all notifications failed")
		return
	}
	httputil.Accepted(w, map[string]int{"enqueued": enqueued, "skipped": skipped})
}

// ingest processes one notification batch: in-batch dedup first occurrence
// wins, pending/processed ids are skipped, the rest are fetched and
// enqueued with an async best-effort mark-read.
func (r *Receiver) ingest(ctx context.Context, batch []notification) (enqueued, skipped, failed int) {
	seen := make(map[string]bool, len(batch))
	for _, n := range batch {
		id := n.ResourceData.ID
		if id == "" || seen[id] {
			skipped++
			continue
		}
		seen[id] = true

		pending, err := r.queue.IsPending(ctx, id)
		if err != nil {
			failed++
			r.recordError(ctx, err)
			continue
		}
		processed, err := r.sessions.IsProcessed(ctx, id)
		if err != nil {
			failed++
			r.recordError(ctx, err)
			continue
		}
		if pending || processed {
			skipped++
			metrics.WebhookNotifications.WithLabelValues("skipped").Inc()
			continue
		}

		msg, err := r.provider.GetMessage(ctx, id)
		if err != nil {
			failed++
			r.recordError(ctx, err)
			metrics.WebhookNotifications.WithLabelValues("failed").Inc()
			continue
		}
		payload, err := processor.NewEnvelope(msg).Encode()
		if err != nil {
			failed++
			r.recordError(ctx, err)
			continue
		}

		accepted, err := r.queue.Enqueue(ctx, id, payload, 0)
		if err != nil {
			failed++
			r.recordError(ctx, err)
			continue
		}
		if !accepted {
			skipped++
			metrics.WebhookNotifications.WithLabelValues("skipped").Inc()
			continue
		}

		enqueued++
		metrics.WebhookNotifications.WithLabelValues("enqueued").Inc()
		metrics.EmailsIngested.WithLabelValues("webhook").Inc()

		go func(id string) {
			mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := r.provider.MarkRead(mctx, id); err != nil {
				log.Printf("[Webhook] mark-read %s: %v", id, err)
			}
		}(id)
	}
	return enqueued, skipped, failed
}

// recordError counts a webhook failure; crossing the threshold activates
// fallback polling through the session manager.
func (r *Receiver) recordError(ctx context.Context, cause error) {
	log.Printf("[Webhook] notification error: %v", cause)
	if _, err := r.sessions.IncrWebhookErrors(ctx); err != nil {
		log.Printf("[Webhook] error counter: %v", err)
	}

	r.mu.Lock()
	r.errorCount++
	trip := r.errorCount >= r.maxErrors
	if trip {
		r.errorCount = 0
	}
	r.mu.Unlock()

	if trip {
		log.Printf("[Webhook] error threshold reached, activating fallback polling")
		if err := r.sessions.ActivateFallbackPolling(ctx); err != nil {
			log.Printf("[Webhook] fallback activation: %v", err)
		}
	}
}

// ResetErrors clears the local failure streak. Called when the webhook is
// restored as the sole acquisition path.
func (r *Receiver) ResetErrors() {
	r.mu.Lock()
	r.errorCount = 0
	r.mu.Unlock()
}

// handleStatus reports receiver health and totals.
func (r *Receiver) handleStatus(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	errorCount := r.errorCount
	r.mu.Unlock()

	httputil.OK(w, map[string]interface{}{
		"uptime_seconds": int(time.Since(r.startedAt).Seconds()),
		"enqueued_total": atomic.LoadInt64(&r.enqueuedTotal),
		"skipped_total":  atomic.LoadInt64(&r.skippedTotal),
		"error_count":    errorCount,
		"max_errors":     r.maxErrors,
	})
}

// handleHealth is the liveness probe for the tunnel/provider side.
func (r *Receiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}
