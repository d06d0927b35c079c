// Package api exposes the control surface: session lifecycle, manual poll
// triggering, status and metrics. It never mutates session state directly;
// lifecycle requests go through the runtime.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/inbox-harvester/internal/pkg/httputil"
	"github.com/ignite/inbox-harvester/internal/poller"
	"github.com/ignite/inbox-harvester/internal/queue"
	"github.com/ignite/inbox-harvester/internal/session"
	"github.com/ignite/inbox-harvester/internal/store"
)

// StartOptions carries a session-start request to the runtime.
type StartOptions struct {
	PollingMode     string `json:"polling_mode"`
	PollingInterval int    `json:"polling_interval"`
	EnableWebhook   *bool  `json:"enable_webhook"`
}

// Runtime is the lifecycle surface the API drives. Implemented by the
// orchestrator.
type Runtime interface {
	StartSession(ctx context.Context, opts StartOptions) (string, error)
	StopSession(ctx context.Context, reason string) error
	TriggerPoll(ctx context.Context) (*poller.Result, error)
}

// Server is the control API.
type Server struct {
	runtime  Runtime
	sessions *session.Manager
	queue    *queue.EmailQueue
	store    *store.Store
}

// NewServer creates the control API server.
func NewServer(runtime Runtime, sessions *session.Manager, q *queue.EmailQueue, st *store.Store) *Server {
	return &Server{runtime: runtime, sessions: sessions, queue: q, store: st}
}

// Router builds the control API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Post("/session/start", s.handleSessionStart)
	r.Post("/session/stop", s.handleSessionStop)
	r.Get("/session/status", s.handleSessionStatus)
	r.Get("/session/history", s.handleSessionHistory)
	r.Post("/polling/trigger", s.handlePollingTrigger)
	r.Get("/queue/stats", s.handleQueueStats)
	r.Get("/queue/failed", s.handleDeadLetters)
	r.Get("/metrics", s.handleMetrics)
	r.Handle("/metrics/prometheus", promhttp.Handler())
	r.Get("/health", s.handleHealth)
	return r
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var opts StartOptions
	if r.ContentLength > 0 && !httputil.Decode(w, r, &opts) {
		return
	}

	id, err := s.runtime.StartSession(r.Context(), opts)
	if errors.Is(err, session.ErrSessionConflict) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	status, err := s.sessions.Status(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"session_id": id,
		"state":      status.State,
	})
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 && !httputil.Decode(w, r, &body) {
		return
	}
	if body.Reason == "" {
		body.Reason = "manual_stop"
	}

	if err := s.runtime.StopSession(r.Context(), body.Reason); err != nil {
		if errors.Is(err, session.ErrSessionConflict) {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "stopped", "reason": body.Reason})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.sessions.Status(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	httputil.OK(w, status)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	raw, err := s.sessions.History(r.Context(), store.SessionHistoryCap)
	if err != nil {
		s.storeError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"count": len(raw), "sessions": raw})
}

func (s *Server) handlePollingTrigger(w http.ResponseWriter, r *http.Request) {
	res, err := s.runtime.TriggerPoll(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, res)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetStats(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	httputil.OK(w, stats)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.queue.DeadLetters(r.Context(), 100)
	if err != nil {
		s.storeError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"count": len(letters), "failed": letters})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status, err := s.sessions.Status(ctx)
	if err != nil {
		s.storeError(w, err)
		return
	}
	stats, err := s.queue.GetStats(ctx)
	if err != nil {
		s.storeError(w, err)
		return
	}
	today, err := s.store.HGetAll(ctx, store.MetricsKey(time.Now()))
	if err != nil {
		s.storeError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"session": status,
		"queue":   stats,
		"today":   today,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		httputil.ServiceUnavailable(w, "store unavailable")
		return
	}
	httputil.OK(w, map[string]string{"status": "ok"})
}

// storeError maps store failures to 503, everything else to 500.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	if pingErr := s.store.Ping(context.Background()); pingErr != nil {
		log.Printf("[API] store unavailable: %v", err)
		httputil.ServiceUnavailable(w, "store unavailable")
		return
	}
	httputil.InternalError(w, err)
}

// Listen serves handler on addr until ctx is canceled, then drains with a
// 10 second grace period.
func Listen(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[API] listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
