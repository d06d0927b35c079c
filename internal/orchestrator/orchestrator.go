// Package orchestrator owns service lifecycle: phased startup, the health
// monitor, and ordered shutdown. Components never start or stop each other;
// every lifecycle decision funnels through here.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ignite/inbox-harvester/internal/api"
	"github.com/ignite/inbox-harvester/internal/forwarder"
	"github.com/ignite/inbox-harvester/internal/poller"
	"github.com/ignite/inbox-harvester/internal/processor"
	"github.com/ignite/inbox-harvester/internal/session"
	"github.com/ignite/inbox-harvester/internal/webhook"
)

const (
	monitorInterval = 10 * time.Second
	// webhookDrainWait lets in-flight notification handlers enqueue before
	// the batch pool drains.
	webhookDrainWait = 2 * time.Second
)

// Options tune the orchestrator's defaults.
type Options struct {
	PollingMode     session.PollingMode
	PollingInterval time.Duration
	WebhookEnabled  bool
	WebhookAddr     string
	OneShot         bool
}

// Orchestrator wires the acquisition and processing components together.
type Orchestrator struct {
	opts      Options
	sessions  *session.Manager
	poller    *poller.Poller
	pool      *processor.Pool
	forwarder *forwarder.Forwarder
	receiver  *webhook.Receiver
	subs      *webhook.SubscriptionManager

	mu         sync.Mutex
	running    bool
	webhookSrv *http.Server
	monitorCtx context.CancelFunc
	monitorEnd chan struct{}
}

// New creates the orchestrator. subs may be nil when no public notification
// URL is configured; the webhook listener still runs for tunneled setups.
func New(opts Options, sessions *session.Manager, p *poller.Poller, pool *processor.Pool,
	fwd *forwarder.Forwarder, receiver *webhook.Receiver, subs *webhook.SubscriptionManager) *Orchestrator {
	return &Orchestrator{
		opts:      opts,
		sessions:  sessions,
		poller:    p,
		pool:      pool,
		forwarder: fwd,
		receiver:  receiver,
		subs:      subs,
	}
}

// Run drives a full service lifetime: recover a wedged session, start a new
// one, then watch until the context is canceled or the session ends. In
// one-shot mode it drains the backlog and stops on its own.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.recoverIfNeeded(ctx); err != nil {
		return err
	}

	if _, err := o.StartSession(ctx, api.StartOptions{}); err != nil {
		return err
	}

	if o.opts.OneShot {
		return o.runOneShot(ctx)
	}

	<-ctx.Done()
	log.Printf("[Orchestrator] shutdown signal received")
	stopCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	return o.StopSession(stopCtx, "shutdown_signal")
}

// recoverIfNeeded resets a session left in a failure state by a previous
// run, so startup is never blocked by a stale record.
func (o *Orchestrator) recoverIfNeeded(ctx context.Context) error {
	state, err := o.sessions.CurrentState(ctx)
	if err != nil {
		return err
	}
	if state == session.StateFailedToStart || state == session.StateSessionError {
		log.Printf("[Orchestrator] recovering session left in %s", state)
		return o.sessions.Recover(ctx)
	}
	return nil
}

// StartSession begins a new ingestion session with phased startup:
// processing first, then the webhook path, then an initial poll that drains
// the backlog before the webhook takes over.
func (o *Orchestrator) StartSession(ctx context.Context, opts api.StartOptions) (string, error) {
	cfg := o.sessionConfig(opts)

	id, err := o.sessions.Start(ctx, cfg)
	if errors.Is(err, session.ErrSessionConflict) {
		return "", err
	}
	if err != nil {
		if merr := o.sessions.MarkFailedToStart(ctx, err.Error()); merr != nil {
			log.Printf("[Orchestrator] recording startup failure: %v", merr)
		}
		return "", fmt.Errorf("orchestrator: starting session: %w", err)
	}
	log.Printf("[Orchestrator] session %s starting (mode=%s webhook=%v)", id, cfg.PollingMode, cfg.WebhookEnabled)

	// Component loops outlive the caller: a start request arriving over the
	// control API carries a request-scoped context that dies when the
	// response is written.
	runCtx := context.WithoutCancel(ctx)

	// Phase 1: processing must be up before anything enqueues.
	o.pool.Start(runCtx)
	o.forwarder.Start(runCtx)

	// Phase 2: webhook path. Failures here degrade to polling-only, never
	// abort the session.
	if cfg.WebhookEnabled {
		o.startWebhook(runCtx)
	}

	// Phase 3: drain the unread backlog. With the webhook up, hand primary
	// acquisition over once the backlog is gone.
	o.drainBacklog(ctx)
	if cfg.WebhookEnabled {
		if err := o.sessions.CompleteInitialPolling(ctx); err != nil {
			log.Printf("[Orchestrator] polling handoff: %v", err)
		}
	}
	o.poller.Start(runCtx)

	monitorCtx, cancel := context.WithCancel(runCtx)
	o.mu.Lock()
	o.running = true
	o.monitorCtx = cancel
	o.monitorEnd = make(chan struct{})
	o.mu.Unlock()
	go o.monitor(monitorCtx)

	return id, nil
}

func (o *Orchestrator) sessionConfig(opts api.StartOptions) session.Config {
	cfg := session.Config{
		PollingMode:     o.opts.PollingMode,
		PollingInterval: o.opts.PollingInterval,
		WebhookEnabled:  o.opts.WebhookEnabled,
	}
	if opts.PollingMode != "" {
		cfg.PollingMode = session.PollingMode(opts.PollingMode)
	}
	if opts.PollingInterval > 0 {
		cfg.PollingInterval = time.Duration(opts.PollingInterval) * time.Second
	}
	if opts.EnableWebhook != nil {
		cfg.WebhookEnabled = *opts.EnableWebhook
	}
	return cfg
}

// startWebhook brings up the notification listener and, when configured,
// the provider subscription.
func (o *Orchestrator) startWebhook(ctx context.Context) {
	srv := &http.Server{
		Addr:              o.opts.WebhookAddr,
		Handler:           o.receiver.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	o.mu.Lock()
	o.webhookSrv = srv
	o.mu.Unlock()

	go func() {
		log.Printf("[Orchestrator] webhook listening on %s", o.opts.WebhookAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Orchestrator] webhook listener: %v", err)
		}
	}()

	if o.subs != nil {
		if err := o.subs.Start(ctx); err != nil {
			log.Printf("[Orchestrator] subscription failed, continuing with polling: %v", err)
		}
	}
}

// drainBacklog polls until no continuation remains, so the session starts
// from a clean inbox.
func (o *Orchestrator) drainBacklog(ctx context.Context) {
	for {
		res, err := o.poller.PollOnce(ctx)
		if err != nil {
			log.Printf("[Orchestrator] initial poll: %v", err)
			return
		}
		log.Printf("[Orchestrator] initial poll: found=%d enqueued=%d has_more=%v",
			res.EmailsFound, res.Enqueued, res.HasMore)
		if !res.HasMore {
			return
		}
	}
}

// runOneShot waits for the queue to empty, then tears everything down.
func (o *Orchestrator) runOneShot(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			return o.StopSession(stopCtx, "shutdown_signal")
		case <-ticker.C:
		}
		stats := o.pool.Stats()
		depth, err := o.sessions.Status(ctx)
		if err != nil {
			continue
		}
		if depth.Pending == 0 && stats["processed"]+stats["failed"]+stats["skipped"] > 0 {
			log.Printf("[Orchestrator] one-shot drain complete")
			return o.StopSession(ctx, "one_time_complete")
		}
	}
}

// StopSession tears components down in dependency order: stop acquisition,
// let in-flight notifications land, drain processing, flush outbound, then
// close the session record.
func (o *Orchestrator) StopSession(ctx context.Context, reason string) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return fmt.Errorf("%w: no active session", session.ErrSessionConflict)
	}
	o.running = false
	cancel := o.monitorCtx
	monitorEnd := o.monitorEnd
	srv := o.webhookSrv
	o.webhookSrv = nil
	o.mu.Unlock()

	cancel()
	<-monitorEnd

	log.Printf("[Orchestrator] stopping session (%s)", reason)
	o.poller.Stop()

	if o.subs != nil {
		o.subs.Stop(ctx)
	}
	if srv != nil {
		shutdownCtx, scancel := context.WithTimeout(ctx, 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[Orchestrator] webhook shutdown: %v", err)
		}
		scancel()
	}

	time.Sleep(webhookDrainWait)
	o.pool.Stop()
	o.forwarder.Stop()

	if err := o.sessions.Terminate(ctx, reason); err != nil {
		return err
	}
	log.Printf("[Orchestrator] session terminated (%s)", reason)
	return nil
}

// TriggerPoll runs one on-demand poll cycle.
func (o *Orchestrator) TriggerPoll(ctx context.Context) (*poller.Result, error) {
	return o.poller.PollOnce(ctx)
}

// monitor watches session health. A session_error stops everything; an
// externally terminated session makes the components follow.
func (o *Orchestrator) monitor(ctx context.Context) {
	defer close(o.monitorEnd)

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		state, err := o.sessions.CurrentState(ctx)
		if err != nil {
			log.Printf("[Orchestrator] monitor state read: %v", err)
			continue
		}
		switch state {
		case session.StateSessionError:
			log.Printf("[Orchestrator] session error detected, stopping")
			go func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
				defer cancel()
				if err := o.StopSession(stopCtx, "session_error"); err != nil {
					log.Printf("[Orchestrator] error stop: %v", err)
				}
			}()
			return
		case session.StateTerminated, session.StateIdle:
			// Session record is gone or closed from outside the
			// orchestrator; stop the machinery without re-terminating.
			log.Printf("[Orchestrator] session no longer active (%s), stopping components", state)
			go o.stopComponents(context.Background())
			return
		}
	}
}

// stopComponents shuts machinery down without touching the session record.
func (o *Orchestrator) stopComponents(ctx context.Context) {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	srv := o.webhookSrv
	o.webhookSrv = nil
	o.mu.Unlock()

	o.poller.Stop()
	if o.subs != nil {
		o.subs.Stop(ctx)
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[Orchestrator] webhook shutdown: %v", err)
		}
		cancel()
	}
	time.Sleep(webhookDrainWait)
	o.pool.Stop()
	o.forwarder.Stop()
}
