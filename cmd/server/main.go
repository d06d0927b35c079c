package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ignite/inbox-harvester/internal/api"
	"github.com/ignite/inbox-harvester/internal/attachments"
	"github.com/ignite/inbox-harvester/internal/bus"
	"github.com/ignite/inbox-harvester/internal/config"
	"github.com/ignite/inbox-harvester/internal/forwarder"
	"github.com/ignite/inbox-harvester/internal/graph"
	"github.com/ignite/inbox-harvester/internal/orchestrator"
	"github.com/ignite/inbox-harvester/internal/pkg/httpretry"
	"github.com/ignite/inbox-harvester/internal/poller"
	"github.com/ignite/inbox-harvester/internal/processor"
	"github.com/ignite/inbox-harvester/internal/queue"
	"github.com/ignite/inbox-harvester/internal/ratelimit"
	"github.com/ignite/inbox-harvester/internal/session"
	"github.com/ignite/inbox-harvester/internal/store"
	"github.com/ignite/inbox-harvester/internal/webhook"
)

func main() {
	var (
		envFile = flag.String("env", ".env", "env file to load (optional)")
		oneShot = flag.Bool("once", false, "drain the backlog once and exit")
	)
	flag.Parse()

	cfg, err := config.LoadFromEnv(*envFile)
	if err != nil {
		log.Fatalf("[Server] config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[Server] config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("[Server] store: %v", err)
	}
	defer st.Close()

	sessions := session.NewManager(st)
	q := queue.New(st)

	governor := ratelimit.New(st, cfg.Graph.RateLimitThreshold,
		cfg.Graph.RateLimitWindow(), cfg.Graph.RateLimitRetryDelay())
	tokens := graph.NewTokenProvider(st, graph.OAuthConfig(
		cfg.Graph.ClientID, cfg.Graph.ClientSecret, cfg.Graph.TenantID, cfg.Graph.RedirectURI))
	client := graph.NewClient(cfg.Graph.BaseURL, tokens, governor, cfg.Graph.Timeout(),
		httpretry.Policy{
			MaxRetries:     cfg.Graph.MaxRetries,
			InitialBackoff: cfg.Graph.InitialBackoff(),
			BackoffFactor:  cfg.Graph.BackoffFactor,
			MaxDelay:       time.Minute,
		})

	var publisher bus.Publisher = bus.NoopPublisher{}
	if cfg.Features.BusPublish {
		amqpPub, err := bus.NewAMQPPublisher(cfg.Bus.URL, cfg.Bus.Exchange)
		if err != nil {
			log.Fatalf("[Server] bus: %v", err)
		}
		defer amqpPub.Close()
		publisher = amqpPub
	}

	var writer attachments.Writer
	if cfg.Features.AttachmentSave {
		writer, err = buildAttachmentWriter(ctx, cfg)
		if err != nil {
			log.Fatalf("[Server] attachments: %v", err)
		}
	}

	proc := processor.NewEmailProcessor(client, sessions, publisher, writer,
		cfg.Spam.Patterns, cfg.Bus.RoutingKey, cfg.Features)
	pool := processor.NewPool(q, sessions, proc, st,
		cfg.Processing.BatchSize, cfg.Processing.MaxWorkers, cfg.Processing.FetchInterval(),
		cfg.Features.MS4Forward)

	fwd := forwarder.New(st, &http.Client{Timeout: 30 * time.Second},
		cfg.Persistence.BaseURL, cfg.Persistence.BatchSize)

	p := poller.New(client, q, sessions, st,
		cfg.Polling.Interval(), cfg.Polling.MaxPollPages, cfg.Polling.PageSize)

	receiver := webhook.NewReceiver(client, q, sessions, cfg.Webhook.MaxErrors)
	var subs *webhook.SubscriptionManager
	if cfg.Webhook.Enabled && cfg.Webhook.BaseURL != "" {
		subs = webhook.NewSubscriptionManager(client, st,
			cfg.Webhook.BaseURL+"/webhook/notifications", cfg.Webhook.ClientState)
	}

	orch := orchestrator.New(orchestrator.Options{
		PollingMode:     session.ModeScheduled,
		PollingInterval: cfg.Polling.Interval(),
		WebhookEnabled:  cfg.Webhook.Enabled,
		WebhookAddr:     cfg.Server.WebhookListenAddr(),
		OneShot:         *oneShot,
	}, sessions, p, pool, fwd, receiver, subs)

	control := api.NewServer(orch, sessions, q, st)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := api.Listen(ctx, cfg.Server.APIListenAddr(), control.Router()); err != nil {
			log.Printf("[Server] control api: %v", err)
		}
	}()

	if err := orch.Run(ctx); err != nil {
		log.Printf("[Server] orchestrator: %v", err)
	}
	cancel()
	wg.Wait()
	log.Printf("[Server] bye")
}

// buildAttachmentWriter picks S3 or local disk from configuration.
func buildAttachmentWriter(ctx context.Context, cfg *config.Config) (attachments.Writer, error) {
	if cfg.Attachments.Type == "s3" {
		return attachments.NewS3Writer(ctx, cfg.Attachments.S3Bucket, cfg.Attachments.S3Region)
	}
	return attachments.NewFSWriter(cfg.Attachments.LocalPath)
}
