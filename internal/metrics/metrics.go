// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EmailsIngested counts accepted enqueues by acquisition path.
	EmailsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inboxharvester",
			Subsystem: "ingest",
			Name:      "emails_total",
			Help:      "Emails accepted into the queue by source",
		},
		[]string{"source"}, // polling, webhook
	)

	// EmailsProcessed counts worker outcomes.
	EmailsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inboxharvester",
			Subsystem: "process",
			Name:      "emails_total",
			Help:      "Emails drained from the queue by result",
		},
		[]string{"result"}, // processed, failed, skipped, spam
	)

	// BatchDuration tracks how long a worker batch takes end to end.
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "inboxharvester",
			Subsystem: "process",
			Name:      "batch_duration_seconds",
			Help:      "Time to drain one batch including mark-processed",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// QueueDepth tracks main-queue and in-flight cardinality.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inboxharvester",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of ids in each queue structure",
		},
		[]string{"queue"}, // main, in_flight, outbound
	)

	// ReclaimedMessages counts visibility-timeout reclaims.
	ReclaimedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inboxharvester",
			Subsystem: "queue",
			Name:      "reclaimed_total",
			Help:      "In-flight ids returned to the main queue after timeout",
		},
	)

	// WebhookNotifications counts notification batches by outcome.
	WebhookNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inboxharvester",
			Subsystem: "webhook",
			Name:      "notifications_total",
			Help:      "Webhook notification items by outcome",
		},
		[]string{"outcome"}, // enqueued, skipped, failed
	)

	// ProviderCalls counts provider API calls by operation and result.
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inboxharvester",
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Mail-provider API calls",
		},
		[]string{"operation", "result"},
	)

	// ForwarderBatches counts outbound persistence batches by result.
	ForwarderBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inboxharvester",
			Subsystem: "forwarder",
			Name:      "batches_total",
			Help:      "Outbound metadata batches by result",
		},
		[]string{"result"}, // delivered, dropped, lost
	)

	// BusPublishes counts topic-exchange publishes by result.
	BusPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inboxharvester",
			Subsystem: "bus",
			Name:      "publishes_total",
			Help:      "Message-bus publishes by result",
		},
		[]string{"result"}, // ok, error
	)
)
