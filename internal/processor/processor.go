// Package processor drains the email queue: a worker pool transforms each
// message, filters spam, saves attachments, publishes metadata to the bus
// and stages payloads for the outbound forwarder.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/ignite/inbox-harvester/internal/attachments"
	"github.com/ignite/inbox-harvester/internal/bus"
	"github.com/ignite/inbox-harvester/internal/config"
	"github.com/ignite/inbox-harvester/internal/graph"
	"github.com/ignite/inbox-harvester/internal/metrics"
	"github.com/ignite/inbox-harvester/internal/pkg/logger"
	"github.com/ignite/inbox-harvester/internal/queue"
	"github.com/ignite/inbox-harvester/internal/session"
)

// Outcome classifies one worker's result.
type Outcome int

const (
	OutcomeProcessed Outcome = iota
	OutcomeSkipped
	OutcomeSpam
	OutcomeFailed
)

// Result pairs an item with its outcome.
type Result struct {
	ID       string
	Outcome  Outcome
	Metadata *Metadata
	Err      error
}

// Mover is the provider surface the processor needs for spam disposition.
// Satisfied by graph.Client.
type Mover interface {
	MoveToJunk(ctx context.Context, id string) error
	ListAttachments(ctx context.Context, id string) ([]*graph.Attachment, error)
}

// EmailProcessor transforms one queued email into persistence metadata.
type EmailProcessor struct {
	provider     Mover
	sessions     *session.Manager
	publisher    bus.Publisher
	writer       attachments.Writer
	spamPatterns []string
	routingKey   string
	features     config.FeatureFlags
}

// NewEmailProcessor wires the per-message pipeline.
func NewEmailProcessor(provider Mover, sessions *session.Manager, publisher bus.Publisher,
	writer attachments.Writer, spamPatterns []string, routingKey string, features config.FeatureFlags) *EmailProcessor {
	return &EmailProcessor{
		provider:     provider,
		sessions:     sessions,
		publisher:    publisher,
		writer:       writer,
		spamPatterns: spamPatterns,
		routingKey:   routingKey,
		features:     features,
	}
}

// Process handles one queue item end to end.
func (p *EmailProcessor) Process(ctx context.Context, item queue.Item) Result {
	env, err := DecodeEnvelope(item.Payload)
	if err != nil {
		return Result{ID: item.ID, Outcome: OutcomeFailed, Err: err}
	}

	// Late dedup: another path may have finished this id after our dequeue.
	processed, err := p.sessions.IsProcessed(ctx, item.ID)
	if err != nil {
		return Result{ID: item.ID, Outcome: OutcomeFailed, Err: err}
	}
	if processed {
		return Result{ID: item.ID, Outcome: OutcomeSkipped}
	}

	if p.features.SpamFilter && p.isSpam(env.Sender) {
		if err := p.provider.MoveToJunk(ctx, item.ID); err != nil {
			logger.Warn("spam move failed", "id", item.ID, "error", err.Error())
		}
		return Result{ID: item.ID, Outcome: OutcomeSpam}
	}

	meta := &Metadata{
		EmailID:        env.ID,
		Subject:        env.Subject,
		Sender:         env.Sender,
		Recipient:      env.Recipient,
		ReceivedDate:   env.ReceivedAt,
		HasAttachments: env.HasAttachments,
		Status:         "processed",
	}

	if p.features.AttachmentSave && env.HasAttachments && p.writer != nil {
		if name := p.saveAttachments(ctx, env.ID); name != "" {
			meta.AttachmentName = name
		}
	}

	if p.features.BusPublish {
		body, err := json.Marshal(meta)
		if err != nil {
			return Result{ID: item.ID, Outcome: OutcomeFailed, Err: fmt.Errorf("processor: encoding metadata: %w", err)}
		}
		if err := p.publisher.Publish(ctx, p.routingKey, body); err != nil {
			metrics.BusPublishes.WithLabelValues("error").Inc()
			return Result{ID: item.ID, Outcome: OutcomeFailed, Err: err}
		}
		metrics.BusPublishes.WithLabelValues("ok").Inc()
	}

	return Result{ID: item.ID, Outcome: OutcomeProcessed, Metadata: meta}
}

// isSpam applies the configured sender substring filter.
func (p *EmailProcessor) isSpam(sender string) bool {
	s := strings.ToLower(sender)
	for _, pattern := range p.spamPatterns {
		if pattern != "" && strings.Contains(s, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// saveAttachments downloads and stores file attachments, best effort.
// Returns the first stored name for the metadata record.
func (p *EmailProcessor) saveAttachments(ctx context.Context, id string) string {
	atts, err := p.provider.ListAttachments(ctx, id)
	if err != nil {
		log.Printf("[Processor] attachment listing failed for %s: %v", id, err)
		return ""
	}
	var first string
	for _, a := range atts {
		if !a.IsFile() || a.ContentBytes == "" {
			continue
		}
		data, err := attachments.Decode(a.ContentBytes)
		if err != nil {
			log.Printf("[Processor] attachment decode failed for %s: %v", id, err)
			continue
		}
		stored, err := p.writer.Save(ctx, id, a.Name, data)
		if err != nil {
			log.Printf("[Processor] attachment save failed for %s: %v", id, err)
			continue
		}
		if first == "" {
			first = stored
		}
	}
	return first
}
