package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/inbox-harvester/internal/graph"
	"github.com/ignite/inbox-harvester/internal/store"
)

// Subscription lifetimes: ~3 days per provider limits; the renewal loop
// wakes every 5 minutes and renews when less than an hour remains.
const (
	subscriptionLifetime = 71 * time.Hour
	renewalCheckInterval = 5 * time.Minute
	renewalThreshold     = 1 * time.Hour
)

// Subscriber is the provider surface for subscription lifecycle.
// Satisfied by graph.Client.
type Subscriber interface {
	CreateSubscription(ctx context.Context, notificationURL, clientState string, expires time.Time) (*graph.Subscription, error)
	RenewSubscription(ctx context.Context, id string, expires time.Time) error
	DeleteSubscription(ctx context.Context, id string) error
}

// SubscriptionManager creates, renews and tears down the provider
// subscription, persisting the record so a restart can resume renewal.
type SubscriptionManager struct {
	provider        Subscriber
	store           *store.Store
	notificationURL string
	clientState     string

	mu      sync.Mutex
	subID   string
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewSubscriptionManager creates the manager. notificationURL is the public
// URL the provider posts to.
func NewSubscriptionManager(provider Subscriber, st *store.Store, notificationURL, clientState string) *SubscriptionManager {
	return &SubscriptionManager{
		provider:        provider,
		store:           st,
		notificationURL: notificationURL,
		clientState:     clientState,
	}
}

// Start creates the subscription and launches the renewal watcher.
func (m *SubscriptionManager) Start(ctx context.Context) error {
	sub, err := m.create(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.subID = sub.ID
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.renewalLoop(ctx)
	log.Printf("[Webhook] subscription %s active until %s", sub.ID, sub.ExpirationDateTime)
	return nil
}

// create registers the subscription and persists its record.
func (m *SubscriptionManager) create(ctx context.Context) (*graph.Subscription, error) {
	expires := time.Now().Add(subscriptionLifetime)
	sub, err := m.provider.CreateSubscription(ctx, m.notificationURL, m.clientState, expires)
	if err != nil {
		return nil, fmt.Errorf("webhook: create subscription: %w", err)
	}
	if err := m.persist(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// persist writes the subscription record with TTL equal to its remaining
// lifetime.
func (m *SubscriptionManager) persist(ctx context.Context, sub *graph.Subscription) error {
	if err := m.store.HSet(ctx, store.KeyWebhookSub, map[string]interface{}{
		"subscription_id":  sub.ID,
		"notification_url": m.notificationURL,
		"expires_at":       sub.ExpirationDateTime,
		"client_state":     m.clientState,
	}); err != nil {
		return err
	}
	ttl := subscriptionLifetime
	if t, err := time.Parse(time.RFC3339, sub.ExpirationDateTime); err == nil {
		if remaining := time.Until(t); remaining > 0 {
			ttl = remaining
		}
	}
	return m.store.Expire(ctx, store.KeyWebhookSub, ttl)
}

// Stop deletes the subscription and halts the renewal watcher.
func (m *SubscriptionManager) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	subID := m.subID
	m.mu.Unlock()

	<-done

	if subID != "" {
		if err := m.provider.DeleteSubscription(ctx, subID); err != nil {
			log.Printf("[Webhook] subscription delete: %v", err)
		}
	}
	if err := m.store.HDel(ctx, store.KeyWebhookSub); err != nil {
		log.Printf("[Webhook] subscription record cleanup: %v", err)
	}
	log.Printf("[Webhook] subscription stopped")
}

func (m *SubscriptionManager) renewalLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(renewalCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := m.renewIfNeeded(ctx); err != nil {
			log.Printf("[Webhook] renewal: %v", err)
		}
	}
}

// renewIfNeeded renews when less than renewalThreshold remains. A renewal
// 404 means the provider dropped the subscription; recreate it.
func (m *SubscriptionManager) renewIfNeeded(ctx context.Context) error {
	fields, err := m.store.HGetAll(ctx, store.KeyWebhookSub)
	if err != nil {
		return err
	}
	expiresAt, err := time.Parse(time.RFC3339, fields["expires_at"])
	if err != nil {
		// Record missing or mangled: recreate from scratch.
		return m.recreate(ctx)
	}
	if time.Until(expiresAt) >= renewalThreshold {
		return nil
	}

	m.mu.Lock()
	subID := m.subID
	m.mu.Unlock()

	newExpiry := time.Now().Add(subscriptionLifetime)
	err = m.provider.RenewSubscription(ctx, subID, newExpiry)
	if errors.Is(err, graph.ErrNotFound) {
		log.Printf("[Webhook] subscription %s gone, recreating", subID)
		return m.recreate(ctx)
	}
	if err != nil {
		return err
	}

	return m.persist(ctx, &graph.Subscription{
		ID:                 subID,
		ExpirationDateTime: newExpiry.UTC().Format(time.RFC3339),
	})
}

func (m *SubscriptionManager) recreate(ctx context.Context) error {
	sub, err := m.create(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.subID = sub.ID
	m.mu.Unlock()
	return nil
}

// SubscriptionID returns the active subscription id, empty when stopped.
func (m *SubscriptionManager) SubscriptionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subID
}
