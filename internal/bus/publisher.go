// Package bus publishes processed-email metadata to a durable topic
// exchange. Delivery is at-least-once; consumers dedup by message id.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the outbound bus contract.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	Close() error
}

// AMQPPublisher publishes to a topic exchange over a single channel.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	url      string
	exchange string
}

// NewAMQPPublisher dials the broker and declares the topic exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	p := &AMQPPublisher{url: url, exchange: exchange}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("bus: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("bus: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("bus: declare exchange %s: %w", p.exchange, err)
	}
	p.conn = conn
	p.channel = ch
	return nil
}

// Publish sends one persistent message under the routing key, reconnecting
// once on a closed channel.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}

	err := p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}
	if reconnErr := p.connect(); reconnErr != nil {
		return fmt.Errorf("bus: publish failed (%v), reconnect failed: %w", err, reconnErr)
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("bus: publish %s: %w", routingKey, err)
	}
	return nil
}

// Close tears down the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// NoopPublisher drops everything. Used when bus publishing is disabled.
type NoopPublisher struct{}

// Publish discards the message.
func (NoopPublisher) Publish(context.Context, string, []byte) error { return nil }

// Close is a no-op.
func (NoopPublisher) Close() error { return nil }
