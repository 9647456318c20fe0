// Package events publishes domain facts to RabbitMQ. Publishing is
// fire-and-forget from the engines' point of view: it happens after the
// storage commit, never inside a lock-held critical section, and a broker
// failure is logged rather than failing the money movement.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Publisher delivers a structured fact to a topic. Downstream consumers
// assume at-least-once delivery and must tolerate duplicates.
type Publisher interface {
	Publish(ctx context.Context, topic string, fact any) error
}

// exchangeName is the single topic exchange all facts go through; the
// routing key is the logical topic.
const exchangeName = "bankops.events"

// AMQPPublisher publishes JSON facts over a confirm-mode AMQP channel.
type AMQPPublisher struct {
	conn   *amqp.Connection
	logger zerolog.Logger

	mu       sync.Mutex
	ch       *amqp.Channel
	confirms chan amqp.Confirmation

	confirmTimeout time.Duration
}

// NewAMQPPublisher dials the broker and opens a confirm-mode channel bound
// to the events exchange.
func NewAMQPPublisher(url string, logger zerolog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	p := &AMQPPublisher{
		conn:           conn,
		logger:         logger.With().Str("component", "events").Logger(),
		confirmTimeout: 5 * time.Second,
	}
	if err := p.openChannel(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) openChannel() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("amqp exchange declare: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("amqp confirm mode: %w", err)
	}

	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return nil
}

// Publish marshals fact and sends it with the topic as routing key, waiting
// for the broker confirmation.
func (p *AMQPPublisher) Publish(ctx context.Context, topic string, fact any) error {
	body, err := json.Marshal(fact)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, exchangeName, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			return fmt.Errorf("publish %s: confirm channel closed", topic)
		}
		if !confirm.Ack {
			return fmt.Errorf("publish %s: nacked by broker", topic)
		}
	case <-time.After(p.confirmTimeout):
		return fmt.Errorf("publish %s: confirmation timed out", topic)
	case <-ctx.Done():
		return ctx.Err()
	}

	p.logger.Debug().Str("topic", topic).Int("bytes", len(body)).Msg("event published")
	return nil
}

// Close shuts down the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		p.ch.Close()
	}
	return p.conn.Close()
}

// NopPublisher drops every fact. Used when no broker is configured and in
// tests that do not care about events.
type NopPublisher struct{}

// Publish discards the fact.
func (NopPublisher) Publish(context.Context, string, any) error { return nil }
