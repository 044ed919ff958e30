/**
 * @description
 * Confirmed publisher for the ledger events exchange. Payloads arrive already
 * encoded as JSON from the outbox; a publish only succeeds once the broker has
 * acknowledged the message.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey, messageKey string, body []byte) error
	Close()
}

var errNacked = errors.New("broker rejected the message")

// EventProducer publishes persistent messages on a confirm-mode channel.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	declared map[string]bool
}

// EventProducerFallback is a no-op publisher for local runs without a broker.
// Messages handed to it are reported as delivered.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey, messageKey string, body []byte) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s message_id=%s", exchange, routingKey, messageKey)
	return nil
}

func (p *EventProducerFallback) Close() {}

// NewEventProducer dials RabbitMQ and opens a channel in confirm mode.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	brokerURL, err := parseAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(brokerURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	p := &EventProducer{conn: conn, declared: make(map[string]bool)}
	if err := p.openChannel(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// Publish sends body and waits for the broker confirm. messageKey becomes the
// AMQP message id so consumers can drop redeliveries of the same event.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey, messageKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil || p.channel.IsClosed() {
		if err := p.openChannel(); err != nil {
			return fmt.Errorf("reopen channel: %w", err)
		}
	}
	if err := p.declareExchange(exchange); err != nil {
		return err
	}

	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    messageKey,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errNacked
	}
	return nil
}

func (p *EventProducer) openChannel() error {
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("rabbitmq connection is not open")
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return err
	}
	p.channel = ch
	clear(p.declared)
	return nil
}

func (p *EventProducer) declareExchange(exchange string) error {
	if p.declared[exchange] {
		return nil
	}
	// durable topic exchange
	if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	p.declared[exchange] = true
	return nil
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
