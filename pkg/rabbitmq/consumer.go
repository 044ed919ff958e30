package rabbitmq

import (
	"context"
	"errors"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery. Returning false re-queues the message.
type Handler func(routingKey string, messageID string, body []byte) bool

const consumerPrefetch = 10

// Consumer reads lifecycle events from a durable queue bound to a topic exchange.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	brokerURL, err := parseAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(brokerURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch}, nil
}

// bind declares exchange and queue and binds every pattern.
func (c *Consumer) bind(exchange, queue string, patterns []string) error {
	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := c.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}
	for _, pattern := range patterns {
		if err := c.ch.QueueBind(queue, pattern, exchange, false, nil); err != nil {
			return err
		}
	}
	return c.ch.Qos(consumerPrefetch, 0, false)
}

// ConsumeTopic feeds deliveries matching patterns to handler until ctx is
// cancelled or the broker closes the channel.
func (c *Consumer) ConsumeTopic(ctx context.Context, exchange, queue string, patterns []string, handler Handler) error {
	if len(patterns) == 0 || handler == nil {
		return errors.New("consume: patterns and handler are required")
	}
	if err := c.bind(exchange, queue, patterns); err != nil {
		return err
	}

	deliveries, err := c.ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("delivery channel closed")
			}
			c.settle(d, handler(d.RoutingKey, d.MessageId, d.Body))
		}
	}
}

func (c *Consumer) settle(d amqp.Delivery, handled bool) {
	var err error
	if handled {
		err = d.Ack(false)
	} else {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; re-queuing\" routing_key=%s message_id=%s", d.RoutingKey, d.MessageId)
		err = d.Nack(false, true)
	}
	if err != nil {
		log.Printf("level=error component=rabbitmq_consumer msg=\"settle failed\" message_id=%s err=%v", d.MessageId, err)
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
