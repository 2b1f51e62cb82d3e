// Package queue wraps RabbitMQ for reliable, decoupled message passing.
//
// The API service publishes log messages to the "log_messages" queue.
// The worker consumes them in batches and writes them to the search backend.
// Documents the backend rejects for good are published to "index_failures".
//
// Durability guarantees:
//   - Queues are declared as durable — survive broker restarts.
//   - Messages are marked as Persistent — written to disk before ack.
//   - Consumer uses manual ack — a message is only removed from the queue
//     after the worker has indexed it or recorded it as a failure.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go-log-indexer/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	messageQueueName = "log_messages"
	failureQueueName = "index_failures"
)

// Publisher owns the AMQP connection for the publishing side.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewPublisher dials RabbitMQ and declares both queues.
func NewPublisher(url string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}

	for _, name := range []string{messageQueueName, failureQueueName} {
		if _, err := declareQueue(ch, name); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}

	return &Publisher{conn: conn, channel: ch}, nil
}

// PublishMessage sends a log message to the ingestion queue.
func (p *Publisher) PublishMessage(ctx context.Context, msg *models.Message) error {
	return p.publish(ctx, messageQueueName, msg)
}

// PublishFailure records a rejected document on the failure queue.
func (p *Publisher) PublishFailure(ctx context.Context, f *models.IndexFailure) error {
	return p.publish(ctx, failureQueueName, f)
}

// publish marks every message Persistent so it survives a broker restart.
func (p *Publisher) publish(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return p.channel.PublishWithContext(ctx,
		"",    // default exchange — routes directly to named queue
		queue, // routing key == queue name for default exchange
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// Close releases the AMQP channel and connection.
func (p *Publisher) Close() {
	p.channel.Close()
	p.conn.Close()
}

// Consumer owns the AMQP connection for the worker side (consume only).
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue
}

// NewConsumer dials RabbitMQ and lets up to prefetch unacked messages be
// in flight, so the worker can fill a whole batch before acking.
func NewConsumer(url string, prefetch int) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("queue: set qos: %w", err)
	}

	q, err := declareQueue(ch, messageQueueName)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, channel: ch, queue: q}, nil
}

// Delivery wraps amqp.Delivery to expose the decoded Message and ack/nack helpers.
type Delivery struct {
	Message *models.Message
	raw     amqp.Delivery
}

// NewDelivery wraps a message received outside Consume. ack receives the
// Ack/Nack calls for tag.
func NewDelivery(msg *models.Message, ack amqp.Acknowledger, tag uint64) Delivery {
	return Delivery{Message: msg, raw: amqp.Delivery{Acknowledger: ack, DeliveryTag: tag}}
}

// Ack removes the message from RabbitMQ after successful processing.
func (d *Delivery) Ack() error { return d.raw.Ack(false) }

// Nack requeues the message so another worker can retry.
func (d *Delivery) Nack() error { return d.raw.Nack(false, true) }

// Discard permanently rejects a message (e.g. unparseable payload).
func (d *Delivery) Discard() error { return d.raw.Nack(false, false) }

// Consume returns a channel of Delivery values. Each value must be Ack'd or Nack'd.
func (c *Consumer) Consume() (<-chan Delivery, error) {
	rawMsgs, err := c.channel.Consume(
		c.queue.Name,
		"",    // consumer tag — auto-generated
		false, // auto-ack disabled — we ack manually after indexing
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: consume: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range rawMsgs {
			var msg models.Message
			if err := json.Unmarshal(d.Body, &msg); err != nil || msg.ID == "" {
				// Discard unparseable messages — they will never be valid.
				slog.Warn("discarding invalid message", "component", "queue", "error", err)
				d.Nack(false, false)
				continue
			}
			out <- Delivery{Message: &msg, raw: d}
		}
	}()

	return out, nil
}

// Close releases the AMQP channel and connection.
func (c *Consumer) Close() {
	c.channel.Close()
	c.conn.Close()
}

// declareQueue is shared between Publisher and Consumer to ensure both sides
// always declare the same durable queue (idempotent — safe to call multiple times).
func declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,
		true,  // durable — survives broker restart
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("queue: declare %s: %w", name, err)
	}
	return q, nil
}
