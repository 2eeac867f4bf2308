package queue

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/renwei/cvflow/internal/domain"
	"github.com/renwei/cvflow/internal/logger"
)

// Config bounds the consumer's retry discipline. MaxAttempts is the total
// delivery ceiling per job (initial attempt included); once exhausted the
// message is dropped — the job store still records the job as failed.
type Config struct {
	Exchange    string
	RoutingKey  string
	Queue       string
	MaxAttempts int
	Backoff     Backoff
	MessageTTL  time.Duration
	Prefetch    int
}

// republisher re-sends a job reference for a later attempt.
type republisher interface {
	publish(ctx context.Context, ref *domain.JobReference, attempt int) error
}

// Consumer dequeues job references with at-least-once delivery. On handler
// failure it republishes the reference with an incremented attempt header
// after a backoff delay, up to the attempt ceiling.
type Consumer struct {
	channel   *amqp.Channel
	publisher republisher
	cfg       Config
	logger    *logger.Logger
}

// NewConsumer opens a channel, declares the durable queue bound to the
// exchange, and applies prefetch. MessageTTL bounds retention of messages
// nobody consumes; it is operational hygiene, not correctness.
func NewConsumer(conn *amqp.Connection, cfg Config, log *logger.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	if err := ch.ExchangeDeclare(
		cfg.Exchange,
		"direct",
		true, // durable
		false,
		false,
		false,
		nil,
	); err != nil {
		return nil, err
	}

	args := amqp.Table{}
	if cfg.MessageTTL > 0 {
		args["x-message-ttl"] = cfg.MessageTTL.Milliseconds()
	}

	_, err = ch.QueueDeclare(
		cfg.Queue,
		true, // durable
		false,
		false,
		false,
		args,
	)
	if err != nil {
		return nil, err
	}

	if err := ch.QueueBind(
		cfg.Queue,
		cfg.RoutingKey,
		cfg.Exchange,
		false,
		nil,
	); err != nil {
		return nil, err
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, err
	}

	if cfg.Backoff == nil {
		cfg.Backoff = NewExponential(2*time.Second, time.Minute)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	return &Consumer{
		channel: ch,
		cfg:     cfg,
		logger:  log,
	}, nil
}

// SetPublisher wires the publisher used for retry republishes.
func (c *Consumer) SetPublisher(p *Publisher) {
	c.publisher = p
}

// Deliveries opens the consume stream.
func (c *Consumer) Deliveries() (<-chan amqp.Delivery, error) {
	return c.channel.Consume(
		c.cfg.Queue,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
}

// Decode extracts the job reference and attempt number from a delivery.
func Decode(msg *amqp.Delivery) (*domain.JobReference, int, error) {
	var ref domain.JobReference
	if err := json.Unmarshal(msg.Body, &ref); err != nil {
		return nil, 0, err
	}
	attempt := 1
	if v, ok := msg.Headers[attemptHeader]; ok {
		switch n := v.(type) {
		case int32:
			attempt = int(n)
		case int64:
			attempt = int(n)
		}
	}
	if attempt < 1 {
		attempt = 1
	}
	return &ref, attempt, nil
}

// Finish settles a delivery after processing. A nil handler error acks the
// message. A non-nil error republishes the reference with attempt+1 after
// the backoff delay, or drops it once the attempt ceiling is reached. The
// original delivery is always acked; the republished copy is the retry.
func (c *Consumer) Finish(ctx context.Context, msg *amqp.Delivery, ref *domain.JobReference, attempt int, handlerErr error) {
	log := c.logger.WithFields(logger.Fields{
		logger.FieldJobID:   ref.JobID,
		logger.FieldAttempt: attempt,
	})

	if handlerErr == nil {
		if err := msg.Ack(false); err != nil {
			log.WithError(err).Error("Failed to ack delivery")
		}
		return
	}

	if attempt >= c.cfg.MaxAttempts || c.publisher == nil {
		log.WithError(handlerErr).Error("Attempt ceiling reached, dropping message")
		if err := msg.Ack(false); err != nil {
			log.WithError(err).Error("Failed to ack exhausted delivery")
		}
		return
	}

	delay := c.cfg.Backoff.Delay(attempt)
	log.WithError(handlerErr).WithField("retry_in", delay.String()).Warn("Processing failed, scheduling retry")

	select {
	case <-ctx.Done():
		// Shutting down; requeue via the broker instead of waiting out
		// the backoff locally.
		if err := msg.Nack(false, true); err != nil {
			log.WithError(err).Error("Failed to nack delivery on shutdown")
		}
		return
	case <-time.After(delay):
	}

	if err := c.publisher.publish(ctx, ref, attempt+1); err != nil {
		log.WithError(err).Error("Failed to republish retry, requeueing original")
		if err := msg.Nack(false, true); err != nil {
			log.WithError(err).Error("Failed to nack delivery")
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		log.WithError(err).Error("Failed to ack retried delivery")
	}
}

// Close closes the underlying channel.
func (c *Consumer) Close() error {
	return c.channel.Close()
}
