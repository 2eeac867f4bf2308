package queue

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/renwei/cvflow/internal/domain"
)

// attemptHeader carries the delivery attempt number across republishes.
// Attempt 1 is the initial dispatch.
const attemptHeader = "x-attempt"

// Publisher hands job references to the broker. The message is only a
// pointer into the job store; workers reload the full record on delivery.
type Publisher struct {
	channel    *amqp.Channel
	exchange   string
	routingKey string
}

// NewPublisher opens a channel and declares the durable exchange.
func NewPublisher(conn *amqp.Connection, exchange, routingKey string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	err = ch.ExchangeDeclare(
		exchange,
		"direct",
		true, // durable
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, err
	}

	return &Publisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
	}, nil
}

// Enqueue publishes a reference for the job's first delivery attempt.
func (p *Publisher) Enqueue(ctx context.Context, jobID, userID string) error {
	return p.publish(ctx, &domain.JobReference{JobID: jobID, UserID: userID}, 1)
}

// publish sends a reference message stamped with its attempt number.
func (p *Publisher) publish(ctx context.Context, ref *domain.JobReference, attempt int) error {
	body, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("failed to marshal job reference: %w", err)
	}

	return p.channel.PublishWithContext(ctx,
		p.exchange,
		p.routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{attemptHeader: int32(attempt)},
			Body:         body,
		},
	)
}

// Close closes the underlying channel.
func (p *Publisher) Close() error {
	return p.channel.Close()
}
