package queue

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/renwei/cvflow/internal/domain"
	"github.com/renwei/cvflow/internal/logger"
)

func TestDecodeReadsReferenceAndAttempt(t *testing.T) {
	msg := &amqp.Delivery{
		Body:    []byte(`{"job_id":"job-1","user_id":"user-1"}`),
		Headers: amqp.Table{attemptHeader: int32(2)},
	}

	ref, attempt, err := Decode(msg)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if ref.JobID != "job-1" || ref.UserID != "user-1" {
		t.Errorf("ref = %+v", ref)
	}
	if attempt != 2 {
		t.Errorf("attempt = %d, want 2", attempt)
	}
}

func TestDecodeDefaultsAttemptToOne(t *testing.T) {
	msg := &amqp.Delivery{Body: []byte(`{"job_id":"job-1","user_id":"user-1"}`)}

	_, attempt, err := Decode(msg)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if attempt != 1 {
		t.Errorf("attempt = %d, want 1", attempt)
	}
}

func TestDecodeRejectsMalformedBody(t *testing.T) {
	msg := &amqp.Delivery{Body: []byte(`not json`)}
	if _, _, err := Decode(msg); err == nil {
		t.Error("expected error for malformed body")
	}
}

type fakeAcknowledger struct {
	acked    int
	nacked   int
	requeued bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error { f.acked++; return nil }

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked++
	f.requeued = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error { return nil }

type fakeRepublisher struct {
	attempts []int
	err      error
}

func (f *fakeRepublisher) publish(ctx context.Context, ref *domain.JobReference, attempt int) error {
	if f.err != nil {
		return f.err
	}
	f.attempts = append(f.attempts, attempt)
	return nil
}

func newFinishFixture(backoff Backoff) (*Consumer, *fakeRepublisher) {
	pub := &fakeRepublisher{}
	c := &Consumer{
		publisher: pub,
		cfg: Config{
			MaxAttempts: 3,
			Backoff:     backoff,
		},
		logger: logger.New(&logger.Config{Output: io.Discard}),
	}
	return c, pub
}

func finishRef() *domain.JobReference {
	return &domain.JobReference{JobID: "job-1", UserID: "user-1"}
}

func TestFinishAcksSuccessWithoutRetry(t *testing.T) {
	c, pub := newFinishFixture(NewExponential(time.Microsecond, time.Microsecond))
	ack := &fakeAcknowledger{}
	msg := &amqp.Delivery{Acknowledger: ack, DeliveryTag: 1}

	c.Finish(context.Background(), msg, finishRef(), 1, nil)

	if ack.acked != 1 {
		t.Errorf("acked = %d, want 1", ack.acked)
	}
	if len(pub.attempts) != 0 {
		t.Errorf("republished on success: %v", pub.attempts)
	}
}

func TestFinishRepublishesWithIncrementedAttempt(t *testing.T) {
	c, pub := newFinishFixture(NewExponential(time.Microsecond, time.Microsecond))

	for _, attempt := range []int{1, 2} {
		ack := &fakeAcknowledger{}
		msg := &amqp.Delivery{Acknowledger: ack, DeliveryTag: 1}

		c.Finish(context.Background(), msg, finishRef(), attempt, errors.New("stage failed"))

		if ack.acked != 1 {
			t.Errorf("attempt %d: original not acked", attempt)
		}
	}
	if len(pub.attempts) != 2 || pub.attempts[0] != 2 || pub.attempts[1] != 3 {
		t.Errorf("republished attempts = %v, want [2 3]", pub.attempts)
	}
}

func TestFinishDropsAtAttemptCeiling(t *testing.T) {
	// Three deliveries in total: the third failure must be dropped, never
	// scheduled as a fourth attempt.
	c, pub := newFinishFixture(NewExponential(time.Microsecond, time.Microsecond))
	ack := &fakeAcknowledger{}
	msg := &amqp.Delivery{Acknowledger: ack, DeliveryTag: 1}

	c.Finish(context.Background(), msg, finishRef(), 3, errors.New("stage failed"))

	if ack.acked != 1 {
		t.Errorf("exhausted delivery not acked: acked = %d", ack.acked)
	}
	if len(pub.attempts) != 0 {
		t.Errorf("republished past the ceiling: %v", pub.attempts)
	}
}

func TestFinishRequeuesOnShutdown(t *testing.T) {
	// A backoff far longer than the test forces the shutdown branch.
	c, pub := newFinishFixture(NewExponential(time.Hour, time.Hour))
	ack := &fakeAcknowledger{}
	msg := &amqp.Delivery{Acknowledger: ack, DeliveryTag: 1}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Finish(ctx, msg, finishRef(), 1, errors.New("stage failed"))

	if ack.nacked != 1 || !ack.requeued {
		t.Errorf("delivery not requeued on shutdown: nacked=%d requeued=%v", ack.nacked, ack.requeued)
	}
	if len(pub.attempts) != 0 {
		t.Errorf("republished during shutdown: %v", pub.attempts)
	}
}
