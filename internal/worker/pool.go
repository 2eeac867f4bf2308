package worker

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/renwei/cvflow/internal/domain"
	"github.com/renwei/cvflow/internal/logger"
	"github.com/renwei/cvflow/internal/queue"
	"github.com/renwei/cvflow/internal/repository"
	"golang.org/x/time/rate"
)

// Processor executes one delivery of a job reference. The attempt number is
// the queue's delivery count for this enqueue cycle, starting at 1.
type Processor interface {
	Process(ctx context.Context, ref *domain.JobReference, attempt int) error
}

// Config bounds the pool.
type Config struct {
	Concurrency       int
	RateLimit         float64
	RateBurst         int
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	ReaperInterval    time.Duration
	MaxAttempts       int
}

// Pool runs a fixed set of worker goroutines over the dispatch queue's
// delivery stream. Dequeues are throttled by a token-bucket rate limiter to
// protect downstream collaborator APIs from bursty load. The pool also owns
// the heartbeat loop for its active jobs and the reaper that recovers jobs
// orphaned by a crashed worker.
//
// The active-job map is process-local bookkeeping only; the job store
// remains the source of truth and the reaper rebuilds recovery state from
// it, never from this map.
type Pool struct {
	consumer  *queue.Consumer
	publisher *queue.Publisher
	jobs      *repository.JobRepository
	processor Processor
	limiter   *rate.Limiter
	logger    *logger.Logger
	cfg       Config

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	activeMu sync.Mutex
	active   map[string]struct{}
}

// NewPool creates a worker pool.
func NewPool(
	consumer *queue.Consumer,
	publisher *queue.Publisher,
	jobs *repository.JobRepository,
	processor Processor,
	log *logger.Logger,
	cfg Config,
) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Pool{
		consumer:  consumer,
		publisher: publisher,
		jobs:      jobs,
		processor: processor,
		limiter:   limiter,
		logger:    log.WithField(logger.FieldComponent, "worker"),
		cfg:       cfg,
		active:    make(map[string]struct{}),
	}
}

// Start opens the delivery stream and launches the worker goroutines.
// It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	deliveries, err := p.consumer.Deliveries()
	if err != nil {
		return err
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	p.logger.WithFields(logger.Fields{
		"concurrency": p.cfg.Concurrency,
		"rate_limit":  p.cfg.RateLimit,
	}).Info("Worker pool starting")

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.runLoop(ctx, deliveries)
	}

	if p.cfg.HeartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop(ctx)
	}

	if p.cfg.StaleThreshold > 0 {
		p.wg.Add(1)
		go p.reaperLoop(ctx)
	}

	return nil
}

// Stop cancels the pool context and waits for workers to drain.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// runLoop is run by each worker goroutine.
func (p *Pool) runLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-deliveries:
			if !ok {
				p.logger.Warn("Delivery channel closed")
				return
			}
			p.handle(ctx, &msg)
		}
	}
}

func (p *Pool) handle(ctx context.Context, msg *amqp.Delivery) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			// Shutting down; let the broker redeliver.
			if nackErr := msg.Nack(false, true); nackErr != nil {
				p.logger.WithError(nackErr).Error("Failed to nack delivery on shutdown")
			}
			return
		}
	}

	ref, attempt, err := queue.Decode(msg)
	if err != nil {
		// Malformed message; drop it, there is nothing to reload.
		p.logger.WithError(err).Error("Failed to decode job reference, dropping")
		if nackErr := msg.Nack(false, false); nackErr != nil {
			p.logger.WithError(nackErr).Error("Failed to nack malformed delivery")
		}
		return
	}

	p.track(ref.JobID)
	procErr := p.processor.Process(ctx, ref, attempt)
	p.untrack(ref.JobID)

	p.consumer.Finish(ctx, msg, ref, attempt, procErr)
}

func (p *Pool) track(jobID string) {
	p.activeMu.Lock()
	p.active[jobID] = struct{}{}
	p.activeMu.Unlock()
}

func (p *Pool) untrack(jobID string) {
	p.activeMu.Lock()
	delete(p.active, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) activeIDs() []string {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}

// heartbeatLoop refreshes the heartbeat timestamp of this process's active
// jobs so the reaper does not mistake a long stage for a dead worker.
func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids := p.activeIDs()
			if len(ids) == 0 {
				continue
			}
			if err := p.jobs.Heartbeat(ctx, ids); err != nil {
				p.logger.WithError(err).Warn("Failed to refresh job heartbeats")
			}
		}
	}
}

// reaperLoop recovers jobs stuck in processing after a worker crash. Jobs
// with remaining attempts are returned to pending and re-enqueued; the rest
// are failed so clients are not left polling forever.
func (p *Pool) reaperLoop(ctx context.Context) {
	defer p.wg.Done()

	interval := p.cfg.ReaperInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reapStale(ctx)
		}
	}
}

func (p *Pool) reapStale(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.StaleThreshold)
	stale, err := p.jobs.ListStale(ctx, cutoff, 50)
	if err != nil {
		p.logger.WithError(err).Warn("Failed to list stale jobs")
		return
	}

	for _, job := range stale {
		log := p.logger.WithFields(logger.Fields{
			logger.FieldJobID:  job.ID,
			logger.FieldUserID: job.UserID,
		})

		if job.RetryCount >= p.cfg.MaxAttempts-1 {
			ok, err := p.jobs.MarkFailed(ctx, job.ID, &domain.JobError{
				Message: "worker heartbeat expired",
			})
			if err != nil {
				log.WithError(err).Error("Failed to fail stale job")
			} else if ok {
				log.Warn("Stale job failed after exhausting attempts")
			}
			continue
		}

		ok, err := p.jobs.Requeue(ctx, job.ID)
		if err != nil {
			log.WithError(err).Error("Failed to requeue stale job")
			continue
		}
		if !ok {
			// Raced with the owning worker finishing it; leave it alone.
			continue
		}
		if err := p.jobs.IncrementRetry(ctx, job.ID); err != nil {
			log.WithError(err).Warn("Failed to record retry for requeued job")
		}
		if err := p.publisher.Enqueue(ctx, job.ID, job.UserID); err != nil {
			log.WithError(err).Error("Failed to re-enqueue stale job")
			continue
		}
		log.Warn("Stale job requeued")
	}
}
