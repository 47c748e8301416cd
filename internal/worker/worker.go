// Package worker implements the queue consumption loop: per-queue pools
// pulling job envelopes, dispatching them to processors, and owning retry
// and exhaustion.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/chatlas/ingest/internal/pipeline"
	"github.com/chatlas/ingest/internal/telemetry"
)

// Handler processes one job and reports how exhausted jobs are finalized.
type Handler interface {
	Handle(ctx context.Context, job pipeline.Job) error
	// Exhausted finalizes the domain record after the last failed attempt or
	// a non-retryable error.
	Exhausted(ctx context.Context, job pipeline.Job, cause error)
}

// Pool consumes one queue with fixed concurrency and an optional rate limit.
type Pool struct {
	queue       pipeline.Queue
	name        string
	concurrency int
	limiter     *rate.Limiter
	handler     Handler
	retry       *RetryPolicy
	logger      *zap.Logger
}

// PoolConfig sizes a Pool. LimiterMax of zero disables rate limiting.
type PoolConfig struct {
	Queue         string
	Concurrency   int
	LimiterMax    int
	LimiterPeriod time.Duration
}

// NewPool constructs a Pool over the named queue.
func NewPool(queue pipeline.Queue, cfg PoolConfig, handler Handler, retry *RetryPolicy, logger *zap.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if retry == nil {
		retry = NewRetryPolicy(0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.LimiterMax > 0 && cfg.LimiterPeriod > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.LimiterPeriod/time.Duration(cfg.LimiterMax)), cfg.LimiterMax)
	}
	return &Pool{
		queue:       queue,
		name:        cfg.Queue,
		concurrency: cfg.Concurrency,
		limiter:     limiter,
		handler:     handler,
		retry:       retry,
		logger:      logger.With(zap.String("queue", cfg.Queue)),
	}
}

// Run blocks until the context finishes, consuming jobs with the pool's
// configured concurrency.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			p.consume(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) consume(ctx context.Context) {
	for {
		job, err := p.queue.Dequeue(ctx, p.name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, pipeline.ErrBrokerUnavailable) {
				p.logger.Warn("broker unavailable, backing off")
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			p.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		if p.limiter != nil {
			waitStart := time.Now()
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
			if delay := time.Since(waitStart); delay > 0 {
				telemetry.ObserveRateLimitDelay(p.name, delay)
			}
		}
		p.processJob(ctx, job)
	}
}

func (p *Pool) processJob(ctx context.Context, job pipeline.Job) {
	log := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempt", job.Attempt),
	)
	log.Debug("dequeued job")

	if err := job.Validate(); err != nil {
		log.Error("invalid job envelope, dropping", zap.Error(err))
		telemetry.ObserveJob(p.name, "invalid", 0)
		return
	}

	start := time.Now()
	err := p.handler.Handle(ctx, job)
	elapsed := time.Since(start)
	if err == nil {
		telemetry.ObserveJob(p.name, "ok", elapsed)
		log.Info("job done", zap.Duration("took", elapsed))
		return
	}

	if p.retry.ShouldRetry(err, job.Attempt) {
		backoff := p.retry.Backoff(job.Attempt)
		retried := job
		retried.Attempt++
		if enqErr := p.queue.EnqueueDelayed(ctx, p.name, retried, backoff); enqErr != nil {
			log.Error("re-enqueue failed, exhausting job", zap.Error(enqErr), zap.NamedError("cause", err))
			telemetry.ObserveJob(p.name, "failed", elapsed)
			p.handler.Exhausted(ctx, job, err)
			return
		}
		telemetry.ObserveJob(p.name, "retried", elapsed)
		log.Warn("job failed, retrying",
			zap.Error(err),
			zap.Duration("backoff", backoff),
			zap.Int("next_attempt", retried.Attempt),
		)
		return
	}

	telemetry.ObserveJob(p.name, "failed", elapsed)
	log.Error("job failed permanently", zap.Error(err))
	p.handler.Exhausted(ctx, job, err)
}
