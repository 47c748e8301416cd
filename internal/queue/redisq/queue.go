// Package redisq implements the durable job queue on Redis lists, with a
// sorted set per queue holding delayed (backoff) deliveries.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chatlas/ingest/internal/broker"
	"github.com/chatlas/ingest/internal/pipeline"
)

const (
	queueKeyPrefix   = "ingest:queue:"
	delayedKeyPrefix = "ingest:delayed:"
	popTimeout       = 2 * time.Second
)

// Queue is a Redis-backed pipeline.Queue. It shares the broker client's
// circuit breaker: while the circuit is open, Enqueue fails fast and
// Dequeue backs off instead of hammering a dead connection.
type Queue struct {
	client *broker.Client
	logger *zap.Logger
}

// New builds a Queue over the shared broker client.
func New(client *broker.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

func queueKey(name string) string   { return queueKeyPrefix + name }
func delayedKey(name string) string { return delayedKeyPrefix + name }

// Enqueue pushes a job envelope onto the named queue.
func (q *Queue) Enqueue(ctx context.Context, queue string, job pipeline.Job) error {
	if !q.client.Breaker().Allow() {
		return pipeline.ErrBrokerUnavailable
	}
	data, err := pipeline.EncodeJob(job)
	if err != nil {
		return err
	}
	if err := q.client.Raw().LPush(ctx, queueKey(queue), data).Err(); err != nil {
		q.client.Breaker().Failure()
		return fmt.Errorf("enqueue %s: %w", queue, err)
	}
	q.client.Breaker().Success()
	return nil
}

// EnqueueDelayed schedules a job for delivery after delay.
func (q *Queue) EnqueueDelayed(ctx context.Context, queue string, job pipeline.Job, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, queue, job)
	}
	if !q.client.Breaker().Allow() {
		return pipeline.ErrBrokerUnavailable
	}
	data, err := pipeline.EncodeJob(job)
	if err != nil {
		return err
	}
	readyAt := time.Now().Add(delay).UnixMilli()
	if err := q.client.Raw().ZAdd(ctx, delayedKey(queue), redis.Z{
		Score:  float64(readyAt),
		Member: data,
	}).Err(); err != nil {
		q.client.Breaker().Failure()
		return fmt.Errorf("enqueue delayed %s: %w", queue, err)
	}
	q.client.Breaker().Success()
	return nil
}

// Dequeue blocks until a job is available or the context ends. Due delayed
// jobs are promoted onto the list before each blocking pop.
func (q *Queue) Dequeue(ctx context.Context, queue string) (pipeline.Job, error) {
	for {
		if ctx.Err() != nil {
			return pipeline.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		}
		if !q.client.Breaker().Allow() {
			select {
			case <-ctx.Done():
				return pipeline.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			case <-time.After(popTimeout):
			}
			continue
		}
		if err := q.promoteDue(ctx, queue); err != nil {
			q.client.Breaker().Failure()
			continue
		}
		res, err := q.client.Raw().BRPop(ctx, popTimeout, queueKey(queue)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				q.client.Breaker().Success()
				continue
			}
			if ctx.Err() != nil {
				return pipeline.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			q.client.Breaker().Failure()
			q.logger.Warn("dequeue failed", zap.String("queue", queue), zap.Error(err))
			continue
		}
		q.client.Breaker().Success()
		if len(res) != 2 {
			continue
		}
		job, err := pipeline.DecodeJob([]byte(res[1]))
		if err != nil {
			q.logger.Error("dropping undecodable job", zap.String("queue", queue), zap.Error(err))
			continue
		}
		return job, nil
	}
}

func (q *Queue) promoteDue(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.client.Raw().ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed %s: %w", queue, err)
	}
	for _, m := range members {
		// Remove-then-push keeps promotion idempotent across competing
		// workers: only the remover delivers.
		removed, err := q.client.Raw().ZRem(ctx, delayedKey(queue), m).Result()
		if err != nil {
			return fmt.Errorf("remove delayed %s: %w", queue, err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.Raw().LPush(ctx, queueKey(queue), m).Err(); err != nil {
			return fmt.Errorf("promote delayed %s: %w", queue, err)
		}
	}
	return nil
}
