// Package memory provides a queue implementation for tests and
// single-process development mode.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chatlas/ingest/internal/pipeline"
)

// Queue is a bounded in-memory multi-queue with context-aware operations.
// Delayed deliveries are handled by timers re-enqueueing the envelope.
type Queue struct {
	mu       sync.Mutex
	capacity int
	channels map[string]chan pipeline.Job
	closed   bool
}

// NewQueue constructs a Queue with the provided per-queue capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{
		capacity: capacity,
		channels: make(map[string]chan pipeline.Job),
	}
}

func (q *Queue) channel(name string) chan pipeline.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.channels[name]
	if !ok {
		ch = make(chan pipeline.Job, q.capacity)
		q.channels[name] = ch
	}
	return ch
}

// Enqueue pushes a job into the named queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, queue string, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.channel(queue) <- job:
		return nil
	}
}

// EnqueueDelayed delivers the job after delay. The timer outlives the
// calling context on purpose: retry deliveries must survive the job's own
// cancellation.
func (q *Queue) EnqueueDelayed(_ context.Context, queue string, job pipeline.Job, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(context.Background(), queue, job)
	}
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		select {
		case q.channel(queue) <- job:
		default:
			// Queue full at delivery time; drop rather than block the timer
			// goroutine. The domain record stays non-terminal for operator
			// inspection.
		}
	})
	return nil
}

// Dequeue pops the next job from the named queue, respecting cancellation.
func (q *Queue) Dequeue(ctx context.Context, queue string) (pipeline.Job, error) {
	select {
	case <-ctx.Done():
		return pipeline.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job := <-q.channel(queue):
		return job, nil
	}
}

// Len reports the current depth of a queue.
func (q *Queue) Len(queue string) int {
	return len(q.channel(queue))
}

// Close marks the queue closed; pending delayed deliveries are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
