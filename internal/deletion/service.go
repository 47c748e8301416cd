// Package deletion implements the account deletion pipeline: a grace-period
// request model, a daily scan that finds due requests, and the processor
// that executes them.
package deletion

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chatlas/ingest/internal/pipeline"
)

// Service manages deletion requests and the daily due-request scan.
type Service struct {
	store  pipeline.DeletionStore
	users  pipeline.UserStore
	queue  pipeline.Queue
	clock  pipeline.Clock
	idGen  pipeline.IDGenerator
	grace  time.Duration
	logger *zap.Logger
}

// NewService constructs a Service. grace is the delay between a request and
// its scheduled execution.
func NewService(
	store pipeline.DeletionStore,
	users pipeline.UserStore,
	queue pipeline.Queue,
	clock pipeline.Clock,
	idGen pipeline.IDGenerator,
	grace time.Duration,
	logger *zap.Logger,
) *Service {
	if grace <= 0 {
		grace = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		users:  users,
		queue:  queue,
		clock:  clock,
		idGen:  idGen,
		grace:  grace,
		logger: logger,
	}
}

// RequestDeletion records a new deletion request scheduled for execution
// after the grace period.
func (s *Service) RequestDeletion(ctx context.Context, userID, reason string) (pipeline.DeletionRequest, error) {
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return pipeline.DeletionRequest{}, err
	}
	id, err := s.idGen.NewID()
	if err != nil {
		return pipeline.DeletionRequest{}, fmt.Errorf("generate request id: %w", err)
	}
	now := s.clock.Now()
	req := pipeline.DeletionRequest{
		ID:                    id,
		UserID:                userID,
		Reason:                reason,
		Status:                pipeline.DeletionStatusPending,
		RequestDate:           now,
		ScheduledDeletionDate: now.Add(s.grace),
	}
	if err := s.store.CreateDeletionRequest(ctx, req); err != nil {
		return pipeline.DeletionRequest{}, fmt.Errorf("create deletion request: %w", err)
	}
	s.logger.Info("deletion requested",
		zap.String("request_id", req.ID),
		zap.String("user_id", userID),
		zap.Time("scheduled_for", req.ScheduledDeletionDate),
	)
	return req, nil
}

// CancelDeletion cancels a pending request. Requests already processing or
// in a terminal state cannot be cancelled.
func (s *Service) CancelDeletion(ctx context.Context, requestID string) error {
	if err := s.store.CancelDeletionRequest(ctx, requestID, s.clock.Now()); err != nil {
		return err
	}
	s.logger.Info("deletion cancelled", zap.String("request_id", requestID))
	return nil
}

// Get returns one deletion request.
func (s *Service) Get(ctx context.Context, requestID string) (pipeline.DeletionRequest, error) {
	return s.store.GetDeletionRequest(ctx, requestID)
}

// ScanResult summarizes one scheduled deletion scan.
type ScanResult struct {
	TotalFound int `json:"total_found"`
	Processed  int `json:"processed"`
}

// RunScheduledScan finds pending requests whose scheduled date has passed
// and enqueues one deletion job per request. Enqueue failures are logged;
// the request stays pending and is picked up by the next scan.
func (s *Service) RunScheduledScan(ctx context.Context) (ScanResult, error) {
	due, err := s.store.ListDueDeletionRequests(ctx, s.clock.Now())
	if err != nil {
		return ScanResult{}, fmt.Errorf("list due deletion requests: %w", err)
	}

	res := ScanResult{TotalFound: len(due)}
	for _, req := range due {
		jobID, err := s.idGen.NewID()
		if err != nil {
			s.logger.Error("generate deletion job id", zap.String("request_id", req.ID), zap.Error(err))
			continue
		}
		job := pipeline.Job{
			ID:       jobID,
			Kind:     pipeline.JobKindAccountDeletion,
			Enqueued: s.clock.Now(),
			Deletion: &pipeline.DeletionPayload{RequestID: req.ID},
		}
		if err := s.queue.Enqueue(ctx, pipeline.QueueDeletion, job); err != nil {
			s.logger.Error("enqueue deletion job",
				zap.String("request_id", req.ID), zap.Error(err))
			continue
		}
		res.Processed++
	}
	s.logger.Info("deletion scan done",
		zap.Int("total_found", res.TotalFound),
		zap.Int("processed", res.Processed),
	)
	return res, nil
}
