// Package export implements on-demand GDPR data exports: a rate-limited
// request gate and the worker that assembles the downloadable archive.
package export

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chatlas/ingest/internal/pipeline"
)

// FormatJSON is the only archive format currently produced.
const FormatJSON = "json"

// Service accepts export requests. One export per user per window; when the
// rate limiter cannot be consulted the gate fails closed.
type Service struct {
	store   pipeline.ExportStore
	users   pipeline.UserStore
	queue   pipeline.Queue
	limiter pipeline.RateLimiter
	clock   pipeline.Clock
	idGen   pipeline.IDGenerator
	window  time.Duration
	logger  *zap.Logger
}

// NewService constructs a Service. window is the per-user request window.
func NewService(
	store pipeline.ExportStore,
	users pipeline.UserStore,
	queue pipeline.Queue,
	limiter pipeline.RateLimiter,
	clock pipeline.Clock,
	idGen pipeline.IDGenerator,
	window time.Duration,
	logger *zap.Logger,
) *Service {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		users:   users,
		queue:   queue,
		limiter: limiter,
		clock:   clock,
		idGen:   idGen,
		window:  window,
		logger:  logger,
	}
}

// RequestExport creates a pending export request and enqueues the job. The
// record is persisted before the enqueue so a broker failure never loses a
// request; the stuck pending row is retried by the caller.
func (s *Service) RequestExport(ctx context.Context, userID, format string) (pipeline.DataExportRequest, error) {
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON {
		return pipeline.DataExportRequest{}, &pipeline.ValidationError{Field: "format", Reason: fmt.Sprintf("unsupported format %q", format)}
	}
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return pipeline.DataExportRequest{}, err
	}

	allowed, retryAfter, err := s.limiter.Allow(ctx, "export:"+userID, 1, s.window)
	if err != nil {
		return pipeline.DataExportRequest{}, fmt.Errorf("export rate limit check: %w", err)
	}
	if !allowed {
		return pipeline.DataExportRequest{}, &pipeline.RateLimitedError{
			Resource:   "data export",
			RetryAfter: retryAfter,
		}
	}

	// The limiter window is lost if the broker restarts; the persisted
	// request history is the authority.
	last, err := s.store.LatestExportRequestTime(ctx, userID)
	if err != nil {
		return pipeline.DataExportRequest{}, fmt.Errorf("export history check: %w", err)
	}
	if last != nil {
		if elapsed := s.clock.Now().Sub(*last); elapsed < s.window {
			return pipeline.DataExportRequest{}, &pipeline.RateLimitedError{
				Resource:   "data export",
				RetryAfter: s.window - elapsed,
			}
		}
	}

	id, err := s.idGen.NewID()
	if err != nil {
		return pipeline.DataExportRequest{}, fmt.Errorf("generate export id: %w", err)
	}
	req := pipeline.DataExportRequest{
		ID:           id,
		UserID:       userID,
		Status:       pipeline.ExportStatusPending,
		ExportFormat: format,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.store.CreateExportRequest(ctx, req); err != nil {
		return pipeline.DataExportRequest{}, fmt.Errorf("create export request: %w", err)
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		return pipeline.DataExportRequest{}, fmt.Errorf("generate job id: %w", err)
	}
	job := pipeline.Job{
		ID:       jobID,
		Kind:     pipeline.JobKindDataExport,
		Enqueued: s.clock.Now(),
		Export: &pipeline.ExportPayload{
			RequestID: req.ID,
			UserID:    userID,
			Format:    format,
		},
	}
	if err := s.queue.Enqueue(ctx, pipeline.QueueExport, job); err != nil {
		s.markFailed(ctx, req, "enqueue failed: "+err.Error())
		return pipeline.DataExportRequest{}, fmt.Errorf("enqueue export: %w", err)
	}

	s.logger.Info("data export requested",
		zap.String("request_id", req.ID),
		zap.String("user_id", userID),
	)
	return req, nil
}

// Get returns one export request.
func (s *Service) Get(ctx context.Context, requestID string) (pipeline.DataExportRequest, error) {
	return s.store.GetExportRequest(ctx, requestID)
}

func (s *Service) markFailed(ctx context.Context, req pipeline.DataExportRequest, msg string) {
	completedAt := s.clock.Now()
	req.Status = pipeline.ExportStatusFailed
	req.ErrorMessage = msg
	req.CompletedAt = &completedAt
	if err := s.store.UpdateExportRequest(ctx, req); err != nil {
		s.logger.Error("mark export failed", zap.String("request_id", req.ID), zap.Error(err))
	}
}
