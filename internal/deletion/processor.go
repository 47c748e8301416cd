package deletion

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/chatlas/ingest/internal/pipeline"
)

// Processor executes one account deletion job end to end.
type Processor struct {
	store    pipeline.DeletionStore
	users    pipeline.UserStore
	notifier pipeline.Notifier
	clock    pipeline.Clock
	logger   *zap.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(
	store pipeline.DeletionStore,
	users pipeline.UserStore,
	notifier pipeline.Notifier,
	clock pipeline.Clock,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:    store,
		users:    users,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
	}
}

// Process runs one deletion. Cancelled and completed requests, and requests
// whose scheduled date is still in the future, are skipped without error: a
// cancelled request reaching the queue is normal, not a failure. A request
// already in processing is resumed, so a retry after a transient failure
// picks up where the previous attempt stopped.
func (p *Processor) Process(ctx context.Context, payload pipeline.DeletionPayload) error {
	req, err := p.store.GetDeletionRequest(ctx, payload.RequestID)
	if err != nil {
		return err
	}
	switch req.Status {
	case pipeline.DeletionStatusCancelled, pipeline.DeletionStatusCompleted:
		p.logger.Info("deletion request already settled, skipping",
			zap.String("request_id", req.ID), zap.String("status", string(req.Status)))
		return nil
	}
	if p.clock.Now().Before(req.ScheduledDeletionDate) {
		p.logger.Info("deletion request not yet due, skipping",
			zap.String("request_id", req.ID),
			zap.Time("scheduled_for", req.ScheduledDeletionDate))
		return nil
	}

	// Capture the email before the user row goes away. A missing user here
	// means a previous attempt already deleted the data; finish the record.
	var email string
	user, err := p.users.GetUser(ctx, req.UserID)
	switch {
	case err == nil:
		email = user.Email
	case isNotFound(err):
		p.logger.Warn("user already deleted, completing request",
			zap.String("request_id", req.ID), zap.String("user_id", req.UserID))
		return p.complete(ctx, req, pipeline.DeletionSummary{}, "")
	default:
		return err
	}

	if req.Status == pipeline.DeletionStatusPending {
		if err := p.store.UpdateDeletionStatus(ctx, req.ID, pipeline.DeletionStatusProcessing, nil); err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
	}

	summary, err := p.store.CollectDeletionSummary(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("collect deletion summary: %w", err)
	}

	// Billing rows are anonymized, never deleted: financial records outlive
	// the account.
	anonymized, err := p.store.AnonymizeBillingRecords(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("anonymize billing records: %w", err)
	}
	p.logger.Info("billing records anonymized",
		zap.String("user_id", req.UserID), zap.Int("count", anonymized))

	if err := p.store.DeleteUser(ctx, req.UserID); err != nil {
		return fmt.Errorf("delete user data: %w", err)
	}

	return p.complete(ctx, req, summary, email)
}

func (p *Processor) complete(ctx context.Context, req pipeline.DeletionRequest, summary pipeline.DeletionSummary, email string) error {
	completedAt := p.clock.Now()
	if err := p.store.UpdateDeletionStatus(ctx, req.ID, pipeline.DeletionStatusCompleted, &completedAt); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	if email == "" {
		p.logger.Warn("no email on file, skipping deletion confirmation",
			zap.String("request_id", req.ID))
	} else if err := p.notifier.SendDeletionCompleted(ctx, email, summary); err != nil {
		// The deletion itself is done; a lost email must not fail the job.
		p.logger.Error("send deletion confirmation",
			zap.String("request_id", req.ID), zap.Error(err))
	}

	p.logger.Info("account deletion completed",
		zap.String("request_id", req.ID),
		zap.String("user_id", req.UserID),
		zap.Int("chatbots", summary.Chatbots),
		zap.Int("conversations", summary.Conversations),
		zap.Int("embeddings", summary.Embeddings),
	)
	return nil
}

func isNotFound(err error) bool {
	var nf *pipeline.NotFoundError
	return errors.As(err, &nf)
}
