// Package notify delivers user-facing notifications. The log notifier is
// the default sink; a mail provider slots in behind the same interface.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chatlas/ingest/internal/pipeline"
)

// LogNotifier writes notifications to the structured log. Useful in
// development and as a safe default when no mail provider is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

var _ pipeline.Notifier = (*LogNotifier)(nil)

// SendScrapeCompleted logs a scrape completion notice.
func (n *LogNotifier) SendScrapeCompleted(ctx context.Context, email, chatbotID string, pages, embeddings int) error {
	n.logger.Info("notify: scrape completed",
		zap.String("email", email),
		zap.String("chatbot_id", chatbotID),
		zap.Int("pages", pages),
		zap.Int("embeddings", embeddings),
	)
	return nil
}

// SendDeletionCompleted logs a deletion confirmation notice.
func (n *LogNotifier) SendDeletionCompleted(ctx context.Context, email string, summary pipeline.DeletionSummary) error {
	n.logger.Info("notify: account deletion completed",
		zap.String("email", email),
		zap.Int("chatbots", summary.Chatbots),
		zap.Int("conversations", summary.Conversations),
		zap.Int("embeddings", summary.Embeddings),
		zap.Int("consent_records", summary.ConsentRecords),
	)
	return nil
}

// SendExportReady logs an export-ready notice.
func (n *LogNotifier) SendExportReady(ctx context.Context, email, downloadPath string, expiresAt time.Time) error {
	n.logger.Info("notify: data export ready",
		zap.String("email", email),
		zap.String("path", downloadPath),
		zap.Time("expires_at", expiresAt),
	)
	return nil
}
