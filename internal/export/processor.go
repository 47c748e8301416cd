package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/chatlas/ingest/internal/pipeline"
)

// Processor assembles one export archive per job.
type Processor struct {
	store      pipeline.ExportStore
	users      pipeline.UserStore
	notifier   pipeline.Notifier
	clock      pipeline.Clock
	stagingDir string
	expiry     time.Duration
	logger     *zap.Logger
}

// NewProcessor constructs a Processor. Archives land in stagingDir and stay
// downloadable for expiry.
func NewProcessor(
	store pipeline.ExportStore,
	users pipeline.UserStore,
	notifier pipeline.Notifier,
	clock pipeline.Clock,
	stagingDir string,
	expiry time.Duration,
	logger *zap.Logger,
) *Processor {
	if expiry <= 0 {
		expiry = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:      store,
		users:      users,
		notifier:   notifier,
		clock:      clock,
		stagingDir: stagingDir,
		expiry:     expiry,
		logger:     logger,
	}
}

// Process runs one export. Archive assembly errors propagate so the queue
// can retry; the record goes to failed only when retries are exhausted.
func (p *Processor) Process(ctx context.Context, payload pipeline.ExportPayload) error {
	req, err := p.store.GetExportRequest(ctx, payload.RequestID)
	if err != nil {
		return err
	}
	if req.Status == pipeline.ExportStatusCompleted || req.Status == pipeline.ExportStatusFailed {
		p.logger.Info("export already terminal, skipping",
			zap.String("request_id", req.ID), zap.String("status", string(req.Status)))
		return nil
	}

	if req.Status == pipeline.ExportStatusPending {
		req.Status = pipeline.ExportStatusProcessing
		if err := p.store.UpdateExportRequest(ctx, req); err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
	}

	bundle, err := p.store.CollectExportData(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("collect export data: %w", err)
	}

	path, size, err := p.writeArchive(req.ID, bundle)
	if err != nil {
		return fmt.Errorf("write export archive: %w", err)
	}

	completedAt := p.clock.Now()
	expiresAt := completedAt.Add(p.expiry)
	req.Status = pipeline.ExportStatusCompleted
	req.FilePath = path
	req.FileSizeBytes = size
	req.CompletedAt = &completedAt
	req.ExpiresAt = &expiresAt
	if err := p.store.UpdateExportRequest(ctx, req); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	p.notifyReady(ctx, req)

	p.logger.Info("data export completed",
		zap.String("request_id", req.ID),
		zap.String("user_id", req.UserID),
		zap.Int64("size_bytes", size),
		zap.Time("expires_at", expiresAt),
	)
	return nil
}

// MarkFailed moves the request to failed once the worker has exhausted
// retries or hit a non-retryable error.
func (p *Processor) MarkFailed(ctx context.Context, requestID, errMsg string) {
	req, err := p.store.GetExportRequest(ctx, requestID)
	if err != nil {
		p.logger.Error("load export for failure", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	if req.Status == pipeline.ExportStatusCompleted || req.Status == pipeline.ExportStatusFailed {
		return
	}
	completedAt := p.clock.Now()
	req.Status = pipeline.ExportStatusFailed
	req.ErrorMessage = errMsg
	req.CompletedAt = &completedAt
	if err := p.store.UpdateExportRequest(ctx, req); err != nil {
		p.logger.Error("mark export failed", zap.String("request_id", requestID), zap.Error(err))
	}
}

// writeArchive builds a zip with one JSON entry per data section.
func (p *Processor) writeArchive(requestID string, bundle pipeline.ExportBundle) (string, int64, error) {
	if err := os.MkdirAll(p.stagingDir, 0o750); err != nil {
		return "", 0, err
	}
	path := filepath.Join(p.stagingDir, fmt.Sprintf("export_%s.zip", requestID))

	f, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	sections := []struct {
		name string
		data any
	}{
		{"user.json", bundle.User},
		{"chatbots.json", bundle.Chatbots},
		{"conversations.json", bundle.Conversations},
		{"analytics.json", bundle.Analytics},
		{"subscription.json", bundle.Subscription},
		{"consents.json", bundle.Consents},
	}
	for _, sec := range sections {
		w, err := zw.Create(sec.name)
		if err != nil {
			zw.Close()
			return "", 0, err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sec.data); err != nil {
			zw.Close()
			return "", 0, fmt.Errorf("encode %s: %w", sec.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return "", 0, err
	}
	if err := f.Sync(); err != nil {
		return "", 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", 0, err
	}
	return path, info.Size(), nil
}

func (p *Processor) notifyReady(ctx context.Context, req pipeline.DataExportRequest) {
	user, err := p.users.GetUser(ctx, req.UserID)
	if err != nil || user.Email == "" {
		p.logger.Warn("no email for export notification",
			zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	if err := p.notifier.SendExportReady(ctx, user.Email, req.FilePath, *req.ExpiresAt); err != nil {
		p.logger.Error("send export notification",
			zap.String("request_id", req.ID), zap.Error(err))
	}
}
