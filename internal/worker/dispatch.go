package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/chatlas/ingest/internal/deletion"
	"github.com/chatlas/ingest/internal/export"
	"github.com/chatlas/ingest/internal/pipeline"
	"github.com/chatlas/ingest/internal/scrape"
)

// Dispatcher routes job envelopes to their processors and finalizes the
// domain record when a job exhausts its retries.
type Dispatcher struct {
	scrape      *scrape.Processor
	deletions   *deletion.Processor
	deletionSvc *deletion.Service
	exports     *export.Processor
	logger      *zap.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(
	scrapeProc *scrape.Processor,
	deletionProc *deletion.Processor,
	deletionSvc *deletion.Service,
	exportProc *export.Processor,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		scrape:      scrapeProc,
		deletions:   deletionProc,
		deletionSvc: deletionSvc,
		exports:     exportProc,
		logger:      logger,
	}
}

var _ Handler = (*Dispatcher)(nil)

// Handle executes one job by kind.
func (d *Dispatcher) Handle(ctx context.Context, job pipeline.Job) error {
	switch job.Kind {
	case pipeline.JobKindScrapeWebsite:
		return d.scrape.Process(ctx, *job.Scrape)
	case pipeline.JobKindAccountDeletion:
		return d.deletions.Process(ctx, *job.Deletion)
	case pipeline.JobKindCheckedDeletions:
		_, err := d.deletionSvc.RunScheduledScan(ctx)
		return err
	case pipeline.JobKindDataExport:
		return d.exports.Process(ctx, *job.Export)
	default:
		return &pipeline.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown job kind %q", job.Kind)}
	}
}

// Exhausted moves the job's domain record to its failed state. Deletion
// requests stay pending so the next daily scan retries them.
func (d *Dispatcher) Exhausted(ctx context.Context, job pipeline.Job, cause error) {
	switch job.Kind {
	case pipeline.JobKindScrapeWebsite:
		d.scrape.MarkFailed(ctx, job.Scrape.HistoryID, cause.Error())
	case pipeline.JobKindDataExport:
		d.exports.MarkFailed(ctx, job.Export.RequestID, cause.Error())
	case pipeline.JobKindAccountDeletion, pipeline.JobKindCheckedDeletions:
		d.logger.Error("deletion job exhausted, will retry on next scan",
			zap.String("job_id", job.ID), zap.Error(cause))
	}
}
