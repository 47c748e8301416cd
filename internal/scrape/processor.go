package scrape

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chatlas/ingest/internal/pipeline"
	"github.com/chatlas/ingest/internal/telemetry"
)

// Embedder is the slice of the embedding engine the crawl processor uses.
type Embedder interface {
	CreateEmbedding(ctx context.Context, chatbotID string, page pipeline.Page) (int, error)
	DeleteEmbeddingsBefore(ctx context.Context, chatbotID string, cutoff time.Time) (int, error)
}

// Processor executes scrape-website jobs. It is safely re-runnable: the
// history entry is created by the trigger, status transitions only move
// forward, and the swap pattern makes embedding refresh idempotent.
type Processor struct {
	history  pipeline.HistoryStore
	chatbots pipeline.ChatbotStore
	fetcher  pipeline.PageFetcher
	embedder Embedder
	cache    pipeline.Cache
	clock    pipeline.Clock
	timeout  time.Duration
	logger   *zap.Logger
}

// NewProcessor constructs a Processor. timeout bounds one job's wall clock
// so a slow site cannot starve a worker slot.
func NewProcessor(
	history pipeline.HistoryStore,
	chatbots pipeline.ChatbotStore,
	fetcher pipeline.PageFetcher,
	embedder Embedder,
	cache pipeline.Cache,
	clock pipeline.Clock,
	timeout time.Duration,
	logger *zap.Logger,
) *Processor {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		history:  history,
		chatbots: chatbots,
		fetcher:  fetcher,
		embedder: embedder,
		cache:    cache,
		clock:    clock,
		timeout:  timeout,
		logger:   logger,
	}
}

// Process runs one crawl. Errors propagate to the worker, which owns retry
// and exhaustion; only then is MarkFailed invoked.
func (p *Processor) Process(ctx context.Context, payload pipeline.ScrapePayload) error {
	entry, err := p.history.GetScrapeHistory(ctx, payload.HistoryID)
	if err != nil {
		return err
	}
	if entry.Status.Terminal() {
		p.logger.Info("scrape already terminal, skipping",
			zap.String("history_id", entry.ID), zap.String("status", string(entry.Status)))
		return nil
	}

	bot, err := p.chatbots.GetChatbot(ctx, payload.ChatbotID)
	if err != nil {
		return err
	}

	if entry.Status == pipeline.ScrapeStatusPending {
		if err := p.history.UpdateScrapeHistory(ctx, entry.ID, pipeline.ScrapeStatusInProgress, 0, 0, "", nil); err != nil {
			return fmt.Errorf("mark in_progress: %w", err)
		}
	}

	// Cutoff taken before any new vectors are written: everything older is
	// superseded once the crawl succeeds.
	cutoff := p.clock.Now()

	jobCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var pages, embeddings int
	crawlErr := p.fetcher.CrawlSite(jobCtx, payload.WebsiteURL, payload.MaxPages, payload.RenderJavaScript, func(page pipeline.Page) error {
		n, err := p.embedder.CreateEmbedding(jobCtx, payload.ChatbotID, page)
		if err != nil {
			return fmt.Errorf("embed %s: %w", page.URL, err)
		}
		pages++
		embeddings += n
		return nil
	})
	if crawlErr != nil {
		if jobCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("crawl timed out after %s: %w", p.timeout, crawlErr)
		}
		return crawlErr
	}

	// Swap pattern, second half: the new vectors are in, drop the stale
	// generation. Never the other way around.
	if payload.IsRescrape {
		deleted, err := p.embedder.DeleteEmbeddingsBefore(ctx, payload.ChatbotID, cutoff)
		if err != nil {
			return fmt.Errorf("purge superseded embeddings: %w", err)
		}
		p.logger.Debug("purged superseded embeddings",
			zap.String("chatbot_id", payload.ChatbotID), zap.Int("deleted", deleted))
	}

	completedAt := p.clock.Now()
	if err := p.history.UpdateScrapeHistory(ctx, entry.ID, pipeline.ScrapeStatusCompleted, pages, embeddings, "", &completedAt); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if err := p.chatbots.UpdateLastScrapedAt(ctx, payload.ChatbotID, completedAt); err != nil {
		// The scrape itself succeeded; log and continue so the history
		// record stays accurate.
		p.logger.Error("update last_scraped_at failed",
			zap.String("chatbot_id", payload.ChatbotID), zap.Error(err))
	}
	p.invalidateChatbotCaches(ctx, bot)

	telemetry.AddPagesScraped(pages)
	p.logger.Info("scrape completed",
		zap.String("chatbot_id", payload.ChatbotID),
		zap.String("history_id", entry.ID),
		zap.Int("pages", pages),
		zap.Int("embeddings", embeddings),
	)
	return nil
}

// MarkFailed transitions the history entry to failed once the worker has
// exhausted retries or hit a non-retryable error.
func (p *Processor) MarkFailed(ctx context.Context, historyID, errMsg string) {
	completedAt := p.clock.Now()
	if err := p.history.UpdateScrapeHistory(ctx, historyID, pipeline.ScrapeStatusFailed, 0, 0, errMsg, &completedAt); err != nil {
		p.logger.Error("mark scrape failed", zap.String("history_id", historyID), zap.Error(err))
	}
}

func (p *Processor) invalidateChatbotCaches(ctx context.Context, bot pipeline.Chatbot) {
	// Best-effort: the cache adapter never fails the completion path.
	_ = p.cache.Delete(ctx, "chatbot:"+bot.ID)
	_ = p.cache.DeletePattern(ctx, "chatbots:user:"+bot.UserID+":*")
}
