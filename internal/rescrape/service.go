// Package rescrape decides when chatbot knowledge bases go stale and turns
// that decision into scrape jobs.
package rescrape

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chatlas/ingest/internal/pipeline"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 50
)

// Service triggers manual and scheduled re-scrapes. The history entry is
// always created before the job is enqueued so a broker failure never leaves
// an untracked crawl.
type Service struct {
	chatbots pipeline.ChatbotStore
	history  pipeline.HistoryStore
	queue    pipeline.Queue
	cache    pipeline.Cache
	clock    pipeline.Clock
	idGen    pipeline.IDGenerator
	logger   *zap.Logger
}

// NewService constructs a Service.
func NewService(
	chatbots pipeline.ChatbotStore,
	history pipeline.HistoryStore,
	queue pipeline.Queue,
	cache pipeline.Cache,
	clock pipeline.Clock,
	idGen pipeline.IDGenerator,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		chatbots: chatbots,
		history:  history,
		queue:    queue,
		cache:    cache,
		clock:    clock,
		idGen:    idGen,
		logger:   logger,
	}
}

// TriggerRescrape creates a pending history entry and enqueues a crawl for
// the chatbot. source records who asked.
func (s *Service) TriggerRescrape(ctx context.Context, chatbotID string, source pipeline.TriggerSource, renderJS bool) (pipeline.ScrapeHistoryEntry, error) {
	bot, err := s.chatbots.GetChatbot(ctx, chatbotID)
	if err != nil {
		return pipeline.ScrapeHistoryEntry{}, err
	}
	if bot.WebsiteURL == "" {
		return pipeline.ScrapeHistoryEntry{}, &pipeline.ValidationError{Field: "website_url", Reason: "chatbot has no website configured"}
	}

	limits, err := s.chatbots.GetPlanLimits(ctx, bot.UserID)
	if err != nil {
		return pipeline.ScrapeHistoryEntry{}, err
	}

	historyID, err := s.idGen.NewID()
	if err != nil {
		return pipeline.ScrapeHistoryEntry{}, fmt.Errorf("generate history id: %w", err)
	}
	entry := pipeline.ScrapeHistoryEntry{
		ID:          historyID,
		ChatbotID:   bot.ID,
		Status:      pipeline.ScrapeStatusPending,
		TriggeredBy: source,
		StartedAt:   s.clock.Now(),
	}
	if err := s.history.CreateScrapeHistory(ctx, entry); err != nil {
		return pipeline.ScrapeHistoryEntry{}, fmt.Errorf("create scrape history: %w", err)
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		return pipeline.ScrapeHistoryEntry{}, fmt.Errorf("generate job id: %w", err)
	}
	job := pipeline.Job{
		ID:       jobID,
		Kind:     pipeline.JobKindScrapeWebsite,
		Enqueued: s.clock.Now(),
		Scrape: &pipeline.ScrapePayload{
			ChatbotID:        bot.ID,
			WebsiteURL:       bot.WebsiteURL,
			MaxPages:         limits.MaxPages,
			HistoryID:        historyID,
			IsRescrape:       bot.LastScrapedAt != nil,
			RenderJavaScript: renderJS,
		},
	}
	if err := s.queue.Enqueue(ctx, pipeline.QueueScrape, job); err != nil {
		s.markTriggerFailed(ctx, historyID, err)
		return pipeline.ScrapeHistoryEntry{}, fmt.Errorf("enqueue scrape: %w", err)
	}

	// The chatbot read model now carries an active scrape.
	_ = s.cache.Delete(ctx, "chatbot:"+bot.ID)

	s.logger.Info("rescrape triggered",
		zap.String("chatbot_id", bot.ID),
		zap.String("history_id", historyID),
		zap.String("triggered_by", string(source)),
	)
	return entry, nil
}

func (s *Service) markTriggerFailed(ctx context.Context, historyID string, cause error) {
	completedAt := s.clock.Now()
	if err := s.history.UpdateScrapeHistory(ctx, historyID, pipeline.ScrapeStatusFailed, 0, 0, "enqueue failed: "+cause.Error(), &completedAt); err != nil {
		s.logger.Error("mark trigger failure", zap.String("history_id", historyID), zap.Error(err))
	}
}

// Due reports whether the chatbot needs a scheduled re-scrape at now.
// Manual-frequency and disabled chatbots are never due; a chatbot that has
// never been scraped is immediately due.
func Due(bot pipeline.Chatbot, now time.Time) bool {
	if !bot.AutoScrapeEnabled {
		return false
	}
	interval := bot.ScrapeFrequency.Interval()
	if interval == 0 {
		return false
	}
	if bot.LastScrapedAt == nil {
		return true
	}
	return now.Sub(*bot.LastScrapedAt) >= interval
}

// NextScheduledScrape projects when the chatbot will next be due, or nil if
// it is not on a schedule.
func NextScheduledScrape(bot pipeline.Chatbot, now time.Time) *time.Time {
	if !bot.AutoScrapeEnabled {
		return nil
	}
	interval := bot.ScrapeFrequency.Interval()
	if interval == 0 {
		return nil
	}
	if bot.LastScrapedAt == nil {
		return &now
	}
	next := bot.LastScrapedAt.Add(interval)
	return &next
}

// ScanResult summarizes one scheduled scan pass.
type ScanResult struct {
	Checked   int
	Triggered int
	Failed    int
}

// RunScheduledScan walks all auto-scrape chatbots and triggers a crawl for
// each one whose interval has elapsed. Individual trigger failures are
// logged and counted, never fatal to the pass.
func (s *Service) RunScheduledScan(ctx context.Context) (ScanResult, error) {
	bots, err := s.chatbots.ListAutoScrapeChatbots(ctx)
	if err != nil {
		return ScanResult{}, fmt.Errorf("list auto-scrape chatbots: %w", err)
	}

	now := s.clock.Now()
	res := ScanResult{Checked: len(bots)}
	for _, bot := range bots {
		if !Due(bot, now) {
			continue
		}
		if _, err := s.TriggerRescrape(ctx, bot.ID, pipeline.TriggerScheduled, false); err != nil {
			res.Failed++
			s.logger.Error("scheduled rescrape trigger failed",
				zap.String("chatbot_id", bot.ID), zap.Error(err))
			continue
		}
		res.Triggered++
	}
	s.logger.Info("scheduled rescrape scan done",
		zap.Int("checked", res.Checked),
		zap.Int("triggered", res.Triggered),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// History returns the most recent scrape attempts for a chatbot, newest
// first. Limits outside [1, maxHistoryLimit] are clamped.
func (s *Service) History(ctx context.Context, chatbotID string, limit int) ([]pipeline.ScrapeHistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.history.ListScrapeHistory(ctx, chatbotID, limit)
}
