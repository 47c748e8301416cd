package pipeline

import (
	"context"
	"time"
)

// HistoryStore persists scrape history entries.
type HistoryStore interface {
	CreateScrapeHistory(ctx context.Context, entry ScrapeHistoryEntry) error
	GetScrapeHistory(ctx context.Context, historyID string) (ScrapeHistoryEntry, error)
	// UpdateScrapeHistory applies a forward status transition; implementations
	// must reject regressions.
	UpdateScrapeHistory(ctx context.Context, historyID string, status ScrapeStatus, pagesScraped, embeddingsCreated int, errMsg string, completedAt *time.Time) error
	// ListScrapeHistory returns the most recent entries for a chatbot, newest
	// first, truncated to limit.
	ListScrapeHistory(ctx context.Context, chatbotID string, limit int) ([]ScrapeHistoryEntry, error)
}

// ChatbotStore reads chatbots and writes their schedule state.
type ChatbotStore interface {
	GetChatbot(ctx context.Context, chatbotID string) (Chatbot, error)
	ListAutoScrapeChatbots(ctx context.Context) ([]Chatbot, error)
	UpdateLastScrapedAt(ctx context.Context, chatbotID string, at time.Time) error
	GetPlanLimits(ctx context.Context, userID string) (PlanLimits, error)
}

// EmbeddingStore persists chunk vectors and serves similarity lookups.
type EmbeddingStore interface {
	InsertEmbeddings(ctx context.Context, records []EmbeddingRecord) error
	// DeleteEmbeddingsBefore removes records for the chatbot strictly older
	// than cutoff (the swap pattern's final step).
	DeleteEmbeddingsBefore(ctx context.Context, chatbotID string, cutoff time.Time) (int, error)
	SearchSimilar(ctx context.Context, chatbotID string, query []float32, limit int, threshold float64) ([]SimilarContent, error)
}

// DeletionStore persists account deletion requests and performs the
// destructive operations of the deletion pipeline.
type DeletionStore interface {
	CreateDeletionRequest(ctx context.Context, req DeletionRequest) error
	GetDeletionRequest(ctx context.Context, requestID string) (DeletionRequest, error)
	// ListDueDeletionRequests returns pending and in-flight requests whose
	// scheduled date is at or before now. Processing requests are included
	// so a request orphaned mid-deletion is picked up by the next scan.
	ListDueDeletionRequests(ctx context.Context, now time.Time) ([]DeletionRequest, error)
	UpdateDeletionStatus(ctx context.Context, requestID string, status DeletionStatus, completedAt *time.Time) error
	// CancelDeletionRequest flips a request to cancelled only while it is
	// still pending and before its scheduled date; returns NotFoundError if
	// no such request qualifies.
	CancelDeletionRequest(ctx context.Context, requestID string, now time.Time) error
	CollectDeletionSummary(ctx context.Context, userID string) (DeletionSummary, error)
	// AnonymizeBillingRecords scrubs PII from billing rows without deleting
	// them (tax retention).
	AnonymizeBillingRecords(ctx context.Context, userID string) (int, error)
	// DeleteUser removes the user row; owned rows cascade via the store's
	// referential rules.
	DeleteUser(ctx context.Context, userID string) error
}

// ExportStore persists data export requests and aggregates exported data.
type ExportStore interface {
	GetExportRequest(ctx context.Context, requestID string) (DataExportRequest, error)
	CreateExportRequest(ctx context.Context, req DataExportRequest) error
	UpdateExportRequest(ctx context.Context, req DataExportRequest) error
	// LatestExportRequestTime returns the creation time of the user's most
	// recent export request, or nil if none exists.
	LatestExportRequestTime(ctx context.Context, userID string) (*time.Time, error)
	CollectExportData(ctx context.Context, userID string) (ExportBundle, error)
}

// UserStore reads user records.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (UserRecord, error)
}

// Store is the full persistence surface, implemented by the Postgres and
// in-memory backends.
type Store interface {
	HistoryStore
	ChatbotStore
	EmbeddingStore
	DeletionStore
	ExportStore
	UserStore
}

// ExportBundle aggregates a user's data across all tables for archiving.
// Section values are already JSON-serializable.
type ExportBundle struct {
	User          UserRecord       `json:"user"`
	Chatbots      []Chatbot        `json:"chatbots"`
	Conversations []map[string]any `json:"conversations"`
	Analytics     []map[string]any `json:"analytics"`
	Subscription  map[string]any   `json:"subscription,omitempty"`
	Consents      []map[string]any `json:"consents"`
}

// Cache is the ephemeral cache surface of the broker. All operations are
// best-effort: on broker outage Get returns a miss and writes are dropped.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePattern(ctx context.Context, pattern string) error
}

// RateLimiter is the broker's fixed-window rate limit check. Fail-closed:
// when the broker is unavailable Allow returns false.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

// Queue provides durable enqueue/dequeue for job envelopes.
type Queue interface {
	Enqueue(ctx context.Context, queue string, job Job) error
	// EnqueueDelayed delivers the job after the given delay (retry backoff).
	EnqueueDelayed(ctx context.Context, queue string, job Job, delay time.Duration) error
	Dequeue(ctx context.Context, queue string) (Job, error)
}

// Scheduler registers cron-style repeatable jobs.
type Scheduler interface {
	// RegisterRepeating schedules fn under name; duplicate names error.
	RegisterRepeating(name, cronExpr string, fn func(context.Context)) error
	// ReplaceRepeating removes any registration under name first, so
	// re-initialization after a redeploy never double-registers.
	ReplaceRepeating(name, cronExpr string, fn func(context.Context)) error
	Start()
	Stop(ctx context.Context) error
}

// EmbeddingProvider turns text into a fixed-dimension vector.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// PageFetcher crawls up to maxPages pages of a site, invoking visit per page.
// A visit error aborts the crawl and is returned.
type PageFetcher interface {
	CrawlSite(ctx context.Context, siteURL string, maxPages int, renderJS bool, visit func(Page) error) error
}

// Notifier sends templated emails. Implementations never panic; callers
// treat errors as warnings on notification-only paths.
type Notifier interface {
	SendScrapeCompleted(ctx context.Context, email, chatbotID string, pages, embeddings int) error
	SendDeletionCompleted(ctx context.Context, email string, summary DeletionSummary) error
	SendExportReady(ctx context.Context, email, downloadPath string, expiresAt time.Time) error
}

// Clock returns the current time (fixed in tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record and job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests (cache keys, content fingerprints).
type Hasher interface {
	Hash(data []byte) (string, error)
}

// AlertSink receives degradation alerts raised by infrastructure adapters.
type AlertSink interface {
	Alert(component, message string)
}
