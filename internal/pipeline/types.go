// Package pipeline defines core types shared across the ingestion subsystems.
package pipeline

import (
	"time"
)

// ScrapeStatus represents the lifecycle state of a scrape attempt.
type ScrapeStatus string

// Scrape status values persisted in scrape history. Transitions only move
// forward: pending -> in_progress -> {completed, failed}.
const (
	ScrapeStatusPending    ScrapeStatus = "pending"
	ScrapeStatusInProgress ScrapeStatus = "in_progress"
	ScrapeStatusCompleted  ScrapeStatus = "completed"
	ScrapeStatusFailed     ScrapeStatus = "failed"
)

// CanTransitionTo reports whether moving to next is a forward transition.
func (s ScrapeStatus) CanTransitionTo(next ScrapeStatus) bool {
	switch s {
	case ScrapeStatusPending:
		return next == ScrapeStatusInProgress || next == ScrapeStatusCompleted || next == ScrapeStatusFailed
	case ScrapeStatusInProgress:
		return next == ScrapeStatusCompleted || next == ScrapeStatusFailed
	default:
		return false
	}
}

// Terminal reports whether the status is final.
func (s ScrapeStatus) Terminal() bool {
	return s == ScrapeStatusCompleted || s == ScrapeStatusFailed
}

// TriggerSource records what initiated a scrape.
type TriggerSource string

// Trigger source values.
const (
	TriggerManual    TriggerSource = "manual"
	TriggerScheduled TriggerSource = "scheduled"
	TriggerInitial   TriggerSource = "initial"
)

// ScrapeFrequency is the re-crawl cadence configured per chatbot.
type ScrapeFrequency string

// Supported frequencies.
const (
	FrequencyManual  ScrapeFrequency = "manual"
	FrequencyDaily   ScrapeFrequency = "daily"
	FrequencyWeekly  ScrapeFrequency = "weekly"
	FrequencyMonthly ScrapeFrequency = "monthly"
)

// Interval returns the re-scrape interval for the frequency, or zero for
// manual/unknown frequencies.
func (f ScrapeFrequency) Interval() time.Duration {
	switch f {
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 168 * time.Hour
	case FrequencyMonthly:
		return 720 * time.Hour
	default:
		return 0
	}
}

// ScrapeHistoryEntry is one record per crawl attempt. Entries are created by
// the triggering service, mutated only by the crawl processor, and never
// deleted.
type ScrapeHistoryEntry struct {
	ID                string        `json:"id"`
	ChatbotID         string        `json:"chatbot_id"`
	Status            ScrapeStatus  `json:"status"`
	PagesScraped      int           `json:"pages_scraped"`
	EmbeddingsCreated int           `json:"embeddings_created"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	TriggeredBy       TriggerSource `json:"triggered_by"`
	StartedAt         time.Time     `json:"started_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

// Chatbot carries the subset of the chatbot entity the pipeline reads and
// writes: identity, crawl target, and schedule state.
type Chatbot struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	WebsiteURL        string          `json:"website_url"`
	AutoScrapeEnabled bool            `json:"auto_scrape_enabled"`
	ScrapeFrequency   ScrapeFrequency `json:"scrape_frequency"`
	LastScrapedAt     *time.Time      `json:"last_scraped_at,omitempty"`
}

// PlanLimits bounds per-plan resource use during a crawl.
type PlanLimits struct {
	MaxPages int `json:"max_pages"`
}

// EmbeddingRecord is one stored chunk vector. Many records exist per page;
// for a given chatbot+page the records reflect the last successfully
// completed scrape.
type EmbeddingRecord struct {
	ID        string    `json:"id"`
	ChatbotID string    `json:"chatbot_id"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding"`
	PageURL   string    `json:"page_url"`
	CreatedAt time.Time `json:"created_at"`
}

// SimilarContent is a ranked similarity search hit.
type SimilarContent struct {
	Content    string  `json:"content"`
	PageURL    string  `json:"page_url"`
	Similarity float64 `json:"similarity"`
}

// DeletionStatus is the lifecycle state of an account deletion request.
type DeletionStatus string

// Deletion request states. Terminal states are immutable.
const (
	DeletionStatusPending    DeletionStatus = "pending"
	DeletionStatusProcessing DeletionStatus = "processing"
	DeletionStatusCancelled  DeletionStatus = "cancelled"
	DeletionStatusCompleted  DeletionStatus = "completed"
)

// DeletionRequest is a user's account deletion request with a 30-day grace
// period before execution.
type DeletionRequest struct {
	ID                    string         `json:"id"`
	UserID                string         `json:"user_id"`
	Reason                string         `json:"reason,omitempty"`
	Status                DeletionStatus `json:"status"`
	RequestDate           time.Time      `json:"request_date"`
	ScheduledDeletionDate time.Time      `json:"scheduled_deletion_date"`
	CompletedAt           *time.Time     `json:"completed_at,omitempty"`
}

// DeletionSummary counts the rows removed by an account deletion, collected
// for the audit/notification email.
type DeletionSummary struct {
	Chatbots          int `json:"chatbots"`
	Conversations     int `json:"conversations"`
	Embeddings        int `json:"embeddings"`
	AnalyticsSessions int `json:"analytics_sessions"`
	AnalyticsEvents   int `json:"analytics_events"`
	ConsentRecords    int `json:"consent_records"`
}

// ExportStatus is the lifecycle state of a data export request.
type ExportStatus string

// Export request states. Exactly one terminal state is reached per request.
const (
	ExportStatusPending    ExportStatus = "pending"
	ExportStatusProcessing ExportStatus = "processing"
	ExportStatusCompleted  ExportStatus = "completed"
	ExportStatusFailed     ExportStatus = "failed"
)

// DataExportRequest tracks an on-demand GDPR data export.
type DataExportRequest struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	Status        ExportStatus `json:"status"`
	ExportFormat  string       `json:"export_format"`
	FilePath      string       `json:"file_path,omitempty"`
	FileSizeBytes int64        `json:"file_size_bytes,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
	ErrorMessage  string       `json:"error_message,omitempty"`
}

// Downloadable reports whether the export archive may still be served.
func (r DataExportRequest) Downloadable(now time.Time) bool {
	return r.Status == ExportStatusCompleted && r.ExpiresAt != nil && now.Before(*r.ExpiresAt)
}

// Page is one fetched page of a website crawl, handed to the embedding step.
type Page struct {
	URL     string
	Title   string
	Content string
}

// Chunk is a bounded substring of page content prepared for embedding, with
// overlap to preserve cross-boundary context.
type Chunk struct {
	Content string
	PageURL string
	Index   int
}

// UserRecord is the slice of the user entity the deletion and export
// pipelines need.
type UserRecord struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Plan  string `json:"plan"`
}
