package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKind tags the payload variant carried by a queue envelope.
type JobKind string

// Job kinds dispatched by the worker loop.
const (
	JobKindScrapeWebsite    JobKind = "scrape-website"
	JobKindAccountDeletion  JobKind = "account-deletion"
	JobKindDataExport       JobKind = "data-export"
	JobKindCheckedDeletions JobKind = "check-scheduled-deletions"
)

// Queue names. Each kind is bound to exactly one queue.
const (
	QueueScrape   = "scrape"
	QueueDeletion = "deletion"
	QueueExport   = "export"
)

// QueueForKind maps a job kind to its home queue.
func QueueForKind(kind JobKind) string {
	switch kind {
	case JobKindScrapeWebsite:
		return QueueScrape
	case JobKindAccountDeletion, JobKindCheckedDeletions:
		return QueueDeletion
	case JobKindDataExport:
		return QueueExport
	default:
		return ""
	}
}

// ScrapePayload drives one website crawl.
type ScrapePayload struct {
	ChatbotID        string `json:"chatbot_id"`
	WebsiteURL       string `json:"website_url"`
	MaxPages         int    `json:"max_pages"`
	HistoryID        string `json:"history_id"`
	IsRescrape       bool   `json:"is_rescrape"`
	RenderJavaScript bool   `json:"render_javascript,omitempty"`
}

// DeletionPayload drives one account deletion.
type DeletionPayload struct {
	RequestID string `json:"request_id"`
}

// ExportPayload drives one data export.
type ExportPayload struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	Format    string `json:"format"`
}

// Job is the queue-level envelope. Exactly one payload field is set,
// selected by Kind.
type Job struct {
	ID       string          `json:"id"`
	Kind     JobKind         `json:"kind"`
	Attempt  int             `json:"attempt"`
	Enqueued time.Time       `json:"enqueued_at"`
	Scrape   *ScrapePayload  `json:"scrape,omitempty"`
	Deletion *DeletionPayload `json:"deletion,omitempty"`
	Export   *ExportPayload  `json:"export,omitempty"`
}

// Validate checks that the envelope carries the payload its kind requires.
func (j Job) Validate() error {
	switch j.Kind {
	case JobKindScrapeWebsite:
		if j.Scrape == nil {
			return &ValidationError{Field: "scrape", Reason: "payload required"}
		}
		if j.Scrape.ChatbotID == "" || j.Scrape.HistoryID == "" {
			return &ValidationError{Field: "scrape", Reason: "chatbot_id and history_id required"}
		}
	case JobKindAccountDeletion:
		if j.Deletion == nil || j.Deletion.RequestID == "" {
			return &ValidationError{Field: "deletion", Reason: "request_id required"}
		}
	case JobKindDataExport:
		if j.Export == nil || j.Export.RequestID == "" {
			return &ValidationError{Field: "export", Reason: "request_id required"}
		}
	case JobKindCheckedDeletions:
		// No payload.
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown job kind %q", j.Kind)}
	}
	return nil
}

// EncodeJob serializes an envelope for the broker.
func EncodeJob(j Job) ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	return data, nil
}

// DecodeJob deserializes a broker envelope.
func DecodeJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return j, nil
}
