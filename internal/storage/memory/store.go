// Package memory provides an in-memory Store for tests and single-process
// development mode.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/chatlas/ingest/internal/pipeline"
)

// Store is a mutex-guarded in-memory implementation of pipeline.Store.
type Store struct {
	mu         sync.RWMutex
	histories  map[string]pipeline.ScrapeHistoryEntry
	chatbots   map[string]pipeline.Chatbot
	plans      map[string]pipeline.PlanLimits
	embeddings []pipeline.EmbeddingRecord
	deletions  map[string]pipeline.DeletionRequest
	exports    map[string]pipeline.DataExportRequest
	users      map[string]pipeline.UserRecord

	conversations map[string][]map[string]any
	analytics     map[string][]map[string]any
	subscriptions map[string]map[string]any
	consents      map[string][]map[string]any

	anonymized map[string]int
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		histories:     make(map[string]pipeline.ScrapeHistoryEntry),
		chatbots:      make(map[string]pipeline.Chatbot),
		plans:         make(map[string]pipeline.PlanLimits),
		deletions:     make(map[string]pipeline.DeletionRequest),
		exports:       make(map[string]pipeline.DataExportRequest),
		users:         make(map[string]pipeline.UserRecord),
		conversations: make(map[string][]map[string]any),
		analytics:     make(map[string][]map[string]any),
		subscriptions: make(map[string]map[string]any),
		consents:      make(map[string][]map[string]any),
		anonymized:    make(map[string]int),
	}
}

// --- seeding helpers (dev mode and tests) ---

// AddChatbot stores a chatbot.
func (s *Store) AddChatbot(c pipeline.Chatbot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatbots[c.ID] = c
}

// AddUser stores a user record.
func (s *Store) AddUser(u pipeline.UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// SetPlanLimits stores plan limits for a user.
func (s *Store) SetPlanLimits(userID string, limits pipeline.PlanLimits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[userID] = limits
}

// AddDeletionRequest stores a deletion request.
func (s *Store) AddDeletionRequest(r pipeline.DeletionRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletions[r.ID] = r
}

// AddConversation appends a conversation row for a user.
func (s *Store) AddConversation(userID string, row map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[userID] = append(s.conversations[userID], row)
}

// AddConsent appends a consent row for a user.
func (s *Store) AddConsent(userID string, row map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consents[userID] = append(s.consents[userID], row)
}

// AnonymizedCount reports how many times billing rows were anonymized for a
// user (test observability).
func (s *Store) AnonymizedCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.anonymized[userID]
}

// UserExists reports whether a user row is still present.
func (s *Store) UserExists(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok
}

// EmbeddingCount returns the number of stored embeddings for a chatbot.
func (s *Store) EmbeddingCount(chatbotID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.embeddings {
		if r.ChatbotID == chatbotID {
			n++
		}
	}
	return n
}

// --- HistoryStore ---

// CreateScrapeHistory stores a new history entry.
func (s *Store) CreateScrapeHistory(_ context.Context, entry pipeline.ScrapeHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.histories[entry.ID]; exists {
		return &pipeline.ValidationError{Field: "id", Reason: "history entry already exists"}
	}
	s.histories[entry.ID] = entry
	return nil
}

// GetScrapeHistory fetches a history entry.
func (s *Store) GetScrapeHistory(_ context.Context, historyID string) (pipeline.ScrapeHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.histories[historyID]
	if !ok {
		return pipeline.ScrapeHistoryEntry{}, &pipeline.NotFoundError{Entity: "scrape history", ID: historyID}
	}
	return entry, nil
}

// UpdateScrapeHistory applies a forward status transition.
func (s *Store) UpdateScrapeHistory(
	_ context.Context,
	historyID string,
	status pipeline.ScrapeStatus,
	pagesScraped, embeddingsCreated int,
	errMsg string,
	completedAt *time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.histories[historyID]
	if !ok {
		return &pipeline.NotFoundError{Entity: "scrape history", ID: historyID}
	}
	if !entry.Status.CanTransitionTo(status) {
		return &pipeline.ValidationError{
			Field:  "status",
			Reason: "cannot move " + string(entry.Status) + " to " + string(status),
		}
	}
	entry.Status = status
	entry.PagesScraped = pagesScraped
	entry.EmbeddingsCreated = embeddingsCreated
	entry.ErrorMessage = errMsg
	entry.CompletedAt = completedAt
	s.histories[historyID] = entry
	return nil
}

// ListScrapeHistory returns the newest entries for a chatbot, truncated.
func (s *Store) ListScrapeHistory(_ context.Context, chatbotID string, limit int) ([]pipeline.ScrapeHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.ScrapeHistoryEntry
	for _, e := range s.histories {
		if e.ChatbotID == chatbotID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- ChatbotStore ---

// GetChatbot fetches a chatbot.
func (s *Store) GetChatbot(_ context.Context, chatbotID string) (pipeline.Chatbot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chatbots[chatbotID]
	if !ok {
		return pipeline.Chatbot{}, &pipeline.NotFoundError{Entity: "chatbot", ID: chatbotID}
	}
	return c, nil
}

// ListAutoScrapeChatbots returns chatbots with auto-scrape enabled.
func (s *Store) ListAutoScrapeChatbots(_ context.Context) ([]pipeline.Chatbot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.Chatbot
	for _, c := range s.chatbots {
		if c.AutoScrapeEnabled {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateLastScrapedAt records the completion time of the latest scrape.
func (s *Store) UpdateLastScrapedAt(_ context.Context, chatbotID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chatbots[chatbotID]
	if !ok {
		return &pipeline.NotFoundError{Entity: "chatbot", ID: chatbotID}
	}
	c.LastScrapedAt = &at
	s.chatbots[chatbotID] = c
	return nil
}

// GetPlanLimits returns plan limits for a user, with a conservative default.
func (s *Store) GetPlanLimits(_ context.Context, userID string) (pipeline.PlanLimits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limits, ok := s.plans[userID]; ok {
		return limits, nil
	}
	return pipeline.PlanLimits{MaxPages: 10}, nil
}

// --- EmbeddingStore ---

// InsertEmbeddings appends records in one batch.
func (s *Store) InsertEmbeddings(_ context.Context, records []pipeline.EmbeddingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings = append(s.embeddings, records...)
	return nil
}

// DeleteEmbeddingsBefore removes the chatbot's records strictly older than
// cutoff.
func (s *Store) DeleteEmbeddingsBefore(_ context.Context, chatbotID string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.embeddings[:0]
	deleted := 0
	for _, r := range s.embeddings {
		if r.ChatbotID == chatbotID && r.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.embeddings = kept
	return deleted, nil
}

// SearchSimilar ranks the chatbot's embeddings by cosine similarity.
func (s *Store) SearchSimilar(
	_ context.Context,
	chatbotID string,
	query []float32,
	limit int,
	threshold float64,
) ([]pipeline.SimilarContent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.SimilarContent
	for _, r := range s.embeddings {
		if r.ChatbotID != chatbotID {
			continue
		}
		sim := cosine(query, r.Embedding)
		if sim >= threshold {
			out = append(out, pipeline.SimilarContent{
				Content:    r.Content,
				PageURL:    r.PageURL,
				Similarity: sim,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// --- DeletionStore ---

// CreateDeletionRequest inserts a new deletion request.
func (s *Store) CreateDeletionRequest(_ context.Context, req pipeline.DeletionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deletions[req.ID]; exists {
		return &pipeline.ValidationError{Field: "id", Reason: "deletion request already exists"}
	}
	s.deletions[req.ID] = req
	return nil
}

// GetDeletionRequest fetches a deletion request.
func (s *Store) GetDeletionRequest(_ context.Context, requestID string) (pipeline.DeletionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.deletions[requestID]
	if !ok {
		return pipeline.DeletionRequest{}, &pipeline.NotFoundError{Entity: "deletion request", ID: requestID}
	}
	return r, nil
}

// ListDueDeletionRequests returns pending and processing requests at or
// past their date. Processing rows are included so a deletion orphaned by a
// crash or retry exhaustion is re-enqueued by the next scan.
func (s *Store) ListDueDeletionRequests(_ context.Context, now time.Time) ([]pipeline.DeletionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.DeletionRequest
	for _, r := range s.deletions {
		active := r.Status == pipeline.DeletionStatusPending || r.Status == pipeline.DeletionStatusProcessing
		if active && !r.ScheduledDeletionDate.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateDeletionStatus updates a request's status. Terminal states are
// immutable.
func (s *Store) UpdateDeletionStatus(_ context.Context, requestID string, status pipeline.DeletionStatus, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.deletions[requestID]
	if !ok {
		return &pipeline.NotFoundError{Entity: "deletion request", ID: requestID}
	}
	if r.Status == pipeline.DeletionStatusCompleted || r.Status == pipeline.DeletionStatusCancelled {
		return &pipeline.ValidationError{Field: "status", Reason: "deletion request is terminal"}
	}
	r.Status = status
	r.CompletedAt = completedAt
	s.deletions[requestID] = r
	return nil
}

// CancelDeletionRequest cancels a request only while the grace period holds.
func (s *Store) CancelDeletionRequest(_ context.Context, requestID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.deletions[requestID]
	if !ok || r.Status != pipeline.DeletionStatusPending || !now.Before(r.ScheduledDeletionDate) {
		return &pipeline.NotFoundError{Entity: "cancellable deletion request", ID: requestID}
	}
	r.Status = pipeline.DeletionStatusCancelled
	s.deletions[requestID] = r
	return nil
}

// CollectDeletionSummary counts the user's rows across tables.
func (s *Store) CollectDeletionSummary(_ context.Context, userID string) (pipeline.DeletionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary := pipeline.DeletionSummary{
		Conversations:   len(s.conversations[userID]),
		AnalyticsEvents: len(s.analytics[userID]),
		ConsentRecords:  len(s.consents[userID]),
	}
	for _, c := range s.chatbots {
		if c.UserID == userID {
			summary.Chatbots++
			for _, e := range s.embeddings {
				if e.ChatbotID == c.ID {
					summary.Embeddings++
				}
			}
		}
	}
	return summary, nil
}

// AnonymizeBillingRecords records the anonymization pass.
func (s *Store) AnonymizeBillingRecords(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anonymized[userID]++
	return s.anonymized[userID], nil
}

// DeleteUser removes the user and cascades owned rows, mirroring the
// referential rules of the relational backend.
func (s *Store) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return &pipeline.NotFoundError{Entity: "user", ID: userID}
	}
	delete(s.users, userID)
	delete(s.conversations, userID)
	delete(s.analytics, userID)
	delete(s.subscriptions, userID)
	delete(s.consents, userID)
	owned := make(map[string]bool)
	for id, c := range s.chatbots {
		if c.UserID == userID {
			owned[id] = true
			delete(s.chatbots, id)
		}
	}
	kept := s.embeddings[:0]
	for _, e := range s.embeddings {
		if !owned[e.ChatbotID] {
			kept = append(kept, e)
		}
	}
	s.embeddings = kept
	return nil
}

// --- ExportStore ---

// GetExportRequest fetches an export request.
func (s *Store) GetExportRequest(_ context.Context, requestID string) (pipeline.DataExportRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.exports[requestID]
	if !ok {
		return pipeline.DataExportRequest{}, &pipeline.NotFoundError{Entity: "export request", ID: requestID}
	}
	return r, nil
}

// CreateExportRequest stores a new export request.
func (s *Store) CreateExportRequest(_ context.Context, req pipeline.DataExportRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.exports[req.ID]; exists {
		return &pipeline.ValidationError{Field: "id", Reason: "export request already exists"}
	}
	s.exports[req.ID] = req
	return nil
}

// UpdateExportRequest replaces an export request record.
func (s *Store) UpdateExportRequest(_ context.Context, req pipeline.DataExportRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exports[req.ID]; !ok {
		return &pipeline.NotFoundError{Entity: "export request", ID: req.ID}
	}
	s.exports[req.ID] = req
	return nil
}

// LatestExportRequestTime returns the creation time of the user's newest
// export request.
func (s *Store) LatestExportRequestTime(_ context.Context, userID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *time.Time
	for _, r := range s.exports {
		if r.UserID != userID {
			continue
		}
		t := r.CreatedAt
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	return latest, nil
}

// CollectExportData aggregates the user's data across tables.
func (s *Store) CollectExportData(_ context.Context, userID string) (pipeline.ExportBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return pipeline.ExportBundle{}, &pipeline.NotFoundError{Entity: "user", ID: userID}
	}
	bundle := pipeline.ExportBundle{
		User:          user,
		Conversations: append([]map[string]any(nil), s.conversations[userID]...),
		Analytics:     append([]map[string]any(nil), s.analytics[userID]...),
		Subscription:  s.subscriptions[userID],
		Consents:      append([]map[string]any(nil), s.consents[userID]...),
	}
	for _, c := range s.chatbots {
		if c.UserID == userID {
			bundle.Chatbots = append(bundle.Chatbots, c)
		}
	}
	sort.Slice(bundle.Chatbots, func(i, j int) bool { return bundle.Chatbots[i].ID < bundle.Chatbots[j].ID })
	return bundle, nil
}

// --- UserStore ---

// GetUser fetches a user record.
func (s *Store) GetUser(_ context.Context, userID string) (pipeline.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return pipeline.UserRecord{}, &pipeline.NotFoundError{Entity: "user", ID: userID}
	}
	return u, nil
}
