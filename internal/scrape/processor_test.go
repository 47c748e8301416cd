package scrape

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatlas/ingest/internal/pipeline"
	storagememory "github.com/chatlas/ingest/internal/storage/memory"
)

type fakeFetcher struct {
	pages []pipeline.Page
	err   error
}

func (f *fakeFetcher) CrawlSite(_ context.Context, _ string, maxPages int, _ bool, visit func(pipeline.Page) error) error {
	if f.err != nil {
		return f.err
	}
	for i, p := range f.pages {
		if maxPages > 0 && i >= maxPages {
			break
		}
		if err := visit(p); err != nil {
			return err
		}
	}
	return nil
}

type fakeEmbedder struct {
	mu        sync.Mutex
	perPage   int
	err       error
	deleted   int
	deletedAt []time.Time
}

func (e *fakeEmbedder) CreateEmbedding(_ context.Context, _ string, _ pipeline.Page) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	return e.perPage, nil
}

func (e *fakeEmbedder) DeleteEmbeddingsBefore(_ context.Context, _ string, cutoff time.Time) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deletedAt = append(e.deletedAt, cutoff)
	return e.deleted, nil
}

type trackingCache struct {
	mu       sync.Mutex
	deleted  []string
	patterns []string
}

func (c *trackingCache) Get(_ context.Context, _ string) ([]byte, bool, error) { return nil, false, nil }
func (c *trackingCache) SetEx(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}

func (c *trackingCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, keys...)
	return nil
}

func (c *trackingCache) DeletePattern(_ context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patterns = append(c.patterns, pattern)
	return nil
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func seedScrape(t *testing.T, store *storagememory.Store) pipeline.ScrapePayload {
	t.Helper()
	store.AddUser(pipeline.UserRecord{ID: "user-1", Email: "u@example.com", Plan: "pro"})
	store.AddChatbot(pipeline.Chatbot{
		ID:         "bot-1",
		UserID:     "user-1",
		WebsiteURL: "https://example.com",
	})
	require.NoError(t, store.CreateScrapeHistory(context.Background(), pipeline.ScrapeHistoryEntry{
		ID:        "hist-1",
		ChatbotID: "bot-1",
		Status:    pipeline.ScrapeStatusPending,
		StartedAt: testNow,
	}))
	return pipeline.ScrapePayload{
		ChatbotID:  "bot-1",
		WebsiteURL: "https://example.com",
		MaxPages:   10,
		HistoryID:  "hist-1",
		IsRescrape: true,
	}
}

func newTestProcessor(store *storagememory.Store, fetcher pipeline.PageFetcher, embedder Embedder, cache pipeline.Cache) *Processor {
	return NewProcessor(store, store, fetcher, embedder, cache, fakeClock{now: testNow}, time.Minute, zap.NewNop())
}

func TestProcessor_Success(t *testing.T) {
	t.Parallel()
	store := storagememory.NewStore()
	payload := seedScrape(t, store)
	fetcher := &fakeFetcher{pages: []pipeline.Page{
		{URL: "https://example.com", Title: "Home", Content: "welcome"},
		{URL: "https://example.com/about", Title: "About", Content: "about us"},
	}}
	embedder := &fakeEmbedder{perPage: 3, deleted: 5}
	cache := &trackingCache{}

	err := newTestProcessor(store, fetcher, embedder, cache).Process(context.Background(), payload)
	require.NoError(t, err)

	entry, err := store.GetScrapeHistory(context.Background(), "hist-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.ScrapeStatusCompleted, entry.Status)
	require.Equal(t, 2, entry.PagesScraped)
	require.Equal(t, 6, entry.EmbeddingsCreated)
	require.NotNil(t, entry.CompletedAt)

	bot, err := store.GetChatbot(context.Background(), "bot-1")
	require.NoError(t, err)
	require.NotNil(t, bot.LastScrapedAt)
	require.Equal(t, testNow, *bot.LastScrapedAt)

	// Stale generation purged with the cutoff taken before the crawl.
	require.Len(t, embedder.deletedAt, 1)
	require.Equal(t, testNow, embedder.deletedAt[0])

	require.Contains(t, cache.deleted, "chatbot:bot-1")
	require.Contains(t, cache.patterns, "chatbots:user:user-1:*")
}

func TestProcessor_CrawlFailureLeavesInProgress(t *testing.T) {
	t.Parallel()
	store := storagememory.NewStore()
	payload := seedScrape(t, store)
	fetcher := &fakeFetcher{err: &pipeline.ExternalServiceError{Service: "crawler", Err: errors.New("timeout")}}
	proc := newTestProcessor(store, fetcher, &fakeEmbedder{}, &trackingCache{})

	err := proc.Process(context.Background(), payload)
	require.Error(t, err)

	// Retry bookkeeping belongs to the worker; the record stays in_progress
	// until MarkFailed.
	entry, err := store.GetScrapeHistory(context.Background(), "hist-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.ScrapeStatusInProgress, entry.Status)

	proc.MarkFailed(context.Background(), "hist-1", "crawler: timeout")
	entry, err = store.GetScrapeHistory(context.Background(), "hist-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.ScrapeStatusFailed, entry.Status)
	require.Equal(t, "crawler: timeout", entry.ErrorMessage)
	require.NotNil(t, entry.CompletedAt)
}

func TestProcessor_TerminalHistoryIsSkipped(t *testing.T) {
	t.Parallel()
	store := storagememory.NewStore()
	payload := seedScrape(t, store)
	done := testNow.Add(-time.Hour)
	require.NoError(t, store.UpdateScrapeHistory(context.Background(), "hist-1", pipeline.ScrapeStatusCompleted, 4, 12, "", &done))

	fetcher := &fakeFetcher{err: errors.New("should never be called")}
	err := newTestProcessor(store, fetcher, &fakeEmbedder{}, &trackingCache{}).Process(context.Background(), payload)
	require.NoError(t, err)

	entry, err := store.GetScrapeHistory(context.Background(), "hist-1")
	require.NoError(t, err)
	require.Equal(t, 4, entry.PagesScraped)
}

func TestProcessor_EmbeddingFailurePropagates(t *testing.T) {
	t.Parallel()
	store := storagememory.NewStore()
	payload := seedScrape(t, store)
	fetcher := &fakeFetcher{pages: []pipeline.Page{{URL: "https://example.com", Content: "x"}}}
	embedder := &fakeEmbedder{err: errors.New("provider down")}

	err := newTestProcessor(store, fetcher, embedder, &trackingCache{}).Process(context.Background(), payload)
	require.Error(t, err)
	require.Contains(t, err.Error(), "provider down")
}

func TestProcessor_InitialScrapeSkipsPurge(t *testing.T) {
	t.Parallel()
	store := storagememory.NewStore()
	payload := seedScrape(t, store)
	payload.IsRescrape = false
	fetcher := &fakeFetcher{pages: []pipeline.Page{{URL: "https://example.com", Content: "x"}}}
	embedder := &fakeEmbedder{perPage: 1}

	err := newTestProcessor(store, fetcher, embedder, &trackingCache{}).Process(context.Background(), payload)
	require.NoError(t, err)
	require.Empty(t, embedder.deletedAt)
}
