package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatlas/ingest/internal/pipeline"
)

type fakeEmbeddingStore struct {
	mu        sync.Mutex
	records   []pipeline.EmbeddingRecord
	failAfter int // fail InsertEmbeddings after this many calls, -1 never
	inserts   int
	results   []pipeline.SimilarContent
	searches  int
}

func (s *fakeEmbeddingStore) InsertEmbeddings(_ context.Context, records []pipeline.EmbeddingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.failAfter >= 0 && s.inserts > s.failAfter {
		return errors.New("insert failed")
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *fakeEmbeddingStore) DeleteEmbeddingsBefore(_ context.Context, chatbotID string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	deleted := 0
	for _, r := range s.records {
		if r.ChatbotID == chatbotID && r.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return deleted, nil
}

func (s *fakeEmbeddingStore) SearchSimilar(_ context.Context, _ string, _ []float32, _ int, _ float64) ([]pipeline.SimilarContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searches++
	return s.results, nil
}

type fakeProvider struct {
	mu        sync.Mutex
	batches   int
	failBatch int // 1-based batch index to fail, 0 never
}

func (p *fakeProvider) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func (p *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches++
	if p.failBatch > 0 && p.batches == p.failBatch {
		return nil, errors.New("provider unavailable")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1, 2}
	}
	return out, nil
}

type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
	gets int
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string][]byte{}}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *fakeCache) SetEx(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.data[key] = value
	return nil
}

func (c *fakeCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func (c *fakeCache) DeletePattern(_ context.Context, _ string) error { return nil }

type fakeHasher struct{}

func (fakeHasher) Hash(data []byte) (string, error) {
	return fmt.Sprintf("%x", len(data)), nil
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

func newTestEngine(store *fakeEmbeddingStore, provider *fakeProvider, cache *fakeCache) *Engine {
	return NewEngine(store, provider, cache, fakeHasher{}, fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}, &seqIDGen{}, Config{
		BatchSize:  10,
		BatchPause: time.Millisecond,
		CacheTTL:   300 * time.Second,
	}, zap.NewNop())
}

func longPage() pipeline.Page {
	return pipeline.Page{
		URL:     "https://example.com/docs",
		Content: strings.Repeat("knowledge base content words here ", 900),
	}
}

func TestEngine_CreateEmbedding_Batches(t *testing.T) {
	t.Parallel()
	store := &fakeEmbeddingStore{failAfter: -1}
	provider := &fakeProvider{}
	engine := newTestEngine(store, provider, newFakeCache())

	created, err := engine.CreateEmbedding(context.Background(), "bot-1", longPage())
	require.NoError(t, err)
	require.Greater(t, created, 10, "expected multiple batches")
	require.Len(t, store.records, created)
	require.Greater(t, provider.batches, 1)
	for _, r := range store.records {
		require.Equal(t, "bot-1", r.ChatbotID)
		require.Equal(t, "https://example.com/docs", r.PageURL)
		require.NotEmpty(t, r.Embedding)
	}
}

func TestEngine_CreateEmbedding_EmptyPage(t *testing.T) {
	t.Parallel()
	store := &fakeEmbeddingStore{failAfter: -1}
	engine := newTestEngine(store, &fakeProvider{}, newFakeCache())

	created, err := engine.CreateEmbedding(context.Background(), "bot-1", pipeline.Page{URL: "https://example.com", Content: "  "})
	require.NoError(t, err)
	require.Zero(t, created)
	require.Zero(t, store.inserts)
}

func TestEngine_CreateEmbedding_ProviderFailureAborts(t *testing.T) {
	t.Parallel()
	store := &fakeEmbeddingStore{failAfter: -1}
	provider := &fakeProvider{failBatch: 2}
	engine := newTestEngine(store, provider, newFakeCache())

	created, err := engine.CreateEmbedding(context.Background(), "bot-1", longPage())
	require.Error(t, err)
	// The first batch was flushed before the failure.
	require.Equal(t, 10, created)
	require.Len(t, store.records, 10)
}

func TestEngine_SwapKeepsNewGeneration(t *testing.T) {
	t.Parallel()
	store := &fakeEmbeddingStore{failAfter: -1}
	old := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	store.records = append(store.records, pipeline.EmbeddingRecord{
		ID: "stale", ChatbotID: "bot-1", CreatedAt: old,
	})
	engine := newTestEngine(store, &fakeProvider{}, newFakeCache())

	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	created, err := engine.CreateEmbedding(context.Background(), "bot-1", longPage())
	require.NoError(t, err)

	deleted, err := engine.DeleteEmbeddingsBefore(context.Background(), "bot-1", cutoff)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
	require.Len(t, store.records, created)
}

func TestEngine_FindSimilar_CachesResults(t *testing.T) {
	t.Parallel()
	store := &fakeEmbeddingStore{
		failAfter: -1,
		results: []pipeline.SimilarContent{
			{Content: "hit", PageURL: "https://example.com/p", Similarity: 0.92},
		},
	}
	cache := newFakeCache()
	engine := newTestEngine(store, &fakeProvider{}, cache)

	first, err := engine.FindSimilar(context.Background(), "bot-1", "what is the refund policy", 5, 0.7)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, 1, store.searches)
	require.Equal(t, 1, cache.sets)

	second, err := engine.FindSimilar(context.Background(), "bot-1", "what is the refund policy", 5, 0.7)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, store.searches, "second lookup must come from cache")
}
