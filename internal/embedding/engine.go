package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chatlas/ingest/internal/pipeline"
	"github.com/chatlas/ingest/internal/telemetry"
)

// Config controls batching and the similarity cache.
type Config struct {
	BatchSize  int
	BatchPause time.Duration
	CacheTTL   time.Duration
}

// Engine chunks page content, embeds it through the provider, and persists
// the vectors.
type Engine struct {
	store    pipeline.EmbeddingStore
	provider pipeline.EmbeddingProvider
	cache    pipeline.Cache
	hasher   pipeline.Hasher
	clock    pipeline.Clock
	idGen    pipeline.IDGenerator
	cfg      Config
	logger   *zap.Logger
}

// NewEngine constructs an Engine.
func NewEngine(
	store pipeline.EmbeddingStore,
	provider pipeline.EmbeddingProvider,
	cache pipeline.Cache,
	hasher pipeline.Hasher,
	clock pipeline.Clock,
	idGen pipeline.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 300 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		provider: provider,
		cache:    cache,
		hasher:   hasher,
		clock:    clock,
		idGen:    idGen,
		cfg:      cfg,
		logger:   logger,
	}
}

// CreateEmbedding chunks the page, embeds chunks in batches with a short
// inter-batch pause for provider rate limits, and bulk-inserts the vectors.
// A batch failure aborts the page with an error; batches already flushed
// stay persisted (at-least-once per completed batch).
func (e *Engine) CreateEmbedding(ctx context.Context, chatbotID string, page pipeline.Page) (int, error) {
	chunks := SplitIntoChunks(page.Content, page.URL)
	if len(chunks) == 0 {
		return 0, nil
	}

	created := 0
	now := e.clock.Now()
	for start := 0; start < len(chunks); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		vectors, err := e.provider.EmbedBatch(ctx, texts)
		if err != nil {
			return created, fmt.Errorf("embed batch %d: %w", start/e.cfg.BatchSize, err)
		}

		records := make([]pipeline.EmbeddingRecord, len(batch))
		for i, c := range batch {
			id, err := e.idGen.NewID()
			if err != nil {
				return created, fmt.Errorf("embedding id: %w", err)
			}
			records[i] = pipeline.EmbeddingRecord{
				ID:        id,
				ChatbotID: chatbotID,
				Content:   c.Content,
				Embedding: vectors[i],
				PageURL:   c.PageURL,
				CreatedAt: now,
			}
		}
		if err := e.store.InsertEmbeddings(ctx, records); err != nil {
			return created, fmt.Errorf("insert batch %d: %w", start/e.cfg.BatchSize, err)
		}
		created += len(records)

		if end < len(chunks) && e.cfg.BatchPause > 0 {
			select {
			case <-ctx.Done():
				return created, fmt.Errorf("embedding canceled: %w", ctx.Err())
			case <-time.After(e.cfg.BatchPause):
			}
		}
	}
	telemetry.AddEmbeddingsCreated(created)
	return created, nil
}

// FindSimilar serves a cache-first similarity lookup keyed by chatbot and
// hashed query text.
func (e *Engine) FindSimilar(
	ctx context.Context,
	chatbotID, query string,
	limit int,
	threshold float64,
) ([]pipeline.SimilarContent, error) {
	digest, err := e.hasher.Hash([]byte(query))
	if err != nil {
		return nil, fmt.Errorf("hash query: %w", err)
	}
	key := fmt.Sprintf("similar:%s:%s", chatbotID, digest)

	if data, ok, _ := e.cache.Get(ctx, key); ok {
		var cached []pipeline.SimilarContent
		if err := json.Unmarshal(data, &cached); err == nil {
			return cached, nil
		}
		e.logger.Warn("corrupt similarity cache entry", zap.String("key", key))
	}

	vector, err := e.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := e.store.SearchSimilar(ctx, chatbotID, vector, limit, threshold)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}

	if data, err := json.Marshal(results); err == nil {
		_ = e.cache.SetEx(ctx, key, data, e.cfg.CacheTTL)
	}
	return results, nil
}

// DeleteEmbeddingsBefore removes vectors strictly older than cutoff. Callers
// run it only after the replacement vectors are written (swap pattern), so
// the knowledge base is never empty mid-refresh.
func (e *Engine) DeleteEmbeddingsBefore(ctx context.Context, chatbotID string, cutoff time.Time) (int, error) {
	deleted, err := e.store.DeleteEmbeddingsBefore(ctx, chatbotID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete embeddings before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return deleted, nil
}
