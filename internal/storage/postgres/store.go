// Package postgres provides the Postgres-backed persistence implementation.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/chatlas/ingest/internal/pipeline"
)

// Pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// Store implements pipeline.Store on Postgres with a pgvector embeddings
// column.
type Store struct {
	pool Pool
}

// NewStore connects a pool and registers pgvector types on each connection.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a Store from an existing pool (tests).
func NewStoreWithPool(pool Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// --- HistoryStore ---

// CreateScrapeHistory inserts a new attempt record in pending status.
func (s *Store) CreateScrapeHistory(ctx context.Context, entry pipeline.ScrapeHistoryEntry) error {
	query := `
		INSERT INTO scrape_history
			(id, chatbot_id, status, pages_scraped, embeddings_created, triggered_by, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`
	_, err := s.pool.Exec(ctx, query,
		entry.ID, entry.ChatbotID, entry.Status,
		entry.PagesScraped, entry.EmbeddingsCreated,
		entry.TriggeredBy, entry.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert scrape history: %w", err)
	}
	return nil
}

// GetScrapeHistory fetches one attempt record.
func (s *Store) GetScrapeHistory(ctx context.Context, historyID string) (pipeline.ScrapeHistoryEntry, error) {
	query := `
		SELECT id, chatbot_id, status, pages_scraped, embeddings_created,
		       COALESCE(error_message, ''), triggered_by, started_at, completed_at
		FROM scrape_history WHERE id = $1;
	`
	var entry pipeline.ScrapeHistoryEntry
	err := s.pool.QueryRow(ctx, query, historyID).Scan(
		&entry.ID, &entry.ChatbotID, &entry.Status,
		&entry.PagesScraped, &entry.EmbeddingsCreated,
		&entry.ErrorMessage, &entry.TriggeredBy,
		&entry.StartedAt, &entry.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return pipeline.ScrapeHistoryEntry{}, &pipeline.NotFoundError{Entity: "scrape history", ID: historyID}
		}
		return pipeline.ScrapeHistoryEntry{}, fmt.Errorf("select scrape history: %w", err)
	}
	return entry, nil
}

// UpdateScrapeHistory applies a forward status transition. The WHERE clause
// enforces the forward-only invariant at the database, so a retried job can
// never regress a terminal record.
func (s *Store) UpdateScrapeHistory(
	ctx context.Context,
	historyID string,
	status pipeline.ScrapeStatus,
	pagesScraped, embeddingsCreated int,
	errMsg string,
	completedAt *time.Time,
) error {
	query := `
		UPDATE scrape_history
		SET status = $2, pages_scraped = $3, embeddings_created = $4,
		    error_message = NULLIF($5, ''), completed_at = $6
		WHERE id = $1
		  AND status NOT IN ('completed', 'failed')
		  AND NOT (status = 'in_progress' AND $2 = 'pending');
	`
	tag, err := s.pool.Exec(ctx, query, historyID, status, pagesScraped, embeddingsCreated, errMsg, completedAt)
	if err != nil {
		return fmt.Errorf("update scrape history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &pipeline.ValidationError{Field: "status", Reason: "no forward transition for " + historyID}
	}
	return nil
}

// ListScrapeHistory returns the newest attempts for a chatbot, truncated.
func (s *Store) ListScrapeHistory(ctx context.Context, chatbotID string, limit int) ([]pipeline.ScrapeHistoryEntry, error) {
	query := `
		SELECT id, chatbot_id, status, pages_scraped, embeddings_created,
		       COALESCE(error_message, ''), triggered_by, started_at, completed_at
		FROM scrape_history
		WHERE chatbot_id = $1
		ORDER BY started_at DESC
		LIMIT $2;
	`
	rows, err := s.pool.Query(ctx, query, chatbotID, limit)
	if err != nil {
		return nil, fmt.Errorf("list scrape history: %w", err)
	}
	defer rows.Close()
	var out []pipeline.ScrapeHistoryEntry
	for rows.Next() {
		var entry pipeline.ScrapeHistoryEntry
		if err := rows.Scan(
			&entry.ID, &entry.ChatbotID, &entry.Status,
			&entry.PagesScraped, &entry.EmbeddingsCreated,
			&entry.ErrorMessage, &entry.TriggeredBy,
			&entry.StartedAt, &entry.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan scrape history: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scrape history: %w", err)
	}
	return out, nil
}

// --- ChatbotStore ---

// GetChatbot fetches a chatbot's pipeline-relevant fields.
func (s *Store) GetChatbot(ctx context.Context, chatbotID string) (pipeline.Chatbot, error) {
	query := `
		SELECT id, user_id, website_url, auto_scrape_enabled, scrape_frequency, last_scraped_at
		FROM chatbots WHERE id = $1;
	`
	var c pipeline.Chatbot
	err := s.pool.QueryRow(ctx, query, chatbotID).Scan(
		&c.ID, &c.UserID, &c.WebsiteURL,
		&c.AutoScrapeEnabled, &c.ScrapeFrequency, &c.LastScrapedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return pipeline.Chatbot{}, &pipeline.NotFoundError{Entity: "chatbot", ID: chatbotID}
		}
		return pipeline.Chatbot{}, fmt.Errorf("select chatbot: %w", err)
	}
	return c, nil
}

// ListAutoScrapeChatbots returns schedule candidates. Manual-frequency bots
// are filtered again by the policy function; the query just narrows the
// scan.
func (s *Store) ListAutoScrapeChatbots(ctx context.Context) ([]pipeline.Chatbot, error) {
	query := `
		SELECT id, user_id, website_url, auto_scrape_enabled, scrape_frequency, last_scraped_at
		FROM chatbots
		WHERE auto_scrape_enabled = TRUE;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list auto-scrape chatbots: %w", err)
	}
	defer rows.Close()
	var out []pipeline.Chatbot
	for rows.Next() {
		var c pipeline.Chatbot
		if err := rows.Scan(&c.ID, &c.UserID, &c.WebsiteURL, &c.AutoScrapeEnabled, &c.ScrapeFrequency, &c.LastScrapedAt); err != nil {
			return nil, fmt.Errorf("scan chatbot: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chatbots: %w", err)
	}
	return out, nil
}

// UpdateLastScrapedAt records the completion time of the latest scrape.
func (s *Store) UpdateLastScrapedAt(ctx context.Context, chatbotID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE chatbots SET last_scraped_at = $2 WHERE id = $1;`, chatbotID, at)
	if err != nil {
		return fmt.Errorf("update last_scraped_at: %w", err)
	}
	return nil
}

// GetPlanLimits resolves the user's plan page cap.
func (s *Store) GetPlanLimits(ctx context.Context, userID string) (pipeline.PlanLimits, error) {
	query := `
		SELECT p.max_pages
		FROM users u JOIN plans p ON p.name = u.plan
		WHERE u.id = $1;
	`
	var limits pipeline.PlanLimits
	err := s.pool.QueryRow(ctx, query, userID).Scan(&limits.MaxPages)
	if err != nil {
		if err == pgx.ErrNoRows {
			return pipeline.PlanLimits{}, &pipeline.NotFoundError{Entity: "plan", ID: userID}
		}
		return pipeline.PlanLimits{}, fmt.Errorf("select plan limits: %w", err)
	}
	return limits, nil
}

// --- EmbeddingStore ---

// InsertEmbeddings bulk-inserts one batch of chunk vectors.
func (s *Store) InsertEmbeddings(ctx context.Context, records []pipeline.EmbeddingRecord) error {
	if len(records) == 0 {
		return nil
	}
	query := `
		INSERT INTO embeddings (id, chatbot_id, content, embedding, page_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	for _, r := range records {
		if _, err := s.pool.Exec(ctx, query,
			r.ID, r.ChatbotID, r.Content,
			pgvector.NewVector(r.Embedding), r.PageURL, r.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert embedding: %w", err)
		}
	}
	return nil
}

// DeleteEmbeddingsBefore removes the chatbot's records strictly older than
// cutoff (the swap pattern's final step).
func (s *Store) DeleteEmbeddingsBefore(ctx context.Context, chatbotID string, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM embeddings WHERE chatbot_id = $1 AND created_at < $2;`,
		chatbotID, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete embeddings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SearchSimilar runs a cosine-distance similarity query over the pgvector
// column, filtered by threshold and capped.
func (s *Store) SearchSimilar(
	ctx context.Context,
	chatbotID string,
	query []float32,
	limit int,
	threshold float64,
) ([]pipeline.SimilarContent, error) {
	sql := `
		SELECT content, page_url, 1 - (embedding <=> $2) AS similarity
		FROM embeddings
		WHERE chatbot_id = $1 AND 1 - (embedding <=> $2) >= $3
		ORDER BY embedding <=> $2
		LIMIT $4;
	`
	rows, err := s.pool.Query(ctx, sql, chatbotID, pgvector.NewVector(query), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	defer rows.Close()
	var out []pipeline.SimilarContent
	for rows.Next() {
		var sc pipeline.SimilarContent
		if err := rows.Scan(&sc.Content, &sc.PageURL, &sc.Similarity); err != nil {
			return nil, fmt.Errorf("scan similarity row: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate similarity rows: %w", err)
	}
	return out, nil
}
