package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/chatlas/ingest/internal/pipeline"
)

func TestCreateScrapeHistoryInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	entry := pipeline.ScrapeHistoryEntry{
		ID:          "hist-1",
		ChatbotID:   "bot-1",
		Status:      pipeline.ScrapeStatusPending,
		TriggeredBy: "manual",
		StartedAt:   now,
	}

	mock.ExpectExec("INSERT INTO scrape_history").
		WithArgs(
			entry.ID,
			entry.ChatbotID,
			entry.Status,
			entry.PagesScraped,
			entry.EmbeddingsCreated,
			entry.TriggeredBy,
			entry.StartedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateScrapeHistory(context.Background(), entry))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateScrapeHistoryForwardTransition(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	completedAt := time.Date(2026, 3, 10, 9, 5, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE scrape_history").
		WithArgs("hist-1", pipeline.ScrapeStatusCompleted, 12, 48, "", &completedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = store.UpdateScrapeHistory(context.Background(), "hist-1",
		pipeline.ScrapeStatusCompleted, 12, 48, "", &completedAt)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateScrapeHistoryRejectsRegression(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	// The guarded UPDATE matches zero rows for a terminal record.
	mock.ExpectExec("UPDATE scrape_history").
		WithArgs("hist-1", pipeline.ScrapeStatusInProgress, 0, 0, "", (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.UpdateScrapeHistory(context.Background(), "hist-1",
		pipeline.ScrapeStatusInProgress, 0, 0, "", nil)
	var ve *pipeline.ValidationError
	require.ErrorAs(t, err, &ve)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetScrapeHistoryNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("FROM scrape_history").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "chatbot_id", "status", "pages_scraped", "embeddings_created",
			"error_message", "triggered_by", "started_at", "completed_at",
		}))

	_, err = store.GetScrapeHistory(context.Background(), "ghost")
	var nf *pipeline.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "scrape history", nf.Entity)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetChatbotScansRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	lastScraped := time.Date(2026, 3, 9, 2, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM chatbots").
		WithArgs("bot-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "website_url", "auto_scrape_enabled",
			"scrape_frequency", "last_scraped_at",
		}).AddRow(
			"bot-1", "user-1", "https://example.com",
			true, pipeline.FrequencyDaily, &lastScraped,
		))

	bot, err := store.GetChatbot(context.Background(), "bot-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", bot.UserID)
	require.Equal(t, pipeline.FrequencyDaily, bot.ScrapeFrequency)
	require.NotNil(t, bot.LastScrapedAt)
	require.True(t, lastScraped.Equal(*bot.LastScrapedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteEmbeddingsBeforeReturnsCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	cutoff := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM embeddings").
		WithArgs("bot-1", cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 37))

	deleted, err := store.DeleteEmbeddingsBefore(context.Background(), "bot-1", cutoff)
	require.NoError(t, err)
	require.Equal(t, 37, deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}
