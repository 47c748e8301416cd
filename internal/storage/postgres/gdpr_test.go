package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/chatlas/ingest/internal/pipeline"
)

func TestCreateDeletionRequestInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	req := pipeline.DeletionRequest{
		ID:                    "del-1",
		UserID:                "user-1",
		Reason:                "leaving",
		Status:                pipeline.DeletionStatusPending,
		RequestDate:           now,
		ScheduledDeletionDate: now.Add(30 * 24 * time.Hour),
	}

	mock.ExpectExec("INSERT INTO deletion_requests").
		WithArgs(
			req.ID,
			req.UserID,
			req.Reason,
			req.Status,
			req.RequestDate,
			req.ScheduledDeletionDate,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateDeletionRequest(context.Background(), req))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDueDeletionRequestsIncludesProcessing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	scheduled := now.Add(-time.Hour)
	mock.ExpectQuery(`WHERE status IN \('pending', 'processing'\)`).
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "reason", "status", "request_date",
			"scheduled_deletion_date", "completed_at",
		}).AddRow(
			"del-1", "user-1", "", pipeline.DeletionStatusProcessing,
			scheduled.Add(-30*24*time.Hour), scheduled, (*time.Time)(nil),
		))

	due, err := store.ListDueDeletionRequests(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, pipeline.DeletionStatusProcessing, due[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}
