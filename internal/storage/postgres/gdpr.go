package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chatlas/ingest/internal/pipeline"
)

// --- DeletionStore ---

// CreateDeletionRequest inserts a new deletion request.
func (s *Store) CreateDeletionRequest(ctx context.Context, req pipeline.DeletionRequest) error {
	query := `
		INSERT INTO deletion_requests
			(id, user_id, reason, status, request_date, scheduled_deletion_date)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6);
	`
	_, err := s.pool.Exec(ctx, query,
		req.ID, req.UserID, req.Reason, req.Status,
		req.RequestDate, req.ScheduledDeletionDate,
	)
	if err != nil {
		return fmt.Errorf("insert deletion request: %w", err)
	}
	return nil
}

// GetDeletionRequest fetches a deletion request.
func (s *Store) GetDeletionRequest(ctx context.Context, requestID string) (pipeline.DeletionRequest, error) {
	query := `
		SELECT id, user_id, COALESCE(reason, ''), status, request_date, scheduled_deletion_date, completed_at
		FROM deletion_requests WHERE id = $1;
	`
	var r pipeline.DeletionRequest
	err := s.pool.QueryRow(ctx, query, requestID).Scan(
		&r.ID, &r.UserID, &r.Reason, &r.Status,
		&r.RequestDate, &r.ScheduledDeletionDate, &r.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return pipeline.DeletionRequest{}, &pipeline.NotFoundError{Entity: "deletion request", ID: requestID}
		}
		return pipeline.DeletionRequest{}, fmt.Errorf("select deletion request: %w", err)
	}
	return r, nil
}

// ListDueDeletionRequests returns requests whose grace period has elapsed.
// Processing rows are included so a deletion orphaned by a crash or retry
// exhaustion is re-enqueued by the next scan.
func (s *Store) ListDueDeletionRequests(ctx context.Context, now time.Time) ([]pipeline.DeletionRequest, error) {
	query := `
		SELECT id, user_id, COALESCE(reason, ''), status, request_date, scheduled_deletion_date, completed_at
		FROM deletion_requests
		WHERE status IN ('pending', 'processing') AND scheduled_deletion_date <= $1
		ORDER BY scheduled_deletion_date;
	`
	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("list due deletions: %w", err)
	}
	defer rows.Close()
	var out []pipeline.DeletionRequest
	for rows.Next() {
		var r pipeline.DeletionRequest
		if err := rows.Scan(&r.ID, &r.UserID, &r.Reason, &r.Status, &r.RequestDate, &r.ScheduledDeletionDate, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan deletion request: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deletion requests: %w", err)
	}
	return out, nil
}

// UpdateDeletionStatus moves a request forward. Terminal rows never match
// the WHERE clause, keeping completed/cancelled requests immutable.
func (s *Store) UpdateDeletionStatus(ctx context.Context, requestID string, status pipeline.DeletionStatus, completedAt *time.Time) error {
	query := `
		UPDATE deletion_requests
		SET status = $2, completed_at = $3
		WHERE id = $1 AND status NOT IN ('completed', 'cancelled');
	`
	tag, err := s.pool.Exec(ctx, query, requestID, status, completedAt)
	if err != nil {
		return fmt.Errorf("update deletion status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &pipeline.ValidationError{Field: "status", Reason: "deletion request is terminal"}
	}
	return nil
}

// CancelDeletionRequest cancels a request only while status is pending and
// the grace period still holds; the conditional update closes the race with
// an executing deletion job.
func (s *Store) CancelDeletionRequest(ctx context.Context, requestID string, now time.Time) error {
	query := `
		UPDATE deletion_requests
		SET status = 'cancelled'
		WHERE id = $1 AND status = 'pending' AND scheduled_deletion_date > $2;
	`
	tag, err := s.pool.Exec(ctx, query, requestID, now)
	if err != nil {
		return fmt.Errorf("cancel deletion request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &pipeline.NotFoundError{Entity: "cancellable deletion request", ID: requestID}
	}
	return nil
}

// CollectDeletionSummary counts the user's rows for the audit email. Counts
// are read before the destructive pass; divergence under concurrent writes
// is accepted as eventual-consistency reporting.
func (s *Store) CollectDeletionSummary(ctx context.Context, userID string) (pipeline.DeletionSummary, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM chatbots WHERE user_id = $1),
			(SELECT COUNT(*) FROM conversations WHERE user_id = $1),
			(SELECT COUNT(*) FROM embeddings e JOIN chatbots c ON c.id = e.chatbot_id WHERE c.user_id = $1),
			(SELECT COUNT(*) FROM analytics_sessions WHERE user_id = $1),
			(SELECT COUNT(*) FROM analytics_events WHERE user_id = $1),
			(SELECT COUNT(*) FROM consent_records WHERE user_id = $1);
	`
	var summary pipeline.DeletionSummary
	err := s.pool.QueryRow(ctx, query, userID).Scan(
		&summary.Chatbots, &summary.Conversations, &summary.Embeddings,
		&summary.AnalyticsSessions, &summary.AnalyticsEvents, &summary.ConsentRecords,
	)
	if err != nil {
		return pipeline.DeletionSummary{}, fmt.Errorf("collect deletion summary: %w", err)
	}
	return summary, nil
}

// AnonymizeBillingRecords scrubs PII from billing rows in place; rows are
// retained for tax purposes.
func (s *Store) AnonymizeBillingRecords(ctx context.Context, userID string) (int, error) {
	query := `
		UPDATE billing_records
		SET customer_email = 'deleted@anonymized.invalid',
		    customer_name = 'Deleted User',
		    billing_address = NULL,
		    anonymized_at = NOW()
		WHERE user_id = $1 AND anonymized_at IS NULL;
	`
	tag, err := s.pool.Exec(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("anonymize billing records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteUser removes the user row; chatbots, conversations, embeddings, and
// analytics cascade via foreign keys.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1;`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &pipeline.NotFoundError{Entity: "user", ID: userID}
	}
	return nil
}

// --- ExportStore ---

// GetExportRequest fetches an export request.
func (s *Store) GetExportRequest(ctx context.Context, requestID string) (pipeline.DataExportRequest, error) {
	query := `
		SELECT id, user_id, status, export_format, COALESCE(file_path, ''), COALESCE(file_size_bytes, 0),
		       created_at, completed_at, expires_at, COALESCE(error_message, '')
		FROM export_requests WHERE id = $1;
	`
	var r pipeline.DataExportRequest
	err := s.pool.QueryRow(ctx, query, requestID).Scan(
		&r.ID, &r.UserID, &r.Status, &r.ExportFormat, &r.FilePath, &r.FileSizeBytes,
		&r.CreatedAt, &r.CompletedAt, &r.ExpiresAt, &r.ErrorMessage,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return pipeline.DataExportRequest{}, &pipeline.NotFoundError{Entity: "export request", ID: requestID}
		}
		return pipeline.DataExportRequest{}, fmt.Errorf("select export request: %w", err)
	}
	return r, nil
}

// CreateExportRequest inserts a new export request in pending status.
func (s *Store) CreateExportRequest(ctx context.Context, req pipeline.DataExportRequest) error {
	query := `
		INSERT INTO export_requests (id, user_id, status, export_format, created_at)
		VALUES ($1, $2, $3, $4, $5);
	`
	_, err := s.pool.Exec(ctx, query, req.ID, req.UserID, req.Status, req.ExportFormat, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert export request: %w", err)
	}
	return nil
}

// UpdateExportRequest persists progress and terminal fields.
func (s *Store) UpdateExportRequest(ctx context.Context, req pipeline.DataExportRequest) error {
	query := `
		UPDATE export_requests
		SET status = $2, file_path = NULLIF($3, ''), file_size_bytes = $4,
		    completed_at = $5, expires_at = $6, error_message = NULLIF($7, '')
		WHERE id = $1;
	`
	_, err := s.pool.Exec(ctx, query,
		req.ID, req.Status, req.FilePath, req.FileSizeBytes,
		req.CompletedAt, req.ExpiresAt, req.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("update export request: %w", err)
	}
	return nil
}

// LatestExportRequestTime returns the creation time of the user's newest
// export request, used by the rolling-window rate limit.
func (s *Store) LatestExportRequestTime(ctx context.Context, userID string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT created_at FROM export_requests WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1;`,
		userID,
	).Scan(&t)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("select latest export: %w", err)
	}
	return &t, nil
}

// CollectExportData aggregates the user's rows across tables. Analytics are
// bounded to keep archives and queries tractable.
func (s *Store) CollectExportData(ctx context.Context, userID string) (pipeline.ExportBundle, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return pipeline.ExportBundle{}, err
	}
	bundle := pipeline.ExportBundle{User: user}

	chatbots, err := s.queryUserChatbots(ctx, userID)
	if err != nil {
		return pipeline.ExportBundle{}, err
	}
	bundle.Chatbots = chatbots

	bundle.Conversations, err = s.queryMaps(ctx,
		`SELECT id, chatbot_id, messages, created_at FROM conversations WHERE user_id = $1 ORDER BY created_at;`,
		userID,
	)
	if err != nil {
		return pipeline.ExportBundle{}, fmt.Errorf("collect conversations: %w", err)
	}

	bundle.Analytics, err = s.queryMaps(ctx,
		`SELECT id, session_id, event_type, created_at FROM analytics_events WHERE user_id = $1 ORDER BY created_at DESC LIMIT 10000;`,
		userID,
	)
	if err != nil {
		return pipeline.ExportBundle{}, fmt.Errorf("collect analytics: %w", err)
	}

	subs, err := s.queryMaps(ctx,
		`SELECT plan, status, current_period_end FROM subscriptions WHERE user_id = $1 LIMIT 1;`,
		userID,
	)
	if err != nil {
		return pipeline.ExportBundle{}, fmt.Errorf("collect subscription: %w", err)
	}
	if len(subs) > 0 {
		bundle.Subscription = subs[0]
	}

	bundle.Consents, err = s.queryMaps(ctx,
		`SELECT consent_type, granted, recorded_at FROM consent_records WHERE user_id = $1 ORDER BY recorded_at;`,
		userID,
	)
	if err != nil {
		return pipeline.ExportBundle{}, fmt.Errorf("collect consents: %w", err)
	}
	return bundle, nil
}

// --- UserStore ---

// GetUser fetches a user record.
func (s *Store) GetUser(ctx context.Context, userID string) (pipeline.UserRecord, error) {
	var u pipeline.UserRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, COALESCE(email, ''), COALESCE(name, ''), plan FROM users WHERE id = $1;`,
		userID,
	).Scan(&u.ID, &u.Email, &u.Name, &u.Plan)
	if err != nil {
		if err == pgx.ErrNoRows {
			return pipeline.UserRecord{}, &pipeline.NotFoundError{Entity: "user", ID: userID}
		}
		return pipeline.UserRecord{}, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

func (s *Store) queryUserChatbots(ctx context.Context, userID string) ([]pipeline.Chatbot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, website_url, auto_scrape_enabled, scrape_frequency, last_scraped_at
		 FROM chatbots WHERE user_id = $1 ORDER BY id;`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("collect chatbots: %w", err)
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
	return out, rows.Err()
}

// queryMaps collects arbitrary rows into column-keyed maps for archiving.
func (s *Store) queryMaps(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
