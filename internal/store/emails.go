package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Email is one inbox message as stored locally.
type Email struct {
	ID                string
	UserID            string
	ProviderMessageID string
	Sender            string
	Subject           string
	ReceivedAt        time.Time
	BodyText          string
	AttachmentText    string
	Processed         bool
	Analyzed          bool
	Labeled           bool
	FetchError        string
	FetchAttempts     int
	CreatedAt         time.Time
}

// EmailCounts summarizes a user's stored emails.
type EmailCounts struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Analyzed  int `json:"analyzed"`
}

// InsertEmail stores a fetched message and reports whether a processable row
// was written. A row left behind by an earlier fetch failure is replaced and
// counts as created; a healthy existing row is left untouched.
func (s *Store) InsertEmail(ctx context.Context, e Email) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO emails (id, user_id, provider_message_id, sender, subject, received_at, body_text, attachment_text, fetch_attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(user_id, provider_message_id) DO UPDATE SET
			id = excluded.id,
			sender = excluded.sender,
			subject = excluded.subject,
			received_at = excluded.received_at,
			body_text = excluded.body_text,
			attachment_text = excluded.attachment_text,
			fetch_error = NULL,
			fetch_attempts = 0
		WHERE fetch_error IS NOT NULL`,
		e.ID, e.UserID, e.ProviderMessageID, e.Sender, e.Subject,
		e.ReceivedAt.Unix(), e.BodyText, nullString(e.AttachmentText), e.CreatedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert email: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check insert result: %w", err)
	}
	return n > 0, nil
}

// EmailExists reports whether the message is already stored for the user.
// Rows recorded as fetch failures do not count, so a failed message is
// retried on a later run.
func (s *Store) EmailExists(ctx context.Context, userID, providerMessageID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM emails WHERE user_id = ? AND provider_message_id = ? AND fetch_error IS NULL`,
		userID, providerMessageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check email: %w", err)
	}
	return n > 0, nil
}

// RecordFetchFailure stores a stub row for a message whose body could not be
// fetched, incrementing its attempt counter on repeat failures.
func (s *Store) RecordFetchFailure(ctx context.Context, e Email, fetchErr string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO emails (id, user_id, provider_message_id, sender, subject, received_at, fetch_error, fetch_attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(user_id, provider_message_id) DO UPDATE SET
			fetch_error = excluded.fetch_error,
			fetch_attempts = fetch_attempts + 1`,
		e.ID, e.UserID, e.ProviderMessageID, e.Sender, e.Subject,
		e.ReceivedAt.Unix(), fetchErr, e.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to record fetch failure: %w", err)
	}
	return nil
}

const emailColumns = `id, user_id, provider_message_id, sender, subject, received_at,
	body_text, attachment_text, processed, analyzed, labeled,
	fetch_error, fetch_attempts, created_at`

// GetEmail looks up a stored message by its provider id.
func (s *Store) GetEmail(ctx context.Context, userID, providerMessageID string) (*Email, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE user_id = ? AND provider_message_id = ?`,
		userID, providerMessageID)
	return scanEmail(row)
}

// GetEmailByID looks up a stored message by its row id.
func (s *Store) GetEmailByID(ctx context.Context, id string) (*Email, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE id = ?`, id)
	return scanEmail(row)
}

func scanEmail(row *sql.Row) (*Email, error) {
	var e Email
	var receivedAt, createdAt int64
	var attachment, fetchError sql.NullString
	err := row.Scan(&e.ID, &e.UserID, &e.ProviderMessageID, &e.Sender, &e.Subject,
		&receivedAt, &e.BodyText, &attachment, &e.Processed, &e.Analyzed, &e.Labeled,
		&fetchError, &e.FetchAttempts, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	e.ReceivedAt = time.Unix(receivedAt, 0)
	e.CreatedAt = time.Unix(createdAt, 0)
	e.AttachmentText = attachment.String
	e.FetchError = fetchError.String
	return &e, nil
}

// MarkProcessed marks emails as having completed a pipeline run.
func (s *Store) MarkProcessed(ctx context.Context, ids []string) error {
	return s.markEmailFlag(ctx, "processed", ids)
}

// MarkAnalyzed marks emails whose batch went through extraction.
func (s *Store) MarkAnalyzed(ctx context.Context, ids []string) error {
	return s.markEmailFlag(ctx, "analyzed", ids)
}

// MarkLabeled marks emails that were labeled at the provider.
func (s *Store) MarkLabeled(ctx context.Context, ids []string) error {
	return s.markEmailFlag(ctx, "labeled", ids)
}

func (s *Store) markEmailFlag(ctx context.Context, column string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf("UPDATE emails SET %s = 1 WHERE id = ?", column)
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("failed to mark email %s: %w", column, err)
		}
	}
	return nil
}

// CountEmails returns totals for a user's stored emails.
func (s *Store) CountEmails(ctx context.Context, userID string) (EmailCounts, error) {
	var c EmailCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(processed), 0), COALESCE(SUM(analyzed), 0)
		FROM emails WHERE user_id = ?`, userID).Scan(&c.Total, &c.Processed, &c.Analyzed)
	if err != nil {
		return EmailCounts{}, fmt.Errorf("failed to count emails: %w", err)
	}
	return c, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}
