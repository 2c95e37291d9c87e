package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Calendar sync states for extracted events.
const (
	SyncPending = "pending"
	SyncSynced  = "synced"
	SyncFailed  = "failed"
	SyncSkipped = "skipped"
)

// Event is a calendar-bound item extracted from an email.
type Event struct {
	ID                string
	UserID            string
	SourceEmailID     string
	Title             string
	StartAt           time.Time
	EndAt             time.Time // zero when the email gave no end
	Location          string
	Description       string
	ChildName         string
	Confidence        float64
	Recurring         bool
	RecurrencePattern string
	TimeOfDay         string
	DateInferred      bool
	SyncStatus        string
	CalendarEventID   string
	SyncError         string
	CreatedAt         time.Time
}

const eventColumns = `id, user_id, source_email_id, title, start_at, end_at,
	location, description, child_name, confidence, recurring, recurrence_pattern,
	time_of_day, date_inferred, sync_status, calendar_event_id, sync_error, created_at`

// InsertEvent stores an extracted event and reports whether it was created.
// A duplicate of (user, source email, title, start date) is silently ignored.
func (s *Store) InsertEvent(ctx context.Context, ev Event) (bool, error) {
	var endAt any
	if !ev.EndAt.IsZero() {
		endAt = ev.EndAt.Unix()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO extracted_events
			(id, user_id, source_email_id, title, start_at, end_at, event_date,
			 location, description, child_name, confidence, recurring, recurrence_pattern,
			 time_of_day, date_inferred, sync_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.SourceEmailID, ev.Title, ev.StartAt.Unix(), endAt,
		ev.StartAt.Format("2006-01-02"),
		nullString(ev.Location), nullString(ev.Description), nullString(ev.ChildName),
		ev.Confidence, ev.Recurring, nullString(ev.RecurrencePattern),
		nullString(ev.TimeOfDay), ev.DateInferred, SyncPending, ev.CreatedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check insert result: %w", err)
	}
	return n > 0, nil
}

// EventExists reports whether an event with this dedup key, (user, source
// email, title, start date), is already stored.
func (s *Store) EventExists(ctx context.Context, userID, sourceEmailID, title string, day time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM extracted_events
		WHERE user_id = ? AND source_email_id = ? AND title = ? AND event_date = ?`,
		userID, sourceEmailID, title, day.Format("2006-01-02")).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return n > 0, nil
}

// GetEvent returns the event with the given id, or nil if none exists.
func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM extracted_events WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query event: %w", err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// SetEventSync records the outcome of pushing an event to the calendar.
func (s *Store) SetEventSync(ctx context.Context, id, status, calendarEventID, syncErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE extracted_events SET sync_status = ?, calendar_event_id = ?, sync_error = ? WHERE id = ?`,
		status, nullString(calendarEventID), nullString(syncErr), id)
	if err != nil {
		return fmt.Errorf("failed to update event sync state: %w", err)
	}
	return nil
}

// PendingSyncEvents returns events not yet pushed to the calendar.
func (s *Store) PendingSyncEvents(ctx context.Context, userID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM extracted_events
		 WHERE user_id = ? AND sync_status = ? ORDER BY start_at`,
		userID, SyncPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// UpcomingEvents returns events starting at or after from, soonest first.
func (s *Store) UpcomingEvents(ctx context.Context, userID string, from time.Time, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM extracted_events
		 WHERE user_id = ? AND start_at >= ? ORDER BY start_at LIMIT ?`,
		userID, from.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// DeleteEventsBefore removes events starting before cutoff and returns
// the ids of the rows it deleted.
func (s *Store) DeleteEventsBefore(ctx context.Context, userID string, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM extracted_events WHERE user_id = ? AND start_at < ?`,
		userID, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query stale events: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan event id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stale events: %w", err)
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM extracted_events WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("failed to delete event: %w", err)
		}
	}
	return ids, nil
}

// CountEvents returns the number of stored events for a user.
func (s *Store) CountEvents(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM extracted_events WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var ev Event
		var startAt, createdAt int64
		var endAt sql.NullInt64
		var location, description, childName, pattern, timeOfDay, calID, syncErr sql.NullString
		err := rows.Scan(&ev.ID, &ev.UserID, &ev.SourceEmailID, &ev.Title, &startAt, &endAt,
			&location, &description, &childName, &ev.Confidence, &ev.Recurring, &pattern,
			&timeOfDay, &ev.DateInferred, &ev.SyncStatus, &calID, &syncErr, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.StartAt = time.Unix(startAt, 0)
		if endAt.Valid {
			ev.EndAt = time.Unix(endAt.Int64, 0)
		}
		ev.CreatedAt = time.Unix(createdAt, 0)
		ev.Location = location.String
		ev.Description = description.String
		ev.ChildName = childName.String
		ev.RecurrencePattern = pattern.String
		ev.TimeOfDay = timeOfDay.String
		ev.CalendarEventID = calID.String
		ev.SyncError = syncErr.String
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}
