package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Todo is an action item extracted from an email.
type Todo struct {
	ID               string
	UserID           string
	SourceEmailID    string
	Description      string
	Category         string
	DueAt            time.Time // zero when the email gave no due date
	ChildName        string
	Amount           float64
	URL              string
	Confidence       float64
	Recurring        bool
	ResponsibleParty string
	DateInferred     bool
	Done             bool
	AutoCompleted    bool
	CreatedAt        time.Time
}

const todoColumns = `id, user_id, source_email_id, description, category, due_at,
	child_name, amount, url, confidence, recurring, responsible_party,
	date_inferred, done, auto_completed, created_at`

// InsertTodo stores an extracted todo and reports whether it was created.
// A duplicate of (user, source email, description) is silently ignored.
func (s *Store) InsertTodo(ctx context.Context, t Todo) (bool, error) {
	var dueAt any
	if !t.DueAt.IsZero() {
		dueAt = t.DueAt.Unix()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO extracted_todos
			(id, user_id, source_email_id, description, category, due_at,
			 child_name, amount, url, confidence, recurring, responsible_party,
			 date_inferred, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.SourceEmailID, t.Description, t.Category, dueAt,
		nullString(t.ChildName), nullFloat(t.Amount), nullString(t.URL),
		t.Confidence, t.Recurring, nullString(t.ResponsibleParty),
		t.DateInferred, t.CreatedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert todo: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check insert result: %w", err)
	}
	return n > 0, nil
}

// CompleteOverdueTodos marks open todos due before cutoff as done with the
// auto-completed flag set, and returns the ids it touched. Rows are kept
// for audit rather than deleted.
func (s *Store) CompleteOverdueTodos(ctx context.Context, userID string, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM extracted_todos
		 WHERE user_id = ? AND done = 0 AND due_at IS NOT NULL AND due_at < ?`,
		userID, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue todos: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan todo id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read overdue todos: %w", err)
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE extracted_todos SET done = 1, auto_completed = 1 WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("failed to complete todo: %w", err)
		}
	}
	return ids, nil
}

// OpenTodos returns not-done todos for a user, earliest due first.
// Todos without a due date sort last.
func (s *Store) OpenTodos(ctx context.Context, userID string, limit int) ([]Todo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+todoColumns+` FROM extracted_todos
		 WHERE user_id = ? AND done = 0
		 ORDER BY due_at IS NULL, due_at LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query todos: %w", err)
	}
	defer rows.Close()
	return scanTodos(rows)
}

// GetTodo looks up one todo by id.
func (s *Store) GetTodo(ctx context.Context, id string) (*Todo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+todoColumns+` FROM extracted_todos WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query todo: %w", err)
	}
	defer rows.Close()
	todos, err := scanTodos(rows)
	if err != nil {
		return nil, err
	}
	if len(todos) == 0 {
		return nil, nil
	}
	return &todos[0], nil
}

// CountTodos returns the number of stored todos for a user.
func (s *Store) CountTodos(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM extracted_todos WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count todos: %w", err)
	}
	return n, nil
}

func scanTodos(rows *sql.Rows) ([]Todo, error) {
	var todos []Todo
	for rows.Next() {
		var t Todo
		var createdAt int64
		var dueAt sql.NullInt64
		var amount sql.NullFloat64
		var childName, url, responsible sql.NullString
		err := rows.Scan(&t.ID, &t.UserID, &t.SourceEmailID, &t.Description, &t.Category,
			&dueAt, &childName, &amount, &url, &t.Confidence, &t.Recurring,
			&responsible, &t.DateInferred, &t.Done, &t.AutoCompleted, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan todo: %w", err)
		}
		if dueAt.Valid {
			t.DueAt = time.Unix(dueAt.Int64, 0)
		}
		t.CreatedAt = time.Unix(createdAt, 0)
		t.ChildName = childName.String
		t.Amount = amount.Float64
		t.URL = url.String
		t.ResponsibleParty = responsible.String
		todos = append(todos, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read todos: %w", err)
	}
	return todos, nil
}
