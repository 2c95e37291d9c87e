package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Child is a registered child profile. The stored order is stable so
// anonymization tokens are assigned consistently across runs.
type Child struct {
	ID        string
	UserID    string
	Name      string
	YearGroup string
	School    string
	CreatedAt time.Time
}

// AddChild registers a child for the user. Adding the same name twice is a
// no-op and reports created=false.
func (s *Store) AddChild(ctx context.Context, userID, name, yearGroup, school string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO children (id, user_id, name, year_group, school, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), userID, name, yearGroup, school, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to add child: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check insert result: %w", err)
	}
	return n > 0, nil
}

// Children returns the user's registered children in insertion order.
func (s *Store) Children(ctx context.Context, userID string) ([]Child, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, year_group, school, created_at
		FROM children WHERE user_id = ? ORDER BY created_at, name`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}
	defer rows.Close()

	var children []Child
	for rows.Next() {
		var c Child
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.YearGroup, &c.School, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan child: %w", err)
		}
		c.CreatedAt = time.Unix(createdAt, 0)
		children = append(children, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read children: %w", err)
	}
	return children, nil
}

// RemoveChild deletes a registered child by name.
func (s *Store) RemoveChild(ctx context.Context, userID, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM children WHERE user_id = ? AND name = ?`, userID, name)
	if err != nil {
		return false, fmt.Errorf("failed to remove child: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check delete result: %w", err)
	}
	return n > 0, nil
}
