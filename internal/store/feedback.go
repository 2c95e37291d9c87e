package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Item types a feedback grade can refer to.
const (
	FeedbackEvent = "event"
	FeedbackTodo  = "todo"
)

// Feedback is one graded extraction result. The payload is the item as it
// was shown to the user, kept verbatim for few-shot prompting.
type Feedback struct {
	ID          string
	UserID      string
	ItemType    string
	Category    string
	Sender      string
	PayloadJSON string
	Relevant    bool
	CreatedAt   time.Time
}

// SenderScore is a smoothed relevance estimate for one sender address.
type SenderScore struct {
	Sender   string  `json:"sender"`
	Total    int     `json:"total"`
	Relevant int     `json:"relevant"`
	Score    float64 `json:"score"`
}

// AddFeedback records a relevance grade for an extracted item.
func (s *Store) AddFeedback(ctx context.Context, f Feedback) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, user_id, item_type, category, sender, payload_json, relevant, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.ItemType, f.Category, f.Sender, f.PayloadJSON, f.Relevant, f.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to add feedback: %w", err)
	}
	return nil
}

// FeedbackExamples returns the most recent graded items, at most perCategory
// rows for each (item type, category) pair, newest first within each group.
func (s *Store) FeedbackExamples(ctx context.Context, userID string, perCategory int) ([]Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, item_type, category, sender, payload_json, relevant, created_at
		FROM (
			SELECT *, ROW_NUMBER() OVER (
				PARTITION BY item_type, category ORDER BY created_at DESC
			) AS rank
			FROM feedback WHERE user_id = ?
		) WHERE rank <= ?
		ORDER BY item_type, category, created_at DESC`,
		userID, perCategory)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback examples: %w", err)
	}
	defer rows.Close()

	var examples []Feedback
	for rows.Next() {
		var f Feedback
		var createdAt int64
		err := rows.Scan(&f.ID, &f.UserID, &f.ItemType, &f.Category, &f.Sender,
			&f.PayloadJSON, &f.Relevant, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		f.CreatedAt = time.Unix(createdAt, 0)
		examples = append(examples, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read feedback: %w", err)
	}
	return examples, nil
}

// SenderScores computes a Laplace-smoothed relevance score per sender,
// (relevant+1)/(total+2), for senders with at least minSamples grades.
func (s *Store) SenderScores(ctx context.Context, userID string, minSamples int) ([]SenderScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender, COUNT(*), COALESCE(SUM(relevant), 0)
		FROM feedback
		WHERE user_id = ? AND sender <> ''
		GROUP BY sender
		HAVING COUNT(*) >= ?`,
		userID, minSamples)
	if err != nil {
		return nil, fmt.Errorf("failed to query sender scores: %w", err)
	}
	defer rows.Close()

	var scores []SenderScore
	for rows.Next() {
		var sc SenderScore
		if err := rows.Scan(&sc.Sender, &sc.Total, &sc.Relevant); err != nil {
			return nil, fmt.Errorf("failed to scan sender score: %w", err)
		}
		sc.Score = float64(sc.Relevant+1) / float64(sc.Total+2)
		scores = append(scores, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sender scores: %w", err)
	}
	return scores, nil
}
