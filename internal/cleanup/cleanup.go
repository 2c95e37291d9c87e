package cleanup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/satchelhq/satchel/internal/store"
)

// Result lists what one sweep touched.
type Result struct {
	CompletedTodoIDs []string `json:"completed_todo_ids,omitempty"`
	DeletedEventIDs  []string `json:"deleted_event_ids,omitempty"`
}

// Sweeper retires expired items before a pipeline run. Overdue todos are
// auto-completed and kept for audit; past events are hard-deleted.
type Sweeper struct {
	store *store.Store
	log   *zap.Logger

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// New creates a sweeper over the store.
func New(st *store.Store, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{store: st, log: log, Now: time.Now}
}

// Cutoff returns midnight of the current local day. Anything dated before
// it has already happened.
func (s *Sweeper) Cutoff() time.Time {
	now := s.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

// Sweep applies the cutoff for one user and reports the affected ids.
func (s *Sweeper) Sweep(ctx context.Context, userID string) (*Result, error) {
	cutoff := s.Cutoff()

	todoIDs, err := s.store.CompleteOverdueTodos(ctx, userID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("complete overdue todos: %w", err)
	}
	eventIDs, err := s.store.DeleteEventsBefore(ctx, userID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete past events: %w", err)
	}

	if len(todoIDs) > 0 || len(eventIDs) > 0 {
		s.log.Info("cleanup sweep",
			zap.String("user_id", userID),
			zap.Time("cutoff", cutoff),
			zap.Int("todos_completed", len(todoIDs)),
			zap.Int("events_deleted", len(eventIDs)))
	}
	return &Result{CompletedTodoIDs: todoIDs, DeletedEventIDs: eventIDs}, nil
}
