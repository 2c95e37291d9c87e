package extract

import (
	"context"
	"fmt"
	"time"

	"github.com/satchelhq/satchel/internal/ai"
	"github.com/satchelhq/satchel/internal/anonymize"
)

// EmailInput is one anonymized email in a batch. Index is its position in
// the batch; extracted items point back to it via source_index.
type EmailInput struct {
	Index    int
	Sender   string
	Subject  string
	Received string
	Body     string
}

// Example is one previously graded item injected for few-shot steering.
type Example struct {
	ItemType string // "event" or "todo"
	Category string
	Payload  string // anonymized JSON as shown to the user
	Relevant bool
}

// BatchInput is everything the prompt builder needs for one batch.
type BatchInput struct {
	Emails   []EmailInput
	Today    string // YYYY-MM-DD in local time
	Profiles []anonymize.Profile
	Examples []Example
}

// Event is a validated calendar item. Child still holds the anonymization
// token; the caller resolves it back to a real name.
type Event struct {
	SourceIndex       int
	Title             string
	StartAt           time.Time
	EndAt             time.Time
	TimeOfDay         string
	Location          string
	Description       string
	Child             string
	Confidence        float64
	Recurring         bool
	RecurrencePattern string
	DateInferred      bool
}

// Todo is a validated action item. Child still holds the token.
type Todo struct {
	SourceIndex      int
	Description      string
	Category         string
	DueAt            time.Time // zero when no due date was given
	Child            string
	Amount           float64
	URL              string
	Confidence       float64
	Recurring        bool
	ResponsibleParty string
	DateInferred     bool
}

// BatchResult is the validated output of one batch, with notes about what
// had to be coerced and what was dropped.
type BatchResult struct {
	Events   []Event
	Todos    []Todo
	Repairs  []string
	Rejected []string
}

// Engine builds prompts, calls the configured backend, and validates the
// returned JSON. A bad response fails only its own batch.
type Engine struct {
	backend ai.Backend
}

// NewEngine creates an extraction engine on the given backend.
func NewEngine(backend ai.Backend) *Engine {
	return &Engine{backend: backend}
}

// Backend reports which backend this engine calls.
func (e *Engine) Backend() ai.Backend {
	return e.backend
}

// ExtractBatch runs one batch end to end. An error means the whole batch
// produced nothing usable; per-item problems are reported in the result.
func (e *Engine) ExtractBatch(ctx context.Context, input BatchInput) (*BatchResult, error) {
	if len(input.Emails) == 0 {
		return &BatchResult{}, nil
	}

	prompt := buildPrompt(input)
	raw, err := e.backend.Extract(ctx, prompt, ResponseSchema())
	if err != nil {
		return nil, fmt.Errorf("extract batch: %w", err)
	}

	return ParseResponse(raw, len(input.Emails))
}
