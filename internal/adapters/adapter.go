package adapters

import (
	"context"
	"time"
)

// Message is one normalized inbox message. FetchError is set instead of
// Body when the content could not be retrieved; such messages still flow
// through so failures can be recorded per message.
type Message struct {
	ProviderMessageID string
	Sender            string
	Subject           string
	ReceivedAt        time.Time
	Body              string
	AttachmentText    string
	FetchError        string
}

// DateRange bounds an inbox fetch. From is inclusive, To exclusive.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range. A zero bound is open.
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// Inbox fetches a user's messages and applies provider-side labels.
type Inbox interface {
	Name() string

	// FetchMessages returns messages in the range, newest last, up to
	// maxResults. Individual fetch failures are reported inside the
	// returned messages, not as an error.
	FetchMessages(ctx context.Context, userID string, r DateRange, maxResults int) ([]Message, error)

	// ApplyLabel tags the given messages at the provider. Providers
	// without labels may treat this as a no-op.
	ApplyLabel(ctx context.Context, userID string, providerMessageIDs []string, label string) error
}

// CalendarEvent is the adapter-side view of a calendar entry.
type CalendarEvent struct {
	ID          string
	Title       string
	StartAt     time.Time
	EndAt       time.Time
	Location    string
	Description string
}

// Calendar manages events in the user's external calendar.
type Calendar interface {
	InsertEvent(ctx context.Context, userID string, ev CalendarEvent) (string, error)
	ListEvents(ctx context.Context, userID string, r DateRange) ([]CalendarEvent, error)
	DeleteEvent(ctx context.Context, userID, eventID string) error

	// FindEvent searches for an existing event with this title near the
	// given time, for duplicate detection against the remote calendar.
	FindEvent(ctx context.Context, userID, title string, around time.Time) (*CalendarEvent, error)
}

// Provider bundles the inbox and calendar capabilities of one service.
type Provider interface {
	Inbox
	Calendar
}
