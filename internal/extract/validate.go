package extract

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

// confidenceSlack is how far outside [0,1] a confidence may drift before
// the item is rejected instead of clamped.
const confidenceSlack = 0.05

// Default clock times assigned when the model gives a time-of-day bucket
// instead of an explicit time.
var timeOfDayDefaults = map[string]string{
	"morning":   "09:00",
	"afternoon": "12:00",
	"evening":   "17:00",
	"all_day":   "09:00",
}

type eventItem struct {
	SourceIndex       int     `json:"source_index"`
	Title             string  `json:"title"`
	Date              string  `json:"date"`
	StartTime         string  `json:"start_time"`
	EndTime           string  `json:"end_time"`
	TimeOfDay         string  `json:"time_of_day"`
	Location          string  `json:"location"`
	Description       string  `json:"description"`
	Child             string  `json:"child"`
	Confidence        float64 `json:"confidence"`
	Recurring         bool    `json:"recurring"`
	RecurrencePattern string  `json:"recurrence_pattern"`
	DateInferred      bool    `json:"date_inferred"`
}

type todoItem struct {
	SourceIndex      int     `json:"source_index"`
	Description      string  `json:"description"`
	Category         string  `json:"category"`
	DueDate          string  `json:"due_date"`
	Child            string  `json:"child"`
	Amount           float64 `json:"amount"`
	URL              string  `json:"url"`
	Confidence       float64 `json:"confidence"`
	Recurring        bool    `json:"recurring"`
	ResponsibleParty string  `json:"responsible_party"`
	DateInferred     bool    `json:"date_inferred"`
}

type response struct {
	Events []eventItem `json:"events"`
	Todos  []todoItem  `json:"todos"`
}

// ParseResponse validates raw model output against the extraction schema.
// Items that can be coerced are repaired with a note; items that cannot are
// rejected with a reason. An error means the payload as a whole is unusable.
func ParseResponse(raw []byte, batchSize int) (*BatchResult, error) {
	res := &BatchResult{}

	cleaned, repaired, err := sanitizeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	if repaired {
		res.Repairs = append(res.Repairs, "standardized non-strict JSON output")
	}

	var r response
	if err := json.Unmarshal(cleaned, &r); err != nil {
		return nil, fmt.Errorf("response does not match schema: %w", err)
	}

	for i, item := range r.Events {
		ev, notes, err := validateEvent(item, batchSize)
		if err != nil {
			res.Rejected = append(res.Rejected, fmt.Sprintf("event %d: %v", i, err))
			continue
		}
		res.Repairs = append(res.Repairs, notes...)
		res.Events = append(res.Events, *ev)
	}
	for i, item := range r.Todos {
		td, notes, err := validateTodo(item, batchSize)
		if err != nil {
			res.Rejected = append(res.Rejected, fmt.Sprintf("todo %d: %v", i, err))
			continue
		}
		res.Repairs = append(res.Repairs, notes...)
		res.Todos = append(res.Todos, *td)
	}

	return res, nil
}

// sanitizeJSON strips markdown fences and, when the payload still is not
// strict JSON, runs it through hujson to tolerate trailing commas and
// comments that some models emit.
func sanitizeJSON(raw []byte) ([]byte, bool, error) {
	s := strings.TrimSpace(string(raw))
	repaired := false
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
		repaired = true
	}

	b := []byte(s)
	if json.Valid(b) {
		return b, repaired, nil
	}
	std, err := hujson.Standardize(b)
	if err != nil {
		return nil, false, err
	}
	return std, true, nil
}

func validateEvent(item eventItem, batchSize int) (*Event, []string, error) {
	if item.SourceIndex < 0 || item.SourceIndex >= batchSize {
		return nil, nil, fmt.Errorf("source_index %d out of range", item.SourceIndex)
	}
	title := strings.TrimSpace(item.Title)
	if title == "" {
		return nil, nil, fmt.Errorf("empty title")
	}

	var notes []string
	confidence, note, err := clampConfidence(item.Confidence)
	if err != nil {
		return nil, nil, err
	}
	if note != "" {
		notes = append(notes, fmt.Sprintf("event %q: %s", title, note))
	}

	day, err := time.ParseInLocation("2006-01-02", item.Date, time.Local)
	if err != nil {
		return nil, nil, fmt.Errorf("bad date %q", item.Date)
	}

	// No explicit clock time: fall back to the time-of-day default,
	// treating a missing or unknown bucket as all_day.
	timeOfDay := item.TimeOfDay
	startClock := strings.TrimSpace(item.StartTime)
	if startClock == "" {
		if _, ok := timeOfDayDefaults[timeOfDay]; !ok {
			if timeOfDay != "" {
				notes = append(notes, fmt.Sprintf("event %q: unknown time_of_day %q treated as all_day", title, timeOfDay))
			}
			timeOfDay = "all_day"
		}
		startClock = timeOfDayDefaults[timeOfDay]
	}
	startAt, err := onDay(day, startClock)
	if err != nil {
		return nil, nil, fmt.Errorf("bad start_time %q", item.StartTime)
	}

	var endAt time.Time
	if clock := strings.TrimSpace(item.EndTime); clock != "" {
		endAt, err = onDay(day, clock)
		if err != nil || !endAt.After(startAt) {
			notes = append(notes, fmt.Sprintf("event %q: dropped unusable end_time %q", title, item.EndTime))
			endAt = time.Time{}
		}
	}

	return &Event{
		SourceIndex:       item.SourceIndex,
		Title:             title,
		StartAt:           startAt,
		EndAt:             endAt,
		TimeOfDay:         timeOfDay,
		Location:          strings.TrimSpace(item.Location),
		Description:       strings.TrimSpace(item.Description),
		Child:             strings.TrimSpace(item.Child),
		Confidence:        confidence,
		Recurring:         item.Recurring,
		RecurrencePattern: strings.TrimSpace(item.RecurrencePattern),
		DateInferred:      item.DateInferred,
	}, notes, nil
}

func validateTodo(item todoItem, batchSize int) (*Todo, []string, error) {
	if item.SourceIndex < 0 || item.SourceIndex >= batchSize {
		return nil, nil, fmt.Errorf("source_index %d out of range", item.SourceIndex)
	}
	description := strings.TrimSpace(item.Description)
	if description == "" {
		return nil, nil, fmt.Errorf("empty description")
	}

	var notes []string
	confidence, note, err := clampConfidence(item.Confidence)
	if err != nil {
		return nil, nil, err
	}
	if note != "" {
		notes = append(notes, fmt.Sprintf("todo %q: %s", description, note))
	}

	category := strings.ToLower(strings.TrimSpace(item.Category))
	if !ValidCategory(category) {
		notes = append(notes, fmt.Sprintf("todo %q: unknown category %q treated as reminder", description, item.Category))
		category = "reminder"
	}

	// A todo without a usable due date is still actionable, so a bad date
	// is repaired by dropping it rather than rejecting the item.
	var dueAt time.Time
	if item.DueDate != "" {
		dueAt, err = time.ParseInLocation("2006-01-02", item.DueDate, time.Local)
		if err != nil {
			notes = append(notes, fmt.Sprintf("todo %q: dropped unparsable due_date %q", description, item.DueDate))
			dueAt = time.Time{}
		}
	}

	return &Todo{
		SourceIndex:      item.SourceIndex,
		Description:      description,
		Category:         category,
		DueAt:            dueAt,
		Child:            strings.TrimSpace(item.Child),
		Amount:           item.Amount,
		URL:              strings.TrimSpace(item.URL),
		Confidence:       confidence,
		Recurring:        item.Recurring,
		ResponsibleParty: strings.TrimSpace(item.ResponsibleParty),
		DateInferred:     item.DateInferred,
	}, notes, nil
}

func clampConfidence(c float64) (float64, string, error) {
	switch {
	case c >= 0 && c <= 1:
		return c, "", nil
	case c < 0 && c >= -confidenceSlack:
		return 0, fmt.Sprintf("confidence %.3f clamped to 0", c), nil
	case c > 1 && c <= 1+confidenceSlack:
		return 1, fmt.Sprintf("confidence %.3f clamped to 1", c), nil
	default:
		return 0, "", fmt.Errorf("confidence %.3f out of range", c)
	}
}

func onDay(day time.Time, clock string) (time.Time, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, time.Local), nil
}
