package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/mail"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/satchelhq/satchel/internal/credentials"
)

const (
	gmailBaseURL    = "https://gmail.googleapis.com/gmail/v1"
	calendarBaseURL = "https://www.googleapis.com/calendar/v3"

	googleMaxRetries     = 5
	googleInitialBackoff = 500 * time.Millisecond
	googleMaxBackoff     = 30 * time.Second
	googleTimeout        = 60 * time.Second
	googleMaxPages       = 20
)

// GoogleOptions tunes the Gmail/Calendar adapter. Base URLs are
// overridable for tests.
type GoogleOptions struct {
	Workers         int
	GmailBaseURL    string
	CalendarBaseURL string
}

func (o GoogleOptions) withDefaults() GoogleOptions {
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.GmailBaseURL == "" {
		o.GmailBaseURL = gmailBaseURL
	}
	if o.CalendarBaseURL == "" {
		o.CalendarBaseURL = calendarBaseURL
	}
	return o
}

// Google talks to the Gmail and Calendar REST APIs with per-user bearer
// tokens from a credential source.
type Google struct {
	httpClient *http.Client
	creds      credentials.Source
	opts       GoogleOptions

	labelMu sync.Mutex
	labels  map[string]string // userID + "\x00" + label name -> label id
}

// NewGoogle creates the adapter. It implements both Inbox and Calendar.
func NewGoogle(creds credentials.Source, opts GoogleOptions) *Google {
	return &Google{
		httpClient: &http.Client{Timeout: googleTimeout},
		creds:      creds,
		opts:       opts.withDefaults(),
		labels:     make(map[string]string),
	}
}

func (g *Google) Name() string { return "google" }

// doJSON performs one authenticated call with retries on 429 and 5xx.
// A nil out discards the response body.
func (g *Google) doJSON(ctx context.Context, userID, method, reqURL string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= googleMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(googleBackoff(attempt)):
			}
		}

		token, err := g.creds.Token(ctx, userID)
		if err != nil {
			// A missing or expired credential will not fix itself here.
			return err
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := g.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == 429 || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("google API error %d: %s", resp.StatusCode, snippet(respBody))
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("unmarshal response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func googleBackoff(attempt int) time.Duration {
	backoff := float64(googleInitialBackoff) * math.Pow(2, float64(attempt-1))
	if backoff > float64(googleMaxBackoff) {
		backoff = float64(googleMaxBackoff)
	}
	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(backoff + jitter)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// Gmail wire types, reduced to the fields we read.

type gmailListResponse struct {
	Messages      []gmailMessageRef `json:"messages"`
	NextPageToken string            `json:"nextPageToken"`
}

type gmailMessageRef struct {
	ID string `json:"id"`
}

type gmailMessage struct {
	ID           string       `json:"id"`
	InternalDate string       `json:"internalDate"`
	Payload      gmailPayload `json:"payload"`
}

type gmailPayload struct {
	MimeType string         `json:"mimeType"`
	Filename string         `json:"filename"`
	Headers  []gmailHeader  `json:"headers"`
	Body     gmailBody      `json:"body"`
	Parts    []gmailPayload `json:"parts"`
}

type gmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type gmailBody struct {
	Data string `json:"data"`
	Size int    `json:"size"`
}

type gmailLabel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type gmailLabelsResponse struct {
	Labels []gmailLabel `json:"labels"`
}

// FetchMessages lists message ids in the range, then fetches bodies with a
// small worker pool. A message whose body fetch fails is returned with
// FetchError set so the caller can record the failure without losing the
// rest of the batch.
func (g *Google) FetchMessages(ctx context.Context, userID string, r DateRange, maxResults int) ([]Message, error) {
	ids, err := g.listMessageIDs(ctx, userID, r, maxResults)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	jobs := make(chan string)
	results := make(chan Message)
	var wg sync.WaitGroup

	for w := 0; w < g.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				msg, err := g.fetchMessage(ctx, userID, id)
				if err != nil {
					results <- Message{ProviderMessageID: id, FetchError: err.Error()}
					continue
				}
				results <- *msg
			}
		}()
	}

	go func() {
		for _, id := range ids {
			jobs <- id
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	messages := make([]Message, 0, len(ids))
	for m := range results {
		messages = append(messages, m)
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].ReceivedAt.Before(messages[j].ReceivedAt)
	})
	return messages, nil
}

func (g *Google) listMessageIDs(ctx context.Context, userID string, r DateRange, maxResults int) ([]string, error) {
	var terms []string
	if !r.From.IsZero() {
		terms = append(terms, "after:"+r.From.Format("2006/01/02"))
	}
	if !r.To.IsZero() {
		terms = append(terms, "before:"+r.To.Format("2006/01/02"))
	}

	var ids []string
	pageToken := ""
	for page := 0; page < googleMaxPages; page++ {
		q := url.Values{}
		if len(terms) > 0 {
			q.Set("q", strings.Join(terms, " "))
		}
		remaining := maxResults - len(ids)
		if remaining <= 0 {
			break
		}
		if remaining > 100 {
			remaining = 100
		}
		q.Set("maxResults", strconv.Itoa(remaining))
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var resp gmailListResponse
		reqURL := g.opts.GmailBaseURL + "/users/me/messages?" + q.Encode()
		if err := g.doJSON(ctx, userID, "GET", reqURL, nil, &resp); err != nil {
			return nil, err
		}
		for _, ref := range resp.Messages {
			ids = append(ids, ref.ID)
		}
		if resp.NextPageToken == "" || len(ids) >= maxResults {
			break
		}
		pageToken = resp.NextPageToken
	}
	if len(ids) > maxResults {
		ids = ids[:maxResults]
	}
	return ids, nil
}

func (g *Google) fetchMessage(ctx context.Context, userID, id string) (*Message, error) {
	var raw gmailMessage
	reqURL := g.opts.GmailBaseURL + "/users/me/messages/" + id + "?format=full"
	if err := g.doJSON(ctx, userID, "GET", reqURL, nil, &raw); err != nil {
		return nil, err
	}

	m := Message{ProviderMessageID: raw.ID}
	for _, h := range raw.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			if addr, err := mail.ParseAddress(h.Value); err == nil {
				m.Sender = addr.Address
			} else {
				m.Sender = h.Value
			}
		case "subject":
			m.Subject = h.Value
		}
	}
	if ms, err := strconv.ParseInt(raw.InternalDate, 10, 64); err == nil && ms > 0 {
		m.ReceivedAt = time.Unix(ms/1000, 0)
	}

	m.Body = extractBody(raw.Payload)
	m.AttachmentText = extractAttachmentText(raw.Payload)
	return &m, nil
}

// extractBody prefers the first text/plain part, falling back to text/html.
func extractBody(p gmailPayload) string {
	if body := findPart(p, "text/plain"); body != "" {
		return body
	}
	return findPart(p, "text/html")
}

func findPart(p gmailPayload, mimeType string) string {
	if p.Filename == "" && strings.HasPrefix(p.MimeType, mimeType) && p.Body.Data != "" {
		return decodeBase64URL(p.Body.Data)
	}
	for _, part := range p.Parts {
		if body := findPart(part, mimeType); body != "" {
			return body
		}
	}
	return ""
}

// extractAttachmentText joins the content of inline text attachments.
// Binary attachments are skipped; extracting them is the provider's job
// and arrives pre-extracted when available.
func extractAttachmentText(p gmailPayload) string {
	var parts []string
	var walk func(gmailPayload)
	walk = func(p gmailPayload) {
		if p.Filename != "" && strings.HasPrefix(p.MimeType, "text/") && p.Body.Data != "" {
			if text := decodeBase64URL(p.Body.Data); text != "" {
				parts = append(parts, text)
			}
		}
		for _, part := range p.Parts {
			walk(part)
		}
	}
	walk(p)
	return strings.Join(parts, "\n---\n")
}

func decodeBase64URL(data string) string {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}

// ApplyLabel ensures the named label exists, then tags the messages in one
// batch call.
func (g *Google) ApplyLabel(ctx context.Context, userID string, providerMessageIDs []string, label string) error {
	if len(providerMessageIDs) == 0 || label == "" {
		return nil
	}
	labelID, err := g.ensureLabel(ctx, userID, label)
	if err != nil {
		return fmt.Errorf("ensure label: %w", err)
	}

	body := map[string]any{
		"ids":         providerMessageIDs,
		"addLabelIds": []string{labelID},
	}
	reqURL := g.opts.GmailBaseURL + "/users/me/messages/batchModify"
	if err := g.doJSON(ctx, userID, "POST", reqURL, body, nil); err != nil {
		return fmt.Errorf("apply label: %w", err)
	}
	return nil
}

func (g *Google) ensureLabel(ctx context.Context, userID, name string) (string, error) {
	key := userID + "\x00" + name

	g.labelMu.Lock()
	if id, ok := g.labels[key]; ok {
		g.labelMu.Unlock()
		return id, nil
	}
	g.labelMu.Unlock()

	var listResp gmailLabelsResponse
	if err := g.doJSON(ctx, userID, "GET", g.opts.GmailBaseURL+"/users/me/labels", nil, &listResp); err != nil {
		return "", err
	}
	for _, l := range listResp.Labels {
		if l.Name == name {
			g.cacheLabel(key, l.ID)
			return l.ID, nil
		}
	}

	var created gmailLabel
	body := map[string]any{
		"name":                  name,
		"labelListVisibility":   "labelShow",
		"messageListVisibility": "show",
	}
	if err := g.doJSON(ctx, userID, "POST", g.opts.GmailBaseURL+"/users/me/labels", body, &created); err != nil {
		return "", err
	}
	g.cacheLabel(key, created.ID)
	return created.ID, nil
}

func (g *Google) cacheLabel(key, id string) {
	g.labelMu.Lock()
	g.labels[key] = id
	g.labelMu.Unlock()
}

// Calendar wire types.

type calendarDateTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type calendarEventResource struct {
	ID          string            `json:"id,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	Location    string            `json:"location,omitempty"`
	Description string            `json:"description,omitempty"`
	Start       *calendarDateTime `json:"start,omitempty"`
	End         *calendarDateTime `json:"end,omitempty"`
	Status      string            `json:"status,omitempty"`
}

type calendarListResponse struct {
	Items         []calendarEventResource `json:"items"`
	NextPageToken string                  `json:"nextPageToken"`
}

// InsertEvent creates the event in the user's primary calendar and returns
// the provider id. Events without an end time get one hour.
func (g *Google) InsertEvent(ctx context.Context, userID string, ev CalendarEvent) (string, error) {
	end := ev.EndAt
	if end.IsZero() {
		end = ev.StartAt.Add(time.Hour)
	}
	body := calendarEventResource{
		Summary:     ev.Title,
		Location:    ev.Location,
		Description: ev.Description,
		Start:       &calendarDateTime{DateTime: ev.StartAt.Format(time.RFC3339)},
		End:         &calendarDateTime{DateTime: end.Format(time.RFC3339)},
	}

	var created calendarEventResource
	reqURL := g.opts.CalendarBaseURL + "/calendars/primary/events"
	if err := g.doJSON(ctx, userID, "POST", reqURL, body, &created); err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return created.ID, nil
}

// ListEvents returns events in the range from the primary calendar.
func (g *Google) ListEvents(ctx context.Context, userID string, r DateRange) ([]CalendarEvent, error) {
	var events []CalendarEvent
	pageToken := ""
	for page := 0; page < googleMaxPages; page++ {
		q := url.Values{}
		q.Set("singleEvents", "true")
		q.Set("orderBy", "startTime")
		if !r.From.IsZero() {
			q.Set("timeMin", r.From.Format(time.RFC3339))
		}
		if !r.To.IsZero() {
			q.Set("timeMax", r.To.Format(time.RFC3339))
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var resp calendarListResponse
		reqURL := g.opts.CalendarBaseURL + "/calendars/primary/events?" + q.Encode()
		if err := g.doJSON(ctx, userID, "GET", reqURL, nil, &resp); err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		for _, item := range resp.Items {
			if item.Status == "cancelled" {
				continue
			}
			events = append(events, toCalendarEvent(item))
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return events, nil
}

// DeleteEvent removes the event from the primary calendar.
func (g *Google) DeleteEvent(ctx context.Context, userID, eventID string) error {
	reqURL := g.opts.CalendarBaseURL + "/calendars/primary/events/" + eventID
	if err := g.doJSON(ctx, userID, "DELETE", reqURL, nil, nil); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

// FindEvent searches a one-day window either side of the given time for an
// event with the same title, case-insensitively.
func (g *Google) FindEvent(ctx context.Context, userID, title string, around time.Time) (*CalendarEvent, error) {
	window := DateRange{From: around.Add(-24 * time.Hour), To: around.Add(24 * time.Hour)}
	events, err := g.ListEvents(ctx, userID, window)
	if err != nil {
		return nil, err
	}
	for i := range events {
		if strings.EqualFold(events[i].Title, title) {
			return &events[i], nil
		}
	}
	return nil, nil
}

func toCalendarEvent(item calendarEventResource) CalendarEvent {
	ev := CalendarEvent{
		ID:          item.ID,
		Title:       item.Summary,
		Location:    item.Location,
		Description: item.Description,
	}
	if item.Start != nil {
		ev.StartAt = parseCalendarTime(*item.Start)
	}
	if item.End != nil {
		ev.EndAt = parseCalendarTime(*item.End)
	}
	return ev
}

func parseCalendarTime(dt calendarDateTime) time.Time {
	if dt.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, dt.DateTime); err == nil {
			return t
		}
	}
	if dt.Date != "" {
		if t, err := time.ParseInLocation("2006-01-02", dt.Date, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}
