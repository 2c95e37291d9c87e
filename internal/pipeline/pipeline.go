package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satchelhq/satchel/internal/adapters"
	"github.com/satchelhq/satchel/internal/ai"
	"github.com/satchelhq/satchel/internal/anonymize"
	"github.com/satchelhq/satchel/internal/cleanup"
	"github.com/satchelhq/satchel/internal/extract"
	"github.com/satchelhq/satchel/internal/job"
	"github.com/satchelhq/satchel/internal/store"
)

// Config tunes one pipeline instance.
type Config struct {
	DefaultProvider    string
	BatchSize          int
	Workers            int
	MaxResults         int
	Label              string
	FewshotPerCategory int
	MinSenderSamples   int
	MinSenderScore     float64
	CalendarSync       bool
}

func (c Config) withDefaults() Config {
	if c.DefaultProvider == "" {
		c.DefaultProvider = ai.ProviderGemini
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 100
	}
	if c.FewshotPerCategory <= 0 {
		c.FewshotPerCategory = 2
	}
	if c.MinSenderSamples <= 0 {
		c.MinSenderSamples = 4
	}
	if c.MinSenderScore <= 0 {
		c.MinSenderScore = 0.2
	}
	return c
}

// Options control one run.
type Options struct {
	From       time.Time
	To         time.Time
	MaxResults int
	AIProvider string // empty uses the configured default

	// DryRun extracts and counts without writing anything: no job slot,
	// no sweep, no persistence, no calendar sync, no labels.
	DryRun bool

	// SkipDuplicates enables the existence checks for emails and events.
	// Disabled only by preview paths that want raw extraction output.
	SkipDuplicates bool
}

// Result is the aggregated outcome of one run.
type Result struct {
	Success          bool            `json:"success"`
	DryRun           bool            `json:"dry_run,omitempty"`
	EmailsFetched    int             `json:"emails_fetched"`
	EmailsProcessed  int             `json:"emails_processed"`
	EmailsSkipped    int             `json:"emails_skipped"`
	EventsCreated    int             `json:"events_created"`
	TodosCreated     int             `json:"todos_created"`
	ProcessingTimeMS int64           `json:"processing_time_ms"`
	Errors           []string        `json:"errors,omitempty"`
	Cleanup          *cleanup.Result `json:"cleanup,omitempty"`
}

// BackendFactory resolves a provider name to a ready backend.
type BackendFactory func(provider string) (ai.Backend, error)

// Pipeline composes the sweeper, adapters, anonymizer, extraction engine,
// and store into an end-to-end run guarded by the job state machine.
type Pipeline struct {
	store      *store.Store
	inbox      adapters.Inbox
	calendar   adapters.Calendar // nil disables remote checks and sync
	newBackend BackendFactory
	cfg        Config
	sweeper    *cleanup.Sweeper
	log        *zap.Logger

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// New wires a pipeline. calendar may be nil for inbox-only providers.
func New(st *store.Store, inbox adapters.Inbox, calendar adapters.Calendar, newBackend BackendFactory, cfg Config, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		store:      st,
		inbox:      inbox,
		calendar:   calendar,
		newBackend: newBackend,
		cfg:        cfg.withDefaults(),
		sweeper:    cleanup.New(st, log),
		log:        log,
		Now:        time.Now,
	}
}

// Run executes one extraction pass for the user. Bad options and a busy
// job slot are rejected up front; once the slot is claimed every failure
// is captured in the result and the job's terminal state instead of being
// returned. The returned error is non-nil only pre-claim or when the job
// record itself cannot be written.
func (p *Pipeline) Run(ctx context.Context, userID string, opts Options) (*Result, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if opts.MaxResults < 0 {
		return nil, &ValidationError{Field: "max_results", Reason: "must not be negative"}
	}
	if opts.MaxResults == 0 {
		opts.MaxResults = p.cfg.MaxResults
	}
	if !opts.From.IsZero() && !opts.To.IsZero() && opts.From.After(opts.To) {
		return nil, &ValidationError{Field: "date_range", Reason: "from is after to"}
	}

	provider := opts.AIProvider
	if provider == "" {
		provider = p.cfg.DefaultProvider
	}
	backend, err := p.newBackend(provider)
	if err != nil {
		return nil, &ValidationError{Field: "ai_provider", Reason: err.Error()}
	}

	if opts.DryRun {
		result := p.run(ctx, userID, opts, backend)
		result.DryRun = true
		return result, nil
	}

	claimed, err := job.Claim(ctx, p.store.DB(), userID, job.TypeExtraction)
	if errors.Is(err, job.ErrAlreadyRunning) {
		return nil, &AlreadyRunningError{Job: claimed}
	}
	if err != nil {
		return nil, fmt.Errorf("claim job slot: %w", err)
	}

	result := p.run(ctx, userID, opts, backend)

	db := p.store.DB()
	if result.Success {
		if err := job.Complete(ctx, db, userID, job.TypeExtraction, result); err != nil {
			return result, fmt.Errorf("record job completion: %w", err)
		}
	} else {
		if err := job.Fail(ctx, db, userID, job.TypeExtraction, strings.Join(result.Errors, "; "), result); err != nil {
			return result, fmt.Errorf("record job failure: %w", err)
		}
	}
	return result, nil
}

// run is the body of a pass. It never returns an error: fatal problems
// flip Success off, per-item problems are appended to Errors.
func (p *Pipeline) run(ctx context.Context, userID string, opts Options, backend ai.Backend) *Result {
	start := p.Now()
	result := &Result{Success: true}
	defer func() {
		result.ProcessingTimeMS = time.Since(start).Milliseconds()
	}()

	db := p.store.DB()
	write := !opts.DryRun

	// Retire expired items before scanning. Failure here should not stop
	// the run; it only means yesterday's todos are completed a run late.
	if write {
		swept, err := p.sweeper.Sweep(ctx, userID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("cleanup sweep: %v", err))
		} else {
			result.Cleanup = swept
		}
		// Status updates are best-effort; the run itself is the source
		// of truth.
		_ = job.SetStatus(ctx, db, userID, job.TypeExtraction, job.StatusScanning)
	}

	messages, err := p.inbox.FetchMessages(ctx, userID, adapters.DateRange{From: opts.From, To: opts.To}, opts.MaxResults)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, fmt.Sprintf("fetch emails: %v", err))
		return result
	}
	result.EmailsFetched = len(messages)
	p.log.Debug("fetched inbox",
		zap.String("user_id", userID),
		zap.Int("messages", len(messages)))

	// The mapping must exist before any content is shared with the
	// backend; failing to load it is fatal, not skippable.
	childRows, err := p.store.Children(ctx, userID)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, fmt.Sprintf("load children: %v", err))
		return result
	}
	children := make([]anonymize.Child, len(childRows))
	for i, c := range childRows {
		children[i] = anonymize.Child{Name: c.Name, YearGroup: c.YearGroup, School: c.School}
	}
	mapping := anonymize.NewMapping(children)

	skipSenders := p.senderSkipList(ctx, userID, result)

	// Filter: record fetch failures, drop known messages and low-value
	// senders, and store the remainder.
	var fresh []adapters.Message
	var emailIDs []string
	now := p.Now()
	for _, m := range messages {
		if m.FetchError != "" {
			result.Errors = append(result.Errors, fmt.Sprintf("fetch message %s: %s", m.ProviderMessageID, m.FetchError))
			if write {
				if err := p.store.RecordFetchFailure(ctx, store.Email{
					ID:                uuid.New().String(),
					UserID:            userID,
					ProviderMessageID: m.ProviderMessageID,
					Sender:            m.Sender,
					Subject:           m.Subject,
					ReceivedAt:        m.ReceivedAt,
					CreatedAt:         now,
				}, m.FetchError); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("record fetch failure %s: %v", m.ProviderMessageID, err))
				}
			}
			continue
		}

		if opts.SkipDuplicates {
			exists, err := p.store.EmailExists(ctx, userID, m.ProviderMessageID)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("check email %s: %v", m.ProviderMessageID, err))
				continue
			}
			if exists {
				result.EmailsSkipped++
				continue
			}
		}

		if score, ok := skipSenders[m.Sender]; ok {
			p.log.Debug("skipping low-scored sender",
				zap.String("sender", m.Sender),
				zap.Float64("score", score))
			result.EmailsSkipped++
			continue
		}

		id := uuid.New().String()
		if write {
			e := store.Email{
				ID:                id,
				UserID:            userID,
				ProviderMessageID: m.ProviderMessageID,
				Sender:            m.Sender,
				Subject:           m.Subject,
				ReceivedAt:        m.ReceivedAt,
				BodyText:          m.Body,
				AttachmentText:    m.AttachmentText,
				CreatedAt:         now,
			}
			created, err := p.store.InsertEmail(ctx, e)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("store email %s: %v", m.ProviderMessageID, err))
				continue
			}
			if !created {
				// Raced or re-scanned an existing row; reuse its id.
				stored, err := p.store.GetEmail(ctx, userID, m.ProviderMessageID)
				if err != nil || stored == nil {
					result.EmailsSkipped++
					continue
				}
				id = stored.ID
			}
		}
		fresh = append(fresh, m)
		emailIDs = append(emailIDs, id)
	}
	result.EmailsProcessed = len(fresh)

	if len(fresh) == 0 {
		return result
	}

	if write {
		_ = job.SetStatus(ctx, db, userID, job.TypeExtraction, job.StatusRanking)
	}

	examples := p.fewshotExamples(ctx, userID, mapping, result)
	profiles := mapping.Profiles()
	today := p.Now().Format("2006-01-02")

	// Extract batches with bounded concurrency. Outcomes land in their
	// batch's slot so persistence follows batch order, not completion
	// order.
	type batchOutcome struct {
		res *extract.BatchResult
		err error
	}
	starts := batchStarts(len(fresh), p.cfg.BatchSize)
	outcomes := make([]batchOutcome, len(starts))
	engine := extract.NewEngine(backend)

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < p.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for bi := range jobs {
				lo := starts[bi]
				hi := lo + p.cfg.BatchSize
				if hi > len(fresh) {
					hi = len(fresh)
				}
				input := extract.BatchInput{
					Today:    today,
					Profiles: profiles,
					Examples: examples,
				}
				for i := lo; i < hi; i++ {
					m := fresh[i]
					input.Emails = append(input.Emails, extract.EmailInput{
						Index:    i - lo,
						Sender:   m.Sender,
						Subject:  mapping.Anonymize(m.Subject),
						Received: formatReceived(m.ReceivedAt),
						Body:     mapping.Anonymize(joinBody(m.Body, m.AttachmentText)),
					})
				}
				res, err := engine.ExtractBatch(ctx, input)
				outcomes[bi] = batchOutcome{res: res, err: err}
			}
		}()
	}
	go func() {
		for bi := range starts {
			jobs <- bi
		}
		close(jobs)
	}()
	wg.Wait()

	// Persist in batch order.
	var analyzedIDs []string
	for bi, out := range outcomes {
		lo := starts[bi]
		if out.err != nil {
			// One bad batch never aborts the run; its emails stay
			// un-analyzed.
			result.Errors = append(result.Errors, fmt.Sprintf("batch %d: %v", bi, out.err))
			continue
		}
		for _, note := range out.res.Rejected {
			result.Errors = append(result.Errors, fmt.Sprintf("batch %d rejected %s", bi, note))
		}
		if len(out.res.Repairs) > 0 {
			p.log.Debug("repaired extraction output",
				zap.Int("batch", bi),
				zap.Strings("repairs", out.res.Repairs))
		}

		for _, ev := range out.res.Events {
			p.persistEvent(ctx, userID, mapping, ev, lo, emailIDs, opts, result)
		}
		for _, td := range out.res.Todos {
			p.persistTodo(ctx, userID, mapping, td, lo, emailIDs, opts, result)
		}

		hi := lo + p.cfg.BatchSize
		if hi > len(emailIDs) {
			hi = len(emailIDs)
		}
		analyzedIDs = append(analyzedIDs, emailIDs[lo:hi]...)
	}

	if write {
		// processed first, then analyzed: an analyzed row is always
		// already processed.
		if err := p.store.MarkProcessed(ctx, emailIDs); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("mark processed: %v", err))
		}
		if err := p.store.MarkAnalyzed(ctx, analyzedIDs); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("mark analyzed: %v", err))
		}
		p.applyLabel(ctx, userID, fresh, emailIDs, result)
	}

	p.log.Info("pipeline run finished",
		zap.String("user_id", userID),
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("fetched", result.EmailsFetched),
		zap.Int("processed", result.EmailsProcessed),
		zap.Int("skipped", result.EmailsSkipped),
		zap.Int("events", result.EventsCreated),
		zap.Int("todos", result.TodosCreated),
		zap.Int("errors", len(result.Errors)))
	return result
}

// persistEvent deanonymizes one extracted event, applies the duplicate
// checks, stores it, and pushes it to the calendar when enabled.
func (p *Pipeline) persistEvent(ctx context.Context, userID string, mapping *anonymize.Mapping, ev extract.Event, batchStart int, emailIDs []string, opts Options, result *Result) {
	idx := batchStart + ev.SourceIndex
	if idx >= len(emailIDs) {
		result.Errors = append(result.Errors, fmt.Sprintf("event %q: source index out of range", ev.Title))
		return
	}
	sourceEmailID := emailIDs[idx]
	title := mapping.Deanonymize(ev.Title)

	if opts.SkipDuplicates {
		// Local store first, remote calendar second.
		exists, err := p.store.EventExists(ctx, userID, sourceEmailID, title, ev.StartAt)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("check event %q: %v", title, err))
			return
		}
		if exists {
			return
		}
		if p.calendar != nil && p.cfg.CalendarSync {
			found, err := p.calendar.FindEvent(ctx, userID, title, ev.StartAt)
			if err != nil {
				// Persist anyway: a flaky remote check must not drop
				// the event.
				result.Errors = append(result.Errors, fmt.Sprintf("remote check %q: %v", title, err))
			} else if found != nil {
				return
			}
		}
	}

	if opts.DryRun {
		result.EventsCreated++
		return
	}

	stored := store.Event{
		ID:                uuid.New().String(),
		UserID:            userID,
		SourceEmailID:     sourceEmailID,
		Title:             title,
		StartAt:           ev.StartAt,
		EndAt:             ev.EndAt,
		Location:          mapping.Deanonymize(ev.Location),
		Description:       mapping.Deanonymize(ev.Description),
		ChildName:         childName(mapping, ev.Child),
		Confidence:        ev.Confidence,
		Recurring:         ev.Recurring,
		RecurrencePattern: ev.RecurrencePattern,
		TimeOfDay:         ev.TimeOfDay,
		DateInferred:      ev.DateInferred,
		CreatedAt:         p.Now(),
	}
	created, err := p.store.InsertEvent(ctx, stored)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("store event %q: %v", title, err))
		return
	}
	if !created {
		return
	}
	result.EventsCreated++

	if p.calendar != nil && p.cfg.CalendarSync {
		calID, err := p.calendar.InsertEvent(ctx, userID, adapters.CalendarEvent{
			Title:       title,
			StartAt:     ev.StartAt,
			EndAt:       ev.EndAt,
			Location:    stored.Location,
			Description: stored.Description,
		})
		if err != nil {
			// Sync failures never roll back local persistence.
			result.Errors = append(result.Errors, fmt.Sprintf("calendar sync %q: %v", title, err))
			if serr := p.store.SetEventSync(ctx, stored.ID, store.SyncFailed, "", err.Error()); serr != nil {
				p.log.Warn("failed to record sync failure", zap.Error(serr))
			}
			return
		}
		if serr := p.store.SetEventSync(ctx, stored.ID, store.SyncSynced, calID, ""); serr != nil {
			p.log.Warn("failed to record sync success", zap.Error(serr))
		}
	}
}

// persistTodo deanonymizes and stores one extracted todo.
func (p *Pipeline) persistTodo(ctx context.Context, userID string, mapping *anonymize.Mapping, td extract.Todo, batchStart int, emailIDs []string, opts Options, result *Result) {
	idx := batchStart + td.SourceIndex
	if idx >= len(emailIDs) {
		result.Errors = append(result.Errors, fmt.Sprintf("todo %q: source index out of range", td.Description))
		return
	}

	if opts.DryRun {
		result.TodosCreated++
		return
	}

	created, err := p.store.InsertTodo(ctx, store.Todo{
		ID:               uuid.New().String(),
		UserID:           userID,
		SourceEmailID:    emailIDs[idx],
		Description:      mapping.Deanonymize(td.Description),
		Category:         td.Category,
		DueAt:            td.DueAt,
		ChildName:        childName(mapping, td.Child),
		Amount:           td.Amount,
		URL:              td.URL,
		Confidence:       td.Confidence,
		Recurring:        td.Recurring,
		ResponsibleParty: td.ResponsibleParty,
		DateInferred:     td.DateInferred,
		CreatedAt:        p.Now(),
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("store todo %q: %v", td.Description, err))
		return
	}
	if created {
		result.TodosCreated++
	}
}

// senderSkipList returns senders whose graded history scores below the
// configured floor. Feedback problems degrade to an empty list.
func (p *Pipeline) senderSkipList(ctx context.Context, userID string, result *Result) map[string]float64 {
	scores, err := p.store.SenderScores(ctx, userID, p.cfg.MinSenderSamples)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("load sender scores: %v", err))
		return nil
	}
	skip := make(map[string]float64)
	for _, s := range scores {
		if s.Score < p.cfg.MinSenderScore {
			skip[s.Sender] = s.Score
		}
	}
	return skip
}

// fewshotExamples loads graded examples for the prompt, anonymized with
// the current run's mapping. Missing examples are not an error.
func (p *Pipeline) fewshotExamples(ctx context.Context, userID string, mapping *anonymize.Mapping, result *Result) []extract.Example {
	rows, err := p.store.FeedbackExamples(ctx, userID, p.cfg.FewshotPerCategory)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("load feedback examples: %v", err))
		return nil
	}
	examples := make([]extract.Example, 0, len(rows))
	for _, r := range rows {
		examples = append(examples, extract.Example{
			ItemType: r.ItemType,
			Category: r.Category,
			Payload:  mapping.Anonymize(r.PayloadJSON),
			Relevant: r.Relevant,
		})
	}
	return examples
}

// applyLabel tags the processed messages at the provider and records
// which rows were labeled. Both halves are best-effort.
func (p *Pipeline) applyLabel(ctx context.Context, userID string, fresh []adapters.Message, emailIDs []string, result *Result) {
	if p.cfg.Label == "" || len(fresh) == 0 {
		return
	}
	providerIDs := make([]string, len(fresh))
	for i, m := range fresh {
		providerIDs[i] = m.ProviderMessageID
	}
	if err := p.inbox.ApplyLabel(ctx, userID, providerIDs, p.cfg.Label); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("apply label: %v", err))
		return
	}
	if err := p.store.MarkLabeled(ctx, emailIDs); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("mark labeled: %v", err))
	}
}

// Status reports the user's last job of the given type and whether a
// poller should treat it as still running. A stored active status past
// the staleness window reports not running; the row itself is left for
// the next claim to replace.
func (p *Pipeline) Status(ctx context.Context, userID, jobType string) (*job.Job, bool, error) {
	j, err := job.Get(ctx, p.store.DB(), userID, jobType)
	if err != nil || j == nil {
		return nil, false, err
	}
	return j, j.InProgress(p.Now()), nil
}

// SyncPending pushes events that have not reached the calendar yet,
// typically after runs executed with sync disabled or failed pushes.
func (p *Pipeline) SyncPending(ctx context.Context, userID string) (synced, failed int, err error) {
	if p.calendar == nil {
		return 0, 0, fmt.Errorf("no calendar configured")
	}
	events, err := p.store.PendingSyncEvents(ctx, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load pending events: %w", err)
	}
	for _, ev := range events {
		calID, ierr := p.calendar.InsertEvent(ctx, userID, adapters.CalendarEvent{
			Title:       ev.Title,
			StartAt:     ev.StartAt,
			EndAt:       ev.EndAt,
			Location:    ev.Location,
			Description: ev.Description,
		})
		if ierr != nil {
			failed++
			if serr := p.store.SetEventSync(ctx, ev.ID, store.SyncFailed, "", ierr.Error()); serr != nil {
				p.log.Warn("failed to record sync failure", zap.Error(serr))
			}
			continue
		}
		synced++
		if serr := p.store.SetEventSync(ctx, ev.ID, store.SyncSynced, calID, ""); serr != nil {
			p.log.Warn("failed to record sync success", zap.Error(serr))
		}
	}
	return synced, failed, nil
}

// childName resolves a model-returned child reference back to the real
// name. Tokens map directly; anything else is deanonymized as free text.
func childName(mapping *anonymize.Mapping, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if name, ok := mapping.NameForToken(ref); ok {
		return name
	}
	return mapping.Deanonymize(ref)
}

// batchStarts returns the start offsets for slicing n items into batches.
func batchStarts(n, size int) []int {
	var starts []int
	for i := 0; i < n; i += size {
		starts = append(starts, i)
	}
	return starts
}

func formatReceived(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("Mon, 2 Jan 2006 15:04")
}

func joinBody(body, attachments string) string {
	if attachments == "" {
		return body
	}
	if body == "" {
		return attachments
	}
	return body + "\n\n<ATTACHMENTS>\n" + attachments + "\n</ATTACHMENTS>"
}
