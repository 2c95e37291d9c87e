package store

import (
	"context"
	"database/sql"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// setupTestStore creates a store backed by an in-memory SQLite database.
func setupTestStore(t *testing.T) *Store {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	// Each pool connection would get its own empty in-memory database.
	db.SetMaxOpenConns(1)

	st, err := New(db)
	if err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return st
}

func testEmail(id, userID, providerID string) Email {
	return Email{
		ID:                id,
		UserID:            userID,
		ProviderMessageID: providerID,
		Sender:            "office@school.example",
		Subject:           "Trip letter",
		ReceivedAt:        time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		BodyText:          "Please return the slip by Friday.",
		CreatedAt:         time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

func insertTestEmail(t *testing.T, st *Store, id, userID, providerID string) {
	created, err := st.InsertEmail(context.Background(), testEmail(id, userID, providerID))
	if err != nil {
		t.Fatalf("failed to insert email: %v", err)
	}
	if !created {
		t.Fatalf("expected email %s to be created", id)
	}
}

func TestInsertEmail_Duplicate_NotCreated(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()
	ctx := context.Background()

	insertTestEmail(t, st, "email-1", "user-1", "msg-1")

	// Same provider message again under a new row id.
	created, err := st.InsertEmail(ctx, testEmail("email-2", "user-1", "msg-1"))
	if err != nil {
		t.Fatalf("InsertEmail failed: %v", err)
	}
	if created {
		t.Error("expected duplicate insert to report created=false")
	}

	// The original row survives untouched.
	e, err := st.GetEmail(ctx, "user-1", "msg-1")
	if err != nil {
		t.Fatalf("GetEmail failed: %v", err)
	}
	if e == nil || e.ID != "email-1" {
		t.Errorf("expected original row email-1, got %+v", e)
	}
}

func TestInsertEmail_SameMessageOtherUser_Created(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()

	insertTestEmail(t, st, "email-1", "user-1", "msg-1")
	insertTestEmail(t, st, "email-2", "user-2", "msg-1")
}

func TestInsertEmail_ReplacesFetchFailureStub(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()
	ctx := context.Background()

	stub := testEmail("stub-1", "user-1", "msg-1")
	if err := st.RecordFetchFailure(ctx, stub, "connection reset"); err != nil {
		t.Fatalf("RecordFetchFailure failed: %v", err)
	}

	// A failed row does not count as stored, so the message is retried.
	exists, err := st.EmailExists(ctx, "user-1", "msg-1")
	if err != nil {
		t.Fatalf("EmailExists failed: %v", err)
	}
	if exists {
		t.Error("expected fetch-failure stub to not count as existing")
	}

	created, err := st.InsertEmail(ctx, testEmail("email-1", "user-1", "msg-1"))
	if err != nil {
		t.Fatalf("InsertEmail failed: %v", err)
	}
	if !created {
		t.Error("expected insert over a failure stub to report created=true")
	}

	e, err := st.GetEmail(ctx, "user-1", "msg-1")
	if err != nil {
		t.Fatalf("GetEmail failed: %v", err)
	}
	if e == nil {
		t.Fatal("expected email after repair")
	}
	if e.ID != "email-1" {
		t.Errorf("expected repaired row to take the new id, got %s", e.ID)
	}
	if e.FetchError != "" {
		t.Errorf("expected fetch error cleared, got %q", e.FetchError)
	}
	if e.FetchAttempts != 0 {
		t.Errorf("expected fetch attempts reset, got %d", e.FetchAttempts)
	}

	exists, err = st.EmailExists(ctx, "user-1", "msg-1")
	if err != nil {
		t.Fatalf("EmailExists failed: %v", err)
	}
	if !exists {
		t.Error("expected repaired email to exist")
	}
}

func TestRecordFetchFailure_IncrementsAttempts(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()
	ctx := context.Background()

	stub := testEmail("stub-1", "user-1", "msg-1")
	if err := st.RecordFetchFailure(ctx, stub, "timeout"); err != nil {
		t.Fatalf("RecordFetchFailure failed: %v", err)
	}
	if err := st.RecordFetchFailure(ctx, stub, "connection reset"); err != nil {
		t.Fatalf("RecordFetchFailure failed: %v", err)
	}

	e, err := st.GetEmail(ctx, "user-1", "msg-1")
	if err != nil {
		t.Fatalf("GetEmail failed: %v", err)
	}
	if e == nil {
		t.Fatal("expected stub row")
	}
	if e.FetchAttempts != 2 {
		t.Errorf("expected 2 fetch attempts, got %d", e.FetchAttempts)
	}
	if e.FetchError != "connection reset" {
		t.Errorf("expected latest fetch error, got %q", e.FetchError)
	}
}

func TestMarkFlags_And_CountEmails(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()
	ctx := context.Background()

	insertTestEmail(t, st, "email-1", "user-1", "msg-1")
	insertTestEmail(t, st, "email-2", "user-1", "msg-2")
	insertTestEmail(t, st, "email-3", "user-1", "msg-3")

	if err := st.MarkProcessed(ctx, []string{"email-1", "email-2"}); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	if err := st.MarkAnalyzed(ctx, []string{"email-1"}); err != nil {
		t.Fatalf("MarkAnalyzed failed: %v", err)
	}
	if err := st.MarkLabeled(ctx, []string{"email-1"}); err != nil {
		t.Fatalf("MarkLabeled failed: %v", err)
	}

	counts, err := st.CountEmails(ctx, "user-1")
	if err != nil {
		t.Fatalf("CountEmails failed: %v", err)
	}
	if counts.Total != 3 || counts.Processed != 2 || counts.Analyzed != 1 {
		t.Errorf("expected counts 3/2/1, got %+v", counts)
	}

	e, err := st.GetEmailByID(ctx, "email-1")
	if err != nil {
		t.Fatalf("GetEmailByID failed: %v", err)
	}
	if e == nil || !e.Processed || !e.Analyzed || !e.Labeled {
		t.Errorf("expected all flags set on email-1, got %+v", e)
	}
}

func testEvent(id, userID, sourceEmailID, title string, start time.Time) Event {
	return Event{
		ID:            id,
		UserID:        userID,
		SourceEmailID: sourceEmailID,
		Title:         title,
		StartAt:       start,
		Confidence:    0.9,
		CreatedAt:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

func insertTestEvent(t *testing.T, st *Store, id, userID, sourceEmailID, title string, start time.Time) {
	created, err := st.InsertEvent(context.Background(), testEvent(id, userID, sourceEmailID, title, start))
	if err != nil {
		t.Fatalf("failed to insert event: %v", err)
	}
	if !created {
		t.Fatalf("expected event %s to be created", id)
	}
}

func TestInsertEvent_DuplicateSameDay_Ignored(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()
	ctx := context.Background()

	day := time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC)
	insertTestEvent(t, st, "event-1", "user-1", "email-1", "Sports Day", day)

	// Same title from the same email on the same day, different hour.
	created, err := st.InsertEvent(ctx, testEvent("event-2", "user-1", "email-1", "Sports Day", day.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}
	if created {
		t.Error("expected same-day duplicate to be ignored")
	}

	// A different day is a new event.
	created, err = st.InsertEvent(ctx, testEvent("event-3", "user-1", "email-1", "Sports Day", day.AddDate(0, 0, 7)))
	if err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}
	if !created {
		t.Error("expected different-day event to be created")
	}

	exists, err := st.EventExists(ctx, "user-1", "email-1", "Sports Day", day)
	if err != nil {
		t.Fatalf("EventExists failed: %v", err)
	}
	if !exists {
		t.Error("expected event to exist for its day")
	}
	exists, err = st.EventExists(ctx, "user-1", "email-1", "Sports Day", day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("EventExists failed: %v", err)
	}
	if exists {
		t.Error("expected no event on the following day")
	}
}

func TestGetEvent_Missing_ReturnsNil(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()

	ev, err := st.GetEvent(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if ev != nil {
		t.Errorf("expected nil for missing event, got %+v", ev)
	}
}

func TestSetEventSync_And_PendingSyncEvents(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC)
	insertTestEvent(t, st, "event-1", "user-1", "email-1", "Sports Day", base)
	insertTestEvent(t, st, "event-2", "user-1", "email-1", "Parents Evening", base.AddDate(0, 0, 2))
	insertTestEvent(t, st, "event-3", "user-1", "email-2", "Choir", base.AddDate(0, 0, 1))

	if err := st.SetEventSync(ctx, "event-2", SyncSynced, "cal-42", ""); err != nil {
		t.Fatalf("SetEventSync failed: %v", err)
	}

	pending, err := st.PendingSyncEvents(ctx, "user-1")
	if err != nil {
		t.Fatalf("PendingSyncEvents failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending events, got %d", len(pending))
	}
	// Soonest first.
	if pending[0].ID != "event-1" || pending[1].ID != "event-3" {
		t.Errorf("expected event-1 then event-3, got %s then %s", pending[0].ID, pending[1].ID)
	}

	ev, err := st.GetEvent(ctx, "event-2")
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if ev.SyncStatus != SyncSynced || ev.CalendarEventID != "cal-42" {
		t.Errorf("expected synced with cal-42, got %s/%s", ev.SyncStatus, ev.CalendarEventID)
	}
}

func TestUpcomingEvents_FiltersAndSorts(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC)
	insertTestEvent(t, st, "event-past", "user-1", "email-1", "Old Assembly", base.AddDate(0, 0, -7))
	insertTestEvent(t, st, "event-soon", "user-1", "email-1", "Sports Day", base.AddDate(0, 0, 1))
	insertTestEvent(t, st, "event-later", "user-1", "email-1", "Concert", base.AddDate(0, 0, 5))

	events, err := st.UpcomingEvents(ctx, "user-1", base, 10)
	if err != nil {
		t.Fatalf("UpcomingEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 upcoming events, got %d", len(events))
	}
	if events[0].ID != "event-soon" || events[1].ID != "event-later" {
		t.Errorf("expected soonest first, got %s then %s", events[0].ID, events[1].ID)
	}

	events, err = st.UpcomingEvents(ctx, "user-1", base, 1)
	if err != nil {
		t.Fatalf("UpcomingEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].ID != "event-soon" {
		t.Errorf("expected limit to keep the soonest event, got %+v", events)
	}
}

func TestDeleteEventsBefore_KeepsCutoffRow(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()
	ctx := context.Background()

	cutoff := time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)
	insertTestEvent(t, st, "event-old", "user-1", "email-1", "Old Assembly", cutoff.Add(-time.Hour))
	insertTestEvent(t, st, "event-at", "user-1", "email-1", "Sports Day", cutoff)
	insertTestEvent(t, st, "event-new", "user-1", "email-1", "Concert", cutoff.Add(time.Hour))

	deleted, err := st.DeleteEventsBefore(ctx, "user-1", cutoff)
	if err != nil {
		t.Fatalf("DeleteEventsBefore failed: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != "event-old" {
		t.Errorf("expected only event-old deleted, got %v", deleted)
	}

	n, err := st.CountEvents(ctx, "user-1")
	if err != nil {
		t.Fatalf("CountEvents failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 events left, got %d", n)
	}
}

func testTodo(id, userID, sourceEmailID, description string, due time.Time) Todo {
	return Todo{
		ID:            id,
		UserID:        userID,
		SourceEmailID: sourceEmailID,
		Description:   description,
		Category:      "permission_slip",
		DueAt:         due,
		Confidence:    0.8,
		CreatedAt:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

func insertTestTodo(t *testing.T, st *Store, id, userID, sourceEmailID, description string, due time.Time) {
	created, err := st.InsertTodo(context.Background(), testTodo(id, userID, sourceEmailID, description, due))
	if err != nil {
		t.Fatalf("failed to insert todo: %v", err)
	}
	if !created {
		t.Fatalf("expected todo %s to be created", id)
	}
}

func TestInsertTodo_Duplicate_Ignored(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()
	ctx := context.Background()

	due := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)
	insertTestTodo(t, st, "todo-1", "user-1", "email-1", "Return the trip slip", due)

	created, err := st.InsertTodo(ctx, testTodo("todo-2", "user-1", "email-1", "Return the trip slip", due.AddDate(0, 0, 1)))
	if err != nil {
		t.Fatalf("InsertTodo failed: %v", err)
	}
	if created {
		t.Error("expected duplicate description from the same email to be ignored")
	}

	// The same description from a different email is a separate todo.
	created, err = st.InsertTodo(ctx, testTodo("todo-3", "user-1", "email-2", "Return the trip slip", due))
	if err != nil {
		t.Fatalf("InsertTodo failed: %v", err)
	}
	if !created {
		t.Error("expected todo from a different email to be created")
	}
}

func TestCompleteOverdueTodos(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()
	ctx := context.Background()

	cutoff := time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)
	insertTestTodo(t, st, "todo-overdue", "user-1", "email-1", "Pay trip money", cutoff.Add(-time.Hour))
	insertTestTodo(t, st, "todo-at", "user-1", "email-1", "Return the slip", cutoff)
	insertTestTodo(t, st, "todo-open", "user-1", "email-1", "Book parents evening", cutoff.Add(48*time.Hour))
	insertTestTodo(t, st, "todo-undated", "user-1", "email-1", "Label the PE kit", time.Time{})

	completed, err := st.CompleteOverdueTodos(ctx, "user-1", cutoff)
	if err != nil {
		t.Fatalf("CompleteOverdueTodos failed: %v", err)
	}
	if len(completed) != 1 || completed[0] != "todo-overdue" {
		t.Errorf("expected only todo-overdue completed, got %v", completed)
	}

	td, err := st.GetTodo(ctx, "todo-overdue")
	if err != nil {
		t.Fatalf("GetTodo failed: %v", err)
	}
	if !td.Done || !td.AutoCompleted {
		t.Errorf("expected done and auto-completed set, got %+v", td)
	}

	// The row is kept, not deleted.
	n, err := st.CountTodos(ctx, "user-1")
	if err != nil {
		t.Fatalf("CountTodos failed: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 todos kept, got %d", n)
	}

	// A second sweep finds nothing new.
	completed, err = st.CompleteOverdueTodos(ctx, "user-1", cutoff)
	if err != nil {
		t.Fatalf("CompleteOverdueTodos failed: %v", err)
	}
	if len(completed) != 0 {
		t.Errorf("expected no todos on second sweep, got %v", completed)
	}
}

func TestOpenTodos_SortsUndatedLast(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)
	insertTestTodo(t, st, "todo-later", "user-1", "email-1", "Book parents evening", base.AddDate(0, 0, 7))
	insertTestTodo(t, st, "todo-undated", "user-1", "email-1", "Label the PE kit", time.Time{})
	insertTestTodo(t, st, "todo-soon", "user-1", "email-1", "Pay trip money", base.AddDate(0, 0, 1))
	insertTestTodo(t, st, "todo-done", "user-1", "email-1", "Return the slip", base)

	completed, err := st.CompleteOverdueTodos(ctx, "user-1", base.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("CompleteOverdueTodos failed: %v", err)
	}
	if len(completed) != 1 || completed[0] != "todo-done" {
		t.Fatalf("expected todo-done completed, got %v", completed)
	}

	todos, err := st.OpenTodos(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("OpenTodos failed: %v", err)
	}
	if len(todos) != 3 {
		t.Fatalf("expected 3 open todos, got %d", len(todos))
	}
	if todos[0].ID != "todo-soon" || todos[1].ID != "todo-later" || todos[2].ID != "todo-undated" {
		t.Errorf("expected soon, later, undated, got %s, %s, %s", todos[0].ID, todos[1].ID, todos[2].ID)
	}
	if !todos[2].DueAt.IsZero() {
		t.Errorf("expected undated todo to scan with zero due date, got %v", todos[2].DueAt)
	}
}

func addTestFeedback(t *testing.T, st *Store, itemType, category, sender string, relevant bool, createdAt time.Time) {
	err := st.AddFeedback(context.Background(), Feedback{
		UserID:      "user-1",
		ItemType:    itemType,
		Category:    category,
		Sender:      sender,
		PayloadJSON: `{"title":"Sports Day"}`,
		Relevant:    relevant,
		CreatedAt:   createdAt,
	})
	if err != nil {
		t.Fatalf("failed to add feedback: %v", err)
	}
}

func TestFeedbackExamples_CapsPerCategory(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		addTestFeedback(t, st, FeedbackEvent, "", "office@school.example", true, base.Add(time.Duration(i)*time.Hour))
	}
	for i := 0; i < 3; i++ {
		addTestFeedback(t, st, FeedbackTodo, "payment", "office@school.example", i%2 == 0, base.Add(time.Duration(i)*time.Hour))
	}
	addTestFeedback(t, st, FeedbackTodo, "permission_slip", "pta@school.example", true, base)

	examples, err := st.FeedbackExamples(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("FeedbackExamples failed: %v", err)
	}
	// 2 events + 2 payment todos + 1 permission slip todo.
	if len(examples) != 5 {
		t.Fatalf("expected 5 examples, got %d", len(examples))
	}

	// Newest first within each (type, category) group.
	counts := make(map[string]int)
	for i, ex := range examples {
		counts[ex.ItemType+"/"+ex.Category]++
		if i > 0 && examples[i-1].ItemType == ex.ItemType && examples[i-1].Category == ex.Category {
			if examples[i-1].CreatedAt.Before(ex.CreatedAt) {
				t.Errorf("expected newest first within group, got %v before %v", examples[i-1].CreatedAt, ex.CreatedAt)
			}
		}
	}
	if counts["event/"] != 2 || counts["todo/payment"] != 2 || counts["todo/permission_slip"] != 1 {
		t.Errorf("unexpected group counts: %v", counts)
	}
}

func TestSenderScores_LaplaceSmoothing(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// office: 2 of 3 relevant.
	addTestFeedback(t, st, FeedbackEvent, "", "office@school.example", true, base)
	addTestFeedback(t, st, FeedbackEvent, "", "office@school.example", true, base.Add(time.Hour))
	addTestFeedback(t, st, FeedbackTodo, "payment", "office@school.example", false, base.Add(2*time.Hour))
	// newsletter: a single grade, below the sample floor.
	addTestFeedback(t, st, FeedbackEvent, "", "newsletter@school.example", false, base)

	scores, err := st.SenderScores(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("SenderScores failed: %v", err)
	}
	if len(scores) != 1 {
		t.Fatalf("expected 1 scored sender, got %d", len(scores))
	}
	sc := scores[0]
	if sc.Sender != "office@school.example" || sc.Total != 3 || sc.Relevant != 2 {
		t.Errorf("unexpected score row: %+v", sc)
	}
	// (2+1)/(3+2)
	if math.Abs(sc.Score-0.6) > 1e-9 {
		t.Errorf("expected score 0.6, got %f", sc.Score)
	}

	// Lowering the floor brings the single-grade sender in at (0+1)/(1+2).
	scores, err = st.SenderScores(ctx, "user-1", 1)
	if err != nil {
		t.Fatalf("SenderScores failed: %v", err)
	}
	if len(scores) != 2 {
		t.Fatalf("expected 2 scored senders, got %d", len(scores))
	}
	for _, sc := range scores {
		if sc.Sender == "newsletter@school.example" && math.Abs(sc.Score-1.0/3.0) > 1e-9 {
			t.Errorf("expected smoothed score 1/3, got %f", sc.Score)
		}
	}
}

func TestChildren_AddListRemove(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()
	ctx := context.Background()

	created, err := st.AddChild(ctx, "user-1", "Alice", "Year 3", "Hillside Primary")
	if err != nil {
		t.Fatalf("AddChild failed: %v", err)
	}
	if !created {
		t.Error("expected first add to create")
	}

	created, err = st.AddChild(ctx, "user-1", "Alice", "Year 4", "")
	if err != nil {
		t.Fatalf("AddChild failed: %v", err)
	}
	if created {
		t.Error("expected duplicate name to be a no-op")
	}

	if _, err := st.AddChild(ctx, "user-1", "Ben", "Year 1", ""); err != nil {
		t.Fatalf("AddChild failed: %v", err)
	}

	children, err := st.Children(ctx, "user-1")
	if err != nil {
		t.Fatalf("Children failed: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	if children[0].Name != "Alice" || children[1].Name != "Ben" {
		t.Errorf("expected Alice then Ben, got %s then %s", children[0].Name, children[1].Name)
	}
	// The first registration wins; the duplicate must not overwrite it.
	if children[0].YearGroup != "Year 3" {
		t.Errorf("expected year group preserved, got %q", children[0].YearGroup)
	}

	removed, err := st.RemoveChild(ctx, "user-1", "Alice")
	if err != nil {
		t.Fatalf("RemoveChild failed: %v", err)
	}
	if !removed {
		t.Error("expected remove to report a deleted row")
	}
	removed, err = st.RemoveChild(ctx, "user-1", "Alice")
	if err != nil {
		t.Fatalf("RemoveChild failed: %v", err)
	}
	if removed {
		t.Error("expected second remove to report nothing deleted")
	}
}
