package job

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupJobTestDB creates an in-memory SQLite database with the jobs table.
func setupJobTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE jobs (
			user_id TEXT NOT NULL,
			job_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			result_json TEXT,
			error TEXT,
			PRIMARY KEY (user_id, job_type)
		);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return db
}

// insertTestJob writes a job row directly, bypassing Claim.
func insertTestJob(t *testing.T, db *sql.DB, userID, jobType, status string, startedAt int64) {
	_, err := db.Exec(`
		INSERT INTO jobs (user_id, job_type, status, started_at)
		VALUES (?, ?, ?, ?)
	`, userID, jobType, status, startedAt)
	if err != nil {
		t.Fatalf("failed to insert job: %v", err)
	}
}

func countJobs(t *testing.T, db *sql.DB, userID string) int {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE user_id = ?`, userID).Scan(&n); err != nil {
		t.Fatalf("failed to count jobs: %v", err)
	}
	return n
}

func TestClaim_CreatesPendingJob(t *testing.T) {
	db := setupJobTestDB(t)
	defer db.Close()
	ctx := context.Background()

	j, err := Claim(ctx, db, "user-1", TypeExtraction)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if j.Status != StatusPending {
		t.Errorf("expected status %s, got %s", StatusPending, j.Status)
	}
	if j.StartedAt == 0 {
		t.Error("expected started_at to be set")
	}

	got, err := Get(ctx, db, "user-1", TypeExtraction)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected claimed job to be readable")
	}
	if got.Status != StatusPending || got.StartedAt != j.StartedAt {
		t.Errorf("expected stored job to match claim, got %+v", got)
	}
}

func TestClaim_WhileActive_ReturnsExisting(t *testing.T) {
	db := setupJobTestDB(t)
	defer db.Close()
	ctx := context.Background()

	first, err := Claim(ctx, db, "user-1", TypeExtraction)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	second, err := Claim(ctx, db, "user-1", TypeExtraction)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if second == nil {
		t.Fatal("expected the existing job alongside the error")
	}
	if second.StartedAt != first.StartedAt {
		t.Errorf("expected existing job untouched, got started_at %d vs %d", second.StartedAt, first.StartedAt)
	}
	if countJobs(t, db, "user-1") != 1 {
		t.Error("expected a single job row")
	}
}

func TestClaim_ReplacesStaleJob(t *testing.T) {
	db := setupJobTestDB(t)
	defer db.Close()
	ctx := context.Background()

	staleStart := time.Now().Add(-10 * time.Minute).Unix()
	insertTestJob(t, db, "user-1", TypeExtraction, StatusScanning, staleStart)

	j, err := Claim(ctx, db, "user-1", TypeExtraction)
	if err != nil {
		t.Fatalf("Claim over a stale job failed: %v", err)
	}
	if j.StartedAt == staleStart {
		t.Error("expected a fresh started_at")
	}
	if j.Status != StatusPending {
		t.Errorf("expected pending, got %s", j.Status)
	}
	if countJobs(t, db, "user-1") != 1 {
		t.Error("expected stale row replaced, not kept")
	}
}

func TestClaim_ReplacesTerminalJob(t *testing.T) {
	db := setupJobTestDB(t)
	defer db.Close()
	ctx := context.Background()

	if _, err := Claim(ctx, db, "user-1", TypeExtraction); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := Complete(ctx, db, "user-1", TypeExtraction, map[string]int{"events": 2}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	j, err := Claim(ctx, db, "user-1", TypeExtraction)
	if err != nil {
		t.Fatalf("Claim after completion failed: %v", err)
	}
	if j.Status != StatusPending {
		t.Errorf("expected pending, got %s", j.Status)
	}
	if countJobs(t, db, "user-1") != 1 {
		t.Error("expected completed row replaced, not kept")
	}
}

func TestClaim_OtherUserUnaffected(t *testing.T) {
	db := setupJobTestDB(t)
	defer db.Close()
	ctx := context.Background()

	if _, err := Claim(ctx, db, "user-1", TypeExtraction); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := Claim(ctx, db, "user-2", TypeExtraction); err != nil {
		t.Fatalf("expected claims to be scoped per user, got %v", err)
	}
}

func TestSetStatus_MovesActiveJob(t *testing.T) {
	db := setupJobTestDB(t)
	defer db.Close()
	ctx := context.Background()

	if _, err := Claim(ctx, db, "user-1", TypeExtraction); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := SetStatus(ctx, db, "user-1", TypeExtraction, StatusScanning); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	j, err := Get(ctx, db, "user-1", TypeExtraction)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if j.Status != StatusScanning {
		t.Errorf("expected scanning, got %s", j.Status)
	}
}

func TestComplete_RecordsResult(t *testing.T) {
	db := setupJobTestDB(t)
	defer db.Close()
	ctx := context.Background()

	if _, err := Claim(ctx, db, "user-1", TypeExtraction); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	result := map[string]int{"events_created": 3}
	if err := Complete(ctx, db, "user-1", TypeExtraction, result); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	j, err := Get(ctx, db, "user-1", TypeExtraction)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if j.Status != StatusComplete {
		t.Errorf("expected complete, got %s", j.Status)
	}
	if j.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if j.ResultJSON == nil || !strings.Contains(*j.ResultJSON, `"events_created":3`) {
		t.Errorf("expected result payload, got %v", j.ResultJSON)
	}
	if j.Error != nil {
		t.Errorf("expected no error on completion, got %v", *j.Error)
	}
}

func TestFail_KeepsPartialResult(t *testing.T) {
	db := setupJobTestDB(t)
	defer db.Close()
	ctx := context.Background()

	if _, err := Claim(ctx, db, "user-1", TypeExtraction); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	result := map[string]int{"emails_fetched": 12}
	if err := Fail(ctx, db, "user-1", TypeExtraction, "backend unavailable", result); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	j, err := Get(ctx, db, "user-1", TypeExtraction)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if j.Status != StatusFailed {
		t.Errorf("expected failed, got %s", j.Status)
	}
	if j.Error == nil || *j.Error != "backend unavailable" {
		t.Errorf("expected error message, got %v", j.Error)
	}
	if j.ResultJSON == nil || !strings.Contains(*j.ResultJSON, `"emails_fetched":12`) {
		t.Errorf("expected partial result kept, got %v", j.ResultJSON)
	}
}

func TestFail_NilResult_LeavesResultEmpty(t *testing.T) {
	db := setupJobTestDB(t)
	defer db.Close()
	ctx := context.Background()

	if _, err := Claim(ctx, db, "user-1", TypeExtraction); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := Fail(ctx, db, "user-1", TypeExtraction, "boom", nil); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	j, err := Get(ctx, db, "user-1", TypeExtraction)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if j.ResultJSON != nil {
		t.Errorf("expected no result payload, got %v", *j.ResultJSON)
	}
}

func TestGet_LegacyEmptyType_ReadsAsExtraction(t *testing.T) {
	db := setupJobTestDB(t)
	defer db.Close()
	ctx := context.Background()

	insertTestJob(t, db, "user-1", "", StatusComplete, time.Now().Unix())

	j, err := Get(ctx, db, "user-1", TypeExtraction)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if j == nil {
		t.Fatal("expected legacy row to be found under the extraction type")
	}
	if j.Type != TypeExtraction {
		t.Errorf("expected legacy type folded to %s, got %s", TypeExtraction, j.Type)
	}
}

func TestClaim_ReplacesLegacyRow(t *testing.T) {
	db := setupJobTestDB(t)
	defer db.Close()
	ctx := context.Background()

	insertTestJob(t, db, "user-1", "", StatusComplete, time.Now().Unix())

	j, err := Claim(ctx, db, "user-1", TypeExtraction)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if j.Type != TypeExtraction {
		t.Errorf("expected extraction job, got %s", j.Type)
	}
	// The legacy row must be gone or the next claim would hit a
	// primary key conflict on a different key.
	if countJobs(t, db, "user-1") != 1 {
		t.Error("expected legacy row replaced")
	}
}

func TestGet_Missing_ReturnsNil(t *testing.T) {
	db := setupJobTestDB(t)
	defer db.Close()

	j, err := Get(context.Background(), db, "user-1", TypeExtraction)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if j != nil {
		t.Errorf("expected nil for missing job, got %+v", j)
	}
}

func TestJob_StaleReporting(t *testing.T) {
	now := time.Now()

	fresh := &Job{Status: StatusScanning, StartedAt: now.Add(-time.Minute).Unix()}
	if !fresh.InProgress(now) {
		t.Error("expected a one-minute-old active job to be in progress")
	}
	if fresh.Stale(now) {
		t.Error("expected a one-minute-old active job to not be stale")
	}

	stale := &Job{Status: StatusScanning, StartedAt: now.Add(-10 * time.Minute).Unix()}
	if stale.InProgress(now) {
		t.Error("expected a ten-minute-old active job to not be in progress")
	}
	if !stale.Stale(now) {
		t.Error("expected a ten-minute-old active job to be stale")
	}
	// Staleness does not rewrite the stored status.
	if stale.Status != StatusScanning {
		t.Errorf("expected stored status unchanged, got %s", stale.Status)
	}

	done := &Job{Status: StatusComplete, StartedAt: now.Add(-10 * time.Minute).Unix()}
	if done.Active() || done.Stale(now) || done.InProgress(now) {
		t.Error("expected a terminal job to be neither active, stale, nor in progress")
	}
}
