package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Job types. Legacy rows written before types existed have an empty
// job_type and are read back as TypeExtraction.
const (
	TypeExtraction = "extraction"
)

// Job statuses. A job is active in pending, scanning, or ranking and
// terminal in complete or failed.
const (
	StatusPending  = "pending"
	StatusScanning = "scanning"
	StatusRanking  = "ranking"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// StaleAfter is how long an active job may go without finishing before
// status polling treats it as abandoned.
const StaleAfter = 5 * time.Minute

// ErrAlreadyRunning is returned by Claim when a non-stale job of the same
// type is still active for the user.
var ErrAlreadyRunning = errors.New("a job of this type is already running")

// Job is one tracked unit of background work for a user.
type Job struct {
	UserID      string  `json:"user_id"`
	Type        string  `json:"job_type"`
	Status      string  `json:"status"`
	StartedAt   int64   `json:"started_at"`
	CompletedAt *int64  `json:"completed_at,omitempty"`
	ResultJSON  *string `json:"result,omitempty"`
	Error       *string `json:"error,omitempty"`
}

// Active reports whether the stored status is a non-terminal one.
func (j *Job) Active() bool {
	switch j.Status {
	case StatusPending, StatusScanning, StatusRanking:
		return true
	}
	return false
}

// Stale reports whether an active job has outlived the staleness threshold.
func (j *Job) Stale(now time.Time) bool {
	return j.Active() && now.Unix()-j.StartedAt > int64(StaleAfter.Seconds())
}

// InProgress reports whether the job should block a new claim: active and
// not stale. A stale job stays in its stored status but no longer counts
// as running.
func (j *Job) InProgress(now time.Time) bool {
	return j.Active() && !j.Stale(now)
}

// typePredicate matches rows of the given type, folding legacy empty-type
// rows into the extraction type. It appends two args per use.
const typePredicate = `(job_type = ? OR (job_type = '' AND ? = 'extraction'))`

// Claim atomically takes the job slot for (user, type). Any prior job of
// the same type is deleted first; only the latest job per type is kept.
// If a non-stale job is still active, Claim returns that job together with
// ErrAlreadyRunning and leaves it untouched.
func Claim(ctx context.Context, db *sql.DB, userID, jobType string) (*Job, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	// BEGIN IMMEDIATE takes the write lock up front so two concurrent
	// claims serialize here instead of both observing "not running".
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}

	existing, err := getConn(ctx, conn, userID, jobType)
	if err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return nil, err
	}

	now := time.Now()
	if existing != nil && existing.InProgress(now) {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return existing, ErrAlreadyRunning
	}

	if _, err := conn.ExecContext(ctx,
		`DELETE FROM jobs WHERE user_id = ? AND `+typePredicate,
		userID, jobType, jobType); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return nil, fmt.Errorf("failed to clear prior job: %w", err)
	}

	j := &Job{
		UserID:    userID,
		Type:      jobType,
		Status:    StatusPending,
		StartedAt: now.Unix(),
	}
	if _, err := conn.ExecContext(ctx,
		`INSERT INTO jobs (user_id, job_type, status, started_at) VALUES (?, ?, ?, ?)`,
		j.UserID, j.Type, j.Status, j.StartedAt); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return j, nil
}

// SetStatus moves an active job to a new non-terminal status.
func SetStatus(ctx context.Context, db *sql.DB, userID, jobType, status string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE user_id = ? AND `+typePredicate,
		status, userID, jobType, jobType)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

// Complete marks the job complete, recording the result payload and the
// completion time in one statement.
func Complete(ctx context.Context, db *sql.DB, userID, jobType string, result any) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, completed_at = ?, result_json = ?, error = NULL
		WHERE user_id = ? AND `+typePredicate,
		StatusComplete, time.Now().Unix(), string(b), userID, jobType, jobType)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// Fail marks the job failed with the given message. A result payload may
// still be attached so partial statistics survive.
func Fail(ctx context.Context, db *sql.DB, userID, jobType, errMsg string, result any) error {
	var resultJSON any
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal job result: %w", err)
		}
		resultJSON = string(b)
	}
	_, err := db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, completed_at = ?, result_json = ?, error = ?
		WHERE user_id = ? AND `+typePredicate,
		StatusFailed, time.Now().Unix(), resultJSON, errMsg, userID, jobType, jobType)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return nil
}

// Get returns the latest job of the given type for the user, or nil if
// none exists. Legacy rows with an empty stored type are reported as
// extraction jobs.
func Get(ctx context.Context, db *sql.DB, userID, jobType string) (*Job, error) {
	row := db.QueryRowContext(ctx, `
		SELECT user_id, job_type, status, started_at, completed_at, result_json, error
		FROM jobs WHERE user_id = ? AND `+typePredicate,
		userID, jobType, jobType)
	return scanJob(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getConn(ctx context.Context, conn *sql.Conn, userID, jobType string) (*Job, error) {
	row := conn.QueryRowContext(ctx, `
		SELECT user_id, job_type, status, started_at, completed_at, result_json, error
		FROM jobs WHERE user_id = ? AND `+typePredicate,
		userID, jobType, jobType)
	return scanJob(row)
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var completedAt sql.NullInt64
	var resultJSON, errMsg sql.NullString
	err := row.Scan(&j.UserID, &j.Type, &j.Status, &j.StartedAt, &completedAt, &resultJSON, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	if j.Type == "" {
		j.Type = TypeExtraction
	}
	if completedAt.Valid {
		v := completedAt.Int64
		j.CompletedAt = &v
	}
	if resultJSON.Valid {
		j.ResultJSON = &resultJSON.String
	}
	if errMsg.Valid {
		j.Error = &errMsg.String
	}
	return &j, nil
}
