package pipeline

import (
	"fmt"
	"time"

	"github.com/satchelhq/satchel/internal/job"
)

// ValidationError reports bad run options. It is returned before a job
// slot is taken, so a rejected run leaves no trace.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AlreadyRunningError rejects a run because a non-stale job of the same
// type is active. It carries the blocking job so callers can show it.
type AlreadyRunningError struct {
	Job *job.Job
}

func (e *AlreadyRunningError) Error() string {
	started := time.Unix(e.Job.StartedAt, 0).Format(time.RFC3339)
	return fmt.Sprintf("a %s job is already running for user %s (status %s, started %s)",
		e.Job.Type, e.Job.UserID, e.Job.Status, started)
}

func (e *AlreadyRunningError) Unwrap() error { return job.ErrAlreadyRunning }
