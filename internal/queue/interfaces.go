package queue

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Get when no job exists with the given id.
var ErrNotFound = errors.New("job not found")

// Store persists job rows. Rows are append-only: jobs are inserted once and
// advanced through the state machine, never deleted.
type Store interface {
	// Insert appends a new Waiting job and returns its assigned id.
	// Ids are strictly increasing in insertion order.
	Insert(ctx context.Context, url string, requestedAt time.Time) (int64, error)
	// NextWaiting returns the oldest Waiting job (lowest id) without
	// mutating it, or nil when no Waiting job exists.
	NextWaiting(ctx context.Context) (*Job, error)
	// MarkRunning transitions a job to Running and stamps startedAt.
	MarkRunning(ctx context.Context, id int64, startedAt time.Time) error
	// MarkExecuted transitions a job to its terminal state, stamping
	// finishedAt and the outcome. errText is stored only on failure.
	MarkExecuted(ctx context.Context, id int64, finishedAt time.Time, success bool, errText string) error
	// List returns all jobs, newest first.
	List(ctx context.Context) ([]Job, error)
	// Get fetches a job by id, returning ErrNotFound when absent.
	Get(ctx context.Context, id int64) (*Job, error)
}

// Executor renders a URL with the headless browser. Failures are reported in
// the result, never as an error: a render outcome is data, not control flow.
type Executor interface {
	Execute(ctx context.Context, url string) ExecutionResult
}

// Notifier wakes the worker loop after an enqueue. Safe to call at any time;
// a notification during an active execution is a no-op.
type Notifier interface {
	Notify()
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
