// Package queue defines core types shared across subsystems.
package queue

import (
	"time"
)

// JobState represents the lifecycle state of a render job.
type JobState string

// Job states persisted in the job store. A job moves Waiting -> Running ->
// Executed and never back; Executed is terminal for both outcomes.
const (
	StateWaiting  JobState = "Waiting"
	StateRunning  JobState = "Running"
	StateExecuted JobState = "Executed"
)

// Job is the metadata persisted for each submitted render request.
type Job struct {
	ID          int64      `json:"id"`
	URL         string     `json:"url"`
	State       JobState   `json:"state"`
	RequestedAt time.Time  `json:"requestedAt"`
	StartedAt   *time.Time `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt"`
	Success     bool       `json:"success"`
	Error       *string    `json:"error"`
}

// Terminal reports whether the job has reached its final state.
func (j Job) Terminal() bool {
	return j.State == StateExecuted
}

// ExecutionResult is the outcome of rendering a single URL.
type ExecutionResult struct {
	Success     bool
	Diagnostics string
	Artifacts   []string
}
