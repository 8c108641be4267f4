// Package memory provides an in-memory job store for development/testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/renderq/renderq/internal/queue"
)

// Store keeps job rows in memory with the same ordering guarantees as the
// durable stores. Data is lost on restart; use it for dev mode and tests.
type Store struct {
	mu     sync.RWMutex
	nextID int64
	jobs   []queue.Job
	index  map[int64]int
}

// New constructs a Store.
func New() *Store {
	return &Store{index: make(map[int64]int)}
}

// Insert appends a new Waiting job and returns its id.
func (s *Store) Insert(_ context.Context, url string, requestedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	job := queue.Job{
		ID:          s.nextID,
		URL:         url,
		State:       queue.StateWaiting,
		RequestedAt: requestedAt,
	}
	s.index[job.ID] = len(s.jobs)
	s.jobs = append(s.jobs, job)
	return job.ID, nil
}

// NextWaiting returns the oldest Waiting job, or nil when none exists.
func (s *Store) NextWaiting(_ context.Context) (*queue.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.jobs {
		if s.jobs[i].State == queue.StateWaiting {
			job := s.jobs[i]
			return &job, nil
		}
	}
	return nil, nil
}

// MarkRunning transitions a job to Running and stamps startedAt.
func (s *Store) MarkRunning(_ context.Context, id int64, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return queue.ErrNotFound
	}
	ts := startedAt
	s.jobs[i].State = queue.StateRunning
	s.jobs[i].StartedAt = &ts
	return nil
}

// MarkExecuted stamps the terminal state and outcome for a job.
func (s *Store) MarkExecuted(_ context.Context, id int64, finishedAt time.Time, success bool, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return queue.ErrNotFound
	}
	ts := finishedAt
	s.jobs[i].State = queue.StateExecuted
	s.jobs[i].FinishedAt = &ts
	s.jobs[i].Success = success
	if errText != "" {
		msg := errText
		s.jobs[i].Error = &msg
	} else {
		s.jobs[i].Error = nil
	}
	return nil
}

// List returns all jobs, newest first.
func (s *Store) List(_ context.Context) ([]queue.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]queue.Job, 0, len(s.jobs))
	for i := len(s.jobs) - 1; i >= 0; i-- {
		out = append(out, s.jobs[i])
	}
	return out, nil
}

// Get fetches a job by id.
func (s *Store) Get(_ context.Context, id int64) (*queue.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	job := s.jobs[i]
	return &job, nil
}

// Len reports the number of stored jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
