package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/renderq/renderq/internal/clock/system"
	"github.com/renderq/renderq/internal/queue"
	"github.com/renderq/renderq/internal/store/memory"
)

type fakeExecutor struct {
	mu      sync.Mutex
	results map[string]queue.ExecutionResult
	order   []string
	block   chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{results: make(map[string]queue.ExecutionResult)}
}

func (f *fakeExecutor) Execute(_ context.Context, url string) queue.ExecutionResult {
	f.mu.Lock()
	f.order = append(f.order, url)
	block := f.block
	res, ok := f.results[url]
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if !ok {
		return queue.ExecutionResult{Success: true}
	}
	return res
}

func (f *fakeExecutor) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// flakyStore injects one NextWaiting failure before delegating.
type flakyStore struct {
	queue.Store
	mu     sync.Mutex
	failed bool
}

func (s *flakyStore) NextWaiting(ctx context.Context) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.failed {
		s.failed = true
		return nil, errors.New("store unavailable")
	}
	return s.Store.NextWaiting(ctx)
}

// brokenWriteStore serves reads but rejects every state transition, counting
// how often the worker comes back for the next job.
type brokenWriteStore struct {
	queue.Store
	nextCalls atomic.Int64
}

func (s *brokenWriteStore) NextWaiting(ctx context.Context) (*queue.Job, error) {
	s.nextCalls.Add(1)
	return s.Store.NextWaiting(ctx)
}

func (s *brokenWriteStore) MarkRunning(context.Context, int64, time.Time) error {
	return errors.New("write failed")
}

// ctxStrictStore refuses writes whose context is already done, the way a
// real database driver would.
type ctxStrictStore struct {
	queue.Store
}

func (s *ctxStrictStore) MarkExecuted(ctx context.Context, id int64, finishedAt time.Time, success bool, errText string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.MarkExecuted(ctx, id, finishedAt, success, errText)
}

// cancelWaitExecutor holds the render open until the run context is
// canceled, then reports the interrupted outcome.
type cancelWaitExecutor struct{}

func (cancelWaitExecutor) Execute(ctx context.Context, url string) queue.ExecutionResult {
	<-ctx.Done()
	return queue.ExecutionResult{
		Success:     false,
		Diagnostics: "navigate " + url + ": " + ctx.Err().Error(),
	}
}

func startWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
}

func jobState(t *testing.T, store queue.Store, id int64) queue.Job {
	t.Helper()
	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return *job
}

func TestWorker_SuccessFlow(t *testing.T) {
	t.Parallel()

	store := memory.New()
	exec := newFakeExecutor()
	w := New(store, exec, nil, system.New(), Config{PollInterval: time.Hour}, zap.NewNop())

	id, err := store.Insert(context.Background(), "https://example.com", time.Now().UTC())
	require.NoError(t, err)

	startWorker(t, w)
	w.Notify()

	require.Eventually(t, func() bool {
		return jobState(t, store, id).Terminal()
	}, time.Second, 10*time.Millisecond)

	job := jobState(t, store, id)
	require.Equal(t, queue.StateExecuted, job.State)
	require.True(t, job.Success)
	require.Nil(t, job.Error)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.FinishedAt)
	require.False(t, job.StartedAt.After(*job.FinishedAt))
}

func TestWorker_FailureIsTerminalAndRecorded(t *testing.T) {
	t.Parallel()

	store := memory.New()
	exec := newFakeExecutor()
	exec.results["https://broken.example.com"] = queue.ExecutionResult{
		Success:     false,
		Diagnostics: "navigate https://broken.example.com: timeout",
	}
	w := New(store, exec, nil, system.New(), Config{PollInterval: time.Hour}, zap.NewNop())

	id, err := store.Insert(context.Background(), "https://broken.example.com", time.Now().UTC())
	require.NoError(t, err)

	startWorker(t, w)
	w.Notify()

	require.Eventually(t, func() bool {
		return jobState(t, store, id).Terminal()
	}, time.Second, 10*time.Millisecond)

	job := jobState(t, store, id)
	require.False(t, job.Success)
	require.NotNil(t, job.Error)
	require.Contains(t, *job.Error, "timeout")

	// A failed job is never retried.
	require.Equal(t, []string{"https://broken.example.com"}, exec.executed())
	next, err := store.NextWaiting(context.Background())
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestWorker_SingleFlight(t *testing.T) {
	t.Parallel()

	store := memory.New()
	exec := newFakeExecutor()
	exec.block = make(chan struct{})
	w := New(store, exec, nil, system.New(), Config{PollInterval: time.Hour}, zap.NewNop())

	first, err := store.Insert(context.Background(), "https://a.example.com", time.Now().UTC())
	require.NoError(t, err)
	second, err := store.Insert(context.Background(), "https://b.example.com", time.Now().UTC())
	require.NoError(t, err)

	startWorker(t, w)
	w.Notify()

	require.Eventually(t, func() bool {
		return jobState(t, store, first).State == queue.StateRunning
	}, time.Second, 10*time.Millisecond)

	// While the first job executes, notifications are no-ops and the second
	// job stays unclaimed.
	w.Notify()
	w.Notify()
	time.Sleep(50 * time.Millisecond)
	job := jobState(t, store, second)
	require.Equal(t, queue.StateWaiting, job.State)
	require.Nil(t, job.StartedAt)
	require.Equal(t, []string{"https://a.example.com"}, exec.executed())

	close(exec.block)

	require.Eventually(t, func() bool {
		return jobState(t, store, second).Terminal()
	}, time.Second, 10*time.Millisecond)

	// The second job was not started before the first finished.
	firstJob := jobState(t, store, first)
	secondJob := jobState(t, store, second)
	require.True(t, firstJob.Terminal())
	require.False(t, secondJob.StartedAt.Before(*firstJob.FinishedAt))
}

func TestWorker_ProcessesInInsertionOrder(t *testing.T) {
	t.Parallel()

	store := memory.New()
	exec := newFakeExecutor()
	w := New(store, exec, nil, system.New(), Config{PollInterval: time.Hour}, zap.NewNop())

	urls := []string{
		"https://1.example.com",
		"https://2.example.com",
		"https://3.example.com",
	}
	var last int64
	for _, u := range urls {
		id, err := store.Insert(context.Background(), u, time.Now().UTC())
		require.NoError(t, err)
		last = id
	}

	startWorker(t, w)
	w.Notify()

	require.Eventually(t, func() bool {
		return jobState(t, store, last).Terminal()
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, urls, exec.executed())
}

func TestWorker_PollTickerRecoversWithoutNotify(t *testing.T) {
	t.Parallel()

	store := memory.New()
	exec := newFakeExecutor()
	w := New(store, exec, nil, system.New(), Config{PollInterval: 20 * time.Millisecond}, zap.NewNop())

	startWorker(t, w)

	// Enqueue after the worker is idle and never call Notify; the poll
	// ticker is the safety net.
	id, err := store.Insert(context.Background(), "https://example.com", time.Now().UTC())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return jobState(t, store, id).Terminal()
	}, time.Second, 10*time.Millisecond)
}

func TestWorker_StoreErrorDoesNotStopLoop(t *testing.T) {
	t.Parallel()

	inner := memory.New()
	store := &flakyStore{Store: inner}
	exec := newFakeExecutor()
	w := New(store, exec, nil, system.New(), Config{PollInterval: 20 * time.Millisecond}, zap.NewNop())

	id, err := inner.Insert(context.Background(), "https://example.com", time.Now().UTC())
	require.NoError(t, err)

	startWorker(t, w)
	w.Notify()

	require.Eventually(t, func() bool {
		return jobState(t, inner, id).Terminal()
	}, time.Second, 10*time.Millisecond)
}

func TestWorker_WriteFailureWaitsForNextWakeup(t *testing.T) {
	t.Parallel()

	inner := memory.New()
	store := &brokenWriteStore{Store: inner}
	exec := newFakeExecutor()
	w := New(store, exec, nil, system.New(), Config{PollInterval: time.Hour}, zap.NewNop())

	_, err := inner.Insert(context.Background(), "https://example.com", time.Now().UTC())
	require.NoError(t, err)

	startWorker(t, w)
	w.Notify()
	time.Sleep(200 * time.Millisecond)

	// One claim attempt for the startup tick and one for the notification;
	// a failed transition must not re-claim the same job in a tight loop.
	require.LessOrEqual(t, store.nextCalls.Load(), int64(3))
	require.Empty(t, exec.executed())
}

func TestWorker_ShutdownRecordsInFlightOutcome(t *testing.T) {
	t.Parallel()

	inner := memory.New()
	store := &ctxStrictStore{Store: inner}
	w := New(store, cancelWaitExecutor{}, nil, system.New(), Config{PollInterval: time.Hour}, zap.NewNop())

	id, err := inner.Insert(context.Background(), "https://example.com", time.Now().UTC())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	w.Notify()

	require.Eventually(t, func() bool {
		return jobState(t, inner, id).State == queue.StateRunning
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}

	// The interrupted job must still reach its terminal state; a restart
	// would otherwise find it stranded in Running.
	job := jobState(t, inner, id)
	require.Equal(t, queue.StateExecuted, job.State)
	require.False(t, job.Success)
	require.NotNil(t, job.FinishedAt)
	require.NotNil(t, job.Error)
	require.Contains(t, *job.Error, "canceled")
}
