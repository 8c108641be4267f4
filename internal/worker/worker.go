// Package worker implements the sequential job execution loop.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/renderq/renderq/internal/artifact"
	"github.com/renderq/renderq/internal/metrics"
	"github.com/renderq/renderq/internal/queue"
)

// Config controls Worker behavior.
type Config struct {
	// PollInterval is the fallback wake-up when no notifications arrive.
	PollInterval time.Duration
	// DownloadDir is the staging directory swept for artifacts after each
	// job. Empty disables sweeping.
	DownloadDir string
}

// Worker claims Waiting jobs one at a time and runs them through the
// executor. The busy flag is the single-flight gate: no two ticks may
// execute concurrently, process-wide.
type Worker struct {
	store     queue.Store
	executor  queue.Executor
	artifacts artifact.Store
	clock     queue.Clock
	cfg       Config
	logger    *zap.Logger

	busy   atomic.Bool
	notify chan struct{}
}

// New constructs a Worker.
func New(
	store queue.Store,
	executor queue.Executor,
	artifacts artifact.Store,
	clock queue.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:     store,
		executor:  executor,
		artifacts: artifacts,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		notify:    make(chan struct{}, 1),
	}
}

// Notify wakes the worker to check for Waiting jobs. Non-blocking and safe
// to call at any time; while a job is executing it is a no-op.
func (w *Worker) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Run blocks, processing jobs until the context finishes. Between jobs the
// worker sleeps until a notification or the poll ticker fires.
func (w *Worker) Run(ctx context.Context) {
	metrics.Init()
	w.logger.Info("worker started", zap.Duration("poll_interval", w.cfg.PollInterval))

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.tick(ctx)

		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			return
		case <-w.notify:
		case <-ticker.C:
		}
	}
}

// tick drains all Waiting jobs in id order. The busy flag must be taken
// before any store read so a concurrent tick cannot double-claim. Any store
// failure ends the tick; the next retry waits for the ticker or a
// notification instead of spinning against a broken store.
func (w *Worker) tick(ctx context.Context) {
	if !w.busy.CompareAndSwap(false, true) {
		return
	}
	defer w.busy.Store(false)

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.store.NextWaiting(ctx)
		if err != nil {
			w.logger.Error("next waiting job failed", zap.Error(err))
			return
		}
		if job == nil {
			return
		}
		if err := w.process(ctx, *job); err != nil {
			w.logger.Error("job processing failed", zap.Int64("job_id", job.ID), zap.Error(err))
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, job queue.Job) error {
	log := w.logger.With(zap.Int64("job_id", job.ID), zap.String("url", job.URL))

	startedAt := w.clock.Now()
	if err := w.store.MarkRunning(ctx, job.ID, startedAt); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	log.Info("job started")

	metrics.SetWorkerBusy(true)
	defer metrics.SetWorkerBusy(false)

	skip := w.stagingSnapshot(log)
	result := w.executor.Execute(ctx, job.URL)
	result.Artifacts = w.sweepArtifacts(ctx, job.ID, skip, log)

	finishedAt := w.clock.Now()
	// The terminal write must land even when shutdown cancels the run
	// context mid-execution; otherwise the row is stranded in Running and
	// never reclaimed after restart.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := w.store.MarkExecuted(writeCtx, job.ID, finishedAt, result.Success, result.Diagnostics); err != nil {
		return fmt.Errorf("mark executed: %w", err)
	}

	metrics.ObserveJob(result.Success, finishedAt.Sub(startedAt))
	if result.Success {
		log.Info("job executed",
			zap.Duration("duration", finishedAt.Sub(startedAt)),
			zap.Strings("artifacts", result.Artifacts),
		)
		return nil
	}
	log.Warn("job failed",
		zap.Duration("duration", finishedAt.Sub(startedAt)),
		zap.String("diagnostics", result.Diagnostics),
	)
	return nil
}

func (w *Worker) stagingSnapshot(log *zap.Logger) map[string]bool {
	if w.artifacts == nil || w.cfg.DownloadDir == "" {
		return nil
	}
	skip, err := artifact.ListDir(w.cfg.DownloadDir)
	if err != nil {
		log.Warn("staging snapshot failed", zap.Error(err))
		return nil
	}
	return skip
}

// sweepArtifacts archives files the page downloaded during execution.
// Archiving problems are logged, never fatal to the job.
func (w *Worker) sweepArtifacts(ctx context.Context, jobID int64, skip map[string]bool, log *zap.Logger) []string {
	if w.artifacts == nil || w.cfg.DownloadDir == "" {
		return nil
	}
	uris, err := artifact.SweepDir(ctx, w.artifacts, jobID, w.cfg.DownloadDir, skip)
	if err != nil {
		log.Warn("artifact sweep failed", zap.Error(err))
	}
	return uris
}
