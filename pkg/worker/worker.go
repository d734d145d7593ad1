// Package worker claims queued run jobs and drives them through the
// pipeline. Claims are leased: a worker that dies mid-run loses its
// claim after the lease expires and another worker resumes the run from
// its event log.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/wmag/pkg/store"
)

// Runner drives one run to completion. Satisfied by *pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, runID, userMessage string) error
}

// Options tune the claim loop.
type Options struct {
	// Poll is the idle sleep between empty claim attempts.
	Poll time.Duration
	// Lease bounds how long a claim survives a dead worker.
	Lease time.Duration
}

// Worker is one claim loop.
type Worker struct {
	store  store.Store
	runner Runner
	id     string
	opts   Options
	logger *slog.Logger
}

// New wires a worker.
func New(st store.Store, runner Runner, id string, opts Options, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Poll <= 0 {
		opts.Poll = 500 * time.Millisecond
	}
	if opts.Lease <= 0 {
		opts.Lease = 10 * time.Minute
	}
	return &Worker{store: st, runner: runner, id: id, opts: opts, logger: logger}
}

// Run loops until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "worker_id", w.id)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := w.store.ClaimJob(ctx, w.id, w.opts.Lease)
		if err != nil {
			w.logger.Error("claim failed", "worker_id", w.id, "error", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.opts.Poll):
			}
			continue
		}
		w.process(ctx, job)
	}
}

// RunOnce claims and processes at most one job. Reports whether a job
// was processed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimJob(ctx, w.id, w.opts.Lease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *store.Job) {
	log := w.logger.With("worker_id", w.id, "job_id", job.JobID, "run_id", job.RunID)
	log.Info("job claimed", "attempt", job.Attempts)

	state := store.JobDone
	if err := w.runner.Run(ctx, job.RunID, ""); err != nil {
		// The pipeline absorbs run-level failures into the run state; an
		// error here means infrastructure trouble (store down, context
		// canceled). Releasing as failed lets the lease reclaim path or an
		// operator retry it.
		log.Error("run aborted", "error", err)
		state = store.JobFailed
	}
	if err := w.store.CompleteJob(ctx, job.JobID, state); err != nil {
		log.Error("completing job failed", "error", err)
		return
	}
	log.Info("job finished", "state", state)
}
