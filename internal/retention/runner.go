package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

func intervalDuration(seconds int) time.Duration {
	if seconds <= 0 {
		seconds = 60
	}
	return time.Duration(seconds) * time.Second
}

// Runner schedules the reconciler and sweeper on a cron expression, matching
// the teacher's cron-driven job runner idiom (internal/scheduler.Scheduler)
// rather than a hand-rolled time.Ticker loop.
type Runner struct {
	reconciler *Reconciler
	sweeper    *Sweeper
	log        *slog.Logger
	cron       *cron.Cron
}

// NewRunner constructs a Runner. It schedules nothing until Start, which
// registers an "@every <interval>" robfig/cron descriptor (60s when the
// configured interval is not positive).
func NewRunner(reconciler *Reconciler, sweeper *Sweeper, log *slog.Logger) *Runner {
	return &Runner{
		reconciler: reconciler,
		sweeper:    sweeper,
		log:        log,
		cron:       cron.New(),
	}
}

// Start schedules the combined reconcile+sweep job at the given interval in
// seconds and starts the cron scheduler. Call Stop to halt it.
func (r *Runner) Start(ctx context.Context, intervalSeconds int) error {
	spec := "@every " + intervalDuration(intervalSeconds).String()
	_, err := r.cron.AddFunc(spec, func() { r.runOnce(ctx) })
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the cron scheduler, blocking until any in-flight run finishes.
func (r *Runner) Stop(ctx context.Context) {
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// RunOnce performs one reconcile+sweep pass immediately, outside the cron
// schedule — used for the disk-full error path's "immediate retention
// sweep" (spec.md §7).
func (r *Runner) RunOnce(ctx context.Context) {
	r.runOnce(ctx)
}

func (r *Runner) runOnce(ctx context.Context) {
	corrected, err := r.reconciler.Reconcile(ctx)
	if err != nil {
		r.log.Error("retention: reconcile failed", slog.String("error", err.Error()))
	} else if corrected > 0 {
		r.log.Info("retention: reconciled size drift", slog.Int("corrected", corrected))
	}

	result, err := r.sweeper.Sweep(ctx)
	if err != nil {
		r.log.Error("retention: sweep failed", slog.String("error", err.Error()))
		return
	}
	if result.DeletedFiles > 0 {
		r.log.Info("retention: sweep complete",
			slog.Int("deleted_files", result.DeletedFiles),
			slog.Int64("freed_bytes", result.FreedBytes),
			slog.Int64("usage_bytes", result.UsageBytes))
	}
}
