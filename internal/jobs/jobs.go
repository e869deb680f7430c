// Package jobs contains the periodic maintenance work and the loop that
// drives it. Every job runs under the cluster-wide lock runner, so exactly
// one worker instance executes a given job at a time; losing the lock
// cancels the iteration's context.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/soulplan/booking-engine/internal/lockrun"
	"github.com/soulplan/booking-engine/internal/logging"
)

// Job is one periodic task with its own lock key and cadence.
type Job struct {
	Name     string
	LockKey  string
	Interval time.Duration
	// Timeout bounds a single iteration. Zero means no bound beyond the
	// loop context.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type Scheduler struct {
	runner *lockrun.Runner
	log    *logging.Logger
}

func NewScheduler(runner *lockrun.Runner, log *logging.Logger) *Scheduler {
	return &Scheduler{runner: runner, log: log.WithComponent("jobs")}
}

// Loop runs the job immediately and then on every tick until ctx is done.
// Iteration errors are logged and absorbed; one bad run never stops the loop.
func (s *Scheduler) Loop(ctx context.Context, job Job) error {
	s.log.Info("job loop starting", "job", job.Name, "interval", job.Interval)

	s.iterate(ctx, job)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("job loop stopping", "job", job.Name)
			return ctx.Err()
		case <-ticker.C:
			s.iterate(ctx, job)
		}
	}
}

func (s *Scheduler) iterate(ctx context.Context, job Job) {
	iterCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		iterCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	report := s.runSafely(iterCtx, job)
	switch {
	case report.Err != nil:
		s.log.Error("job iteration failed", "job", job.Name, "error", report.Err,
			"duration", time.Since(start))
	case !report.Acquired:
		// Another instance holds the slot. Routine, not a failure.
		s.log.Debug("job skipped, lock held elsewhere", "job", job.Name)
	default:
		s.log.Debug("job iteration complete", "job", job.Name, "duration", time.Since(start))
	}
}

// runSafely converts a panicking job into an iteration error so the loop
// keeps running. The runner's deferred release still fires before the panic
// reaches us, so the lock is not leaked.
func (s *Scheduler) runSafely(ctx context.Context, job Job) (report lockrun.RunReport) {
	defer func() {
		if rec := recover(); rec != nil {
			report = lockrun.RunReport{Acquired: true, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	return s.runner.Run(ctx, job.LockKey, job.Run)
}
