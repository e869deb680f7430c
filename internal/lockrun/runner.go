// Package lockrun runs a task under a cluster-wide lock: acquire, execute
// exclusively with periodic renewal, guaranteed release on every exit path.
// Every periodic job goes through this one wrapper so "at most one instance
// runs this" is enforced in a single place.
package lockrun

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soulplan/booking-engine/internal/logging"
)

// Locker is the distributed lock primitive the runner drives.
type Locker interface {
	Acquire(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, ownerToken string) error
}

// Task receives a context that is cancelled if the lock is lost mid-run.
// Long tasks must check it at safe points before destructive steps; the runner
// never kills a task forcibly.
type Task func(ctx context.Context) error

// RunReport is a tagged result: not acquiring the lock is the routine outcome
// when another instance owns the slot, not an error.
type RunReport struct {
	Acquired bool
	Err      error
}

type Runner struct {
	locker  Locker
	ttl     time.Duration
	divisor int
	log     *logging.Logger
}

func NewRunner(locker Locker, ttl time.Duration, renewalDivisor int, log *logging.Logger) *Runner {
	if renewalDivisor < 2 {
		renewalDivisor = 2
	}
	return &Runner{
		locker:  locker,
		ttl:     ttl,
		divisor: renewalDivisor,
		log:     log.WithComponent("lockrun"),
	}
}

// Run attempts the lock for key and, if acquired, executes task while renewing
// at a sub-interval of the TTL. Release is attempted on every exit path.
func (r *Runner) Run(ctx context.Context, key string, task Task) RunReport {
	ownerToken := uuid.NewString()

	ok, err := r.locker.Acquire(ctx, key, ownerToken, r.ttl)
	if err != nil {
		return RunReport{Err: fmt.Errorf("acquire %q: %w", key, err)}
	}
	if !ok {
		return RunReport{Acquired: false}
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewStop := make(chan struct{})
	renewDone := make(chan struct{})

	// Stopping renewal and releasing are deferred so they run on every exit
	// path, a panicking task included.
	defer func() {
		close(renewStop)
		<-renewDone

		// Release with a fresh context: the run context may already be
		// cancelled.
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := r.locker.Release(releaseCtx, key, ownerToken); err != nil {
			r.log.Warn("lock release failed", "key", key, "error", err)
		}
	}()

	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(r.ttl / time.Duration(r.divisor))
		defer ticker.Stop()

		for {
			select {
			case <-renewStop:
				return
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				held, err := r.locker.Renew(taskCtx, key, ownerToken, r.ttl)
				if err != nil {
					r.log.Warn("lock renewal failed", "key", key, "error", err)
					continue
				}
				if !held {
					// Lock lost. Signal the task so it can abort
					// destructive steps; cancellation is cooperative.
					r.log.Warn("lock lost during run", "key", key)
					cancel()
					return
				}
			}
		}
	}()

	return RunReport{Acquired: true, Err: task(taskCtx)}
}
