package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/soulplan/booking-engine/internal/booking"
	"github.com/soulplan/booking-engine/internal/config"
	"github.com/soulplan/booking-engine/internal/logging"
	"github.com/soulplan/booking-engine/internal/outbox"
)

// StaleScan flags negotiations with no message traffic past the quiet
// threshold so a human can step in.
func StaleScan(svc *booking.Service, cfg *config.Config, log *logging.Logger) Job {
	log = log.WithComponent("stale-scan")
	return Job{
		Name:     "stale-scan",
		LockKey:  "stale-scan",
		Interval: cfg.StaleScanInterval,
		Timeout:  cfg.JobIterationTimeout,
		Run: func(ctx context.Context) error {
			flagged, err := svc.FlagStaleConversations(ctx)
			if err != nil {
				return fmt.Errorf("stale scan: %w", err)
			}
			if flagged > 0 {
				log.Info("flagged stale conversations", "count", flagged)
			}
			return nil
		},
	}
}

// OutboxDispatch drains due notification rows. Claimed rows left behind by a
// crashed dispatcher are released first, then the batch is processed.
func OutboxDispatch(dispatcher *outbox.Dispatcher, repo *outbox.Repository, cfg *config.Config, log *logging.Logger) Job {
	log = log.WithComponent("outbox-dispatch")
	return Job{
		Name:     "outbox-dispatch",
		LockKey:  "outbox-dispatch",
		Interval: cfg.OutboxInterval,
		Timeout:  cfg.JobIterationTimeout,
		Run: func(ctx context.Context) error {
			released, err := repo.ReleaseStuckSending(ctx, 2*cfg.JobIterationTimeout)
			if err != nil {
				return fmt.Errorf("release stuck rows: %w", err)
			}
			if released > 0 {
				log.Warn("released stuck outbox rows", "count", released)
			}

			sent, err := dispatcher.ProcessBatch(ctx, cfg.OutboxBatchSize)
			if err != nil {
				return fmt.Errorf("process batch: %w", err)
			}
			if sent > 0 {
				log.Info("dispatched notifications", "count", sent)
			}
			return nil
		},
	}
}

// RetentionCleanup deletes terminal appointments past the retention window
// and outbox rows that outlived their appointment's usefulness.
func RetentionCleanup(svc *booking.Service, outboxRepo *outbox.Repository, cfg *config.Config, log *logging.Logger) Job {
	log = log.WithComponent("retention")
	return Job{
		Name:     "retention-cleanup",
		LockKey:  "retention-cleanup",
		Interval: cfg.CleanupInterval,
		Timeout:  cfg.JobIterationTimeout,
		Run: func(ctx context.Context) error {
			deleted, err := svc.PurgeExpired(ctx, cfg.RetentionAge)
			if err != nil {
				return fmt.Errorf("purge expired appointments: %w", err)
			}

			outboxDeleted, err := outboxRepo.DeleteOlderThan(ctx, time.Now().Add(-cfg.RetentionAge))
			if err != nil {
				return fmt.Errorf("purge old outbox rows: %w", err)
			}

			if deleted > 0 || outboxDeleted > 0 {
				log.Info("retention cleanup complete",
					"appointments_deleted", deleted, "outbox_deleted", outboxDeleted)
			}
			return nil
		},
	}
}
