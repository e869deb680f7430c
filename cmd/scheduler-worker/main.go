package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soulplan/booking-engine/internal/booking"
	"github.com/soulplan/booking-engine/internal/breaker"
	"github.com/soulplan/booking-engine/internal/config"
	"github.com/soulplan/booking-engine/internal/db"
	"github.com/soulplan/booking-engine/internal/events"
	"github.com/soulplan/booking-engine/internal/jobs"
	"github.com/soulplan/booking-engine/internal/lockrun"
	"github.com/soulplan/booking-engine/internal/logging"
	"github.com/soulplan/booking-engine/internal/notify"
	"github.com/soulplan/booking-engine/internal/outbox"
	redisclient "github.com/soulplan/booking-engine/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("dev").Error("config load error", "error", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Env).WithComponent("scheduler-worker")
	log.Info("starting up", "env", cfg.Env)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Error("postgres connection error", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	if err := db.RunMigrations(pgPool); err != nil {
		log.Error("migration error", "error", err)
		os.Exit(1)
	}

	rdb, err := redisclient.NewClient(redisclient.Options{
		Addr:         cfg.RedisAddr,
		Username:     cfg.RedisUsername,
		Password:     cfg.RedisPassword,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
		ReadTimeout:  cfg.RedisTimeout,
		WriteTimeout: cfg.RedisTimeout,
	})
	if err != nil {
		log.Error("redis connection error", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("error closing redis", "error", err)
		}
	}()
	log.Info("connected to Redis")

	lock := redisclient.NewLock(rdb)

	// Startup hygiene: clear locks whose expiry was lost, and requeue outbox
	// rows stuck in 'sending' from a crashed dispatcher.
	swept, err := lock.SweepStale(rootCtx, cfg.LockSweepAge)
	if err != nil {
		log.Warn("stale lock sweep failed", "error", err)
	} else if swept > 0 {
		log.Info("swept stale locks", "count", swept)
	}

	outboxRepo := outbox.NewRepository(pgPool)
	if released, err := outboxRepo.ReleaseStuckSending(rootCtx, 2*cfg.JobIterationTimeout); err != nil {
		log.Warn("stuck outbox release failed", "error", err)
	} else if released > 0 {
		log.Info("released stuck outbox rows", "count", released)
	}

	breakers := breaker.NewRegistry(breaker.Options{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
	})

	bus := events.NewInMemoryBus(log)
	repo := booking.NewPgRepository(pgPool, outboxRepo)
	counter := redisclient.NewCounter(rdb)

	svc := booking.NewService(repo, bus, counter, booking.ServiceConfig{
		IdempotencyWindow:    cfg.IdempotencyWindow,
		CreateRateLimit:      cfg.CreateRateLimit,
		ConversationMaxBytes: cfg.ConversationMaxBytes,
		StaleAfter:           cfg.StaleAfter,
	}, log)

	emailSender := notify.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort,
		cfg.SMTPUsername, cfg.SMTPPassword, cfg.EmailFrom, cfg.EmailFromName)
	chatSender := notify.NewWebhookChatSender(cfg.ChatWebhookURL)
	dispatcher := outbox.NewDispatcher(outboxRepo, emailSender, chatSender, breakers, cfg.OutboxMaxAttempts, log)

	runner := lockrun.NewRunner(lock, cfg.LockTTL, cfg.RenewalDivisor, log)
	scheduler := jobs.NewScheduler(runner, log)

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error { return scheduler.Loop(gctx, jobs.OutboxDispatch(dispatcher, outboxRepo, &cfg, log)) })
	g.Go(func() error { return scheduler.Loop(gctx, jobs.StaleScan(svc, &cfg, log)) })
	g.Go(func() error { return scheduler.Loop(gctx, jobs.RetentionCleanup(svc, outboxRepo, &cfg, log)) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("scheduler-worker stopped")
}
