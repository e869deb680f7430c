package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soulplan/booking-engine/internal/api"
	"github.com/soulplan/booking-engine/internal/booking"
	"github.com/soulplan/booking-engine/internal/breaker"
	"github.com/soulplan/booking-engine/internal/config"
	"github.com/soulplan/booking-engine/internal/db"
	"github.com/soulplan/booking-engine/internal/events"
	"github.com/soulplan/booking-engine/internal/logging"
	"github.com/soulplan/booking-engine/internal/outbox"
	redisclient "github.com/soulplan/booking-engine/internal/redis"
)

const version = "1.2.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("dev").Error("config load error", "error", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Env).WithComponent("api-server")
	log.Info("starting up", "env", cfg.Env, "http_port", cfg.HTTPPort, "version", version)

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

	breakers := breaker.NewRegistry(breaker.Options{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
	})

	bus := events.NewInMemoryBus(log)
	outboxRepo := outbox.NewRepository(pgPool)
	repo := booking.NewPgRepository(pgPool, outboxRepo)
	counter := redisclient.NewCounter(rdb)

	svc := booking.NewService(repo, bus, counter, booking.ServiceConfig{
		IdempotencyWindow:    cfg.IdempotencyWindow,
		CreateRateLimit:      cfg.CreateRateLimit,
		ConversationMaxBytes: cfg.ConversationMaxBytes,
		StaleAfter:           cfg.StaleAfter,
	}, log)

	router := api.NewRouter(api.RouterConfig{
		Service:  svc,
		PgPool:   pgPool,
		Redis:    rdb,
		Breakers: breakers,
		Log:      log,
		Env:      cfg.Env,
		Version:  version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	log.Info("api-server stopped")
}
