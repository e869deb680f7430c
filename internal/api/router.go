package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/soulplan/booking-engine/internal/booking"
	"github.com/soulplan/booking-engine/internal/breaker"
	"github.com/soulplan/booking-engine/internal/logging"
)

type RouterConfig struct {
	Service  *booking.Service
	PgPool   *pgxpool.Pool
	Redis    *redis.Client
	Breakers *breaker.Registry
	Log      *logging.Logger
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log.WithComponent("http")))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Breakers, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", createAppointmentHandler(cfg.Service))
		r.Get("/", listAppointmentsHandler(cfg.Service))
		r.Get("/code/{code}", getByTrackingCodeHandler(cfg.Service))
		r.Get("/{id}", getAppointmentHandler(cfg.Service))
		r.Post("/{id}/status", updateStatusHandler(cfg.Service))
		r.Post("/{id}/messages", appendMessageHandler(cfg.Service))
		r.Put("/{id}/human-control", humanControlHandler(cfg.Service))
		r.Delete("/{id}", purgeAppointmentHandler(cfg.Service))
	})

	// Operational repairs, idempotent and safe to re-run.
	r.Post("/admin/repair/tracking-codes", repairTrackingCodesHandler(cfg.Service))

	return r
}
