package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/soulplan/booking-engine/internal/breaker"
)

type HealthHandler struct {
	pgPool   *pgxpool.Pool
	redis    *redis.Client
	breakers *breaker.Registry
	env      string
	version  string
}

func NewHealthHandler(pgPool *pgxpool.Pool, redisClient *redis.Client, breakers *breaker.Registry, env, version string) *HealthHandler {
	return &HealthHandler{
		pgPool:   pgPool,
		redis:    redisClient,
		breakers: breakers,
		env:      env,
		version:  version,
	}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string             `json:"status"`
	Version      string             `json:"version,omitempty"`
	Env          string             `json:"env,omitempty"`
	Dependencies map[string]string  `json:"dependencies"`
	Circuits     []breaker.Snapshot `json:"circuits,omitempty"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	resp := LivenessResponse{
		Status:  "ok",
		Version: h.version,
		Env:     h.env,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]string)
	status := "ok"

	pgCtx, pgCancel := context.WithTimeout(ctx, 1*time.Second)
	err := h.pgPool.Ping(pgCtx)
	pgCancel()
	if err != nil {
		deps["postgres"] = "down"
		status = "error"
	} else {
		deps["postgres"] = "ok"
	}

	// Redis down degrades locks and rate limits but the API can still serve;
	// only Postgres being down makes us unready.
	redisCtx, redisCancel := context.WithTimeout(ctx, 1*time.Second)
	err = h.redis.Ping(redisCtx).Err()
	redisCancel()
	if err != nil {
		deps["redis"] = "down"
		if status == "ok" {
			status = "degraded"
		}
	} else {
		deps["redis"] = "ok"
	}

	resp := ReadinessResponse{
		Status:       status,
		Version:      h.version,
		Env:          h.env,
		Dependencies: deps,
	}

	if h.breakers != nil {
		resp.Circuits = h.breakers.Snapshots()
		if status == "ok" && h.breakers.AnyOpen() {
			resp.Status = "degraded"
		}
	}

	httpStatus := http.StatusOK
	if status == "error" {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, resp)
}
