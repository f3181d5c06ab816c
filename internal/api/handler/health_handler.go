package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger is anything the readiness check can ping, such as the Postgres
// pool or the Redis store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the liveness and readiness checks.
type HealthHandler struct {
	deps map[string]Pinger
}

// NewHealthHandler takes the named dependencies checked by Ready.
func NewHealthHandler(deps map[string]Pinger) *HealthHandler {
	return &HealthHandler{deps: deps}
}

// Health handles GET /health
//
// @Summary  Liveness check
// @Tags     system
// @Produce  json
// @Success  200  {object}  map[string]string
// @Router   /health [get]
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready
//
// @Summary  Readiness check, pings Postgres and Redis
// @Tags     system
// @Produce  json
// @Success  200  {object}  map[string]string
// @Failure  503  {object}  map[string]string
// @Router   /ready [get]
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unavailable"
			body[name] = err.Error()
			continue
		}
		body[name] = "ok"
	}
	respondJSON(w, status, body)
}
