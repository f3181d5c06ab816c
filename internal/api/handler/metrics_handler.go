package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/notifyhub/relay/internal/domain"
	"github.com/notifyhub/relay/internal/service"
)

// MetricsHandler serves a human-readable JSON snapshot of every queue and
// the outbox. Raw Prometheus metrics are available at /metrics via
// promhttp and are separate from this endpoint.
type MetricsHandler struct {
	svc    *service.RelayService
	logger *zap.Logger
}

func NewMetricsHandler(svc *service.RelayService, logger *zap.Logger) *MetricsHandler {
	return &MetricsHandler{svc: svc, logger: logger}
}

// GetMetrics handles GET /api/v1/metrics
//
// @Summary  Real-time queue and outbox snapshot
// @Tags     metrics
// @Produce  json
// @Success  200  {object}  map[string]any
// @Router   /api/v1/metrics [get]
func (h *MetricsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	queues := make(map[string]domain.QueueStats, len(h.svc.Queues()))
	for _, name := range h.svc.Queues() {
		s, err := h.svc.QueueStats(ctx, name)
		if err != nil {
			h.logger.Error("queue stats failed", zap.String("queue", name), zap.Error(err))
			mapError(w, err)
			return
		}
		queues[name] = s
	}

	outbox, err := h.svc.OutboxStats(ctx)
	if err != nil {
		h.logger.Error("outbox stats failed", zap.Error(err))
		mapError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"queues": queues,
		"outbox": outbox,
	})
}
