package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/notifyhub/relay/internal/domain"
	"github.com/notifyhub/relay/internal/service"
)

// EventHandler exposes the outbox over HTTP.
type EventHandler struct {
	svc    *service.RelayService
	logger *zap.Logger
}

func NewEventHandler(svc *service.RelayService, logger *zap.Logger) *EventHandler {
	return &EventHandler{svc: svc, logger: logger}
}

// Append handles POST /api/v1/events
//
// Supply X-Idempotency-Key to make the call safe to repeat: a repeat returns
// the stored event with 200 instead of 201.
//
// @Summary  Append an outbox event
// @Tags     outbox
// @Accept   json
// @Produce  json
// @Param    X-Idempotency-Key  header  string                false  "Idempotency key"
// @Param    body               body    domain.AppendRequest  true   "Event"
// @Success  201  {object}  domain.OutboxEvent
// @Success  200  {object}  domain.OutboxEvent
// @Failure  400  {object}  map[string]string
// @Failure  422  {object}  map[string]string
// @Router   /api/v1/events [post]
func (h *EventHandler) Append(w http.ResponseWriter, r *http.Request) {
	var req domain.AppendRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.IdempotencyKey = r.Header.Get("X-Idempotency-Key")

	e, dup, err := h.svc.AppendEvent(r.Context(), req)
	if err != nil {
		h.logger.Warn("append event failed", zap.Error(err))
		mapError(w, err)
		return
	}

	status := http.StatusCreated
	if dup {
		status = http.StatusOK
	}
	respondJSON(w, status, e)
}

// Stats handles GET /api/v1/outbox/stats
//
// @Summary  Outbox event counts
// @Tags     outbox
// @Produce  json
// @Success  200  {object}  domain.OutboxStats
// @Router   /api/v1/outbox/stats [get]
func (h *EventHandler) Stats(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.OutboxStats(r.Context())
	if err != nil {
		h.logger.Error("outbox stats failed", zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}
