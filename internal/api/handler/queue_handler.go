package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/notifyhub/relay/internal/domain"
	"github.com/notifyhub/relay/internal/service"
)

// QueueHandler exposes job submission and queue maintenance.
type QueueHandler struct {
	svc    *service.RelayService
	logger *zap.Logger
}

func NewQueueHandler(svc *service.RelayService, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{svc: svc, logger: logger}
}

// Enqueue handles POST /api/v1/queues/{queue}/jobs
//
// @Summary  Submit a job
// @Tags     queues
// @Accept   json
// @Produce  json
// @Param    queue  path  string                 true  "Queue name"
// @Param    body   body  domain.EnqueueRequest  true  "Job"
// @Success  202  {object}  domain.QueueMessage
// @Success  200  {object}  map[string]any  "duplicate submission"
// @Failure  404  {object}  map[string]string
// @Failure  422  {object}  map[string]string
// @Router   /api/v1/queues/{queue}/jobs [post]
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req domain.EnqueueRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	name := chi.URLParam(r, "queue")
	msg, dup, err := h.svc.EnqueueJob(r.Context(), name, req)
	if err != nil {
		h.logger.Warn("enqueue failed", zap.String("queue", name), zap.Error(err))
		mapError(w, err)
		return
	}
	if dup {
		respondJSON(w, http.StatusOK, map[string]any{
			"duplicate":   true,
			"fingerprint": req.Fingerprint,
		})
		return
	}
	respondJSON(w, http.StatusAccepted, msg)
}

// Stats handles GET /api/v1/queues/{queue}/stats
//
// @Summary  Queue collection sizes
// @Tags     queues
// @Produce  json
// @Param    queue  path  string  true  "Queue name"
// @Success  200  {object}  domain.QueueStats
// @Failure  404  {object}  map[string]string
// @Router   /api/v1/queues/{queue}/stats [get]
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.QueueStats(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

// RetryDeadletter handles POST /api/v1/queues/{queue}/deadletter/retry?count=N
//
// @Summary  Move deadlettered jobs back to ready
// @Tags     queues
// @Produce  json
// @Param    queue  path   string  true   "Queue name"
// @Param    count  query  int     false  "How many jobs (default 1, max 1000)"
// @Success  200  {object}  map[string]int
// @Failure  422  {object}  map[string]string
// @Router   /api/v1/queues/{queue}/deadletter/retry [post]
func (h *QueueHandler) RetryDeadletter(w http.ResponseWriter, r *http.Request) {
	count := 1
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "count must be an integer")
			return
		}
		count = n
	}

	n, err := h.svc.RetryDeadletter(r.Context(), chi.URLParam(r, "queue"), count)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

// Clear handles DELETE /api/v1/queues/{queue}
//
// @Summary  Drop every job of a queue
// @Tags     queues
// @Param    queue  path  string  true  "Queue name"
// @Success  204
// @Failure  404  {object}  map[string]string
// @Router   /api/v1/queues/{queue} [delete]
func (h *QueueHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearQueue(r.Context(), chi.URLParam(r, "queue")); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
