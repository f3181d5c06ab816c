package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/relay/internal/api/handler"
	apimw "github.com/notifyhub/relay/internal/api/middleware"
	"github.com/notifyhub/relay/internal/service"
)

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(
	svc *service.RelayService,
	deps map[string]handler.Pinger,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestSize(1 << 20))
	r.Use(apimw.CorrelationID)
	r.Use(apimw.RequestLogger(logger))

	eh := handler.NewEventHandler(svc, logger)
	qh := handler.NewQueueHandler(svc, logger)
	mh := handler.NewMetricsHandler(svc, logger)
	hh := handler.NewHealthHandler(deps)

	r.Get("/health", hh.Health)
	r.Get("/ready", hh.Ready)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", eh.Append)
		r.Get("/outbox/stats", eh.Stats)

		r.Route("/queues/{queue}", func(r chi.Router) {
			r.Post("/jobs", qh.Enqueue)
			r.Get("/stats", qh.Stats)
			r.Post("/deadletter/retry", qh.RetryDeadletter)
			r.Delete("/", qh.Clear)
		})

		// JSON snapshot of every queue and the outbox
		r.Get("/metrics", mh.GetMetrics)
	})

	return r
}
