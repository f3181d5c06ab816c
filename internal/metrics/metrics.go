package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/relay/internal/domain"
	"github.com/notifyhub/relay/internal/outbox"
	"github.com/notifyhub/relay/internal/worker"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	EventsHandled       *prometheus.CounterVec
	EventsDeadlettered  *prometheus.CounterVec
	EventHandleDuration *prometheus.HistogramVec

	JobsHandled     *prometheus.CounterVec
	JobsSkipped     *prometheus.CounterVec
	JobsDeadletter  *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	JobsFlushed     *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	OutboxEvents    *prometheus.GaugeVec
	OutboxLatencyMs prometheus.Gauge
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_events_handled_total",
			Help: "Outbox events dispatched to a handler, by outcome.",
		}, []string{"event_type", "outcome"}),

		EventsDeadlettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_events_deadlettered_total",
			Help: "Outbox events closed after exhausting retries or failing permanently.",
		}, []string{"event_type"}),

		EventHandleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outbox_event_handle_seconds",
			Help:    "Time spent in an outbox event handler.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),

		JobsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_handled_total",
			Help: "Jobs run by a worker, by outcome.",
		}, []string{"queue", "type", "outcome"}),

		JobsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_duplicate_total",
			Help: "Jobs skipped because an identical job already completed.",
		}, []string{"queue", "type"}),

		JobsDeadletter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_deadlettered_total",
			Help: "Jobs moved to the deadletter list.",
		}, []string{"queue", "type"}),

		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queue_job_seconds",
			Help:    "Time spent in a job handler.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue", "type"}),

		JobsFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_flushed_total",
			Help: "Scheduled jobs moved to ready by the flush scheduler.",
		}, []string{"queue"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current number of jobs per queue collection.",
		}, []string{"queue", "state"}),

		OutboxEvents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outbox_events",
			Help: "Current number of outbox events per state.",
		}, []string{"state"}),

		OutboxLatencyMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_avg_latency_milliseconds",
			Help: "Average time from append to successful processing.",
		}),
	}

	reg.MustRegister(
		m.EventsHandled,
		m.EventsDeadlettered,
		m.EventHandleDuration,
		m.JobsHandled,
		m.JobsSkipped,
		m.JobsDeadletter,
		m.JobDuration,
		m.JobsFlushed,
		m.QueueDepth,
		m.OutboxEvents,
		m.OutboxLatencyMs,
	)

	return m
}

// OutboxHooks returns the callbacks expected by outbox.MetricHooks.
func (m *Metrics) OutboxHooks() outbox.MetricHooks {
	return outbox.MetricHooks{
		OnHandled: func(t domain.EventType, o domain.Outcome, latency time.Duration) {
			m.EventsHandled.WithLabelValues(string(t), o.String()).Inc()
			m.EventHandleDuration.WithLabelValues(string(t)).Observe(latency.Seconds())
		},
		OnDeadlettered: func(t domain.EventType) {
			m.EventsDeadlettered.WithLabelValues(string(t)).Inc()
		},
	}
}

// WorkerHooks returns the callbacks expected by worker.MetricHooks.
// Centralises the prometheus observation calls so the worker package stays
// import-free.
func (m *Metrics) WorkerHooks() worker.MetricHooks {
	return worker.MetricHooks{
		OnHandled: func(queue string, t domain.JobType, o domain.Outcome, latency time.Duration) {
			m.JobsHandled.WithLabelValues(queue, string(t), o.String()).Inc()
			m.JobDuration.WithLabelValues(queue, string(t)).Observe(latency.Seconds())
		},
		OnDuplicate: func(queue string, t domain.JobType) {
			m.JobsSkipped.WithLabelValues(queue, string(t)).Inc()
		},
		OnDeadlettered: func(queue string, t domain.JobType) {
			m.JobsDeadletter.WithLabelValues(queue, string(t)).Inc()
		},
		OnFlushed: func(queue string, n int) {
			m.JobsFlushed.WithLabelValues(queue).Add(float64(n))
		},
		OnQueueStats: func(queue string, s domain.QueueStats) {
			m.QueueDepth.WithLabelValues(queue, "ready").Set(float64(s.Ready))
			m.QueueDepth.WithLabelValues(queue, "scheduled").Set(float64(s.Scheduled))
			m.QueueDepth.WithLabelValues(queue, "dead").Set(float64(s.Dead))
		},
		OnOutboxStats: func(s domain.OutboxStats) {
			m.OutboxEvents.WithLabelValues("pending").Set(float64(s.Pending))
			m.OutboxEvents.WithLabelValues("retrying").Set(float64(s.Retrying))
			m.OutboxEvents.WithLabelValues("processed").Set(float64(s.Processed))
			m.OutboxEvents.WithLabelValues("failed").Set(float64(s.Failed))
			m.OutboxLatencyMs.Set(s.AvgLatencyMs)
		},
	}
}
