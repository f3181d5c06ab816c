package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/relay/internal/domain"
	"github.com/notifyhub/relay/internal/queue"
)

// OutboxStatter is the part of the outbox processor the sampler reads.
type OutboxStatter interface {
	Stats(ctx context.Context) (domain.OutboxStats, error)
}

// StatsWorker periodically samples queue sizes and outbox counts and hands
// them to the metric hooks, so gauges stay current without a scrape-time
// round trip to Redis and Postgres.
type StatsWorker struct {
	q        *queue.Queue
	outbox   OutboxStatter
	queues   []string
	interval time.Duration
	logger   *zap.Logger
	hooks    MetricHooks
}

func NewStatsWorker(
	q *queue.Queue,
	outbox OutboxStatter,
	queues []string,
	interval time.Duration,
	logger *zap.Logger,
	hooks MetricHooks,
) *StatsWorker {
	return &StatsWorker{
		q: q, outbox: outbox, queues: queues,
		interval: interval, logger: logger, hooks: hooks.withDefaults(),
	}
}

// Run samples once immediately, then every interval.
// Stops cleanly when ctx is cancelled.
func (sw *StatsWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info("stats worker started", zap.Duration("interval", sw.interval))
	sw.sample(ctx)

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("stats worker stopping")
			return
		case <-ticker.C:
			sw.sample(ctx)
		}
	}
}

func (sw *StatsWorker) sample(ctx context.Context) {
	for _, name := range sw.queues {
		s, err := sw.q.Stats(ctx, name)
		if err != nil {
			sw.logger.Warn("queue stats failed", zap.String("queue", name), zap.Error(err))
			continue
		}
		sw.hooks.OnQueueStats(name, s)
	}

	if sw.outbox == nil {
		return
	}
	s, err := sw.outbox.Stats(ctx)
	if err != nil {
		sw.logger.Warn("outbox stats failed", zap.Error(err))
		return
	}
	sw.hooks.OnOutboxStats(s)
}
