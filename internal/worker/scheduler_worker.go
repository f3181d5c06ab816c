package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/relay/internal/lock"
	"github.com/notifyhub/relay/internal/queue"
)

// SchedulerWorker moves due jobs from each queue's scheduled set to its
// ready list. The flush for a queue runs under the lock "flush:{queue}" so
// only one instance flushes a given queue at a time; an instance that finds
// the lock taken simply skips that tick.
type SchedulerWorker struct {
	q        *queue.Queue
	locker   *lock.Locker
	queues   []string
	interval time.Duration
	limit    int
	lockTTL  time.Duration
	logger   *zap.Logger
	hooks    MetricHooks
}

func NewSchedulerWorker(
	q *queue.Queue,
	locker *lock.Locker,
	queues []string,
	interval time.Duration,
	limit int,
	lockTTL time.Duration,
	logger *zap.Logger,
	hooks MetricHooks,
) *SchedulerWorker {
	return &SchedulerWorker{
		q: q, locker: locker, queues: queues, interval: interval,
		limit: limit, lockTTL: lockTTL, logger: logger, hooks: hooks.withDefaults(),
	}
}

// Run ticks every interval and flushes every queue.
// Stops cleanly when ctx is cancelled.
func (sw *SchedulerWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info("scheduler worker started", zap.Duration("interval", sw.interval))

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("scheduler worker stopping")
			return
		case <-ticker.C:
			sw.poll(ctx)
		}
	}
}

func (sw *SchedulerWorker) poll(ctx context.Context) {
	for _, name := range sw.queues {
		sw.flush(ctx, name)
	}
}

func (sw *SchedulerWorker) flush(ctx context.Context, name string) {
	var moved int
	acquired, err := sw.locker.WithLock(ctx, "flush:"+name, sw.lockTTL, func(ctx context.Context) error {
		var err error
		moved, err = sw.q.FlushDue(ctx, name, sw.limit)
		return err
	})
	if err != nil {
		sw.logger.Error("scheduler flush error", zap.String("queue", name), zap.Error(err))
		return
	}
	if !acquired {
		return
	}

	if moved > 0 {
		sw.hooks.OnFlushed(name, moved)
		sw.logger.Info("moved due jobs to ready", zap.String("queue", name), zap.Int("count", moved))
	}
}
