package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/relay/internal/domain"
	"github.com/notifyhub/relay/internal/queue"
	"github.com/notifyhub/relay/internal/ratelimiter"
)

// JobHandler runs one job. It must be safe to run more than once for the
// same job: delivery is at-least-once.
type JobHandler func(ctx context.Context, msg *domain.QueueMessage) domain.Result

// Handlers maps job types to their handler.
type Handlers map[domain.JobType]JobHandler

// Worker is a single goroutine bound to one queue. It polls the ready list,
// applies the queue's rate limit, skips jobs that already completed, runs
// the handler and reports the outcome back to the queue.
type Worker struct {
	id        int
	queueName string
	q         *queue.Queue
	handlers  Handlers
	limiter   *ratelimiter.QueueLimiters
	popBatch  int
	interval  time.Duration
	logger    *zap.Logger
	hooks     MetricHooks
}

func NewWorker(
	id int,
	queueName string,
	q *queue.Queue,
	handlers Handlers,
	limiter *ratelimiter.QueueLimiters,
	popBatch int,
	interval time.Duration,
	logger *zap.Logger,
	hooks MetricHooks,
) *Worker {
	return &Worker{
		id: id, queueName: queueName, q: q, handlers: handlers,
		limiter: limiter, popBatch: popBatch, interval: interval,
		logger: logger, hooks: hooks.withDefaults(),
	}
}

// Run blocks until ctx is cancelled. Every interval it drains the ready
// list in batches of popBatch.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain pops and processes batches until the ready list is empty.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		msgs, err := w.q.Pop(ctx, w.queueName, w.popBatch)
		if err != nil {
			w.logger.Error("pop failed", zap.Error(err))
			return
		}
		if len(msgs) == 0 {
			return
		}
		for i, msg := range msgs {
			if ctx.Err() != nil {
				w.requeue(ctx, msgs[i:])
				return
			}
			w.process(ctx, msg)
		}
	}
}

func (w *Worker) process(ctx context.Context, msg *domain.QueueMessage) {
	log := w.logger.With(
		zap.String("job_id", msg.ID),
		zap.String("type", string(msg.Type)),
		zap.Int("attempts", msg.Attempts),
	)
	// Outcome bookkeeping must survive shutdown.
	bg := context.WithoutCancel(ctx)

	h, ok := w.handlers[msg.Type]
	if !ok {
		cause := fmt.Errorf("%w: %q", domain.ErrUnknownJobType, msg.Type)
		log.Error("no handler for job type, deadlettering")
		if err := w.q.Deadletter(bg, w.queueName, msg, cause); err != nil {
			log.Error("failed to deadletter job", zap.Error(err))
			return
		}
		w.hooks.OnDeadlettered(w.queueName, msg.Type)
		return
	}

	// Block here until the per-queue rate limiter grants a token.
	if err := w.limiter.Wait(ctx, w.queueName); err != nil {
		// ctx cancelled while waiting: worker is shutting down.
		w.requeue(ctx, []*domain.QueueMessage{msg})
		return
	}

	dup, err := w.q.IsDuplicate(ctx, w.queueName, msg.Type, msg.Payload)
	if err != nil {
		// Fail open: running twice is safer than dropping the job.
		log.Warn("duplicate check failed, running job anyway", zap.Error(err))
	} else if dup {
		log.Debug("identical job already completed, skipping")
		w.hooks.OnDuplicate(w.queueName, msg.Type)
		return
	}

	start := time.Now()
	res := w.dispatch(ctx, h, msg)
	w.hooks.OnHandled(w.queueName, msg.Type, res.Outcome, time.Since(start))

	if res.Outcome == domain.OutcomeSuccess {
		log.Info("job done", zap.Duration("latency", time.Since(start)))
		return
	}

	if err := w.q.ForgetDone(bg, w.queueName, msg.Type, msg.Payload); err != nil {
		log.Warn("failed to clear done marker", zap.Error(err))
	}

	if res.Outcome == domain.OutcomeFail {
		log.Warn("job failed permanently", zap.String("error", res.ErrorMessage()))
		if err := w.q.Deadletter(bg, w.queueName, msg, res.Err); err != nil {
			log.Error("failed to deadletter job", zap.Error(err))
			return
		}
		w.hooks.OnDeadlettered(w.queueName, msg.Type)
		return
	}

	dead, err := w.q.RetryOrDeadletter(bg, w.queueName, msg, res.Err)
	if err != nil {
		log.Error("failed to reschedule job", zap.Error(err))
		return
	}
	if dead {
		w.hooks.OnDeadlettered(w.queueName, msg.Type)
	}
}

// dispatch runs h, converting a panic into a retryable result.
func (w *Worker) dispatch(ctx context.Context, h JobHandler, msg *domain.QueueMessage) (res domain.Result) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job handler panicked",
				zap.String("job_id", msg.ID), zap.Any("panic", r), zap.Stack("stack"))
			res = domain.Retry(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, msg)
}

// requeue returns popped but unstarted jobs to the head of the ready list,
// ahead of anything enqueued since they were popped.
func (w *Worker) requeue(ctx context.Context, msgs []*domain.QueueMessage) {
	bg := context.WithoutCancel(ctx)
	if err := w.q.Requeue(bg, w.queueName, msgs...); err != nil {
		w.logger.Error("failed to requeue jobs on shutdown",
			zap.Int("count", len(msgs)), zap.Error(err))
	}
}

// DeadletterTriage parks deadlettered outbox events in the triage queue's
// deadletter list, where they wait for an operator to inspect or retry them.
func DeadletterTriage(logger *zap.Logger) JobHandler {
	return func(_ context.Context, msg *domain.QueueMessage) domain.Result {
		decoded, err := domain.DecodeJobPayload(msg.Type, msg.Payload)
		if err != nil {
			return domain.Fail(err)
		}
		dl := decoded.(*domain.OutboxDeadletter)
		logger.Error("outbox event needs manual triage",
			zap.String("event_id", dl.EventID),
			zap.String("event_type", string(dl.EventType)),
			zap.String("aggregate_type", dl.AggregateType),
			zap.String("aggregate_id", dl.AggregateID),
			zap.Int("attempts", dl.Attempts),
			zap.String("last_error", dl.LastError))
		return domain.Fail(fmt.Errorf("event %s awaiting manual triage: %s", dl.EventID, dl.LastError))
	}
}
