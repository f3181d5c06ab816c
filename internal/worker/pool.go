package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/relay/internal/domain"
	"github.com/notifyhub/relay/internal/queue"
	"github.com/notifyhub/relay/internal/ratelimiter"
)

// MetricHooks carries the metric callback functions injected by main.
// Using a struct keeps the constructor signatures clean. Nil fields are no-ops.
type MetricHooks struct {
	OnHandled      func(queue string, t domain.JobType, o domain.Outcome, latency time.Duration)
	OnDuplicate    func(queue string, t domain.JobType)
	OnDeadlettered func(queue string, t domain.JobType)
	OnFlushed      func(queue string, n int)
	OnQueueStats   func(queue string, s domain.QueueStats)
	OnOutboxStats  func(s domain.OutboxStats)
}

func (h MetricHooks) withDefaults() MetricHooks {
	if h.OnHandled == nil {
		h.OnHandled = func(string, domain.JobType, domain.Outcome, time.Duration) {}
	}
	if h.OnDuplicate == nil {
		h.OnDuplicate = func(string, domain.JobType) {}
	}
	if h.OnDeadlettered == nil {
		h.OnDeadlettered = func(string, domain.JobType) {}
	}
	if h.OnFlushed == nil {
		h.OnFlushed = func(string, int) {}
	}
	if h.OnQueueStats == nil {
		h.OnQueueStats = func(string, domain.QueueStats) {}
	}
	if h.OnOutboxStats == nil {
		h.OnOutboxStats = func(domain.OutboxStats) {}
	}
	return h
}

// PoolConfig sizes the pool.
type PoolConfig struct {
	Queues          []string
	WorkersPerQueue int
	PopBatch        int
	PollInterval    time.Duration
}

// Pool manages the lifecycle of all workers across all queues.
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewPool creates WorkersPerQueue identical workers for every queue.
func NewPool(
	cfg PoolConfig,
	q *queue.Queue,
	handlers Handlers,
	limiter *ratelimiter.QueueLimiters,
	logger *zap.Logger,
	hooks MetricHooks,
) *Pool {
	if cfg.WorkersPerQueue <= 0 {
		cfg.WorkersPerQueue = 1
	}
	if cfg.PopBatch <= 0 {
		cfg.PopBatch = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	var workers []*Worker
	id := 0
	for _, name := range cfg.Queues {
		for i := 0; i < cfg.WorkersPerQueue; i++ {
			workers = append(workers, NewWorker(
				id, name, q, handlers, limiter,
				cfg.PopBatch, cfg.PollInterval,
				logger.With(zap.Int("worker_id", id), zap.String("queue", name)),
				hooks,
			))
			id++
		}
	}

	return &Pool{workers: workers}
}

// Start launches all workers as goroutines.
// The provided ctx is forwarded to every worker; cancelling it
// triggers a graceful shutdown of the entire pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Wait blocks until every worker has returned after ctx is cancelled.
// Call this after cancelling the context to ensure in-flight jobs finish.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Size reports how many workers the pool runs.
func (p *Pool) Size() int {
	return len(p.workers)
}
