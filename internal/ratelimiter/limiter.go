package ratelimiter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// QueueLimiters holds one token bucket limiter per queue name.
// Each limiter enforces a steady-state rate (e.g. 100 tokens/sec).
// Burst is set equal to the rate so no extra burst capacity is allowed
// beyond the configured per-second maximum.
type QueueLimiters struct {
	mu       sync.Mutex
	r        rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// New creates a QueueLimiters with ratePerSec tokens per second per queue.
// Limiters are created on first use.
func New(ratePerSec int) *QueueLimiters {
	return &QueueLimiters{
		r:        rate.Limit(ratePerSec),
		burst:    ratePerSec,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the queue's limiter grants a token.
// Called by each worker immediately before running a job handler.
// Returns a non-nil error only if ctx is cancelled while waiting.
func (ql *QueueLimiters) Wait(ctx context.Context, queue string) error {
	return ql.limiter(queue).Wait(ctx)
}

func (ql *QueueLimiters) limiter(queue string) *rate.Limiter {
	ql.mu.Lock()
	defer ql.mu.Unlock()
	l, ok := ql.limiters[queue]
	if !ok {
		l = rate.NewLimiter(ql.r, ql.burst)
		ql.limiters[queue] = l
	}
	return l
}
