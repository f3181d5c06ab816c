package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/relay/internal/dedup"
	"github.com/notifyhub/relay/internal/domain"
	"github.com/notifyhub/relay/internal/kv"
)

// Options tunes retry behaviour. Zero values fall back to the defaults below.
type Options struct {
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	DefaultMaxRetries int
	// Now is the clock used for due times; tests replace it.
	Now func() time.Time
}

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 5 * time.Minute
	DefaultMaxRetries  = 3
)

// EnqueueOptions are per-submission settings.
type EnqueueOptions struct {
	// Delay > 0 places the job in the scheduled set until FlushDue releases it.
	Delay time.Duration
	// MaxRetries <= 0 uses the queue default.
	MaxRetries int
	// Fingerprint, when set, suppresses repeat submissions for 24h.
	Fingerprint string
}

// Queue is a multi-queue job store on top of KV primitives. Each named queue
// owns three collections:
//
//	ready      list, FIFO on insertion, consumed by Pop
//	scheduled  sorted set scored by due time (unix ms), drained by FlushDue
//	deadletter list of messages that exhausted their retries
//
// Nothing inside the queue runs on its own; callers drive FlushDue and Pop.
type Queue struct {
	store  kv.Store
	keys   kv.Keys
	dedup  *dedup.Deduplicator
	opts   Options
	logger *zap.Logger
}

func New(store kv.Store, keys kv.Keys, dd *dedup.Deduplicator, logger *zap.Logger, opts Options) *Queue {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = DefaultBackoffCap
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		store:  store,
		keys:   keys,
		dedup:  dd,
		opts:   opts,
		logger: logger.With(zap.String("component", "queue")),
	}
}

// Enqueue validates and stores a new job. When opts.Fingerprint is set and a
// job with the same (queue, type, fingerprint) was submitted in the last 24h,
// nothing is stored and duplicate is true.
func (q *Queue) Enqueue(
	ctx context.Context,
	queue string,
	jobType domain.JobType,
	payload any,
	opts EnqueueOptions,
) (*domain.QueueMessage, bool, error) {
	if err := domain.ValidateQueueName(queue); err != nil {
		return nil, false, err
	}

	raw, err := toRaw(payload)
	if err != nil {
		return nil, false, err
	}
	if err := domain.ValidateJobPayload(jobType, raw); err != nil {
		return nil, false, err
	}

	if opts.Fingerprint != "" {
		dup, err := q.dedup.MarkSeen(ctx, queue, string(jobType), opts.Fingerprint)
		if err != nil {
			return nil, false, err
		}
		if dup {
			q.logger.Debug("duplicate submission suppressed",
				zap.String("queue", queue),
				zap.String("type", string(jobType)),
				zap.String("fingerprint", opts.Fingerprint))
			return nil, true, nil
		}
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.opts.DefaultMaxRetries
	}

	now := q.opts.Now()
	msg := &domain.QueueMessage{
		ID:         uuid.New().String(),
		Type:       jobType,
		Payload:    raw,
		Timestamp:  now.UnixMilli(),
		MaxRetries: maxRetries,
	}

	if opts.Delay > 0 {
		err = q.schedule(ctx, queue, msg, now.Add(opts.Delay))
	} else {
		err = q.push(ctx, q.keys.Ready(queue), msg)
	}
	if err != nil {
		if opts.Fingerprint != "" {
			if ferr := q.dedup.ForgetSeen(ctx, queue, string(jobType), opts.Fingerprint); ferr != nil {
				q.logger.Warn("could not clear seen marker after failed enqueue", zap.Error(ferr))
			}
		}
		return nil, false, err
	}

	return msg, false, nil
}

// FlushDue moves up to limit scheduled jobs whose due time has passed into
// ready, in due-time order. The move is a single server-side script.
func (q *Queue) FlushDue(ctx context.Context, queue string, limit int) (int, error) {
	if err := domain.ValidateQueueName(queue); err != nil {
		return 0, err
	}
	now := float64(q.opts.Now().UnixMilli())
	return q.store.MoveDue(ctx, q.keys.Scheduled(queue), q.keys.Ready(queue), now, limit)
}

// Pop removes up to limit jobs from the head of ready. Entries that cannot
// be decoded are logged and dropped; they are never retried.
func (q *Queue) Pop(ctx context.Context, queue string, limit int) ([]*domain.QueueMessage, error) {
	if err := domain.ValidateQueueName(queue); err != nil {
		return nil, err
	}

	raws, err := q.store.LPopCount(ctx, q.keys.Ready(queue), limit)
	if err != nil {
		return nil, fmt.Errorf("pop ready: %w", err)
	}

	msgs := make([]*domain.QueueMessage, 0, len(raws))
	for _, raw := range raws {
		msg, err := decode(raw)
		if err != nil {
			q.logger.Error("dropping malformed queue entry",
				zap.String("queue", queue), zap.String("raw", truncate(raw, 256)), zap.Error(err))
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// RetryOrDeadletter records a failed attempt on msg. Once attempts reach
// MaxRetries the message goes to deadletter; otherwise it is rescheduled
// after Backoff(attempts). msg is updated in place.
func (q *Queue) RetryOrDeadletter(ctx context.Context, queue string, msg *domain.QueueMessage, cause error) (bool, error) {
	if err := domain.ValidateQueueName(queue); err != nil {
		return false, err
	}

	now := q.opts.Now()
	q.recordAttempt(msg, now, cause)

	if msg.Attempts >= q.maxRetries(msg) {
		if err := q.push(ctx, q.keys.Deadletter(queue), msg); err != nil {
			return false, err
		}
		q.logger.Warn("job deadlettered",
			zap.String("queue", queue),
			zap.String("id", msg.ID),
			zap.String("type", string(msg.Type)),
			zap.Int("attempts", msg.Attempts),
			zap.String("last_error", msg.LastError))
		return true, nil
	}

	delay := q.Backoff(msg.Attempts)
	if err := q.schedule(ctx, queue, msg, now.Add(delay)); err != nil {
		return false, err
	}
	q.logger.Info("job rescheduled",
		zap.String("queue", queue),
		zap.String("id", msg.ID),
		zap.Int("attempts", msg.Attempts),
		zap.Duration("delay", delay))
	return false, nil
}

// Requeue puts popped messages back at the head of ready, in their original
// order and without counting an attempt, for work that was interrupted before
// its handler ran.
func (q *Queue) Requeue(ctx context.Context, queue string, msgs ...*domain.QueueMessage) error {
	if err := domain.ValidateQueueName(queue); err != nil {
		return err
	}
	raws := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		b, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		raws = append(raws, string(b))
	}
	key := q.keys.Ready(queue)
	if err := q.store.PushFront(ctx, key, raws...); err != nil {
		return fmt.Errorf("requeue %s: %w", key, err)
	}
	return nil
}

// Deadletter moves msg straight to deadletter, for failures that retrying
// cannot fix.
func (q *Queue) Deadletter(ctx context.Context, queue string, msg *domain.QueueMessage, cause error) error {
	if err := domain.ValidateQueueName(queue); err != nil {
		return err
	}
	q.recordAttempt(msg, q.opts.Now(), cause)
	return q.push(ctx, q.keys.Deadletter(queue), msg)
}

// Backoff returns min(base * 2^attempts, cap).
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := q.opts.BackoffBase
	for i := 0; i < attempts; i++ {
		if delay >= q.opts.BackoffCap/2 {
			return q.opts.BackoffCap
		}
		delay *= 2
	}
	return min(delay, q.opts.BackoffCap)
}

// IsDuplicate marks (type, payload) as done and reports whether it already
// was. The fingerprint is derived from the content, so no caller key is needed.
func (q *Queue) IsDuplicate(ctx context.Context, queue string, jobType domain.JobType, payload json.RawMessage) (bool, error) {
	fp, err := dedup.Fingerprint(string(jobType), payload)
	if err != nil {
		return false, err
	}
	return q.dedup.MarkDone(ctx, queue, string(jobType), fp)
}

// ForgetDone clears the marker set by IsDuplicate.
func (q *Queue) ForgetDone(ctx context.Context, queue string, jobType domain.JobType, payload json.RawMessage) error {
	fp, err := dedup.Fingerprint(string(jobType), payload)
	if err != nil {
		return err
	}
	return q.dedup.ForgetDone(ctx, queue, string(jobType), fp)
}

func (q *Queue) Stats(ctx context.Context, queue string) (domain.QueueStats, error) {
	var s domain.QueueStats
	if err := domain.ValidateQueueName(queue); err != nil {
		return s, err
	}

	var err error
	if s.Ready, err = q.store.LLen(ctx, q.keys.Ready(queue)); err != nil {
		return s, fmt.Errorf("ready size: %w", err)
	}
	if s.Scheduled, err = q.store.ZCard(ctx, q.keys.Scheduled(queue)); err != nil {
		return s, fmt.Errorf("scheduled size: %w", err)
	}
	if s.Dead, err = q.store.LLen(ctx, q.keys.Deadletter(queue)); err != nil {
		return s, fmt.Errorf("deadletter size: %w", err)
	}
	return s, nil
}

// RetryDeadletter moves up to count deadlettered jobs back to ready with a
// fresh attempt budget.
func (q *Queue) RetryDeadletter(ctx context.Context, queue string, count int) (int, error) {
	if err := domain.ValidateQueueName(queue); err != nil {
		return 0, err
	}

	raws, err := q.store.LPopCount(ctx, q.keys.Deadletter(queue), count)
	if err != nil {
		return 0, fmt.Errorf("pop deadletter: %w", err)
	}

	requeued := 0
	for i, raw := range raws {
		msg, err := decode(raw)
		if err != nil {
			q.logger.Error("dropping malformed deadletter entry",
				zap.String("queue", queue), zap.String("raw", truncate(raw, 256)), zap.Error(err))
			continue
		}
		msg.Attempts = 0
		msg.LastError = ""
		msg.LastAttempt = nil
		if err := q.push(ctx, q.keys.Ready(queue), msg); err != nil {
			// Put this entry and everything after it back where it was.
			if rerr := q.store.PushFront(ctx, q.keys.Deadletter(queue), raws[i:]...); rerr != nil {
				q.logger.Error("could not restore deadletter entries",
					zap.String("queue", queue), zap.Int("count", len(raws)-i), zap.Error(rerr))
				return requeued, errors.Join(err, fmt.Errorf("restore deadletter: %w", rerr))
			}
			return requeued, err
		}
		requeued++
	}

	if requeued > 0 {
		q.logger.Info("deadletter requeued", zap.String("queue", queue), zap.Int("count", requeued))
	}
	return requeued, nil
}

// Clear deletes every collection of queue. Dedup markers are left to expire.
func (q *Queue) Clear(ctx context.Context, queue string) error {
	if err := domain.ValidateQueueName(queue); err != nil {
		return err
	}
	return q.store.Del(ctx, q.keys.Ready(queue), q.keys.Scheduled(queue), q.keys.Deadletter(queue))
}

// ---- helpers ----

func (q *Queue) maxRetries(msg *domain.QueueMessage) int {
	if msg.MaxRetries > 0 {
		return msg.MaxRetries
	}
	return q.opts.DefaultMaxRetries
}

func (q *Queue) recordAttempt(msg *domain.QueueMessage, now time.Time, cause error) {
	msg.Attempts++
	at := now.UnixMilli()
	msg.LastAttempt = &at
	if cause != nil {
		msg.LastError = cause.Error()
	}
}

func (q *Queue) push(ctx context.Context, key string, msg *domain.QueueMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := q.store.RPush(ctx, key, string(b)); err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}

func (q *Queue) schedule(ctx context.Context, queue string, msg *domain.QueueMessage, due time.Time) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := q.store.ZAdd(ctx, q.keys.Scheduled(queue), float64(due.UnixMilli()), string(b)); err != nil {
		return fmt.Errorf("schedule message: %w", err)
	}
	return nil
}

func decode(raw string) (*domain.QueueMessage, error) {
	var msg domain.QueueMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" || msg.Type == "" {
		return nil, fmt.Errorf("message is missing id or type")
	}
	return &msg, nil
}

func toRaw(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		return b, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
