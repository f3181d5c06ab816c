package service

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/notifyhub/relay/internal/domain"
	"github.com/notifyhub/relay/internal/outbox"
	"github.com/notifyhub/relay/internal/queue"
)

// MaxRetryCount caps how many deadlettered jobs one call may requeue.
const MaxRetryCount = 1000

// RelayService is the operator surface over the outbox processor and the
// job queue. The HTTP handlers and the CLI both go through it, so queue
// name checks and request validation live in one place.
type RelayService struct {
	processor *outbox.Processor
	q         *queue.Queue
	queues    []string
	logger    *zap.Logger
}

// NewRelayService builds the service. queues lists every queue an operator
// may address; anything else is rejected with ErrUnknownQueue.
func NewRelayService(
	processor *outbox.Processor,
	q *queue.Queue,
	queues []string,
	logger *zap.Logger,
) *RelayService {
	return &RelayService{
		processor: processor,
		q:         q,
		queues:    queues,
		logger:    logger.With(zap.String("component", "service")),
	}
}

// AppendEvent records an event outside of any business transaction.
// A repeated idempotency key returns the stored event and duplicate=true.
func (s *RelayService) AppendEvent(ctx context.Context, req domain.AppendRequest) (*domain.OutboxEvent, bool, error) {
	return s.processor.Append(ctx, req)
}

func (s *RelayService) OutboxStats(ctx context.Context) (domain.OutboxStats, error) {
	return s.processor.Stats(ctx)
}

// DrainOutbox runs one processing batch in the caller's goroutine.
func (s *RelayService) DrainOutbox(ctx context.Context) (int, error) {
	return s.processor.ProcessBatch(ctx)
}

// EnqueueJob validates req and submits it to queueName.
// duplicate is true when a fingerprinted twin was submitted in the last 24h.
func (s *RelayService) EnqueueJob(
	ctx context.Context,
	queueName string,
	req domain.EnqueueRequest,
) (*domain.QueueMessage, bool, error) {
	if err := s.checkQueue(queueName); err != nil {
		return nil, false, err
	}
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	msg, dup, err := s.q.Enqueue(ctx, queueName, req.Type, req.Payload, queue.EnqueueOptions{
		Delay:       time.Duration(req.DelayMs) * time.Millisecond,
		MaxRetries:  req.MaxRetries,
		Fingerprint: req.Fingerprint,
	})
	if err != nil {
		return nil, false, fmt.Errorf("enqueue: %w", err)
	}
	return msg, dup, nil
}

func (s *RelayService) QueueStats(ctx context.Context, queueName string) (domain.QueueStats, error) {
	if err := s.checkQueue(queueName); err != nil {
		return domain.QueueStats{}, err
	}
	return s.q.Stats(ctx, queueName)
}

// RetryDeadletter moves up to count deadlettered jobs back to ready.
func (s *RelayService) RetryDeadletter(ctx context.Context, queueName string, count int) (int, error) {
	if err := s.checkQueue(queueName); err != nil {
		return 0, err
	}
	if count < 1 || count > MaxRetryCount {
		return 0, domain.ErrInvalidCount
	}
	return s.q.RetryDeadletter(ctx, queueName, count)
}

// ClearQueue drops every job of queueName, deadletters included.
func (s *RelayService) ClearQueue(ctx context.Context, queueName string) error {
	if err := s.checkQueue(queueName); err != nil {
		return err
	}
	if err := s.q.Clear(ctx, queueName); err != nil {
		return err
	}
	s.logger.Warn("queue cleared", zap.String("queue", queueName))
	return nil
}

// Queues lists the queues this service accepts.
func (s *RelayService) Queues() []string {
	return s.queues
}

func (s *RelayService) checkQueue(name string) error {
	if err := domain.ValidateQueueName(name); err != nil {
		return err
	}
	if !lo.Contains(s.queues, name) {
		return fmt.Errorf("%w: %q", domain.ErrUnknownQueue, name)
	}
	return nil
}
