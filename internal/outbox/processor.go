package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notifyhub/relay/internal/domain"
	"github.com/notifyhub/relay/internal/queue"
	"github.com/notifyhub/relay/internal/repository"
)

// Handler reacts to one event. It must be safe to run more than once for
// the same event: delivery is at-least-once.
type Handler func(ctx context.Context, e *domain.OutboxEvent) domain.Result

// JobEnqueuer is the part of the job queue the processor forwards work to.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, queue string, jobType domain.JobType, payload any, opts queue.EnqueueOptions) (*domain.QueueMessage, bool, error)
}

// Config tunes the poll loop. Zero values fall back to the defaults below.
type Config struct {
	PollInterval      time.Duration
	BatchSize         int
	MaxRetries        int
	VisibilityTimeout time.Duration
	StopGrace         time.Duration

	// Queue names used by the default handlers.
	DeadletterQueue    string
	JobsQueue          string
	NotificationsQueue string
}

const (
	DefaultPollInterval       = time.Second
	DefaultBatchSize          = 10
	DefaultMaxRetries         = 5
	DefaultVisibilityTimeout  = 30 * time.Second
	DefaultStopGrace          = 5 * time.Second
	DefaultDeadletterQueue    = "outbox_deadletter"
	DefaultJobsQueue          = "jobs"
	DefaultNotificationsQueue = "notifications"
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.DeadletterQueue == "" {
		c.DeadletterQueue = DefaultDeadletterQueue
	}
	if c.JobsQueue == "" {
		c.JobsQueue = DefaultJobsQueue
	}
	if c.NotificationsQueue == "" {
		c.NotificationsQueue = DefaultNotificationsQueue
	}
	return c
}

// MetricHooks carries the metric callbacks injected by main so the
// processor stays metrics-agnostic. Nil fields are no-ops.
type MetricHooks struct {
	OnHandled      func(eventType domain.EventType, outcome domain.Outcome, latency time.Duration)
	OnDeadlettered func(eventType domain.EventType)
}

// Processor records events in the event store and dispatches them to
// handlers from a fixed-interval poll loop. Several processors may share one
// store; the claim step keeps their batches disjoint.
type Processor struct {
	repo   repository.EventRepository
	jobs   JobEnqueuer
	cfg    Config
	hooks  MetricHooks
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[domain.EventType]Handler
	defaults map[domain.EventType]Handler

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewProcessor(
	repo repository.EventRepository,
	jobs JobEnqueuer,
	cfg Config,
	logger *zap.Logger,
	hooks MetricHooks,
) *Processor {
	if hooks.OnHandled == nil {
		hooks.OnHandled = func(domain.EventType, domain.Outcome, time.Duration) {}
	}
	if hooks.OnDeadlettered == nil {
		hooks.OnDeadlettered = func(domain.EventType) {}
	}

	p := &Processor{
		repo:     repo,
		jobs:     jobs,
		cfg:      cfg.withDefaults(),
		hooks:    hooks,
		logger:   logger.With(zap.String("component", "outbox")),
		handlers: make(map[domain.EventType]Handler),
	}
	p.defaults = map[domain.EventType]Handler{
		domain.EventQRGenerationRequested: p.handleQRGenerationRequested,
		domain.EventWorkspaceCreated:      p.handleWorkspaceCreated,
		domain.EventNotificationRequested: p.handleNotificationRequested,
	}
	return p
}

// On registers h for eventType, replacing the built-in default if any.
func (p *Processor) On(eventType domain.EventType, h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler for %q", eventType)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[eventType]; ok {
		return fmt.Errorf("%w: %q", domain.ErrHandlerRegistered, eventType)
	}
	p.handlers[eventType] = h
	return nil
}

// Append validates req and records a new event. Handlers never run here.
// If req carries an idempotency key that was used before, the original
// event is returned with duplicate=true.
func (p *Processor) Append(ctx context.Context, req domain.AppendRequest) (*domain.OutboxEvent, bool, error) {
	e, err := p.newEvent(req)
	if err != nil {
		return nil, false, err
	}
	stored, dup, err := p.repo.Insert(ctx, e)
	return p.appended(stored, dup, err)
}

// AppendTx is Append inside the caller's transaction, so the event commits
// or rolls back together with the business write.
func (p *Processor) AppendTx(ctx context.Context, tx pgx.Tx, req domain.AppendRequest) (*domain.OutboxEvent, bool, error) {
	e, err := p.newEvent(req)
	if err != nil {
		return nil, false, err
	}
	stored, dup, err := p.repo.InsertTx(ctx, tx, e)
	return p.appended(stored, dup, err)
}

func (p *Processor) newEvent(req domain.AppendRequest) (*domain.OutboxEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	version := req.EventVersion
	if version <= 0 {
		version = 1
	}

	e := &domain.OutboxEvent{
		ID:            uuid.New().String(),
		AggregateID:   req.AggregateID,
		AggregateType: req.AggregateType,
		EventType:     req.EventType,
		EventVersion:  version,
		Payload:       req.Payload,
		CreatedAt:     time.Now().UTC(),
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		e.IdempotencyKey = &key
	}
	if req.CreatedBy != "" {
		by := req.CreatedBy
		e.CreatedBy = &by
	}
	return e, nil
}

func (p *Processor) appended(e *domain.OutboxEvent, dup bool, err error) (*domain.OutboxEvent, bool, error) {
	if err != nil {
		return nil, false, fmt.Errorf("append event: %w", err)
	}
	if dup {
		p.logger.Info("duplicate event append", zap.String("event_id", e.ID))
	} else {
		p.logger.Debug("event appended",
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.EventType)),
			zap.String("aggregate_id", e.AggregateID))
	}
	return e, dup, nil
}

// Start launches the poll loop. Cancelling ctx or calling Stop ends it.
func (p *Processor) Start(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return domain.ErrProcessorRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(loopCtx, p.done)
	return nil
}

// Stop ends the poll loop and waits up to StopGrace for the in-flight batch.
// Handlers that outlive the grace period keep running; their results are
// still recorded.
func (p *Processor) Stop() error {
	p.runMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.runMu.Unlock()

	if cancel == nil {
		return domain.ErrProcessorNotRunning
	}
	cancel()

	select {
	case <-done:
		p.logger.Info("outbox processor stopped")
	case <-time.After(p.cfg.StopGrace):
		p.logger.Warn("outbox batch still running after stop grace", zap.Duration("grace", p.cfg.StopGrace))
	}
	return nil
}

func (p *Processor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.logger.Info("outbox processor started",
		zap.Duration("interval", p.cfg.PollInterval),
		zap.Int("batch_size", p.cfg.BatchSize))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Handlers must not see the stop signal.
			if _, err := p.ProcessBatch(context.WithoutCancel(ctx)); err != nil {
				p.logger.Error("outbox batch failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch runs one tick synchronously: it closes abandoned events,
// then claims and handles up to BatchSize due events concurrently. It
// returns the number of events handled.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	p.sweepExhausted(ctx)

	events, err := p.repo.Claim(ctx, p.cfg.BatchSize, p.cfg.VisibilityTimeout, p.cfg.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.BatchSize)
	for _, e := range events {
		e := e
		g.Go(func() error {
			p.handle(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	return len(events), nil
}

func (p *Processor) Stats(ctx context.Context) (domain.OutboxStats, error) {
	return p.repo.Stats(ctx)
}

// sweepExhausted closes events whose final attempt never reported back,
// for example because the process died mid-handler.
func (p *Processor) sweepExhausted(ctx context.Context) {
	stuck, err := p.repo.ClaimExhausted(ctx, p.cfg.BatchSize, p.cfg.VisibilityTimeout, p.cfg.MaxRetries)
	if err != nil {
		p.logger.Error("claim exhausted events", zap.Error(err))
		return
	}
	for _, e := range stuck {
		reason := fmt.Sprintf("abandoned after %d attempts", e.ProcessingAttempts)
		if e.LastError != nil {
			reason += ": " + *e.LastError
		}
		p.giveUp(ctx, e, reason)
	}
}

func (p *Processor) handle(ctx context.Context, e *domain.OutboxEvent) {
	start := time.Now()
	log := p.logger.With(
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.EventType)),
		zap.Int("attempt", e.ProcessingAttempts),
	)

	h := p.handlerFor(e.EventType)
	if h == nil {
		msg := fmt.Sprintf("no handler registered for event type %s", e.EventType)
		log.Warn(msg)
		if err := p.repo.MarkFailed(ctx, e.ID, e.ProcessingAttempts, msg, true); err != nil {
			logMarkError(log, "failed to close unhandled event", err)
		}
		return
	}

	res := p.dispatch(ctx, h, e)
	p.hooks.OnHandled(e.EventType, res.Outcome, time.Since(start))

	switch res.Outcome {
	case domain.OutcomeSuccess:
		if err := p.repo.MarkProcessed(ctx, e.ID, e.ProcessingAttempts); err != nil {
			logMarkError(log, "failed to mark event processed", err)
			return
		}
		log.Debug("event processed", zap.Duration("latency", time.Since(start)))

	case domain.OutcomeRetry:
		if e.ProcessingAttempts >= p.cfg.MaxRetries {
			log.Warn("event exhausted its retries", zap.String("error", res.ErrorMessage()))
			p.giveUp(ctx, e, res.ErrorMessage())
			return
		}
		log.Info("event will be retried", zap.String("error", res.ErrorMessage()))
		if err := p.repo.MarkFailed(ctx, e.ID, e.ProcessingAttempts, res.ErrorMessage(), false); err != nil {
			logMarkError(log, "failed to record event error", err)
		}

	default:
		log.Warn("event failed permanently", zap.String("error", res.ErrorMessage()))
		p.giveUp(ctx, e, res.ErrorMessage())
	}
}

// dispatch runs h, converting a panic into a retryable result.
func (p *Processor) dispatch(ctx context.Context, h Handler, e *domain.OutboxEvent) (res domain.Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event handler panicked",
				zap.String("event_id", e.ID), zap.Any("panic", r), zap.Stack("stack"))
			res = domain.Retry(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, e)
}

// giveUp forwards e to the deadletter triage queue and closes it. If the
// forward fails the event stays open so a later tick tries again.
func (p *Processor) giveUp(ctx context.Context, e *domain.OutboxEvent, reason string) {
	log := p.logger.With(zap.String("event_id", e.ID))

	job := domain.OutboxDeadletter{
		EventID:       e.ID,
		EventType:     e.EventType,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Attempts:      e.ProcessingAttempts,
		LastError:     reason,
		Payload:       e.Payload,
	}
	_, _, err := p.jobs.Enqueue(ctx, p.cfg.DeadletterQueue, domain.JobOutboxDeadletter, job,
		queue.EnqueueOptions{Fingerprint: e.ID})
	if err != nil {
		log.Error("failed to deadletter event", zap.Error(err))
		if merr := p.repo.MarkFailed(ctx, e.ID, e.ProcessingAttempts, reason, false); merr != nil {
			logMarkError(log, "failed to record event error", merr)
		}
		return
	}

	if err := p.repo.MarkFailed(ctx, e.ID, e.ProcessingAttempts, reason, true); err != nil {
		logMarkError(log, "failed to close deadlettered event", err)
		return
	}
	p.hooks.OnDeadlettered(e.EventType)
	log.Warn("event deadlettered",
		zap.String("event_type", string(e.EventType)),
		zap.Int("attempts", e.ProcessingAttempts),
		zap.String("reason", reason))
}

// logMarkError reports a failed state write. Losing the claim to another
// instance is expected after a visibility timeout and only logged at info.
func logMarkError(log *zap.Logger, msg string, err error) {
	if errors.Is(err, domain.ErrClaimLost) {
		log.Info("event result dropped, claim lost", zap.Error(err))
		return
	}
	log.Error(msg, zap.Error(err))
}

func (p *Processor) handlerFor(t domain.EventType) Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if h, ok := p.handlers[t]; ok {
		return h
	}
	return p.defaults[t]
}
