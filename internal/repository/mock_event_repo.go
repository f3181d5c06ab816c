package repository

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/notifyhub/relay/internal/domain"
)

// MockEventRepository is a hand-written, in-memory implementation of
// EventRepository used in unit tests. Claim holds the mutex for the whole
// select-and-update, which gives the same exclusivity as SKIP LOCKED.
type MockEventRepository struct {
	mu     sync.Mutex
	events map[string]*domain.OutboxEvent

	// Now is the clock used for claim visibility; tests may replace it.
	Now func() time.Time

	// Optional error overrides, set in tests to simulate failure paths.
	InsertErr error
	ClaimErr  error
	MarkErr   error
}

func NewMockEventRepository() *MockEventRepository {
	return &MockEventRepository{
		events: make(map[string]*domain.OutboxEvent),
		Now:    time.Now,
	}
}

func (m *MockEventRepository) Insert(_ context.Context, e *domain.OutboxEvent) (*domain.OutboxEvent, bool, error) {
	if m.InsertErr != nil {
		return nil, false, m.InsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.IdempotencyKey != nil {
		for _, existing := range m.events {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *e.IdempotencyKey {
				return clone(existing), true, nil
			}
		}
	}
	stored := clone(e)
	m.events[e.ID] = stored
	return clone(stored), false, nil
}

func (m *MockEventRepository) InsertTx(ctx context.Context, _ pgx.Tx, e *domain.OutboxEvent) (*domain.OutboxEvent, bool, error) {
	return m.Insert(ctx, e)
}

func (m *MockEventRepository) GetByID(_ context.Context, id string) (*domain.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(e), nil
}

func (m *MockEventRepository) Claim(_ context.Context, limit int, visibility time.Duration, maxRetries int) ([]*domain.OutboxEvent, error) {
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	due := m.sorted(func(e *domain.OutboxEvent) bool {
		return !e.Processed && e.ProcessingAttempts < maxRetries && visible(e, now, visibility)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*domain.OutboxEvent, 0, len(due))
	for _, e := range due {
		e.ProcessingAttempts++
		at := now
		e.LastAttemptAt = &at
		claimed = append(claimed, clone(e))
	}
	return claimed, nil
}

func (m *MockEventRepository) ClaimExhausted(_ context.Context, limit int, visibility time.Duration, maxRetries int) ([]*domain.OutboxEvent, error) {
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	stuck := m.sorted(func(e *domain.OutboxEvent) bool {
		return !e.Processed && e.ProcessingAttempts >= maxRetries &&
			e.LastAttemptAt != nil && visible(e, now, visibility)
	})
	if len(stuck) > limit {
		stuck = stuck[:limit]
	}

	claimed := make([]*domain.OutboxEvent, 0, len(stuck))
	for _, e := range stuck {
		at := now
		e.LastAttemptAt = &at
		claimed = append(claimed, clone(e))
	}
	return claimed, nil
}

func (m *MockEventRepository) MarkProcessed(_ context.Context, id string, attempts int) error {
	if m.MarkErr != nil {
		return m.MarkErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.open(id, attempts)
	if err != nil {
		return err
	}
	now := m.Now()
	e.Processed = true
	e.ProcessedAt = &now
	e.LastError = nil
	return nil
}

func (m *MockEventRepository) MarkFailed(_ context.Context, id string, attempts int, errMsg string, giveUp bool) error {
	if m.MarkErr != nil {
		return m.MarkErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.open(id, attempts)
	if err != nil {
		return err
	}
	msg := errMsg
	e.LastError = &msg
	if giveUp {
		now := m.Now()
		e.Processed = true
		e.ProcessedAt = &now
	}
	return nil
}

// open returns the event if it is still unprocessed and was last claimed
// with the given attempt count. Caller holds m.mu.
func (m *MockEventRepository) open(id string, attempts int) (*domain.OutboxEvent, error) {
	e, ok := m.events[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if e.Processed || e.ProcessingAttempts != attempts {
		return nil, domain.ErrClaimLost
	}
	return e, nil
}

func (m *MockEventRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		s       domain.OutboxStats
		totalMs float64
	)
	for _, e := range m.events {
		switch {
		case !e.Processed:
			s.Pending++
			if e.LastError != nil {
				s.Retrying++
			}
		case e.LastError == nil:
			s.Processed++
			if e.ProcessedAt != nil {
				totalMs += float64(e.ProcessedAt.Sub(e.CreatedAt).Milliseconds())
			}
		default:
			s.Failed++
		}
	}
	if s.Processed > 0 {
		s.AvgLatencyMs = totalMs / float64(s.Processed)
	}
	return s, nil
}

// All returns a snapshot of every stored event in creation order.
func (m *MockEventRepository) All() []*domain.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(*domain.OutboxEvent) bool { return true })
	for i, e := range out {
		out[i] = clone(e)
	}
	return out
}

// ---- helpers ----

// sorted returns the live events matching keep, oldest first. Caller holds mu.
func (m *MockEventRepository) sorted(keep func(*domain.OutboxEvent) bool) []*domain.OutboxEvent {
	var out []*domain.OutboxEvent
	for _, e := range m.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *domain.OutboxEvent) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

func visible(e *domain.OutboxEvent, now time.Time, visibility time.Duration) bool {
	return e.LastAttemptAt == nil || e.LastAttemptAt.Before(now.Add(-visibility))
}

func clone(e *domain.OutboxEvent) *domain.OutboxEvent {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	return &c
}

var _ EventRepository = (*MockEventRepository)(nil)

// ErrMockUnavailable is a convenience error for tests simulating an outage.
var ErrMockUnavailable = errors.New("repository unavailable")
