package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/notifyhub/relay/internal/domain"
)

// EventRepository defines all persistence operations for outbox events.
// The pgx implementation is in pg_event_repo.go.
// Tests use a hand-written mock (mock_event_repo.go).
type EventRepository interface {
	// Insert stores e. When e carries an idempotency key that already exists,
	// the stored row is returned with duplicate=true and nothing is written.
	Insert(ctx context.Context, e *domain.OutboxEvent) (stored *domain.OutboxEvent, duplicate bool, err error)
	// InsertTx is Insert inside the caller's transaction.
	InsertTx(ctx context.Context, tx pgx.Tx, e *domain.OutboxEvent) (stored *domain.OutboxEvent, duplicate bool, err error)

	GetByID(ctx context.Context, id string) (*domain.OutboxEvent, error)

	// Claim selects up to limit due events in creation order, increments
	// their attempt counter and stamps last_attempt_at, all in one committed
	// statement. A claimed event is invisible to other claimers until
	// visibility has elapsed. Events with attempts >= maxRetries are skipped.
	Claim(ctx context.Context, limit int, visibility time.Duration, maxRetries int) ([]*domain.OutboxEvent, error)
	// ClaimExhausted claims unprocessed events that already used every
	// attempt and whose last attempt is older than visibility. It stamps
	// last_attempt_at without touching the attempt counter.
	ClaimExhausted(ctx context.Context, limit int, visibility time.Duration, maxRetries int) ([]*domain.OutboxEvent, error)

	// MarkProcessed and MarkFailed only write while the event is still open
	// and its attempt counter equals attempts, the value seen at claim time.
	// Otherwise they change nothing and return domain.ErrClaimLost.
	MarkProcessed(ctx context.Context, id string, attempts int) error
	// MarkFailed records errMsg. With giveUp the event is closed as
	// processed; otherwise it stays eligible for another claim.
	MarkFailed(ctx context.Context, id string, attempts int, errMsg string, giveUp bool) error

	Stats(ctx context.Context) (domain.OutboxStats, error)
}
