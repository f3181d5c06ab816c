package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/relay/internal/domain"
)

const eventColumns = `
	id::text, aggregate_id, aggregate_type, event_type, event_version, payload,
	processed, processed_at, processing_attempts, last_attempt_at, last_error,
	created_at, created_by, idempotency_key`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgEventRepository struct {
	pool *pgxpool.Pool
}

// NewPgEventRepository returns an EventRepository backed by PostgreSQL.
func NewPgEventRepository(pool *pgxpool.Pool) EventRepository {
	return &pgEventRepository{pool: pool}
}

func (r *pgEventRepository) Insert(ctx context.Context, e *domain.OutboxEvent) (*domain.OutboxEvent, bool, error) {
	return insertEvent(ctx, r.pool, e)
}

func (r *pgEventRepository) InsertTx(ctx context.Context, tx pgx.Tx, e *domain.OutboxEvent) (*domain.OutboxEvent, bool, error) {
	return insertEvent(ctx, tx, e)
}

func insertEvent(ctx context.Context, q querier, e *domain.OutboxEvent) (*domain.OutboxEvent, bool, error) {
	row := q.QueryRow(ctx, `
		INSERT INTO outbox_events
			(id, aggregate_id, aggregate_type, event_type, event_version, payload,
			 processed, processing_attempts, created_at, created_by, idempotency_key)
		VALUES ($1,$2,$3,$4,$5,$6,FALSE,0,$7,$8,$9)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING`+eventColumns,
		e.ID, e.AggregateID, e.AggregateType, string(e.EventType), e.EventVersion, []byte(e.Payload),
		e.CreatedAt, e.CreatedBy, e.IdempotencyKey,
	)

	stored, err := scanEvent(row)
	if err == nil {
		return stored, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || e.IdempotencyKey == nil {
		return nil, false, fmt.Errorf("insert event: %w", err)
	}

	// Conflict on the idempotency key: hand back the original.
	row = q.QueryRow(ctx, `SELECT`+eventColumns+` FROM outbox_events WHERE idempotency_key = $1`, *e.IdempotencyKey)
	existing, err := scanEvent(row)
	if err != nil {
		return nil, false, fmt.Errorf("load event by idempotency key: %w", err)
	}
	return existing, true, nil
}

func (r *pgEventRepository) GetByID(ctx context.Context, id string) (*domain.OutboxEvent, error) {
	row := r.pool.QueryRow(ctx, `SELECT`+eventColumns+` FROM outbox_events WHERE id = $1`, id)

	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return e, err
}

func (r *pgEventRepository) Claim(ctx context.Context, limit int, visibility time.Duration, maxRetries int) ([]*domain.OutboxEvent, error) {
	rows, err := r.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM outbox_events
			WHERE processed = FALSE
			  AND processing_attempts < $3
			  AND (last_attempt_at IS NULL OR last_attempt_at < NOW() - make_interval(secs => $2))
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events e
		SET processing_attempts = e.processing_attempts + 1,
		    last_attempt_at     = NOW()
		FROM due
		WHERE e.id = due.id
		RETURNING`+qualified("e"),
		limit, visibility.Seconds(), maxRetries)
	if err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	defer rows.Close()
	return scanOrdered(rows)
}

func (r *pgEventRepository) ClaimExhausted(ctx context.Context, limit int, visibility time.Duration, maxRetries int) ([]*domain.OutboxEvent, error) {
	rows, err := r.pool.Query(ctx, `
		WITH stuck AS (
			SELECT id FROM outbox_events
			WHERE processed = FALSE
			  AND processing_attempts >= $3
			  AND last_attempt_at < NOW() - make_interval(secs => $2)
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events e
		SET last_attempt_at = NOW()
		FROM stuck
		WHERE e.id = stuck.id
		RETURNING`+qualified("e"),
		limit, visibility.Seconds(), maxRetries)
	if err != nil {
		return nil, fmt.Errorf("claim exhausted events: %w", err)
	}
	defer rows.Close()
	return scanOrdered(rows)
}

func (r *pgEventRepository) MarkProcessed(ctx context.Context, id string, attempts int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET processed = TRUE, processed_at = NOW(), last_error = NULL
		WHERE id = $1 AND processed = FALSE AND processing_attempts = $2`, id, attempts)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrClaimLost
	}
	return nil
}

func (r *pgEventRepository) MarkFailed(ctx context.Context, id string, attempts int, errMsg string, giveUp bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET last_error = $1,
		    processed = $2,
		    processed_at = CASE WHEN $2 THEN NOW() ELSE NULL END
		WHERE id = $3 AND processed = FALSE AND processing_attempts = $4`,
		errMsg, giveUp, id, attempts)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrClaimLost
	}
	return nil
}

func (r *pgEventRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	var s domain.OutboxStats
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE NOT processed),
			COUNT(*) FILTER (WHERE NOT processed AND last_error IS NOT NULL),
			COUNT(*) FILTER (WHERE processed AND last_error IS NULL),
			COUNT(*) FILTER (WHERE processed AND last_error IS NOT NULL),
			COALESCE(AVG(EXTRACT(EPOCH FROM (processed_at - created_at)) * 1000)
				FILTER (WHERE processed AND last_error IS NULL), 0)::float8
		FROM outbox_events`).
		Scan(&s.Pending, &s.Retrying, &s.Processed, &s.Failed, &s.AvgLatencyMs)
	if err != nil {
		return s, fmt.Errorf("outbox stats: %w", err)
	}
	return s, nil
}

// ---- helpers ----

// qualified prefixes every column in eventColumns with alias.
func qualified(alias string) string {
	return `
	` + alias + `.id::text, ` + alias + `.aggregate_id, ` + alias + `.aggregate_type, ` + alias + `.event_type,
	` + alias + `.event_version, ` + alias + `.payload, ` + alias + `.processed, ` + alias + `.processed_at,
	` + alias + `.processing_attempts, ` + alias + `.last_attempt_at, ` + alias + `.last_error,
	` + alias + `.created_at, ` + alias + `.created_by, ` + alias + `.idempotency_key`
}

// scanEvent reads a single event row from any pgx row type.
func scanEvent(row pgx.Row) (*domain.OutboxEvent, error) {
	var (
		e         domain.OutboxEvent
		eventType string
		payload   []byte
	)
	err := row.Scan(
		&e.ID, &e.AggregateID, &e.AggregateType, &eventType, &e.EventVersion, &payload,
		&e.Processed, &e.ProcessedAt, &e.ProcessingAttempts, &e.LastAttemptAt, &e.LastError,
		&e.CreatedAt, &e.CreatedBy, &e.IdempotencyKey,
	)
	if err != nil {
		return nil, err
	}
	e.EventType = domain.EventType(eventType)
	e.Payload = payload
	return &e, nil
}

// scanOrdered reads all rows and sorts them by creation time, since
// UPDATE ... RETURNING does not preserve the CTE's ORDER BY.
func scanOrdered(rows pgx.Rows) ([]*domain.OutboxEvent, error) {
	var result []*domain.OutboxEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortStableFunc(result, func(a, b *domain.OutboxEvent) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result, nil
}
