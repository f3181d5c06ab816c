package kv

import (
	"context"
	"time"
)

// Store is the set of atomic key/value primitives the queue, lock and
// deduplicator are built on. Each method is a single round trip and atomic
// on the server side.
type Store interface {
	RPush(ctx context.Context, key string, values ...string) error
	// PushFront puts values at the head of the list, keeping their order, so
	// the next LPopCount returns values[0] first.
	PushFront(ctx context.Context, key string, values ...string) error
	LPopCount(ctx context.Context, key string, count int) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZCard(ctx context.Context, key string) (int64, error)

	// MoveDue moves up to limit members of the sorted set zkey whose score is
	// <= maxScore onto the tail of list lkey, in score order, as one atomic step.
	MoveDue(ctx context.Context, zkey, lkey string, maxScore float64, limit int) (int, error)

	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error

	Ping(ctx context.Context) error
}
