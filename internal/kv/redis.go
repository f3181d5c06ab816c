package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// moveDueScript pops due members off the scheduled set and appends them to
// the ready list. ZREM guards the push so a member is moved at most once even
// if two callers race on the same set.
var moveDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, member in ipairs(due) do
	if redis.call('ZREM', KEYS[1], member) == 1 then
		redis.call('RPUSH', KEYS[2], member)
		moved = moved + 1
	end
end
return moved
`)

type redisStore struct {
	client redis.UniversalClient
}

// NewRedisStore returns a Store backed by a go-redis client.
func NewRedisStore(client redis.UniversalClient) Store {
	return &redisStore{client: client}
}

// Connect parses a redis:// URL, creates a client and pings it, retrying
// with exponential backoff while the server comes up.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 6), ctx)
	err = backoff.RetryNotify(func() error {
		return client.Ping(ctx).Err()
	}, policy, func(err error, next time.Duration) {
		logger.Warn("redis not reachable, retrying", zap.Error(err), zap.Duration("next", next))
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

func (s *redisStore) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.client.RPush(ctx, key, args...).Err()
}

func (s *redisStore) PushFront(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	// LPUSH inserts one element at a time, so feed it in reverse.
	args := make([]any, len(values))
	for i, v := range values {
		args[len(values)-1-i] = v
	}
	return s.client.LPush(ctx, key, args...).Err()
}

func (s *redisStore) LPopCount(ctx context.Context, key string, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	vals, err := s.client.LPopCount(ctx, key, count).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return vals, err
}

func (s *redisStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

func (s *redisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *redisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *redisStore) MoveDue(ctx context.Context, zkey, lkey string, maxScore float64, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	moved, err := moveDueScript.Run(ctx, s.client, []string{zkey, lkey},
		strconv.FormatFloat(maxScore, 'f', -1, 64), limit).Int()
	if err != nil {
		return 0, fmt.Errorf("move due members: %w", err)
	}
	return moved, nil
}

func (s *redisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *redisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
