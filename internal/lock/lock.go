package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/notifyhub/relay/internal/kv"
)

var (
	ErrEmptyName   = errors.New("lock name cannot be empty")
	ErrInvalidTTL  = errors.New("lock ttl must be greater than 0")
	ErrNilFunction = errors.New("lock function is nil")
)

// Locker provides non-blocking, TTL-bound mutual exclusion across
// instances. The token is a random value written with SET NX PX, so a
// holder can only release its own token.
type Locker struct {
	rs     *redsync.Redsync
	keys   kv.Keys
	logger *zap.Logger
}

func New(client redis.UniversalClient, keys kv.Keys, logger *zap.Logger) *Locker {
	return &Locker{
		rs:     redsync.New(goredis.NewPool(client)),
		keys:   keys,
		logger: logger.With(zap.String("component", "lock")),
	}
}

// WithLock makes a single attempt to take the lock called name. If another
// holder owns it, WithLock returns (false, nil) without calling fn; callers
// treat that as a normal skip. Otherwise fn runs and the lock is released
// exactly once after fn returns, whatever its result. A holder that dies
// without releasing is cleared by the TTL.
func (l *Locker) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	if strings.TrimSpace(name) == "" {
		return false, ErrEmptyName
	}
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	if fn == nil {
		return false, ErrNilFunction
	}

	key := l.keys.Lock(name)
	mutex := l.rs.NewMutex(key, redsync.WithExpiry(ttl), redsync.WithTries(1))

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			l.logger.Debug("lock held elsewhere, skipping", zap.String("lock", name))
			return false, nil
		}
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}

	defer func() {
		// Release even when ctx was cancelled while fn ran.
		ok, err := mutex.UnlockContext(context.WithoutCancel(ctx))
		if err != nil || !ok {
			l.logger.Warn("lock expired before release",
				zap.String("lock", name), zap.Bool("released", ok), zap.Error(err))
		}
	}()

	return true, fn(ctx)
}

func isContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}
