package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// RedisOptions tunes the distributed lock.
type RedisOptions struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

// DefaultRedisOptions mirrors the defaults used for short critical sections.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Expiry:     10 * time.Second,
		Tries:      32,
		RetryDelay: 25 * time.Millisecond,
	}
}

// Redis is a Manager backed by redsync, for postings spread over several
// processes sharing one database.
type Redis struct {
	rs     *redsync.Redsync
	opts   RedisOptions
	logger *slog.Logger
}

// NewRedis constructs the distributed lock manager.
func NewRedis(client redis.UniversalClient, opts RedisOptions, logger *slog.Logger) (*Redis, error) {
	if client == nil {
		return nil, errors.New("locks: redis client is nil")
	}
	defaults := DefaultRedisOptions()
	if opts.Expiry <= 0 {
		opts.Expiry = defaults.Expiry
	}
	if opts.Tries < 1 {
		opts.Tries = defaults.Tries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaults.RetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		rs:     redsync.New(goredis.NewPool(client)),
		opts:   opts,
		logger: logger,
	}, nil
}

// Acquire implements Manager.
func (r *Redis) Acquire(ctx context.Context, keys []string) (Release, error) {
	keys = Normalize(keys)
	held := make([]*redsync.Mutex, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			m := held[i]
			ok, err := m.UnlockContext(context.Background())
			if err != nil || !ok {
				r.logger.Warn("release ledger lock", slog.String("key", m.Name()), slog.Any("error", err))
			}
		}
	}
	for _, key := range keys {
		m := r.rs.NewMutex(key,
			redsync.WithExpiry(r.opts.Expiry),
			redsync.WithTries(r.opts.Tries),
			redsync.WithRetryDelay(r.opts.RetryDelay),
		)
		if err := m.LockContext(ctx); err != nil {
			release()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrLockBusy, key, err)
		}
		held = append(held, m)
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}
