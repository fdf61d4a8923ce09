package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/locks"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/mappings"
	"github.com/odyssey-erp/odyssey-ledger/internal/integration"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Ledger bundles the wired ledger service and the infrastructure behind it.
type Ledger struct {
	Service  *accounting.Service
	Mappings mappings.Repository
	Hooks    *integration.Hooks
	Pool     *pgxpool.Pool
	Redis    *redis.Client

	closers []func()
}

// BuildLedger wires store, locks, cache and logs according to cfg.
func BuildLedger(ctx context.Context, cfg *Config, logger *slog.Logger, registerer prometheus.Registerer) (*Ledger, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	out := &Ledger{}
	deps := accounting.Dependencies{Logger: logger}
	var idempotency integration.IdempotencyStore

	switch cfg.LedgerStore {
	case StorePostgres:
		pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{})
		if err != nil {
			return nil, err
		}
		out.Pool = pool
		out.closers = append(out.closers, pool.Close)
		deps.Repository = accounting.NewRepository(pool)
		deps.Audit = shared.NewAuditLogger(pool)
		deps.Approvals = shared.NewApprovalRecorder(pool, logger)
		out.Mappings = mappings.NewRepository(pool)
		idempotency = shared.NewIdempotencyStore(pool)
	default:
		deps.Repository = accounting.NewMemoryRepository()
		deps.Audit = shared.NewMemoryAuditLog()
		deps.Approvals = shared.NewMemoryApprovals()
		out.Mappings = mappings.NewMemoryRepository()
		idempotency = shared.NewMemoryIdempotency()
	}

	needRedis := cfg.LockBackend == LockRedis || cfg.BalanceCacheTTL > 0
	if needRedis && !InTestMode() {
		client, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPass, DB: cfg.RedisDB})
		switch {
		case err == nil:
			out.Redis = client
			out.closers = append(out.closers, func() { _ = client.Close() })
		case cfg.LockBackend == LockRedis:
			out.Close()
			return nil, fmt.Errorf("app: redis required for %s locks: %w", LockRedis, err)
		default:
			logger.Warn("redis unavailable, balance cache disabled", slog.Any("error", err))
		}
	}

	if cfg.LockBackend == LockRedis {
		if out.Redis == nil {
			out.Close()
			return nil, fmt.Errorf("app: %s locks need a redis connection", LockRedis)
		}
		locker, err := locks.NewRedis(out.Redis, locks.RedisOptions{Expiry: cfg.LockTTL}, logger)
		if err != nil {
			out.Close()
			return nil, err
		}
		deps.Locker = locker
	} else {
		deps.Locker = locks.NewLocal(cfg.LockWait)
	}
	if cfg.BalanceCacheTTL > 0 {
		deps.Cache = cache.NewVersioned(out.Redis, "ledger", cfg.BalanceCacheTTL)
	}
	deps.Metrics = accounting.NewMetrics(registerer)

	out.Service = accounting.NewService(deps, cfg.LedgerOptions())
	out.Hooks = integration.NewHooks(out.Service, out.Mappings, idempotency, logger)
	logger.Info("ledger ready",
		slog.String("store", cfg.LedgerStore),
		slog.String("locks", cfg.LockBackend),
		slog.Bool("balance_cache", deps.Cache.Enabled()),
	)
	return out, nil
}

// Checks returns readiness probes for the wired backends.
func (l *Ledger) Checks() map[string]Pinger {
	checks := make(map[string]Pinger)
	if l == nil {
		return checks
	}
	if l.Pool != nil {
		checks["postgres"] = l.Pool.Ping
	}
	if l.Redis != nil {
		client := l.Redis
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return checks
}

// Close releases pools and clients in reverse order.
func (l *Ledger) Close() {
	if l == nil {
		return
	}
	for i := len(l.closers) - 1; i >= 0; i-- {
		l.closers[i]()
	}
	l.closers = nil
}
