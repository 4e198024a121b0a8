package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/payledger/internal/domain/idempotency"
	"github.com/xenking/payledger/internal/domain/order"
	"github.com/xenking/payledger/internal/domain/payout"
	"github.com/xenking/payledger/internal/domain/risk"
	"github.com/xenking/payledger/internal/storage/memory"
	"github.com/xenking/payledger/internal/storage/postgres"
	redisstore "github.com/xenking/payledger/internal/storage/redis"
	"github.com/xenking/payledger/pkg/health"
)

// expirer purges expired idempotency marks. Redis expires keys itself.
type expirer interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Stores is the selected set of repositories.
type Stores struct {
	Orders    order.Repository
	Sellers   SellerStore
	Payouts   payout.Repository
	Tx        payout.TxRunner
	Keys      idempotency.Store
	Counter   risk.Counter
	Blacklist risk.BlacklistStore

	// Pingers are registered as readiness checks by name.
	Pingers map[string]health.Pinger

	expirer expirer
	closers []func()
}

// SellerStore resolves and registers sellers.
type SellerStore interface {
	order.SellerDirectory
	Upsert(ctx context.Context, s order.Seller) error
}

// Close releases every connection.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// OpenStorage connects the configured storage driver, runs migrations and,
// when Redis is configured, moves the idempotency, velocity and blacklist
// stores there.
func OpenStorage(ctx context.Context, cfg *Config) (*Stores, error) {
	s := &Stores{Pingers: make(map[string]health.Pinger)}

	switch cfg.Storage.Driver {
	case DriverMemory:
		orders := memory.NewOrderRepository()
		keys := memory.NewIdempotencyStore()
		s.Orders = orders
		s.Sellers = memory.NewSellerRepository()
		s.Payouts = memory.NewPayoutRepository(orders)
		s.Tx = memory.NewTxRunner()
		s.Keys = keys
		s.Counter = memory.NewCounter()
		s.Blacklist = memory.NewBlacklistStore()
		s.expirer = keys
	default:
		pool, err := postgres.NewPool(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "create db pool")
		}
		s.closers = append(s.closers, pool.Close)

		if err := postgres.RunMigrations(ctx, pool); err != nil {
			s.Close()
			return nil, errors.Wrap(err, "run migrations")
		}

		keys := postgres.NewIdempotencyStore(pool)
		s.Orders = postgres.NewOrderRepository(pool)
		s.Sellers = postgres.NewSellerRepository(pool)
		s.Payouts = postgres.NewPayoutRepository(pool)
		s.Tx = postgres.NewTxRunner(pool)
		s.Keys = keys
		s.Counter = postgres.NewCounter(pool)
		s.Blacklist = postgres.NewBlacklistStore(pool)
		s.Pingers["postgres"] = pool
		s.expirer = keys
	}

	if cfg.Redis.URL != "" {
		rdb, err := redisstore.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			s.Close()
			return nil, errors.Wrap(err, "connect redis")
		}
		s.closers = append(s.closers, func() { _ = rdb.Close() })

		s.Keys = redisstore.NewIdempotencyStore(rdb)
		s.Counter = redisstore.NewCounter(rdb)
		s.Blacklist = redisstore.NewBlacklistStore(rdb)
		s.Pingers["redis"] = pingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		s.expirer = nil
	}

	return s, nil
}

// PurgeExpired deletes expired idempotency marks every interval until ctx
// is done. It returns immediately for stores that expire keys themselves.
func (s *Stores) PurgeExpired(ctx context.Context, interval time.Duration) error {
	if s.expirer == nil || interval <= 0 {
		return nil
	}
	lg := zctx.From(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.expirer.DeleteExpired(ctx)
			if err != nil {
				lg.Warn("Idempotency purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				lg.Debug("Idempotency marks purged", zap.Int64("count", n))
			}
		}
	}
}
