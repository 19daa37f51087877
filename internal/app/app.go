// Package app assembles the service graph from configuration. Both the API
// server and the operator CLI build on it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/tenantledger/internal/audit"
	"github.com/punchamoorthee/tenantledger/internal/cache"
	"github.com/punchamoorthee/tenantledger/internal/config"
	"github.com/punchamoorthee/tenantledger/internal/idempotency"
	"github.com/punchamoorthee/tenantledger/internal/payroll"
	"github.com/punchamoorthee/tenantledger/internal/service"
	"github.com/punchamoorthee/tenantledger/internal/store"
	"go.uber.org/zap"
)

const cacheSweepInterval = 5 * time.Minute

type App struct {
	Config       *config.Config
	Store        store.Store
	Locker       store.Locker
	Cache        cache.Cache
	Wallets      *service.WalletService
	Guard        *idempotency.Guard
	Orchestrator *payroll.Orchestrator
	Relay        *payroll.Relay

	pg      *store.Postgres
	closers []func() error
	logger  *zap.Logger
}

// New connects the configured backends. Callers must Close the result.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		a.Store = store.NewMemory()
		a.Locker = store.NewMemoryLocker()
		logger.Warn("using in-process store; balances are lost on exit")
	default:
		pg, err := store.NewPostgres(ctx, cfg.DBSource)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pg = pg
		a.Store = pg
		a.Locker = store.NewAdvisoryLocker(pg.Db)
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
	}

	switch cfg.CacheBackend {
	case config.BackendMemory:
		a.Cache = cache.NewMemory()
	default:
		b, err := cache.OpenBadger(cache.BadgerConfig{
			Path:       cfg.CachePath,
			InMemory:   cfg.CachePath == "",
			Logger:     logger,
			GCInterval: 10 * time.Minute,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open badger cache: %w", err)
		}
		a.Cache = b
		a.closers = append(a.closers, b.Close)
	}

	sink := audit.Tee{audit.NewLogSink(logger), audit.NewStoreSink(a.Store, logger)}

	a.Wallets = service.NewWalletService(a.Store, logger)
	a.Guard = idempotency.NewGuard(a.Cache, idempotency.Config{
		TTL:        cfg.IdempotencyTTL,
		StaleAfter: cfg.IdempotencyStaleAfter,
	}, logger)
	a.Orchestrator = payroll.NewOrchestrator(a.Store, a.Locker, a.Wallets, sink, payroll.Config{
		LockID:            cfg.PayrollLockID,
		BatchSize:         cfg.PayrollBatchSize,
		TenantConcurrency: cfg.PayrollTenantConcurrency,
	}, logger)
	a.Relay = payroll.NewRelay(a.Store, a.Locker, a.Wallets, payroll.NewLogGateway(logger), sink, payroll.RelayConfig{
		LockID:     cfg.PayrollLockID + 1,
		RatePerSec: cfg.RelayRatePerSec,
		BatchSize:  cfg.PayrollBatchSize,
	}, logger)

	return a, nil
}

// Migrate applies the schema. It is a no-op for the memory backend.
func (a *App) Migrate(ctx context.Context) error {
	if a.pg == nil {
		return nil
	}
	return a.pg.Migrate(ctx)
}

// Jobs returns the periodic work the server runs in the background.
func (a *App) Jobs() []payroll.Job {
	jobs := []payroll.Job{
		payroll.CycleJob(a.Orchestrator, a.Config.PayrollInterval),
		payroll.RelayJob(a.Relay, a.Config.RelayInterval),
	}
	if mem, ok := a.Cache.(*cache.Memory); ok {
		jobs = append(jobs, payroll.Job{
			Name:     "cache-sweep",
			Interval: cacheSweepInterval,
			Run: func(context.Context) error {
				if n := mem.Sweep(); n > 0 {
					a.logger.Debug("swept expired cache entries", zap.Int("count", n))
				}
				return nil
			},
		})
	}
	return jobs
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("shutdown step failed", zap.Error(err))
		}
	}
	a.closers = nil
}
