// Package app assembles the sync core from configuration for the binaries.
package app

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/Unfixab1e/fitfolio/internal/config"
	"github.com/Unfixab1e/fitfolio/internal/domain"
	"github.com/Unfixab1e/fitfolio/internal/gateway"
	"github.com/Unfixab1e/fitfolio/internal/logging"
	"github.com/Unfixab1e/fitfolio/internal/normalize"
	"github.com/Unfixab1e/fitfolio/internal/persistence/memory"
	"github.com/Unfixab1e/fitfolio/internal/persistence/postgres"
	"github.com/Unfixab1e/fitfolio/internal/persistence/sqlite"
	"github.com/Unfixab1e/fitfolio/internal/syncer"
)

// App holds the wired components shared by the API, worker and CLI.
type App struct {
	Config     config.Config
	Logger     *log.Logger
	Store      domain.Store
	Service    *domain.Service
	Operations *syncer.Operations

	// Postgres is set only when STORE_DRIVER=postgres; the outbox dispatcher needs its pool.
	Postgres *postgres.Repository
}

// NewLogger builds the process logger from the LOG_* settings.
func NewLogger(cfg config.Config, prefix string) (*log.Logger, error) {
	return logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
		Prefix: prefix,
	})
}

// OpenStore opens the backend selected by STORE_DRIVER.
func OpenStore(ctx context.Context, cfg config.Config, logger *log.Logger) (domain.Store, *postgres.Repository, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		if cfg.PostgresAutoMigrate {
			if err := postgres.Migrate(cfg.PostgresURL); err != nil {
				return nil, nil, fmt.Errorf("migrate postgres: %w", err)
			}
			logger.Info("postgres migrations applied")
		}
		repo, err := postgres.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return repo, repo, nil
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return store, nil, nil
	case config.DriverMemory:
		logger.Warn("using in-memory store; data is lost on exit")
		return memory.NewStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// New opens the store and wires gateway, normalizer, orchestrator, fleet and operations.
func New(ctx context.Context, cfg config.Config, logger *log.Logger) (*App, error) {
	store, repo, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return Wire(cfg, logger, store, repo, gateway.New(gateway.Config{
		BaseURL:   cfg.GatewayBaseURL,
		Token:     cfg.GatewayToken,
		Timeout:   cfg.GatewayTimeout,
		PageSize:  cfg.GatewayPageSize,
		RateLimit: cfg.GatewayRateLimit,
		RateBurst: cfg.GatewayRateBurst,
	})), nil
}

// Wire assembles an App around an already opened store and fetcher.
func Wire(cfg config.Config, logger *log.Logger, store domain.Store, repo *postgres.Repository, fetcher syncer.Fetcher) *App {
	orchestrator := syncer.NewOrchestrator(store, store, fetcher, normalize.New(),
		syncer.WithLogger(logger.WithPrefix("sync")),
		syncer.WithConcurrentStages(cfg.SyncConcurrentStages),
	)
	fleet := syncer.NewFleet(store, orchestrator,
		syncer.WithWorkers(cfg.FleetWorkers),
		syncer.WithFleetLogger(logger.WithPrefix("fleet")),
	)
	return &App{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Service:    domain.NewService(store, store),
		Operations: syncer.NewOperations(store, store, orchestrator, fleet, logger.WithPrefix("ops")),
		Postgres:   repo,
	}
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}
