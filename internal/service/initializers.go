// File: internal/service/initializers.go
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/internal/config"
	"github.com/xkilldash9x/overmind/internal/enricher"
	"github.com/xkilldash9x/overmind/internal/llmclient"
	"github.com/xkilldash9x/overmind/internal/network"
	"github.com/xkilldash9x/overmind/internal/state"
	"github.com/xkilldash9x/overmind/internal/store"
)

// PoolConfig parses the database URL and applies pool sizing.
func PoolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	if cfg.URL == "" {
		return nil, errors.New("database URL is not configured (hint: check OVERMIND_DATABASE_URL)")
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	return poolConfig, nil
}

// InitializeRepository opens the configured mission repository. The returned
// pool is non-nil only for the postgres driver and is owned by the caller.
func InitializeRepository(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (state.Repository, *pgxpool.Pool, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Warn("No persistent mission store configured; using an in-memory repository. Missions are lost on exit.")
		return state.NewMemoryRepository(), nil, nil

	case config.DriverSQLite:
		path, err := cfg.ResolvedSQLitePath()
		if err != nil {
			return nil, nil, err
		}
		s, err := store.OpenSQLite(ctx, path, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil, nil

	case config.DriverPostgres:
		poolConfig, err := PoolConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
		}
		s, err := store.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to initialize database store: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("PostgreSQL mission store initialized.", zap.Int32("max_conns", poolConfig.MaxConns))
		return s, pool, nil
	}
	return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
}

// InitializeLLMClient builds the tier router. It returns (nil, nil) when no
// models are configured; the Strategist then degrades to its fallback plan.
func InitializeLLMClient(ctx context.Context, cfg config.LLMRouterConfig, logger *zap.Logger) (*llmclient.LLMRouter, error) {
	router, err := llmclient.NewClient(ctx, cfg, logger)
	if errors.Is(err, llmclient.ErrNotConfigured) {
		logger.Warn("No LLM models configured. Planning will fall back to the degenerate plan.")
		return nil, nil
	}
	if err != nil {
		logger.Error("Failed to initialize LLM client.", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	return router, nil
}

// InitializeEnricher wires the web retriever when research is enabled.
func InitializeEnricher(cfg config.EnricherConfig, logger *zap.Logger) *enricher.Enricher {
	if !cfg.Enabled {
		return enricher.New(cfg, nil, logger)
	}
	netCfg := network.NewDefaultClientConfig()
	netCfg.RequestTimeout = cfg.Timeout
	netCfg.Logger = logger
	client := network.NewClient(netCfg)
	return enricher.New(cfg, enricher.NewWebRetriever(cfg, client, logger), logger)
}
