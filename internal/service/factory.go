// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/api/schemas"
	"github.com/xkilldash9x/overmind/internal/bus"
	"github.com/xkilldash9x/overmind/internal/config"
	"github.com/xkilldash9x/overmind/internal/executor"
	"github.com/xkilldash9x/overmind/internal/orchestrator"
	"github.com/xkilldash9x/overmind/internal/state"
	"github.com/xkilldash9x/overmind/internal/strategist"
	"github.com/xkilldash9x/overmind/internal/tools"
)

// ComponentFactory builds a running engine from configuration.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

type concreteFactory struct{}

// NewComponentFactory returns the default factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create wires the repository, bus, state manager, tools, enricher,
// strategist, operator and orchestrator, then fails missions a previous
// process left unfinished.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{logger: logger}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			_ = components.Shutdown(context.Background())
		}
	}()

	repo, pool, err := InitializeRepository(ctx, cfg.Database(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Repository = repo
	components.DBPool = pool
	logger.Debug("Mission repository initialized.", zap.String("driver", cfg.Database().Driver))

	components.Bus = bus.New(logger, cfg.Bus().SubscriberBuffer)

	manager, err := state.NewManager(repo, components.Bus, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create state manager: %w", err)
		return nil, initializationErr
	}
	components.State = manager

	router, err := InitializeLLMClient(ctx, cfg.LLM(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	// A nil router must stay a nil interface.
	var llm schemas.LLMClient
	if router != nil {
		llm = router
		components.llm = router
	}

	registry := tools.NewRegistry(logger)
	if err := tools.RegisterBuiltins(registry, cfg.Tools(), llm, logger); err != nil {
		initializationErr = fmt.Errorf("failed to register built-in tools: %w", err)
		return nil, initializationErr
	}
	components.Tools = registry
	logger.Debug("Tool registry initialized.", zap.Int("tools", len(registry.List())))

	orchCfg := cfg.Orchestrator()
	planner := strategist.New(llm, registry, orchCfg.MaxPlanTasks, logger)
	operator := executor.New(manager, registry, executor.ConfigFrom(orchCfg), logger)

	orch, err := orchestrator.New(orchCfg, logger, orchestrator.Dependencies{
		State:    manager,
		Bus:      components.Bus,
		Enricher: InitializeEnricher(cfg.Enricher(), logger),
		Planner:  planner,
		Runner:   operator,
		Tools:    registry,
	})
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator: %w", err)
		return nil, initializationErr
	}
	components.Orchestrator = orch

	recovered, err := orch.Recover(ctx)
	if err != nil {
		initializationErr = fmt.Errorf("failed to recover interrupted missions: %w", err)
		return nil, initializationErr
	}
	if recovered > 0 {
		logger.Warn("Failed missions interrupted by a previous shutdown.", zap.Int("count", recovered))
	}

	logger.Info("All components initialized successfully.")
	return components, nil
}
