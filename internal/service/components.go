// File: internal/service/components.go
package service

import (
	"context"
	"errors"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/internal/bus"
	"github.com/xkilldash9x/overmind/internal/orchestrator"
	"github.com/xkilldash9x/overmind/internal/state"
	"github.com/xkilldash9x/overmind/internal/tools"
)

// Components holds every long-lived object of a running engine.
type Components struct {
	Orchestrator *orchestrator.Orchestrator
	State        *state.Manager
	Bus          *bus.EventBus
	Tools        *tools.Registry
	Repository   state.Repository
	DBPool       *pgxpool.Pool

	llm    io.Closer
	logger *zap.Logger
}

// Shutdown tears components down in reverse dependency order. It is safe on
// a partially built set.
func (c *Components) Shutdown(ctx context.Context) error {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	var errs []error
	if c.Orchestrator != nil {
		if err := c.Orchestrator.Shutdown(ctx); err != nil {
			logger.Warn("Orchestrator did not stop cleanly.", zap.Error(err))
			errs = append(errs, err)
		} else {
			logger.Debug("Orchestrator stopped.")
		}
	}

	if c.Bus != nil {
		c.Bus.Shutdown()
		logger.Debug("Event bus shut down.")
	}

	if c.llm != nil {
		if err := c.llm.Close(); err != nil {
			logger.Warn("Error closing LLM clients.", zap.Error(err))
			errs = append(errs, err)
		}
	}

	if c.Repository != nil {
		if err := c.Repository.Close(); err != nil {
			logger.Warn("Error closing repository.", zap.Error(err))
			errs = append(errs, err)
		}
	}

	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down.")
	return errors.Join(errs...)
}
