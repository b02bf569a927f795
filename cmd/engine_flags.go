// File: cmd/engine_flags.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/overmind/internal/config"
)

// engineFlags override orchestrator settings for commands that build an engine.
type engineFlags struct {
	maxRetries int
	maxReplans int
	dbDriver   string
}

func addEngineFlags(cmd *cobra.Command) *engineFlags {
	f := &engineFlags{}
	cmd.Flags().IntVar(&f.maxRetries, "max-retries", 0, "failed attempts per task before it fails (overrides orchestrator.max_retries)")
	cmd.Flags().IntVar(&f.maxReplans, "max-replans", 0, "re-plan attempts per mission (overrides orchestrator.max_replans)")
	cmd.Flags().StringVar(&f.dbDriver, "db-driver", "", "mission store: memory, sqlite or postgres (overrides database.driver)")
	return f
}

// apply pushes explicitly set flags into cfg; untouched flags keep the
// configured values.
func (f *engineFlags) apply(cmd *cobra.Command, cfg config.Interface) error {
	flags := cmd.Flags()
	if flags.Changed("max-retries") {
		if f.maxRetries < 1 {
			return fmt.Errorf("--max-retries must be at least 1, got %d", f.maxRetries)
		}
		cfg.SetOrchestratorMaxRetries(f.maxRetries)
	}
	if flags.Changed("max-replans") {
		if f.maxReplans < 0 {
			return fmt.Errorf("--max-replans cannot be negative, got %d", f.maxReplans)
		}
		cfg.SetOrchestratorMaxReplans(f.maxReplans)
	}
	if flags.Changed("db-driver") {
		switch f.dbDriver {
		case config.DriverMemory, config.DriverSQLite, config.DriverPostgres:
			cfg.SetDatabaseDriver(f.dbDriver)
		default:
			return fmt.Errorf("unsupported --db-driver %q", f.dbDriver)
		}
	}
	return nil
}
