// File: cmd/serve.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/internal/config"
	"github.com/xkilldash9x/overmind/internal/mcp"
	"github.com/xkilldash9x/overmind/internal/observability"
	"github.com/xkilldash9x/overmind/internal/server"
	"github.com/xkilldash9x/overmind/internal/service"
)

func newServeCmd() *cobra.Command {
	var listen string
	var engine *engineFlags
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration engine behind the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfig(ctx)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ServerCfg.ListenAddr = listen
			}
			if err := engine.apply(cmd, cfg); err != nil {
				return err
			}

			components, err := service.NewComponentFactory().Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer shutdownComponents(components, logger)

			srv, err := server.New(cfg.Server(), components.Orchestrator, logger)
			if err != nil {
				return err
			}
			return srv.Start(ctx)
		},
	}
	serveCmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen_addr)")
	engine = addEngineFlags(serveCmd)
	return serveCmd
}

func newMCPCmd() *cobra.Command {
	var engine *engineFlags
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve mission tools over the Model Context Protocol on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd.Context())
			if err != nil {
				return err
			}
			if err := engine.apply(cmd, cfg); err != nil {
				return err
			}
			return runMCP(cmd.Context(), cfg, observability.GetLogger())
		},
	}
	engine = addEngineFlags(mcpCmd)
	return mcpCmd
}

// runMCP builds the engine and serves it over stdio until ctx is done or the
// client disconnects.
func runMCP(ctx context.Context, cfg config.Interface, logger *zap.Logger) error {
	components, err := service.NewComponentFactory().Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer shutdownComponents(components, logger)

	srv, err := mcp.NewServer(components.Orchestrator, Version, logger)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// shutdownComponents uses a fresh context: the command context is usually
// already cancelled by the time teardown runs.
func shutdownComponents(c *service.Components, logger *zap.Logger) {
	if err := c.Shutdown(context.Background()); err != nil {
		logger.Warn("Shutdown completed with errors.", zap.Error(err))
	}
}
