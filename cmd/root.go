// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/overmind/internal/config"
	"github.com/xkilldash9x/overmind/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

var cfgFile string

// NewRootCommand builds a fresh command tree. Each call returns an
// independent tree so tests never share flag state.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "overmind",
		Short:         "Overmind plans and executes multi-step missions from natural-language objectives.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.Initialize(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "overmind"}, zapcore.Lock(os.Stderr))
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			// stdout carries command output; logs go to stderr.
			observability.Initialize(cfg.Logger(), zapcore.Lock(os.Stderr))
			observability.GetLogger().Debug("Starting overmind", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSubmitCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newEventsCmd())
	rootCmd.AddCommand(newToolsCmd())
	rootCmd.AddCommand(newMCPCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the command tree with a signal-aware context.
func Execute(ctx context.Context) error {
	defer observability.Sync()
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// initializeConfig loads .env, then the config file, then OVERMIND_* env vars.
func initializeConfig(v *viper.Viper) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error loading .env file: %w", err)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("OVERMIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// getConfig returns the configuration stored by PersistentPreRunE.
func getConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not initialized")
	}
	return cfg, nil
}
