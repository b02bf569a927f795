// File: cmd/engine_flags_test.go
package cmd

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/overmind/internal/config"
	"github.com/xkilldash9x/overmind/internal/mission"
	"github.com/xkilldash9x/overmind/internal/mocks"
)

func parseEngineFlags(t *testing.T, args ...string) (*cobra.Command, *engineFlags) {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	f := addEngineFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, f
}

func TestEngineFlags_ApplyChangedOnly(t *testing.T) {
	cmd, f := parseEngineFlags(t, "--max-retries", "5", "--max-replans", "0")

	cfg := new(mocks.MockConfig)
	cfg.On("SetOrchestratorMaxRetries", 5).Return()
	cfg.On("SetOrchestratorMaxReplans", 0).Return()

	require.NoError(t, f.apply(cmd, cfg))
	cfg.AssertExpectations(t)
	cfg.AssertNotCalled(t, "SetDatabaseDriver", "")
}

func TestEngineFlags_NothingSetLeavesConfig(t *testing.T) {
	cmd, f := parseEngineFlags(t)
	cfg := new(mocks.MockConfig)
	require.NoError(t, f.apply(cmd, cfg))
	cfg.AssertExpectations(t)
	assert.Empty(t, cfg.Calls)
}

func TestEngineFlags_AppliesToConcreteConfig(t *testing.T) {
	cmd, f := parseEngineFlags(t, "--max-retries", "2", "--db-driver", config.DriverSQLite)
	cfg := config.NewDefaultConfig()
	replans := cfg.Orchestrator().MaxReplans

	require.NoError(t, f.apply(cmd, cfg))
	assert.Equal(t, 2, cfg.Orchestrator().MaxRetries)
	assert.Equal(t, replans, cfg.Orchestrator().MaxReplans)
	assert.Equal(t, config.DriverSQLite, cfg.Database().Driver)
}

func TestEngineFlags_RejectsInvalidValues(t *testing.T) {
	for name, args := range map[string][]string{
		"ZeroRetries":     {"--max-retries", "0"},
		"NegativeReplans": {"--max-replans", "-1"},
		"UnknownDBDriver": {"--db-driver", "mysql"},
	} {
		t.Run(name, func(t *testing.T) {
			cmd, f := parseEngineFlags(t, args...)
			cfg := new(mocks.MockConfig)
			assert.Error(t, f.apply(cmd, cfg))
			assert.Empty(t, cfg.Calls)
		})
	}
}

// The engine flags reach the in-process run: with no retries left the
// mission still ends through the normal failure path.
func TestSubmitCmd_InProcessAcceptsEngineFlags(t *testing.T) {
	out, err := runCommand(t, "submit", "research something", "--max-retries", "1", "--max-replans", "0")
	require.Error(t, err)
	assert.Contains(t, out, string(mission.EventMissionFailed))
}

func TestServeCmd_RejectsInvalidEngineFlag(t *testing.T) {
	_, err := runCommand(t, "serve", "--listen", "127.0.0.1:0", "--max-retries", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--max-retries")
}
