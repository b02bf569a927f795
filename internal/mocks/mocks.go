// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/overmind/api/schemas"
	"github.com/xkilldash9x/overmind/internal/config"
	"github.com/xkilldash9x/overmind/internal/enricher"
	"github.com/xkilldash9x/overmind/internal/tools"
)

var (
	_ config.Interface   = (*MockConfig)(nil)
	_ schemas.LLMClient  = (*MockLLMClient)(nil)
	_ tools.Capability   = (*MockCapability)(nil)
	_ enricher.Retriever = (*MockRetriever)(nil)
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

func (m *MockConfig) Logger() config.LoggerConfig {
	return m.Called().Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	return m.Called().Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Orchestrator() config.OrchestratorConfig {
	return m.Called().Get(0).(config.OrchestratorConfig)
}

func (m *MockConfig) Bus() config.BusConfig {
	return m.Called().Get(0).(config.BusConfig)
}

func (m *MockConfig) Enricher() config.EnricherConfig {
	return m.Called().Get(0).(config.EnricherConfig)
}

func (m *MockConfig) LLM() config.LLMRouterConfig {
	return m.Called().Get(0).(config.LLMRouterConfig)
}

func (m *MockConfig) Tools() config.ToolsConfig {
	return m.Called().Get(0).(config.ToolsConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	return m.Called().Get(0).(config.ServerConfig)
}

func (m *MockConfig) SetOrchestratorMaxRetries(n int) { m.Called(n) }
func (m *MockConfig) SetOrchestratorMaxReplans(n int) { m.Called(n) }
func (m *MockConfig) SetDatabaseDriver(d string)      { m.Called(d) }

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

// Generate provides a mock function for LLM calls.
func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	return m.Called().Error(0)
}

// -- Tool Mock --

// MockCapability mocks a synchronous tools.Capability. Desc is returned
// from Descriptor without recording a call.
type MockCapability struct {
	mock.Mock
	Desc tools.Descriptor
}

func (m *MockCapability) Descriptor() tools.Descriptor {
	if m.Desc.Mode == "" {
		m.Desc.Mode = tools.ModeSync
	}
	return m.Desc
}

func (m *MockCapability) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	args := m.Called(ctx, input)
	var out json.RawMessage
	if v := args.Get(0); v != nil {
		out = v.(json.RawMessage)
	}
	return out, args.Error(1)
}

// -- Retriever Mock --

// MockRetriever mocks the enricher.Retriever interface.
type MockRetriever struct {
	mock.Mock
}

func (m *MockRetriever) Retrieve(ctx context.Context, objective string) ([]enricher.Snippet, error) {
	args := m.Called(ctx, objective)
	var out []enricher.Snippet
	if v := args.Get(0); v != nil {
		out = v.([]enricher.Snippet)
	}
	return out, args.Error(1)
}
