// File: internal/mcp/server.go
package mcp

import (
	"context"
	"errors"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/overmind/internal/mission"
	"github.com/xkilldash9x/overmind/internal/state"
	"github.com/xkilldash9x/overmind/internal/tools"
)

// MissionService is the orchestrator surface exposed as MCP tools.
type MissionService interface {
	Submit(ctx context.Context, objective, ownerID string) (string, error)
	GetMission(ctx context.Context, id string) (*mission.Snapshot, error)
	Cancel(ctx context.Context, id string) (state.CancelOutcome, error)
	Tools() []tools.Descriptor
}

// Server exposes mission operations to MCP clients.
type Server struct {
	server   *gomcp.Server
	missions MissionService
	logger   *zap.Logger
}

// NewServer registers the mission tools on a fresh MCP server.
func NewServer(missions MissionService, version string, logger *zap.Logger) (*Server, error) {
	if missions == nil || logger == nil {
		return nil, errors.New("cannot initialize MCP server with nil dependencies")
	}
	if version == "" {
		version = "dev"
	}
	s := &Server{
		server:   gomcp.NewServer(&gomcp.Implementation{Name: "overmind", Version: version}, nil),
		missions: missions,
		logger:   logger.Named("mcp"),
	}
	s.registerTools()
	return s, nil
}

// Run serves over stdio until the client disconnects or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("MCP server listening on stdio")
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying server, for in-memory transports.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "submit_mission",
		Description: "Submit a natural-language objective. The mission is planned and executed in the background; returns its id.",
	}, s.handleSubmitMission)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_mission",
		Description: "Get a mission's status and the tasks of its active plan, including task results and errors.",
	}, s.handleGetMission)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "cancel_mission",
		Description: "Request cooperative cancellation. Returns accepted, or alreadyTerminal when the mission has finished.",
	}, s.handleCancelMission)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_tools",
		Description: "List the tools plans may reference, with their required inputs.",
	}, s.handleListTools)
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}
