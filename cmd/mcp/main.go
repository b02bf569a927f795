// File: cmd/mcp/main.go
// Standalone MCP entrypoint for clients that launch a bare binary over stdio.
// Equivalent to `overmind mcp`; flags such as --config pass through.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/overmind/cmd"
	"github.com/xkilldash9x/overmind/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cmd.NewRootCommand()
	root.SetArgs(append([]string{"mcp"}, os.Args[1:]...))

	err := root.ExecuteContext(ctx)
	observability.Sync()
	if err != nil && !errors.Is(err, context.Canceled) {
		// stdout belongs to the protocol.
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
