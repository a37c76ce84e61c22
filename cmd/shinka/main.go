// Command shinka runs the shinka MCP server over stdio, exposing the
// scoring and inspection tools to MCP-compatible agents.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/shinka-ai/shinka"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SHINKA_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	// Stdout carries the MCP stdio transport; logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	app, err := shinka.New(
		shinka.WithLogger(logger),
		shinka.WithVersion(version),
		shinka.WithMCP(),
	)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer func() {
		if err := app.Close(context.Background()); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- mcpserver.ServeStdio(app.MCPServer())
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp serve: %w", err)
		}
		return nil
	}
}
