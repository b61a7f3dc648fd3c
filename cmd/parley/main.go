// Package main provides the CLI entry point for the Parley conversation
// server.
//
// Parley runs one shared turn engine behind two client surfaces: a terminal
// REPL and an HTTP/WebSocket API for web clients.
//
// # Basic Usage
//
// Start the server:
//
//	parley serve --config parley.yaml
//
// Chat from the terminal without a server:
//
//	parley repl
//
// # Environment Variables
//
//   - PARLEY_CONFIG: Path to configuration file (default: parley.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "Parley - conversational agent server",
		Long: `Parley orchestrates model turns with streaming output, tool execution,
and approval gating for destructive operations.

One engine serves both clients: the terminal REPL and the web client
connected over WebSocket.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildReplCmd(),
	)
	return rootCmd
}

// resolveConfigPath applies the PARLEY_CONFIG fallback when no flag was set.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("PARLEY_CONFIG"); env != "" {
		return env
	}
	return "parley.yaml"
}
