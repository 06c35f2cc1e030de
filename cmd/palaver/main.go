// Package main provides the CLI entry point for the Palaver agent host.
//
// Palaver mediates between browser WebSocket clients, an LLM provider,
// and a remote tool-execution service. Each connection is bound to one
// conversation whose lifecycle the orchestrator drives: reactive chat
// turns with tool calls, or proactive template flows that present items
// and collect widget responses.
//
// Start the server:
//
//	palaver serve --config palaver.yaml
//
// Configuration may reference environment variables, which are
// expanded before the YAML is parsed.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/palaverhq/palaver/internal/observability"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// A JSON logger is in place before the config is even read; serve
	// replaces it with the configured one.
	slog.SetDefault(observability.NewLogger(observability.LogConfig{
		Level:  "info",
		Format: "json",
		Output: os.Stderr,
	}))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "palaver",
		Short:        "Palaver - conversation orchestrator for agent-driven UIs",
		Long:         "Palaver bridges browser WebSocket clients to an LLM provider and a\nremote tool service, orchestrating reactive chat and proactive\ntemplate-driven conversation flows.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}
