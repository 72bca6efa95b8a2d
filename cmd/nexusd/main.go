// Package main provides the nexusd command.
//
// One binary runs both halves of the assistant: the engine, which owns
// sessions, the LLM router and tool execution, and the gateway, which owns
// the chat surface and keeps working while the engine restarts.
//
// # Basic Usage
//
// Start the engine and the gateway:
//
//	nexusd engine --config nexusd.yaml
//	nexusd gateway --config nexusd.yaml
//
// Talk to a running engine:
//
//	nexusd ctl status
//	nexusd ctl chat --chat-id me "what is on my calendar?"
//
// # Environment Variables
//
//   - NEXUSD_CONFIG: path to the configuration file (default: nexusd.yaml)
//   - NEXUSD_*: overrides for individual keys, e.g. NEXUSD_LLM_DEFAULT_MODEL
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "nexusd.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nexusd",
		Short: "nexusd - personal assistant engine and chat gateway",
		Long: `nexusd runs a personal AI assistant as two processes.

The engine batches chat messages, routes them to LLM providers with
fallback, runs tools and persists conversations. The gateway serves the
web chat socket and buffers traffic on disk while the engine is down.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (or set NEXUSD_CONFIG)")

	rootCmd.AddCommand(
		buildEngineCmd(),
		buildGatewayCmd(),
		buildCtlCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath picks the --config flag, then NEXUSD_CONFIG, then the
// default file name.
func resolveConfigPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); strings.TrimSpace(path) != "" {
		return path
	}
	if path := strings.TrimSpace(os.Getenv("NEXUSD_CONFIG")); path != "" {
		return path
	}
	return defaultConfigName
}
