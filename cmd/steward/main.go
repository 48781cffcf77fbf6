// Package main provides the CLI entry point for the Steward personal agent.
//
// Steward connects a single owner's Telegram chat to an LLM provider
// (Anthropic, OpenAI, Google) with tool execution behind an approval gate,
// long-term memory, and a scheduler for reminders, cron jobs, heartbeats,
// and the daily briefing.
//
// # Basic Usage
//
// Start the agent:
//
//	steward serve --config steward.yaml
//
// Check a configuration file:
//
//	steward validate --config steward.yaml
//
// List scheduled tasks:
//
//	steward tasks
//
// # Environment Variables
//
//   - STEWARD_CONFIG: Path to configuration file (default: steward.yaml)
//   - Provider keys and the Telegram token are referenced from the config
//     file as ${VAR} and expanded at load time.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// defaultConfigName is the config file looked up in the working directory
// when neither --config nor STEWARD_CONFIG is given.
const defaultConfigName = "steward.yaml"

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
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "steward",
		Short: "Steward - personal AI agent for a single owner",
		Long: `Steward runs a single-owner conversational agent: a Telegram front end,
an LLM provider behind a streaming gateway, a belt of tools gated by
chat approvals, long-term memory, and a task scheduler for reminders,
cron jobs, heartbeats, and the daily briefing.

Documentation: https://github.com/haasonsaas/steward`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildValidateCmd(),
		buildTasksCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// resolveConfigPath honors STEWARD_CONFIG when the --config flag was left
// at its default.
func resolveConfigPath(path string) string {
	if path != defaultConfigName {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("STEWARD_CONFIG")); env != "" {
		return env
	}
	return path
}
