package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs the agent runtime.
// This is the primary command for running steward in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the steward agent",
		Long: `Run the steward agent with every configured subsystem.

The process will:
1. Load configuration from the specified file (or steward.yaml)
2. Build the LLM provider, tool belt, approval gate, and session manager
3. Open the session, memory, and task stores
4. Start the Telegram adapter and the admin API when enabled
5. Start the scheduler and seed the heartbeat and daily briefing

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  steward serve

  # Start with custom config
  steward serve --config /etc/steward/production.yaml

  # Start with debug logging
  steward serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// buildValidateCmd creates the "validate" command for checking a config
// file without starting anything.
func buildValidateCmd() *cobra.Command {
	var (
		configPath  string
		printSchema bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file",
		Long: `Load a configuration file, check it against the generated JSON schema
and the runtime range checks, and print a short summary.`,
		Example: `  # Check the default config
  steward validate

  # Check a specific file
  steward validate --config /etc/steward/production.yaml

  # Print the configuration JSON schema for editor tooling
  steward validate --schema`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, resolveConfigPath(configPath), printSchema)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().BoolVar(&printSchema, "schema", false,
		"Print the configuration JSON schema and exit")

	return cmd
}

// buildTasksCmd creates the "tasks" command that lists scheduled tasks
// from the task file the config names.
func buildTasksCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List scheduled tasks",
		Long: `Read the task file named by the configuration and list every scheduled
task with its schedule and next run time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(cmd, resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")

	return cmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "steward %s (commit: %s, built: %s)\n",
				version, commit, date)
		},
	}
}
