package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/steward/internal/config"
	"github.com/haasonsaas/steward/internal/runtime"
	"github.com/haasonsaas/steward/internal/scheduler"
)

// runServe implements the serve command logic: configuration loading,
// runtime construction, and graceful shutdown on SIGINT/SIGTERM.
func runServe(ctx context.Context, configPath string, debug bool) error {
	slog.Info("starting steward",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	// Create a context that cancels on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svcs, err := runtime.New(ctx, runtime.Options{
		Config:  cfg,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("initialize runtime: %w", err)
	}

	if err := svcs.Start(ctx); err != nil {
		// Release whatever came up before the failure.
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = svcs.Stop(stopCtx)
		return err
	}

	// Block until a shutdown signal arrives.
	<-ctx.Done()
	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := svcs.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// runValidate implements the validate command logic.
func runValidate(cmd *cobra.Command, configPath string, printSchema bool) error {
	out := cmd.OutOrStdout()

	if printSchema {
		schema, err := config.JSONSchema()
		if err != nil {
			return fmt.Errorf("generate schema: %w", err)
		}
		fmt.Fprintln(out, string(schema))
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	model := cfg.LLM.Model
	if model == "" {
		model = "(provider default)"
	}
	fmt.Fprintf(out, "Configuration OK: %s\n", configPath)
	fmt.Fprintf(out, "  provider:  %s, model %s\n", cfg.LLM.Provider, model)
	fmt.Fprintf(out, "  sessions:  %s\n", cfg.Database.Driver)
	fmt.Fprintf(out, "  telegram:  %s\n", enabledWord(cfg.Telegram.Enabled))
	fmt.Fprintf(out, "  admin api: %s\n", enabledWord(cfg.Server.Enabled))
	fmt.Fprintf(out, "  heartbeat: %s\n", enabledWord(cfg.Scheduler.Heartbeat.Enabled))
	fmt.Fprintf(out, "  briefing:  %s\n", enabledWord(cfg.Scheduler.DailyBriefing.Enabled))
	return nil
}

func enabledWord(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

// runTasks implements the tasks command logic.
func runTasks(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sched, err := scheduler.New(cfg.Scheduler.TasksFile)
	if err != nil {
		return fmt.Errorf("open task file: %w", err)
	}

	tasks := sched.List()
	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No scheduled tasks.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tNAME\tUSER\tSCHEDULE\tENABLED\tNEXT RUN")
	for _, task := range tasks {
		schedule := task.CronExpr
		if !task.Kind.CronDriven() && task.ScheduledAt != nil {
			schedule = task.ScheduledAt.Format(time.RFC3339)
		}
		user := task.UserKey
		if user == "" {
			user = "-"
		}
		next := "-"
		if task.NextRun != nil {
			next = task.NextRun.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			task.ID, task.Kind, task.Name, user, schedule, task.Enabled, next)
	}
	return w.Flush()
}
