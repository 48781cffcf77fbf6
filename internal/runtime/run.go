package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/steward/internal/reply"
	"github.com/haasonsaas/steward/internal/scheduler"
	"github.com/haasonsaas/steward/internal/sessions"
)

// heartbeatTaskID is the fixed id of the config-seeded heartbeat, so a
// restart replaces the previous schedule instead of stacking a new one.
const heartbeatTaskID = "heartbeat"

// defaultHeartbeatPrompt runs when config enables the heartbeat without
// naming its own prompt.
const defaultHeartbeatPrompt = "Review recent conversation and upcoming reminders. " +
	"If something needs the user's attention, say so briefly. " +
	"If nothing does, reply with exactly " + reply.HeartbeatToken + "."

// Start brings the process up: profile watcher, transports, then the
// scheduler last so the first task to fire finds a transport listening.
func (s *Services) Start(ctx context.Context) error {
	if err := s.Persona.Watch(ctx); err != nil {
		return fmt.Errorf("start profile watcher: %w", err)
	}
	if s.Telegram != nil {
		if err := s.Telegram.Start(ctx); err != nil {
			return fmt.Errorf("start telegram adapter: %w", err)
		}
	}
	if s.Server != nil {
		if err := s.Server.Start(ctx); err != nil {
			return fmt.Errorf("start admin server: %w", err)
		}
	}
	if err := s.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	s.Logger.Info("steward started",
		"version", s.version,
		"provider", s.Gateway.Name(),
		"tools", len(s.Tools.Names()),
		"telegram", s.Telegram != nil,
		"admin", s.Server != nil,
	)
	return nil
}

// Stop tears the process down in reverse order. Every subsystem is asked to
// stop even when an earlier one fails; the first error wins.
func (s *Services) Stop(ctx context.Context) error {
	var errs []error

	if err := s.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if s.Server != nil {
		if err := s.Server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop admin server: %w", err))
		}
	}
	if s.Telegram != nil {
		if err := s.Telegram.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop telegram adapter: %w", err))
		}
	}
	if err := s.Persona.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close profile watcher: %w", err))
	}
	if err := s.Memory.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close memory store: %w", err))
	}
	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close session store: %w", err))
	}
	if s.stopTracer != nil {
		if err := s.stopTracer(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush tracer: %w", err))
		}
	}

	if len(errs) == 0 {
		s.Logger.Info("steward stopped")
	}
	return errors.Join(errs...)
}

// runScheduledTask is the scheduler callback: run the task's prompt through
// a full agent turn as the owning user, then deliver the reply unsolicited.
// Quiet heartbeat answers are dropped instead of delivered.
func (s *Services) runScheduledTask(ctx context.Context, task *scheduler.ScheduledTask) error {
	userKey := task.UserKey
	if userKey == "" {
		userKey = s.ownerKey
	}
	if userKey == "" {
		return fmt.Errorf("task %s: no user key and no owner configured", task.ID)
	}

	answer, err := s.conv.HandleMessage(ctx, sessions.IncomingMessage{
		UserKey:    userKey,
		Text:       task.PromptText,
		MessageRef: "task_" + task.ID,
	})
	if err != nil {
		return fmt.Errorf("task %s turn: %w", task.ID, err)
	}

	text, quiet := reply.Normalize(answer)
	if quiet {
		s.Logger.Debug("scheduled reply suppressed", "task_id", task.ID, "kind", string(task.Kind))
		return nil
	}
	if s.transport == nil {
		s.Logger.Info("scheduled reply has no transport", "task_id", task.ID, "name", task.Name)
		return nil
	}

	msg := fmt.Sprintf("**Scheduled: %s**\n\n%s", task.Name, text)
	if err := s.transport.Deliver(ctx, userKey, msg); err != nil {
		return fmt.Errorf("deliver task %s: %w", task.ID, err)
	}
	if s.Server != nil {
		s.Server.Hub().Publish("task.fired", map[string]any{
			"id":   task.ID,
			"name": task.Name,
			"kind": string(task.Kind),
		})
	}
	return nil
}

// seedTasks reconciles the config-owned tasks with the schedule. The
// heartbeat belongs to config alone, so disabling it removes the task; the
// daily briefing can also come from the setup_daily_briefing tool, so
// config only ever adds it.
func (s *Services) seedTasks() error {
	hb := s.cfg.Scheduler.Heartbeat
	if hb.Enabled {
		prompt := hb.Prompt
		if prompt == "" {
			prompt = defaultHeartbeatPrompt
		}
		task := scheduler.NewHeartbeat(s.ownerKey, prompt, hb.Every)
		task.ID = heartbeatTaskID
		task.ActiveWindow = &scheduler.ActiveWindow{StartHour: hb.ActiveStart, EndHour: hb.ActiveEnd}
		if err := s.Scheduler.Add(task); err != nil {
			return fmt.Errorf("seed heartbeat: %w", err)
		}
	} else {
		s.Scheduler.Remove(heartbeatTaskID)
	}

	if db := s.cfg.Scheduler.DailyBriefing; db.Enabled {
		task := scheduler.NewDailyBriefing(s.ownerKey, db.Hour, db.Minute)
		if _, exists := s.Scheduler.Get(task.ID); !exists {
			if err := s.Scheduler.Add(task); err != nil {
				return fmt.Errorf("seed daily briefing: %w", err)
			}
		}
	}
	return nil
}
