// Package remind exposes the scheduler as chat tools: set_reminder,
// list_reminders, cancel_reminder, add_cron_task, and setup_daily_briefing.
// Tasks belong to the acting user, taken from the request context when the
// transport stamped one and falling back to the configured owner otherwise.
package remind

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/observability"
	"github.com/haasonsaas/steward/internal/scheduler"
	"github.com/haasonsaas/steward/pkg/models"
)

const timeFormat = "2006-01-02 15:04"

// userKey resolves the acting user for a tool call.
func userKey(ctx context.Context, fallback string) (string, error) {
	if key, ok := observability.UserKeyFromContext(ctx); ok {
		return key, nil
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("no user associated with this request")
}

// parseWhen resolves a user time expression: natural phrases first, RFC 3339
// as the escape hatch.
func parseWhen(expr string, now time.Time) (time.Time, error) {
	if at, ok := scheduler.ParseNaturalTime(expr, now); ok {
		return at, nil
	}
	if at, err := time.Parse(time.RFC3339, expr); err == nil {
		return at, nil
	}
	return time.Time{}, fmt.Errorf("could not parse time %q: try 'in 30 minutes', 'tomorrow at 9am', or RFC 3339", expr)
}

func kindEmoji(kind scheduler.TaskKind) string {
	switch kind {
	case scheduler.KindReminder:
		return "⏰"
	case scheduler.KindCron:
		return "🔄"
	case scheduler.KindDailyBriefing:
		return "📰"
	case scheduler.KindHeartbeat:
		return "💓"
	case scheduler.KindOneShot:
		return "📌"
	}
	return "📋"
}

// truncatePrompt keeps list output to one line per task.
func truncatePrompt(s string) string {
	r := []rune(s)
	if len(r) <= 50 {
		return s
	}
	return string(r[:50]) + "..."
}

// SetReminderTool schedules a one-shot reminder.
type SetReminderTool struct {
	sched           *scheduler.Scheduler
	fallbackUserKey string
	now             func() time.Time
}

// NewSetReminderTool wraps sched. fallbackUserKey owns reminders when the
// context carries no user.
func NewSetReminderTool(sched *scheduler.Scheduler, fallbackUserKey string) *SetReminderTool {
	return &SetReminderTool{sched: sched, fallbackUserKey: fallbackUserKey, now: time.Now}
}

func (t *SetReminderTool) Name() string { return "set_reminder" }

func (t *SetReminderTool) Description() string {
	return "Set a one-time reminder. The time can be natural language ('in 30 minutes', 'tomorrow at 9am') or RFC 3339."
}

func (t *SetReminderTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"message": {
				"type": "string",
				"description": "What to remind the user about"
			},
			"time_expression": {
				"type": "string",
				"description": "When to fire, e.g. 'in 2 hours', 'tomorrow at 9am', or '2026-03-01T09:00:00Z'"
			}
		},
		"required": ["message", "time_expression"]
	}`)
}

func (t *SetReminderTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	var params struct {
		Message        string `json:"message"`
		TimeExpression string `json:"time_expression"`
	}
	if err := agent.DecodeArgs(args, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Message) == "" {
		return nil, fmt.Errorf("message is required")
	}
	if strings.TrimSpace(params.TimeExpression) == "" {
		return nil, fmt.Errorf("time_expression is required")
	}

	key, err := userKey(ctx, t.fallbackUserKey)
	if err != nil {
		return &models.ToolResult{Error: err.Error()}, nil
	}
	now := t.now()
	at, err := parseWhen(params.TimeExpression, now)
	if err != nil {
		return &models.ToolResult{Error: err.Error()}, nil
	}
	if !at.After(now) {
		return &models.ToolResult{Error: fmt.Sprintf("%s is in the past", at.Format(timeFormat))}, nil
	}

	task := scheduler.NewReminder(key, params.Message, at)
	if err := t.sched.Add(task); err != nil {
		return &models.ToolResult{Error: fmt.Sprintf("could not schedule: %v", err)}, nil
	}
	return &models.ToolResult{
		Success: true,
		Output: fmt.Sprintf("⏰ **Reminder set!**\n- **Message:** %s\n- **Time:** %s\n- **ID:** %s",
			params.Message, at.Format(timeFormat), task.ID),
		Data: task,
	}, nil
}

// ListRemindersTool lists the acting user's scheduled tasks.
type ListRemindersTool struct {
	sched           *scheduler.Scheduler
	fallbackUserKey string
}

// NewListRemindersTool wraps sched.
func NewListRemindersTool(sched *scheduler.Scheduler, fallbackUserKey string) *ListRemindersTool {
	return &ListRemindersTool{sched: sched, fallbackUserKey: fallbackUserKey}
}

func (t *ListRemindersTool) Name() string { return "list_reminders" }

func (t *ListRemindersTool) Description() string {
	return "List scheduled reminders, cron tasks, and briefings, soonest first."
}

func (t *ListRemindersTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *ListRemindersTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	key, err := userKey(ctx, t.fallbackUserKey)
	if err != nil {
		return &models.ToolResult{Error: err.Error()}, nil
	}

	var tasks []*scheduler.ScheduledTask
	for _, task := range t.sched.List() {
		if !task.Enabled {
			continue
		}
		if task.UserKey != "" && task.UserKey != key {
			continue
		}
		tasks = append(tasks, task)
	}
	if len(tasks) == 0 {
		return &models.ToolResult{Success: true, Output: "No scheduled tasks or reminders.", Data: tasks}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Scheduled Tasks (%d):**\n", len(tasks))
	for _, task := range tasks {
		next := "Not scheduled"
		if task.NextRun != nil {
			next = task.NextRun.Format(timeFormat)
		}
		fmt.Fprintf(&b, "%s **%s** (ID: %s)\n   Next: %s\n   Message: %s\n",
			kindEmoji(task.Kind), task.Name, task.ID, next, truncatePrompt(task.PromptText))
	}
	return &models.ToolResult{
		Success: true,
		Output:  strings.TrimRight(b.String(), "\n"),
		Data:    tasks,
	}, nil
}

// CancelReminderTool removes one of the acting user's tasks.
type CancelReminderTool struct {
	sched           *scheduler.Scheduler
	fallbackUserKey string
}

// NewCancelReminderTool wraps sched.
func NewCancelReminderTool(sched *scheduler.Scheduler, fallbackUserKey string) *CancelReminderTool {
	return &CancelReminderTool{sched: sched, fallbackUserKey: fallbackUserKey}
}

func (t *CancelReminderTool) Name() string { return "cancel_reminder" }

func (t *CancelReminderTool) Description() string {
	return "Cancel a scheduled reminder or task by its ID (see list_reminders)."
}

func (t *CancelReminderTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task_id": {
				"type": "string",
				"description": "ID of the task to cancel"
			}
		},
		"required": ["task_id"]
	}`)
}

func (t *CancelReminderTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	var params struct {
		TaskID string `json:"task_id"`
	}
	if err := agent.DecodeArgs(args, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.TaskID) == "" {
		return nil, fmt.Errorf("task_id is required")
	}

	key, err := userKey(ctx, t.fallbackUserKey)
	if err != nil {
		return &models.ToolResult{Error: err.Error()}, nil
	}
	// Another user's task reads as missing rather than forbidden.
	task, ok := t.sched.Get(params.TaskID)
	if !ok || (task.UserKey != "" && task.UserKey != key) {
		return &models.ToolResult{Error: fmt.Sprintf("task not found: %s", params.TaskID)}, nil
	}

	t.sched.Remove(params.TaskID)
	return &models.ToolResult{
		Success: true,
		Output:  fmt.Sprintf("✅ Removed task: %s", task.Name),
		Data:    task,
	}, nil
}
