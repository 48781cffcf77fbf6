package remind

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/scheduler"
	"github.com/haasonsaas/steward/pkg/models"
)

// AddCronTaskTool schedules a recurring prompt on a cron expression.
type AddCronTaskTool struct {
	sched           *scheduler.Scheduler
	fallbackUserKey string
}

// NewAddCronTaskTool wraps sched.
func NewAddCronTaskTool(sched *scheduler.Scheduler, fallbackUserKey string) *AddCronTaskTool {
	return &AddCronTaskTool{sched: sched, fallbackUserKey: fallbackUserKey}
}

func (t *AddCronTaskTool) Name() string { return "add_cron_task" }

func (t *AddCronTaskTool) Description() string {
	return "Schedule a recurring task with a cron expression (minute hour day month weekday). Optional active hours confine firing to part of the day."
}

func (t *AddCronTaskTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {
				"type": "string",
				"description": "Short name for the task"
			},
			"message": {
				"type": "string",
				"description": "Prompt the agent processes each time the task fires"
			},
			"cron_expression": {
				"type": "string",
				"description": "Standard cron expression, e.g. '0 9 * * 1-5' for weekday mornings"
			},
			"active_hours_start": {
				"type": "integer",
				"description": "Earliest local hour the task may fire (0-23)"
			},
			"active_hours_end": {
				"type": "integer",
				"description": "Hour firing stops (1-24, default 24)"
			}
		},
		"required": ["name", "message", "cron_expression"]
	}`)
}

func (t *AddCronTaskTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	var params struct {
		Name             string `json:"name"`
		Message          string `json:"message"`
		CronExpression   string `json:"cron_expression"`
		ActiveHoursStart int    `json:"active_hours_start"`
		ActiveHoursEnd   int    `json:"active_hours_end"`
	}
	if err := agent.DecodeArgs(args, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Name) == "" {
		return nil, fmt.Errorf("name is required")
	}
	if strings.TrimSpace(params.Message) == "" {
		return nil, fmt.Errorf("message is required")
	}
	if strings.TrimSpace(params.CronExpression) == "" {
		return nil, fmt.Errorf("cron_expression is required")
	}

	key, err := userKey(ctx, t.fallbackUserKey)
	if err != nil {
		return &models.ToolResult{Error: err.Error()}, nil
	}

	task := scheduler.NewCronTask(key, params.Name, params.Message, params.CronExpression)
	start, end := params.ActiveHoursStart, params.ActiveHoursEnd
	if end == 0 {
		end = 24
	}
	if start != 0 || end != 24 {
		task.ActiveWindow = &scheduler.ActiveWindow{StartHour: start, EndHour: end}
	}
	if err := t.sched.Add(task); err != nil {
		return &models.ToolResult{Error: fmt.Sprintf("could not schedule: %v", err)}, nil
	}

	next := "TBD"
	added, ok := t.sched.Get(task.ID)
	if ok && added.NextRun != nil {
		next = added.NextRun.Format(timeFormat)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🔄 **Cron task added!**\n- **Name:** %s\n- **Schedule:** `%s`\n- **Next run:** %s\n- **ID:** %s",
		params.Name, params.CronExpression, next, task.ID)
	if task.ActiveWindow != nil {
		fmt.Fprintf(&b, "\n- **Active hours:** %d:00 to %d:00", start, end)
	}
	return &models.ToolResult{
		Success: true,
		Output:  b.String(),
		Data:    added,
	}, nil
}

// SetupDailyBriefingTool schedules (or reschedules) the morning briefing.
type SetupDailyBriefingTool struct {
	sched           *scheduler.Scheduler
	fallbackUserKey string
}

// NewSetupDailyBriefingTool wraps sched.
func NewSetupDailyBriefingTool(sched *scheduler.Scheduler, fallbackUserKey string) *SetupDailyBriefingTool {
	return &SetupDailyBriefingTool{sched: sched, fallbackUserKey: fallbackUserKey}
}

func (t *SetupDailyBriefingTool) Name() string { return "setup_daily_briefing" }

func (t *SetupDailyBriefingTool) Description() string {
	return "Schedule a daily morning briefing. Calling again replaces the existing schedule."
}

func (t *SetupDailyBriefingTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"hour": {
				"type": "integer",
				"description": "Local hour to deliver the briefing (0-23, default 8)"
			},
			"minute": {
				"type": "integer",
				"description": "Minute past the hour (0-59, default 0)"
			},
			"custom_message": {
				"type": "string",
				"description": "Custom briefing prompt to use instead of the default"
			}
		}
	}`)
}

func (t *SetupDailyBriefingTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	var params struct {
		// Pointer so an explicit hour 0 (midnight) survives defaulting.
		Hour          *int   `json:"hour"`
		Minute        int    `json:"minute"`
		CustomMessage string `json:"custom_message"`
	}
	if err := agent.DecodeArgs(args, &params); err != nil {
		return nil, err
	}
	hour := 8
	if params.Hour != nil {
		hour = *params.Hour
	}
	if hour < 0 || hour > 23 {
		return nil, fmt.Errorf("hour must be between 0 and 23")
	}
	if params.Minute < 0 || params.Minute > 59 {
		return nil, fmt.Errorf("minute must be between 0 and 59")
	}

	key, err := userKey(ctx, t.fallbackUserKey)
	if err != nil {
		return &models.ToolResult{Error: err.Error()}, nil
	}

	task := scheduler.NewDailyBriefing(key, hour, params.Minute)
	if msg := strings.TrimSpace(params.CustomMessage); msg != "" {
		task.PromptText = msg
	}
	if err := t.sched.Add(task); err != nil {
		return &models.ToolResult{Error: fmt.Sprintf("could not schedule: %v", err)}, nil
	}
	return &models.ToolResult{
		Success: true,
		Output: fmt.Sprintf("📰 **Daily briefing set!**\n- **Time:** %02d:%02d every day\n- **ID:** %s\n\nYou'll get your briefing every morning.",
			hour, params.Minute, task.ID),
		Data: task,
	}, nil
}
