package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// TaskKind classifies how a task's next run is derived.
type TaskKind string

const (
	// KindCron fires on a cron expression, indefinitely.
	KindCron TaskKind = "cron"
	// KindOneShot fires once at scheduled_at, then disables itself.
	KindOneShot TaskKind = "one_shot"
	// KindReminder is a one-shot created from user chat ("remind me...").
	KindReminder TaskKind = "reminder"
	// KindDailyBriefing is the per-user morning summary, cron "M H * * *".
	KindDailyBriefing TaskKind = "daily_briefing"
	// KindHeartbeat fires on a fixed interval inside the active window.
	KindHeartbeat TaskKind = "heartbeat"
)

// CronDriven reports whether the kind derives next_run from a cron
// expression rather than a fixed timestamp.
func (k TaskKind) CronDriven() bool {
	switch k {
	case KindCron, KindDailyBriefing, KindHeartbeat:
		return true
	}
	return false
}

// ActiveWindow restricts firing to local hours start <= hour < end.
type ActiveWindow struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// Contains reports whether t falls inside the window.
func (w ActiveWindow) Contains(t time.Time) bool {
	h := t.Hour()
	return h >= w.StartHour && h < w.EndHour
}

// ScheduledTask is one scheduled prompt: a cron job, a reminder, the daily
// briefing, or the heartbeat. Cron-driven kinds carry CronExpr; one-shot
// kinds carry ScheduledAt.
type ScheduledTask struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Kind         TaskKind       `json:"kind"`
	UserKey      string         `json:"user_key,omitempty"`
	PromptText   string         `json:"prompt_text"`
	CronExpr     string         `json:"cron_expr,omitempty"`
	ScheduledAt  *time.Time     `json:"scheduled_at,omitempty"`
	ActiveWindow *ActiveWindow  `json:"active_window,omitempty"`
	Enabled      bool           `json:"enabled"`
	LastRun      *time.Time     `json:"last_run,omitempty"`
	NextRun      *time.Time     `json:"next_run,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Validate checks the kind/schedule pairing invariants.
func (t *ScheduledTask) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.PromptText == "" {
		return fmt.Errorf("task %s: prompt text is required", t.ID)
	}
	switch {
	case t.Kind.CronDriven():
		if t.CronExpr == "" {
			return fmt.Errorf("task %s: kind %s requires a cron expression", t.ID, t.Kind)
		}
		if _, err := cronParser.Parse(t.CronExpr); err != nil {
			return fmt.Errorf("task %s: invalid cron expression: %w", t.ID, err)
		}
	case t.Kind == KindOneShot || t.Kind == KindReminder:
		if t.ScheduledAt == nil {
			return fmt.Errorf("task %s: kind %s requires a scheduled time", t.ID, t.Kind)
		}
	default:
		return fmt.Errorf("task %s: unknown kind %q", t.ID, t.Kind)
	}
	if w := t.ActiveWindow; w != nil {
		if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 1 || w.EndHour > 24 || w.StartHour >= w.EndHour {
			return fmt.Errorf("task %s: invalid active window %d-%d", t.ID, w.StartHour, w.EndHour)
		}
	}
	return nil
}

// windowStepLimit bounds the cron expansion walk when an active window
// filters candidates. A year of hourly ticks fits comfortably.
const windowStepLimit = 10000

// NextRunAfter computes the next fire time strictly after now. Cron-driven
// kinds step the cron expansion until a candidate lands inside the active
// window; one-shot kinds return their fixed time.
func (t *ScheduledTask) NextRunAfter(now time.Time) (time.Time, error) {
	if t.Kind.CronDriven() {
		sched, err := cronParser.Parse(t.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("task %s: invalid cron expression: %w", t.ID, err)
		}
		next := sched.Next(now)
		if t.ActiveWindow == nil {
			return next, nil
		}
		for i := 0; i < windowStepLimit; i++ {
			if next.IsZero() {
				return time.Time{}, fmt.Errorf("task %s: cron expression yields no future time", t.ID)
			}
			if t.ActiveWindow.Contains(next) {
				return next, nil
			}
			next = sched.Next(next)
		}
		return time.Time{}, fmt.Errorf("task %s: no cron time inside active window %d-%d", t.ID, t.ActiveWindow.StartHour, t.ActiveWindow.EndHour)
	}
	if t.ScheduledAt == nil {
		return time.Time{}, fmt.Errorf("task %s: no scheduled time", t.ID)
	}
	return *t.ScheduledAt, nil
}

// DueAt reports whether the task should fire at now: enabled, next_run
// reached, and inside the active window if one is set.
func (t *ScheduledTask) DueAt(now time.Time) bool {
	if !t.Enabled || t.NextRun == nil {
		return false
	}
	if now.Before(*t.NextRun) {
		return false
	}
	if t.ActiveWindow != nil && !t.ActiveWindow.Contains(now) {
		return false
	}
	return true
}

// Clone returns a deep copy safe to hand outside the scheduler's lock.
func (t *ScheduledTask) Clone() *ScheduledTask {
	out := *t
	if t.ScheduledAt != nil {
		at := *t.ScheduledAt
		out.ScheduledAt = &at
	}
	if t.ActiveWindow != nil {
		w := *t.ActiveWindow
		out.ActiveWindow = &w
	}
	if t.LastRun != nil {
		lr := *t.LastRun
		out.LastRun = &lr
	}
	if t.NextRun != nil {
		nr := *t.NextRun
		out.NextRun = &nr
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func newTaskID() string {
	return uuid.NewString()[:8]
}

// defaultBriefingPrompt is what the daily briefing asks the agent each
// morning unless the caller overrides PromptText.
const defaultBriefingPrompt = "Generate my daily briefing including: today's date, " +
	"any reminders or tasks scheduled for today, and a brief motivational note to start the day."

// NewCronTask builds an enabled cron task owned by userKey.
func NewCronTask(userKey, name, prompt, cronExpr string) *ScheduledTask {
	return &ScheduledTask{
		ID:         newTaskID(),
		Name:       name,
		Kind:       KindCron,
		UserKey:    userKey,
		PromptText: prompt,
		CronExpr:   cronExpr,
		Enabled:    true,
	}
}

// NewOneShot builds a task that fires once at the given time.
func NewOneShot(userKey, name, prompt string, at time.Time) *ScheduledTask {
	return &ScheduledTask{
		ID:          newTaskID(),
		Name:        name,
		Kind:        KindOneShot,
		UserKey:     userKey,
		PromptText:  prompt,
		ScheduledAt: &at,
		NextRun:     &at,
		Enabled:     true,
	}
}

// NewReminder builds a one-shot reminder from user text. The name carries
// the first 30 characters of the text.
func NewReminder(userKey, text string, at time.Time) *ScheduledTask {
	head := []rune(text)
	if len(head) > 30 {
		head = head[:30]
	}
	return &ScheduledTask{
		ID:          newTaskID(),
		Name:        "Reminder: " + string(head) + "...",
		Kind:        KindReminder,
		UserKey:     userKey,
		PromptText:  fmt.Sprintf("Remind the user: %s", text),
		ScheduledAt: &at,
		NextRun:     &at,
		Enabled:     true,
		Metadata:    map[string]any{"reminder_text": text},
	}
}

// NewDailyBriefing builds the singleton morning-briefing task. The fixed id
// means re-adding replaces the previous schedule.
func NewDailyBriefing(userKey string, hour, minute int) *ScheduledTask {
	return &ScheduledTask{
		ID:         "daily-briefing",
		Name:       "Daily Briefing",
		Kind:       KindDailyBriefing,
		UserKey:    userKey,
		PromptText: defaultBriefingPrompt,
		CronExpr:   fmt.Sprintf("%d %d * * *", minute, hour),
		Enabled:    true,
		Metadata:   map[string]any{"hour": hour, "minute": minute},
	}
}

// NewHeartbeat builds the recurring quiet-check task. The interval is
// rounded down to whole minutes (minimum one) or, at an hour and above,
// whole hours.
func NewHeartbeat(userKey, prompt string, every time.Duration) *ScheduledTask {
	return &ScheduledTask{
		ID:         newTaskID(),
		Name:       "Heartbeat",
		Kind:       KindHeartbeat,
		UserKey:    userKey,
		PromptText: prompt,
		CronExpr:   intervalCron(every),
		Enabled:    true,
		Metadata:   map[string]any{"every": every.String()},
	}
}

// intervalCron renders a duration as a standard cron step expression.
func intervalCron(every time.Duration) string {
	if every >= time.Hour {
		hours := int(every / time.Hour)
		if hours <= 1 {
			return "0 * * * *"
		}
		return fmt.Sprintf("0 */%d * * *", hours)
	}
	minutes := int(every / time.Minute)
	if minutes <= 1 {
		return "* * * * *"
	}
	return fmt.Sprintf("*/%d * * * *", minutes)
}
