package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/steward/internal/scheduler"
)

const startCard = "Hello! I'm your personal assistant.\n\n" +
	"I'm running on your own hardware and I can help with:\n\n" +
	"- Web search and research\n" +
	"- Reading web pages and articles\n" +
	"- Running shell commands in my workspace\n" +
	"- Managing files in my workspace\n" +
	"- Setting reminders and schedules\n" +
	"- Remembering things across conversations\n\n" +
	"**Commands:**\n" +
	"`/help` - Full help\n" +
	"`/clear` - New conversation\n" +
	"`/status` - System status\n" +
	"`/pending` - Pending approvals\n" +
	"`/approve <id>` - Approve a pending action\n" +
	"`/deny <id>` - Deny a pending action\n" +
	"`/tasks` - Scheduled tasks\n\n" +
	"Just send me a message to get started!"

const helpCard = "**Steward Help**\n\n" +
	"**Chat Commands:**\n" +
	"`/start` - Initialize the bot\n" +
	"`/help` - Show this help\n" +
	"`/clear` - Clear conversation history\n" +
	"`/status` - System status\n\n" +
	"**Approval Commands:**\n" +
	"`/approve <id>` - Approve a pending action\n" +
	"`/deny <id>` - Deny a pending action\n" +
	"`/pending` - Show pending approvals\n\n" +
	"**Scheduling:**\n" +
	"`/tasks` - List scheduled tasks and reminders\n\n" +
	"**Features:**\n" +
	"- Send text messages for AI conversation\n" +
	"- The AI can search the web, read pages, run commands\n" +
	"- It remembers important info across sessions\n" +
	"- Dangerous actions require your /approve first\n\n" +
	"**Tips:**\n" +
	"- Be specific in your questions\n" +
	"- Ask it to remember things for later\n" +
	"- Conversations maintain context automatically"

// handleCommand dispatches one slash command. The sender has already passed
// the allowlist and rate limiter.
func (a *Adapter) handleCommand(ctx context.Context, chatID int64, userKey, text string) {
	fields := strings.Fields(text)
	cmd := fields[0]
	// Group chats address commands as /cmd@botname.
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "/start":
		_ = a.send(ctx, chatID, startCard)
	case "/help":
		_ = a.send(ctx, chatID, helpCard)
	case "/clear":
		a.cmdClear(ctx, chatID, userKey)
	case "/status":
		a.cmdStatus(ctx, chatID)
	case "/approve":
		a.cmdDecide(ctx, chatID, args, true)
	case "/deny":
		a.cmdDecide(ctx, chatID, args, false)
	case "/pending":
		a.cmdPending(ctx, chatID)
	case "/tasks":
		a.cmdTasks(ctx, chatID, userKey)
	default:
		_ = a.send(ctx, chatID, "Unknown command. Try /help.")
	}
}

func (a *Adapter) cmdClear(ctx context.Context, chatID int64, userKey string) {
	if err := a.conv.Clear(ctx, userKey); err != nil {
		a.logger.Error("clear session failed", "user_key", userKey, "error", err)
		_ = a.send(ctx, chatID, "Sorry, I encountered an error: "+truncateError(err))
		return
	}
	_ = a.send(ctx, chatID, "Conversation cleared! Long-term memories are preserved.\nSend a new message to start fresh.")
}

func (a *Adapter) cmdStatus(ctx context.Context, chatID int64) {
	var b strings.Builder
	b.WriteString("**System Status**\n\n")
	if a.version != "" {
		fmt.Fprintf(&b, "**Version:** `%s`\n", a.version)
	}
	fmt.Fprintf(&b, "**Uptime:** %s\n", time.Since(a.started).Round(time.Second))
	if stats, err := a.conv.Stats(ctx); err == nil {
		fmt.Fprintf(&b, "**Sessions:** %d active, %d cached\n", stats.ActiveSessions, stats.CachedConversations)
	}
	fmt.Fprintf(&b, "**Pending approvals:** %d\n", len(a.gate.Pending()))
	fmt.Fprintf(&b, "**Scheduled tasks:** %d\n", len(a.sched.List()))

	_ = a.send(ctx, chatID, strings.TrimRight(b.String(), "\n"))
}

func (a *Adapter) cmdDecide(ctx context.Context, chatID int64, args []string, approve bool) {
	if len(args) == 0 {
		if approve {
			_ = a.send(ctx, chatID, "Usage: `/approve <approval_id>`")
		} else {
			_ = a.send(ctx, chatID, "Usage: `/deny <approval_id>`")
		}
		return
	}

	id := args[0]
	var ok bool
	if approve {
		ok = a.gate.Approve(id)
	} else {
		ok = a.gate.Deny(id)
	}
	if !ok {
		_ = a.send(ctx, chatID, fmt.Sprintf("Approval `%s` not found or expired.", id))
		return
	}

	if approve {
		a.logger.Info("approval granted via chat", "id", id)
		_ = a.send(ctx, chatID, fmt.Sprintf("Approved: `%s`", id))
	} else {
		a.logger.Info("approval denied via chat", "id", id)
		_ = a.send(ctx, chatID, fmt.Sprintf("Denied: `%s`", id))
	}
}

func (a *Adapter) cmdPending(ctx context.Context, chatID int64) {
	pending := a.gate.Pending()
	if len(pending) == 0 {
		_ = a.send(ctx, chatID, "No pending approvals.")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Pending Approvals (%d):**\n\n", len(pending))
	for _, p := range pending {
		b.WriteString(p.FormatForDisplay())
		b.WriteString("\n\n")
	}
	_ = a.send(ctx, chatID, strings.TrimRight(b.String(), "\n"))
}

func (a *Adapter) cmdTasks(ctx context.Context, chatID int64, userKey string) {
	var mine []*scheduler.ScheduledTask
	for _, task := range a.sched.List() {
		if !task.Enabled {
			continue
		}
		if task.UserKey != "" && task.UserKey != userKey {
			continue
		}
		mine = append(mine, task)
	}

	if len(mine) == 0 {
		_ = a.send(ctx, chatID, "No scheduled tasks or reminders.")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Scheduled Tasks (%d):**\n", len(mine))
	for _, task := range mine {
		next := "Not scheduled"
		if task.NextRun != nil {
			next = task.NextRun.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(&b, "%s **%s** (ID: %s)\n   Next: %s\n", kindEmoji(task.Kind), task.Name, task.ID, next)
	}
	_ = a.send(ctx, chatID, strings.TrimRight(b.String(), "\n"))
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
	default:
		return "📋"
	}
}
