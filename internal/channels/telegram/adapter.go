// Package telegram is the chat transport: a long-polling adapter that
// routes DMs from the owner (and allow-listed users) into the session
// manager, answers the slash commands, and delivers scheduler output
// unsolicited.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/observability"
	"github.com/haasonsaas/steward/internal/ratelimit"
	"github.com/haasonsaas/steward/internal/scheduler"
	"github.com/haasonsaas/steward/internal/sessions"
)

// maxMessageLen is where replies are split. Telegram rejects messages over
// 4096 characters; the margin leaves room for Markdown entities.
const maxMessageLen = 4000

// parseModeMarkdown is Telegram's legacy Markdown mode, which tolerates
// unescaped text far better than MarkdownV2.
const parseModeMarkdown models.ParseMode = "Markdown"

// Config configures the Telegram transport.
type Config struct {
	// Token is the bot token from @BotFather. Required.
	Token string
	// OwnerID is the Telegram user the assistant belongs to. Required.
	OwnerID int64
	// AllowedIDs are additional users admitted beyond the owner.
	AllowedIDs []int64
}

// Conversations is the session-manager surface the adapter drives.
type Conversations interface {
	HandleMessage(ctx context.Context, msg sessions.IncomingMessage) (string, error)
	Clear(ctx context.Context, userKey string) error
	Stats(ctx context.Context) (sessions.Stats, error)
}

// Deps carries the subsystems the adapter talks to.
type Deps struct {
	Conversations Conversations
	Gate          *agent.ApprovalGate
	Scheduler     *scheduler.Scheduler
	// Limiter throttles per-user inbound messages. Nil disables throttling.
	Limiter *ratelimit.Limiter
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Version string
}

// Adapter is the long-polling Telegram transport.
type Adapter struct {
	cfg     Config
	allowed map[int64]bool
	conv    Conversations
	gate    *agent.ApprovalGate
	sched   *scheduler.Scheduler
	limiter *ratelimit.Limiter
	logger  *observability.Logger
	metrics *observability.Metrics
	version string
	started time.Time

	// client is created on Start; tests inject a fake beforehand.
	client botClient
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a stopped adapter.
func New(cfg Config, deps Deps) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	if cfg.OwnerID == 0 {
		return nil, errors.New("telegram owner id is required")
	}
	if deps.Conversations == nil {
		return nil, errors.New("session manager is required")
	}
	if deps.Gate == nil {
		return nil, errors.New("approval gate is required")
	}
	if deps.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NopMetrics()
	}

	allowed := map[int64]bool{cfg.OwnerID: true}
	for _, id := range cfg.AllowedIDs {
		allowed[id] = true
	}

	return &Adapter{
		cfg:     cfg,
		allowed: allowed,
		conv:    deps.Conversations,
		gate:    deps.Gate,
		sched:   deps.Scheduler,
		limiter: deps.Limiter,
		logger:  logger,
		metrics: metrics,
		version: deps.Version,
		started: time.Now(),
	}, nil
}

// UserKey is the session key for a Telegram user.
func UserKey(userID int64) string {
	return fmt.Sprintf("telegram:%d", userID)
}

// ChatID recovers the numeric id from a "telegram:<id>" user key.
func ChatID(userKey string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(userKey, "telegram:%d", &id); err != nil {
		return 0, fmt.Errorf("user key %q is not a telegram key", userKey)
	}
	return id, nil
}

// Start connects the bot and begins long polling in the background.
func (a *Adapter) Start(ctx context.Context) error {
	if a.client == nil {
		b, err := bot.New(a.cfg.Token)
		if err != nil {
			return fmt.Errorf("create telegram bot: %w", err)
		}
		a.client = &realClient{bot: b}
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.client.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleUpdate)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.client.Start(ctx)
	}()

	a.logger.Info("telegram adapter started", "owner", a.cfg.OwnerID, "allowed", len(a.allowed))
	return nil
}

// Stop cancels polling and waits for the update loop to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("telegram adapter stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram stop: %w", ctx.Err())
	}
}

// Deliver pushes text to a user outside any inbound turn. Scheduler output
// and approval notices arrive here. An empty userKey targets the owner.
func (a *Adapter) Deliver(ctx context.Context, userKey, text string) error {
	if a.client == nil {
		return errors.New("telegram adapter not started")
	}
	if userKey == "" {
		userKey = UserKey(a.cfg.OwnerID)
	}
	chatID, err := ChatID(userKey)
	if err != nil {
		return err
	}
	return a.send(ctx, chatID, text)
}

func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		return
	}
	chatID := msg.Chat.ID
	userID := msg.From.ID

	if !a.allowed[userID] {
		a.logger.Warn("refused message from unknown sender", "user_id", userID)
		a.metrics.MessagesTotal.WithLabelValues("telegram", "refused").Inc()
		_ = a.send(ctx, chatID, "You don't have access to this bot.")
		return
	}

	userKey := UserKey(userID)
	if a.limiter != nil && !a.limiter.Allow(userKey) {
		a.metrics.RateLimitedTotal.WithLabelValues("telegram").Inc()
		_ = a.send(ctx, chatID, "You're sending messages too fast. Please wait.")
		return
	}

	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		a.handleCommand(ctx, chatID, userKey, text)
		return
	}

	a.processMessage(ctx, chatID, userKey, text, msg.ID)
}

// processMessage runs one agent turn for a plain chat message.
func (a *Adapter) processMessage(ctx context.Context, chatID int64, userKey, text string, messageID int) {
	_, _ = a.client.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: models.ChatActionTyping,
	})

	start := time.Now()
	reply, err := a.conv.HandleMessage(ctx, sessions.IncomingMessage{
		UserKey:    userKey,
		Text:       text,
		MessageRef: fmt.Sprintf("tg_%d", messageID),
	})
	if err != nil {
		a.logger.Error("message processing failed", "user_key", userKey, "error", err)
		a.metrics.MessagesTotal.WithLabelValues("telegram", "error").Inc()
		_ = a.send(ctx, chatID, "Sorry, I encountered an error: "+truncateError(err))
		return
	}

	a.metrics.MessagesTotal.WithLabelValues("telegram", "ok").Inc()
	a.metrics.TurnDuration.WithLabelValues("telegram").Observe(time.Since(start).Seconds())
	_ = a.send(ctx, chatID, reply)
}

// send splits text into Telegram-sized chunks and delivers each one,
// falling back to plain text when Telegram rejects the Markdown.
func (a *Adapter) send(ctx context.Context, chatID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	for _, chunk := range splitMessage(text, maxMessageLen) {
		_, err := a.client.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:    chatID,
			Text:      chunk,
			ParseMode: parseModeMarkdown,
		})
		if err != nil {
			_, err = a.client.SendMessage(ctx, &bot.SendMessageParams{
				ChatID: chatID,
				Text:   chunk,
			})
		}
		if err != nil {
			a.logger.Error("telegram send failed", "chat_id", chatID, "error", err)
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// splitMessage breaks text into chunks of at most max runes, preferring a
// newline past the halfway point over a hard cut.
func splitMessage(text string, max int) []string {
	runes := []rune(text)
	if len(runes) <= max {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= max {
			chunks = append(chunks, string(runes))
			break
		}

		splitAt := -1
		for i := max - 1; i >= 0; i-- {
			if runes[i] == '\n' {
				splitAt = i
				break
			}
		}
		if splitAt < max/2 {
			splitAt = max
		}

		chunks = append(chunks, string(runes[:splitAt]))
		runes = runes[splitAt:]
		for len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	return chunks
}

func truncateError(err error) string {
	s := err.Error()
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
