// Package compaction keeps per-session conversation logs inside a token
// budget. When a log grows past the configured threshold the compactor
// summarizes the older half, preserves high-importance messages and tool
// traffic verbatim, and splices the result back ahead of the untouched
// recent tail.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/steward/internal/observability"
	"github.com/haasonsaas/steward/pkg/models"
)

const (
	// CharsPerToken is the crude chars-to-tokens ratio used for estimates.
	CharsPerToken = 4
	// MessageOverheadChars accounts for role and framing tokens per message.
	MessageOverheadChars = 20
	// PreserveThreshold is the importance score at or above which a message
	// survives compaction verbatim.
	PreserveThreshold = 8

	// DefaultMaxContextTokens caps the estimated context size before
	// compaction kicks in.
	DefaultMaxContextTokens = 100000
	// DefaultThreshold is the fraction of the budget that triggers a pass.
	DefaultThreshold = 0.7
	// DefaultKeepRecent is how many recent exchanges are never compacted.
	DefaultKeepRecent = 10

	maxKeyFacts          = 10
	factPreviewLen       = 200
	transcriptPreviewLen = 300
	topicPreviewLen      = 150
)

const summarizerSystemPrompt = "You are a conversation summarizer. Create concise, fact-preserving summaries."

const summaryAckText = "I've noted the conversation context. Let me continue helping you with that in mind."

// factMarkers bump a message's importance when they appear in its content.
var factMarkers = []string{
	"remember", "important", "my name", "my email", "password",
	"api key", "deadline", "meeting", "address", "phone",
}

// userFactPhrases mark user messages worth carrying into the summary as
// standalone facts.
var userFactPhrases = []string{
	"my name is", "i work", "i live", "i prefer",
	"remember that", "don't forget", "important:",
}

// Summarizer produces a prose summary from a system prompt and a user
// prompt. The runtime adapts the LLM gateway into this; tests use fakes.
type Summarizer interface {
	Summarize(ctx context.Context, system, prompt string) (string, error)
}

// SummarizeFunc adapts a plain function to the Summarizer interface.
type SummarizeFunc func(ctx context.Context, system, prompt string) (string, error)

// Summarize calls f.
func (f SummarizeFunc) Summarize(ctx context.Context, system, prompt string) (string, error) {
	return f(ctx, system, prompt)
}

// Config bounds when and how hard the compactor squeezes a conversation.
type Config struct {
	// MaxContextTokens is the estimated token budget for a session log.
	MaxContextTokens int
	// Threshold is the fraction of MaxContextTokens that triggers a pass.
	Threshold float64
	// KeepRecent is the number of recent exchanges kept verbatim. The
	// untouched tail is twice this, covering both sides of each exchange.
	KeepRecent int
	// Enabled turns compaction off entirely when false.
	Enabled bool
}

func (c Config) withDefaults() Config {
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = DefaultMaxContextTokens
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = DefaultThreshold
	}
	if c.KeepRecent <= 0 {
		c.KeepRecent = DefaultKeepRecent
	}
	return c
}

// Compactor shrinks over-budget conversations. Safe for concurrent use as
// long as callers serialize access to any single conversation, which the
// session manager does.
type Compactor struct {
	cfg        Config
	summarizer Summarizer
	logger     *observability.Logger
}

// New builds a Compactor. A nil summarizer is allowed; every pass then uses
// the deterministic fallback summary.
func New(cfg Config, summarizer Summarizer, logger *observability.Logger) *Compactor {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Compactor{
		cfg:        cfg.withDefaults(),
		summarizer: summarizer,
		logger:     logger,
	}
}

// Estimate approximates the token footprint of a message log: content and
// tool-call text at four characters per token, plus a flat per-message
// overhead for role and framing.
func Estimate(messages []models.Message) int {
	if len(messages) == 0 {
		return 0
	}
	chars := 0
	for _, msg := range messages {
		chars += len(msg.Content)
		for _, call := range msg.ToolCalls {
			chars += len(call.Name)
			if len(call.Arguments) > 0 {
				if raw, err := json.Marshal(call.Arguments); err == nil {
					chars += len(raw)
				}
			}
		}
	}
	return (chars + len(messages)*MessageOverheadChars) / CharsPerToken
}

// Importance rates a message 0..10 for compaction. Higher scores survive
// verbatim. Assistant messages carrying tool calls floor at 8 and tool
// results at 7 so a pass never strands one side of a tool exchange.
func Importance(msg models.Message) int {
	score := 5
	lower := strings.ToLower(msg.Content)

	if msg.Role == models.RoleTool {
		score += 2
	}
	if len(msg.ToolCalls) > 0 {
		score += 2
	}
	for _, marker := range factMarkers {
		if strings.Contains(lower, marker) {
			score += 3
			break
		}
	}
	if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
		score++
	}
	if len(msg.Content) < 20 {
		score -= 2
	}
	if len(msg.Content) > 1000 {
		score++
	}

	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}

	if len(msg.ToolCalls) > 0 && score < 8 {
		score = 8
	}
	if msg.Role == models.RoleTool && score < 7 {
		score = 7
	}
	return score
}

// ShouldCompact reports whether the log is over budget and long enough that
// a pass would actually remove something.
func (c *Compactor) ShouldCompact(conv *models.Conversation) bool {
	if !c.cfg.Enabled || conv == nil {
		return false
	}
	threshold := int(float64(c.cfg.MaxContextTokens) * c.cfg.Threshold)
	if Estimate(conv.Messages) < threshold {
		return false
	}
	return conv.Len() > 2*c.cfg.KeepRecent
}

// MaybeCompact compacts conv in place when it exceeds the budget and reports
// whether a pass ran. Summarizer failures degrade to the deterministic
// fallback instead of failing the turn, so the error return is reserved for
// future structural failures and is currently always nil.
func (c *Compactor) MaybeCompact(ctx context.Context, conv *models.Conversation) (bool, error) {
	if !c.ShouldCompact(conv) {
		return false, nil
	}

	beforeTokens := Estimate(conv.Messages)
	beforeCount := conv.Len()

	keepCount := 2 * c.cfg.KeepRecent
	if keepCount >= beforeCount {
		return false, nil
	}
	split := beforeCount - keepCount
	older := conv.Messages[:split]
	recent := conv.Messages[split:]

	facts := extractKeyFacts(older)
	preserved, toSummarize := partition(older)

	summary := c.summarize(ctx, toSummarize, facts)

	compacted := make([]models.Message, 0, 2+len(preserved)+len(recent))
	compacted = append(compacted,
		models.NewUserMessage("[Previous conversation summary]: "+summary),
		models.NewAssistantMessage(summaryAckText),
	)
	compacted = append(compacted, preserved...)
	compacted = append(compacted, recent...)

	conv.Replace(compacted)
	conv.CompactionCount++

	c.logger.Info("conversation compacted",
		"session_id", conv.SessionID,
		"before_messages", beforeCount,
		"after_messages", conv.Len(),
		"preserved", len(preserved),
		"summarized", len(toSummarize),
		"tokens_saved", beforeTokens-Estimate(conv.Messages),
	)
	return true, nil
}

// summarize produces the context block for the summarized messages, falling
// back to a deterministic digest when no summarizer is configured, the
// summarizer fails, or it returns nothing usable.
func (c *Compactor) summarize(ctx context.Context, messages []models.Message, facts []string) string {
	if c.summarizer == nil || len(messages) == 0 {
		return fallbackSummary(messages, facts)
	}
	summary, err := c.summarizer.Summarize(ctx, summarizerSystemPrompt, buildSummaryPrompt(messages, facts))
	if err != nil {
		c.logger.Warn("summarizer failed, using fallback", "error", err)
		return fallbackSummary(messages, facts)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		c.logger.Warn("summarizer returned empty summary, using fallback")
		return fallbackSummary(messages, facts)
	}
	return summary
}

// partition splits the older messages into those kept verbatim and those
// handed to the summarizer. Every assistant message carrying tool calls is
// preserved, and each tool result follows its parent, so the compacted log
// never references a tool_call_id that is missing its other half.
func partition(older []models.Message) (preserved, toSummarize []models.Message) {
	preservedCalls := make(map[string]bool)
	for _, msg := range older {
		switch {
		case len(msg.ToolCalls) > 0:
			preserved = append(preserved, msg)
			for _, call := range msg.ToolCalls {
				preservedCalls[call.ID] = true
			}
		case msg.Role == models.RoleTool:
			// An orphaned result whose parent was already dropped is
			// summarized regardless of score.
			if preservedCalls[msg.ToolCallID] {
				preserved = append(preserved, msg)
			} else {
				toSummarize = append(toSummarize, msg)
			}
		case Importance(msg) >= PreserveThreshold:
			preserved = append(preserved, msg)
		default:
			toSummarize = append(toSummarize, msg)
		}
	}
	return preserved, toSummarize
}

// extractKeyFacts pulls short previews of tool results and fact-bearing user
// statements so they survive even a lossy summary. Capped at maxKeyFacts.
func extractKeyFacts(messages []models.Message) []string {
	var facts []string
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			if strings.TrimSpace(msg.Content) == "" {
				continue
			}
			facts = append(facts, "[Tool result]: "+truncate(msg.Content, factPreviewLen))
		case models.RoleUser:
			lower := strings.ToLower(msg.Content)
			for _, phrase := range userFactPhrases {
				if strings.Contains(lower, phrase) {
					facts = append(facts, "[User stated]: "+truncate(msg.Content, factPreviewLen))
					break
				}
			}
		}
	}
	if len(facts) > maxKeyFacts {
		facts = facts[:maxKeyFacts]
	}
	return facts
}

// buildSummaryPrompt renders the messages as a ROLE: content transcript and
// wraps it in the summarization instructions.
func buildSummaryPrompt(messages []models.Message, facts []string) string {
	var transcript strings.Builder
	for i, msg := range messages {
		if i > 0 {
			transcript.WriteByte('\n')
		}
		transcript.WriteString(strings.ToUpper(string(msg.Role)))
		transcript.WriteString(": ")
		transcript.WriteString(truncate(msg.Content, transcriptPreviewLen))
	}

	factsSection := ""
	if len(facts) > 0 {
		var b strings.Builder
		b.WriteString("\n\nKey facts to preserve:\n")
		for i, fact := range facts {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString("- ")
			b.WriteString(fact)
		}
		factsSection = b.String()
	}

	return fmt.Sprintf(`Summarize the following conversation into a concise context block.
Preserve:
- Any specific facts, names, dates, or numbers mentioned
- The user's requests and what was accomplished
- Any preferences or important information the user shared
- Tool results and their outcomes

Keep it under 500 words.%s

Conversation:
%s

Summary:`, factsSection, transcript.String())
}

// fallbackSummary builds a deterministic digest used when the summarizer is
// unavailable. It keeps the key facts verbatim plus message counts and the
// first and last user topics.
func fallbackSummary(messages []models.Message, facts []string) string {
	parts := []string{"Earlier in this conversation:"}

	if len(facts) > 0 {
		parts = append(parts, "\nKey information:")
		for _, fact := range facts {
			parts = append(parts, "  - "+fact)
		}
	}

	var userCount, assistantCount, toolCount int
	var firstUser, lastUser string
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			userCount++
			if firstUser == "" {
				firstUser = msg.Content
			}
			lastUser = msg.Content
		case models.RoleAssistant:
			assistantCount++
		case models.RoleTool:
			toolCount++
		}
	}
	parts = append(parts, fmt.Sprintf("\n[%d user messages, %d assistant responses, %d tool calls summarized]",
		userCount, assistantCount, toolCount))

	if userCount > 0 {
		parts = append(parts, "\nFirst topic: "+truncate(firstUser, topicPreviewLen))
		if userCount > 1 {
			parts = append(parts, "Last topic before this: "+truncate(lastUser, topicPreviewLen))
		}
	}

	return strings.Join(parts, "\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
