package compaction

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/haasonsaas/steward/pkg/models"
)

type fakeSummarizer struct {
	out    string
	err    error
	calls  int
	system string
	prompt string
}

func (f *fakeSummarizer) Summarize(ctx context.Context, system, prompt string) (string, error) {
	f.calls++
	f.system = system
	f.prompt = prompt
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

func TestEstimate(t *testing.T) {
	tests := []struct {
		name     string
		messages []models.Message
		want     int
	}{
		{
			name:     "empty log",
			messages: nil,
			want:     0,
		},
		{
			name: "single message",
			messages: []models.Message{
				{Role: models.RoleUser, Content: strings.Repeat("a", 40)},
			},
			want: 15, // (40 + 20) / 4
		},
		{
			name: "two messages",
			messages: []models.Message{
				{Role: models.RoleUser, Content: strings.Repeat("a", 10)},
				{Role: models.RoleAssistant, Content: strings.Repeat("b", 30)},
			},
			want: 20, // (40 + 2*20) / 4
		},
		{
			name: "tool call text counts",
			messages: []models.Message{
				{
					Role: models.RoleAssistant,
					ToolCalls: []models.ToolCall{
						{ID: "call_1", Name: "web_search", Arguments: map[string]any{"q": "x"}},
					},
				},
			},
			want: 9, // (10 + 9 + 20) / 4
		},
		{
			name: "nil arguments skipped",
			messages: []models.Message{
				{
					Role:      models.RoleAssistant,
					Content:   "hi",
					ToolCalls: []models.ToolCall{{ID: "call_2", Name: "ping"}},
				},
			},
			want: 6, // (2 + 4 + 20) / 4
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Estimate(tt.messages); got != tt.want {
				t.Errorf("Estimate() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestImportance(t *testing.T) {
	tests := []struct {
		name string
		msg  models.Message
		want int
	}{
		{
			name: "plain user baseline",
			msg:  models.Message{Role: models.RoleUser, Content: "The weather is sunny today."},
			want: 5,
		},
		{
			name: "short filler",
			msg:  models.Message{Role: models.RoleUser, Content: "ok"},
			want: 3,
		},
		{
			name: "fact marker",
			msg:  models.Message{Role: models.RoleUser, Content: "Please remember I like tea, it matters a lot."},
			want: 8,
		},
		{
			name: "failure mention",
			msg:  models.Message{Role: models.RoleAssistant, Content: "the deploy failed with a timeout"},
			want: 6,
		},
		{
			name: "long content",
			msg:  models.Message{Role: models.RoleAssistant, Content: strings.Repeat("x", 1001)},
			want: 6,
		},
		{
			name: "assistant with tool calls floors at 8",
			msg: models.Message{
				Role:      models.RoleAssistant,
				ToolCalls: []models.ToolCall{{ID: "call_1", Name: "web_search"}},
			},
			want: 8,
		},
		{
			name: "short tool result floors at 7",
			msg:  models.Message{Role: models.RoleTool, Content: "ok", ToolCallID: "call_1"},
			want: 7,
		},
		{
			name: "tool result with failure text",
			msg:  models.Message{Role: models.RoleTool, Content: "Error: connection failed", ToolCallID: "call_1"},
			want: 8,
		},
		{
			name: "clamped at 10",
			msg: models.Message{
				Role:    models.RoleTool,
				Content: "error: remember this " + strings.Repeat("y", 1000),
			},
			want: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Importance(tt.msg); got != tt.want {
				t.Errorf("Importance() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestShouldCompact(t *testing.T) {
	cfg := Config{MaxContextTokens: 1000, Threshold: 0.7, KeepRecent: 2, Enabled: true}

	small := models.NewConversation("s1", "u1")
	for i := 0; i < 5; i++ {
		small.Append(models.NewUserMessage(strings.Repeat("a", 10)))
	}

	short := models.NewConversation("s2", "u1")
	for i := 0; i < 4; i++ {
		short.Append(models.NewUserMessage(strings.Repeat("a", 1000)))
	}

	big := models.NewConversation("s3", "u1")
	for i := 0; i < 5; i++ {
		big.Append(models.NewUserMessage(strings.Repeat("a", 1000)))
	}

	tests := []struct {
		name string
		cfg  Config
		conv *models.Conversation
		want bool
	}{
		{"under budget", cfg, small, false},
		{"over budget but too short", cfg, short, false},
		{"over budget and long", cfg, big, true},
		{"disabled", Config{MaxContextTokens: 1000, Threshold: 0.7, KeepRecent: 2}, big, false},
		{"nil conversation", cfg, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.cfg, nil, nil)
			if got := c.ShouldCompact(tt.conv); got != tt.want {
				t.Errorf("ShouldCompact() = %v, want %v", got, tt.want)
			}
		})
	}
}

// seedConversation builds a ten-message log whose older half holds one
// fact-bearing user message, one tool exchange, and three filler turns.
func seedConversation(t *testing.T) *models.Conversation {
	t.Helper()
	conv := models.NewConversation("sess-1", "user-1")
	conv.Append(models.NewUserMessage("My name is Ada Lovelace and I work on engines."))
	conv.Append(models.NewAssistantMessage("Nice to meet you, I will keep that in mind for sure."))
	conv.Append(models.Message{
		Role: models.RoleAssistant,
		ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "web_search", Arguments: map[string]any{"query": "engine history"}},
		},
	})
	conv.Append(models.NewToolMessage("call_1", "web_search", "The analytical engine was designed in 1837."))
	conv.Append(models.NewUserMessage("That is a really interesting bit of history to know."))
	conv.Append(models.NewAssistantMessage("Indeed, there is plenty more where that came from."))
	conv.Append(models.NewUserMessage("Can you look into steam engines next for me please?"))
	conv.Append(models.NewAssistantMessage("Steam engines date back to the early 18th century."))
	conv.Append(models.NewUserMessage("Great, summarize the main milestones for me then."))
	conv.Append(models.NewAssistantMessage("Newcomen in 1712, then Watt's improvements in 1776."))
	return conv
}

func TestMaybeCompact(t *testing.T) {
	conv := seedConversation(t)
	tail := append([]models.Message(nil), conv.Messages[6:]...)

	summarizer := &fakeSummarizer{out: "Ada discussed engine history."}
	c := New(Config{MaxContextTokens: 100, Threshold: 0.7, KeepRecent: 2, Enabled: true}, summarizer, nil)

	changed, err := c.MaybeCompact(context.Background(), conv)
	if err != nil {
		t.Fatalf("MaybeCompact() error = %v", err)
	}
	if !changed {
		t.Fatal("MaybeCompact() = false, want true")
	}
	if conv.CompactionCount != 1 {
		t.Errorf("CompactionCount = %d, want 1", conv.CompactionCount)
	}

	// Summary pair, three preserved older messages, four recent.
	if conv.Len() != 9 {
		t.Fatalf("Len() = %d, want 9", conv.Len())
	}

	first := conv.Messages[0]
	if first.Role != models.RoleUser {
		t.Errorf("first role = %q, want user", first.Role)
	}
	if want := "[Previous conversation summary]: Ada discussed engine history."; first.Content != want {
		t.Errorf("summary message = %q, want %q", first.Content, want)
	}
	second := conv.Messages[1]
	if second.Role != models.RoleAssistant || second.Content != summaryAckText {
		t.Errorf("ack message = %q %q", second.Role, second.Content)
	}

	// Preserved: the fact-bearing user message and both halves of the tool
	// exchange, in their original order.
	if got := conv.Messages[2].Content; got != "My name is Ada Lovelace and I work on engines." {
		t.Errorf("preserved[0] = %q", got)
	}
	if calls := conv.Messages[3].ToolCalls; len(calls) != 1 || calls[0].ID != "call_1" {
		t.Errorf("preserved[1] tool calls = %+v", calls)
	}
	if got := conv.Messages[4].ToolCallID; got != "call_1" {
		t.Errorf("preserved[2] tool_call_id = %q", got)
	}

	// The recent tail survives bit for bit.
	if !reflect.DeepEqual(conv.Messages[5:], tail) {
		t.Errorf("recent tail changed:\ngot  %+v\nwant %+v", conv.Messages[5:], tail)
	}

	if summarizer.calls != 1 {
		t.Fatalf("summarizer calls = %d, want 1", summarizer.calls)
	}
	if summarizer.system != summarizerSystemPrompt {
		t.Errorf("system prompt = %q", summarizer.system)
	}
	if !strings.Contains(summarizer.prompt, "ASSISTANT: Nice to meet you") {
		t.Errorf("prompt missing summarized transcript:\n%s", summarizer.prompt)
	}
	if strings.Contains(summarizer.prompt, "USER: My name is Ada") {
		t.Errorf("preserved message leaked into transcript:\n%s", summarizer.prompt)
	}
	if !strings.Contains(summarizer.prompt, "- [User stated]: My name is Ada Lovelace and I work on engines.") {
		t.Errorf("prompt missing user fact:\n%s", summarizer.prompt)
	}
	if !strings.Contains(summarizer.prompt, "- [Tool result]: The analytical engine was designed in 1837.") {
		t.Errorf("prompt missing tool fact:\n%s", summarizer.prompt)
	}
}

func TestMaybeCompactBelowThreshold(t *testing.T) {
	conv := models.NewConversation("sess-1", "user-1")
	conv.Append(models.NewUserMessage("hello"))
	before := append([]models.Message(nil), conv.Messages...)

	summarizer := &fakeSummarizer{out: "unused"}
	c := New(Config{MaxContextTokens: 100000, Threshold: 0.7, KeepRecent: 10, Enabled: true}, summarizer, nil)

	changed, err := c.MaybeCompact(context.Background(), conv)
	if err != nil {
		t.Fatalf("MaybeCompact() error = %v", err)
	}
	if changed {
		t.Fatal("MaybeCompact() = true, want false")
	}
	if summarizer.calls != 0 {
		t.Errorf("summarizer calls = %d, want 0", summarizer.calls)
	}
	if !reflect.DeepEqual(conv.Messages, before) {
		t.Error("conversation modified without compaction")
	}
	if conv.CompactionCount != 0 {
		t.Errorf("CompactionCount = %d, want 0", conv.CompactionCount)
	}
}

func TestMaybeCompactFallback(t *testing.T) {
	tests := []struct {
		name       string
		summarizer Summarizer
	}{
		{"summarizer error", &fakeSummarizer{err: errors.New("boom")}},
		{"empty summary", &fakeSummarizer{out: "   "}},
		{"nil summarizer", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := seedConversation(t)
			c := New(Config{MaxContextTokens: 100, Threshold: 0.7, KeepRecent: 2, Enabled: true}, tt.summarizer, nil)

			changed, err := c.MaybeCompact(context.Background(), conv)
			if err != nil {
				t.Fatalf("MaybeCompact() error = %v", err)
			}
			if !changed {
				t.Fatal("MaybeCompact() = false, want true")
			}

			got := conv.Messages[0].Content
			if !strings.Contains(got, "Earlier in this conversation:") {
				t.Errorf("fallback summary missing header: %q", got)
			}
			// Summarized set is one user and two assistant fillers.
			if !strings.Contains(got, "[1 user messages, 2 assistant responses, 0 tool calls summarized]") {
				t.Errorf("fallback summary missing counts: %q", got)
			}
			if !strings.Contains(got, "First topic: That is a really interesting") {
				t.Errorf("fallback summary missing first topic: %q", got)
			}
		})
	}
}

func TestFallbackSummary(t *testing.T) {
	messages := []models.Message{
		models.NewUserMessage("Plan the trip to Lisbon for next month please."),
		models.NewAssistantMessage("Sure thing."),
		models.NewUserMessage("Also book a hotel near the river if possible."),
	}
	facts := []string{"[User stated]: I live in Dublin"}

	want := "Earlier in this conversation:\n" +
		"\nKey information:\n" +
		"  - [User stated]: I live in Dublin\n" +
		"\n[2 user messages, 1 assistant responses, 0 tool calls summarized]\n" +
		"\nFirst topic: Plan the trip to Lisbon for next month please.\n" +
		"Last topic before this: Also book a hotel near the river if possible."

	if got := fallbackSummary(messages, facts); got != want {
		t.Errorf("fallbackSummary() =\n%q\nwant\n%q", got, want)
	}
}

func TestExtractKeyFacts(t *testing.T) {
	long := "my name is " + strings.Repeat("a", 250)
	messages := []models.Message{
		models.NewToolMessage("call_1", "shell", "   "),
		models.NewToolMessage("call_2", "shell", "exit status 0"),
		models.NewUserMessage("i prefer short answers"),
		models.NewUserMessage("what time is it"),
		models.NewUserMessage(long),
	}

	facts := extractKeyFacts(messages)
	if len(facts) != 3 {
		t.Fatalf("got %d facts, want 3: %v", len(facts), facts)
	}
	if facts[0] != "[Tool result]: exit status 0" {
		t.Errorf("facts[0] = %q", facts[0])
	}
	if facts[1] != "[User stated]: i prefer short answers" {
		t.Errorf("facts[1] = %q", facts[1])
	}
	if want := len("[User stated]: ") + factPreviewLen; len(facts[2]) != want {
		t.Errorf("facts[2] length = %d, want %d", len(facts[2]), want)
	}
}

func TestExtractKeyFactsCap(t *testing.T) {
	var messages []models.Message
	for i := 0; i < 15; i++ {
		messages = append(messages, models.NewToolMessage("call", "shell", fmt.Sprintf("result %d", i)))
	}
	if facts := extractKeyFacts(messages); len(facts) != maxKeyFacts {
		t.Errorf("got %d facts, want %d", len(facts), maxKeyFacts)
	}
}

func TestBuildSummaryPrompt(t *testing.T) {
	messages := []models.Message{
		models.NewUserMessage(strings.Repeat("z", 310)),
		models.NewAssistantMessage("done"),
	}

	prompt := buildSummaryPrompt(messages, []string{"a", "b"})
	if !strings.Contains(prompt, "USER: "+strings.Repeat("z", 300)+"\nASSISTANT: done") {
		t.Errorf("transcript malformed:\n%s", prompt)
	}
	if strings.Contains(prompt, strings.Repeat("z", 301)) {
		t.Error("transcript preview not truncated at 300 chars")
	}
	if !strings.Contains(prompt, "Keep it under 500 words.") {
		t.Error("prompt missing length instruction")
	}
	if !strings.Contains(prompt, "Key facts to preserve:\n- a\n- b") {
		t.Errorf("prompt missing facts section:\n%s", prompt)
	}

	bare := buildSummaryPrompt(messages, nil)
	if strings.Contains(bare, "Key facts to preserve:") {
		t.Error("facts section rendered with no facts")
	}
}

func TestPartition(t *testing.T) {
	parent := models.Message{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: "call_1", Name: "shell"}},
	}
	follower := models.NewToolMessage("call_1", "shell", "ok")
	orphan := models.NewToolMessage("call_gone", "shell", "lost output")
	filler := models.NewUserMessage("hey")

	preserved, toSummarize := partition([]models.Message{parent, follower, orphan, filler})

	if len(preserved) != 2 {
		t.Fatalf("preserved = %d messages, want 2", len(preserved))
	}
	if len(preserved[0].ToolCalls) != 1 || preserved[1].ToolCallID != "call_1" {
		t.Errorf("preserved pair mismatch: %+v", preserved)
	}
	if len(toSummarize) != 2 {
		t.Fatalf("toSummarize = %d messages, want 2", len(toSummarize))
	}
	if toSummarize[0].Content != "lost output" {
		t.Errorf("orphaned tool result not summarized: %+v", toSummarize[0])
	}
}
