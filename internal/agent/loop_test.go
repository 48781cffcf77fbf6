package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/steward/pkg/models"
)

// scriptedProvider replays canned chunk sequences, one per Complete call.
// Once the script runs out the last sequence repeats.
type scriptedProvider struct {
	scripts  [][]*CompletionChunk
	calls    int
	firstErr error
	lastReq  *CompletionRequest
}

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.lastReq = req
	if p.firstErr != nil {
		err := p.firstErr
		p.firstErr = nil
		return nil, err
	}
	idx := p.calls
	p.calls++
	if idx >= len(p.scripts) {
		idx = len(p.scripts) - 1
	}
	ch := make(chan *CompletionChunk, len(p.scripts[idx]))
	for _, c := range p.scripts[idx] {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) Models() []Model     { return nil }
func (p *scriptedProvider) SupportsTools() bool { return true }

func textTurn(text string) []*CompletionChunk {
	return []*CompletionChunk{
		{Text: text},
		{Done: true, StopReason: StopEndTurn, InputTokens: 10, OutputTokens: 5},
	}
}

func toolTurn(text string, calls ...models.ToolCall) []*CompletionChunk {
	chunks := []*CompletionChunk{}
	if text != "" {
		chunks = append(chunks, &CompletionChunk{Text: text})
	}
	for i := range calls {
		chunks = append(chunks, &CompletionChunk{ToolCall: &calls[i]})
	}
	return append(chunks, &CompletionChunk{Done: true, StopReason: StopToolUse})
}

func newTestLoop(provider Provider, tools []Tool, gate *ApprovalGate, cfg LoopConfig) (*Loop, *Registry) {
	reg := NewRegistry(nil)
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			panic(err)
		}
	}
	gw := NewGateway(provider, nil, nil, nil)
	return NewLoop(gw, reg, gate, nil, cfg, nil, nil, nil), reg
}

func TestLoopPlainTextTurn(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{textTurn("hi there")}}
	loop, _ := newTestLoop(provider, nil, nil, LoopConfig{})
	conv := models.NewConversation("s1", "u1")

	reply, err := loop.Process(context.Background(), conv, "hello")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply != "hi there" {
		t.Errorf("reply = %q", reply)
	}
	if conv.Len() != 2 {
		t.Fatalf("conversation has %d messages, want 2", conv.Len())
	}
	if conv.Messages[0].Role != models.RoleUser || conv.Messages[0].Content != "hello" {
		t.Errorf("messages[0] = %+v", conv.Messages[0])
	}
	if conv.Messages[1].Role != models.RoleAssistant || conv.Messages[1].Content != "hi there" {
		t.Errorf("messages[1] = %+v", conv.Messages[1])
	}
	if provider.calls != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls)
	}
}

func TestLoopToolCallThenAnswer(t *testing.T) {
	call := models.ToolCall{ID: "tc-1", Name: "lookup", Arguments: map[string]any{"q": "go"}}
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		toolTurn("checking", call),
		textTurn("the answer is 42"),
	}}
	tool := &fakeTool{name: "lookup", result: &models.ToolResult{Success: true, Output: "docs found"}}
	loop, _ := newTestLoop(provider, []Tool{tool}, nil, LoopConfig{})
	conv := models.NewConversation("s1", "u1")

	reply, err := loop.Process(context.Background(), conv, "look up go")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply != "the answer is 42" {
		t.Errorf("reply = %q", reply)
	}
	if tool.calls != 1 {
		t.Errorf("tool executed %d times, want 1", tool.calls)
	}

	// user, assistant(tool_calls), tool, assistant
	if conv.Len() != 4 {
		t.Fatalf("conversation has %d messages, want 4", conv.Len())
	}
	asst := conv.Messages[1]
	if asst.Role != models.RoleAssistant || len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "tc-1" {
		t.Errorf("messages[1] = %+v", asst)
	}
	toolMsg := conv.Messages[2]
	if toolMsg.Role != models.RoleTool || toolMsg.ToolCallID != "tc-1" || toolMsg.Content != "docs found" {
		t.Errorf("messages[2] = %+v", toolMsg)
	}
	if provider.calls != 2 {
		t.Errorf("provider called %d times, want 2", provider.calls)
	}
}

func TestLoopToolFailureFlowsBackAsError(t *testing.T) {
	call := models.ToolCall{ID: "tc-1", Name: "lookup", Arguments: nil}
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		toolTurn("", call),
		textTurn("sorry, that failed"),
	}}
	tool := &fakeTool{name: "lookup", result: &models.ToolResult{Success: false, Error: "no such host"}}
	loop, _ := newTestLoop(provider, []Tool{tool}, nil, LoopConfig{})
	conv := models.NewConversation("s1", "u1")

	if _, err := loop.Process(context.Background(), conv, "look it up"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	toolMsg := conv.Messages[2]
	if toolMsg.Content != "Error: no such host" {
		t.Errorf("tool message = %q, want error-prefixed text", toolMsg.Content)
	}
	if isErr, _ := toolMsg.Metadata["is_error"].(bool); !isErr {
		t.Error("tool message should be flagged is_error")
	}
}

func TestLoopGatewayFailureBecomesReply(t *testing.T) {
	provider := &scriptedProvider{
		firstErr: errors.New("connection refused"),
		scripts:  [][]*CompletionChunk{textTurn("unused")},
	}
	loop, _ := newTestLoop(provider, nil, nil, LoopConfig{})
	conv := models.NewConversation("s1", "u1")

	reply, err := loop.Process(context.Background(), conv, "hello")
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	want := "I encountered an error processing your message: connection refused"
	if reply != want {
		t.Errorf("reply = %q\nwant    %q", reply, want)
	}
	last, ok := conv.Last()
	if !ok || last.Role != models.RoleAssistant || last.Content != want {
		t.Errorf("last message = %+v", last)
	}
}

func TestLoopIterationCap(t *testing.T) {
	call := models.ToolCall{ID: "tc-1", Name: "lookup", Arguments: nil}
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		toolTurn("still working", call), // repeats forever
	}}
	tool := &fakeTool{name: "lookup", result: &models.ToolResult{Success: true, Output: "partial"}}
	loop, _ := newTestLoop(provider, []Tool{tool}, nil, LoopConfig{MaxToolIterations: 3})
	conv := models.NewConversation("s1", "u1")

	reply, err := loop.Process(context.Background(), conv, "go")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := "still working\n\n" + maxIterationsNotice
	if reply != want {
		t.Errorf("reply = %q\nwant    %q", reply, want)
	}
	if provider.calls != 3 {
		t.Errorf("provider called %d times, want 3", provider.calls)
	}
	if tool.calls != 3 {
		t.Errorf("tool executed %d times, want 3", tool.calls)
	}
	last, ok := conv.Last()
	if !ok || last.Content != want {
		t.Errorf("last message = %+v", last)
	}
}

func TestLoopDangerousToolHeldForApproval(t *testing.T) {
	call := models.ToolCall{ID: "tc-1", Name: "run_command", Arguments: map[string]any{"command": "ls"}}
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		toolTurn("running it", call),
		textTurn("that command needs your approval first"),
	}}
	tool := &fakeTool{name: "run_command", result: &models.ToolResult{Success: true, Output: "never"}}
	gate := NewApprovalGate(GateConfig{Required: true}, nil, nil)
	loop, _ := newTestLoop(provider, []Tool{tool}, gate, LoopConfig{})
	conv := models.NewConversation("s1", "u1")

	reply, err := loop.Process(context.Background(), conv, "list files")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply != "that command needs your approval first" {
		t.Errorf("reply = %q", reply)
	}
	if tool.calls != 0 {
		t.Fatalf("dangerous tool executed %d times without approval", tool.calls)
	}

	pending := gate.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending approvals = %d, want 1", len(pending))
	}
	if pending[0].ToolName != "run_command" {
		t.Errorf("pending tool = %s", pending[0].ToolName)
	}

	toolMsg := conv.Messages[2]
	if !strings.Contains(toolMsg.Content, "approval required for tool: run_command") {
		t.Errorf("tool message = %q", toolMsg.Content)
	}
	if !strings.Contains(toolMsg.Content, pending[0].ID) {
		t.Errorf("tool message does not quote approval id %s: %q", pending[0].ID, toolMsg.Content)
	}
	if provider.calls != 2 {
		t.Errorf("provider called %d times, want 2 (loop must continue)", provider.calls)
	}
}

func TestLoopSafeToolSkipsGate(t *testing.T) {
	call := models.ToolCall{ID: "tc-1", Name: "web_search", Arguments: map[string]any{"query": "news"}}
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		toolTurn("", call),
		textTurn("here is the news"),
	}}
	tool := &fakeTool{name: "web_search", result: &models.ToolResult{Success: true, Output: "headlines"}}
	gate := NewApprovalGate(GateConfig{Required: true}, nil, nil)
	loop, _ := newTestLoop(provider, []Tool{tool}, gate, LoopConfig{})
	conv := models.NewConversation("s1", "u1")

	if _, err := loop.Process(context.Background(), conv, "news?"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if tool.calls != 1 {
		t.Errorf("safe tool executed %d times, want 1", tool.calls)
	}
	if n := len(gate.Pending()); n != 0 {
		t.Errorf("pending approvals = %d, want 0", n)
	}
}

func TestLoopSequentialToolOrder(t *testing.T) {
	calls := []models.ToolCall{
		{ID: "tc-1", Name: "first", Arguments: nil},
		{ID: "tc-2", Name: "second", Arguments: nil},
	}
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		toolTurn("", calls...),
		textTurn("done"),
	}}

	var order []string
	mk := func(name string) Tool {
		return &orderedTool{name: name, order: &order}
	}
	loop, _ := newTestLoop(provider, []Tool{mk("first"), mk("second")}, nil, LoopConfig{})
	conv := models.NewConversation("s1", "u1")

	if _, err := loop.Process(context.Background(), conv, "go"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("execution order = %v", order)
	}
	if conv.Messages[2].ToolCallID != "tc-1" || conv.Messages[3].ToolCallID != "tc-2" {
		t.Errorf("tool messages out of order: %s then %s",
			conv.Messages[2].ToolCallID, conv.Messages[3].ToolCallID)
	}
}

type orderedTool struct {
	name  string
	order *[]string
}

func (t *orderedTool) Name() string            { return t.name }
func (t *orderedTool) Description() string     { return "ordered" }
func (t *orderedTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *orderedTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	*t.order = append(*t.order, t.name)
	return &models.ToolResult{Success: true, Output: t.name}, nil
}

func TestLoopTruncatesAfterFinalAnswer(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{textTurn("short")}}
	loop, _ := newTestLoop(provider, nil, nil, LoopConfig{MaxContextMessages: 4})
	conv := models.NewConversation("s1", "u1")
	for i := 0; i < 10; i++ {
		conv.Append(models.NewUserMessage("filler"))
	}

	if _, err := loop.Process(context.Background(), conv, "latest"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if conv.Len() != 4 {
		t.Errorf("conversation has %d messages after truncation, want 4", conv.Len())
	}
	if last, _ := conv.Last(); last.Content != "short" {
		t.Errorf("last message = %q", last.Content)
	}
}

func TestLoopPassesSystemPromptAndTools(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{textTurn("ok")}}
	tool := &fakeTool{name: "lookup", desc: "find things"}
	loop, _ := newTestLoop(provider, []Tool{tool}, nil, LoopConfig{MaxTokens: 2048})
	conv := models.NewConversation("s1", "u1")
	conv.SystemPrompt = "you are terse"

	if _, err := loop.Process(context.Background(), conv, "hi"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	req := provider.lastReq
	if req.System != "you are terse" {
		t.Errorf("System = %q", req.System)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "lookup" {
		t.Errorf("Tools = %+v", req.Tools)
	}
	if req.MaxTokens != 2048 {
		t.Errorf("MaxTokens = %d", req.MaxTokens)
	}
}
