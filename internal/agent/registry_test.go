package agent

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/haasonsaas/steward/pkg/models"
)

type fakeTool struct {
	name     string
	desc     string
	result   *models.ToolResult
	err      error
	panicMsg string

	calls    int
	lastArgs map[string]any
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return t.desc }
func (t *fakeTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *fakeTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	t.calls++
	t.lastArgs = args
	if t.panicMsg != "" {
		panic(t.panicMsg)
	}
	if t.err != nil {
		return nil, t.err
	}
	return t.result, nil
}

func TestRegistryRegisterAndExecute(t *testing.T) {
	reg := NewRegistry(nil)
	tool := &fakeTool{name: "echo", result: &models.ToolResult{Success: true, Output: "hello"}}

	if err := reg.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result := reg.Execute(context.Background(), "echo", map[string]any{"text": "hello"})
	if !result.Success {
		t.Fatalf("Execute failed: %s", result.Error)
	}
	if result.Output != "hello" {
		t.Errorf("Output = %q, want %q", result.Output, "hello")
	}
	if tool.calls != 1 {
		t.Errorf("tool called %d times, want 1", tool.calls)
	}
	if got := tool.lastArgs["text"]; got != "hello" {
		t.Errorf("args[text] = %v, want hello", got)
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry(nil)

	result := reg.Execute(context.Background(), "missing", nil)
	if result.Success {
		t.Fatal("expected failure for unknown tool")
	}
	if result.Error != "tool not found: missing" {
		t.Errorf("Error = %q, want %q", result.Error, "tool not found: missing")
	}
}

func TestRegistryExecuteToolError(t *testing.T) {
	reg := NewRegistry(nil)
	if err := reg.Register(&fakeTool{name: "flaky", err: errors.New("upstream down")}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result := reg.Execute(context.Background(), "flaky", nil)
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Error != "upstream down" {
		t.Errorf("Error = %q, want %q", result.Error, "upstream down")
	}
}

func TestRegistryExecuteRecoversPanic(t *testing.T) {
	reg := NewRegistry(nil)
	if err := reg.Register(&fakeTool{name: "bomb", panicMsg: "kaboom"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result := reg.Execute(context.Background(), "bomb", nil)
	if result.Success {
		t.Fatal("expected failure from panicking tool")
	}
	if !strings.Contains(result.Error, "kaboom") {
		t.Errorf("Error = %q, want panic message included", result.Error)
	}
}

func TestRegistryRegisterValidation(t *testing.T) {
	reg := NewRegistry(nil)

	if err := reg.Register(nil); err == nil {
		t.Error("expected error for nil tool")
	}
	if err := reg.Register(&fakeTool{name: ""}); err == nil {
		t.Error("expected error for empty name")
	}
	if err := reg.Register(&fakeTool{name: strings.Repeat("x", maxToolNameLength+1)}); err == nil {
		t.Error("expected error for oversized name")
	}
}

func TestRegistryReplaceOnSameName(t *testing.T) {
	reg := NewRegistry(nil)
	first := &fakeTool{name: "dup", result: &models.ToolResult{Success: true, Output: "first"}}
	second := &fakeTool{name: "dup", result: &models.ToolResult{Success: true, Output: "second"}}

	if err := reg.Register(first); err != nil {
		t.Fatalf("Register first: %v", err)
	}
	if err := reg.Register(second); err != nil {
		t.Fatalf("Register second: %v", err)
	}

	result := reg.Execute(context.Background(), "dup", nil)
	if result.Output != "second" {
		t.Errorf("Output = %q, want the replacement tool's output", result.Output)
	}
	if first.calls != 0 {
		t.Error("replaced tool should not run")
	}
}

func TestRegistryNamesAndDefinitions(t *testing.T) {
	reg := NewRegistry(nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := reg.Register(&fakeTool{name: name, desc: name + " tool"}); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}

	want := []string{"alpha", "mid", "zeta"}
	if got := reg.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}

	defs := reg.Definitions()
	if len(defs) != 3 {
		t.Fatalf("Definitions returned %d, want 3", len(defs))
	}
	if defs[0].Name != "alpha" || defs[0].Description != "alpha tool" {
		t.Errorf("Definitions[0] = %+v", defs[0])
	}
	if len(defs[0].Parameters) == 0 {
		t.Error("definition carries no schema")
	}
}

func TestRegistryUnregister(t *testing.T) {
	reg := NewRegistry(nil)
	if err := reg.Register(&fakeTool{name: "gone"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	reg.Unregister("gone")
	if _, ok := reg.Get("gone"); ok {
		t.Error("tool still registered after Unregister")
	}

	// Unknown names are a no-op.
	reg.Unregister("never-existed")
}

func TestDecodeArgs(t *testing.T) {
	var input struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	args := map[string]any{"query": "weather", "limit": float64(3)}

	if err := DecodeArgs(args, &input); err != nil {
		t.Fatalf("DecodeArgs: %v", err)
	}
	if input.Query != "weather" || input.Limit != 3 {
		t.Errorf("decoded = %+v", input)
	}
}
