package memorytool

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/memory"
	"github.com/haasonsaas/steward/internal/observability"
)

var (
	_ agent.Tool = (*RememberTool)(nil)
	_ agent.Tool = (*RecallTool)(nil)
)

func newTestStore(t *testing.T) *memory.Store {
	t.Helper()
	store, err := memory.NewStore("", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func userCtx(key string) context.Context {
	return observability.ContextWithUserKey(context.Background(), key)
}

func TestRememberStoresForContextUser(t *testing.T) {
	store := newTestStore(t)
	remember := NewRememberTool(store, "")

	res, err := remember.Execute(userCtx("telegram:100"), map[string]any{
		"content":  "Prefers espresso over filter coffee",
		"category": "preference",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %s", res.Error)
	}
	if !strings.Contains(res.Output, "💾 Remembered (preference):") {
		t.Errorf("output = %q", res.Output)
	}

	entries, err := store.Recent(context.Background(), "telegram:100", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "Prefers espresso over filter coffee" {
		t.Errorf("stored entries = %+v", entries)
	}
}

func TestRememberFallsBackToOwner(t *testing.T) {
	store := newTestStore(t)
	remember := NewRememberTool(store, "telegram:owner")

	res, err := remember.Execute(context.Background(), map[string]any{"content": "Standup is at 09:30"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %s", res.Error)
	}

	entries, err := store.Recent(context.Background(), "telegram:owner", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %+v", entries)
	}
	if entries[0].Category != "fact" {
		t.Errorf("default category = %q", entries[0].Category)
	}
}

func TestRememberWithoutUserFails(t *testing.T) {
	remember := NewRememberTool(newTestStore(t), "")

	res, err := remember.Execute(context.Background(), map[string]any{"content": "orphan fact"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "no user") {
		t.Errorf("result = %+v, want user resolution failure", res)
	}

	if _, err := remember.Execute(userCtx("telegram:100"), map[string]any{}); err == nil {
		t.Error("expected error for missing content argument")
	}
}

func TestRecallSearchesOwnEntriesOnly(t *testing.T) {
	store := newTestStore(t)
	seed := func(key, content string) {
		t.Helper()
		if _, err := store.Remember(context.Background(), key, content, ""); err != nil {
			t.Fatalf("Remember: %v", err)
		}
	}
	seed("telegram:100", "Works on the steward project")
	seed("telegram:100", "Allergic to peanuts")
	seed("telegram:200", "Someone else's project notes")

	recall := NewRecallTool(store, "")
	res, err := recall.Execute(userCtx("telegram:100"), map[string]any{"query": "project"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %s", res.Error)
	}
	if !strings.Contains(res.Output, "**Memories (1):**") {
		t.Errorf("output = %q", res.Output)
	}
	if strings.Contains(res.Output, "Someone else") {
		t.Errorf("leaked another user's memory: %q", res.Output)
	}
	if !strings.Contains(res.Output, "- [fact] Works on the steward project (") {
		t.Errorf("entry line missing: %q", res.Output)
	}
}

func TestRecallEmptyQueryReturnsRecent(t *testing.T) {
	store := newTestStore(t)
	for _, c := range []string{"first", "second", "third"} {
		if _, err := store.Remember(context.Background(), "telegram:100", c, ""); err != nil {
			t.Fatalf("Remember: %v", err)
		}
	}

	recall := NewRecallTool(store, "telegram:100")
	res, err := recall.Execute(context.Background(), map[string]any{"limit": 2})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Output, "**Memories (2):**") {
		t.Errorf("output = %q", res.Output)
	}

	res, err = recall.Execute(context.Background(), map[string]any{"query": "no-such-topic"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "No memories found." {
		t.Errorf("no-match output = %q", res.Output)
	}
}
