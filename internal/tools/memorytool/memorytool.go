// Package memorytool exposes long-term memory as the remember and recall
// tools. Entries are scoped to the acting user, taken from the request
// context when the transport stamped one and falling back to the configured
// owner otherwise.
package memorytool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/memory"
	"github.com/haasonsaas/steward/internal/observability"
	"github.com/haasonsaas/steward/pkg/models"
)

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

// RememberTool stores a fact.
type RememberTool struct {
	store           *memory.Store
	fallbackUserKey string
}

// NewRememberTool wraps store. fallbackUserKey owns entries when the
// context carries no user.
func NewRememberTool(store *memory.Store, fallbackUserKey string) *RememberTool {
	return &RememberTool{store: store, fallbackUserKey: fallbackUserKey}
}

func (t *RememberTool) Name() string { return "remember" }

func (t *RememberTool) Description() string {
	return "Store a fact in long-term memory so it survives conversation compaction. Use for preferences, people, projects, and standing instructions."
}

func (t *RememberTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {
				"type": "string",
				"description": "The fact to remember, phrased so it makes sense on its own"
			},
			"category": {
				"type": "string",
				"description": "Optional grouping, e.g. 'preference' or 'project' (default 'fact')"
			}
		},
		"required": ["content"]
	}`)
}

func (t *RememberTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	var params struct {
		Content  string `json:"content"`
		Category string `json:"category"`
	}
	if err := agent.DecodeArgs(args, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Content) == "" {
		return nil, fmt.Errorf("content is required")
	}

	key, err := userKey(ctx, t.fallbackUserKey)
	if err != nil {
		return &models.ToolResult{Error: err.Error()}, nil
	}
	entry, err := t.store.Remember(ctx, key, params.Content, params.Category)
	if err != nil {
		return &models.ToolResult{Error: err.Error()}, nil
	}
	return &models.ToolResult{
		Success: true,
		Output:  fmt.Sprintf("💾 Remembered (%s): %s", entry.Category, entry.Content),
		Data:    entry,
	}, nil
}

// RecallTool searches stored facts.
type RecallTool struct {
	store           *memory.Store
	fallbackUserKey string
}

// NewRecallTool wraps store.
func NewRecallTool(store *memory.Store, fallbackUserKey string) *RecallTool {
	return &RecallTool{store: store, fallbackUserKey: fallbackUserKey}
}

func (t *RecallTool) Name() string { return "recall" }

func (t *RecallTool) Description() string {
	return "Search long-term memory for stored facts. An empty query returns the most recent entries."
}

func (t *RecallTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "Text to search for; empty for the newest entries"
			},
			"limit": {
				"type": "integer",
				"description": "Maximum entries to return (default 10)"
			}
		}
	}`)
}

func (t *RecallTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := agent.DecodeArgs(args, &params); err != nil {
		return nil, err
	}

	key, err := userKey(ctx, t.fallbackUserKey)
	if err != nil {
		return &models.ToolResult{Error: err.Error()}, nil
	}
	entries, err := t.store.Recall(ctx, key, params.Query, params.Limit)
	if err != nil {
		return &models.ToolResult{Error: err.Error()}, nil
	}
	if len(entries) == 0 {
		return &models.ToolResult{Success: true, Output: "No memories found.", Data: entries}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Memories (%d):**\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", e.Category, e.Content, e.CreatedAt.Format("2006-01-02"))
	}
	return &models.ToolResult{
		Success: true,
		Output:  strings.TrimRight(b.String(), "\n"),
		Data:    entries,
	}, nil
}
