package files

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/pkg/models"
)

// ReadFileTool reads a workspace file.
type ReadFileTool struct {
	ws *Workspace
}

// NewReadFileTool wraps ws.
func NewReadFileTool(ws *Workspace) *ReadFileTool { return &ReadFileTool{ws: ws} }

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a text file from the agent workspace. Long files are truncated; pass max_lines to read more."
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "File path relative to the workspace"
			},
			"max_lines": {
				"type": "integer",
				"description": "Maximum lines to return (default 100)"
			}
		},
		"required": ["path"]
	}`)
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	var params struct {
		Path     string `json:"path"`
		MaxLines int    `json:"max_lines"`
	}
	if err := agent.DecodeArgs(args, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Path) == "" {
		return nil, fmt.Errorf("path is required")
	}

	content, err := t.ws.ReadFile(params.Path, params.MaxLines)
	if err != nil {
		return &models.ToolResult{Error: err.Error()}, nil
	}
	return &models.ToolResult{
		Success: true,
		Output:  fmt.Sprintf("**File: %s**\n```\n%s\n```", params.Path, content),
		Data:    map[string]any{"path": params.Path, "content": content},
	}, nil
}

// WriteFileTool writes or appends to a workspace file.
type WriteFileTool struct {
	ws *Workspace
}

// NewWriteFileTool wraps ws.
func NewWriteFileTool(ws *Workspace) *WriteFileTool { return &WriteFileTool{ws: ws} }

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write a text file in the agent workspace, creating parent directories. Set append to add to the end instead of replacing."
}

func (t *WriteFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {
				"type": "string",
				"description": "File path relative to the workspace"
			},
			"content": {
				"type": "string",
				"description": "Content to write"
			},
			"append": {
				"type": "boolean",
				"description": "Append instead of overwrite (default false)"
			}
		},
		"required": ["path", "content"]
	}`)
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := agent.DecodeArgs(args, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Path) == "" {
		return nil, fmt.Errorf("path is required")
	}

	if err := t.ws.WriteFile(params.Path, params.Content, params.Append); err != nil {
		return &models.ToolResult{Error: err.Error()}, nil
	}
	verb := "Wrote"
	if params.Append {
		verb = "Appended"
	}
	return &models.ToolResult{
		Success: true,
		Output:  fmt.Sprintf("%s %d characters to %s", verb, len(params.Content), params.Path),
		Data:    map[string]any{"path": params.Path, "bytes": len(params.Content)},
	}, nil
}

// ListFilesTool lists workspace files.
type ListFilesTool struct {
	ws *Workspace
}

// NewListFilesTool wraps ws.
func NewListFilesTool(ws *Workspace) *ListFilesTool { return &ListFilesTool{ws: ws} }

func (t *ListFilesTool) Name() string { return "list_files" }

func (t *ListFilesTool) Description() string {
	return "List files in the agent workspace, optionally filtered by a glob pattern or recursively."
}

func (t *ListFilesTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"directory": {
				"type": "string",
				"description": "Directory relative to the workspace (default: workspace root)"
			},
			"pattern": {
				"type": "string",
				"description": "Glob matched against file names, e.g. '*.md'"
			},
			"recursive": {
				"type": "boolean",
				"description": "Descend into subdirectories (default false)"
			}
		}
	}`)
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	var params struct {
		Directory string `json:"directory"`
		Pattern   string `json:"pattern"`
		Recursive bool   `json:"recursive"`
	}
	if err := agent.DecodeArgs(args, &params); err != nil {
		return nil, err
	}

	paths, err := t.ws.ListFiles(params.Directory, params.Pattern, params.Recursive)
	if err != nil {
		return &models.ToolResult{Error: err.Error()}, nil
	}
	if len(paths) == 0 {
		return &models.ToolResult{Success: true, Output: "No files found.", Data: paths}, nil
	}

	label := params.Directory
	if label == "" {
		label = "workspace"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**Files in %s:**\n", label)
	shown := paths
	if len(shown) > maxListShown {
		shown = shown[:maxListShown]
	}
	for _, p := range shown {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	if extra := len(paths) - len(shown); extra > 0 {
		fmt.Fprintf(&b, "... and %d more files", extra)
	}
	return &models.ToolResult{
		Success: true,
		Output:  strings.TrimRight(b.String(), "\n"),
		Data:    paths,
	}, nil
}

// SearchFilesTool searches workspace files by name or content.
type SearchFilesTool struct {
	ws *Workspace
}

// NewSearchFilesTool wraps ws.
func NewSearchFilesTool(ws *Workspace) *SearchFilesTool { return &SearchFilesTool{ws: ws} }

func (t *SearchFilesTool) Name() string { return "search_files" }

func (t *SearchFilesTool) Description() string {
	return "Search workspace files by name, or by content when search_content is true (case-insensitive regexp)."
}

func (t *SearchFilesTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {
				"type": "string",
				"description": "Name fragment, glob, or content regexp to search for"
			},
			"directory": {
				"type": "string",
				"description": "Directory relative to the workspace (default: workspace root)"
			},
			"search_content": {
				"type": "boolean",
				"description": "Search inside files instead of matching names (default false)"
			}
		},
		"required": ["pattern"]
	}`)
}

func (t *SearchFilesTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	var params struct {
		Pattern       string `json:"pattern"`
		Directory     string `json:"directory"`
		SearchContent bool   `json:"search_content"`
	}
	if err := agent.DecodeArgs(args, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Pattern) == "" {
		return nil, fmt.Errorf("pattern is required")
	}

	matches, err := t.ws.SearchFiles(params.Pattern, params.Directory, params.SearchContent)
	if err != nil {
		return &models.ToolResult{Error: err.Error()}, nil
	}
	if len(matches) == 0 {
		return &models.ToolResult{Success: true, Output: "No matches found.", Data: matches}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Search Results (%d):**\n", len(matches))
	shown := matches
	if len(shown) > maxSearchShown {
		shown = shown[:maxSearchShown]
	}
	for _, m := range shown {
		if params.SearchContent {
			fmt.Fprintf(&b, "- **%s** (%d matches)\n  `%s`\n", m.File, m.Matches, m.Preview)
		} else {
			fmt.Fprintf(&b, "- %s (%d bytes)\n", m.File, m.Size)
		}
	}
	if extra := len(matches) - len(shown); extra > 0 {
		fmt.Fprintf(&b, "... and %d more", extra)
	}
	return &models.ToolResult{
		Success: true,
		Output:  strings.TrimRight(b.String(), "\n"),
		Data:    matches,
	}, nil
}
