package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/pkg/models"
)

// RunCommandTool exposes the executor as the run_command tool.
type RunCommandTool struct {
	exec *Executor
}

// NewRunCommandTool wraps exec.
func NewRunCommandTool(exec *Executor) *RunCommandTool {
	return &RunCommandTool{exec: exec}
}

func (t *RunCommandTool) Name() string { return "run_command" }

func (t *RunCommandTool) Description() string {
	return "Run a shell command from the allowlist inside the agent workspace. Use list_allowed_commands to see what is permitted."
}

func (t *RunCommandTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {
				"type": "string",
				"description": "Shell command to run, e.g. 'ls -la' or 'grep -r TODO .'"
			},
			"working_dir": {
				"type": "string",
				"description": "Directory to run in, relative to the workspace"
			}
		},
		"required": ["command"]
	}`)
}

func (t *RunCommandTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	var params struct {
		Command    string `json:"command"`
		WorkingDir string `json:"working_dir"`
	}
	if err := agent.DecodeArgs(args, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Command) == "" {
		return nil, fmt.Errorf("command is required")
	}

	res, err := t.exec.Run(ctx, params.Command, params.WorkingDir)
	if err != nil {
		return &models.ToolResult{Error: fmt.Sprintf("command blocked: %v", err)}, nil
	}

	var parts []string
	if res.TimedOut {
		parts = append(parts, fmt.Sprintf("⏱️ Command timed out after %s", t.exec.Timeout()))
	}
	if res.Stdout != "" {
		parts = append(parts, fmt.Sprintf("**Output:**\n```\n%s\n```", res.Stdout))
	}
	if res.Stderr != "" {
		parts = append(parts, fmt.Sprintf("**Errors:**\n```\n%s\n```", res.Stderr))
	}
	if res.ExitCode != 0 {
		parts = append(parts, fmt.Sprintf("**Exit code:** %d", res.ExitCode))
	}
	if len(parts) == 0 {
		parts = append(parts, "Command completed successfully (no output)")
	}

	return &models.ToolResult{
		Success: res.ExitCode == 0,
		Output:  strings.Join(parts, "\n\n"),
		Data:    res,
	}, nil
}

// ListCommandsTool reports the allowlist so the model can plan around it.
type ListCommandsTool struct {
	exec *Executor
}

// NewListCommandsTool wraps exec.
func NewListCommandsTool(exec *Executor) *ListCommandsTool {
	return &ListCommandsTool{exec: exec}
}

func (t *ListCommandsTool) Name() string { return "list_allowed_commands" }

func (t *ListCommandsTool) Description() string {
	return "List the shell commands run_command is allowed to execute."
}

func (t *ListCommandsTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *ListCommandsTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	cmds := t.exec.AllowedCommands()
	quoted := make([]string, len(cmds))
	for i, c := range cmds {
		quoted[i] = "`" + c + "`"
	}
	return &models.ToolResult{
		Success: true,
		Output:  "**Allowed Shell Commands:**\n\n" + strings.Join(quoted, ", "),
		Data:    cmds,
	}, nil
}
