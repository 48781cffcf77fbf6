package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/steward/pkg/models"
)

// Tool is an executable capability the model can call.
//
// Schema returns the JSON Schema (object-typed) describing the arguments;
// the model constructs calls against it. Execute receives the decoded
// argument map. Argument validation beyond JSON well-formedness is each
// tool's own concern.
type Tool interface {
	// Name returns the function-calling name (alphanumeric and underscores).
	Name() string

	// Description tells the model what the tool does and when to use it.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool. Operational failures belong in the returned
	// ToolResult; a non-nil error means the tool itself misbehaved.
	Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error)
}

// Definition builds the provider-facing definition for t.
func Definition(t Tool) models.ToolDefinition {
	return models.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema(),
	}
}

// DecodeArgs round-trips an argument map into a typed struct. Tools use it
// to get schema-shaped inputs without hand-walking the map.
func DecodeArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
