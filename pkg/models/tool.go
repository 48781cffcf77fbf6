package models

import "encoding/json"

// ToolDefinition is the provider-facing description of a callable tool: its
// name, what it does, and an object-typed JSON Schema for its arguments.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}
