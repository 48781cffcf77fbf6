package server

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// taskCreateSchemaJSON shapes POST /v1/tasks bodies. Cross-field rules
// (which fields each kind needs) live in buildTask.
const taskCreateSchemaJSON = `{
	"type": "object",
	"properties": {
		"kind": {"type": "string", "enum": ["cron", "one_shot", "reminder", "daily_briefing"]},
		"name": {"type": "string", "maxLength": 200},
		"prompt": {"type": "string", "maxLength": 4000},
		"cron_expr": {"type": "string", "maxLength": 100},
		"scheduled_at": {"type": "string"},
		"user_key": {"type": "string", "maxLength": 200},
		"hour": {"type": "integer", "minimum": 0, "maximum": 23},
		"minute": {"type": "integer", "minimum": 0, "maximum": 59},
		"active_window": {
			"type": "object",
			"properties": {
				"start_hour": {"type": "integer", "minimum": 0, "maximum": 23},
				"end_hour": {"type": "integer", "minimum": 0, "maximum": 24}
			},
			"additionalProperties": false
		}
	},
	"required": ["kind"],
	"additionalProperties": false
}`

var (
	taskSchemaOnce sync.Once
	taskSchema     *jsonschema.Schema
)

func compiledTaskSchema() *jsonschema.Schema {
	taskSchemaOnce.Do(func() {
		taskSchema = jsonschema.MustCompileString("task_create.json", taskCreateSchemaJSON)
	})
	return taskSchema
}

// validateTaskCreate checks a raw request body against the task schema.
func validateTaskCreate(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := compiledTaskSchema().Validate(v); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	return nil
}
