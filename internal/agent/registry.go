package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/steward/internal/observability"
	"github.com/haasonsaas/steward/pkg/models"
)

const maxToolNameLength = 256

// Registry holds the tools available to the agent and dispatches calls to
// them. It is a dispatcher, not a validator: argument checking belongs to
// the tools. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *observability.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

// Register adds a tool, replacing any existing tool of the same name.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("cannot register nil tool")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("cannot register tool with empty name")
	}
	if len(name) > maxToolNameLength {
		return fmt.Errorf("tool name exceeds %d characters: %s", maxToolNameLength, name[:maxToolNameLength])
	}

	r.mu.Lock()
	r.tools[name] = tool
	r.mu.Unlock()

	r.logger.Debug("tool registered", "tool", name)
	return nil
}

// Unregister removes a tool. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the provider-facing definitions of every registered
// tool, ordered by name.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]models.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, Definition(r.tools[name]))
	}
	return defs
}

// Execute dispatches one tool call. It never returns a Go error: unknown
// tools, tool errors, and panics all come back as a failed ToolResult so the
// model sees the failure and can adapt.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result *models.ToolResult) {
	tool, ok := r.Get(name)
	if !ok {
		return &models.ToolResult{Success: false, Error: "tool not found: " + name}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", rec)
			result = &models.ToolResult{Success: false, Error: fmt.Sprintf("tool panicked: %v", rec)}
		}
	}()

	res, err := tool.Execute(ctx, args)
	if err != nil {
		r.logger.Error("tool execution error", "tool", name, "error", err)
		return &models.ToolResult{Success: false, Error: err.Error()}
	}
	if res == nil {
		return &models.ToolResult{Success: false, Error: "tool returned no result: " + name}
	}
	return res
}
