package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jimiagent/jimi/pkg/models"
)

// MaxToolNameLength and MaxToolParamsSize bound resource use per call.
const (
	MaxToolNameLength = 256
	MaxToolParamsSize = 10 << 20
)

// Tool is one entry in the registry available for LLM function calling.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema describing the tool's parameters,
	// consumed both for LLM function-calling exposure and for validating
	// incoming arguments before execution.
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error)
}

// PrivilegedTool is implemented by tools whose calls must pass the approval
// gate before execution.
type PrivilegedTool interface {
	Tool
	RequiresApproval() bool
}

// ToolRegistry holds every tool available to the loop, keyed by name.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get looks up a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns every registered tool, in no particular order.
func (r *ToolRegistry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// RequiresApproval reports whether a named tool call must be routed through
// the approval gate. Unknown tools are treated as privileged by default.
func (r *ToolRegistry) RequiresApproval(name string) bool {
	t, ok := r.Get(name)
	if !ok {
		return true
	}
	if pt, ok := t.(PrivilegedTool); ok {
		return pt.RequiresApproval()
	}
	return false
}

// Execute invokes a tool by name, bounds-checking the call before dispatch.
// Errors here are classified ToolErrors, not wire-level failures.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*models.ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return nil, NewToolError(name, fmt.Errorf("tool name exceeds %d characters", MaxToolNameLength)).WithType(ToolErrorInvalidInput)
	}
	if len(params) > MaxToolParamsSize {
		return nil, NewToolError(name, fmt.Errorf("tool parameters exceed %d bytes", MaxToolParamsSize)).WithType(ToolErrorInvalidInput)
	}

	t, ok := r.Get(name)
	if !ok {
		return nil, NewToolError(name, ErrToolNotFound).WithType(ToolErrorNotFound)
	}
	return t.Execute(ctx, params)
}
