package agent

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/jimiagent/jimi/pkg/models"
)

// FunctionSchema is the OpenAI-style function-calling schema exposed to a
// provider for one registered tool.
type FunctionSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// SchemasFor yields the function-calling schema list for every registered
// tool whose name is in allowed (or allowed is empty, meaning "all") and not
// in excluded, ordered lexicographically by function_name.
func (r *ToolRegistry) SchemasFor(allowed, excluded map[string]struct{}) []FunctionSchema {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	tools := r.tools
	r.mu.RUnlock()

	sort.Strings(names)

	out := make([]FunctionSchema, 0, len(names))
	for _, name := range names {
		if len(allowed) > 0 {
			if _, ok := allowed[name]; !ok {
				continue
			}
		}
		if _, ok := excluded[name]; ok {
			continue
		}
		t := tools[name]
		out = append(out, FunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return out
}

// ChunkKind identifies the variant of one streamed Chunk.
type ChunkKind string

const (
	ChunkContent  ChunkKind = "content"
	ChunkToolCall ChunkKind = "tool_call"
	ChunkDone     ChunkKind = "done"
)

// Usage is the provider-reported token usage for one completion, carried on
// a DONE chunk and on the non-streaming Complete path.
type Usage struct {
	Prompt     int
	Completion int
	Total      int
}

// Chunk is one incremental unit of a streaming LLM response. For
// a CONTENT chunk, Text/IsReasoning are populated; for a TOOL_CALL chunk,
// ToolCallID/FunctionName/ArgumentsDelta (each individually optional, per
// the reassembly rules the accumulator applies); for DONE, Usage may be nil.
type Chunk struct {
	Kind ChunkKind

	Text        string
	IsReasoning bool

	ToolCallID     string
	FunctionName   string
	ArgumentsDelta string

	Usage *Usage
}

// LLMProvider is the narrow interface the core consumes from a concrete LLM
// transport. The core never assumes tool support: when schemas is
// empty, a conforming provider emits only CONTENT chunks.
type LLMProvider interface {
	// Complete issues a non-streaming request, used by the compactor
	// with an empty schemas list (tools disabled).
	Complete(ctx context.Context, system string, history []*models.Message, schemas []FunctionSchema) (*models.Message, *Usage, error)

	// Stream issues a streaming request and returns a channel of Chunks. A
	// conforming stream ends with a DONE chunk; a mid-stream transport
	// failure is reported on the error channel rather than a sentinel chunk
	// so the loop can tell "no chunks" apart from "errored before any chunk".
	Stream(ctx context.Context, system string, history []*models.Message, schemas []FunctionSchema) (<-chan Chunk, <-chan error)
}
