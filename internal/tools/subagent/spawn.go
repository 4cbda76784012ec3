// Package subagent implements the Task tool: a synchronous sub-agent
// launcher that runs a child agent loop to completion and reports back a
// single text summary.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jimiagent/jimi/internal/agent"
	"github.com/jimiagent/jimi/internal/agent/contextstore"
	"github.com/jimiagent/jimi/pkg/models"
)

// autoContinueThreshold is the final-text length below which the launcher
// asks the child for one more turn.
const autoContinueThreshold = 200

const autoContinuePrompt = "Please continue and provide more detail."

// ProviderFor resolves the LLMProvider to use for a given model name,
// falling back to the caller's default when model is empty.
type ProviderFor func(model string) agent.LLMProvider

// Task implements the "Task" tool registered when the resolved agent spec
// declares at least one sub-agent. One Task value serves one parent
// session; each call spawns an independent, isolated child run that reports
// back a single text summary.
type Task struct {
	parentHistoryStem string
	specs             map[string]agent.SubagentSpec
	bus               *agent.Bus
	gate              *agent.ApprovalGate
	registry          *agent.ToolRegistry
	providerFor       ProviderFor
	maxContextSize    int
	instruments       agent.Instruments

	seq uint64
}

// NewTask constructs the Task tool. parentHistoryPath is the parent
// session's own history file path; children are named as siblings in the
// same directory. specs is the resolved agent spec's Subagents map.
func NewTask(parentHistoryPath string, specs map[string]agent.SubagentSpec, bus *agent.Bus, gate *agent.ApprovalGate, registry *agent.ToolRegistry, providerFor ProviderFor, maxContextSize int) *Task {
	stem := strings.TrimSuffix(parentHistoryPath, filepath.Ext(parentHistoryPath))
	return &Task{
		parentHistoryStem: stem,
		specs:             specs,
		bus:               bus,
		gate:              gate,
		registry:          registry,
		providerFor:       providerFor,
		maxContextSize:    maxContextSize,
	}
}

// SetInstruments attaches optional logging/metrics/tracing hooks, forwarded
// to each child executor.
func (t *Task) SetInstruments(in agent.Instruments) {
	t.instruments = in
}

func (t *Task) Name() string { return "Task" }

func (t *Task) Description() string {
	return "Delegate a focused piece of work to a named sub-agent and receive its final summary."
}

func (t *Task) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"description": {"type": "string", "description": "Short label for this delegation, shown in logs"},
			"subagent_name": {"type": "string", "description": "Name of a registered sub-agent"},
			"prompt": {"type": "string", "description": "The task to hand to the sub-agent"}
		},
		"required": ["description", "subagent_name", "prompt"]
	}`)
}

type taskParams struct {
	Description  string `json:"description"`
	SubagentName string `json:"subagent_name"`
	Prompt       string `json:"prompt"`
}

// Execute runs one child agent loop to completion (with at most one
// auto-continue turn) and returns the concatenation of its assistant text
// as the tool's output. The parent never sees the child's message history
// — only this returned string crosses back.
func (t *Task) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	var p taskParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid Task arguments: %w", err)
	}

	spec, ok := t.specs[p.SubagentName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", agent.ErrSubagentUnknown, p.SubagentName)
	}
	childSpec, err := spec.ResolveAgentSpec()
	if err != nil {
		return nil, fmt.Errorf("resolve sub-agent %q: %w", p.SubagentName, err)
	}

	childPath := t.nextChildPath()
	childStore, err := contextstore.New(childPath)
	if err != nil {
		return nil, fmt.Errorf("open sub-agent history: %w", err)
	}
	defer childStore.Close()

	provider := t.providerFor(childSpec.Model)
	if provider == nil {
		return nil, agent.ErrNoProvider
	}
	schemas := t.registry.SchemasFor(childSpec.AllowedTools, childSpec.ExcludedTools)
	dispatcher := agent.NewDispatcher(t.registry, t.gate, t.bus)

	var compactor *agent.Compactor
	if t.maxContextSize > 0 {
		compactor = agent.NewCompactor(t.bus, provider, t.maxContextSize)
	}

	systemPrompt := BuildSubagentSystemPrompt(p.Description, p.Prompt)
	if rendered := renderTemplate(childSpec.SystemPromptTemplate, childSpec.PromptArgs); rendered != "" {
		systemPrompt += "\n\n" + rendered
	}
	executor := agent.NewExecutor(childStore, t.bus, t.registry, dispatcher, compactor, provider, systemPrompt, schemas)
	executor.SetInstruments(t.instruments)

	start := time.Now()
	if err := executor.Execute(ctx, []models.ContentPart{models.TextPart(p.Prompt)}); err != nil {
		t.instruments.Metrics.RecordSubagentRun("error")
		return nil, fmt.Errorf("sub-agent %q: %w", p.SubagentName, err)
	}

	final := latestAssistantText(childStore)
	if len(final) < autoContinueThreshold {
		if err := executor.Execute(ctx, []models.ContentPart{models.TextPart(autoContinuePrompt)}); err == nil {
			final = latestAssistantText(childStore)
		}
	}

	t.instruments.Metrics.RecordSubagentRun("success")
	if t.instruments.Logger != nil {
		t.instruments.Logger.Info(ctx, BuildStatsLine(&StatsLine{
			Runtime:     FormatDurationShort(time.Since(start)),
			TotalTokens: childStore.TokenCount(),
			SessionKey:  filepath.Base(childPath),
		}), "subagent", p.SubagentName)
	}

	return &models.ToolResult{Status: models.ToolResultOK, Output: final}, nil
}

func (t *Task) nextChildPath() string {
	n := atomic.AddUint64(&t.seq, 1)
	return t.parentHistoryStem + "_sub_" + strconv.FormatUint(n, 10) + ".jsonl"
}

// latestAssistantText concatenates every assistant message's text content
// produced since the start of the child's history, in order.
func latestAssistantText(store *contextstore.Store) string {
	var b strings.Builder
	for _, m := range store.SnapshotHistory() {
		if m.Role != models.RoleAssistant {
			continue
		}
		if text := m.Content.Text(); text != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(text)
		}
	}
	return b.String()
}

// renderTemplate applies the simplest possible {{KEY}} substitution;
// parsing the on-disk spec format is out of scope so callers that
// need richer templating resolve it themselves before building AgentSpec.
func renderTemplate(tmpl string, args map[string]string) string {
	out := tmpl
	for k, v := range args {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}
