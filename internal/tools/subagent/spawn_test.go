package subagent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jimiagent/jimi/internal/agent"
	"github.com/jimiagent/jimi/pkg/models"
)

type fakeProvider struct {
	batches [][]agent.Chunk
	calls   int
}

func (p *fakeProvider) Complete(ctx context.Context, system string, history []*models.Message, schemas []agent.FunctionSchema) (*models.Message, *agent.Usage, error) {
	return &models.Message{Role: models.RoleAssistant, Content: models.NewTextContent("summary")}, &agent.Usage{Total: 1}, nil
}

func (p *fakeProvider) Stream(ctx context.Context, system string, history []*models.Message, schemas []agent.FunctionSchema) (<-chan agent.Chunk, <-chan error) {
	out := make(chan agent.Chunk, 8)
	errCh := make(chan error, 1)

	var batch []agent.Chunk
	if p.calls < len(p.batches) {
		batch = p.batches[p.calls]
	}
	p.calls++

	go func() {
		defer close(out)
		for _, c := range batch {
			out <- c
		}
		errCh <- nil
		close(errCh)
	}()
	return out, errCh
}

func newTestTask(t *testing.T, provider agent.LLMProvider, specs map[string]agent.SubagentSpec) *Task {
	t.Helper()
	dir := t.TempDir()
	bus := agent.NewBus()
	gate := agent.NewApprovalGate(bus, true)
	registry := agent.NewToolRegistry()
	return NewTask(filepath.Join(dir, "history.jsonl"), specs, bus, gate, registry, func(string) agent.LLMProvider { return provider }, 0)
}

func researcherSpecs() map[string]agent.SubagentSpec {
	return map[string]agent.SubagentSpec{
		"researcher": {
			Description: "looks things up",
			ResolveAgentSpec: func() (*agent.AgentSpec, error) {
				return &agent.AgentSpec{Name: "researcher", SystemPromptTemplate: BuildSubagentSystemPrompt("researcher", "")}, nil
			},
		},
	}
}

func TestTask_RunsChildAndReturnsSummary(t *testing.T) {
	longText := strings.Repeat("x", 250)
	provider := &fakeProvider{batches: [][]agent.Chunk{
		{{Kind: agent.ChunkContent, Text: longText}, {Kind: agent.ChunkDone}},
	}}
	task := newTestTask(t, provider, researcherSpecs())

	params, _ := json.Marshal(taskParams{Description: "look something up", SubagentName: "researcher", Prompt: "find x"})
	result, err := task.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Output != longText {
		t.Fatalf("Output = %q, want %q", result.Output, longText)
	}
}

func TestTask_UnknownSubagentName(t *testing.T) {
	task := newTestTask(t, &fakeProvider{}, researcherSpecs())

	params, _ := json.Marshal(taskParams{Description: "d", SubagentName: "ghost", Prompt: "p"})
	_, err := task.Execute(context.Background(), params)
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("Execute() error = %v, want unknown-subagent error mentioning %q", err, "ghost")
	}
}

func TestTask_ShortReplyTriggersAutoContinue(t *testing.T) {
	provider := &fakeProvider{batches: [][]agent.Chunk{
		{{Kind: agent.ChunkContent, Text: "short"}, {Kind: agent.ChunkDone}},
		{{Kind: agent.ChunkContent, Text: " and now a longer continuation"}, {Kind: agent.ChunkDone}},
	}}
	task := newTestTask(t, provider, researcherSpecs())

	params, _ := json.Marshal(taskParams{Description: "d", SubagentName: "researcher", Prompt: "find x"})
	result, err := task.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if provider.calls != 2 {
		t.Fatalf("expected exactly one auto-continue call, provider.calls = %d", provider.calls)
	}
	if !strings.Contains(result.Output, "short") || !strings.Contains(result.Output, "longer continuation") {
		t.Fatalf("Output = %q, want both turns concatenated", result.Output)
	}
}
