package tape

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jimiagent/jimi/internal/agent"
	"github.com/jimiagent/jimi/pkg/models"
)

func sampleTape() *Tape {
	t := New()
	t.AddTurn(Turn{Chunks: []agent.Chunk{
		{Kind: agent.ChunkContent, Text: "thinking about it", IsReasoning: true},
		{Kind: agent.ChunkContent, Text: "Hello "},
		{Kind: agent.ChunkContent, Text: "world"},
		{Kind: agent.ChunkToolCall, ToolCallID: "c1", FunctionName: "read", ArgumentsDelta: `{"path":"a"}`},
		{Kind: agent.ChunkDone, Usage: &agent.Usage{Prompt: 3, Completion: 4, Total: 7}},
	}})
	return t
}

func drain(chunks <-chan agent.Chunk, errs <-chan error) ([]agent.Chunk, error) {
	var out []agent.Chunk
	for c := range chunks {
		out = append(out, c)
	}
	return out, <-errs
}

func TestTape_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.tape.json")
	orig := sampleTape()
	if err := orig.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(loaded.Turns))
	}
	if !reflect.DeepEqual(loaded.Turns[0].Chunks, orig.Turns[0].Chunks) {
		t.Errorf("chunks round trip mismatch:\n%+v\n%+v", loaded.Turns[0].Chunks, orig.Turns[0].Chunks)
	}
}

func TestReplayer_StreamPlaysTurnsInOrder(t *testing.T) {
	rec := sampleTape()
	rec.AddTurn(Turn{Chunks: []agent.Chunk{{Kind: agent.ChunkDone}}})
	r := NewReplayer(rec)

	chunks, err := drain(r.Stream(context.Background(), "", nil, nil))
	if err != nil {
		t.Fatalf("turn 0 err = %v", err)
	}
	if len(chunks) != 5 {
		t.Fatalf("turn 0 chunks = %d, want 5", len(chunks))
	}
	if r.TurnsConsumed() != 1 {
		t.Errorf("consumed = %d, want 1", r.TurnsConsumed())
	}

	chunks, err = drain(r.Stream(context.Background(), "", nil, nil))
	if err != nil || len(chunks) != 1 {
		t.Fatalf("turn 1: chunks = %d, err = %v", len(chunks), err)
	}
}

func TestReplayer_Exhaustion(t *testing.T) {
	r := NewReplayer(New())
	_, err := drain(r.Stream(context.Background(), "", nil, nil))
	if !errors.Is(err, ErrTapeExhausted) {
		t.Fatalf("err = %v, want ErrTapeExhausted", err)
	}
}

func TestReplayer_ErrTurnTerminatesStreamWithError(t *testing.T) {
	rec := New()
	rec.AddTurn(Turn{
		Chunks: []agent.Chunk{{Kind: agent.ChunkContent, Text: "partial"}},
		Err:    "connection reset",
	})
	r := NewReplayer(rec)
	chunks, err := drain(r.Stream(context.Background(), "", nil, nil))
	if len(chunks) != 1 {
		t.Errorf("chunks = %d, want 1 before the failure", len(chunks))
	}
	if err == nil || err.Error() != "connection reset" {
		t.Fatalf("err = %v, want connection reset", err)
	}
}

// The accumulator over a streamed turn must produce the same assistant
// message the non-streamed path builds from the same tape turn.
func TestReplayer_StreamedAndCompletePathsAgree(t *testing.T) {
	streamed := NewReplayer(sampleTape())
	direct := NewReplayer(sampleTape())

	acc := agent.NewAccumulator(nil)
	chunks, errs := streamed.Stream(context.Background(), "", nil, nil)
	for c := range chunks {
		acc.Feed(c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream err = %v", err)
	}
	fromStream := acc.Finalize().Message

	fromComplete, usage, err := direct.Complete(context.Background(), "", nil, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if fromStream.Content.Text() != fromComplete.Content.Text() {
		t.Errorf("content: %q vs %q", fromStream.Content.Text(), fromComplete.Content.Text())
	}
	if len(fromStream.ToolCalls) != len(fromComplete.ToolCalls) {
		t.Fatalf("tool call counts differ: %d vs %d", len(fromStream.ToolCalls), len(fromComplete.ToolCalls))
	}
	for i := range fromStream.ToolCalls {
		a, b := fromStream.ToolCalls[i], fromComplete.ToolCalls[i]
		if a.ID != b.ID || a.Name != b.Name || string(a.Arguments) != string(b.Arguments) {
			t.Errorf("tool call %d: %+v vs %+v", i, a, b)
		}
	}
	if usage == nil || usage.Total != 7 {
		t.Errorf("usage = %+v", usage)
	}
	if au := acc.Usage(); au == nil || au.Total != 7 {
		t.Errorf("accumulator usage = %+v", au)
	}
	if fromStream.Role != models.RoleAssistant || fromComplete.Role != models.RoleAssistant {
		t.Errorf("roles = %v / %v, want assistant", fromStream.Role, fromComplete.Role)
	}
}

func TestRecorder_CapturesStreamedTurn(t *testing.T) {
	source := NewReplayer(sampleTape())
	rec := NewRecorder(source)

	chunks, errs := rec.Stream(context.Background(), "be brief", nil, nil)
	for range chunks {
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream err = %v", err)
	}

	captured := rec.Tape()
	if len(captured.Turns) != 1 {
		t.Fatalf("captured turns = %d, want 1", len(captured.Turns))
	}
	if len(captured.Turns[0].Chunks) != 5 {
		t.Errorf("captured chunks = %d, want 5", len(captured.Turns[0].Chunks))
	}
	if captured.SystemPrompt != "be brief" {
		t.Errorf("system prompt = %q", captured.SystemPrompt)
	}
}
