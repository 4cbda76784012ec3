package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jimiagent/jimi/pkg/models"
)

type stubTool struct {
	name             string
	schema           json.RawMessage
	requiresApproval bool
	execute          func(ctx context.Context, params json.RawMessage) (*models.ToolResult, error)
}

func (t *stubTool) Name() string            { return t.name }
func (t *stubTool) Description() string     { return "stub" }
func (t *stubTool) Schema() json.RawMessage { return t.schema }
func (t *stubTool) RequiresApproval() bool  { return t.requiresApproval }
func (t *stubTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	return t.execute(ctx, params)
}

func newRegistryWith(tools ...Tool) *ToolRegistry {
	r := NewToolRegistry()
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

func TestDispatcher_SuccessfulCall(t *testing.T) {
	tool := &stubTool{
		name:   "echo",
		schema: json.RawMessage(`{"type":"object","required":["text"]}`),
		execute: func(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
			return &models.ToolResult{Output: "hi", Status: models.ToolResultOK}, nil
		},
	}
	bus := NewBus()
	d := NewDispatcher(newRegistryWith(tool), NewApprovalGate(bus, false), bus)

	outcome := d.Dispatch(context.Background(), []models.ToolCall{
		{ID: "1", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)},
	})
	if outcome.LoopShouldTerminate {
		t.Fatal("LoopShouldTerminate = true, want false")
	}
	if len(outcome.Results) != 1 || !outcome.Results[0].OK {
		t.Fatalf("results = %+v, want one ok result", outcome.Results)
	}
	if outcome.Results[0].Message.Content.Text() != "hi" {
		t.Errorf("message content = %q, want hi", outcome.Results[0].Message.Content.Text())
	}
}

func TestDispatcher_UnknownToolFails(t *testing.T) {
	bus := NewBus()
	d := NewDispatcher(newRegistryWith(), NewApprovalGate(bus, false), bus)

	outcome := d.Dispatch(context.Background(), []models.ToolCall{
		{ID: "1", Name: "nope", Arguments: json.RawMessage(`{}`)},
	})
	if outcome.Results[0].OK {
		t.Fatal("OK = true, want false for unknown tool")
	}
}

func TestDispatcher_MissingRequiredFieldFails(t *testing.T) {
	tool := &stubTool{
		name:   "echo",
		schema: json.RawMessage(`{"type":"object","required":["text"]}`),
		execute: func(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
			t.Fatal("execute should not be called")
			return nil, nil
		},
	}
	bus := NewBus()
	d := NewDispatcher(newRegistryWith(tool), NewApprovalGate(bus, false), bus)

	outcome := d.Dispatch(context.Background(), []models.ToolCall{
		{ID: "1", Name: "echo", Arguments: json.RawMessage(`{}`)},
	})
	if outcome.Results[0].OK {
		t.Fatal("OK = true, want false for missing required field")
	}
}

func TestDispatcher_DenyYieldsRejectedMessage(t *testing.T) {
	tool := &stubTool{
		name:             "run_shell",
		schema:           json.RawMessage(`{"type":"object"}`),
		requiresApproval: true,
		execute: func(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
			t.Fatal("execute should not be called when denied")
			return nil, nil
		},
	}
	bus := NewBus()
	sub, cancel := bus.Subscribe()
	defer cancel()
	gate := NewApprovalGate(bus, false)
	d := NewDispatcher(newRegistryWith(tool), gate, bus)

	go func() {
		for ev := range sub {
			if ev.Approval != nil {
				ev.Approval.Reply <- models.ApprovalReplyReject
				return
			}
		}
	}()

	outcome := d.Dispatch(context.Background(), []models.ToolCall{
		{ID: "1", Name: "run_shell", Arguments: json.RawMessage(`{}`)},
	})
	if outcome.Results[0].OK {
		t.Fatal("OK = true, want false for rejected call")
	}
	if outcome.Results[0].Message.Content.Text() != "Rejected by user" {
		t.Errorf("content = %q, want %q", outcome.Results[0].Message.Content.Text(), "Rejected by user")
	}
}

func TestDispatcher_TimeoutYieldsTimeoutMessage(t *testing.T) {
	tool := &stubTool{
		name:   "slow",
		schema: json.RawMessage(`{"type":"object"}`),
		execute: func(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
			select {
			case <-time.After(time.Second):
				return &models.ToolResult{Output: "too slow", Status: models.ToolResultOK}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	bus := NewBus()
	d := NewDispatcher(newRegistryWith(tool), NewApprovalGate(bus, false), bus)
	d.SetToolTimeout("slow", 10*time.Millisecond)

	outcome := d.Dispatch(context.Background(), []models.ToolCall{
		{ID: "1", Name: "slow", Arguments: json.RawMessage(`{}`)},
	})
	if outcome.Results[0].OK {
		t.Fatal("OK = true, want false on timeout")
	}
	if outcome.Results[0].Message.Content.Text() != "Tool execution timed out" {
		t.Errorf("content = %q, want timeout message", outcome.Results[0].Message.Content.Text())
	}
}

func TestDispatcher_RepeatedErrorsTerminatesLoop(t *testing.T) {
	tool := &stubTool{
		name:   "broken",
		schema: json.RawMessage(`{"type":"object"}`),
		execute: func(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
			return &models.ToolResult{Status: models.ToolResultErr, Message: "boom"}, nil
		},
	}
	bus := NewBus()
	d := NewDispatcher(newRegistryWith(tool), NewApprovalGate(bus, false), bus)

	calls := make([]models.ToolCall, 0, 3)
	for i := 0; i < 3; i++ {
		calls = append(calls, models.ToolCall{ID: "x", Name: "broken", Arguments: json.RawMessage(`{"same":true}`)})
	}
	outcome := d.Dispatch(context.Background(), calls)
	if !outcome.LoopShouldTerminate {
		t.Fatal("LoopShouldTerminate = false, want true after 3 identical failing signatures")
	}
	last := outcome.Results[len(outcome.Results)-1].Message.Content.Text()
	if !strings.Contains(last, coachingHint) {
		t.Errorf("final error content missing coaching hint: %q", last)
	}
	first := outcome.Results[0].Message.Content.Text()
	if strings.Contains(first, coachingHint) {
		t.Errorf("first error content should not carry the hint: %q", first)
	}
}

func TestDispatcher_SuccessResetsErrorTracker(t *testing.T) {
	fail := true
	tool := &stubTool{
		name:   "flaky",
		schema: json.RawMessage(`{"type":"object"}`),
		execute: func(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
			if fail {
				return &models.ToolResult{Status: models.ToolResultErr, Message: "boom"}, nil
			}
			return &models.ToolResult{Status: models.ToolResultOK, Output: "fine"}, nil
		},
	}
	bus := NewBus()
	d := NewDispatcher(newRegistryWith(tool), NewApprovalGate(bus, false), bus)

	call := models.ToolCall{ID: "x", Name: "flaky", Arguments: json.RawMessage(`{"same":true}`)}

	// Two failures, then a success clears the ring buffer.
	if out := d.Dispatch(context.Background(), []models.ToolCall{call, call}); out.LoopShouldTerminate {
		t.Fatal("terminated after only two failures")
	}
	fail = false
	if out := d.Dispatch(context.Background(), []models.ToolCall{call}); out.LoopShouldTerminate {
		t.Fatal("terminated on a success")
	}
	fail = true
	if out := d.Dispatch(context.Background(), []models.ToolCall{call, call}); out.LoopShouldTerminate {
		t.Fatal("tracker was not reset by the success")
	}
}

func TestDispatcher_RedactsSecretsFromToolOutput(t *testing.T) {
	tool := &stubTool{
		name:   "leaky",
		schema: json.RawMessage(`{"type":"object"}`),
		execute: func(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
			return &models.ToolResult{
				Output: "config loaded\napi_key = sk1234567890abcdefghij\ndone",
				Status: models.ToolResultOK,
			}, nil
		},
	}
	bus := NewBus()
	sub, cancel := bus.Subscribe()
	defer cancel()
	d := NewDispatcher(newRegistryWith(tool), NewApprovalGate(bus, true), bus)

	outcome := d.Dispatch(context.Background(), []models.ToolCall{
		{ID: "1", Name: "leaky", Arguments: json.RawMessage(`{}`)},
	})
	content := outcome.Results[0].Message.Content.Text()
	if strings.Contains(content, "sk1234567890abcdefghij") {
		t.Fatalf("tool message still carries the secret: %q", content)
	}
	if !strings.Contains(content, "[REDACTED]") {
		t.Fatalf("tool message missing redaction marker: %q", content)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub:
			if e.Type != models.EventToolResult {
				continue
			}
			if strings.Contains(e.ToolResult.OutputPreview, "sk1234567890abcdefghij") {
				t.Fatalf("bus preview still carries the secret: %q", e.ToolResult.OutputPreview)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for the ToolResult event")
		}
	}
}

func TestDispatcher_DeeplyNestedArgumentsRejected(t *testing.T) {
	tool := &stubTool{
		name:   "echo",
		schema: json.RawMessage(`{"type":"object"}`),
		execute: func(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
			t.Fatal("execute should not be called")
			return nil, nil
		},
	}
	bus := NewBus()
	d := NewDispatcher(newRegistryWith(tool), NewApprovalGate(bus, true), bus)

	nested := strings.Repeat("[", 500) + strings.Repeat("]", 500)
	outcome := d.Dispatch(context.Background(), []models.ToolCall{
		{ID: "1", Name: "echo", Arguments: json.RawMessage(nested)},
	})
	if outcome.Results[0].OK {
		t.Fatal("OK = true, want rejection for 500 nested levels")
	}
	if !strings.Contains(outcome.Results[0].Message.Content.Text(), "nested too deeply") {
		t.Errorf("content = %q", outcome.Results[0].Message.Content.Text())
	}
}

func TestBoundOutput_ExactLimitUntouched(t *testing.T) {
	exact := strings.Repeat("a", MaxToolOutputLineChars)
	if got := BoundOutput(exact); got != exact {
		t.Fatalf("output at exactly the limit was modified (len %d)", len(got))
	}
	over := exact + "a"
	if got := BoundOutput(over); !strings.HasSuffix(got, "[...truncated]") {
		t.Fatalf("one char over the limit should append the marker, got suffix %q", got[len(got)-20:])
	}
}

func TestBoundOutput_TruncatesPerLineAndOverall(t *testing.T) {
	longLine := make([]byte, MaxToolOutputLineChars+10)
	for i := range longLine {
		longLine[i] = 'a'
	}
	out := BoundOutput(string(longLine))
	if len(out) <= MaxToolOutputLineChars {
		t.Fatalf("expected truncation marker appended, got len %d", len(out))
	}
}
