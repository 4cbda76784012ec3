package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jimiagent/jimi/internal/observability"
	"github.com/jimiagent/jimi/pkg/models"
)

// DefaultToolTimeout is the default per-call timeout before a tool execution
// is cancelled.
const DefaultToolTimeout = 600 * time.Second

// errorSignatureWindow is the size of the error tracker's ring buffer of
// consecutive failing signatures (default 3).
const errorSignatureWindow = 3

// coachingHint is appended to the final error's content once the tracker
// trips, so the model sees the instruction to stop retrying.
const coachingHint = "This exact call has now failed repeatedly with the same arguments. Do not retry it; change strategy or report the problem instead."

// DispatchResult is one call's outcome plus the tool-role message appended to
// context for it.
type DispatchResult struct {
	ToolCallID string
	Message    *models.Message
	OK         bool
}

// DispatchOutcome is the aggregate result of one Dispatch call.
type DispatchOutcome struct {
	Results             []DispatchResult
	LoopShouldTerminate bool
	TerminationReason   string
}

// Dispatcher runs a serial tool-call dispatch loop: validate,
// gate, execute with a timeout, bound the output, publish events, and track
// repeated-error signatures across calls.
type Dispatcher struct {
	registry     *ToolRegistry
	gate         *ApprovalGate
	bus          *Bus
	timeout      time.Duration
	toolTimeouts map[string]time.Duration

	instruments Instruments

	errSignatures []string
}

// NewDispatcher constructs a dispatcher over registry, gated by gate and
// publishing on bus.
func NewDispatcher(registry *ToolRegistry, gate *ApprovalGate, bus *Bus) *Dispatcher {
	return &Dispatcher{
		registry:     registry,
		gate:         gate,
		bus:          bus,
		timeout:      DefaultToolTimeout,
		toolTimeouts: make(map[string]time.Duration),
	}
}

// SetInstruments attaches optional logging/metrics/tracing hooks.
func (d *Dispatcher) SetInstruments(in Instruments) {
	d.instruments = in
}

// SetDefaultTimeout overrides DefaultToolTimeout for tools without their own
// entry.
func (d *Dispatcher) SetDefaultTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.timeout = timeout
	}
}

// SetToolTimeout overrides the default timeout for a single tool.
func (d *Dispatcher) SetToolTimeout(toolName string, timeout time.Duration) {
	d.toolTimeouts[toolName] = timeout
}

func (d *Dispatcher) timeoutFor(toolName string) time.Duration {
	if t, ok := d.toolTimeouts[toolName]; ok {
		return t
	}
	return d.timeout
}

// Dispatch runs the serial dispatch algorithm over calls, in the order the
// LLM emitted them, then reports whether the error-repetition
// tracker wants the loop to terminate. The caller is
// responsible for appending the returned messages to context in one atomic
// call.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []models.ToolCall) DispatchOutcome {
	outcome := DispatchOutcome{Results: make([]DispatchResult, 0, len(calls))}

	for _, call := range calls {
		d.bus.Publish(models.Event{Type: models.EventToolCallAnnounce, ToolCall: &call})

		start := time.Now()
		msg, status, signature := d.dispatchOne(ctx, call)
		ok := status == toolStatusSuccess
		d.instruments.Metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
		if d.instruments.Logger != nil {
			toolCtx := observability.AddTool(ctx, call.Name)
			d.instruments.Logger.Debug(toolCtx, "tool call finished", "status", status, "id", call.ID)
		}
		outcome.Results = append(outcome.Results, DispatchResult{ToolCallID: call.ID, Message: msg, OK: ok})

		if ok {
			d.errSignatures = nil
			continue
		}
		if signature == "" {
			continue
		}
		d.errSignatures = append(d.errSignatures, signature)
		if len(d.errSignatures) > errorSignatureWindow {
			d.errSignatures = d.errSignatures[len(d.errSignatures)-errorSignatureWindow:]
		}
		if d.repeatedErrors() {
			outcome.LoopShouldTerminate = true
			outcome.TerminationReason = "repeated errors"
			annotateWithCoachingHint(msg)
		}
	}

	return outcome
}

// annotateWithCoachingHint appends the change-strategy instruction to the
// error message the model is about to see.
func annotateWithCoachingHint(msg *models.Message) {
	if msg == nil {
		return
	}
	msg.Content = models.NewTextContent(msg.Content.Text() + "\n\n" + coachingHint)
}

func (d *Dispatcher) repeatedErrors() bool {
	if len(d.errSignatures) < errorSignatureWindow {
		return false
	}
	first := d.errSignatures[len(d.errSignatures)-errorSignatureWindow]
	for _, s := range d.errSignatures[len(d.errSignatures)-errorSignatureWindow:] {
		if s != first {
			return false
		}
	}
	return true
}

// Status labels recorded per call for metrics and logging.
const (
	toolStatusSuccess  = "success"
	toolStatusError    = "error"
	toolStatusTimeout  = "timeout"
	toolStatusRejected = "rejected"
	toolStatusInvalid  = "invalid"
)

// dispatchOne runs validation, the approval gate, execution, and output
// bounding for one call, returning the tool-role message to append, the
// call's status label, and (on failure) the error signature to feed the
// tracker.
func (d *Dispatcher) dispatchOne(ctx context.Context, call models.ToolCall) (*models.Message, string, string) {
	signature := call.Name + ":" + string(call.Arguments)

	if call.ID == "" {
		return d.fail(call, "Tool execution failed: missing tool call id"), toolStatusInvalid, ""
	}
	tool, ok := d.registry.Get(call.Name)
	if !ok {
		return d.fail(call, fmt.Sprintf("Tool execution failed: unknown tool %q", call.Name)), toolStatusInvalid, signature
	}
	if !json.Valid(call.Arguments) {
		return d.fail(call, "Tool execution failed: arguments did not parse as JSON"), toolStatusInvalid, signature
	}
	if jsonDepthExceeds(call.Arguments, maxArgumentsDepth) {
		return d.fail(call, "Tool execution failed: arguments nested too deeply"), toolStatusInvalid, signature
	}
	if missing := missingRequiredFields(tool.Schema(), call.Arguments); missing != "" {
		return d.fail(call, fmt.Sprintf("Tool execution failed: missing required field %q", missing)), toolStatusInvalid, signature
	}

	requiresApproval := false
	if pt, ok := tool.(PrivilegedTool); ok {
		requiresApproval = pt.RequiresApproval()
	}
	decision, err := d.gate.Gate(ctx, call, requiresApproval, call.Name, call.Name+" "+string(call.Arguments))
	if err != nil {
		return d.fail(call, "Tool execution failed: "+err.Error()), toolStatusError, signature
	}
	if decision == DecisionDeny {
		d.bus.Publish(models.Event{
			Type: models.EventToolResult,
			ToolResult: &models.ToolResultPayload{
				ToolCallID: call.ID,
				OK:         false,
				Message:    "Rejected by user",
			},
		})
		return d.result(call, models.ToolResult{ToolCallID: call.ID, Status: models.ToolResultRejected, Message: "Rejected by user"}), toolStatusRejected, ""
	}

	execCtx, cancel := context.WithTimeout(ctx, d.timeoutFor(call.Name))
	defer cancel()
	if d.instruments.Tracer != nil {
		var span trace.Span
		execCtx, span = d.instruments.Tracer.TraceToolExecution(execCtx, call.Name)
		defer span.End()
	}

	result, err := d.executeSafely(execCtx, call)
	if err != nil {
		switch {
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			return d.fail(call, "Tool execution timed out"), toolStatusTimeout, signature
		case execCtx.Err() != nil:
			return d.fail(call, "Tool execution cancelled"), toolStatusError, signature
		}
		return d.fail(call, "Tool execution failed: "+err.Error()), toolStatusError, signature
	}

	// Redact secrets before the output is bounded, published, or appended to
	// context; a truncation boundary must never split a secret into an
	// unrecognisable half.
	if matched := DetectSecrets(result.Output); len(matched) > 0 {
		result.Output = RedactSecrets(result.Output)
		if d.instruments.Logger != nil {
			d.instruments.Logger.Warn(ctx, "redacted secrets in tool output", "tool", call.Name, "patterns", strings.Join(matched, ","))
		}
	}
	result.Output = BoundOutput(result.Output)
	ok2 := !result.IsError()

	d.bus.Publish(models.Event{
		Type: models.EventToolResult,
		ToolResult: &models.ToolResultPayload{
			ToolCallID:    call.ID,
			OK:            ok2,
			OutputPreview: result.Preview(100),
			Message:       result.Message,
		},
	})

	if !ok2 {
		return d.result(call, *result), toolStatusError, signature
	}
	return d.result(call, *result), toolStatusSuccess, ""
}

// executeSafely runs the call through the registry on its own goroutine so
// a panicking tool is converted to an error and a timed-out one is
// abandoned rather than awaited.
func (d *Dispatcher) executeSafely(ctx context.Context, call models.ToolCall) (result *models.ToolResult, err error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		result, err = d.registry.Execute(ctx, call.Name, call.Arguments)
	}()

	select {
	case <-done:
		return result, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) fail(call models.ToolCall, message string) *models.Message {
	d.bus.Publish(models.Event{
		Type: models.EventToolResult,
		ToolResult: &models.ToolResultPayload{
			ToolCallID: call.ID,
			OK:         false,
			Message:    message,
		},
	})
	msg := models.NewToolMessage(call.ID, message)
	return &msg
}

func (d *Dispatcher) result(call models.ToolCall, result models.ToolResult) *models.Message {
	msg := models.NewToolMessage(call.ID, result.FormattedContent())
	return &msg
}

// maxArgumentsDepth bounds how deeply nested a tool call's arguments
// document may be before validation rejects it outright.
const maxArgumentsDepth = 100

// jsonDepthExceeds reports whether data nests objects/arrays beyond max.
func jsonDepthExceeds(data []byte, max int) bool {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		t, err := dec.Token()
		if err != nil {
			return false
		}
		if delim, ok := t.(json.Delim); ok {
			switch delim {
			case '{', '[':
				depth++
				if depth > max {
					return true
				}
			case '}', ']':
				depth--
			}
		}
	}
}

// missingRequiredFields checks schema's top-level "required" array against
// args, returning the first missing field name or "" if all are present.
func missingRequiredFields(schema json.RawMessage, args json.RawMessage) string {
	var s struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &s); err != nil || len(s.Required) == 0 {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(args, &fields); err != nil {
		return s.Required[0]
	}
	for _, r := range s.Required {
		if _, ok := fields[r]; !ok {
			return r
		}
	}
	return ""
}
