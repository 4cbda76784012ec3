package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/jimiagent/jimi/pkg/models"
)

// tempIDCounter generates synthetic ids for TOOL_CALL chunks that arrive
// with only an arguments_delta and no call in progress.
var tempIDCounter uint64

func nextTempID() string {
	return fmt.Sprintf("temp_%d", atomic.AddUint64(&tempIDCounter, 1))
}

// partialToolCall is a tool call still being reassembled from chunks.
type partialToolCall struct {
	id        string
	name      string
	arguments strings.Builder
}

// Accumulator reassembles an ordered stream of Chunks into a complete
// assistant Message. Both the Anthropic content-block-id sequence and the
// OpenAI index-keyed sequence reduce to "one current partial call, replaced
// when a new id starts", which is the shape implemented here.
//
// One Accumulator is used for exactly one step's stream; it is not safe for
// concurrent use.
type Accumulator struct {
	content strings.Builder
	current *partialToolCall
	done    []models.ToolCall
	usage   *Usage

	onContentDelta func(text string, reasoning bool)
}

// NewAccumulator creates an accumulator. onContentDelta, if non-nil, is
// invoked synchronously for every CONTENT chunk, before any other work
// ("republished as ContentDelta on the bus, no buffering delay").
func NewAccumulator(onContentDelta func(text string, reasoning bool)) *Accumulator {
	return &Accumulator{onContentDelta: onContentDelta}
}

// Feed applies one chunk to the accumulator's state.
func (a *Accumulator) Feed(c Chunk) {
	switch c.Kind {
	case ChunkContent:
		// Reasoning deltas are surfaced to subscribers but never become part
		// of the assistant message itself.
		if c.Text != "" && !c.IsReasoning {
			a.content.WriteString(c.Text)
		}
		if a.onContentDelta != nil {
			a.onContentDelta(c.Text, c.IsReasoning)
		}
	case ChunkToolCall:
		a.feedToolCall(c)
	case ChunkDone:
		// Usage may be absent on a DONE chunk; keep the last reported value.
		if c.Usage != nil {
			a.usage = c.Usage
		}
	}
}

func (a *Accumulator) feedToolCall(c Chunk) {
	switch {
	case c.ToolCallID != "" && c.FunctionName == "" && a.current != nil &&
		c.ToolCallID != a.current.id && strings.HasPrefix(a.current.id, "temp_"):
		// A real id arriving with no name for a call begun under a synthetic
		// temp_ id: the provider surfaced the id late. Rename the call in
		// place instead of restarting it, so the deltas already absorbed are
		// not split across two calls.
		a.current.id = c.ToolCallID
		a.current.arguments.WriteString(c.ArgumentsDelta)

	case c.ToolCallID != "" && a.current != nil && c.ToolCallID != a.current.id:
		// Non-empty id different from current: finalise the previous call,
		// start a new one.
		a.finalizeCurrent()
		a.current = &partialToolCall{id: c.ToolCallID, name: c.FunctionName}
		a.current.arguments.WriteString(c.ArgumentsDelta)

	case c.ToolCallID != "" && a.current == nil:
		a.current = &partialToolCall{id: c.ToolCallID, name: c.FunctionName}
		a.current.arguments.WriteString(c.ArgumentsDelta)

	case c.ToolCallID != "" && a.current != nil && c.ToolCallID == a.current.id:
		// Same id: continuation.
		if c.FunctionName != "" && a.current.name == "" {
			a.current.name = c.FunctionName
		}
		a.current.arguments.WriteString(c.ArgumentsDelta)

	case c.ToolCallID == "" && a.current == nil && c.ArgumentsDelta != "":
		// Only arguments_delta, no current call: synthesize a temp id.
		a.current = &partialToolCall{id: nextTempID()}
		a.current.arguments.WriteString(c.ArgumentsDelta)
		if c.FunctionName != "" {
			a.current.name = c.FunctionName
		}

	case c.ToolCallID == "" && a.current != nil:
		if c.FunctionName != "" && a.current.name == "" {
			a.current.name = c.FunctionName
		}
		a.current.arguments.WriteString(c.ArgumentsDelta)
	}
}

func (a *Accumulator) finalizeCurrent() {
	if a.current == nil {
		return
	}
	a.done = append(a.done, models.ToolCall{
		ID:        a.current.id,
		Name:      a.current.name,
		Arguments: json.RawMessage(a.current.arguments.String()),
	})
	a.current = nil
}

// FinalizeResult is the assistant message plus bookkeeping the loop needs
// about tool calls that had to be dropped.
type FinalizeResult struct {
	Message models.Message
	Dropped []string // ids of partial calls dropped for missing function_name
}

// Finalize closes out any still-open partial call and returns the completed
// assistant message. A partial call missing function_name cannot be
// executed and is dropped, reported back via FinalizeResult.Dropped so the
// caller can log it and publish a ToolResult(err).
func (a *Accumulator) Finalize() FinalizeResult {
	a.finalizeCurrent()

	var kept []models.ToolCall
	var dropped []string
	for _, tc := range a.done {
		if tc.Name == "" {
			dropped = append(dropped, tc.ID)
			continue
		}
		kept = append(kept, tc)
	}

	msg := models.Message{Role: models.RoleAssistant, ToolCalls: kept}
	text := a.content.String()
	if text != "" || len(kept) == 0 {
		msg.Content = models.NewTextContent(text)
	}
	return FinalizeResult{Message: msg, Dropped: dropped}
}

// Usage returns the usage recorded on the terminating DONE chunk, or nil if
// none was reported.
func (a *Accumulator) Usage() *Usage {
	return a.usage
}
