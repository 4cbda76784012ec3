package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jimiagent/jimi/pkg/models"
)

// DefaultTimelineSize bounds how many bus events a Timeline retains.
const DefaultTimelineSize = 512

// TimelineEntry is one recorded bus event, reduced to what debugging needs.
type TimelineEntry struct {
	Seq     uint64
	Time    time.Time
	Type    models.EventType
	Summary string
}

// Timeline is a bounded in-memory record of a session's bus events. It is a
// plain bus subscriber: the owner pulls events off its subscription channel
// and calls Record, then renders the result from a meta-command or after a
// failed run. When full, the oldest entries are evicted.
type Timeline struct {
	mu      sync.Mutex
	max     int
	entries []TimelineEntry
	counts  map[models.EventType]int
}

// NewTimeline creates a timeline retaining up to max entries
// (DefaultTimelineSize when max <= 0).
func NewTimeline(max int) *Timeline {
	if max <= 0 {
		max = DefaultTimelineSize
	}
	return &Timeline{
		max:    max,
		counts: make(map[models.EventType]int),
	}
}

// Record appends one bus event to the timeline.
func (t *Timeline) Record(e models.Event) {
	entry := TimelineEntry{
		Seq:     e.Sequence,
		Time:    e.Time,
		Type:    e.Type,
		Summary: summarizeEvent(e),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[e.Type]++
	t.entries = append(t.entries, entry)
	if over := len(t.entries) - t.max; over > 0 {
		t.entries = t.entries[over:]
	}
}

// Entries returns a copy of the retained entries, oldest first.
func (t *Timeline) Entries() []TimelineEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TimelineEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Count returns how many events of one type have been recorded, including
// evicted ones.
func (t *Timeline) Count(eventType models.EventType) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[eventType]
}

// Format renders the retained timeline as indented text for terminal output.
func (t *Timeline) Format() string {
	entries := t.Entries()
	if len(entries) == 0 {
		return "(no events)"
	}
	var b strings.Builder
	start := entries[0].Time
	for _, e := range entries {
		offset := e.Time.Sub(start).Round(time.Millisecond)
		fmt.Fprintf(&b, "%8s  %-22s %s\n", offset, string(e.Type), e.Summary)
	}
	return b.String()
}

// summarizeEvent reduces an event's payload to a one-line description.
// ContentDelta text is summarised by length only — delta payloads are too
// noisy (and too sensitive) to retain verbatim in a debug buffer.
func summarizeEvent(e models.Event) string {
	switch {
	case e.Step != nil:
		return fmt.Sprintf("step=%d", e.Step.StepNo)
	case e.ContentDelta != nil:
		return fmt.Sprintf("kind=%s len=%d", e.ContentDelta.Kind, len(e.ContentDelta.Text))
	case e.ToolCall != nil:
		return fmt.Sprintf("tool=%s id=%s", e.ToolCall.Name, e.ToolCall.ID)
	case e.ToolResult != nil:
		return fmt.Sprintf("id=%s ok=%t", e.ToolResult.ToolCallID, e.ToolResult.OK)
	case e.Approval != nil:
		return fmt.Sprintf("action=%s id=%s", e.Approval.ActionLabel, e.Approval.ToolCallID)
	case e.TokenUsage != nil:
		return fmt.Sprintf("prompt=%d completion=%d total=%d", e.TokenUsage.Prompt, e.TokenUsage.Completion, e.TokenUsage.Total)
	case e.Done != nil:
		if e.Done.Reason != "" {
			return fmt.Sprintf("cause=%s reason=%q", e.Done.Cause, e.Done.Reason)
		}
		return fmt.Sprintf("cause=%s", e.Done.Cause)
	case e.Lagged != nil:
		return fmt.Sprintf("dropped=%d", e.Lagged.Dropped)
	default:
		return ""
	}
}
