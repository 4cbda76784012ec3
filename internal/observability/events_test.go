package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/jimiagent/jimi/pkg/models"
)

func stepEvent(seq uint64, n int) models.Event {
	return models.Event{
		Type:     models.EventStepBegin,
		Time:     time.Unix(1700000000, int64(seq)*int64(time.Millisecond)),
		Sequence: seq,
		Step:     &models.StepPayload{StepNo: n},
	}
}

func TestTimeline_RecordAndEntries(t *testing.T) {
	tl := NewTimeline(10)
	tl.Record(stepEvent(1, 1))
	tl.Record(models.Event{
		Type:       models.EventToolResult,
		Sequence:   2,
		ToolResult: &models.ToolResultPayload{ToolCallID: "c1", OK: true},
	})

	entries := tl.Entries()
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Type != models.EventStepBegin || entries[0].Summary != "step=1" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Summary != "id=c1 ok=true" {
		t.Errorf("entry 1 summary = %q", entries[1].Summary)
	}
}

func TestTimeline_EvictsOldestButKeepsCounts(t *testing.T) {
	tl := NewTimeline(3)
	for i := 1; i <= 5; i++ {
		tl.Record(stepEvent(uint64(i), i))
	}
	entries := tl.Entries()
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[0].Seq != 3 {
		t.Errorf("oldest retained seq = %d, want 3", entries[0].Seq)
	}
	if got := tl.Count(models.EventStepBegin); got != 5 {
		t.Errorf("Count = %d, want 5 (includes evicted)", got)
	}
}

func TestTimeline_ContentDeltaSummarisedByLengthOnly(t *testing.T) {
	tl := NewTimeline(10)
	tl.Record(models.Event{
		Type:         models.EventContentDelta,
		Sequence:     1,
		ContentDelta: &models.ContentDeltaPayload{Text: "secret sauce", Kind: models.ContentKindNormal},
	})
	entries := tl.Entries()
	if strings.Contains(entries[0].Summary, "secret") {
		t.Errorf("summary leaked delta text: %q", entries[0].Summary)
	}
	if !strings.Contains(entries[0].Summary, "len=12") {
		t.Errorf("summary missing length: %q", entries[0].Summary)
	}
}

func TestTimeline_Format(t *testing.T) {
	tl := NewTimeline(10)
	if got := tl.Format(); got != "(no events)" {
		t.Errorf("empty Format = %q", got)
	}
	tl.Record(stepEvent(1, 1))
	tl.Record(models.Event{
		Type:     models.EventDone,
		Time:     time.Unix(1700000001, 0),
		Sequence: 2,
		Done:     &models.DonePayload{Cause: models.DoneNatural},
	})
	out := tl.Format()
	if !strings.Contains(out, "step.begin") || !strings.Contains(out, "cause=natural") {
		t.Errorf("Format output missing entries:\n%s", out)
	}
}
