package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

func TestMetrics_RecordStepAndRun(t *testing.T) {
	m := newTestMetrics()

	m.RecordStep()
	m.RecordStep()
	if got := testutil.ToFloat64(m.StepCounter); got != 2 {
		t.Errorf("StepCounter = %v, want 2", got)
	}

	m.RecordRunDone("natural")
	m.RecordRunDone("natural")
	m.RecordRunDone("cancelled")
	if got := testutil.ToFloat64(m.RunCounter.WithLabelValues("natural")); got != 2 {
		t.Errorf("RunCounter[natural] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RunCounter.WithLabelValues("cancelled")); got != 1 {
		t.Errorf("RunCounter[cancelled] = %v, want 1", got)
	}
}

func TestMetrics_RecordLLMRequest(t *testing.T) {
	m := newTestMetrics()

	m.RecordLLMRequest("anthropic", "claude-sonnet-4", "success", 1.5, 100, 50)

	if got := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("anthropic", "claude-sonnet-4", "success")); got != 1 {
		t.Errorf("LLMRequestCounter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "claude-sonnet-4", "prompt")); got != 100 {
		t.Errorf("LLMTokensUsed[prompt] = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "claude-sonnet-4", "completion")); got != 50 {
		t.Errorf("LLMTokensUsed[completion] = %v, want 50", got)
	}
}

func TestMetrics_RecordToolExecution(t *testing.T) {
	m := newTestMetrics()

	m.RecordToolExecution("read", "success", 0.1)
	m.RecordToolExecution("read", "error", 0.2)

	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("read", "success")); got != 1 {
		t.Errorf("ToolExecutionCounter[success] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("read", "error")); got != 1 {
		t.Errorf("ToolExecutionCounter[error] = %v, want 1", got)
	}
}

func TestMetrics_RecordApprovalAndCompaction(t *testing.T) {
	m := newTestMetrics()

	m.RecordApproval("reject")
	m.RecordCompaction("success")
	m.RecordCompaction("error")

	if got := testutil.ToFloat64(m.ApprovalCounter.WithLabelValues("reject")); got != 1 {
		t.Errorf("ApprovalCounter[reject] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CompactionCounter.WithLabelValues("error")); got != 1 {
		t.Errorf("CompactionCounter[error] = %v, want 1", got)
	}
}

func TestMetrics_RecordBusDropped(t *testing.T) {
	m := newTestMetrics()
	m.RecordBusDropped(3)
	m.RecordBusDropped(1)
	if got := testutil.ToFloat64(m.BusDroppedCounter); got != 4 {
		t.Errorf("BusDroppedCounter = %v, want 4", got)
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordStep()
	m.RecordRunDone("natural")
	m.RecordLLMRequest("anthropic", "m", "success", 0, 0, 0)
	m.RecordToolExecution("read", "success", 0)
	m.RecordCompaction("success")
	m.RecordApproval("approve")
	m.RecordBusDropped(1)
	m.RecordSubagentRun("success")
	m.RecordError("loop", "stream")
	m.RecordContextTokens(100)
}
