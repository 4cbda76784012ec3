package agent

import (
	"context"
	"sync"

	"github.com/jimiagent/jimi/internal/observability"
	"github.com/jimiagent/jimi/pkg/models"
)

// ApprovalState is the per-tool-identity approval mode.
type ApprovalState string

const (
	// ApprovalNone prompts on every call (the default).
	ApprovalNone ApprovalState = "none"
	// ApprovalSessionAllowed auto-approves the function for the rest of the
	// session, set by an `approve_session` reply.
	ApprovalSessionAllowed ApprovalState = "session_allowed"
	// ApprovalYOLO auto-approves every call regardless of function identity,
	// set only by configuration.
	ApprovalYOLO ApprovalState = "yolo"
)

// ApprovalDecision is the gate's two-value outcome.
type ApprovalDecision string

const (
	DecisionAllow ApprovalDecision = "allow"
	DecisionDeny  ApprovalDecision = "deny"
)

// ApprovalGate is a three-state per-function approval mode,
// prompting over the event bus and blocking on a one-shot reply channel.
type ApprovalGate struct {
	mu      sync.Mutex
	bus     *Bus
	yolo    bool
	state   map[string]ApprovalState
	metrics *observability.Metrics
}

// NewApprovalGate constructs a gate bound to bus. When yolo is true every
// call is auto-approved regardless of function identity (config-set).
func NewApprovalGate(bus *Bus, yolo bool) *ApprovalGate {
	return &ApprovalGate{
		bus:   bus,
		yolo:  yolo,
		state: make(map[string]ApprovalState),
	}
}

// SetMetrics attaches an optional metrics sink recording prompt decisions.
func (g *ApprovalGate) SetMetrics(m *observability.Metrics) {
	g.metrics = m
}

func (g *ApprovalGate) stateFor(functionName string) ApprovalState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.yolo {
		return ApprovalYOLO
	}
	if s, ok := g.state[functionName]; ok {
		return s
	}
	return ApprovalNone
}

func (g *ApprovalGate) promote(functionName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state[functionName] = ApprovalSessionAllowed
}

// Gate decides whether call may execute. If the gate (or the function
// individually) is in the yolo or session_allowed state, it returns allow
// immediately with no bus traffic. Otherwise, when requiresApproval is true,
// it publishes exactly one ApprovalRequested event and blocks on its reply
// (one prompt per concurrent request regardless of
// subscriber count — a single Publish call already fans out to every
// subscriber's own queue, so only one event is ever emitted here).
func (g *ApprovalGate) Gate(ctx context.Context, call models.ToolCall, requiresApproval bool, actionLabel, description string) (ApprovalDecision, error) {
	switch g.stateFor(call.Name) {
	case ApprovalYOLO, ApprovalSessionAllowed:
		return DecisionAllow, nil
	}
	if !requiresApproval {
		return DecisionAllow, nil
	}

	reply := make(chan models.ApprovalReply, 1)
	g.bus.Publish(models.Event{
		Type: models.EventApprovalRequest,
		Approval: &models.ApprovalPayload{
			ToolCallID:  call.ID,
			ActionLabel: actionLabel,
			Description: description,
			Reply:       reply,
		},
	})

	select {
	case <-ctx.Done():
		return DecisionDeny, ctx.Err()
	case r := <-reply:
		g.metrics.RecordApproval(string(r))
		switch r {
		case models.ApprovalReplyApprove:
			return DecisionAllow, nil
		case models.ApprovalReplyApproveSession:
			g.promote(call.Name)
			return DecisionAllow, nil
		case models.ApprovalReplyReject:
			return DecisionDeny, nil
		default:
			return DecisionDeny, nil
		}
	}
}
