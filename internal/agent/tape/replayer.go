package tape

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jimiagent/jimi/internal/agent"
	"github.com/jimiagent/jimi/pkg/models"
)

// ErrTapeExhausted is returned when the loop requests more turns than the
// tape holds.
var ErrTapeExhausted = errors.New("tape exhausted: no more recorded turns")

// Replayer plays a Tape back through the agent.LLMProvider interface. Each
// Stream or Complete call consumes the next recorded turn, so a replayed run
// makes exactly as many provider calls as the recorded one.
type Replayer struct {
	mu   sync.Mutex
	tape *Tape
	next int
}

// NewReplayer creates a replayer positioned at the tape's first turn.
func NewReplayer(t *Tape) *Replayer {
	return &Replayer{tape: t}
}

// TurnsConsumed reports how many turns have been played.
func (r *Replayer) TurnsConsumed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

func (r *Replayer) nextTurn() (*Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.tape.Turns) {
		return nil, ErrTapeExhausted
	}
	turn := &r.tape.Turns[r.next]
	r.next++
	return turn, nil
}

// Stream plays the next recorded turn's chunks, in order, honouring ctx
// cancellation between chunks the way a live provider would.
func (r *Replayer) Stream(ctx context.Context, system string, history []*models.Message, schemas []agent.FunctionSchema) (<-chan agent.Chunk, <-chan error) {
	out := make(chan agent.Chunk)
	errCh := make(chan error, 1)

	turn, err := r.nextTurn()
	if err != nil {
		close(out)
		errCh <- err
		close(errCh)
		return out, errCh
	}

	go func() {
		defer close(out)
		defer close(errCh)
		for _, c := range turn.Chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if turn.Err != "" {
			errCh <- errors.New(turn.Err)
			return
		}
		errCh <- nil
	}()

	return out, errCh
}

// Complete consumes the next turn non-streamed, reducing its chunks to a
// single message the way the accumulator would.
func (r *Replayer) Complete(ctx context.Context, system string, history []*models.Message, schemas []agent.FunctionSchema) (*models.Message, *agent.Usage, error) {
	turn, err := r.nextTurn()
	if err != nil {
		return nil, nil, err
	}
	if turn.Err != "" {
		return nil, nil, errors.New(turn.Err)
	}

	var text strings.Builder
	var usage *agent.Usage
	var calls []models.ToolCall
	for _, c := range turn.Chunks {
		switch c.Kind {
		case agent.ChunkContent:
			if !c.IsReasoning {
				text.WriteString(c.Text)
			}
		case agent.ChunkToolCall:
			calls = append(calls, models.ToolCall{
				ID:        c.ToolCallID,
				Name:      c.FunctionName,
				Arguments: []byte(c.ArgumentsDelta),
			})
		case agent.ChunkDone:
			usage = c.Usage
		}
	}

	msg := &models.Message{
		Role:      models.RoleAssistant,
		Content:   models.NewTextContent(text.String()),
		ToolCalls: calls,
	}
	return msg, usage, nil
}

var _ agent.LLMProvider = (*Replayer)(nil)
