package tape

import (
	"context"
	"sync"
	"time"

	"github.com/jimiagent/jimi/internal/agent"
	"github.com/jimiagent/jimi/pkg/models"
)

// Recorder wraps a live agent.LLMProvider and captures every turn it serves
// onto a Tape, which can then be saved and replayed in tests.
type Recorder struct {
	mu       sync.Mutex
	provider agent.LLMProvider
	tape     *Tape
}

// NewRecorder creates a recorder over provider with a fresh tape.
func NewRecorder(provider agent.LLMProvider) *Recorder {
	return &Recorder{provider: provider, tape: New()}
}

// Tape returns the recording so far. The returned value is shared; save it
// only after the run completes.
func (r *Recorder) Tape() *Tape {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tape
}

// Stream forwards to the wrapped provider, copying every chunk onto the
// tape as it passes through.
func (r *Recorder) Stream(ctx context.Context, system string, history []*models.Message, schemas []agent.FunctionSchema) (<-chan agent.Chunk, <-chan error) {
	start := time.Now()
	chunks, errs := r.provider.Stream(ctx, system, history, schemas)

	out := make(chan agent.Chunk)
	errOut := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errOut)

		turn := Turn{}
		for c := range chunks {
			turn.Chunks = append(turn.Chunks, c)
			out <- c
		}
		err := <-errs
		if err != nil {
			turn.Err = err.Error()
		}
		turn.Duration = time.Since(start)

		r.mu.Lock()
		r.tape.AddTurn(turn)
		if r.tape.SystemPrompt == "" {
			r.tape.SystemPrompt = system
		}
		r.mu.Unlock()

		errOut <- err
	}()

	return out, errOut
}

// Complete forwards to the wrapped provider, recording the response as a
// single synthetic turn.
func (r *Recorder) Complete(ctx context.Context, system string, history []*models.Message, schemas []agent.FunctionSchema) (*models.Message, *agent.Usage, error) {
	start := time.Now()
	msg, usage, err := r.provider.Complete(ctx, system, history, schemas)

	turn := Turn{Duration: time.Since(start)}
	if err != nil {
		turn.Err = err.Error()
	} else {
		if text := msg.Content.Text(); text != "" {
			turn.Chunks = append(turn.Chunks, agent.Chunk{Kind: agent.ChunkContent, Text: text})
		}
		for _, tc := range msg.ToolCalls {
			turn.Chunks = append(turn.Chunks, agent.Chunk{
				Kind:           agent.ChunkToolCall,
				ToolCallID:     tc.ID,
				FunctionName:   tc.Name,
				ArgumentsDelta: string(tc.Arguments),
			})
		}
		turn.Chunks = append(turn.Chunks, agent.Chunk{Kind: agent.ChunkDone, Usage: usage})
	}

	r.mu.Lock()
	r.tape.AddTurn(turn)
	r.mu.Unlock()

	return msg, usage, err
}

var _ agent.LLMProvider = (*Recorder)(nil)
