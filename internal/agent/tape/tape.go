// Package tape provides recording and replay of provider chunk streams.
// This is how the agent loop is tested deterministically: a Recorder wraps a
// live provider and captures every chunk it emits, and a Replayer plays a
// saved (or hand-written) tape back through the same LLMProvider interface
// without any network access.
package tape

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jimiagent/jimi/internal/agent"
)

// Version of the tape format.
const Version = "1.0"

// Tape records the provider side of a complete agent run: one Turn per LLM
// request, in order.
type Tape struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`

	// Model is the LLM model the recording ran against, if known.
	Model string `json:"model,omitempty"`

	// SystemPrompt used for the conversation.
	SystemPrompt string `json:"system_prompt,omitempty"`

	Turns []Turn `json:"turns"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Turn is one LLM request's streamed response.
type Turn struct {
	// Index is the 0-based turn number.
	Index int `json:"index"`

	// Chunks is the streamed response, in arrival order. A well-formed
	// recorded turn ends with a DONE chunk.
	Chunks []agent.Chunk `json:"chunks"`

	// Err, when non-empty, makes the replayer terminate this turn's stream
	// with an error after emitting Chunks, simulating a transport failure.
	Err string `json:"err,omitempty"`

	// Duration is how long the recorded turn took.
	Duration time.Duration `json:"duration,omitempty"`
}

// New creates an empty tape.
func New() *Tape {
	return &Tape{
		Version:   Version,
		CreatedAt: time.Now(),
	}
}

// AddTurn appends a turn, assigning its index.
func (t *Tape) AddTurn(turn Turn) {
	turn.Index = len(t.Turns)
	t.Turns = append(t.Turns, turn)
}

// Save writes the tape as indented JSON.
func (t *Tape) Save(path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("tape: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("tape: write %s: %w", path, err)
	}
	return nil
}

// Load reads a tape saved by Save.
func Load(path string) (*Tape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tape: read %s: %w", path, err)
	}
	var t Tape
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("tape: parse %s: %w", path, err)
	}
	return &t, nil
}
