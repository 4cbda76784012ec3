package agent

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/jimiagent/jimi/internal/agent/contextstore"
	"github.com/jimiagent/jimi/internal/compaction"
	ctxwindow "github.com/jimiagent/jimi/internal/context"
	"github.com/jimiagent/jimi/pkg/models"
)

// DefaultReservedTokens is the token headroom the compactor protects before
// the next LLM call (default 50 000).
const DefaultReservedTokens = 50000

const summaryInstruction = "Summarise the conversation so far, preserving decisions, file paths touched, open questions, and the latest user intent."

// Compactor replaces a long history with an LLM-produced
// summary when the token budget is threatened, keeping the most recent user
// turn so the next step still has something to respond to.
type Compactor struct {
	bus            *Bus
	provider       LLMProvider
	maxContextSize int
	reserved       int

	instruments Instruments

	forceNext atomic.Bool
}

// NewCompactor constructs a compactor bound to bus and provider. maxContextSize
// is the provider's context window; reserved defaults to DefaultReservedTokens
// when zero.
func NewCompactor(bus *Bus, provider LLMProvider, maxContextSize int) *Compactor {
	return &Compactor{bus: bus, provider: provider, maxContextSize: maxContextSize, reserved: DefaultReservedTokens}
}

// SetInstruments attaches optional logging/metrics/tracing hooks.
func (c *Compactor) SetInstruments(in Instruments) {
	c.instruments = in
}

// SetReserved overrides DefaultReservedTokens.
func (c *Compactor) SetReserved(n int) {
	if n > 0 {
		c.reserved = n
	}
}

// Threshold returns the token count above which compaction should run.
func (c *Compactor) Threshold() int {
	return c.maxContextSize - c.reserved
}

// ForceNext makes the next ShouldCompact call return true regardless of the
// token count, consumed once. Backs the chat UI's /compact meta-command.
func (c *Compactor) ForceNext() {
	c.forceNext.Store(true)
}

// ShouldCompact reports whether the store's current token count exceeds the
// compactor's threshold, or a forced pass is pending.
func (c *Compactor) ShouldCompact(store *contextstore.Store) bool {
	if c.forceNext.Swap(false) {
		return true
	}
	if c.maxContextSize <= 0 {
		return false
	}
	return store.TokenCount() > c.Threshold()
}

// Compact runs the compaction procedure. On summarisation failure it
// publishes CompactionEnd and leaves the store untouched; the caller's next
// LLM call will likely then fail from context size, surfaced as a normal
// fatal context-too-large error.
func (c *Compactor) Compact(ctx context.Context, store *contextstore.Store) (err error) {
	c.bus.Publish(models.Event{Type: models.EventCompactionBegin})
	if c.instruments.Tracer != nil {
		var span trace.Span
		ctx, span = c.instruments.Tracer.TraceCompaction(ctx, store.TokenCount())
		defer span.End()
	}
	defer func() {
		c.bus.Publish(models.Event{Type: models.EventCompactionEnd})
		if err != nil {
			c.instruments.Metrics.RecordCompaction("error")
			if c.instruments.Logger != nil {
				c.instruments.Logger.Warn(ctx, "compaction failed, context left untouched", "error", err)
			}
		} else {
			c.instruments.Metrics.RecordCompaction("success")
		}
	}()

	history := store.SnapshotHistory()
	latestUser := latestUserMessage(history)

	summary, err := c.summarize(ctx, history, store.KeyInsights())
	if err != nil {
		return fmt.Errorf("compaction: summarize: %w", err)
	}

	if err := store.RevertTo(0); err != nil {
		return fmt.Errorf("compaction: revert: %w", err)
	}

	toAppend := []*models.Message{{Role: models.RoleAssistant, Content: models.NewTextContent(summary)}}
	if latestUser != nil {
		toAppend = append(toAppend, latestUser)
	}
	if err := store.Append(toAppend...); err != nil {
		return fmt.Errorf("compaction: append summary: %w", err)
	}
	return nil
}

func (c *Compactor) summarize(ctx context.Context, history []*models.Message, keyInsights []string) (string, error) {
	// The summary request has to fit the window too. Truncate the middle of
	// the transcript, keeping the opening turn and the most recent context,
	// before formatting it into the prompt.
	truncatable := make([]ctxwindow.Message, 0, len(history))
	for _, m := range history {
		truncatable = append(truncatable, ctxwindow.Message{
			Role:    string(m.Role),
			Content: m.Content.Text(),
		})
	}
	if budget := c.maxContextSize - c.reserved; budget > 0 {
		truncator := ctxwindow.NewTruncator(ctxwindow.TruncateMiddle, budget)
		truncatable, _ = truncator.Truncate(truncatable)
	}

	compactionMsgs := make([]*compaction.Message, 0, len(truncatable))
	for _, m := range truncatable {
		compactionMsgs = append(compactionMsgs, &compaction.Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	formatted := compaction.FormatMessagesForSummary(compactionMsgs)

	prompt := summaryInstruction
	if len(keyInsights) > 0 {
		prompt += "\n\nKey insights from this conversation so far:\n"
		for _, insight := range keyInsights {
			prompt += "- " + insight + "\n"
		}
	}
	prompt += "\n\nConversation transcript:\n" + formatted

	req := []*models.Message{{Role: models.RoleUser, Content: models.NewTextContent(prompt)}}
	msg, _, err := c.provider.Complete(ctx, "", req, nil)
	if err != nil {
		return "", err
	}
	return msg.Content.Text(), nil
}

func latestUserMessage(history []*models.Message) *models.Message {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			m := *history[i]
			return &m
		}
	}
	return nil
}
