package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jimiagent/jimi/internal/agent/contextstore"
	"github.com/jimiagent/jimi/internal/observability"
	"github.com/jimiagent/jimi/pkg/models"
)

// DefaultMaxStepsPerRun bounds a single Execute call's step count.
const DefaultMaxStepsPerRun = 50

// DefaultLLMTimeout bounds one streaming LLM request.
const DefaultLLMTimeout = 30 * time.Minute

// maxConsecutiveEmptySteps is the forced-completion threshold.
const maxConsecutiveEmptySteps = 5

// errCancelledMidStream signals that the executor's cancel signal was set
// while a stream was in flight, distinct from a transport-level stream
// error.
var errCancelledMidStream = errors.New("cancelled mid-stream")

// Executor runs the per-session agent loop: it pulls a
// stream from the LLM provider, feeds it through an Accumulator, dispatches
// any resulting tool calls, and repeats until one of the loop's termination
// conditions fires.
type Executor struct {
	store      *contextstore.Store
	bus        *Bus
	registry   *ToolRegistry
	dispatcher *Dispatcher
	compactor  *Compactor
	provider   LLMProvider

	systemPrompt string
	schemas      []FunctionSchema
	maxSteps     int
	llmTimeout   time.Duration

	instruments Instruments

	// consecutiveEmpty counts runs that ended with an assistant message
	// carrying no tool calls. It persists across Execute calls (chat turns)
	// and resets whenever a step does dispatch tools, so a model that keeps
	// answering without acting is eventually forced to completion.
	consecutiveEmpty int

	cancelled atomic.Bool
	// cancelRun aborts the current Execute's context, so in-flight LLM
	// streams and tool executions stop instead of running to completion
	// after Cancel.
	cancelRun atomic.Value // context.CancelFunc

	statsMu sync.Mutex
	stats   RunStats
}

// RunStats is the per-task observability state: which tools ran (in first-use
// order), how many steps, and how many tokens the task has consumed so far.
type RunStats struct {
	ToolsUsed    []string
	StepsInTask  int
	TokensInTask int
}

// NewExecutor constructs an Executor. schemas is typically
// registry.SchemasFor(allowed, excluded) for the resolved agent spec;
// compactor may be nil to disable automatic compaction (e.g. sub-agent
// children with a small, known-bounded task).
func NewExecutor(store *contextstore.Store, bus *Bus, registry *ToolRegistry, dispatcher *Dispatcher, compactor *Compactor, provider LLMProvider, systemPrompt string, schemas []FunctionSchema) *Executor {
	return &Executor{
		store:        store,
		bus:          bus,
		registry:     registry,
		dispatcher:   dispatcher,
		compactor:    compactor,
		provider:     provider,
		systemPrompt: systemPrompt,
		schemas:      schemas,
		maxSteps:     DefaultMaxStepsPerRun,
		llmTimeout:   DefaultLLMTimeout,
	}
}

// SetMaxSteps overrides DefaultMaxStepsPerRun.
func (e *Executor) SetMaxSteps(n int) {
	if n > 0 {
		e.maxSteps = n
	}
}

// SetInstruments attaches optional logging/metrics/tracing hooks.
func (e *Executor) SetInstruments(in Instruments) {
	e.instruments = in
}

// SetLLMTimeout overrides DefaultLLMTimeout.
func (e *Executor) SetLLMTimeout(d time.Duration) {
	if d > 0 {
		e.llmTimeout = d
	}
}

// Cancel sets the executor's cancel_signal. Safe to call from any goroutine;
// aborts the in-flight LLM stream at the next chunk boundary and cancels any
// running tool execution through the run context.
func (e *Executor) Cancel() {
	e.cancelled.Store(true)
	if f, ok := e.cancelRun.Load().(context.CancelFunc); ok && f != nil {
		f()
	}
}

// Stats returns a copy of the per-task observability counters.
func (e *Executor) Stats() RunStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	out := e.stats
	out.ToolsUsed = append([]string(nil), e.stats.ToolsUsed...)
	return out
}

func (e *Executor) recordStepStats(tokens int, toolNames []string) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.StepsInTask++
	e.stats.TokensInTask += tokens
	for _, name := range toolNames {
		seen := false
		for _, used := range e.stats.ToolsUsed {
			if used == name {
				seen = true
				break
			}
		}
		if !seen {
			e.stats.ToolsUsed = append(e.stats.ToolsUsed, name)
		}
	}
}

// Execute is the loop's entry point: it establishes checkpoint 0,
// appends the user turn, and runs steps until termination. Natural
// termination returns nil; ErrMaxStepsReached, ErrCancelled, and fatal
// stream errors are returned so the caller (CLI, sub-agent launcher) can map
// them to exit codes.
func (e *Executor) Execute(ctx context.Context, userInput []models.ContentPart) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancelRun.Store(cancel)
	if e.cancelled.Load() {
		cancel()
	}

	e.store.Checkpoint()
	userMsg := models.NewUserMessage(userInput)
	if err := e.store.Append(&userMsg); err != nil {
		return fmt.Errorf("execute: append user message: %w", err)
	}
	return e.run(runCtx)
}

func (e *Executor) run(ctx context.Context) error {
	stepNo := 1

	for {
		if stepNo > e.maxSteps {
			e.publishDone(models.DoneMaxSteps, "")
			return ErrMaxStepsReached
		}
		if e.cancelled.Load() {
			e.publishDone(models.DoneCancelled, "")
			return ErrCancelled
		}

		e.bus.Publish(models.Event{Type: models.EventStepBegin, Step: &models.StepPayload{StepNo: stepNo}})
		e.instruments.Metrics.RecordStep()
		e.instruments.Metrics.RecordContextTokens(e.store.TokenCount())
		stepCtx := observability.AddStep(ctx, stepNo)
		if e.instruments.Logger != nil {
			e.instruments.Logger.Debug(stepCtx, "step started", "tokens", e.store.TokenCount())
		}

		if e.compactor != nil && e.compactor.ShouldCompact(e.store) {
			// Failure leaves the context untouched; the next LLM call may
			// then fail from context size, surfacing as a normal fatal
			// error.
			_ = e.compactor.Compact(stepCtx, e.store)
		}

		e.store.Checkpoint()

		result, err := e.runStep(stepCtx, stepNo)
		if err != nil {
			if errors.Is(err, context.Canceled) && e.cancelled.Load() {
				err = errCancelledMidStream
			}
			if errors.Is(err, errCancelledMidStream) {
				e.bus.Publish(models.Event{Type: models.EventStepInterrupted, Step: &models.StepPayload{StepNo: stepNo}})
				e.publishDone(models.DoneCancelled, "")
				return ErrCancelled
			}
			if e.instruments.Logger != nil {
				e.instruments.Logger.Error(stepCtx, "LLM stream failed", "error", err)
			}
			e.instruments.Metrics.RecordError("loop", "stream")
			e.publishDone(models.DoneFatalError, err.Error())
			return err
		}

		toolNames := make([]string, 0, len(result.Message.ToolCalls))
		for _, tc := range result.Message.ToolCalls {
			toolNames = append(toolNames, tc.Name)
		}
		e.recordStepStats(result.Tokens, toolNames)

		if len(result.Message.ToolCalls) == 0 {
			e.publishStepEnd(stepNo)
			e.consecutiveEmpty++
			if e.consecutiveEmpty >= maxConsecutiveEmptySteps {
				e.publishDone(models.DoneNatural, "forced completion")
			} else {
				e.publishDone(models.DoneNatural, "")
			}
			return nil
		}
		e.consecutiveEmpty = 0

		// Tool dispatch belongs to this step: its announce/result events
		// must land before StepEnd so each subscriber sees a fully ordered
		// step.
		outcome := e.dispatcher.Dispatch(stepCtx, result.Message.ToolCalls)
		toAppend := make([]*models.Message, 0, len(outcome.Results))
		for _, r := range outcome.Results {
			if r.Message != nil {
				toAppend = append(toAppend, r.Message)
			}
			if r.OK && r.Message != nil {
				if insight := keyInsightFrom(r.Message.Content.Text()); insight != "" {
					e.store.AddKeyInsight(insight)
				}
			}
		}
		if err := e.store.Append(toAppend...); err != nil {
			err = fmt.Errorf("append tool results: %w", err)
			e.publishDone(models.DoneFatalError, err.Error())
			return err
		}

		e.publishStepEnd(stepNo)

		if outcome.LoopShouldTerminate {
			e.publishDone(models.DoneNatural, outcome.TerminationReason)
			return nil
		}

		stepNo++
	}
}

// stepResult carries the finalised assistant message plus the step's token
// spend (authoritative usage when reported, estimate otherwise).
type stepResult struct {
	Message models.Message
	Tokens  int
}

// runStep issues one streaming LLM call, feeds chunks into an Accumulator
// (republishing ContentDelta as they arrive), appends and drops any calls
// missing a function name, and records the resulting token usage.
func (e *Executor) runStep(ctx context.Context, stepNo int) (*stepResult, error) {
	if e.instruments.Tracer != nil {
		var span trace.Span
		ctx, span = e.instruments.Tracer.TraceStep(ctx, stepNo, observability.GetSessionID(ctx))
		defer span.End()
	}

	history := e.store.SnapshotHistory()

	llmCtx, cancelLLM := context.WithTimeout(ctx, e.llmTimeout)
	defer cancelLLM()

	chunks, errCh := e.provider.Stream(llmCtx, e.systemPrompt, history, e.schemas)

	acc := NewAccumulator(func(text string, reasoning bool) {
		kind := models.ContentKindNormal
		if reasoning {
			kind = models.ContentKindReasoning
		}
		e.bus.Publish(models.Event{
			Type:         models.EventContentDelta,
			ContentDelta: &models.ContentDeltaPayload{Text: text, Kind: kind},
		})
	})

	if err := e.consumeStream(llmCtx, chunks, errCh, acc); err != nil {
		return nil, err
	}

	final := acc.Finalize()
	assistantMsg := final.Message
	if err := e.store.Append(&assistantMsg); err != nil {
		return nil, fmt.Errorf("append assistant message: %w", err)
	}

	usage := acc.Usage()
	estimated := estimateMessageTokens(&assistantMsg)
	var payload models.TokenUsagePayload
	if usage != nil {
		payload = models.TokenUsagePayload{Prompt: usage.Prompt, Completion: usage.Completion, Total: usage.Total}
		e.store.UpdateTokenCount(usage.Total - estimated)
	} else {
		payload = models.TokenUsagePayload{Total: estimated}
	}
	e.bus.Publish(models.Event{Type: models.EventTokenUsage, TokenUsage: &payload})
	stepTokens := payload.Total

	for _, droppedID := range final.Dropped {
		dropMsg := models.NewToolMessage(droppedID, "Tool execution failed: missing function name")
		_ = e.store.Append(&dropMsg)
		e.bus.Publish(models.Event{
			Type: models.EventToolResult,
			ToolResult: &models.ToolResultPayload{
				ToolCallID: droppedID,
				OK:         false,
				Message:    "missing function name",
			},
		})
	}

	return &stepResult{Message: assistantMsg, Tokens: stepTokens}, nil
}

// consumeStream drains chunks into acc until the channel closes, checking
// the cancel signal and ctx between every chunk. errCh is expected to carry exactly one value
// (nil on success) once chunks closes.
func (e *Executor) consumeStream(ctx context.Context, chunks <-chan Chunk, errCh <-chan error, acc *Accumulator) error {
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				return <-errCh
			}
			acc.Feed(c)
			if e.cancelled.Load() {
				return errCancelledMidStream
			}
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Executor) publishStepEnd(stepNo int) {
	e.bus.Publish(models.Event{Type: models.EventStepEnd, Step: &models.StepPayload{StepNo: stepNo}})
}

func (e *Executor) publishDone(cause models.DoneCause, reason string) {
	e.bus.Publish(models.Event{Type: models.EventDone, Done: &models.DonePayload{Cause: cause, Reason: reason}})
	e.instruments.Metrics.RecordRunDone(string(cause))
}

// maxKeyInsightLen bounds how much of a successful tool output is kept as a
// key insight for the compactor's summary prompt.
const maxKeyInsightLen = 120

// keyInsightFrom reduces a successful tool output to its first non-empty
// line, bounded to maxKeyInsightLen.
func keyInsightFrom(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > maxKeyInsightLen {
			line = line[:maxKeyInsightLen]
		}
		return line
	}
	return ""
}

// estimateMessageTokens mirrors contextstore's own char/4 fallback estimate
// for one message, used to compute the authoritative-usage delta applied on
// top of the estimate Append already folded into the running total.
func estimateMessageTokens(m *models.Message) int {
	total := contextstore.EstimateTokens(m.Content.Text())
	for _, tc := range m.ToolCalls {
		total += contextstore.EstimateTokens(tc.Name) + contextstore.EstimateTokens(string(tc.Arguments))
	}
	return total
}
