// Package anthropic implements agent.LLMProvider against Anthropic's Claude
// Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/jimiagent/jimi/internal/agent"
	"github.com/jimiagent/jimi/internal/retry"
	"github.com/jimiagent/jimi/pkg/models"
)

// maxEmptyStreamEvents bounds how many consecutive events a stream may emit
// with nothing for us to act on before we treat it as malformed.
const maxEmptyStreamEvents = 300

// Config holds the settings for a Provider.
type Config struct {
	// APIKey is the Anthropic API key (required).
	APIKey string

	// BaseURL overrides the default Anthropic API base URL.
	BaseURL string

	// MaxRetries bounds retry attempts for transient failures (default 3).
	MaxRetries int

	// RetryDelay is the base exponential-backoff delay (default 1s).
	RetryDelay time.Duration

	// DefaultModel is used when a caller doesn't specify one.
	DefaultModel string

	// MaxTokens is the completion token cap sent with every request
	// (default 4096).
	MaxTokens int
}

// Provider implements agent.LLMProvider for Claude models.
type Provider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
	maxTokens    int
}

// New constructs a Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client:       anthropic.NewClient(opts...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

func (p *Provider) Name() string { return "anthropic" }

// Complete issues a non-streaming request, used by the compactor.
func (p *Provider) Complete(ctx context.Context, system string, history []*models.Message, schemas []agent.FunctionSchema) (*models.Message, *agent.Usage, error) {
	params, err := p.buildParams(system, history, schemas)
	if err != nil {
		return nil, nil, err
	}

	var resp *anthropic.Message
	res := retry.Do(ctx, retry.Config{
		MaxAttempts:  p.maxRetries + 1,
		InitialDelay: p.retryDelay,
		Factor:       2.0,
		Jitter:       true,
	}, func() error {
		var rerr error
		resp, rerr = p.client.Messages.New(ctx, params)
		if rerr != nil && !p.isRetryableError(rerr) {
			return retry.Permanent(rerr)
		}
		return rerr
	})
	if res.Err != nil {
		return nil, nil, fmt.Errorf("anthropic: %w", res.Err)
	}

	msg := &models.Message{Role: models.RoleAssistant}
	var text strings.Builder
	var calls []models.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()
			input, _ := json.Marshal(tu.Input)
			calls = append(calls, models.ToolCall{ID: tu.ID, Name: tu.Name, Arguments: input})
		}
	}
	msg.Content = models.NewTextContent(text.String())
	msg.ToolCalls = calls

	usage := &agent.Usage{
		Prompt:     int(resp.Usage.InputTokens),
		Completion: int(resp.Usage.OutputTokens),
		Total:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}
	return msg, usage, nil
}

// Stream issues a streaming request and translates Claude's SSE events into
// Chunks, leaving reassembly to the caller's Accumulator.
func (p *Provider) Stream(ctx context.Context, system string, history []*models.Message, schemas []agent.FunctionSchema) (<-chan agent.Chunk, <-chan error) {
	out := make(chan agent.Chunk)
	errCh := make(chan error, 1)

	params, err := p.buildParams(system, history, schemas)
	if err != nil {
		close(out)
		errCh <- err
		close(errCh)
		return out, errCh
	}

	// NewStreaming connects lazily: it returns no error of its own, and any
	// connection failure surfaces as the first stream.Next()/stream.Err()
	// result, which pump below reports on errCh.
	stream := p.client.Messages.NewStreaming(ctx, params)
	go p.pump(stream, out, errCh)
	return out, errCh
}

func (p *Provider) pump(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- agent.Chunk, errCh chan<- error) {
	defer close(out)
	defer close(errCh)
	defer stream.Close()

	var toolCallID, toolCallName string
	var toolInput strings.Builder
	var finalUsage *agent.Usage
	inToolCall := false
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				toolCallID = tu.ID
				toolCallName = tu.Name
				toolInput.Reset()
				inToolCall = true
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- agent.Chunk{Kind: agent.ChunkContent, Text: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					out <- agent.Chunk{Kind: agent.ChunkContent, Text: delta.Thinking, IsReasoning: true}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if inToolCall {
				out <- agent.Chunk{
					Kind:           agent.ChunkToolCall,
					ToolCallID:     toolCallID,
					FunctionName:   toolCallName,
					ArgumentsDelta: toolInput.String(),
				}
				inToolCall = false
				processed = true
			}

		case "message_delta":
			usage := event.AsMessageDelta().Usage
			if usage.OutputTokens > 0 {
				finalUsage = &agent.Usage{Completion: int(usage.OutputTokens), Total: int(usage.OutputTokens)}
			}
			processed = true

		case "message_stop":
			out <- agent.Chunk{Kind: agent.ChunkDone, Usage: finalUsage}
			errCh <- nil
			return

		case "error":
			errCh <- errors.New("anthropic: stream error")
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				errCh <- fmt.Errorf("anthropic: stream appears malformed: %d consecutive empty events", emptyEvents)
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("anthropic: %w", err)
		return
	}
	errCh <- nil
}

func (p *Provider) buildParams(system string, history []*models.Message, schemas []agent.FunctionSchema) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(history)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.defaultModel),
		Messages:  messages,
		MaxTokens: int64(p.maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(schemas) > 0 {
		tools, err := p.convertTools(schemas)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// convertMessages maps history into Anthropic's content-block message shape.
// Tool-role messages become tool_result blocks on a user message, matching
// how Claude expects results threaded back in.
func (p *Provider) convertMessages(history []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range history {
		var content []anthropic.ContentBlockParamUnion

		switch msg.Role {
		case models.RoleTool:
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content.Text(), false))
			result = append(result, anthropic.NewUserMessage(content...))
			continue

		case models.RoleAssistant:
			if text := msg.Content.Text(); text != "" {
				content = append(content, anthropic.NewTextBlock(text))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						return nil, fmt.Errorf("invalid tool call arguments for %s: %w", tc.Name, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		default: // user, system (system prompt is handled separately)
			for _, part := range msg.Content.Parts() {
				if part.Image != nil {
					content = append(content, anthropic.ContentBlockParamUnion{
						OfImage: &anthropic.ImageBlockParam{
							Source: anthropic.ImageBlockParamSourceUnion{
								OfURL: &anthropic.URLImageSourceParam{URL: part.Image.URL},
							},
						},
					})
				} else if part.Text != "" {
					content = append(content, anthropic.NewTextBlock(part.Text))
				}
			}
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func (p *Provider) convertTools(schemas []agent.FunctionSchema) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(s.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", s.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, s.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", s.Name)
		}
		toolParam.OfTool.Description = anthropic.String(s.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func (p *Provider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded", "connection reset", "connection refused"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

var _ agent.LLMProvider = (*Provider)(nil)
