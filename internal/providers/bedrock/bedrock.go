// Package bedrock implements agent.LLMProvider against AWS Bedrock's
// Converse API, alongside model discovery for the foundation models the
// account can reach.
package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/jimiagent/jimi/internal/agent"
	"github.com/jimiagent/jimi/internal/backoff"
	"github.com/jimiagent/jimi/pkg/models"
)

// Config holds the settings for a Provider.
type Config struct {
	// Region is the AWS region (default: us-east-1).
	Region string

	// AccessKeyID/SecretAccessKey/SessionToken supply explicit credentials;
	// when empty the default AWS credential chain applies.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// DefaultModel is used when a caller doesn't specify one.
	DefaultModel string

	// MaxRetries bounds retry attempts for transient failures (default 3).
	MaxRetries int

	// MaxTokens is the completion token cap sent with every request
	// (default 4096).
	MaxTokens int
}

// Provider implements agent.LLMProvider for Bedrock-hosted models via the
// Converse/ConverseStream API. Authentication is AWS credentials
// (environment, IAM role, or explicit static keys).
type Provider struct {
	client       *bedrockruntime.Client
	defaultModel string
	maxRetries   int
	maxTokens    int
	policy       backoff.BackoffPolicy
}

// New constructs a Provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-sonnet-4-20250514-v1:0"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}

	return &Provider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		maxTokens:    cfg.MaxTokens,
		policy:       backoff.DefaultPolicy(),
	}, nil
}

func (p *Provider) Name() string { return "bedrock" }

// Complete issues a non-streaming Converse request, used by the compactor.
func (p *Provider) Complete(ctx context.Context, system string, history []*models.Message, schemas []agent.FunctionSchema) (*models.Message, *agent.Usage, error) {
	parts, err := p.buildConverseParts(system, history, schemas)
	if err != nil {
		return nil, nil, err
	}

	result, err := backoff.RetryWithBackoff(ctx, p.policy, p.maxRetries, func(int) (*bedrockruntime.ConverseOutput, error) {
		out, cerr := p.client.Converse(ctx, parts.converseInput())
		if cerr != nil && !isRetryableError(cerr) {
			return nil, cerr
		}
		return out, cerr
	})
	if err != nil {
		if result.LastError != nil {
			return nil, nil, fmt.Errorf("bedrock: %w", result.LastError)
		}
		return nil, nil, fmt.Errorf("bedrock: %w", err)
	}
	out := result.Value

	msg := &models.Message{Role: models.RoleAssistant}
	var text strings.Builder
	var calls []models.ToolCall
	if m, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range m.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				text.WriteString(b.Value)
			case *types.ContentBlockMemberToolUse:
				args, _ := b.Value.Input.MarshalSmithyDocument()
				calls = append(calls, models.ToolCall{
					ID:        aws.ToString(b.Value.ToolUseId),
					Name:      aws.ToString(b.Value.Name),
					Arguments: json.RawMessage(args),
				})
			}
		}
	}
	msg.Content = models.NewTextContent(text.String())
	msg.ToolCalls = calls

	var usage *agent.Usage
	if out.Usage != nil {
		usage = &agent.Usage{
			Prompt:     int(aws.ToInt32(out.Usage.InputTokens)),
			Completion: int(aws.ToInt32(out.Usage.OutputTokens)),
			Total:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return msg, usage, nil
}

// Stream issues a ConverseStream request and translates its events into
// Chunks, leaving reassembly to the caller's Accumulator.
func (p *Provider) Stream(ctx context.Context, system string, history []*models.Message, schemas []agent.FunctionSchema) (<-chan agent.Chunk, <-chan error) {
	out := make(chan agent.Chunk)
	errCh := make(chan error, 1)

	parts, err := p.buildConverseParts(system, history, schemas)
	if err != nil {
		close(out)
		errCh <- err
		close(errCh)
		return out, errCh
	}

	result, err := backoff.RetryWithBackoff(ctx, p.policy, p.maxRetries, func(int) (*bedrockruntime.ConverseStreamOutput, error) {
		s, serr := p.client.ConverseStream(ctx, parts.converseStreamInput())
		if serr != nil && !isRetryableError(serr) {
			return nil, serr
		}
		return s, serr
	})
	if err != nil {
		close(out)
		if result.LastError != nil {
			err = result.LastError
		}
		errCh <- fmt.Errorf("bedrock: %w", err)
		close(errCh)
		return out, errCh
	}

	go p.pump(ctx, result.Value, out, errCh)
	return out, errCh
}

func (p *Provider) pump(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, out chan<- agent.Chunk, errCh chan<- error) {
	defer close(out)
	defer close(errCh)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var toolCallID, toolCallName string
	var toolInput strings.Builder
	inToolCall := false
	stopped := false

	for event := range eventStream.Events() {
		if ctx.Err() != nil {
			errCh <- ctx.Err()
			return
		}

		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if tu, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				toolCallID = aws.ToString(tu.Value.ToolUseId)
				toolCallName = aws.ToString(tu.Value.Name)
				toolInput.Reset()
				inToolCall = true
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if delta.Value != "" {
					out <- agent.Chunk{Kind: agent.ChunkContent, Text: delta.Value}
				}
			case *types.ContentBlockDeltaMemberReasoningContent:
				if rc, ok := delta.Value.(*types.ReasoningContentBlockDeltaMemberText); ok && rc.Value != "" {
					out <- agent.Chunk{Kind: agent.ChunkContent, Text: rc.Value, IsReasoning: true}
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if delta.Value.Input != nil {
					toolInput.WriteString(*delta.Value.Input)
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			if inToolCall {
				out <- agent.Chunk{
					Kind:           agent.ChunkToolCall,
					ToolCallID:     toolCallID,
					FunctionName:   toolCallName,
					ArgumentsDelta: toolInput.String(),
				}
				inToolCall = false
			}

		case *types.ConverseStreamOutputMemberMessageStop:
			// Usage arrives in the trailing metadata event; hold the DONE
			// chunk until then.
			stopped = true

		case *types.ConverseStreamOutputMemberMetadata:
			var usage *agent.Usage
			if ev.Value.Usage != nil {
				usage = &agent.Usage{
					Prompt:     int(aws.ToInt32(ev.Value.Usage.InputTokens)),
					Completion: int(aws.ToInt32(ev.Value.Usage.OutputTokens)),
					Total:      int(aws.ToInt32(ev.Value.Usage.TotalTokens)),
				}
			}
			out <- agent.Chunk{Kind: agent.ChunkDone, Usage: usage}
			errCh <- nil
			return
		}
	}

	if err := eventStream.Err(); err != nil {
		errCh <- fmt.Errorf("bedrock: %w", err)
		return
	}
	if stopped {
		out <- agent.Chunk{Kind: agent.ChunkDone}
	}
	errCh <- nil
}

// converseParts carries the request pieces shared by Converse and
// ConverseStream, whose input structs are distinct types with the same
// fields.
type converseParts struct {
	modelID   *string
	messages  []types.Message
	system    []types.SystemContentBlock
	inference *types.InferenceConfiguration
	toolCfg   *types.ToolConfiguration
}

func (p *Provider) buildConverseParts(system string, history []*models.Message, schemas []agent.FunctionSchema) (*converseParts, error) {
	messages, err := convertMessages(history)
	if err != nil {
		return nil, fmt.Errorf("bedrock: convert messages: %w", err)
	}

	parts := &converseParts{
		modelID:  aws.String(p.defaultModel),
		messages: messages,
		inference: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(p.maxTokens)), // #nosec G115 -- bounded at construction
		},
	}
	if system != "" {
		parts.system = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		}
	}
	if len(schemas) > 0 {
		toolCfg, err := convertTools(schemas)
		if err != nil {
			return nil, fmt.Errorf("bedrock: convert tools: %w", err)
		}
		parts.toolCfg = toolCfg
	}
	return parts, nil
}

func (parts *converseParts) converseInput() *bedrockruntime.ConverseInput {
	return &bedrockruntime.ConverseInput{
		ModelId:         parts.modelID,
		Messages:        parts.messages,
		System:          parts.system,
		InferenceConfig: parts.inference,
		ToolConfig:      parts.toolCfg,
	}
}

func (parts *converseParts) converseStreamInput() *bedrockruntime.ConverseStreamInput {
	return &bedrockruntime.ConverseStreamInput{
		ModelId:         parts.modelID,
		Messages:        parts.messages,
		System:          parts.system,
		InferenceConfig: parts.inference,
		ToolConfig:      parts.toolCfg,
	}
}

// convertMessages maps history into Bedrock's Converse message shape.
// Tool-role messages become toolResult blocks on a user message; data-URL
// images are decoded inline, other image URLs are skipped (Converse only
// accepts raw bytes).
func convertMessages(history []*models.Message) ([]types.Message, error) {
	var result []types.Message

	for _, msg := range history {
		var content []types.ContentBlock

		switch msg.Role {
		case models.RoleSystem:
			continue // handled separately

		case models.RoleTool:
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: msg.Content.Text()},
					},
				},
			})
			result = append(result, types.Message{Role: types.ConversationRoleUser, Content: content})
			continue

		case models.RoleAssistant:
			if text := msg.Content.Text(); text != "" {
				content = append(content, &types.ContentBlockMemberText{Value: text})
			}
			for _, tc := range msg.ToolCalls {
				var inputDoc any
				if err := json.Unmarshal(tc.Arguments, &inputDoc); err != nil {
					inputDoc = map[string]any{}
				}
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(inputDoc),
					},
				})
			}
			if len(content) > 0 {
				result = append(result, types.Message{Role: types.ConversationRoleAssistant, Content: content})
			}

		default: // user
			for _, part := range msg.Content.Parts() {
				if part.Image != nil {
					if block, ok := imageBlockFromDataURL(part.Image.URL); ok {
						content = append(content, block)
					}
					continue
				}
				if part.Text != "" {
					content = append(content, &types.ContentBlockMemberText{Value: part.Text})
				}
			}
			if len(content) > 0 {
				result = append(result, types.Message{Role: types.ConversationRoleUser, Content: content})
			}
		}
	}

	return result, nil
}

func imageBlockFromDataURL(url string) (*types.ContentBlockMemberImage, bool) {
	if !strings.HasPrefix(url, "data:") {
		return nil, false
	}
	parts := strings.SplitN(url, ",", 2)
	if len(parts) != 2 {
		return nil, false
	}
	meta := strings.TrimPrefix(parts[0], "data:")
	mimeType := strings.SplitN(meta, ";", 2)[0]
	var format types.ImageFormat
	switch mimeType {
	case "image/png":
		format = types.ImageFormatPng
	case "image/jpeg", "image/jpg":
		format = types.ImageFormatJpeg
	case "image/gif":
		format = types.ImageFormatGif
	case "image/webp":
		format = types.ImageFormatWebp
	default:
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, false
	}
	return &types.ContentBlockMemberImage{
		Value: types.ImageBlock{
			Format: format,
			Source: &types.ImageSourceMemberBytes{Value: data},
		},
	}, true
}

func convertTools(schemas []agent.FunctionSchema) (*types.ToolConfiguration, error) {
	tools := make([]types.Tool, 0, len(schemas))
	for _, s := range schemas {
		var schemaDoc any
		if err := json.Unmarshal(s.Parameters, &schemaDoc); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", s.Name, err)
		}
		tools = append(tools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(s.Name),
				Description: aws.String(s.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(schemaDoc),
				},
			},
		})
	}
	return &types.ToolConfiguration{Tools: tools}, nil
}

// isRetryableError reports whether an error is worth another attempt:
// AWS throttling/availability faults plus the generic transient patterns.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceUnavailableException", "InternalServerException", "ModelNotReadyException":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

var _ agent.LLMProvider = (*Provider)(nil)
