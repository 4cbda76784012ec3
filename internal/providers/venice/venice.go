// Package venice implements agent.LLMProvider against Venice AI's
// OpenAI-compatible chat completions API, and doubles as the generic
// OpenAI-protocol provider (point BaseURL at OpenAI itself, or any other
// OpenAI-compatible endpoint) since the wire format is identical.
package venice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jimiagent/jimi/internal/agent"
	"github.com/jimiagent/jimi/internal/retry"
	"github.com/jimiagent/jimi/pkg/models"
)

// BaseURL is Venice AI's default API base.
const BaseURL = "https://api.venice.ai/api/v1"

// DefaultModel is used when a request specifies no model.
const DefaultModel = "llama-3.3-70b"

// ModelCatalogEntry describes one catalog model's capabilities, used for
// both the static fallback catalog and API-discovered models.
type ModelCatalogEntry struct {
	ID            string
	Name          string
	Reasoning     bool
	Input         []string
	ContextWindow int
	MaxTokens     int
	Privacy       string // "private" or "anonymized"
}

// VeniceCatalog is the static fallback model list, used when the API key is
// absent or the live /models call fails.
var VeniceCatalog = []ModelCatalogEntry{
	{ID: "llama-3.3-70b", Name: "Llama 3.3 70B", Reasoning: false, Input: []string{"text"}, ContextWindow: 131072, MaxTokens: 8192, Privacy: "private"},
	{ID: "llama-3.2-3b", Name: "Llama 3.2 3B", Reasoning: false, Input: []string{"text"}, ContextWindow: 131072, MaxTokens: 4096, Privacy: "private"},
	{ID: "qwen3-235b-a22b-thinking-2507", Name: "Qwen3 235B Thinking", Reasoning: true, Input: []string{"text"}, ContextWindow: 131072, MaxTokens: 16384, Privacy: "private"},
	{ID: "deepseek-v3.2", Name: "DeepSeek V3.2", Reasoning: true, Input: []string{"text"}, ContextWindow: 163840, MaxTokens: 8192, Privacy: "private"},
	{ID: "claude-opus-45", Name: "Claude Opus 4.5", Reasoning: true, Input: []string{"text", "image"}, ContextWindow: 200000, MaxTokens: 8192, Privacy: "anonymized"},
	{ID: "openai-gpt-52", Name: "GPT-5.2", Reasoning: true, Input: []string{"text", "image"}, ContextWindow: 272000, MaxTokens: 16384, Privacy: "anonymized"},
}

// VeniceConfig configures a Client/Provider.
type VeniceConfig struct {
	// APIKey is the Venice API key (required to actually call the API).
	APIKey string

	// DefaultModel is used when a caller doesn't specify one.
	DefaultModel string

	// BaseURL overrides BaseURL, e.g. to point at OpenAI directly or any
	// other OpenAI-compatible endpoint.
	BaseURL string

	// MaxRetries is the number of attempts for a retryable transport error
	// (default: 3).
	MaxRetries int

	// RetryDelay is the base delay between retries (default: 1s).
	RetryDelay time.Duration
}

// Client wraps the Venice API with an OpenAI-compatible client.
type Client struct {
	apiKey       string
	baseURL      string
	openaiClient *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewClient creates a Client with Venice's default base URL and model.
func NewClient(apiKey string) *Client {
	return NewClientWithConfig(VeniceConfig{APIKey: apiKey})
}

// NewClientWithConfig creates a Client with custom configuration.
func NewClientWithConfig(cfg VeniceConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	c := &Client{
		apiKey:       cfg.APIKey,
		baseURL:      cfg.BaseURL,
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}

	if cfg.APIKey != "" {
		clientConfig := openai.DefaultConfig(cfg.APIKey)
		clientConfig.BaseURL = cfg.BaseURL
		c.openaiClient = openai.NewClientWithConfig(clientConfig)
	}

	return c
}

// retryConfig maps the client's retry knobs onto the shared retry policy.
func (c *Client) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  c.maxRetries,
		InitialDelay: c.retryDelay,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Complete issues a non-streaming chat completion request.
func (c *Client) Complete(ctx context.Context, system string, history []*models.Message, schemas []agent.FunctionSchema) (*models.Message, *agent.Usage, error) {
	if c.openaiClient == nil {
		return nil, nil, errors.New("venice: API key not configured")
	}

	messages, err := c.convertMessages(history, system)
	if err != nil {
		return nil, nil, fmt.Errorf("venice: convert messages: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model:    c.defaultModel,
		Messages: messages,
	}
	if len(schemas) > 0 {
		req.Tools = c.convertTools(schemas)
	}

	var resp openai.ChatCompletionResponse
	res := retry.Do(ctx, c.retryConfig(), func() error {
		var rerr error
		resp, rerr = c.openaiClient.CreateChatCompletion(ctx, req)
		if rerr != nil && !c.isRetryableError(rerr) {
			return retry.Permanent(rerr)
		}
		return rerr
	})
	if res.Err != nil {
		return nil, nil, fmt.Errorf("venice: %w", res.Err)
	}
	if len(resp.Choices) == 0 {
		return nil, nil, errors.New("venice: empty completion response")
	}

	msg := &models.Message{Role: models.RoleAssistant, Content: models.NewTextContent(resp.Choices[0].Message.Content)}
	usage := &agent.Usage{Prompt: resp.Usage.PromptTokens, Completion: resp.Usage.CompletionTokens, Total: resp.Usage.TotalTokens}
	return msg, usage, nil
}

// Stream issues a streaming chat completion request and translates the
// provider's SSE events into Chunks; reassembly into a single Message is the
// caller's Accumulator's job, not this provider's.
func (c *Client) Stream(ctx context.Context, system string, history []*models.Message, schemas []agent.FunctionSchema) (<-chan agent.Chunk, <-chan error) {
	out := make(chan agent.Chunk)
	errCh := make(chan error, 1)

	if c.openaiClient == nil {
		close(out)
		errCh <- errors.New("venice: API key not configured")
		close(errCh)
		return out, errCh
	}

	messages, err := c.convertMessages(history, system)
	if err != nil {
		close(out)
		errCh <- fmt.Errorf("venice: convert messages: %w", err)
		close(errCh)
		return out, errCh
	}

	req := openai.ChatCompletionRequest{
		Model:    c.defaultModel,
		Messages: messages,
		Stream:   true,
	}
	if len(schemas) > 0 {
		req.Tools = c.convertTools(schemas)
	}

	var stream *openai.ChatCompletionStream
	res := retry.Do(ctx, c.retryConfig(), func() error {
		var rerr error
		stream, rerr = c.openaiClient.CreateChatCompletionStream(ctx, req)
		if rerr != nil && !c.isRetryableError(rerr) {
			return retry.Permanent(rerr)
		}
		return rerr
	})
	if res.Err != nil {
		close(out)
		errCh <- fmt.Errorf("venice: %w", res.Err)
		close(errCh)
		return out, errCh
	}

	go c.pump(ctx, stream, out, errCh)
	return out, errCh
}

// pump translates one OpenAI SSE stream into Chunks until EOF, ctx
// cancellation, or a transport error.
func (c *Client) pump(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- agent.Chunk, errCh chan<- error) {
	defer close(out)
	defer close(errCh)
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				out <- agent.Chunk{Kind: agent.ChunkDone}
				errCh <- nil
				return
			}
			errCh <- err
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			out <- agent.Chunk{Kind: agent.ChunkContent, Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			chunk := agent.Chunk{Kind: agent.ChunkToolCall, ArgumentsDelta: tc.Function.Arguments}
			if tc.ID != "" {
				chunk.ToolCallID = tc.ID
			}
			if tc.Function.Name != "" {
				chunk.FunctionName = tc.Function.Name
			}
			out <- chunk
		}

		if resp.Usage != nil {
			out <- agent.Chunk{Kind: agent.ChunkDone, Usage: &agent.Usage{
				Prompt:     resp.Usage.PromptTokens,
				Completion: resp.Usage.CompletionTokens,
				Total:      resp.Usage.TotalTokens,
			}}
		}
	}
}

// convertMessages converts the core's message history (plus the system
// prompt) to OpenAI's wire shape.
func (c *Client) convertMessages(history []*models.Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(history)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range history {
		switch msg.Role {
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content.Text(),
				ToolCallID: msg.ToolCallID,
			})

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content.Text()}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Arguments),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		default: // user, system
			parts := msg.Content.Parts()
			hasImage := false
			for _, p := range parts {
				if p.Image != nil {
					hasImage = true
					break
				}
			}

			role := openai.ChatMessageRoleUser
			if msg.Role == models.RoleSystem {
				role = openai.ChatMessageRoleSystem
			}

			if hasImage {
				contentParts := make([]openai.ChatMessagePart, 0, len(parts))
				for _, p := range parts {
					if p.Image != nil {
						contentParts = append(contentParts, openai.ChatMessagePart{
							Type:     openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{URL: p.Image.URL, Detail: openai.ImageURLDetailAuto},
						})
					} else if p.Text != "" {
						contentParts = append(contentParts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
					}
				}
				result = append(result, openai.ChatCompletionMessage{Role: role, MultiContent: contentParts})
			} else {
				result = append(result, openai.ChatCompletionMessage{Role: role, Content: msg.Content.Text()})
			}
		}
	}

	return result, nil
}

// convertTools converts registered tool schemas to OpenAI's function-calling
// wire shape.
func (c *Client) convertTools(schemas []agent.FunctionSchema) []openai.Tool {
	result := make([]openai.Tool, len(schemas))

	for i, s := range schemas {
		var schemaMap map[string]any
		if err := json.Unmarshal(s.Parameters, &schemaMap); err != nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  schemaMap,
			},
		}
	}

	return result
}

// isRetryableError reports whether a transport error is worth retrying.
func (c *Client) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	retryable := []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"}
	for _, s := range retryable {
		if strings.Contains(errMsg, s) {
			return true
		}
	}
	return false
}

// DiscoverModels fetches models from Venice's /models endpoint, falling
// back to the static catalog on any failure or when apiKey is empty.
func DiscoverModels(ctx context.Context, apiKey string) ([]ModelCatalogEntry, error) {
	if apiKey == "" {
		return VeniceCatalog, nil
	}

	client := &http.Client{Timeout: 30 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, BaseURL+"/models", nil)
	if err != nil {
		return VeniceCatalog, nil
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return VeniceCatalog, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return VeniceCatalog, nil
	}

	var result struct {
		Data []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return VeniceCatalog, nil
	}
	if len(result.Data) == 0 {
		return VeniceCatalog, nil
	}

	catalogMap := make(map[string]ModelCatalogEntry, len(VeniceCatalog))
	for _, entry := range VeniceCatalog {
		catalogMap[entry.ID] = entry
	}

	out := make([]ModelCatalogEntry, 0, len(result.Data))
	for _, m := range result.Data {
		if entry, ok := catalogMap[m.ID]; ok {
			out = append(out, entry)
		} else {
			out = append(out, ModelCatalogEntry{ID: m.ID, Name: m.ID, Input: []string{"text"}, ContextWindow: 32000, MaxTokens: 4096, Privacy: "private"})
		}
	}
	return out, nil
}

// GetModelInfo looks up one catalog entry by ID.
func GetModelInfo(modelID string) *ModelCatalogEntry {
	for _, entry := range VeniceCatalog {
		if entry.ID == modelID {
			return &entry
		}
	}
	return nil
}

// IsPrivateModel reports whether a model runs with no request logging.
func IsPrivateModel(modelID string) bool {
	info := GetModelInfo(modelID)
	return info != nil && info.Privacy == "private"
}

// SupportsReasoning reports whether a model supports extended thinking.
func SupportsReasoning(modelID string) bool {
	info := GetModelInfo(modelID)
	return info != nil && info.Reasoning
}

// Provider implements agent.LLMProvider against a Venice (or any
// OpenAI-compatible) endpoint.
type Provider struct {
	client *Client
}

// NewProvider constructs a Provider; an empty APIKey is accepted so the
// catalog/helper functions stay usable, but Complete/Stream will fail.
func NewProvider(cfg VeniceConfig) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("venice: API key is required")
	}
	return &Provider{client: NewClientWithConfig(cfg)}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "venice" }

func (p *Provider) Complete(ctx context.Context, system string, history []*models.Message, schemas []agent.FunctionSchema) (*models.Message, *agent.Usage, error) {
	return p.client.Complete(ctx, system, history, schemas)
}

func (p *Provider) Stream(ctx context.Context, system string, history []*models.Message, schemas []agent.FunctionSchema) (<-chan agent.Chunk, <-chan error) {
	return p.client.Stream(ctx, system, history, schemas)
}

var _ agent.LLMProvider = (*Provider)(nil)
