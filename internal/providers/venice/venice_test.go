package venice

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jimiagent/jimi/internal/agent"
	"github.com/jimiagent/jimi/pkg/models"
)

func TestNewClient(t *testing.T) {
	client := NewClient("test-api-key")
	if client == nil {
		t.Fatal("expected client, got nil")
	}
	if client.apiKey != "test-api-key" {
		t.Errorf("expected apiKey 'test-api-key', got %q", client.apiKey)
	}
	if client.baseURL != BaseURL {
		t.Errorf("expected baseURL %q, got %q", BaseURL, client.baseURL)
	}
	if client.defaultModel != DefaultModel {
		t.Errorf("expected defaultModel %q, got %q", DefaultModel, client.defaultModel)
	}
}

func TestNewClientWithConfig(t *testing.T) {
	tests := []struct {
		name        string
		cfg         VeniceConfig
		wantBaseURL string
		wantModel   string
		wantRetries int
		wantDelay   time.Duration
	}{
		{
			name:        "default values",
			cfg:         VeniceConfig{APIKey: "test-key"},
			wantBaseURL: BaseURL,
			wantModel:   DefaultModel,
			wantRetries: 3,
			wantDelay:   time.Second,
		},
		{
			name: "custom values",
			cfg: VeniceConfig{
				APIKey:       "test-key",
				BaseURL:      "https://custom.api.com/v1",
				DefaultModel: "custom-model",
				MaxRetries:   5,
				RetryDelay:   2 * time.Second,
			},
			wantBaseURL: "https://custom.api.com/v1",
			wantModel:   "custom-model",
			wantRetries: 5,
			wantDelay:   2 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewClientWithConfig(tt.cfg)
			if client.baseURL != tt.wantBaseURL {
				t.Errorf("baseURL = %q, want %q", client.baseURL, tt.wantBaseURL)
			}
			if client.defaultModel != tt.wantModel {
				t.Errorf("defaultModel = %q, want %q", client.defaultModel, tt.wantModel)
			}
			if client.maxRetries != tt.wantRetries {
				t.Errorf("maxRetries = %d, want %d", client.maxRetries, tt.wantRetries)
			}
			if client.retryDelay != tt.wantDelay {
				t.Errorf("retryDelay = %v, want %v", client.retryDelay, tt.wantDelay)
			}
		})
	}
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     VeniceConfig
		wantErr bool
	}{
		{name: "valid config", cfg: VeniceConfig{APIKey: "test-api-key"}, wantErr: false},
		{name: "missing API key", cfg: VeniceConfig{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewProvider(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewProvider() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && provider == nil {
				t.Error("expected provider, got nil")
			}
		})
	}
}

func TestProviderName(t *testing.T) {
	provider, err := NewProvider(VeniceConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	if name := provider.Name(); name != "venice" {
		t.Errorf("Name() = %q, want %q", name, "venice")
	}
}

func TestProviderImplementsLLMProvider(t *testing.T) {
	var _ agent.LLMProvider = (*Provider)(nil)
}

func TestVeniceCatalog(t *testing.T) {
	if len(VeniceCatalog) == 0 {
		t.Error("VeniceCatalog is empty")
	}

	for _, entry := range VeniceCatalog {
		if entry.ID == "" {
			t.Error("catalog entry has empty ID")
		}
		if entry.Name == "" {
			t.Errorf("catalog entry %q has empty Name", entry.ID)
		}
		if len(entry.Input) == 0 {
			t.Errorf("catalog entry %q has no input types", entry.ID)
		}
		if entry.ContextWindow <= 0 {
			t.Errorf("catalog entry %q has invalid ContextWindow: %d", entry.ID, entry.ContextWindow)
		}
		if entry.MaxTokens <= 0 {
			t.Errorf("catalog entry %q has invalid MaxTokens: %d", entry.ID, entry.MaxTokens)
		}
		if entry.Privacy != "private" && entry.Privacy != "anonymized" {
			t.Errorf("catalog entry %q has invalid Privacy: %q", entry.ID, entry.Privacy)
		}
	}
}

func TestGetModelInfo(t *testing.T) {
	tests := []struct {
		modelID     string
		wantNil     bool
		wantPrivacy string
	}{
		{modelID: "llama-3.3-70b", wantNil: false, wantPrivacy: "private"},
		{modelID: "claude-opus-45", wantNil: false, wantPrivacy: "anonymized"},
		{modelID: "nonexistent-model", wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.modelID, func(t *testing.T) {
			info := GetModelInfo(tt.modelID)
			if (info == nil) != tt.wantNil {
				t.Errorf("GetModelInfo(%q) = %v, wantNil %v", tt.modelID, info, tt.wantNil)
				return
			}
			if !tt.wantNil && info.Privacy != tt.wantPrivacy {
				t.Errorf("GetModelInfo(%q).Privacy = %q, want %q", tt.modelID, info.Privacy, tt.wantPrivacy)
			}
		})
	}
}

func TestIsPrivateModel(t *testing.T) {
	tests := []struct {
		modelID     string
		wantPrivate bool
	}{
		{"llama-3.3-70b", true},
		{"deepseek-v3.2", true},
		{"claude-opus-45", false},
		{"openai-gpt-52", false},
		{"nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.modelID, func(t *testing.T) {
			if got := IsPrivateModel(tt.modelID); got != tt.wantPrivate {
				t.Errorf("IsPrivateModel(%q) = %v, want %v", tt.modelID, got, tt.wantPrivate)
			}
		})
	}
}

func TestSupportsReasoning(t *testing.T) {
	tests := []struct {
		modelID       string
		wantReasoning bool
	}{
		{"llama-3.3-70b", false},
		{"qwen3-235b-a22b-thinking-2507", true},
		{"deepseek-v3.2", true},
		{"claude-opus-45", true},
		{"nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.modelID, func(t *testing.T) {
			if got := SupportsReasoning(tt.modelID); got != tt.wantReasoning {
				t.Errorf("SupportsReasoning(%q) = %v, want %v", tt.modelID, got, tt.wantReasoning)
			}
		})
	}
}

func TestConvertMessages(t *testing.T) {
	client := NewClient("test-key")

	tests := []struct {
		name    string
		history []*models.Message
		system  string
		wantLen int
	}{
		{
			name: "basic text messages",
			history: []*models.Message{
				{Role: models.RoleUser, Content: models.NewTextContent("Hello")},
				{Role: models.RoleAssistant, Content: models.NewTextContent("Hi there!")},
			},
			system:  "You are helpful",
			wantLen: 3, // system + 2 messages
		},
		{
			name: "no system message",
			history: []*models.Message{
				{Role: models.RoleUser, Content: models.NewTextContent("Hello")},
			},
			system:  "",
			wantLen: 1,
		},
		{
			name: "message with tool calls",
			history: []*models.Message{
				{Role: models.RoleUser, Content: models.NewTextContent("What's the weather?")},
				{
					Role: models.RoleAssistant,
					ToolCalls: []models.ToolCall{
						{ID: "call_123", Name: "get_weather", Arguments: json.RawMessage(`{"location":"NYC"}`)},
					},
				},
			},
			system:  "",
			wantLen: 2,
		},
		{
			name: "tool result message",
			history: []*models.Message{
				func() *models.Message { m := models.NewToolMessage("call_123", "Sunny, 72F"); return &m }(),
			},
			system:  "",
			wantLen: 1,
		},
		{
			name: "message with image attachment",
			history: []*models.Message{
				{Role: models.RoleUser, Content: models.NewPartsContent([]models.ContentPart{
					models.TextPart("What's in this image?"),
					models.ImagePartFromURL("https://example.com/image.jpg"),
				})},
			},
			system:  "",
			wantLen: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := client.convertMessages(tt.history, tt.system)
			if err != nil {
				t.Errorf("convertMessages() error = %v", err)
				return
			}
			if len(got) != tt.wantLen {
				t.Errorf("convertMessages() got %d messages, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestConvertTools(t *testing.T) {
	client := NewClient("test-key")

	schemas := []agent.FunctionSchema{
		{Name: "test_tool", Description: "A test tool", Parameters: json.RawMessage(`{"type":"object","properties":{"arg":{"type":"string"}}}`)},
	}

	got := client.convertTools(schemas)
	if len(got) != 1 {
		t.Fatalf("convertTools() got %d tools, want 1", len(got))
	}
	if got[0].Function.Name != "test_tool" {
		t.Errorf("tool name = %q, want %q", got[0].Function.Name, "test_tool")
	}
	if got[0].Function.Description != "A test tool" {
		t.Errorf("tool description = %q, want %q", got[0].Function.Description, "A test tool")
	}
}

func TestIsRetryableError(t *testing.T) {
	client := NewClient("test-key")

	tests := []struct {
		name      string
		errMsg    string
		wantRetry bool
	}{
		{"rate limit", "rate limit exceeded", true},
		{"429 error", "error: 429 too many requests", true},
		{"500 error", "internal server error 500", true},
		{"502 error", "bad gateway 502", true},
		{"503 error", "service unavailable 503", true},
		{"504 error", "gateway timeout 504", true},
		{"timeout", "request timeout", true},
		{"deadline", "context deadline exceeded", true},
		{"auth error", "invalid API key", false},
		{"not found", "model not found", false},
		{"nil error", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.errMsg != "" {
				err = testErr(tt.errMsg)
			}
			if got := client.isRetryableError(err); got != tt.wantRetry {
				t.Errorf("isRetryableError(%q) = %v, want %v", tt.errMsg, got, tt.wantRetry)
			}
		})
	}
}

func TestDiscoverModels(t *testing.T) {
	ctx := context.Background()
	got, err := DiscoverModels(ctx, "")
	if err != nil {
		t.Errorf("DiscoverModels() error = %v", err)
		return
	}
	if len(got) != len(VeniceCatalog) {
		t.Errorf("DiscoverModels() returned %d models, want %d", len(got), len(VeniceCatalog))
	}
}

func TestCompleteWithoutAPIKey(t *testing.T) {
	client := NewClientWithConfig(VeniceConfig{})

	_, _, err := client.Complete(context.Background(), "", []*models.Message{
		{Role: models.RoleUser, Content: models.NewTextContent("Hello")},
	}, nil)
	if err == nil {
		t.Error("Complete() should fail without API key")
	}
}

type testErr string

func (e testErr) Error() string { return string(e) }
