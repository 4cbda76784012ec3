// Package config loads and validates jimi's configuration: LLM provider
// credentials, agent loop limits, tool policy and timeouts, and the
// observability switches. Files are YAML (JSON5 tolerated) with $include
// resolution; a handful of JIMI_* environment variables override file values.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	Version int `yaml:"version"`

	LLM     LLMConfig     `yaml:"llm"`
	Agent   AgentConfig   `yaml:"agent"`
	Tools   ToolsConfig   `yaml:"tools"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LLMConfig selects and configures the LLM providers.
type LLMConfig struct {
	// DefaultProvider names the entry in Providers used when no override is
	// given: "anthropic", "venice" (any OpenAI-compatible endpoint), or
	// "bedrock".
	DefaultProvider string `yaml:"default_provider"`

	Providers map[string]ProviderConfig `yaml:"providers"`

	// Bedrock carries the AWS-specific settings the bedrock provider needs
	// beyond the generic ProviderConfig shape.
	Bedrock BedrockConfig `yaml:"bedrock"`
}

// ProviderConfig configures one LLM provider entry.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	MaxTokens    int    `yaml:"max_tokens"`
}

// BedrockConfig configures the AWS Bedrock provider and its model discovery.
type BedrockConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	DefaultModel    string `yaml:"default_model"`

	// DiscoverModels enables listing available foundation models from the
	// Bedrock control plane at startup.
	DiscoverModels bool `yaml:"discover_models"`
}

// AgentConfig bounds the agent loop.
type AgentConfig struct {
	// MaxStepsPerRun caps the number of steps one Execute call may take.
	MaxStepsPerRun int `yaml:"max_steps_per_run"`

	// MaxContextSize is the provider context window in tokens. Zero means
	// "resolve from the model name, fall back to 128000".
	MaxContextSize int `yaml:"max_context_size"`

	// ReservedTokens is the headroom the compactor protects before each LLM
	// call.
	ReservedTokens int `yaml:"reserved_tokens"`
}

// ToolsConfig controls tool availability, approval, and timeouts.
type ToolsConfig struct {
	// Yolo auto-approves every tool call for the whole session.
	Yolo bool `yaml:"yolo"`

	// Profile is a named tool-policy profile ("minimal", "coding", "full").
	Profile string `yaml:"profile"`

	// Allow and Deny adjust the profile per tool name; deny wins.
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`

	// DefaultTimeoutSeconds applies to any tool without its own entry.
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`

	// TimeoutSeconds overrides the timeout per tool name.
	TimeoutSeconds map[string]int `yaml:"timeout_seconds"`

	// MaxReadBytes bounds the read tool's per-file read size.
	MaxReadBytes int `yaml:"max_read_bytes"`
}

// SessionConfig locates the session on disk.
type SessionConfig struct {
	// Workdir is the session working directory (default: process cwd).
	Workdir string `yaml:"workdir"`

	// HistoryDir overrides where history files live; empty means
	// <workdir>/.jimi/sessions/<session_id>/.
	HistoryDir string `yaml:"history_dir"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level: "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format: "json" or "text".
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address for /metrics (default "127.0.0.1:9464").
	Addr string `yaml:"addr"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint"`

	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Default returns a configuration with every default applied and no
// providers configured.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = CurrentVersion
	}
	if c.LLM.Providers == nil {
		c.LLM.Providers = map[string]ProviderConfig{}
	}
	if c.LLM.DefaultProvider == "" {
		c.LLM.DefaultProvider = "anthropic"
	}
	if c.LLM.Bedrock.Region == "" {
		c.LLM.Bedrock.Region = "us-east-1"
	}
	if c.Agent.MaxStepsPerRun <= 0 {
		c.Agent.MaxStepsPerRun = 50
	}
	if c.Agent.ReservedTokens <= 0 {
		c.Agent.ReservedTokens = 50000
	}
	if c.Tools.Profile == "" {
		c.Tools.Profile = "coding"
	}
	if c.Tools.DefaultTimeoutSeconds <= 0 {
		c.Tools.DefaultTimeoutSeconds = 600
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9464"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "jimi"
	}
	if c.Tracing.SampleRate <= 0 {
		c.Tracing.SampleRate = 1.0
	}
}

// ApplyEnvOverrides applies the JIMI_* environment variables on top of file
// values: JIMI_API_KEY, JIMI_BASE_URL, and JIMI_MODEL_NAME each override the
// matching field of the default provider's entry.
func (c *Config) ApplyEnvOverrides() {
	name := c.LLM.DefaultProvider
	p := c.LLM.Providers[name]
	if v := os.Getenv("JIMI_API_KEY"); v != "" {
		p.APIKey = v
	}
	if v := os.Getenv("JIMI_BASE_URL"); v != "" {
		p.BaseURL = v
	}
	if v := os.Getenv("JIMI_MODEL_NAME"); v != "" {
		p.DefaultModel = v
	}
	c.LLM.Providers[name] = p
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}
	switch c.LLM.DefaultProvider {
	case "anthropic", "venice", "openai", "bedrock":
	default:
		return fmt.Errorf("llm.default_provider: unknown provider %q", c.LLM.DefaultProvider)
	}
	if c.Agent.MaxContextSize > 0 && c.Agent.ReservedTokens >= c.Agent.MaxContextSize {
		return fmt.Errorf("agent.reserved_tokens (%d) must be smaller than agent.max_context_size (%d)",
			c.Agent.ReservedTokens, c.Agent.MaxContextSize)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	for name, secs := range c.Tools.TimeoutSeconds {
		if secs <= 0 {
			return fmt.Errorf("tools.timeout_seconds[%s]: must be positive", name)
		}
	}
	return nil
}

// ToolTimeout returns the configured timeout for one tool.
func (c *Config) ToolTimeout(name string) time.Duration {
	if secs, ok := c.Tools.TimeoutSeconds[name]; ok {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(c.Tools.DefaultTimeoutSeconds) * time.Second
}

// Load reads, merges, and validates the configuration at path. An empty path
// returns defaults with environment overrides applied; a missing file is an
// error.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		return cfg, nil
	}
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
