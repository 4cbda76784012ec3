package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jimiagent/jimi/internal/agent"
	"github.com/jimiagent/jimi/internal/agent/contextstore"
	"github.com/jimiagent/jimi/internal/config"
	ctxwindow "github.com/jimiagent/jimi/internal/context"
	"github.com/jimiagent/jimi/internal/observability"
	"github.com/jimiagent/jimi/internal/providers/anthropic"
	"github.com/jimiagent/jimi/internal/providers/bedrock"
	"github.com/jimiagent/jimi/internal/providers/venice"
	exectools "github.com/jimiagent/jimi/internal/tools/exec"
	"github.com/jimiagent/jimi/internal/tools/files"
	"github.com/jimiagent/jimi/internal/tools/policy"
	"github.com/jimiagent/jimi/internal/tools/subagent"
	"github.com/jimiagent/jimi/pkg/models"
)

const defaultSystemPromptTemplate = `You are jimi, a coding assistant operating in the user's working directory.

Current time: {{NOW}}

Working directory listing:
{{WORK_DIR_LS}}

{{AGENTS_MD}}

Use the available tools to inspect and modify the workspace. Prefer small,
verifiable steps, and report what you changed.`

// Session owns everything a single conversation needs: one working
// directory, one history file, one context store, one agent, and one event
// bus. It is the explicit component set the CLI assembles once at start.
type Session struct {
	ID          string
	Config      *config.Config
	Workdir     string
	HistoryPath string

	Store      *contextstore.Store
	Bus        *agent.Bus
	Registry   *agent.ToolRegistry
	Gate       *agent.ApprovalGate
	Dispatcher *agent.Dispatcher
	Compactor  *agent.Compactor
	Executor   *agent.Executor
	Provider   agent.LLMProvider

	Logger      *observability.Logger
	Timeline    *observability.Timeline
	instruments agent.Instruments

	metricsServer  *http.Server
	shutdownTracer func(context.Context) error
}

// newSession assembles the component set from configuration.
func newSession(ctx context.Context, cfg *config.Config) (*Session, error) {
	workdir := cfg.Session.Workdir
	if workdir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		workdir = wd
	}

	id := uuid.NewString()
	historyDir := cfg.Session.HistoryDir
	if historyDir == "" {
		historyDir = filepath.Join(workdir, ".jimi", "sessions", id)
	}
	if err := os.MkdirAll(historyDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	historyPath := filepath.Join(historyDir, "history.jsonl")

	store, err := contextstore.New(historyPath)
	if err != nil {
		// Includes HistoryCorrupt: the session refuses to open.
		return nil, err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	s := &Session{
		ID:          id,
		Config:      cfg,
		Workdir:     workdir,
		HistoryPath: historyPath,
		Store:       store,
		Logger:      logger,
		Timeline:    observability.NewTimeline(0),
	}

	if cfg.Metrics.Enabled {
		s.instruments.Metrics = observability.NewMetrics()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn(ctx, "metrics endpoint failed", "error", err, "addr", cfg.Metrics.Addr)
			}
		}()
	}
	if cfg.Tracing.Enabled {
		tracer, shutdown := observability.NewTracer(observability.TraceConfig{
			ServiceName:  cfg.Tracing.ServiceName,
			Endpoint:     cfg.Tracing.Endpoint,
			SamplingRate: cfg.Tracing.SampleRate,
		})
		s.instruments.Tracer = tracer
		s.shutdownTracer = shutdown
	}
	s.instruments.Logger = logger

	s.Bus = agent.NewBus()
	s.Bus.SetMetrics(s.instruments.Metrics)

	s.Gate = agent.NewApprovalGate(s.Bus, cfg.Tools.Yolo)
	s.Gate.SetMetrics(s.instruments.Metrics)

	s.Registry = agent.NewToolRegistry()
	s.registerBuiltinTools(cfg, workdir)

	provider, modelName, err := buildProvider(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	s.Provider = provider

	maxContext := cfg.Agent.MaxContextSize
	if maxContext <= 0 {
		if size, ok := ctxwindow.GetModelContextWindow(modelName); ok {
			maxContext = size
		} else {
			maxContext = ctxwindow.DefaultContextWindow
		}
	}

	s.Compactor = agent.NewCompactor(s.Bus, provider, maxContext)
	s.Compactor.SetReserved(cfg.Agent.ReservedTokens)
	s.Compactor.SetInstruments(s.instruments)

	s.Dispatcher = agent.NewDispatcher(s.Registry, s.Gate, s.Bus)
	s.Dispatcher.SetInstruments(s.instruments)
	for name, secs := range cfg.Tools.TimeoutSeconds {
		s.Dispatcher.SetToolTimeout(name, time.Duration(secs)*time.Second)
	}
	s.Dispatcher.SetDefaultTimeout(time.Duration(cfg.Tools.DefaultTimeoutSeconds) * time.Second)

	spec := s.buildAgentSpec(cfg, workdir)
	allowed, excluded := resolveToolSets(cfg, s.Registry)
	spec.AllowedTools = allowed
	spec.ExcludedTools = excluded

	// The Task tool is registered only when the resolved spec declares at
	// least one sub-agent.
	if len(spec.Subagents) > 0 {
		task := subagent.NewTask(historyPath, spec.Subagents, s.Bus, s.Gate, s.Registry,
			func(model string) agent.LLMProvider { return provider }, maxContext)
		task.SetInstruments(s.instruments)
		s.Registry.Register(task)
	}

	systemPrompt := renderSystemPrompt(spec)
	schemas := s.Registry.SchemasFor(spec.AllowedTools, spec.ExcludedTools)

	s.Executor = agent.NewExecutor(s.Store, s.Bus, s.Registry, s.Dispatcher, s.Compactor, provider, systemPrompt, schemas)
	s.Executor.SetMaxSteps(cfg.Agent.MaxStepsPerRun)
	s.Executor.SetInstruments(s.instruments)

	return s, nil
}

// Close releases the session's resources.
func (s *Session) Close() error {
	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.metricsServer.Shutdown(ctx)
	}
	if s.shutdownTracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.shutdownTracer(ctx)
	}
	return s.Store.Close()
}

func (s *Session) registerBuiltinTools(cfg *config.Config, workdir string) {
	fileCfg := files.Config{Workspace: workdir, MaxReadBytes: cfg.Tools.MaxReadBytes}
	s.Registry.Register(files.NewReadTool(fileCfg))
	s.Registry.Register(files.NewWriteTool(fileCfg))
	s.Registry.Register(files.NewEditTool(fileCfg))
	s.Registry.Register(files.NewApplyPatchTool(fileCfg))

	manager := exectools.NewManager(workdir)
	s.Registry.Register(exectools.NewExecTool("exec", manager))
	s.Registry.Register(exectools.NewProcessTool(manager))
}

// buildAgentSpec resolves the in-memory agent definition. Parsing an on-disk
// agent file is out of scope; the built-in spec exposes the workspace
// context under the documented template names and declares one
// general-purpose sub-agent that mirrors the parent.
func (s *Session) buildAgentSpec(cfg *config.Config, workdir string) *agent.AgentSpec {
	ws, err := agent.LoadWorkspaceContext(workdir)
	if err != nil {
		s.Logger.Warn(context.Background(), "workspace context unavailable", "error", err)
		ws = &agent.WorkspaceContext{Now: time.Now().Format(time.RFC3339)}
	}

	spec := &agent.AgentSpec{
		Name:                 "jimi",
		SystemPromptTemplate: defaultSystemPromptTemplate,
		PromptArgs: map[string]string{
			"AGENTS_MD":   ws.AgentsMD,
			"WORK_DIR_LS": ws.WorkDirLS,
			"NOW":         ws.Now,
		},
	}
	spec.Subagents = map[string]agent.SubagentSpec{
		"general": {
			Description: "General-purpose sub-agent for delegating a focused piece of work.",
			ResolveAgentSpec: func() (*agent.AgentSpec, error) {
				child := *spec
				child.Name = "jimi-sub"
				child.Subagents = nil // sub-agents do not nest further
				return &child, nil
			},
		},
	}
	return spec
}

func renderSystemPrompt(spec *agent.AgentSpec) string {
	out := spec.SystemPromptTemplate
	for k, v := range spec.PromptArgs {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

// resolveToolSets turns the configured profile plus allow/deny adjustments
// into the allowed/excluded name sets SchemasFor consumes. A full profile
// yields a nil allowed set, meaning "every registered tool".
func resolveToolSets(cfg *config.Config, registry *agent.ToolRegistry) (map[string]struct{}, map[string]struct{}) {
	resolver := policy.NewResolver()
	base := policy.GetProfilePolicy(cfg.Tools.Profile)
	pol := policy.Merge(base, &policy.Policy{Allow: cfg.Tools.Allow, Deny: cfg.Tools.Deny})

	excluded := make(map[string]struct{})
	for _, name := range resolver.GetDenied(pol) {
		excluded[name] = struct{}{}
	}

	if pol.Profile == policy.ProfileFull {
		return nil, excluded
	}

	allowed := make(map[string]struct{})
	for _, name := range resolver.GetAllowed(pol) {
		allowed[name] = struct{}{}
	}
	return allowed, excluded
}

// buildProvider constructs the configured LLM provider and reports the
// model name in effect (for context-window resolution).
func buildProvider(ctx context.Context, cfg *config.Config) (agent.LLMProvider, string, error) {
	name := cfg.LLM.DefaultProvider
	pc := cfg.LLM.Providers[name]

	switch name {
	case "anthropic":
		p, err := anthropic.New(anthropic.Config{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			MaxTokens:    pc.MaxTokens,
		})
		if err != nil {
			return nil, "", err
		}
		return p, pc.DefaultModel, nil

	case "venice", "openai":
		vcfg := venice.VeniceConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		}
		if name == "openai" && vcfg.BaseURL == "" {
			vcfg.BaseURL = "https://api.openai.com/v1"
		}
		p, err := venice.NewProvider(vcfg)
		if err != nil {
			return nil, "", err
		}
		return p, pc.DefaultModel, nil

	case "bedrock":
		bc := cfg.LLM.Bedrock
		model := bc.DefaultModel
		if model == "" {
			model = pc.DefaultModel
		}
		p, err := bedrock.New(ctx, bedrock.Config{
			Region:          bc.Region,
			AccessKeyID:     bc.AccessKeyID,
			SecretAccessKey: bc.SecretAccessKey,
			SessionToken:    bc.SessionToken,
			DefaultModel:    model,
			MaxTokens:       pc.MaxTokens,
		})
		if err != nil {
			return nil, "", err
		}
		if bc.DiscoverModels {
			// Discovery feeds the model's real context window into the
			// window registry so compaction thresholds match the account's
			// actual limits.
			defs, derr := bedrock.DiscoverModels(ctx, &bedrock.DiscoveryConfig{Region: bc.Region})
			if derr == nil {
				for _, def := range defs {
					if def.ContextWindow > 0 {
						ctxwindow.RegisterModelContextWindow(def.ID, def.ContextWindow)
					}
				}
			}
		}
		return p, model, nil

	default:
		return nil, "", fmt.Errorf("unknown provider %q", name)
	}
}

// describeTools renders the registry for the /tools meta-command.
func describeTools(registry *agent.ToolRegistry) string {
	var b strings.Builder
	for _, schema := range registry.SchemasFor(nil, nil) {
		privileged := ""
		if registry.RequiresApproval(schema.Name) {
			privileged = " (requires approval)"
		}
		fmt.Fprintf(&b, "%-12s %s%s\n", schema.Name, schema.Description, privileged)
	}
	return b.String()
}

// textParts wraps a prompt string as user-input content parts.
func textParts(prompt string) []models.ContentPart {
	return []models.ContentPart{models.TextPart(prompt)}
}
