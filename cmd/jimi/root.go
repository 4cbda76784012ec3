package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/jimiagent/jimi/internal/agent"
	"github.com/jimiagent/jimi/internal/config"
)

var (
	flagConfig string
	flagAgent  string
	flagModel  string
	flagYolo   bool
	flagMCP    []string
)

var rootCmd = &cobra.Command{
	Use:           "jimi",
	Short:         "jimi is an agentic coding assistant",
	Long:          "jimi drives an LLM through an iterative think/act loop with tool execution, approval gating, and persistent conversation history.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "path to a config file (YAML or JSON5)")
	pf.StringVar(&flagAgent, "agent", "", "path to an agent definition")
	pf.StringVar(&flagModel, "model", "", "model name override")
	pf.BoolVar(&flagYolo, "yolo", false, "auto-approve every tool call")
	pf.StringArrayVar(&flagMCP, "mcp", nil, "MCP server config to bridge tools from (repeatable)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(chatCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig resolves the effective configuration from file, environment,
// and command-line flags, flags winning.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagYolo {
		cfg.Tools.Yolo = true
	}
	if flagModel != "" {
		name := cfg.LLM.DefaultProvider
		p := cfg.LLM.Providers[name]
		p.DefaultModel = flagModel
		cfg.LLM.Providers[name] = p
	}
	return cfg, nil
}

// exitCodeFor maps a run's terminal error to the documented exit codes:
// 0 natural, 1 fatal, 2 cancelled, 3 max steps.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, agent.ErrCancelled):
		return 2
	case errors.Is(err, agent.ErrMaxStepsReached):
		return 3
	default:
		return 1
	}
}
