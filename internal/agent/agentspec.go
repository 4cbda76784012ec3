package agent

// AgentSpec is the resolved, in-memory shape of an agent definition.
// Parsing the on-disk YAML into this shape is deliberately left to the
// embedding application — callers construct AgentSpec directly from whatever loader
// they use.
type AgentSpec struct {
	Name                 string
	SystemPromptTemplate string
	PromptArgs           map[string]string
	AllowedTools         map[string]struct{}
	ExcludedTools        map[string]struct{}
	Subagents            map[string]SubagentSpec
	// Model overrides the session default provider model when non-empty.
	Model string
}

// SubagentSpec describes one entry in an agent's subagents map. The
// resolved spec is loaded lazily and cached by whatever owns the map of
// available subagent specs; ResolveAgentSpec is the seam a loader plugs
// into (spec parsing itself is out of scope).
type SubagentSpec struct {
	PromptPath  string
	Description string

	// ResolveAgentSpec lazily loads (and the caller should cache) the
	// child's resolved AgentSpec. Out-of-scope YAML parsing lives behind
	// this function in a real deployment.
	ResolveAgentSpec func() (*AgentSpec, error)
}
