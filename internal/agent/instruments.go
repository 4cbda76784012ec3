package agent

import (
	"github.com/jimiagent/jimi/internal/observability"
)

// Instruments bundles the optional observability hooks the loop, dispatcher,
// compactor, gate, and bus accept. Every field may be nil; components guard
// each use, so a bare construction (tests, sub-agents) carries no
// instrumentation overhead.
type Instruments struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}
