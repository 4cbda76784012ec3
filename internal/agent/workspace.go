package agent

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WorkspaceContext is the set of values the core exposes to the system
// prompt templater on every run: the contents of the working
// directory's AGENTS.md (if any), a non-recursive directory listing, and
// the current time.
type WorkspaceContext struct {
	AgentsMD  string
	WorkDirLS string
	Now       string
}

// LoadWorkspaceContext reads workdir's AGENTS.md (matched
// case-insensitively) and snapshots its top-level directory listing. A missing AGENTS.md is
// not an error — AgentsMD is simply empty.
func LoadWorkspaceContext(workdir string) (*WorkspaceContext, error) {
	agentsMD, err := readAgentsFile(workdir)
	if err != nil {
		return nil, err
	}
	ls, err := nonRecursiveListing(workdir)
	if err != nil {
		return nil, err
	}
	return &WorkspaceContext{
		AgentsMD:  agentsMD,
		WorkDirLS: ls,
		Now:       time.Now().Format(time.RFC3339),
	}, nil
}

// readAgentsFile looks for an AGENTS.md entry in workdir, matching the
// filename case-insensitively since the filesystem itself may not.
func readAgentsFile(workdir string) (string, error) {
	entries, err := os.ReadDir(workdir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(e.Name(), "AGENTS.md") {
			content, err := os.ReadFile(filepath.Join(workdir, e.Name()))
			if err != nil {
				return "", err
			}
			return string(content), nil
		}
	}
	return "", nil
}

// nonRecursiveListing renders the immediate children of workdir, one per
// line, directories suffixed with "/".
func nonRecursiveListing(workdir string) (string, error) {
	entries, err := os.ReadDir(workdir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		b.WriteString(name)
	}
	return b.String(), nil
}
