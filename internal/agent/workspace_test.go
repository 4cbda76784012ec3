package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWorkspaceContext_ReadsAgentsMDCaseInsensitively(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "agents.md"), []byte("be terse"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	wc, err := LoadWorkspaceContext(dir)
	if err != nil {
		t.Fatalf("LoadWorkspaceContext: %v", err)
	}
	if wc.AgentsMD != "be terse" {
		t.Errorf("AgentsMD = %q, want %q", wc.AgentsMD, "be terse")
	}
	if wc.Now == "" {
		t.Error("Now is empty")
	}
}

func TestLoadWorkspaceContext_NoAgentsMD(t *testing.T) {
	dir := t.TempDir()
	wc, err := LoadWorkspaceContext(dir)
	if err != nil {
		t.Fatalf("LoadWorkspaceContext: %v", err)
	}
	if wc.AgentsMD != "" {
		t.Errorf("AgentsMD = %q, want empty", wc.AgentsMD)
	}
}
