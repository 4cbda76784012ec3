package policy

import (
	"testing"
)

func containsAll(t *testing.T, got []string, want []string) {
	t.Helper()
	set := make(map[string]bool, len(got))
	for _, g := range got {
		set[g] = true
	}
	for _, w := range want {
		if !set[w] {
			t.Errorf("result %v missing %q", got, w)
		}
	}
}

func containsNone(t *testing.T, got []string, exclude []string) {
	t.Helper()
	set := make(map[string]bool, len(got))
	for _, g := range got {
		set[g] = true
	}
	for _, e := range exclude {
		if set[e] {
			t.Errorf("result %v should not contain %q", got, e)
		}
	}
}

func TestExpandGroups(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		contains []string
		excludes []string
	}{
		{
			name:     "fs group",
			input:    []string{"group:fs"},
			contains: []string{"read", "write", "edit", "apply_patch"},
		},
		{
			name:     "runtime group",
			input:    []string{"group:runtime"},
			contains: []string{"exec", "process"},
		},
		{
			name:     "two groups",
			input:    []string{"group:fs", "group:runtime"},
			contains: []string{"read", "write", "edit", "apply_patch", "exec", "process"},
		},
		{
			name:     "group plus direct tool",
			input:    []string{"group:subagent", "custom_tool"},
			contains: []string{"Task", "custom_tool"},
		},
		{
			name:     "overlap deduplicates",
			input:    []string{"group:fs", "read", "write"},
			contains: []string{"read", "write", "edit", "apply_patch"},
		},
		{
			name:     "unknown group passes through",
			input:    []string{"group:unknown"},
			contains: []string{"group:unknown"},
		},
		{
			name:     "readonly excludes mutators",
			input:    []string{"group:readonly"},
			contains: []string{"read"},
			excludes: []string{"write", "edit", "exec"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExpandGroups(tt.input)
			containsAll(t, got, tt.contains)
			containsNone(t, got, tt.excludes)
		})
	}
}

func TestExpandGroups_Deduplicates(t *testing.T) {
	got := ExpandGroups([]string{"group:fs", "read", "group:fs"})
	count := 0
	for _, tool := range got {
		if tool == "read" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("read appears %d times, want 1", count)
	}
}

func TestGetProfilePolicy(t *testing.T) {
	tests := []struct {
		name        string
		profile     string
		expectNil   bool
		expectAllow []string
	}{
		{
			name:        "coding profile",
			profile:     "coding",
			expectAllow: []string{"group:fs", "group:runtime", "group:subagent"},
		},
		{
			name:        "readonly profile",
			profile:     "readonly",
			expectAllow: []string{"group:readonly"},
		},
		{
			name:    "full profile",
			profile: "full",
		},
		{
			name:      "unknown profile",
			profile:   "paranoid",
			expectNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := GetProfilePolicy(tt.profile)
			if tt.expectNil {
				if policy != nil {
					t.Fatalf("expected nil policy, got %+v", policy)
				}
				return
			}
			if policy == nil {
				t.Fatal("expected policy")
			}
			containsAll(t, policy.Allow, tt.expectAllow)
		})
	}
}

func TestIsGroup(t *testing.T) {
	tests := []struct {
		name  string
		group string
		want  bool
	}{
		{"valid fs group", "group:fs", true},
		{"valid runtime group", "group:runtime", true},
		{"valid subagent group", "group:subagent", true},
		{"valid readonly group", "group:readonly", true},
		{"invalid group", "group:unknown", false},
		{"regular tool name", "read", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsGroup(tt.group); got != tt.want {
				t.Errorf("IsGroup(%q) = %t, want %t", tt.group, got, tt.want)
			}
		})
	}
}

func TestGetGroupTools_ReturnsCopy(t *testing.T) {
	original := GetGroupTools("group:fs")
	if original == nil {
		t.Fatal("expected non-nil result for group:fs")
	}
	original[0] = "mutated"

	fresh := GetGroupTools("group:fs")
	if fresh[0] == "mutated" {
		t.Fatal("GetGroupTools leaked its internal slice")
	}
}

func TestListGroupsAndProfiles(t *testing.T) {
	groups := ListGroups()
	for _, expected := range []string{"group:fs", "group:runtime", "group:subagent", "group:readonly", "group:builtin"} {
		found := false
		for _, g := range groups {
			if g == expected {
				found = true
			}
		}
		if !found {
			t.Errorf("ListGroups missing %q", expected)
		}
	}

	profiles := ListProfiles()
	for _, expected := range []string{"minimal", "coding", "readonly", "full"} {
		found := false
		for _, p := range profiles {
			if p == expected {
				found = true
			}
		}
		if !found {
			t.Errorf("ListProfiles missing %q", expected)
		}
	}
}

func TestResolver_AllowListWithGroup(t *testing.T) {
	r := NewResolver()
	policy := &Policy{Allow: []string{"group:fs"}}

	for _, tool := range []string{"read", "write", "edit", "apply_patch"} {
		if !r.IsAllowed(policy, tool) {
			t.Errorf("expected %q allowed", tool)
		}
	}
	for _, tool := range []string{"exec", "process", "Task"} {
		if r.IsAllowed(policy, tool) {
			t.Errorf("expected %q denied", tool)
		}
	}
}

func TestResolver_ProfileCoding(t *testing.T) {
	r := NewResolver()
	policy := &Policy{Profile: ProfileCoding}

	for _, tool := range []string{"read", "write", "exec", "process", "Task"} {
		if !r.IsAllowed(policy, tool) {
			t.Errorf("expected %q allowed under coding profile", tool)
		}
	}
}

func TestResolver_FullProfileDenyWins(t *testing.T) {
	r := NewResolver()
	policy := &Policy{Profile: ProfileFull, Deny: []string{"exec"}}

	if r.IsAllowed(policy, "exec") {
		t.Error("deny should override full profile")
	}
	if !r.IsAllowed(policy, "read") {
		t.Error("full profile should allow everything else")
	}
}

func TestResolver_AliasNormalization(t *testing.T) {
	r := NewResolver()
	policy := &Policy{Allow: []string{"group:runtime"}}

	// "bash" and "shell" are aliases for exec; "task" resolves to Task.
	if !r.IsAllowed(policy, "bash") {
		t.Error("bash alias should resolve to exec")
	}
	if !r.IsAllowed(policy, "SHELL") {
		t.Error("alias matching should be case-insensitive")
	}
	taskPolicy := &Policy{Allow: []string{"group:subagent"}}
	if !r.IsAllowed(taskPolicy, "task") {
		t.Error("task alias should resolve to Task")
	}
}

func TestResolver_DecideReasons(t *testing.T) {
	r := NewResolver()

	d := r.Decide(&Policy{Profile: ProfileFull, Deny: []string{"exec"}}, "exec")
	if d.Allowed || d.Reason != "denied by rule: exec" {
		t.Errorf("decision = %+v", d)
	}

	d = r.Decide(&Policy{Allow: []string{"read"}}, "read")
	if !d.Allowed || d.Reason != "allowed by rule: read" {
		t.Errorf("decision = %+v", d)
	}

	d = r.Decide(nil, "read")
	if d.Allowed {
		t.Errorf("nil policy should deny, got %+v", d)
	}
}
