package subagent

import (
	"fmt"
	"strings"
	"time"
)

// FormatDurationShort formats duration in human-readable form, used when
// logging a completed sub-agent run.
func FormatDurationShort(d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}

	totalSeconds := int(d.Seconds())
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// FormatTokenCount formats token counts with k/m suffixes.
func FormatTokenCount(count int) string {
	if count <= 0 {
		return "0"
	}
	if count >= 1_000_000 {
		return fmt.Sprintf("%.1fm", float64(count)/1_000_000)
	}
	if count >= 1_000 {
		return fmt.Sprintf("%.1fk", float64(count)/1_000)
	}
	return fmt.Sprintf("%d", count)
}

// StatsLine is a completed sub-agent run's logging summary.
type StatsLine struct {
	Runtime      string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	SessionKey   string
}

// BuildStatsLine formats a StatsLine for the parent session's log, called
// after each Task tool invocation completes.
func BuildStatsLine(stats *StatsLine) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("runtime %s", stats.Runtime))
	if stats.TotalTokens > 0 {
		parts = append(parts, fmt.Sprintf("tokens %s (in %s / out %s)",
			FormatTokenCount(stats.TotalTokens), FormatTokenCount(stats.InputTokens), FormatTokenCount(stats.OutputTokens)))
	} else {
		parts = append(parts, "tokens n/a")
	}
	parts = append(parts, fmt.Sprintf("sessionKey %s", stats.SessionKey))
	return "Stats: " + strings.Join(parts, " • ")
}

// BuildSubagentSystemPrompt renders the preamble every Task-spawned child
// receives ahead of its own agent-spec system prompt, describing its
// ephemeral, single-purpose role.
func BuildSubagentSystemPrompt(label, task string) string {
	taskText := task
	if taskText == "" {
		taskText = "the delegated task"
	}

	var lines []string
	lines = append(lines, "# Sub-agent Context")
	lines = append(lines, "")
	lines = append(lines, "You are a sub-agent spawned by a parent agent for one specific task.")
	lines = append(lines, fmt.Sprintf("- Task: %s", taskText))
	if label != "" {
		lines = append(lines, fmt.Sprintf("- Label: %s", label))
	}
	lines = append(lines, "- Complete the task, then stop. Your final message is reported back to the parent verbatim.")
	lines = append(lines, "- You will not see the parent's conversation, and the parent will not see this one beyond your final message.")
	return strings.Join(lines, "\n")
}
