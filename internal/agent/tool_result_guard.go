package agent

import "regexp"

// MaxToolOutputChars and MaxToolOutputLineChars bound the text a dispatcher
// captures from one tool call before it goes back to the model.
const (
	MaxToolOutputChars     = 50000
	MaxToolOutputLineChars = 2000
)

// truncateMarker replaces data past a truncation boundary. Truncated results
// still flag success — truncation is not itself an error.
const truncateMarker = "[...truncated]"

// BoundOutput caps output first per-line, then overall, inserting
// truncateMarker at each boundary it crosses.
func BoundOutput(output string) string {
	lines := splitLines(output)
	for i, line := range lines {
		if len(line) > MaxToolOutputLineChars {
			lines[i] = line[:MaxToolOutputLineChars] + truncateMarker
		}
	}
	joined := joinLines(lines)
	if len(joined) > MaxToolOutputChars {
		joined = joined[:MaxToolOutputChars] + truncateMarker
	}
	return joined
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

// builtinSecretPatterns contains pre-compiled patterns for detecting common
// secrets in tool output before it is persisted to history or logs.
var builtinSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[\w-]{20,}['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[\w-\.]+`),
	regexp.MustCompile(`(?i)(aws|amazon).*?(key|secret|token)\s*[:=]\s*['"]?[\w/+=]{20,}['"]?`),
	regexp.MustCompile(`(?i)(password|passwd|secret|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`),
	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
}

// DetectSecrets scans content for potential secrets and returns a list of
// matched pattern descriptions, for logging or alerting on exposure.
func DetectSecrets(content string) []string {
	if content == "" {
		return nil
	}
	patternNames := []string{"api_key", "bearer_token", "aws_key", "generic_secret", "private_key"}
	var matches []string
	for i, re := range builtinSecretPatterns {
		if re.MatchString(content) {
			matches = append(matches, patternNames[i])
		}
	}
	return matches
}

// RedactSecrets replaces detected secrets in content with a redaction
// marker. Applied to tool output before it is appended to context or logged.
func RedactSecrets(content string) string {
	for _, re := range builtinSecretPatterns {
		content = re.ReplaceAllString(content, "[REDACTED]")
	}
	return content
}
