package logging

import "regexp"

const redactedPlaceholder = "[redacted]"

var secretAssignment = regexp.MustCompile(`(?i)\b([a-z0-9_]*(?:password|passwd|secret|token|api_key|apikey|access_key)[a-z0-9_]*)(\s*[:=]\s*)(["']?)([^"'\s]+)(["']?)`)

// Redact masks the values of KEY=VALUE and key: value pairs whose key looks
// like a credential. Task output passes through here before it is logged.
func Redact(line string) string {
	if line == "" {
		return line
	}
	return secretAssignment.ReplaceAllString(line, "$1$2$3"+redactedPlaceholder+"$5")
}
