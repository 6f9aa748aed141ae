// Package safety scrubs credentials from text that leaves the process:
// worker output, relayed chat messages, audit entries and log values.
package safety

import (
	"regexp"
	"strings"
)

// Placeholder replaces the whole value of a sensitive field.
const Placeholder = "[REDACTED]"

// Finding is one secret located in a piece of text.
type Finding struct {
	Kind   string
	Sample string // truncated match for logs
}

var secretPatterns = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----[\s\S]*?-----END\s+(?:RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`), "private_key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer_token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "google_api_key"},
	{regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_\-]{20,}`), "api_key"},
	{regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{35}\b`), "telegram_bot_token"},
	{regexp.MustCompile(`(?i)\b(?:api[_-]?key|apikey|secret|token)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`), "credential"},
	{regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`), "password"},
}

// Scan lists the secrets in text, at most three per kind.
func Scan(text string) []Finding {
	if text == "" {
		return nil
	}
	var out []Finding
	for _, p := range secretPatterns {
		for _, m := range p.re.FindAllString(text, 3) {
			out = append(out, Finding{Kind: p.kind, Sample: sample(m)})
		}
	}
	return out
}

// Redact replaces every secret in text with a "[redacted:<kind>]" marker.
func Redact(text string) string {
	if text == "" {
		return text
	}
	for _, p := range secretPatterns {
		text = p.re.ReplaceAllLiteralString(text, "[redacted:"+p.kind+"]")
	}
	return text
}

var sensitiveKeyParts = []string{"api_key", "apikey", "secret", "token", "password", "credential", "authorization", "bearer"}

// IsSensitiveKey reports whether a field name looks like it holds a secret.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

func sample(s string) string {
	if len(s) > 20 {
		return s[:17] + "..."
	}
	return s
}
