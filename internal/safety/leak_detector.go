// Package safety flags credentials that agents echo into daemon messages.
package safety

import (
	"regexp"
)

// LeakWarning is one credential-like match. Sample is redacted.
type LeakWarning struct {
	Pattern string
	Sample  string
}

// LeakDetector scans message content for leaked secrets. The zero value is
// ready to use.
type LeakDetector struct{}

func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`),
		desc: "GitHub token",
	},
	{
		re:   regexp.MustCompile(`github_pat_[A-Za-z0-9_]{40,}`),
		desc: "GitHub fine-grained token",
	},
	{
		re:   regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		desc: "AWS access key",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "Bearer token",
	},
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		desc: "API key",
	},
	{
		re:   regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`),
		desc: "model provider key",
	},
	{
		re:   regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`),
		desc: "private key",
	},
}

// maxMatchesPerPattern bounds the work on large tool output.
const maxMatchesPerPattern = 3

// Scan reports credential-like matches in text without modifying it.
func (d *LeakDetector) Scan(text string) []LeakWarning {
	if text == "" {
		return nil
	}
	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		for _, match := range pat.re.FindAllString(text, maxMatchesPerPattern) {
			warnings = append(warnings, LeakWarning{Pattern: pat.desc, Sample: redact(match)})
		}
	}
	return warnings
}

// redact keeps a short prefix so operators can tell matches apart.
func redact(s string) string {
	const keep = 6
	if len(s) <= keep {
		return "***"
	}
	return s[:keep] + "***"
}
