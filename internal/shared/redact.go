package shared

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// redactRule rewrites one family of secrets. keep is the submatch index
// preserved ahead of the placeholder, or 0 to replace the whole match.
type redactRule struct {
	re   *regexp.Regexp
	keep int
}

var redactRules = []redactRule{
	// Authorization headers carry operator keys and daemon tokens alike.
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{8,}`), 1},
	{regexp.MustCompile(`(?i)(x-api-key\s*[:=]\s*)"?[^\s",]{8,}"?`), 1},
	// Query strings used by websocket clients.
	{regexp.MustCompile(`(?i)([?&](?:api_key|token)=)[^&\s"]+`), 1},
	{regexp.MustCompile(`(?i)((?:operator|daemon)[_-]?(?:key|token)\s*[:=]\s*)"?[A-Za-z0-9_\-./+=]{8,}"?`), 1},
	{regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`), 0},
	{regexp.MustCompile(`github_pat_[A-Za-z0-9_]{30,}`), 0},
}

// Redact masks operator keys, daemon tokens and GitHub credentials in s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, r := range redactRules {
		if r.keep == 0 {
			s = r.re.ReplaceAllString(s, redactedPlaceholder)
			continue
		}
		s = r.re.ReplaceAllString(s, "${1}"+redactedPlaceholder)
	}
	return s
}
