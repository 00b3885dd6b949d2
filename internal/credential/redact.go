package credential

import (
	"regexp"
	"strings"
)

// Placeholder replaces redacted token text.
const Placeholder = "[REDACTED]"

// Embedded (unanchored) forms of the allow-listed shapes, for scrubbing
// arbitrary text. Broader lengths than the strict allow-list on purpose:
// redaction should over-match, never under-match.
var embeddedShapes = []*regexp.Regexp{
	regexp.MustCompile(`\bgh[opusr]_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}`),
}

// Redact strips every known credential shape from s. Always applied to
// error and log text before it leaves this package.
func Redact(s string) string {
	for _, re := range embeddedShapes {
		s = re.ReplaceAllString(s, Placeholder)
	}
	return s
}

// Display renders a token as its safe prefix and last four characters,
// the only form that may appear in logs.
func Display(token string) string {
	if !ValidFormat(token) {
		return Placeholder
	}
	prefix := token[:4]
	if strings.HasPrefix(token, "github_pat_") {
		prefix = "github_pat_"
	}
	return prefix + "…" + token[len(token)-4:]
}
