package screen

import "github.com/DollhouseMCP/mcp-server-sub009/internal/patterns"

// Family groups detectors by what a hit means.
type Family string

const (
	FamilyInstructionOverride Family = "instruction-override"
	FamilyCommandExecution    Family = "command-execution"
	FamilySecretToken         Family = "secret-token"
	FamilyDataExfiltration    Family = "data-exfiltration"
	FamilyUnicodeEvasion      Family = "unicode-evasion"
)

// Critical reports whether any hit in this family rejects the content
// outright. Override, execution, and embedded secrets are never
// sanitizable; everything else is.
func (f Family) Critical() bool {
	switch f {
	case FamilyInstructionOverride, FamilyCommandExecution, FamilySecretToken:
		return true
	}
	return false
}

// Severity orders findings. The zero value is SeverityLow.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "critical"
	}
}

// Rule is one compiled detector. Adding a detector is a table entry,
// not a code change.
type Rule struct {
	Name        string
	Family      Family
	Severity    Severity
	Pattern     *patterns.Pattern
	Description string
}

// The battery runs in order: override phrases, execution shapes, token
// shapes, exfiltration phrasing, evasion characters. Every expression
// here must stay linear-shaped; the analyzer in the patterns package is
// the referee.
var defaultRules = []Rule{
	{
		Name:        "ignore-previous-instructions",
		Family:      FamilyInstructionOverride,
		Severity:    SeverityCritical,
		Pattern:     patterns.MustCompile(`(?i)(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules|context)`),
		Description: "attempts to cancel standing instructions",
	},
	{
		Name:        "system-directive",
		Family:      FamilyInstructionOverride,
		Severity:    SeverityCritical,
		Pattern:     patterns.MustCompile(`(?i)\[\s*(system|admin|root)\s*:`),
		Description: "bracketed privileged-role directive",
	},
	{
		Name:        "system-prompt-line",
		Family:      FamilyInstructionOverride,
		Severity:    SeverityCritical,
		Pattern:     patterns.MustCompile(`(?im)^\s*system\s*:`),
		Description: "line-leading system role marker",
	},
	{
		Name:        "new-instructions",
		Family:      FamilyInstructionOverride,
		Severity:    SeverityCritical,
		Pattern:     patterns.MustCompile(`(?i)(new|updated|revised)\s+(instructions|directives|rules)\s*:`),
		Description: "instruction replacement preamble",
	},
	{
		Name:        "pipe-to-shell",
		Family:      FamilyCommandExecution,
		Severity:    SeverityCritical,
		Pattern:     patterns.MustCompile(`(?i)\b(curl|wget)\b[^|\n]{0,200}\|\s*(sudo\s+)?(ba|z|da|fi)?sh\b`),
		Description: "download piped into a shell",
	},
	{
		Name:        "shell-dash-c",
		Family:      FamilyCommandExecution,
		Severity:    SeverityCritical,
		Pattern:     patterns.MustCompile(`(?i)\b(bash|sh|zsh)\s+-c\s+`),
		Description: "inline shell command string",
	},
	{
		Name:        "eval-call",
		Family:      FamilyCommandExecution,
		Severity:    SeverityCritical,
		Pattern:     patterns.MustCompile(`(?i)\b(eval|exec)\s*\(`),
		Description: "dynamic code evaluation call",
	},
	{
		Name:        "inline-subshell",
		Family:      FamilyCommandExecution,
		Severity:    SeverityCritical,
		Pattern:     patterns.MustCompile(`\$\([^)\n]{1,200}\)`),
		Description: "command substitution",
	},
	{
		Name:        "github-token",
		Family:      FamilySecretToken,
		Severity:    SeverityCritical,
		Pattern:     patterns.MustCompile(`\bgh[opusr]_[A-Za-z0-9]{36}\b`),
		Description: "GitHub token",
	},
	{
		Name:        "github-fine-grained-pat",
		Family:      FamilySecretToken,
		Severity:    SeverityCritical,
		Pattern:     patterns.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{82}\b`),
		Description: "GitHub fine-grained personal access token",
	},
	{
		Name:        "aws-access-key",
		Family:      FamilySecretToken,
		Severity:    SeverityCritical,
		Pattern:     patterns.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		Description: "AWS access key id",
	},
	{
		Name:        "private-key-block",
		Family:      FamilySecretToken,
		Severity:    SeverityCritical,
		Pattern:     patterns.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|DSA\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`),
		Description: "PEM private key header",
	},
	{
		Name:        "slack-token",
		Family:      FamilySecretToken,
		Severity:    SeverityCritical,
		Pattern:     patterns.MustCompile(`\bxox[bpras]-[0-9A-Za-z-]{10,}`),
		Description: "Slack token",
	},
	{
		Name:        "model-api-key",
		Family:      FamilySecretToken,
		Severity:    SeverityCritical,
		Pattern:     patterns.MustCompile(`\bsk-(proj|ant)-[A-Za-z0-9_-]{20,}`),
		Description: "model provider API key",
	},
	{
		Name:        "exfiltration-phrase",
		Family:      FamilyDataExfiltration,
		Severity:    SeverityHigh,
		Pattern:     patterns.MustCompile(`(?i)\b(export|send|upload|exfiltrate|post)\s+(all\s+)?(files|data|secrets|credentials|tokens|passwords)\b`),
		Description: "bulk data egress phrasing",
	},
	{
		Name:        "curl-data-post",
		Family:      FamilyDataExfiltration,
		Severity:    SeverityHigh,
		Pattern:     patterns.MustCompile(`(?i)\bcurl\b[^\n]{0,200}\s-(d|-data)\b`),
		Description: "curl posting a payload outward",
	},
	{
		Name:        "paste-site",
		Family:      FamilyDataExfiltration,
		Severity:    SeverityHigh,
		Pattern:     patterns.MustCompile(`(?i)\b(pastebin\.com|transfer\.sh|paste\.ee|file\.io|requestbin\.com)\b`),
		Description: "known drop site",
	},
	{
		Name:        "sensitive-file-read",
		Family:      FamilyDataExfiltration,
		Severity:    SeverityHigh,
		Pattern:     patterns.MustCompile(`(?i)\bcat\s+[^\n]{0,120}\.(env|pem|key)\b`),
		Description: "reading credential files",
	},
	{
		Name:        "zero-width-characters",
		Family:      FamilyUnicodeEvasion,
		Severity:    SeverityMedium,
		Pattern:     patterns.MustCompile(`[\x{200B}\x{200C}\x{200D}\x{2060}\x{FEFF}]`),
		Description: "invisible codepoints hiding payload text",
	},
	{
		Name:        "bidi-override",
		Family:      FamilyUnicodeEvasion,
		Severity:    SeverityMedium,
		Pattern:     patterns.MustCompile(`[\x{202A}-\x{202E}\x{2066}-\x{2069}]`),
		Description: "bidirectional control characters reordering text",
	},
	{
		Name:        "unicode-tag-block",
		Family:      FamilyUnicodeEvasion,
		Severity:    SeverityMedium,
		Pattern:     patterns.MustCompile(`[\x{E0000}-\x{E007F}]`),
		Description: "tag-block codepoints carrying hidden text",
	},
}

// DefaultRules returns a copy of the stock battery.
func DefaultRules() []Rule {
	return append([]Rule(nil), defaultRules...)
}
