// Package events carries security-relevant decisions from the point of
// detection to wherever operators look: logs, the audit store, metrics.
// Emission is fire-and-forget; a sink must never fail or block the
// operation that produced the event.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Severity mirrors detection severity. Kept as strings so events serialize
// without a lookup table.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Type identifies what happened. Dotted names group by component.
type Type string

const (
	TypePatternTimeout  Type = "pattern.timeout"
	TypePatternOversize Type = "pattern.content_too_large"
	TypePatternRisky    Type = "pattern.risky_shape"

	TypeScreenFinding       Type = "screen.finding"
	TypeScreenAmplification Type = "screen.amplification"
	TypeScreenBadTag        Type = "screen.forbidden_tag"

	TypeCredentialFormatRejected Type = "credential.format_rejected"
	TypeCredentialInvalid        Type = "credential.invalid"
	TypeCredentialScopeDenied    Type = "credential.scope_denied"
	TypeCredentialRateLimited    Type = "credential.rate_limited"
	TypeCredentialStoreTampered  Type = "credential.store_tampered"

	TypeCommitSourceDenied    Type = "commit.source_denied"
	TypeCommitTooLarge        Type = "commit.too_large"
	TypeCommitValidatorVeto   Type = "commit.validator_veto"
	TypeCommitFailed          Type = "commit.failed"
	TypeCommitCleanupFailed   Type = "commit.cleanup_failed"
	TypePortfolioFinding      Type = "portfolio.finding"
	TypePortfolioSweepFailure Type = "portfolio.sweep_failure"
)

// Event is one security decision. Detail is human-readable text that the
// producer has already redacted; Meta holds the structured fields.
type Event struct {
	ID       string            `json:"id"`
	At       time.Time         `json:"at"`
	Type     Type              `json:"type"`
	Severity Severity          `json:"severity"`
	Source   string            `json:"source"`
	Detail   string            `json:"detail"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// New builds an event with a fresh id and timestamp. Meta pairs are
// key,value alternating; an odd trailing key is dropped.
func New(typ Type, sev Severity, source, detail string, meta ...string) Event {
	ev := Event{
		ID:       uuid.NewString(),
		At:       time.Now().UTC(),
		Type:     typ,
		Severity: sev,
		Source:   source,
		Detail:   detail,
	}
	if len(meta) >= 2 {
		ev.Meta = make(map[string]string, len(meta)/2)
		for i := 0; i+1 < len(meta); i += 2 {
			ev.Meta[meta[i]] = meta[i+1]
		}
	}
	return ev
}
