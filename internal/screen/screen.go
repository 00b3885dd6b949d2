// Package screen decides whether caller-supplied content is safe to keep.
// A battery of compiled detectors runs through the bounded pattern
// checker under one shared budget; hits in sanitizable families are
// replaced in place with a fixed sentinel, hits in critical families
// reject the content outright. Structured payloads get their own checks
// for alias amplification and executable-type tags.
package screen

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/events"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/log"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/patterns"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/xerrors"
)

// Sentinel replaces every sanitized span. Replacement, not deletion,
// keeps surrounding text and audit offsets intact.
const Sentinel = "[CONTENT_BLOCKED]"

// ErrCriticalContent reports content rejected by a critical-family hit.
var ErrCriticalContent = errors.New("content rejected by threat screen")

// Finding is one detector hit at one location.
type Finding struct {
	Rule     string
	Family   Family
	Severity Severity
	Span     patterns.Span
}

// Outcome is the screening verdict. When Valid is false the content must
// be discarded; Sanitized is empty. When Valid is true Sanitized carries
// the text to keep, identical to the input if nothing matched.
type Outcome struct {
	Valid     bool
	Findings  []Finding
	Sanitized string
	Highest   Severity
}

// Metrics is implemented by the metrics package to observe screening.
type Metrics interface {
	IncScreen(outcome string)
	IncFinding(family string)
}

// Screener runs the detector battery. Safe for concurrent use; the rule
// table is fixed at construction.
type Screener struct {
	checker       *patterns.Checker
	rules         []Rule
	maxAliasRatio float64
	maxDepth      int
	sink          events.Sink
	logger        log.Logger
	metrics       Metrics
}

// Option configures a Screener.
type Option func(*Screener)

// WithRules replaces the stock battery.
func WithRules(rules []Rule) Option {
	return func(s *Screener) {
		if len(rules) > 0 {
			s.rules = rules
		}
	}
}

// WithChecker shares a bounded checker with the rest of the process.
func WithChecker(c *patterns.Checker) Option {
	return func(s *Screener) {
		if c != nil {
			s.checker = c
		}
	}
}

// WithEvents sets the security event sink.
func WithEvents(sink events.Sink) Option {
	return func(s *Screener) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(s *Screener) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics hook.
func WithMetrics(m Metrics) Option { return func(s *Screener) { s.metrics = m } }

// WithAliasRatio overrides the structured-data amplification threshold.
// Zero or negative keeps the default.
func WithAliasRatio(r float64) Option {
	return func(s *Screener) {
		if r > 0 {
			s.maxAliasRatio = r
		}
	}
}

// NewScreener builds a Screener with the stock battery and defaults for
// anything not overridden.
func NewScreener(opts ...Option) *Screener {
	s := &Screener{
		checker:       patterns.NewChecker(),
		rules:         DefaultRules(),
		maxAliasRatio: DefaultMaxAliasRatio,
		maxDepth:      defaultMaxMetadataDepth,
		sink:          events.Nop(),
		logger:        log.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Screen runs the battery over content. The whole battery shares one
// time budget; a checker fault (oversize, exhausted budget) is returned
// as an error and the caller must treat the content as unscreened, which
// means rejected.
func (s *Screener) Screen(ctx context.Context, content string) (Outcome, error) {
	data := []byte(content)
	budget := s.checker.Begin()

	var findings []Finding
	var highest Severity
	critical := false

	for _, r := range s.rules {
		hit, err := budget.Check(ctx, data, r.Pattern)
		if err != nil {
			s.incScreen("error")
			return Outcome{}, xerrors.Wrapf(err, "screen rule %s", r.Name)
		}
		if !hit {
			continue
		}
		spans, err := budget.Locate(ctx, data, r.Pattern)
		if err != nil {
			s.incScreen("error")
			return Outcome{}, xerrors.Wrapf(err, "screen rule %s", r.Name)
		}

		sev := r.Severity
		if r.Family.Critical() {
			sev = SeverityCritical
			critical = true
		}
		if sev > highest {
			highest = sev
		}
		for _, sp := range spans {
			findings = append(findings, Finding{Rule: r.Name, Family: r.Family, Severity: sev, Span: sp})
		}
		if s.metrics != nil {
			s.metrics.IncFinding(string(r.Family))
		}
		// matched text never reaches logs or events; it may be a live secret
		s.logger.Warn(ctx, "threat detector hit",
			"rule", r.Name,
			"family", string(r.Family),
			"severity", sev.String(),
			"matches", len(spans),
		)
		if sev >= SeverityHigh {
			s.sink.Emit(ctx, events.New(events.TypeScreenFinding, eventSeverity(sev), "screen",
				"content matched threat detector "+r.Name,
				"rule", r.Name,
				"family", string(r.Family),
				"severity", sev.String(),
				"matches", strconv.Itoa(len(spans)),
			))
		}
	}

	if critical {
		s.incScreen("rejected")
		return Outcome{Valid: false, Findings: findings, Highest: highest}, nil
	}
	if len(findings) == 0 {
		s.incScreen("clean")
		return Outcome{Valid: true, Sanitized: content, Highest: highest}, nil
	}
	s.incScreen("sanitized")
	return Outcome{
		Valid:     true,
		Findings:  findings,
		Sanitized: sanitize(content, findings),
		Highest:   highest,
	}, nil
}

func (s *Screener) incScreen(outcome string) {
	if s.metrics != nil {
		s.metrics.IncScreen(outcome)
	}
}

func eventSeverity(s Severity) events.Severity {
	switch s {
	case SeverityCritical:
		return events.SeverityCritical
	case SeverityHigh:
		return events.SeverityHigh
	case SeverityMedium:
		return events.SeverityMedium
	default:
		return events.SeverityLow
	}
}

// sanitize replaces matched spans with the sentinel, rightmost first so
// earlier replacements cannot shift later offsets. Overlapping spans are
// merged into one replacement.
func sanitize(content string, findings []Finding) string {
	merged := mergeSpans(findings)
	for i := len(merged) - 1; i >= 0; i-- {
		sp := merged[i]
		content = content[:sp.Start] + Sentinel + content[sp.End:]
	}
	return content
}

func mergeSpans(findings []Finding) []patterns.Span {
	if len(findings) == 0 {
		return nil
	}
	spans := make([]patterns.Span, 0, len(findings))
	for _, f := range findings {
		spans = append(spans, f.Span)
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End < spans[j].End
	})
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.Start <= last.End {
			if sp.End > last.End {
				last.End = sp.End
			}
			continue
		}
		merged = append(merged, sp)
	}
	return merged
}
