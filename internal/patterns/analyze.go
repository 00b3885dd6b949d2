package patterns

import (
	"context"
	"regexp"
	"regexp/syntax"
	"strings"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/events"
)

// Tier ranks how likely a pattern's structure is to do superlinear work.
type Tier int

const (
	TierLow    Tier = iota // no risky constructs
	TierMedium             // one or two findings
	TierHigh               // three or more findings
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	default:
		return "high"
	}
}

// RiskKind names a structural shape known to explode on hostile input
// under backtracking engines, and to burn CPU even under linear ones.
type RiskKind string

const (
	RiskNestedQuantifier      RiskKind = "nested_quantifier"
	RiskQuantifiedAlternation RiskKind = "quantified_alternation"
	RiskQuantifiedWildcard    RiskKind = "quantified_wildcard"
	RiskQuantifiedLookaround  RiskKind = "quantified_lookaround"
)

// Finding is one detected shape. At is a snippet of the construct.
type Finding struct {
	Kind RiskKind
	At   string
}

// Report is the outcome of static analysis. It is advisory: construction
// proceeds regardless, only events are emitted.
type Report struct {
	Tier     Tier
	Findings []Finding
}

// Kinds lists the finding kinds, in order, for logs and events.
func (r Report) Kinds() []string {
	out := make([]string, len(r.Findings))
	for i, f := range r.Findings {
		out[i] = string(f.Kind)
	}
	return out
}

// Analyze inspects the pattern source without executing it. The parse
// tree covers nesting, alternation, and wildcard shapes; look-around is
// not parseable by this engine, so it is always detected textually, as
// are the other shapes when parsing fails outright.
func Analyze(expr string) Report {
	var findings []Finding
	if parsed, err := syntax.Parse(expr, syntax.Perl); err == nil {
		findings = walkRisks(parsed, 0)
	} else {
		findings = textualRisks(expr)
	}
	findings = append(findings, lookaroundRisks(expr)...)
	return Report{Tier: tierFor(len(findings)), Findings: findings}
}

func tierFor(n int) Tier {
	switch {
	case n == 0:
		return TierLow
	case n <= 2:
		return TierMedium
	default:
		return TierHigh
	}
}

// unbounded means the construct can consume arbitrarily many characters:
// star, plus, or an open-ended repeat.
func unbounded(re *syntax.Regexp) bool {
	switch re.Op {
	case syntax.OpStar, syntax.OpPlus:
		return true
	case syntax.OpRepeat:
		return re.Max < 0
	}
	return false
}

func subtreeHas(re *syntax.Regexp, pred func(*syntax.Regexp) bool) bool {
	for _, s := range re.Sub {
		if pred(s) || subtreeHas(s, pred) {
			return true
		}
	}
	return false
}

func isAnyChar(re *syntax.Regexp) bool {
	return re.Op == syntax.OpAnyChar || re.Op == syntax.OpAnyCharNotNL
}

func walkRisks(re *syntax.Regexp, quantDepth int) []Finding {
	var out []Finding
	if unbounded(re) {
		if quantDepth > 0 {
			out = append(out, Finding{Kind: RiskNestedQuantifier, At: truncExpr(re.String())})
		}
		if subtreeHas(re, func(s *syntax.Regexp) bool { return s.Op == syntax.OpAlternate }) {
			out = append(out, Finding{Kind: RiskQuantifiedAlternation, At: truncExpr(re.String())})
		}
		// a wildcard that is itself quantified inside this quantifier,
		// the (.*)+ family; a lone ".*" stays clean
		if subtreeHas(re, func(s *syntax.Regexp) bool {
			return unbounded(s) && subtreeHas(s, isAnyChar)
		}) {
			out = append(out, Finding{Kind: RiskQuantifiedWildcard, At: truncExpr(re.String())})
		}
		quantDepth++
	}
	for _, sub := range re.Sub {
		out = append(out, walkRisks(sub, quantDepth)...)
	}
	return out
}

// Textual fallback for sources the engine refuses to parse. Coarser than
// the tree walk but still execution-free.
var (
	nestedQuantText = regexp.MustCompile(`(\*|\+|\{\d*,\})\)*(\*|\+|\{\d*,\})`)
	quantAltText    = regexp.MustCompile(`\([^)]*\|[^)]*\)(\*|\+|\{\d*,\})`)
	quantWildText   = regexp.MustCompile(`\(\.[*+][^)]*\)(\*|\+|\{\d*,\})`)
	openRepeatText  = regexp.MustCompile(`\{\d*,\}`)
	openRepeatNext  = regexp.MustCompile(`^\{\d*,\}`)
)

func textualRisks(expr string) []Finding {
	var out []Finding
	if m := nestedQuantText.FindString(expr); m != "" {
		out = append(out, Finding{Kind: RiskNestedQuantifier, At: truncExpr(m)})
	}
	if m := quantAltText.FindString(expr); m != "" {
		out = append(out, Finding{Kind: RiskQuantifiedAlternation, At: truncExpr(m)})
	}
	if m := quantWildText.FindString(expr); m != "" {
		out = append(out, Finding{Kind: RiskQuantifiedWildcard, At: truncExpr(m)})
	}
	return out
}

var lookaroundTokens = []string{"(?=", "(?!", "(?<=", "(?<!"}

// lookaroundRisks flags look-around groups that either contain unbounded
// work or are themselves quantified. These never compile here, but hostile
// rule submissions still carry them and operators want them surfaced.
func lookaroundRisks(expr string) []Finding {
	var out []Finding
	i := 0
	for i < len(expr) {
		start, tok := nextLookaround(expr, i)
		if start < 0 {
			break
		}
		body, after := balancedGroup(expr, start)

		risky := strings.ContainsAny(body, "*+") || openRepeatText.MatchString(body)
		if !risky && after < len(expr) {
			c := expr[after]
			risky = c == '*' || c == '+' || openRepeatNext.MatchString(expr[after:])
		}
		if risky {
			end := after
			if end > len(expr) {
				end = len(expr)
			}
			out = append(out, Finding{Kind: RiskQuantifiedLookaround, At: truncExpr(expr[start:end])})
		}
		i = start + len(tok)
	}
	return out
}

func nextLookaround(expr string, from int) (int, string) {
	best, bestTok := -1, ""
	for _, tok := range lookaroundTokens {
		if idx := strings.Index(expr[from:], tok); idx >= 0 {
			abs := from + idx
			if best < 0 || abs < best {
				best, bestTok = abs, tok
			}
		}
	}
	return best, bestTok
}

// balancedGroup returns the text inside the group opening at expr[open]
// and the index just past its closing paren. An unbalanced group runs to
// the end of the source.
func balancedGroup(expr string, open int) (body string, after int) {
	depth := 0
	for j := open; j < len(expr); j++ {
		switch expr[j] {
		case '\\':
			j++
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return expr[open+1 : j], j + 1
			}
		}
	}
	return expr[open+1:], len(expr)
}

// CompileChecked compiles expr after static analysis. A medium or high
// report emits an advisory event but never blocks construction; only a
// compile failure does.
func (c *Checker) CompileChecked(ctx context.Context, expr string) (*Pattern, error) {
	report := Analyze(expr)
	if report.Tier >= TierMedium {
		sev := events.SeverityMedium
		if report.Tier == TierHigh {
			sev = events.SeverityHigh
		}
		c.logger.Warn(ctx, "pattern flagged by static risk analysis",
			"pattern", truncExpr(expr),
			"tier", report.Tier.String(),
			"findings", strings.Join(report.Kinds(), ","),
		)
		c.sink.Emit(ctx, events.New(events.TypePatternRisky, sev, "patterns",
			"pattern structure flagged by static analysis",
			"pattern", truncExpr(expr),
			"tier", report.Tier.String(),
			"findings", strings.Join(report.Kinds(), ","),
		))
	}
	return Compile(expr)
}
