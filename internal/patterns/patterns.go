// Package patterns bounds every regular expression evaluation in the
// process. Go's engine is linear-time, so a single match cannot backtrack
// catastrophically, but wall time on oversized input is still unbounded;
// the checker enforces a size precheck and a hard wall-clock limit
// regardless of engine. A match that outlives its deadline is abandoned,
// not cancelled: the goroutine finishes on its own and its result is
// discarded through a buffered channel.
package patterns

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/events"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/log"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/xerrors"
)

const (
	// DefaultTimeLimit is the wall-clock budget for one Check call or one
	// whole group call.
	DefaultTimeLimit = 100 * time.Millisecond

	// DefaultSizeLimit is the largest content, in bytes, a pattern will
	// run against.
	DefaultSizeLimit = 100_000
)

var (
	// ErrTimeout reports an exhausted wall-clock budget. The result is
	// unusable; there are no partial answers.
	ErrTimeout = errors.New("pattern check timed out")

	// ErrTooLarge reports content over the size limit. The pattern never
	// ran.
	ErrTooLarge = errors.New("content exceeds pattern size limit")
)

// Pattern is an immutable compiled expression. Construction is the only
// time the source text is parsed; evaluation never recompiles.
type Pattern struct {
	expr string
	re   *regexp.Regexp
}

// Compile builds a Pattern. Flags are expressed inline ((?i) etc) as usual.
func Compile(expr string) (*Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, xerrors.Wrap(err, "compile pattern")
	}
	return &Pattern{expr: expr, re: re}, nil
}

// MustCompile is Compile for package-level rule tables.
func MustCompile(expr string) *Pattern {
	p, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the pattern source.
func (p *Pattern) String() string { return p.expr }

// Span is a half-open [Start, End) byte range in checked content.
type Span struct {
	Start int
	End   int
}

// Limits bounds one evaluation.
type Limits struct {
	// TimeLimit is wall-clock per Check call, and shared across a whole
	// CheckAny/CheckAll/Begin session. Zero or negative means default.
	TimeLimit time.Duration

	// SizeLimit is max content bytes. Zero or negative means default.
	SizeLimit int
}

func (l Limits) withDefaults() Limits {
	if l.TimeLimit <= 0 {
		l.TimeLimit = DefaultTimeLimit
	}
	if l.SizeLimit <= 0 {
		l.SizeLimit = DefaultSizeLimit
	}
	return l
}

// Metrics is implemented by the metrics package to observe checker behavior.
type Metrics interface {
	IncCheck(outcome string)
	ObserveCheckDuration(seconds float64)
}

// Checker evaluates patterns under Limits and reports violations as
// security events. Safe for concurrent use.
type Checker struct {
	limits  Limits
	sink    events.Sink
	logger  log.Logger
	metrics Metrics
}

// Option configures a Checker.
type Option func(*Checker)

// WithLimits replaces the default limits.
func WithLimits(l Limits) Option { return func(c *Checker) { c.limits = l.withDefaults() } }

// WithEvents sets the security event sink.
func WithEvents(s events.Sink) Option {
	return func(c *Checker) {
		if s != nil {
			c.sink = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *Checker) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics hook.
func WithMetrics(m Metrics) Option { return func(c *Checker) { c.metrics = m } }

// NewChecker builds a Checker with defaults for anything not overridden.
func NewChecker(opts ...Option) *Checker {
	c := &Checker{
		limits: Limits{}.withDefaults(),
		sink:   events.Nop(),
		logger: log.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Limits reports the effective limits.
func (c *Checker) Limits() Limits { return c.limits }

// Check reports whether p matches content, under a fresh time budget.
// Empty content is checked normally; a pattern may legitimately match it.
func (c *Checker) Check(ctx context.Context, content []byte, p *Pattern) (bool, error) {
	return c.Begin().Check(ctx, content, p)
}

// CheckAny reports whether any pattern matches, evaluating sequentially
// under one shared budget and stopping at the first hit. An empty group
// is false.
func (c *Checker) CheckAny(ctx context.Context, content []byte, ps []*Pattern) (bool, error) {
	b := c.Begin()
	for _, p := range ps {
		m, err := b.Check(ctx, content, p)
		if err != nil {
			return false, err
		}
		if m {
			return true, nil
		}
	}
	return false, nil
}

// CheckAll reports whether every pattern matches, under one shared budget,
// stopping at the first miss. An empty group is vacuously true.
func (c *Checker) CheckAll(ctx context.Context, content []byte, ps []*Pattern) (bool, error) {
	b := c.Begin()
	for _, p := range ps {
		m, err := b.Check(ctx, content, p)
		if err != nil {
			return false, err
		}
		if !m {
			return false, nil
		}
	}
	return true, nil
}

// Begin opens a budget session: every call through it shares one deadline.
// Used by callers that compose many evaluations into one logical
// operation (the content screen battery).
func (c *Checker) Begin() *Budget {
	return &Budget{c: c, deadline: time.Now().Add(c.limits.TimeLimit)}
}

// Budget is a deadline-scoped view of a Checker.
type Budget struct {
	c        *Checker
	deadline time.Time
}

// Remaining reports time left in the session.
func (b *Budget) Remaining() time.Duration { return time.Until(b.deadline) }

// Check reports whether p matches content within the session budget.
func (b *Budget) Check(ctx context.Context, content []byte, p *Pattern) (bool, error) {
	if err := b.c.precheckSize(ctx, len(content)); err != nil {
		return false, err
	}
	start := time.Now()
	matched, err := b.wait(ctx, p, func() bool { return p.re.Match(content) })
	b.c.observe(matched, err, time.Since(start))
	return matched, err
}

// Locate returns every span p matches within content, bounded the same
// way Check is. Used to resolve spans for sanitization after a hit.
func (b *Budget) Locate(ctx context.Context, content []byte, p *Pattern) ([]Span, error) {
	if err := b.c.precheckSize(ctx, len(content)); err != nil {
		return nil, err
	}
	var spans []Span
	start := time.Now()
	_, err := b.wait(ctx, p, func() bool {
		for _, m := range p.re.FindAllIndex(content, -1) {
			spans = append(spans, Span{Start: m[0], End: m[1]})
		}
		return len(spans) > 0
	})
	if err != nil {
		// the abandoned goroutine may still be appending; do not touch spans
		b.c.observe(false, err, time.Since(start))
		return nil, err
	}
	b.c.observe(len(spans) > 0, nil, time.Since(start))
	return spans, nil
}

// wait races fn against the session deadline. On deadline the goroutine
// is abandoned; the buffered channel guarantees it can always deliver and
// exit.
func (b *Budget) wait(ctx context.Context, p *Pattern, fn func() bool) (bool, error) {
	remaining := time.Until(b.deadline)
	if remaining <= 0 {
		b.c.emitTimeout(ctx, p, 0)
		return false, xerrors.Wrapf(ErrTimeout, "pattern %s: budget exhausted", truncExpr(p.expr))
	}

	done := make(chan bool, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case m := <-done:
		return m, nil
	case <-timer.C:
		b.c.emitTimeout(ctx, p, remaining)
		return false, xerrors.Wrapf(ErrTimeout, "pattern %s after %s", truncExpr(p.expr), remaining.Round(time.Millisecond))
	}
}

func (c *Checker) precheckSize(ctx context.Context, size int) error {
	if size <= c.limits.SizeLimit {
		return nil
	}
	if c.metrics != nil {
		c.metrics.IncCheck("too_large")
	}
	c.sink.Emit(ctx, events.New(events.TypePatternOversize, events.SeverityMedium, "patterns",
		"content exceeds pattern check size limit",
		"size", fmt.Sprint(size),
		"limit", fmt.Sprint(c.limits.SizeLimit),
	))
	return xerrors.Wrapf(ErrTooLarge, "%d bytes over limit %d", size, c.limits.SizeLimit)
}

func (c *Checker) emitTimeout(ctx context.Context, p *Pattern, waited time.Duration) {
	c.logger.Warn(ctx, "pattern check abandoned at deadline",
		"pattern", truncExpr(p.expr),
		"waited", waited.String(),
	)
	c.sink.Emit(ctx, events.New(events.TypePatternTimeout, events.SeverityHigh, "patterns",
		"pattern check timed out",
		"pattern", truncExpr(p.expr),
		"limit", c.limits.TimeLimit.String(),
	))
}

func (c *Checker) observe(matched bool, err error, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, ErrTimeout):
		c.metrics.IncCheck("timeout")
	case err != nil:
		c.metrics.IncCheck("error")
	case matched:
		c.metrics.IncCheck("match")
	default:
		c.metrics.IncCheck("no_match")
	}
	c.metrics.ObserveCheckDuration(elapsed.Seconds())
}

// truncExpr keeps pattern text in logs and events readable.
func truncExpr(expr string) string {
	const max = 64
	if len(expr) <= max {
		return expr
	}
	return expr[:max] + "..."
}
