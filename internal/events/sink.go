package events

import (
	"context"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/log"
)

// Sink receives events. Implementations must return quickly and must not
// propagate failure to the emitter.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) {}

// Nop returns a sink that discards everything. Default for optional sink
// fields.
func Nop() Sink { return nopSink{} }

type multiSink []Sink

func (m multiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// Multi fans one emission out to every sink, in order. Nil sinks are
// skipped.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// logSink writes each event as a structured log line. Severity picks the
// level so critical findings surface in error-focused views.
type logSink struct {
	l log.Logger
}

// NewLogSink returns a sink logging through l.
func NewLogSink(l log.Logger) Sink {
	if l == nil {
		l = log.Nop()
	}
	return &logSink{l: l}
}

func (s *logSink) Emit(ctx context.Context, ev Event) {
	kv := []any{
		"event_id", ev.ID,
		"event_type", string(ev.Type),
		"severity", string(ev.Severity),
		"source", ev.Source,
	}
	for k, v := range ev.Meta {
		kv = append(kv, "meta_"+k, v)
	}
	switch ev.Severity {
	case SeverityCritical, SeverityHigh:
		s.l.Warn(ctx, ev.Detail, kv...)
	default:
		s.l.Info(ctx, ev.Detail, kv...)
	}
}

// Metrics counts emissions, implemented by the metrics package.
// Type and severity are bounded vocabularies, safe as labels.
type Metrics interface {
	IncEvent(typ, severity string)
}

type metricsSink struct {
	m Metrics
}

// NewMetricsSink returns a sink counting each event by type and severity.
func NewMetricsSink(m Metrics) Sink {
	if m == nil {
		return Nop()
	}
	return &metricsSink{m: m}
}

func (s *metricsSink) Emit(_ context.Context, ev Event) {
	s.m.IncEvent(string(ev.Type), string(ev.Severity))
}
