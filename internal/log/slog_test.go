package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

// newTestLogger builds a slogLogger writing to buf so we can inspect output.
func newTestLogger(t *testing.T, buf *bytes.Buffer, opts Options) *slogLogger {
	t.Helper()
	opts.Writer = buf
	l, err := newSlog(opts)
	if err != nil {
		t.Fatalf("newSlog: %v", err)
	}
	return l.(*slogLogger)
}

// jsonRecord parses one JSON log line (the last non-empty line in buf).
func jsonRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	last := lines[len(lines)-1]
	var m map[string]any
	if err := json.Unmarshal([]byte(last), &m); err != nil {
		t.Fatalf("parse JSON log line: %v\nraw: %s", err, last)
	}
	return m
}

// construction

func TestNewSlog_DefaultWriter(t *testing.T) {
	l, err := newSlog(Options{App: "test"})
	if err != nil {
		t.Fatalf("newSlog: %v", err)
	}
	if l == nil {
		t.Fatal("returned nil logger")
	}
}

func TestNewSlog_BaseAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "elementsd", Version: "1.6.0", JsonFormat: true, Level: slog.LevelInfo})

	l.Info(context.Background(), "hello")

	m := jsonRecord(t, &buf)
	if m["msg"] != "hello" {
		t.Fatalf("msg = %v, want hello", m["msg"])
	}
	if m["app"] != "elementsd" {
		t.Fatalf("app = %v, want elementsd", m["app"])
	}
	if m["version"] != "1.6.0" {
		t.Fatalf("version = %v, want 1.6.0", m["version"])
	}
}

func TestNewSlog_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test", JsonFormat: false, Level: slog.LevelInfo})

	l.Info(context.Background(), "text test")

	raw := buf.String()
	if !strings.Contains(raw, "msg=\"text test\"") && !strings.Contains(raw, "msg=text") {
		t.Fatalf("expected text output, got: %s", raw)
	}
}

func TestNewSlog_DefaultMaxErrorLinks(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test"})

	if l.maxErrorLinks != 8 {
		t.Fatalf("maxErrorLinks = %d, want 8 (default)", l.maxErrorLinks)
	}
}

// level filtering

func TestSlogLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true, Level: slog.LevelWarn})

	ctx := context.Background()

	l.Debug(ctx, "debug msg")
	l.Info(ctx, "info msg")
	if buf.Len() != 0 {
		t.Fatalf("debug/info should be filtered at warn level, got: %s", buf.String())
	}

	l.Warn(ctx, "warn msg")
	if !strings.Contains(buf.String(), "warn msg") {
		t.Fatalf("warn should pass, got: %s", buf.String())
	}

	buf.Reset()
	l.Error(ctx, fmt.Errorf("e"), "error msg")
	if !strings.Contains(buf.String(), "error msg") {
		t.Fatalf("error should pass, got: %s", buf.String())
	}
}

// With copy-on-write

func TestSlogLogger_With_CopyOnWrite(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true, Level: slog.LevelInfo})

	child := l.With("child_key", "child_val")

	buf.Reset()
	l.Info(context.Background(), "parent msg")
	m := jsonRecord(t, &buf)
	if _, found := m["child_key"]; found {
		t.Fatal("parent logger should not have child's attributes")
	}

	buf.Reset()
	child.Info(context.Background(), "child msg")
	m = jsonRecord(t, &buf)
	if m["child_key"] != "child_val" {
		t.Fatalf("child missing child_key, got: %v", m)
	}
}

func TestSlogLogger_With_Chaining(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true, Level: slog.LevelInfo})

	deep := l.With("a", 1).With("b", 2).With("c", 3)
	deep.Info(context.Background(), "deep")

	m := jsonRecord(t, &buf)
	if m["a"] != float64(1) || m["b"] != float64(2) || m["c"] != float64(3) {
		t.Fatalf("chained attrs missing, got: %v", m)
	}
}

func TestSlogLogger_With_OddArgs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true, Level: slog.LevelInfo})

	// orphan key dropped, non-string key skipped, no panic either way
	child := l.With("key1", "val1", "orphan").With(42, "val")
	child.Info(context.Background(), "odd args")

	m := jsonRecord(t, &buf)
	if m["key1"] != "val1" {
		t.Fatalf("key1 missing, got: %v", m)
	}
}

func TestSlogLogger_With_PreservesConfig(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test", IncludeErrorLinks: true, MaxErrorLinks: 5})

	child := l.With("k", "v").(*slogLogger)

	if !child.includeErrorLinks {
		t.Fatal("includeErrorLinks not preserved in With child")
	}
	if child.maxErrorLinks != 5 {
		t.Fatal("maxErrorLinks not preserved in With child")
	}
}

// error enrichment

func TestSlogLogger_Error_EnrichesWithType(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true, Level: slog.LevelError})

	l.Error(context.Background(), fmt.Errorf("test error"), "something failed")

	m := jsonRecord(t, &buf)
	if m["err"] == nil {
		t.Fatal("err field missing")
	}
	if m["error_type"] == nil {
		t.Fatal("error_type field missing")
	}
	if m["cause_type"] == nil {
		t.Fatal("cause_type field missing")
	}
}

func TestSlogLogger_Error_NilError(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true, Level: slog.LevelError})

	l.Error(context.Background(), nil, "nil error msg")

	m := jsonRecord(t, &buf)
	if m["msg"] != "nil error msg" {
		t.Fatalf("msg = %v", m["msg"])
	}
	if _, found := m["err"]; found {
		t.Fatal("err field should not be present for nil error")
	}
}

func TestSlogLogger_Error_IncludesChain(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true, Level: slog.LevelError})

	inner := fmt.Errorf("root cause")
	wrapped := fmt.Errorf("outer: %w", inner)

	l.Error(context.Background(), wrapped, "wrapped error")

	m := jsonRecord(t, &buf)
	chain, ok := m["error_chain"]
	if !ok {
		t.Fatal("error_chain missing")
	}
	arr, ok := chain.([]any)
	if !ok {
		t.Fatalf("error_chain type = %T", chain)
	}
	if len(arr) < 2 {
		t.Fatalf("error_chain length = %d, want >= 2", len(arr))
	}
}

func TestSlogLogger_Error_ErrorLinks_Toggle(t *testing.T) {
	var buf bytes.Buffer
	off := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true, Level: slog.LevelError})

	off.Error(context.Background(), fmt.Errorf("test"), "msg")
	if _, found := jsonRecord(t, &buf)["error_links"]; found {
		t.Fatal("error_links should not be present when disabled")
	}

	buf.Reset()
	on := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true, Level: slog.LevelError, IncludeErrorLinks: true})
	on.Error(context.Background(), fmt.Errorf("test"), "msg")
	if _, found := jsonRecord(t, &buf)["error_links"]; !found {
		t.Fatal("error_links should be present when enabled")
	}
}

func TestSlogLogger_Info_WithKV(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true, Level: slog.LevelInfo})

	l.Info(context.Background(), "test msg", "key1", "val1", "key2", 42)

	m := jsonRecord(t, &buf)
	if m["key1"] != "val1" {
		t.Fatalf("key1 = %v", m["key1"])
	}
	if m["key2"] != float64(42) {
		t.Fatalf("key2 = %v", m["key2"])
	}
}

// otelHandler

func TestOtelHandler_AddsTraceFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true, Level: slog.LevelInfo})

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "traced msg")

	m := jsonRecord(t, &buf)
	if m["trace_id"] != "0102030405060708090a0b0c0d0e0f10" {
		t.Fatalf("trace_id = %v", m["trace_id"])
	}
	if m["span_id"] != "0102030405060708" {
		t.Fatalf("span_id = %v", m["span_id"])
	}
}

func TestOtelHandler_NoTrace(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true, Level: slog.LevelInfo})

	l.Info(context.Background(), "no trace")

	m := jsonRecord(t, &buf)
	if _, found := m["trace_id"]; found {
		t.Fatal("trace_id should not be present without valid span context")
	}
}

// stackHandler

func TestStackHandler_AddsStackAtErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true, Level: slog.LevelError})

	l.Error(context.Background(), fmt.Errorf("boom"), "error with stack")

	m := jsonRecord(t, &buf)
	stack, ok := m["stack"]
	if !ok {
		t.Fatal("stack field missing at error level")
	}
	s, ok := stack.(string)
	if !ok || s == "" {
		t.Fatal("stack should be a non-empty string")
	}
}

func TestStackHandler_NoStackBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{
		App:             "test",
		JsonFormat:      true,
		Level:           slog.LevelInfo,
		StacktraceLevel: slog.LevelError,
	})

	l.Info(context.Background(), "info msg")

	m := jsonRecord(t, &buf)
	if _, found := m["stack"]; found {
		t.Fatal("stack should not be present at info level")
	}
}

// errorChain

func TestErrorChain_WrappedError(t *testing.T) {
	inner := fmt.Errorf("root")
	outer := fmt.Errorf("wrap: %w", inner)

	chain := errorChain(outer)

	if len(chain) < 2 {
		t.Fatalf("chain length = %d, want >= 2", len(chain))
	}
	if chain[0] != "wrap: root" {
		t.Fatalf("chain[0] = %q", chain[0])
	}
	if chain[len(chain)-1] != "root" {
		t.Fatalf("chain[last] = %q", chain[len(chain)-1])
	}
}

func TestErrorChain_JoinedErrors(t *testing.T) {
	joined := errors.Join(fmt.Errorf("first"), fmt.Errorf("second"))

	if chain := errorChain(joined); len(chain) == 0 {
		t.Fatal("chain should not be empty for joined errors")
	}
}

func TestErrorChain_NilError(t *testing.T) {
	if chain := errorChain(nil); len(chain) != 0 {
		t.Fatalf("chain for nil error = %v, want empty", chain)
	}
}

// classifyTypes

type customError struct {
	msg string
}

func (e *customError) Error() string { return e.msg }

func TestClassifyTypes_NilError(t *testing.T) {
	surface, root := classifyTypes(nil)
	if surface != "" || root != "" {
		t.Fatalf("classifyTypes(nil) = (%q, %q), want empty", surface, root)
	}
}

func TestClassifyTypes_WrappedError(t *testing.T) {
	inner := &customError{msg: "inner"}
	outer := fmt.Errorf("outer: %w", inner)

	surface, root := classifyTypes(outer)

	if !strings.Contains(surface, "customError") {
		t.Fatalf("surface = %q, expected customError", surface)
	}
	if !strings.Contains(root, "customError") {
		t.Fatalf("root = %q, expected customError", root)
	}
}

// chainLinks

func TestChainLinks_RespectsMax(t *testing.T) {
	err := fmt.Errorf("base")
	for i := 0; i < 20; i++ {
		err = fmt.Errorf("wrap %d: %w", i, err)
	}

	if links := chainLinks(err, 5); len(links) > 5 {
		t.Fatalf("links length = %d, max should be 5", len(links))
	}
}

func TestChainLinks_NilError(t *testing.T) {
	if links := chainLinks(nil, 8); len(links) != 0 {
		t.Fatalf("links for nil = %v, want empty", links)
	}
}

func TestFrameFromPC_ZeroPC(t *testing.T) {
	if _, _, _, ok := frameFromPC(0); ok {
		t.Fatal("frameFromPC(0) should return ok=false")
	}
}

func TestFirstExtFrame_EmptyPCs(t *testing.T) {
	if _, _, _, ok := firstExtFrame(nil); ok {
		t.Fatal("firstExtFrame(nil) should return ok=false")
	}
}
