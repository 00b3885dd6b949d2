package xerrors

import (
	"errors"
	"runtime"
	"strings"
	"testing"
)

// sentinel for errors.Is / errors.As testing

var errSentinel = errors.New("sentinel")

// stackContains checks if any frame in PCs contains the given function name substring.
func stackContains(pcs []uintptr, substr string) bool {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.Contains(fr.Function, substr) {
			return true
		}
		if !more {
			break
		}
	}
	return false
}

// New / Newf

func TestNew_ErrorMessage(t *testing.T) {
	err := New("something broke")
	if err.Error() != "something broke" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestNew_HasStack(t *testing.T) {
	err := New("boom")

	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatal("New error should have StackPCs")
	}
	if len(hs.StackPCs()) == 0 {
		t.Fatal("stack should be non-empty")
	}
}

func TestNew_StackContainsCaller(t *testing.T) {
	err := New("test")

	var hs interface{ StackPCs() []uintptr }
	errors.As(err, &hs)

	if !stackContains(hs.StackPCs(), "TestNew_StackContainsCaller") {
		t.Fatal("stack should contain calling function")
	}
}

func TestNewf_FormatsMessage(t *testing.T) {
	err := Newf("invalid quota %d for %s", 99, "introspection")
	want := "invalid quota 99 for introspection"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNewf_WrapsWithPercentW(t *testing.T) {
	err := Newf("screen content: %w", errSentinel)
	if !errors.Is(err, errSentinel) {
		t.Fatal("Newf with %w should keep the chain")
	}
}

// WithStack

func TestWithStack_NilReturnsNil(t *testing.T) {
	if WithStack(nil) != nil {
		t.Fatal("WithStack(nil) should return nil")
	}
}

func TestWithStack_PreservesMessage(t *testing.T) {
	base := errors.New("original message")
	err := WithStack(base)

	if err.Error() != "original message" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestWithStack_Unwraps(t *testing.T) {
	base := errors.New("base")
	err := WithStack(base)

	if !errors.Is(err, base) {
		t.Fatal("should unwrap to base error")
	}
}

// Wrap / Wrapf

func TestWrap_NilReturnsNil(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Fatal("Wrap(nil) should return nil")
	}
}

func TestWrap_ErrorMessage(t *testing.T) {
	base := errors.New("connection refused")
	err := Wrap(base, "introspect token")

	want := "introspect token: connection refused"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrap_Unwraps(t *testing.T) {
	err := Wrap(errSentinel, "context")

	if !errors.Is(err, errSentinel) {
		t.Fatal("should unwrap to sentinel")
	}
}

func TestWrap_HasPC(t *testing.T) {
	err := Wrap(errSentinel, "context")

	var hp interface{ PC() uintptr }
	if !errors.As(err, &hp) {
		t.Fatal("Wrap should capture PC")
	}
	if hp.PC() == 0 {
		t.Fatal("PC should be non-zero")
	}
}

func TestWrapf_NilReturnsNil(t *testing.T) {
	if Wrapf(nil, "context %d", 1) != nil {
		t.Fatal("Wrapf(nil) should return nil")
	}
}

func TestWrapf_FormatsMessage(t *testing.T) {
	base := errors.New("timeout")
	err := Wrapf(base, "fetch %s after %dms", "https://example.com", 5000)

	want := "fetch https://example.com after 5000ms: timeout"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

// EnsureTrace

func TestEnsureTrace_NilReturnsNil(t *testing.T) {
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) should return nil")
	}
}

func TestEnsureTrace_AddsStackToPlainError(t *testing.T) {
	base := errors.New("plain")
	err := EnsureTrace(base)

	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatal("should add stack to plain error")
	}
	if len(hs.StackPCs()) == 0 {
		t.Fatal("stack should be non-empty")
	}
}

func TestEnsureTrace_Idempotent(t *testing.T) {
	first := New("already traced")
	second := EnsureTrace(first)

	if first != second { //nolint:errorlint // testing error identity
		t.Fatal("EnsureTrace should return same error if already stacked")
	}
}

func TestEnsureTrace_WrappedErrorGetsStack(t *testing.T) {
	// Wrap adds a PC but not StackPCs, so EnsureTrace adds the full stack
	base := errors.New("root")
	wrapped := Wrap(base, "ctx")

	traced := EnsureTrace(wrapped)

	var hs interface{ StackPCs() []uintptr }
	if !errors.As(traced, &hs) {
		t.Fatal("should have stack after EnsureTrace on wrapped error")
	}
}

func TestEnsureTrace_PreservesUnwrap(t *testing.T) {
	err := EnsureTrace(errSentinel)

	if !errors.Is(err, errSentinel) {
		t.Fatal("should still unwrap to sentinel")
	}
}

// Chained wrapping

func TestChainedWrap_UnwrapsAll(t *testing.T) {
	base := errors.New("root cause")
	w1 := Wrap(base, "layer 1")
	w2 := Wrap(w1, "layer 2")
	w3 := Wrapf(w2, "layer %d", 3)

	if !errors.Is(w3, base) {
		t.Fatal("should unwrap through full chain")
	}
}

func TestChainedWrap_ErrorMessage(t *testing.T) {
	base := errors.New("eof")
	w1 := Wrap(base, "read body")
	w2 := Wrap(w1, "commit element")

	want := "commit element: read body: eof"
	if w2.Error() != want {
		t.Fatalf("Error() = %q, want %q", w2.Error(), want)
	}
}

func TestChainedWrap_MultiplePCs(t *testing.T) {
	base := errors.New("root")
	w1 := Wrap(base, "l1")
	w2 := Wrap(w1, "l2")

	pc2 := w2.(*annotated).PC() //nolint:errorlint // testing internal type directly
	pc1 := w1.(*annotated).PC() //nolint:errorlint // testing internal type directly

	if pc1 == 0 || pc2 == 0 {
		t.Fatal("both wraps should have non-zero PCs")
	}
	if pc1 == pc2 {
		t.Fatal("PCs from different call sites should differ")
	}
}

// internals

func TestStacked_Delegates(t *testing.T) {
	base := errors.New("delegate me")
	ws := &stacked{err: base, pcs: []uintptr{1, 2, 3}}

	if ws.Error() != "delegate me" {
		t.Fatalf("Error() = %q", ws.Error())
	}
	if ws.Unwrap() != base { //nolint:errorlint // unwrap must return the exact original
		t.Fatal("Unwrap should return inner error")
	}
	if got := ws.StackPCs(); len(got) != 3 {
		t.Fatalf("StackPCs() = %v", got)
	}
}

func TestAnnotated_ErrorFormat(t *testing.T) {
	base := errors.New("base")
	w := &annotated{err: base, msg: "context", pc: 12345}

	if w.Error() != "context: base" {
		t.Fatalf("Error() = %q", w.Error())
	}
	if w.PC() != 12345 {
		t.Fatalf("PC() = %d", w.PC())
	}
}

func TestCapturePCs_ContainsCaller(t *testing.T) {
	pcs := capturePCs(0)
	if len(pcs) == 0 {
		t.Fatal("capturePCs should return non-empty slice")
	}
	if !stackContains(pcs, "TestCapturePCs_ContainsCaller") {
		t.Fatal("stack should contain calling function")
	}
}

func TestSitePC_NonZero(t *testing.T) {
	if pc := sitePC(0); pc == 0 {
		t.Fatal("sitePC should return non-zero PC")
	}
}
