// Package xerrors builds and wraps errors with program-counter capture so
// the log layer can render stacks and wrap positions without callers doing
// anything beyond Wrap/New. All wrappers stay errors.Is/As/Unwrap friendly.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// stacked carries a full call stack captured at construction.
type stacked struct {
	err error
	pcs []uintptr
}

func (e *stacked) Error() string       { return e.err.Error() }
func (e *stacked) Unwrap() error       { return e.err }
func (e *stacked) StackPCs() []uintptr { return e.pcs }

// annotated carries a message plus the single PC of the wrap site.
type annotated struct {
	err error
	msg string
	pc  uintptr
}

func (e *annotated) Error() string { return e.msg + ": " + e.err.Error() }
func (e *annotated) Unwrap() error { return e.err }
func (e *annotated) PC() uintptr   { return e.pc }

func capturePCs(skip int) []uintptr {
	const maxDepth = 64
	pcs := make([]uintptr, maxDepth)
	// 2 skips runtime.Callers and capturePCs themselves
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func sitePC(skip int) uintptr {
	var pcs [1]uintptr
	if n := runtime.Callers(2+skip, pcs[:]); n == 0 {
		return 0
	}
	return pcs[0]
}

func stack(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: capturePCs(skip)}
}

// New returns a stack-carrying error.
func New(msg string) error { return stack(errors.New(msg), 2) }

// Newf returns a stack-carrying error. The format may use %w.
func Newf(format string, args ...any) error { return stack(fmt.Errorf(format, args...), 2) }

// Wrap annotates err with msg and the wrap site. Returns nil for nil err.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: msg, pc: sitePC(1)}
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: fmt.Sprintf(format, args...), pc: sitePC(1)}
}

// WithStack attaches the current stack without changing the message.
func WithStack(err error) error { return stack(err, 2) }

// EnsureTrace attaches a stack only if the chain does not already carry one.
// Useful at package boundaries where the origin of err is unknown.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	type hasStack interface{ StackPCs() []uintptr }
	var hs hasStack
	if errors.As(err, &hs) && hs != nil && len(hs.StackPCs()) > 0 {
		return err
	}
	return stack(err, 2)
}
