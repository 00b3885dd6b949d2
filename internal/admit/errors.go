package admit

import "errors"

var (
	// ErrSourceDenied reports a source refused before any request: a
	// forbidden scheme or a host resolving into the address denylist.
	ErrSourceDenied = errors.New("source denied")

	// ErrTooLarge reports a payload over the byte ceiling, whether
	// declared up front or discovered mid-stream.
	ErrTooLarge = errors.New("payload too large")

	// ErrBadPath reports a destination that failed path validation.
	ErrBadPath = errors.New("bad destination path")
)
