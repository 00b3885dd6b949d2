package credential

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoCredential reports that no credential could be resolved from
	// any source. A tampered store file is reported identically.
	ErrNoCredential = errors.New("no credential available")

	// ErrInvalidCredential reports a token rejected by format check or
	// by the provider.
	ErrInvalidCredential = errors.New("invalid credential")
)

// RateLimitError reports a denied introspection attempt. RetryAfter is
// always positive; the denial consumed no quota.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("credential validation rate limited, retry after %s", e.RetryAfter.Round(time.Millisecond))
}

// ScopeError reports a credential that authenticates but does not carry
// the required scopes.
type ScopeError struct {
	Missing []string
}

func (e *ScopeError) Error() string {
	return "credential missing required scopes: " + strings.Join(e.Missing, ", ")
}
