package opshttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/health"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/httpmw"
)

type Options struct {
	// Addr is the listen address. Empty uses DefaultAddr.
	Addr string

	// Metrics serves GET /metrics when non-nil.
	Metrics http.Handler

	// MetricsMW instruments requests when non-nil.
	MetricsMW func(http.Handler) http.Handler

	// EnablePprof exposes /debug/pprof. Keep off unless actively profiling.
	EnablePprof bool

	Health    health.Probe
	Readiness health.Probe

	// APIRoutes registers the JSON endpoints on the router.
	APIRoutes func(chi.Router)

	// Portfolio stamps X-Portfolio-* headers on responses when non-nil.
	Portfolio httpmw.PortfolioInfo

	// RateLimitMW limits per-client request rates when non-nil.
	RateLimitMW func(http.Handler) http.Handler

	ClientIPOpts httpmw.ClientIPOptions

	UseRecoverMW bool
	OnPanic      func() // Optional callback for when panics are recovered, e.g. to trigger alerts or increment prometheus counters, etc.
}
