// Package httpmw provides HTTP middleware for the operational API server.
//
// Middleware is composed in a specific order in opshttp.NewHandler:
// security headers, request ID, client IP extraction, OTEL tracing,
// portfolio sweep headers, metrics, structured logging, and chi router.
//
// Each middleware is an independent function that can be tested, reordered,
// or removed individually. User-supplied data (query params, user-agent,
// headers) is intentionally excluded from logs to prevent PII leaks and
// log injection.
package httpmw
