package httpmw

import "net/http"

// Security note: CSRF protection is not implemented because it is not applicable.
// This API is stateless (no cookies, no sessions, no authentication) and read-only (GET only).

// SecurityHeaders is middleware that adds security headers appropriate for a
// JSON/metrics API to HTTP responses. HSTS is intentionally absent: the ops
// listener binds loopback and speaks plaintext unless fronted by a proxy.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Nothing served here is a document, so lock the CSP all the way down
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// Disable MIME type sniffing for integrity/security
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// Old Clickjacking protection - dont allow embedding in frames
		w.Header().Set("X-Frame-Options", "DENY")

		// Responses carry security event detail, never leak the URL onward
		w.Header().Set("Referrer-Policy", "no-referrer")

		// Operational state changes between requests, dont let anything cache it
		w.Header().Set("Cache-Control", "no-store")

		// Prevent Adobe Flash and Acrobat from loading content
		w.Header().Set("X-Permitted-Cross-Domain-Policies", "none")

		// Cross-Origin-Resource-Policy to restrict resource.. "sharing"
		w.Header().Set("Cross-Origin-Resource-Policy", "same-origin")

		next.ServeHTTP(w, r)
	})
}
