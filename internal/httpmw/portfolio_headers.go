package httpmw

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PortfolioInfo provides sweep state for response headers.
type PortfolioInfo interface {
	LastSweep() time.Time
	FlaggedCount() int
}

// PortfolioHeaders middleware adds X-Portfolio-Last-Sweep and X-Portfolio-Flagged
// headers to all responses. Before the first sweep completes there is nothing
// truthful to stamp, so both headers are omitted until LastSweep is non-zero.
func PortfolioHeaders(info PortfolioInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				if ls := info.LastSweep(); !ls.IsZero() {
					sweep := ls.UTC().Format(time.RFC3339)
					flagged := info.FlaggedCount()
					w.Header().Set("X-Portfolio-Last-Sweep", sweep)
					w.Header().Set("X-Portfolio-Flagged", strconv.Itoa(flagged))
					// Enrich the current trace span with sweep state
					if span := trace.SpanFromContext(r.Context()); span != nil && span.IsRecording() {
						span.SetAttributes(
							attribute.String("portfolio.last_sweep", sweep),
							attribute.Int("portfolio.flagged", flagged),
						)
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
