package credential

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultAttemptsPerHour is the introspection quota, independent of
	// normal API traffic.
	DefaultAttemptsPerHour = 10

	// DefaultMinAttemptGap is the enforced spacing between attempts.
	DefaultMinAttemptGap = 5 * time.Second
)

// gate combines an hourly token bucket with a minimum inter-attempt gap.
// Both must pass; a denial consumes no quota. The mutex makes
// check-then-consume one critical section across all callers.
type gate struct {
	mu     sync.Mutex
	lim    *rate.Limiter
	minGap time.Duration
	last   time.Time
}

func newGate(perHour int, minGap time.Duration) *gate {
	if perHour <= 0 {
		perHour = DefaultAttemptsPerHour
	}
	if minGap <= 0 {
		minGap = DefaultMinAttemptGap
	}
	return &gate{
		lim:    rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour),
		minGap: minGap,
	}
}

// allow reports whether an attempt may proceed at now. On denial it
// returns a positive wait before the next permissible attempt.
func (g *gate) allow(now time.Time) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.last.IsZero() {
		if gap := now.Sub(g.last); gap < g.minGap {
			return false, g.minGap - gap
		}
	}

	r := g.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, g.minGap
	}
	if delay := r.DelayFrom(now); delay > 0 {
		// quota exhausted: hand the token back so the denial costs nothing
		r.CancelAt(now)
		return false, delay
	}

	g.last = now
	return true, 0
}
