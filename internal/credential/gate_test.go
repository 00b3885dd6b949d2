package credential

import (
	"testing"
	"time"
)

func TestGate_QuotaExhaustionDenies(t *testing.T) {
	g := newGate(10, 5*time.Second)
	base := time.Now()

	for i := 0; i < 10; i++ {
		at := base.Add(time.Duration(i) * 6 * time.Second)
		if ok, _ := g.allow(at); !ok {
			t.Fatalf("attempt %d denied within quota", i+1)
		}
	}

	ok, wait := g.allow(base.Add(11 * 6 * time.Second))
	if ok {
		t.Fatal("11th attempt inside the hour must be denied")
	}
	if wait <= 0 {
		t.Fatalf("retry-after = %v, want positive", wait)
	}
}

func TestGate_MinimumGapDenies(t *testing.T) {
	g := newGate(10, 5*time.Second)
	base := time.Now()

	if ok, _ := g.allow(base); !ok {
		t.Fatal("first attempt denied")
	}
	ok, wait := g.allow(base.Add(time.Second))
	if ok {
		t.Fatal("attempt inside the minimum gap must be denied")
	}
	if wait != 4*time.Second {
		t.Fatalf("retry-after = %v, want 4s", wait)
	}
}

func TestGate_DenialsConsumeNoQuota(t *testing.T) {
	g := newGate(10, 5*time.Second)
	base := time.Now()

	if ok, _ := g.allow(base); !ok {
		t.Fatal("first attempt denied")
	}
	// gap denial
	if ok, _ := g.allow(base.Add(time.Second)); ok {
		t.Fatal("gap denial expected")
	}
	// quota must still admit nine more properly spaced attempts
	for i := 1; i < 10; i++ {
		at := base.Add(time.Duration(i) * 6 * time.Second)
		if ok, _ := g.allow(at); !ok {
			t.Fatalf("spaced attempt %d denied; the gap denial consumed quota", i+1)
		}
	}
	// and the 11th overall is the one that hits the quota wall
	if ok, _ := g.allow(base.Add(10 * 6 * time.Second)); ok {
		t.Fatal("11th attempt must be denied")
	}
}

func TestGate_QuotaDenialDoesNotDoubleCharge(t *testing.T) {
	g := newGate(2, time.Millisecond)
	base := time.Now()

	if ok, _ := g.allow(base); !ok {
		t.Fatal("first denied")
	}
	if ok, _ := g.allow(base.Add(time.Second)); !ok {
		t.Fatal("second denied")
	}
	ok, wait := g.allow(base.Add(2 * time.Second))
	if ok || wait <= 0 {
		t.Fatalf("third should be denied with positive wait, got ok=%v wait=%v", ok, wait)
	}
	// the denied reservation was canceled: after one refill interval a
	// single attempt succeeds exactly when the wait said it would
	if ok, _ := g.allow(base.Add(2*time.Second + wait)); !ok {
		t.Fatal("attempt after advertised wait still denied; denial consumed quota")
	}
}

func TestGate_DefaultsApplied(t *testing.T) {
	g := newGate(0, 0)
	if g.minGap != DefaultMinAttemptGap {
		t.Fatalf("minGap = %v", g.minGap)
	}
	if g.lim.Burst() != DefaultAttemptsPerHour {
		t.Fatalf("burst = %d", g.lim.Burst())
	}
}
