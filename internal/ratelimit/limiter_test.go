package ratelimit

import (
	"errors"
	"testing"

	"github.com/modelbridge/gateway/internal/core"
)

func TestLimiterUnderLimit(t *testing.T) {
	l := NewLimiter(60_000, 3)
	if err := l.Check(1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Check(2000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLimiterAtLimit(t *testing.T) {
	l := NewLimiter(60_000, 2)
	if err := l.Check(1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Check(2000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := l.Check(3000)
	var rlErr *core.RateLimitedError
	if !errors.As(err, &rlErr) {
		t.Fatalf("got error %v, want RateLimitedError", err)
	}
	if rlErr.RetryAfterMs != 58_000 {
		t.Fatalf("RetryAfterMs = %d, want 58000", rlErr.RetryAfterMs)
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	l := NewLimiter(10_000, 2)
	if err := l.Check(1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Check(2000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Check(5000); err == nil {
		t.Fatal("expected rejection at t=5000")
	}

	// At t=12000 the timestamp at t=1000 has aged out (12000-10000=2000 > 1000).
	if err := l.Check(12_000); err != nil {
		t.Fatalf("expected acceptance once window slides, got %v", err)
	}
}

func TestRegistryGetOrCreateIsStable(t *testing.T) {
	reg := NewRegistry()
	a := reg.GetOrCreate("client-a", 5)
	b := reg.GetOrCreate("client-a", 5)
	if a != b {
		t.Fatal("expected the same limiter instance for repeated lookups")
	}
}
