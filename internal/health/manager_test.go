package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelbridge/gateway/internal/core"
)

type fakeProber struct {
	latency core.LatencyMs
	err     error
}

func (f *fakeProber) Probe(ctx context.Context, backend core.BackendInfo, timeout time.Duration) (core.LatencyMs, error) {
	return f.latency, f.err
}

func TestProbeSuccessBelowThresholdMarksHealthy(t *testing.T) {
	backends := []core.BackendInfo{{ID: "b1", Models: []core.ModelId{"m"}, MaxConcurrent: 4}}
	m := NewManager(backends, &fakeProber{latency: 100}, DefaultConfig())

	m.probeOne(context.Background(), backends[0])

	s, _ := m.Get("b1")
	if s.Status != core.BackendHealthy {
		t.Fatalf("status = %v, want Healthy", s.Status)
	}
	if s.ConsecutiveFailures != 0 {
		t.Fatalf("expected failures reset, got %d", s.ConsecutiveFailures)
	}
}

func TestProbeSuccessAboveThresholdMarksDegraded(t *testing.T) {
	backends := []core.BackendInfo{{ID: "b1", Models: []core.ModelId{"m"}, MaxConcurrent: 4}}
	cfg := DefaultConfig()
	cfg.DegradedLatencyMs = 50
	m := NewManager(backends, &fakeProber{latency: 3000}, cfg)

	m.probeOne(context.Background(), backends[0])

	s, _ := m.Get("b1")
	if s.Status != core.BackendDegraded {
		t.Fatalf("status = %v, want Degraded", s.Status)
	}
}

func TestProbeFailureIncrementsFailuresUntilUnhealthy(t *testing.T) {
	backends := []core.BackendInfo{{ID: "b1", Models: []core.ModelId{"m"}, MaxConcurrent: 4}}
	cfg := DefaultConfig()
	cfg.UnhealthyThreshold = 2
	m := NewManager(backends, &fakeProber{err: errors.New("boom")}, cfg)

	m.probeOne(context.Background(), backends[0])
	s, _ := m.Get("b1")
	if s.Status == core.BackendUnhealthy {
		t.Fatal("expected first failure to not yet mark unhealthy")
	}
	if s.ConsecutiveFailures != 1 {
		t.Fatalf("failures = %d, want 1", s.ConsecutiveFailures)
	}

	m.probeOne(context.Background(), backends[0])
	s, _ = m.Get("b1")
	if s.Status != core.BackendUnhealthy {
		t.Fatalf("status = %v, want Unhealthy after reaching threshold", s.Status)
	}
}

func TestOnUnhealthyHookFires(t *testing.T) {
	backends := []core.BackendInfo{{ID: "b1", Models: []core.ModelId{"m"}, MaxConcurrent: 4}}
	cfg := DefaultConfig()
	cfg.UnhealthyThreshold = 1
	m := NewManager(backends, &fakeProber{err: errors.New("boom")}, cfg)

	var evicted core.BackendId
	m.OnUnhealthy(func(id core.BackendId) { evicted = id })

	m.probeOne(context.Background(), backends[0])
	if evicted != "b1" {
		t.Fatalf("expected OnUnhealthy hook to fire for b1, got %q", evicted)
	}
}

func TestAnyHealthy(t *testing.T) {
	backends := []core.BackendInfo{{ID: "b1", Models: []core.ModelId{"m"}, MaxConcurrent: 4}}
	m := NewManager(backends, &fakeProber{err: errors.New("boom")}, DefaultConfig())

	if m.AnyHealthy() {
		t.Fatal("expected no healthy backends before any probe")
	}

	m.probeOne(context.Background(), backends[0]) // failure, still Unknown-ish (not unhealthy yet)
}
