// Package health owns the shared backend-state map and runs the background
// probe loop that keeps it current.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelbridge/gateway/internal/circuitbreaker"
	"github.com/modelbridge/gateway/internal/core"
)

// Prober checks a single backend's liveness, returning its observed
// latency or an error.
type Prober interface {
	Probe(ctx context.Context, backend core.BackendInfo, timeout time.Duration) (core.LatencyMs, error)
}

// Config tunes the probe loop and status-transition thresholds.
type Config struct {
	CheckInterval     time.Duration
	Timeout           time.Duration
	UnhealthyThreshold uint32
	DegradedLatencyMs  core.LatencyMs
}

// DefaultConfig matches §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:      30 * time.Second,
		Timeout:            5 * time.Second,
		UnhealthyThreshold: 3,
		DegradedLatencyMs:  2000,
	}
}

// Manager owns the shared BackendId -> BackendState map. It is the single
// source of truth read by the router and the /health endpoint. Reads take a
// shared lock; the probe loop takes the write lock once per backend per
// tick, so probes never block each other at map scope.
type Manager struct {
	cfg     Config
	prober  Prober
	backends []core.BackendInfo

	mu     sync.RWMutex
	states map[core.BackendId]core.BackendState

	onUnhealthy func(core.BackendId) // optional hook, e.g. affinity eviction

	// breakers is a secondary health signal alongside the probe loop: a
	// backend whose live request traffic is tripping its circuit breaker
	// is reported Unhealthy regardless of what the last probe said. Nil
	// disables this signal entirely (probe-only, per §4.6).
	breakers *circuitbreaker.Registry
}

// NewManager seeds every backend at Unknown status.
func NewManager(backends []core.BackendInfo, prober Prober, cfg Config) *Manager {
	states := make(map[core.BackendId]core.BackendState, len(backends))
	for _, b := range backends {
		states[b.ID] = core.NewBackendState(b.ID, b.Models, b.MaxConcurrent)
	}
	return &Manager{cfg: cfg, prober: prober, backends: backends, states: states}
}

// Name identifies this component when run under worker.Runner.
func (m *Manager) Name() string { return "health_manager" }

// WithBreakers enables the circuit-breaker secondary signal described on
// the breakers field. Call before Run.
func (m *Manager) WithBreakers(r *circuitbreaker.Registry) *Manager {
	m.breakers = r
	return m
}

// RecordOutcome feeds a live request's outcome into the backend's circuit
// breaker, if breakers are enabled. The pipeline calls this after every
// backend round trip (success or failure) so an elevated live error rate
// can mark a backend Unhealthy faster than the next probe tick would.
func (m *Manager) RecordOutcome(id core.BackendId, err error) {
	if m.breakers == nil {
		return
	}
	b := m.breakers.GetOrCreate(string(id))
	if err == nil {
		b.RecordSuccess()
		return
	}
	b.RecordError(circuitbreaker.ClassifyError(err))
}

// breakerOpen reports whether id's breaker has tripped open.
func (m *Manager) breakerOpen(id core.BackendId) bool {
	if m.breakers == nil {
		return false
	}
	b := m.breakers.Get(string(id))
	return b != nil && b.State() == circuitbreaker.StateOpen
}

// OnUnhealthy registers a callback invoked whenever a backend transitions
// to Unhealthy — the pipeline wires this to evict affinity entries for that
// backend (§4.4's EvictBackend).
func (m *Manager) OnUnhealthy(fn func(core.BackendId)) {
	m.onUnhealthy = fn
}

// Snapshot clones the current state map's values for the router to read
// without holding the lock across a routing decision.
func (m *Manager) Snapshot() []core.BackendState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.BackendState, 0, len(m.states))
	for _, s := range m.states {
		if m.breakerOpen(s.ID) {
			s = s.WithUnhealthy()
		}
		out = append(out, s)
	}
	return out
}

// Get returns a single backend's current state.
func (m *Manager) Get(id core.BackendId) (core.BackendState, bool) {
	m.mu.RLock()
	s, ok := m.states[id]
	m.mu.RUnlock()
	if ok && m.breakerOpen(id) {
		s = s.WithUnhealthy()
	}
	return s, ok
}

// AnyHealthy reports whether at least one backend is Healthy or Degraded —
// the condition GET /health uses to decide 200 vs 503.
func (m *Manager) AnyHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.states {
		if s.IsHealthy() && !m.breakerOpen(s.ID) {
			return true
		}
	}
	return false
}

// Seed forces a backend's status without waiting for a probe — used at
// startup to optimistically treat every configured backend as healthy
// until the first probe says otherwise, rather than leaving it Unknown
// (which the router treats as not healthy) until the first tick fires.
func (m *Manager) Seed(id core.BackendId, status core.BackendStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[id]; ok {
		s.Status = status
		m.states[id] = s
	}
}

// MarkRequestStarted/MarkRequestCompleted optionally track in-flight load;
// per §5 this is optional and not required for correctness.
func (m *Manager) MarkRequestStarted(id core.BackendId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[id]; ok {
		m.states[id] = s.WithRequestStarted()
	}
}

func (m *Manager) MarkRequestCompleted(id core.BackendId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[id]; ok {
		m.states[id] = s.WithRequestCompleted()
	}
}

// Run ticks on cfg.CheckInterval, probing every backend and applying the
// §4.6 transition rules, until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.tick(ctx)
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	for _, b := range m.backends {
		m.probeOne(ctx, b)
	}
}

func (m *Manager) probeOne(ctx context.Context, b core.BackendInfo) {
	latency, err := m.prober.Probe(ctx, b, m.cfg.Timeout)

	m.mu.Lock()
	s := m.states[b.ID]
	if err != nil {
		s = s.WithFailure()
		if s.ConsecutiveFailures >= m.cfg.UnhealthyThreshold {
			s = s.WithUnhealthy()
		}
	} else if latency < m.cfg.DegradedLatencyMs {
		s = s.WithHealthy(latency)
	} else {
		s = s.WithDegraded(latency)
	}
	m.states[b.ID] = s
	becameUnhealthy := err != nil && s.Status == core.BackendUnhealthy
	m.mu.Unlock()

	if err != nil {
		slog.Debug("backend probe failed", "backend", b.ID, "error", err)
	}
	if becameUnhealthy && m.onUnhealthy != nil {
		m.onUnhealthy(b.ID)
	}
}
