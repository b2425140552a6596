// Package ratelimit implements the pure per-client sliding-window request
// limiter and the monthly-period token quota tracker.
package ratelimit

import (
	"sync"

	"github.com/modelbridge/gateway/internal/core"
)

// WindowMs is the fixed rate-limit window width: 60 seconds.
const WindowMs uint64 = 60_000

// Limiter is a single client's sliding-window request counter. It is pure:
// the caller supplies "now" on every check, so the limiter never reads a
// clock itself and is trivially testable.
type Limiter struct {
	mu         sync.Mutex
	windowMs   uint64
	limit      uint32
	timestamps []uint64 // ascending, front is oldest
}

// NewLimiter builds a limiter with the given window and request limit.
func NewLimiter(windowMs uint64, limit uint32) *Limiter {
	return &Limiter{windowMs: windowMs, limit: limit}
}

// Check prunes timestamps older than now-windowMs, then rejects with the
// number of milliseconds until the oldest surviving timestamp falls out of
// the window if the client already holds >= limit timestamps in range;
// otherwise records now and accepts.
func (l *Limiter) Check(nowMs uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var windowStart uint64
	if nowMs > l.windowMs {
		windowStart = nowMs - l.windowMs
	}

	i := 0
	for i < len(l.timestamps) && l.timestamps[i] < windowStart {
		i++
	}
	l.timestamps = l.timestamps[i:]

	if uint32(len(l.timestamps)) >= l.limit {
		earliest := nowMs
		if len(l.timestamps) > 0 {
			earliest = l.timestamps[0]
		}
		retryAfter := (earliest + l.windowMs) - nowMs
		return &core.RateLimitedError{RetryAfterMs: retryAfter}
	}

	l.timestamps = append(l.timestamps, nowMs)
	return nil
}

// Registry lazily creates and holds one Limiter per client.
type Registry struct {
	mu       sync.Mutex
	limiters map[core.ClientId]*Limiter
}

// NewRegistry builds an empty limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[core.ClientId]*Limiter)}
}

// GetOrCreate returns the limiter for client, creating one with the given
// RPM if this is the first request seen for that client.
func (r *Registry) GetOrCreate(client core.ClientId, rpm uint32) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[client]; ok {
		return l
	}
	l := NewLimiter(WindowMs, rpm)
	r.limiters[client] = l
	return l
}
