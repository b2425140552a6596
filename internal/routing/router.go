// Package routing implements the pure backend-selection function: given a
// snapshot of backend states, a model, a strategy, and an optional affinity
// hint, pick a backend id. It performs no I/O and holds no state.
package routing

import (
	"github.com/modelbridge/gateway/internal/core"
)

// Strategy selects how a backend is chosen among equally eligible
// candidates.
type Strategy int

const (
	LeastLoaded Strategy = iota
	RoundRobin
)

// SelectBackend implements §4.5 of the specification:
//  1. filter to backends serving model (empty -> ModelNotFound)
//  2. filter to healthy/degraded backends (empty -> NoHealthyBackend)
//  3. honor the affinity hint if it survives and has capacity
//  4. apply strategy to backends with capacity, or all healthy ones if none
//     have capacity (overload fallback — never refuse when a healthy
//     backend exists)
func SelectBackend(backends []core.BackendState, model core.ModelId, strategy Strategy, round uint64, affinityHint *core.BackendId) (core.BackendId, error) {
	serving := make([]core.BackendState, 0, len(backends))
	for _, b := range backends {
		if b.ServesModel(model) {
			serving = append(serving, b)
		}
	}
	if len(serving) == 0 {
		return "", &core.ModelNotFoundError{Model: model}
	}

	healthy := make([]core.BackendState, 0, len(serving))
	for _, b := range serving {
		if b.IsHealthy() {
			healthy = append(healthy, b)
		}
	}
	if len(healthy) == 0 {
		return "", &core.NoHealthyBackendError{Model: model}
	}

	if affinityHint != nil {
		for _, b := range healthy {
			if b.ID == *affinityHint && b.HasCapacity() {
				return b.ID, nil
			}
		}
	}

	withCapacity := make([]core.BackendState, 0, len(healthy))
	for _, b := range healthy {
		if b.HasCapacity() {
			withCapacity = append(withCapacity, b)
		}
	}

	candidates := withCapacity
	if len(candidates) == 0 {
		candidates = healthy
	}

	return applyStrategy(candidates, strategy, round), nil
}

func applyStrategy(candidates []core.BackendState, strategy Strategy, round uint64) core.BackendId {
	switch strategy {
	case RoundRobin:
		return candidates[round%uint64(len(candidates))].ID
	default: // LeastLoaded
		best := candidates[0]
		for _, b := range candidates[1:] {
			if b.ActiveRequests < best.ActiveRequests {
				best = b
			}
		}
		return best.ID
	}
}
