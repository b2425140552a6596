package ratelimit

import (
	"sync"

	"github.com/modelbridge/gateway/internal/core"
)

// monthlyUsage is one client's token consumption for a billing period.
type monthlyUsage struct {
	period     core.YearMonth
	tokensUsed uint64
}

// QuotaTracker enforces monthly token quotas, keyed by client. It is pure:
// periods are supplied by the caller, not read from a clock, so month
// rollover is entirely a function of the YearMonth passed in.
type QuotaTracker struct {
	mu    sync.Mutex
	usage map[core.ClientId]monthlyUsage
}

// NewQuotaTracker creates a new QuotaTracker.
func NewQuotaTracker() *QuotaTracker {
	return &QuotaTracker{usage: make(map[core.ClientId]monthlyUsage)}
}

// Check reports whether client has room for estimatedTokens more usage in
// currentPeriod, given config. A nil monthly limit always passes.
func (q *QuotaTracker) Check(client core.ClientId, estimatedTokens uint64, config core.QuotaConfig, currentPeriod core.YearMonth) error {
	if config.MonthlyTokenLimit == nil {
		return nil
	}
	limit := *config.MonthlyTokenLimit

	q.mu.Lock()
	used := uint64(0)
	if u, ok := q.usage[client]; ok && u.period == currentPeriod {
		used = u.tokensUsed
	}
	q.mu.Unlock()

	if used+estimatedTokens > limit {
		return &core.QuotaExceededError{Limit: limit, Used: used}
	}
	return nil
}

// Record adds actualTokens to client's usage for currentPeriod, resetting
// the counter first if the stored period differs (month rollover).
func (q *QuotaTracker) Record(client core.ClientId, actualTokens uint64, currentPeriod core.YearMonth) {
	q.mu.Lock()
	defer q.mu.Unlock()

	u, ok := q.usage[client]
	if !ok || u.period != currentPeriod {
		u = monthlyUsage{period: currentPeriod}
	}
	u.tokensUsed += actualTokens
	q.usage[client] = u
}
