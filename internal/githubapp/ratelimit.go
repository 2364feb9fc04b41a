package githubapp

import (
	"context"
	"sync"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/rs/zerolog/log"
)

// Priority orders callers when the rate budget runs low.
type Priority int

const (
	// PriorityCritical is webhook-driven work that users are waiting on.
	PriorityCritical Priority = iota
	// PriorityBackground is polling and recompute traffic.
	PriorityBackground
)

// budget is the last observed rate state for one installation.
type budget struct {
	limit     int
	remaining int
	reset     time.Time
}

// remainingPercent reports the budget left, 100 when never observed.
func (b budget) remainingPercent() int {
	if b.limit == 0 {
		return 100
	}
	return b.remaining * 100 / b.limit
}

// Accountant tracks the per-installation rate budget from response headers
// and delays callers when the budget dips under the configured reserve.
type Accountant struct {
	reservePercent int

	mu      sync.Mutex
	budgets map[int64]budget
}

// NewAccountant creates a rate accountant with the given reserve percent.
func NewAccountant(reservePercent int) *Accountant {
	return &Accountant{
		reservePercent: reservePercent,
		budgets:        make(map[int64]budget),
	}
}

// Observe records the rate state carried by a response.
func (a *Accountant) Observe(installation int64, resp *github.Response) {
	if resp == nil {
		return
	}
	a.mu.Lock()
	a.budgets[installation] = budget{
		limit:     resp.Rate.Limit,
		remaining: resp.Rate.Remaining,
		reset:     resp.Rate.Reset.Time,
	}
	a.mu.Unlock()
}

// Budget returns the last observed state for an installation.
func (a *Accountant) Budget(installation int64) (remaining, limit int, reset time.Time) {
	a.mu.Lock()
	b := a.budgets[installation]
	a.mu.Unlock()
	return b.remaining, b.limit, b.reset
}

// RemainingPercent reports the budget left for an installation.
func (a *Accountant) RemainingPercent(installation int64) int {
	a.mu.Lock()
	b := a.budgets[installation]
	a.mu.Unlock()
	return b.remainingPercent()
}

// Acquire blocks until the caller may spend a request. Critical callers
// wait out the reset when under reserve; background callers wait an extra
// grace period so critical traffic drains first.
func (a *Accountant) Acquire(ctx context.Context, installation int64, priority Priority) error {
	a.mu.Lock()
	b := a.budgets[installation]
	a.mu.Unlock()

	if b.remainingPercent() >= a.reservePercent {
		return nil
	}

	wait := time.Until(b.reset)
	if wait <= 0 {
		return nil
	}
	if priority == PriorityBackground {
		wait += 5 * time.Second
	}

	log.Warn().
		Int64("installation", installation).
		Int("remaining", b.remaining).
		Int("limit", b.limit).
		Dur("wait", wait).
		Msg("Rate budget under reserve, delaying request")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
