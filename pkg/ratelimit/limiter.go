package ratelimit

import (
	"sync"
	"time"

	"coreos/pkg/clock"
	"coreos/pkg/models"
)

type Decision struct {
	Allowed   bool      `json:"allowed"`
	Count     int       `json:"count"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Limiter increments the bucket for key and reports whether the
// post-increment count is within limit. The increment is atomic.
type Limiter interface {
	Allow(key string, limit int) Decision
}

// Ceilings are per-window call budgets by action class.
type Ceilings map[models.ActionType]int

func DefaultCeilings() Ceilings {
	return Ceilings{
		models.ActionRead:        60,
		models.ActionPropose:     20,
		models.ActionExecute:     5,
		models.ActionDestructive: 2,
	}
}

// For returns the ceiling for an action class; unknown classes get the
// strictest configured ceiling.
func (c Ceilings) For(a models.ActionType) int {
	if n, ok := c[a]; ok && n > 0 {
		return n
	}
	min := 0
	for _, n := range c {
		if n > 0 && (min == 0 || n < min) {
			min = n
		}
	}
	if min == 0 {
		min = 1
	}
	return min
}

// Fixed-window counters keyed by bucket. Windows are measured on the
// injected clock, which for clock.System is monotonic.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	clock  clock.Clock
	items  map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	return NewInMemoryWithClock(window, clock.System())
}

func NewInMemoryWithClock(window time.Duration, clk clock.Clock) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if clk == nil {
		clk = clock.System()
	}
	return &InMemoryLimiter{
		window: window,
		clock:  clk,
		items:  make(map[string]entry),
	}
}

func (l *InMemoryLimiter) Window() time.Duration { return l.window }

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok || !now.Before(curr.resetAt) {
		curr = entry{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   curr.count <= limit,
		Count:     curr.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

// Count returns the current window count for key without incrementing.
func (l *InMemoryLimiter) Count(key string) int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	curr, ok := l.items[key]
	if !ok || !now.Before(curr.resetAt) {
		return 0
	}
	return curr.count
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if !now.Before(v.resetAt) {
			delete(l.items, k)
		}
	}
}
