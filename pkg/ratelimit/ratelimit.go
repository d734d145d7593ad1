// Package ratelimit implements fixed-window request limits over
// tenant/org/user scopes with in-process, Postgres and Redis counter
// backends.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Scope names.
const (
	ScopeTenant = "tenant"
	ScopeOrg    = "org"
	ScopeUser   = "user"
)

// Scope is one counter to check: RPM 0 means unlimited.
type Scope struct {
	Name string
	ID   string
	RPM  int
}

// Decision reports the limiter outcome. On denial Scope names the
// exhausted counter.
type Decision struct {
	Allowed bool
	Scope   string
	Limit   int
}

// Counters is the backend contract: atomically increment one window
// counter and return the new value.
type Counters interface {
	Incr(ctx context.Context, scope, scopeID string, windowStart time.Time, window time.Duration) (int64, error)
}

// Limiter applies fixed windows over a counter backend.
type Limiter struct {
	counters Counters
	window   time.Duration
	clock    func() time.Time
}

// New builds a limiter with the given window size.
func New(counters Counters, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{counters: counters, window: window, clock: time.Now}
}

// WithClock overrides the time source. Test seam.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.clock = clock
	return l
}

// Allow increments every applicable scope counter for the current window
// and denies if any exceeds its RPM. Counters are incremented regardless
// of the outcome; an over-limit caller still consumed the attempt.
func (l *Limiter) Allow(ctx context.Context, scopes []Scope) (Decision, error) {
	windowStart := l.clock().UTC().Truncate(l.window)
	for _, s := range scopes {
		if s.RPM <= 0 || s.ID == "" {
			continue
		}
		count, err := l.counters.Incr(ctx, s.Name, s.ID, windowStart, l.window)
		if err != nil {
			return Decision{}, fmt.Errorf("ratelimit: incrementing %s/%s: %w", s.Name, s.ID, err)
		}
		if count > int64(s.RPM) {
			return Decision{Allowed: false, Scope: s.Name, Limit: s.RPM}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// MemoryCounters is the in-process backend. Old windows are pruned
// opportunistically on increment.
type MemoryCounters struct {
	mu     sync.Mutex
	counts map[string]int64
	stamps map[string]time.Time
}

// NewMemoryCounters creates an empty in-process backend.
func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{counts: map[string]int64{}, stamps: map[string]time.Time{}}
}

func (m *MemoryCounters) Incr(_ context.Context, scope, scopeID string, windowStart time.Time, window time.Duration) (int64, error) {
	key := fmt.Sprintf("%s:%s:%d", scope, scopeID, windowStart.Unix())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	m.stamps[key] = windowStart
	// Drop counters two windows old.
	horizon := windowStart.Add(-2 * window)
	for k, start := range m.stamps {
		if start.Before(horizon) {
			delete(m.counts, k)
			delete(m.stamps, k)
		}
	}
	return m.counts[key], nil
}
