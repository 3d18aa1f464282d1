package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryLimiter is a token bucket per key held in process memory. Budgets are
// not shared between processes; use PostgresLimiter when several instances
// serve the same users.
type MemoryLimiter struct {
	config Config
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiter creates a MemoryLimiter.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		config:  cfg.normalized(),
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes one token from key's bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := m.now()
	every := m.config.Window / time.Duration(m.config.Requests)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(now)
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(every), m.config.Requests)}
		m.buckets[key] = b
	}
	b.lastSeen = now

	d := Decision{Limit: m.config.Requests}
	if b.limiter.AllowN(now, 1) {
		d.Allowed = true
		d.Remaining = int(b.limiter.TokensAt(now))
		return d, nil
	}
	missing := 1 - b.limiter.TokensAt(now)
	d.RetryAfter = time.Duration(missing * float64(every))
	if d.RetryAfter < time.Millisecond {
		d.RetryAfter = time.Millisecond
	}
	return d, nil
}

// sweep drops buckets idle for longer than a window, at most once per window.
// Callers hold m.mu.
func (m *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(m.lastSweep) < m.config.Window {
		return
	}
	m.lastSweep = now
	for key, b := range m.buckets {
		if now.Sub(b.lastSeen) > m.config.Window {
			delete(m.buckets, key)
		}
	}
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
