// Package ratelimit limits control API requests per user or client address.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Config is a request budget per window.
type Config struct {
	Requests int
	Window   time.Duration
}

// DefaultConfig allows 120 requests per minute.
func DefaultConfig() Config {
	return Config{Requests: 120, Window: time.Minute}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Requests <= 0 {
		c.Requests = d.Requests
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	return c
}
