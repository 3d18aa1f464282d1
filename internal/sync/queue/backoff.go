package queue

import (
	"net/http"
	"time"
)

// Hint carries what the server told us about a failed request.
type Hint struct {
	StatusCode int
	// RetryAfter is the server-suggested delay; zero when absent.
	RetryAfter time.Duration
}

// Backoff computes retry delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns the default policy: 1s doubling per retry, capped at 5 minutes.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 5 * time.Minute}
}

// Delay returns the wait before attempt number retryCount+1.
// A server-suggested delay wins. Otherwise the delay is Base*2^(retryCount-1),
// stretched for overload responses and capped at Max.
func (b Backoff) Delay(retryCount int, hint Hint) time.Duration {
	if hint.RetryAfter > 0 {
		return hint.RetryAfter
	}
	if b.Base <= 0 {
		b.Base = DefaultBackoff().Base
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff().Max
	}
	if retryCount < 1 {
		retryCount = 1
	}

	delay := b.Base
	for i := 1; i < retryCount && delay < b.Max; i++ {
		delay *= 2
	}

	switch hint.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		delay *= 3
	case http.StatusInternalServerError:
		delay *= 2
	}

	if delay > b.Max {
		delay = b.Max
	}
	return delay
}
