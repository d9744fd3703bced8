// Package realtime – reconnect backoff
//
// This file computes the delay between failed dials: exponential from the
// configured base, capped at the configured maximum, with no jitter so tests
// can predict it.
package realtime

import "time"

// backoff returns the wait after the given failed attempt (1-based):
// base * 2^(attempt-1), capped at max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		return max
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}
