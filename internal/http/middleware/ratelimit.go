// Package middleware – rate limiting
//
// This file implements a process-local token bucket limiter with one bucket
// per key (golang.org/x/time/rate) and opportunistic eviction of idle
// buckets. Replays marked by IdempotencyValidator do not draw tokens.
//
// Buckets are keyed by client address. The operator id is asserted by the
// caller (an unverified bearer or X-Operator-ID), so keying on it would let a
// client mint a fresh bucket per request.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc selects the bucket a request draws from.
type KeyFunc func(*gin.Context) string

// KeyByClientIP keys buckets by the client address gin resolves.
func KeyByClientIP() KeyFunc {
	return func(c *gin.Context) string { return "ip:" + c.ClientIP() }
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a process-local, per-key token bucket limiter. Idle buckets
// are evicted opportunistically every sweepEvery lookups.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn KeyFunc

	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	lookups  uint64
}

const sweepEvery = 5000

// NewRateLimiter builds a limiter; burst values below 1 are raised to 1.
func NewRateLimiter(rps float64, burst int, keyFn KeyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
	}
}

// getVisitor sweeps before touching key so a stale bucket for key is evicted
// rather than refreshed.
func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups >= sweepEvery {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.lookups = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether the request is an idempotent replay.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler enforces the limit, answering 429 with Retry-After: 1. Replays
// marked by IdempotencyValidator do not consume tokens.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) || rl.getVisitor(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
