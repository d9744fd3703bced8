// Package middleware – idempotency keys
//
// This file validates the Idempotency-Key header on unsafe methods, looks up
// whether an outcome is already recorded for (operator, scope, key) and marks
// replays in the context so the handler can answer from the record and the
// rate limiter can let them through.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey carries the client's key for a retryable mutation
// such as POST /orders/:id/assign.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

// GetIdempotencyKey returns the validated key stashed by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether a recorded outcome exists for this request's
// (operator, scope, key).
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	// MaxLen caps the key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters; nil means ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
	// Scope picks the entity a key is bound to. nil means the :id route param,
	// which is the order id for POST /orders/:id/assign.
	Scope func(*gin.Context) string
}

// IdempotencyLookup reports whether an unexpired outcome is recorded for
// (operatorID, scope, key). TTL is enforced by the implementation.
type IdempotencyLookup func(ctx context.Context, operatorID, scope, key string, now time.Time) (exists bool, err error)

// IdempotencyValidator validates the Idempotency-Key header when present,
// stashes it, and marks the request as a replay (and rate-limit exempt) when
// lookup finds a recorded outcome. Handlers decide how to serve the replay.
// Lookup errors are ignored so a store hiccup never blocks a mutation.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}
	scope := opts.Scope
	if scope == nil {
		scope = func(c *gin.Context) string { return c.Param("id") }
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "bad_idempotency_key",
				"message": "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			exists, _ := lookup(c.Request.Context(), OperatorFrom(c), scope(c), key, time.Now().UTC())
			if exists {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}
		c.Next()
	}
}
