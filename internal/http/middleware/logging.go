// Package middleware contains the Gin middleware shared by the console API:
// correlation ids, scrubbed access logs, panic recovery, operator identity,
// idempotency keys, rate limiting, metrics and security headers.
//
// Recommended order:
//
//	RequestID() → Logger(opts) → Recovery() → Operator(...) → the rest
//
// so panics and rejected requests are logged with the correlation id and the
// operator that issued them.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey      = "requestID"
	requestIDHeader   = "X-Request-ID"
	loggerKey         = "logger"
	maxQueryLogLength = 2048
)

// RequestID reuses the caller's X-Request-ID or generates a UUID, echoes it on
// the response and stores it in the Gin context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// Logger attaches a request-scoped zerolog.Logger and writes one access log
// line per request once the handler chain returns. Query strings and (when
// enabled) headers are scrubbed first. The level follows the outcome: error
// for 5xx or collected Gin errors, warn for 4xx, info otherwise.
func Logger(opts RedactOptions) gin.HandlerFunc {
	red := newRedactor(opts)
	return func(c *gin.Context) {
		start := time.Now()

		rid, _ := c.Get(requestIDKey)
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		l := log.With().
			Str("request_id", asString(rid)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Logger()
		c.Set(loggerKey, &l)

		c.Next()

		status := c.Writer.Status()
		ev := l.Info()
		switch {
		case len(c.Errors) > 0:
			ev = l.Error().Str("errors", c.Errors.String())
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		}
		if op := OperatorFrom(c); op != "" {
			ev = ev.Str("operator_id", op)
		}
		if opts.LogHeaders {
			ev = ev.Interface("headers", red.headers(c.Request.Header))
		}
		ev.
			Str("query", truncate(red.scrub(c.Request.URL.RawQuery), maxQueryLogLength)).
			Int64("bytes_in", c.Request.ContentLength).
			Int("status", status).
			Int("bytes_out", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// Recovery turns panics into a JSON 500 envelope and logs the stack.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				rid, _ := c.Get(requestIDKey)
				LoggerFrom(c).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				if !c.Writer.Written() {
					c.Header(requestIDHeader, asString(rid))
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"request_id": asString(rid),
						"code":       "internal_error",
						"message":    "internal server error",
					})
					return
				}
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global one when Logger
// is not installed.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate operates on bytes, which is fine for log output.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
