// Package middleware – security headers
//
// This file sets conservative response headers for a JSON API: nosniff,
// frame denial, referrer and permissions policies, optional HSTS on HTTPS
// requests, and no-store caching.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures SecurityHeaders.
type SecurityOptions struct {
	EnableHSTS   bool          // only when HTTPS end-to-end
	HSTSMaxAge   time.Duration // defaults to 180 days
	NoStore      bool          // Cache-Control: no-store
	EnablePolicy bool          // Permissions-Policy and friends
}

// SecurityHeaders sets API hardening headers. Queue and rider payloads carry
// live operational data, so the console router enables NoStore.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}
		if opt.NoStore {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		// Browser clients need to read the correlation id and replay marker.
		for _, name := range []string{requestIDHeader, "Idempotency-Replayed"} {
			exposeHeader(h, name)
		}

		c.Next()
	}
}

func exposeHeader(h http.Header, name string) {
	const hdr = "Access-Control-Expose-Headers"
	cur := h.Get(hdr)
	switch {
	case cur == "":
		h.Set(hdr, name)
	case !strings.Contains(cur, name):
		h.Set(hdr, cur+", "+name)
	}
}

// isHTTPS honours X-Forwarded-Proto from a reverse proxy.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
