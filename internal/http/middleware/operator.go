// Package middleware – operator identity
//
// This file resolves which operator issued a request: a bearer token read by
// the injected parser, then X-Operator-ID, then the session the process was
// started with. The result labels logs and scopes idempotency records. It is
// not an authorization decision; the console API serves its own local UI.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const operatorKey = "operatorID"

// OperatorParser maps an Authorization header value to an operator id.
type OperatorParser func(authorization string) (string, error)

// Operator resolves the operator issuing the request and stores it under
// "operatorID". A bearer token is parsed with parse and must be valid; without
// one the X-Operator-ID header is used, then fallback (the session the
// console process was started with).
func Operator(fallback string, parse OperatorParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth := strings.TrimSpace(c.GetHeader("Authorization")); auth != "" && parse != nil {
			id, err := parse(auth)
			if err != nil || id == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"request_id": c.Writer.Header().Get(requestIDHeader),
					"code":       "unauthorized",
					"message":    "invalid session token",
				})
				return
			}
			c.Set(operatorKey, id)
			c.Next()
			return
		}
		id := strings.TrimSpace(c.GetHeader("X-Operator-ID"))
		if id == "" {
			id = fallback
		}
		if id != "" {
			c.Set(operatorKey, id)
		}
		c.Next()
	}
}

// OperatorFrom returns the operator id set by Operator, or "".
func OperatorFrom(c *gin.Context) string {
	if v, ok := c.Get(operatorKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
