// Package handlers exposes the console's sync core over JSON.
//
// Every error is an ErrorResponse with a stable snake_case code (errors.go),
// written through fail so 5xx responses are logged with the request logger.
//
//	HTTP/1.1 409 Conflict
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "rider_at_capacity",
//	  "message": "rider has no spare capacity: r-2 at 3/3"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/ops-console-sync/internal/http/middleware"
)

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	// Echo of X-Request-ID
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go)
	Code string `json:"code" example:"not_found"`
	// Human-readable message
	Message string `json:"message" example:"order not found"`
}

func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, resp)
}

// Fail is fail for the router's NoRoute/NoMethod handlers.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
