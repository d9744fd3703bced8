// Package handlers – session endpoints
//
// This file serves the per-session state the UI polls: alerts, realtime
// channel status and reconnect, and the visibility switch that pauses
// fallback polling.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/ops-console-sync/internal/domain"
	"github.com/tbourn/ops-console-sync/internal/realtime"
)

// VisibilityRequest reports whether the operator can see the console.
type VisibilityRequest struct {
	Visible *bool `json:"visible" binding:"required"`
}

// VisibilityResponse is the poller state after a visibility change.
type VisibilityResponse struct {
	Visible bool `json:"visible"`
	Polling bool `json:"polling"`
}

// ListAlerts godoc
// @Summary     Recent console alerts
// @Description Sticky alerts (e.g. realtime unavailable) first, then newest first.
// @Tags        session
// @Produce     json
// @Success     200 {array} domain.Notification
// @Router      /alerts [get]
func (h *Handlers) ListAlerts(c *gin.Context) {
	list := h.alerts.List()
	if list == nil {
		list = []domain.Notification{}
	}
	ok(c, http.StatusOK, list)
}

// RealtimeStatus godoc
// @Summary     Realtime channel state
// @Tags        session
// @Produce     json
// @Success     200 {object} realtime.Status
// @Router      /realtime/status [get]
func (h *Handlers) RealtimeStatus(c *gin.Context) {
	if h.realtime == nil {
		ok(c, http.StatusOK, realtime.Status{Rooms: []string{}})
		return
	}
	st := h.realtime.Status()
	if st.Rooms == nil {
		st.Rooms = []string{}
	}
	ok(c, http.StatusOK, st)
}

// ReconnectRealtime godoc
// @Summary     Retry the realtime channel
// @Description Starts a fresh dial cycle after the channel gave up. Answers with the state right after the request.
// @Tags        session
// @Produce     json
// @Success     202 {object} realtime.Status
// @Failure     409 {object} ErrorResponse
// @Router      /realtime/reconnect [post]
func (h *Handlers) ReconnectRealtime(c *gin.Context) {
	if h.realtime == nil {
		fail(c, http.StatusConflict, ErrCodeConflict, "realtime is not configured")
		return
	}
	h.realtime.Connect()
	st := h.realtime.Status()
	if st.Rooms == nil {
		st.Rooms = []string{}
	}
	ok(c, http.StatusAccepted, st)
}

// SetVisibility godoc
// @Summary     Pause or resume fallback polling
// @Description Hidden consoles skip poll ticks; becoming visible refreshes at once while polling is active.
// @Tags        session
// @Accept      json
// @Produce     json
// @Param       body body VisibilityRequest true "Visibility"
// @Success     200 {object} VisibilityResponse
// @Failure     400 {object} ErrorResponse
// @Router      /session/visibility [post]
func (h *Handlers) SetVisibility(c *gin.Context) {
	var req VisibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "visible is required")
		return
	}
	h.poller.SetVisible(*req.Visible)
	ok(c, http.StatusOK, VisibilityResponse{Visible: h.poller.Visible(), Polling: h.poller.Running()})
}
