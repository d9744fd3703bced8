// Package handlers – dispatch endpoints
//
// This file serves the unassigned queue, rider roster, sort mode, refresh,
// and manual, batch and automatic assignment. Assignment answers are
// recorded under the request's Idempotency-Key so a retried request gets the
// first outcome instead of a second assignment.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/ops-console-sync/internal/dispatch"
	"github.com/tbourn/ops-console-sync/internal/domain"
	"github.com/tbourn/ops-console-sync/internal/http/middleware"
)

// QueueResponse is one page of the unassigned queue in display order.
type QueueResponse struct {
	Orders     []domain.Order `json:"orders"`
	Sort       string         `json:"sort" example:"sla"`
	Pagination Pagination     `json:"pagination"`
}

// SortRequest changes the queue sort mode.
type SortRequest struct {
	Mode string `json:"mode" binding:"required" example:"priority"`
}

// AssignRequest assigns the path order to a rider.
type AssignRequest struct {
	RiderID     string `json:"rider_id" binding:"required" example:"r-12"`
	OverrideSLA bool   `json:"override_sla"`
}

// AssignResponse confirms an assignment.
type AssignResponse struct {
	OrderID string `json:"order_id" example:"o-981"`
	RiderID string `json:"rider_id" example:"r-12"`
	Status  string `json:"status" example:"assigned"`
}

// BatchAssignRequest assigns several orders to one rider.
type BatchAssignRequest struct {
	OrderIDs []string `json:"order_ids" binding:"required,min=1"`
	RiderID  string   `json:"rider_id" binding:"required"`
}

// AutoAssignRequest hands orders to the backend matcher.
type AutoAssignRequest struct {
	OrderIDs []string `json:"order_ids" binding:"required,min=1"`
}

// GetQueue godoc
// @Summary     Unassigned order queue
// @Description Orders waiting for a rider, in the current sort order. New orders are appended until the next sort change or refresh.
// @Tags        dispatch
// @Produce     json
// @Param       page       query int false "Page (1-based)"
// @Param       page_size  query int false "Page size (max 100)"
// @Success     200 {object} QueueResponse
// @Router      /dispatch/queue [get]
func (h *Handlers) GetQueue(c *gin.Context) {
	page, size := clampPagination(c)
	orders, total := h.dispatch.QueuePage(page, size)
	ok(c, http.StatusOK, QueueResponse{
		Orders:     orders,
		Sort:       string(h.dispatch.SortMode()),
		Pagination: newPagination(page, size, total),
	})
}

// SetSort godoc
// @Summary     Change queue sort mode
// @Tags        dispatch
// @Accept      json
// @Produce     json
// @Param       body body SortRequest true "sla | created | priority"
// @Success     200 {object} QueueResponse
// @Failure     400 {object} ErrorResponse
// @Router      /dispatch/queue/sort [put]
func (h *Handlers) SetSort(c *gin.Context) {
	var req SortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "mode is required")
		return
	}
	mode, err := dispatch.ParseSortMode(strings.ToLower(strings.TrimSpace(req.Mode)))
	if err == nil {
		err = h.dispatch.SetSort(mode)
	}
	if err != nil {
		failErr(c, err)
		return
	}
	h.GetQueue(c)
}

// Refresh godoc
// @Summary     Reload riders and the unassigned queue from the backend
// @Tags        dispatch
// @Success     204
// @Failure     502 {object} ErrorResponse
// @Router      /dispatch/refresh [post]
func (h *Handlers) Refresh(c *gin.Context) {
	if err := h.dispatch.Refresh(c.Request.Context()); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// ListRiders godoc
// @Summary     Riders with status, load and capacity
// @Tags        dispatch
// @Produce     json
// @Success     200 {array} domain.Rider
// @Router      /dispatch/riders [get]
func (h *Handlers) ListRiders(c *gin.Context) {
	ok(c, http.StatusOK, h.dispatch.RiderList())
}

// AssignOrder godoc
// @Summary     Assign an order to a rider
// @Description Applied to the console immediately and rolled back if the backend rejects it. Capacity and offline checks are skipped with override_sla.
// @Tags        dispatch
// @Accept      json
// @Produce     json
// @Param       id               path   string        true  "Order ID"
// @Param       Idempotency-Key  header string        false "Key for safe retries"
// @Param       body             body   AssignRequest true  "Rider"
// @Success     200 {object} AssignResponse
// @Failure     400 {object} ErrorResponse
// @Failure     404 {object} ErrorResponse
// @Failure     409 {object} ErrorResponse
// @Failure     502 {object} ErrorResponse
// @Failure     504 {object} ErrorResponse
// @Router      /orders/{id}/assign [post]
func (h *Handlers) AssignOrder(c *gin.Context) {
	ctx := c.Request.Context()
	orderID := c.Param("id")
	operator := middleware.OperatorFrom(c)
	key, hasKey := middleware.GetIdempotencyKey(c)

	if hasKey && h.idem != nil && middleware.IsReplay(c) {
		rec, err := h.idem.Get(ctx, operator, orderID, key, time.Now().UTC())
		if err == nil && rec != nil {
			c.Header("Idempotency-Replayed", "true")
			c.Data(rec.Status, "application/json; charset=utf-8", []byte(rec.Body))
			c.Abort()
			return
		}
	}

	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "rider_id is required")
		return
	}

	var (
		status = http.StatusOK
		body   any
		errRes *ErrorResponse
	)
	if err := h.dispatch.AssignOrder(ctx, orderID, req.RiderID, req.OverrideSLA); err != nil {
		var code string
		status, code = classify(err)
		errRes = &ErrorResponse{RequestID: c.Writer.Header().Get("X-Request-ID"), Code: code, Message: err.Error()}
		body = errRes
	} else {
		body = AssignResponse{OrderID: orderID, RiderID: req.RiderID, Status: string(domain.OrderAssigned)}
	}

	// Only definitive outcomes are recorded; 5xx and cancellations stay retryable.
	if hasKey && h.idem != nil && status < http.StatusInternalServerError && status != statusClientClosed {
		if raw, err := json.Marshal(body); err == nil {
			if err := h.idem.Put(ctx, operator, orderID, key, status, string(raw)); err != nil {
				middleware.LoggerFrom(c).Warn().Err(err).Str("order_id", orderID).Msg("record idempotency")
			}
		}
	}

	if errRes != nil {
		fail(c, status, errRes.Code, errRes.Message)
		return
	}
	ok(c, status, body)
}

// BatchAssign godoc
// @Summary     Assign several orders to one rider
// @Description Orders are assigned one after another; failures are reported per order and successes kept.
// @Tags        dispatch
// @Accept      json
// @Produce     json
// @Param       body body BatchAssignRequest true "Orders and rider"
// @Success     200 {object} dispatch.BatchResult
// @Failure     400 {object} ErrorResponse
// @Router      /dispatch/batch-assign [post]
func (h *Handlers) BatchAssign(c *gin.Context) {
	var req BatchAssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "order_ids and rider_id are required")
		return
	}
	res, err := h.dispatch.BatchAssign(c.Request.Context(), req.OrderIDs, req.RiderID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// AutoAssign godoc
// @Summary     Let the backend match riders to orders
// @Tags        dispatch
// @Accept      json
// @Produce     json
// @Param       body body AutoAssignRequest true "Orders"
// @Success     200 {object} dispatch.AutoAssignResult
// @Failure     400 {object} ErrorResponse
// @Failure     502 {object} ErrorResponse
// @Router      /dispatch/auto-assign [post]
func (h *Handlers) AutoAssign(c *gin.Context) {
	var req AutoAssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "order_ids is required")
		return
	}
	res, err := h.dispatch.AutoAssign(c.Request.Context(), req.OrderIDs)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}
