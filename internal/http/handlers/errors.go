// Package handlers – error mapping
//
// This file maps service errors to HTTP statuses and stable codes: local
// rejections to 4xx, backend failures and rollbacks to 502 or 504, and
// anything unrecognised to 500 internal_error.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/tbourn/ops-console-sync/internal/dispatch"
	"github.com/tbourn/ops-console-sync/internal/optimistic"
	"github.com/tbourn/ops-console-sync/internal/vendors"
)

// Stable codes carried in ErrorResponse.Code.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Dispatch and vendor outcomes.
	ErrCodeNotAssignable   = "order_not_assignable"
	ErrCodeRiderAtCapacity = "rider_at_capacity"
	ErrCodeRiderOffline    = "rider_offline"
	ErrCodeRejected        = "rejected_by_backend"
	ErrCodeCommitTimeout   = "commit_timeout"
	ErrCodeBackend         = "backend_unavailable"
	ErrCodeDuplicate       = "duplicate_vendor"
	ErrCodeCanceled        = "request_canceled"
)

// statusClientClosed is nginx's non-standard "client closed request".
const statusClientClosed = 499

// classify maps a core error to (status, code). Local validation failures
// come first; a RollbackError is classified by its cause.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, dispatch.ErrOrderNotFound),
		errors.Is(err, dispatch.ErrRiderNotFound),
		errors.Is(err, vendors.ErrVendorNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, dispatch.ErrOrderNotAssignable):
		return http.StatusConflict, ErrCodeNotAssignable
	case errors.Is(err, dispatch.ErrRiderAtCapacity):
		return http.StatusConflict, ErrCodeRiderAtCapacity
	case errors.Is(err, dispatch.ErrRiderOffline):
		return http.StatusConflict, ErrCodeRiderOffline
	case errors.Is(err, vendors.ErrDuplicateVendor):
		return http.StatusConflict, ErrCodeDuplicate
	case errors.Is(err, dispatch.ErrInvalidSortMode),
		errors.Is(err, dispatch.ErrNoOrders),
		errors.Is(err, vendors.ErrInvalidName),
		errors.Is(err, vendors.ErrInvalidEmail),
		errors.Is(err, vendors.ErrInvalidStatus):
		return http.StatusBadRequest, ErrCodeBadRequest
	case errors.Is(err, optimistic.ErrCommitTimeout):
		return http.StatusGatewayTimeout, ErrCodeCommitTimeout
	case dispatch.IsConflict(err):
		return http.StatusConflict, ErrCodeRejected
	case errors.Is(err, context.Canceled):
		return statusClientClosed, ErrCodeCanceled
	}
	var apiErr *dispatch.APIError
	if errors.As(err, &apiErr) {
		return http.StatusBadGateway, ErrCodeBackend
	}
	var rb *optimistic.RollbackError
	if errors.As(err, &rb) {
		return http.StatusBadGateway, ErrCodeBackend
	}
	return http.StatusInternalServerError, ErrCodeInternal
}
