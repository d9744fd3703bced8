// Package dispatch – REST backend
//
// This file is the HTTP client for the dispatch backend: paginated
// unassigned orders, the map snapshot of riders and orders, manual and
// automatic assignment. Requests carry the session token and the current
// trace context.
//
// Errors: non-2xx answers become *APIError carrying the backend's message;
// transport, read and decode failures are wrapped with method and path.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/tbourn/ops-console-sync/internal/domain"
)

// APIError is a non-2xx answer from the dispatch backend. Message carries the
// backend's {message} body when present.
type APIError struct {
	Status  int
	Message string
}

// Error prefers the backend's message over the bare status.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("dispatch backend: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("dispatch backend: %s", e.Message)
}

// OrderPage is one page of GET /dispatch/unassigned-orders.
type OrderPage struct {
	Data  []domain.Order `json:"data"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}

// MapData is the combined riders and orders snapshot of GET /dispatch/map-data.
type MapData struct {
	Riders []domain.Rider `json:"riders"`
	Orders []domain.Order `json:"orders"`
}

// AssignRequest is the body of POST /dispatch/assign.
type AssignRequest struct {
	OrderID     string `json:"orderId"`
	RiderID     string `json:"riderId"`
	OverrideSLA bool   `json:"overrideSla"`
}

// AutoAssignResult is the answer of POST /dispatch/auto-assign.
type AutoAssignResult struct {
	Assigned int `json:"assigned"`
	Failed   int `json:"failed"`
}

// Backend is the dispatch REST backend.
type Backend interface {
	UnassignedOrders(ctx context.Context, page, limit int) (OrderPage, error)
	MapData(ctx context.Context) (MapData, error)
	Assign(ctx context.Context, req AssignRequest) error
	AutoAssign(ctx context.Context, orderIDs []string) (AutoAssignResult, error)
}

// HTTPBackend talks to the dispatch backend over HTTP with the session's
// bearer token.
type HTTPBackend struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPBackend returns a client for baseURL (e.g. "http://host/api").
func NewHTTPBackend(baseURL, token string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// UnassignedOrders fetches one page of GET /dispatch/unassigned-orders.
func (b *HTTPBackend) UnassignedOrders(ctx context.Context, page, limit int) (OrderPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	var out OrderPage
	err := b.do(ctx, http.MethodGet, "/dispatch/unassigned-orders?"+q.Encode(), nil, &out)
	return out, err
}

// MapData fetches GET /dispatch/map-data.
func (b *HTTPBackend) MapData(ctx context.Context) (MapData, error) {
	var out MapData
	err := b.do(ctx, http.MethodGet, "/dispatch/map-data", nil, &out)
	return out, err
}

// Assign posts a manual assignment to /dispatch/assign.
func (b *HTTPBackend) Assign(ctx context.Context, req AssignRequest) error {
	return b.do(ctx, http.MethodPost, "/dispatch/assign", req, nil)
}

// AutoAssign asks the backend matcher to assign orderIDs.
func (b *HTTPBackend) AutoAssign(ctx context.Context, orderIDs []string) (AutoAssignResult, error) {
	var out AutoAssignResult
	body := struct {
		OrderIDs []string `json:"orderIds"`
	}{OrderIDs: orderIDs}
	err := b.do(ctx, http.MethodPost, "/dispatch/auto-assign", body, &out)
	return out, err
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &e)
		return &APIError{Status: resp.StatusCode, Message: e.Message}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

// IsConflict reports whether err is a backend validation or conflict answer
// (4xx), as opposed to a transient failure.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500
}
