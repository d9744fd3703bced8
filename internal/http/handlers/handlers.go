// Package handlers – wiring
//
// This file declares the narrow service interfaces the handlers depend on
// and the Handlers value that groups them, so each endpoint can be tested
// against fakes.
package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/ops-console-sync/internal/dispatch"
	"github.com/tbourn/ops-console-sync/internal/domain"
	"github.com/tbourn/ops-console-sync/internal/realtime"
)

// DispatchService is the assignment engine as seen by the API.
type DispatchService interface {
	QueuePage(page, pageSize int) ([]domain.Order, int)
	SortMode() dispatch.SortMode
	SetSort(mode dispatch.SortMode) error
	Refresh(ctx context.Context) error
	RiderList() []domain.Rider
	AssignOrder(ctx context.Context, orderID, riderID string, overrideSLA bool) error
	BatchAssign(ctx context.Context, orderIDs []string, riderID string) (dispatch.BatchResult, error)
	AutoAssign(ctx context.Context, orderIDs []string) (dispatch.AutoAssignResult, error)
}

// VendorService is the vendor onboarding queue.
type VendorService interface {
	List() []domain.Vendor
	Invite(ctx context.Context, name, email string) (domain.Vendor, error)
	UpdateStatus(ctx context.Context, id string, status domain.VendorStatus) (domain.Vendor, error)
}

// AlertFeed lists recent notifications.
type AlertFeed interface {
	List() []domain.Notification
}

// RealtimeChannel reports the push channel state and restarts it after an
// outage. Connect is a no-op while the channel is already trying.
type RealtimeChannel interface {
	Status() realtime.Status
	Connect()
}

// Visibility drives the fallback poller.
type Visibility interface {
	SetVisible(v bool)
	Visible() bool
	Running() bool
}

// IdempotencyStore records mutation outcomes per (operator, scope, key).
// Get returns a nil record and no error when nothing is recorded.
type IdempotencyStore interface {
	Get(ctx context.Context, operatorID, scope, key string, now time.Time) (*domain.Idempotency, error)
	Put(ctx context.Context, operatorID, scope, key string, status int, body string) error
}

// Handlers groups the console endpoints. Any dependency may be nil in tests
// that do not touch its routes.
type Handlers struct {
	dispatch DispatchService
	vendors  VendorService
	alerts   AlertFeed
	realtime RealtimeChannel
	poller   Visibility
	idem     IdempotencyStore
}

// Deps bundles the services New wires.
type Deps struct {
	Dispatch    DispatchService
	Vendors     VendorService
	Alerts      AlertFeed
	Realtime    RealtimeChannel
	Poller      Visibility
	Idempotency IdempotencyStore
}

// New constructs Handlers.
func New(d Deps) *Handlers {
	return &Handlers{
		dispatch: d.Dispatch,
		vendors:  d.Vendors,
		alerts:   d.Alerts,
		realtime: d.Realtime,
		poller:   d.Poller,
		idem:     d.Idempotency,
	}
}

// Pagination carries paging metadata for list responses.
type Pagination struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
}

func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = atoiDefault(c.Query("page"), 1)
	if page < 1 {
		page = 1
	}
	pageSize = atoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

func newPagination(page, pageSize, total int) Pagination {
	pages := (total + pageSize - 1) / pageSize
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: pages,
		HasNext:    page < pages,
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func failErr(c *gin.Context, err error) {
	status, code := classify(err)
	fail(c, status, code, err.Error())
}
