// Package domain defines the entities the console keeps in memory and in its
// durable store: delivery orders, riders, vendors, the optimistic operation
// record, and user-facing notifications. Order, Rider and Vendor mirror the
// dispatch backend's wire format (camelCase JSON); they are value types so a
// copy is a complete snapshot.
package domain

import (
	"errors"
	"time"
)

// Entity types used to key optimistic operations and notifications.
const (
	EntityOrder  = "order"
	EntityRider  = "rider"
	EntityVendor = "vendor"
)

// OrderStatus is the lifecycle state of a delivery order.
type OrderStatus string

const (
	OrderUnassigned OrderStatus = "unassigned"
	OrderAssigned   OrderStatus = "assigned"
	OrderPickedUp   OrderStatus = "picked_up"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
)

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderUnassigned, OrderAssigned, OrderPickedUp, OrderDelivered, OrderCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool { return s == OrderDelivered || s == OrderCancelled }

// Active reports whether the order holds a rider slot.
func (s OrderStatus) Active() bool { return s == OrderAssigned || s == OrderPickedUp }

// Priority ranks orders for the priority sort mode.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns a larger number for more urgent priorities. Unknown values
// rank with normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Location is a pickup or drop point.
type Location struct {
	Address string  `json:"address,omitempty"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

// Order is a delivery order as seen by the dispatch console.
type Order struct {
	ID          string      `json:"id"`
	Status      OrderStatus `json:"status"`
	Priority    Priority    `json:"priority"`
	RiderID     string      `json:"riderId,omitempty"`
	Zone        string      `json:"zone,omitempty"`
	SLADeadline time.Time   `json:"slaDeadline"`
	Pickup      Location    `json:"pickup"`
	Drop        Location    `json:"drop"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// ErrOrderRiderMismatch reports a violation of the status/rider invariant.
var ErrOrderRiderMismatch = errors.New("order status and rider reference disagree")

// EntityID implements state.Entity.
func (o Order) EntityID() string { return o.ID }

// Clone implements state.Entity. Order has no reference fields.
func (o Order) Clone() Order { return o }

// CheckInvariant verifies that an unassigned order has no rider and that an
// active order has one.
func (o Order) CheckInvariant() error {
	switch {
	case o.Status == OrderUnassigned && o.RiderID != "":
		return ErrOrderRiderMismatch
	case o.Status.Active() && o.RiderID == "":
		return ErrOrderRiderMismatch
	}
	return nil
}

// RiderStatus is the availability of a rider.
type RiderStatus string

const (
	RiderOnline  RiderStatus = "online"
	RiderOffline RiderStatus = "offline"
	RiderBusy    RiderStatus = "busy"
	RiderIdle    RiderStatus = "idle"
)

// GeoPoint is an optional rider position.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Rider is a delivery rider with a bounded number of concurrent orders.
type Rider struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Status      RiderStatus `json:"status"`
	Load        int         `json:"currentLoad"`
	MaxCapacity int         `json:"maxCapacity"`
	Zone        string      `json:"zone,omitempty"`
	Location    *GeoPoint   `json:"location,omitempty"`
}

// EntityID implements state.Entity.
func (r Rider) EntityID() string { return r.ID }

// Clone implements state.Entity; the location pointer is copied.
func (r Rider) Clone() Rider {
	if r.Location != nil {
		loc := *r.Location
		r.Location = &loc
	}
	return r
}

// HasCapacity reports whether the rider can take one more order.
func (r Rider) HasCapacity() bool { return r.Load < r.MaxCapacity }

// VendorStatus is the onboarding state of a vendor.
type VendorStatus string

const (
	VendorInvited  VendorStatus = "invited"
	VendorPending  VendorStatus = "pending"
	VendorApproved VendorStatus = "approved"
	VendorRejected VendorStatus = "rejected"
)

// Valid reports whether s is a known vendor status.
func (s VendorStatus) Valid() bool {
	switch s {
	case VendorInvited, VendorPending, VendorApproved, VendorRejected:
		return true
	}
	return false
}

// Vendor is a record in the vendor onboarding queue.
type Vendor struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Email     string       `json:"email"`
	Status    VendorStatus `json:"status"`
	InvitedAt time.Time    `json:"invitedAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// EntityID implements state.Entity.
func (v Vendor) EntityID() string { return v.ID }

// Clone implements state.Entity.
func (v Vendor) Clone() Vendor { return v }
