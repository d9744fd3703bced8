// Package dispatch – errors
//
// Sentinel errors for checks the engine makes locally. The HTTP layer maps
// each to its own stable error code.
package dispatch

import "errors"

// Local validation failures. These reject an assignment before any network
// call is made.
var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderNotAssignable = errors.New("order is not unassigned")
	ErrRiderNotFound      = errors.New("rider not found")
	ErrRiderAtCapacity    = errors.New("rider has no spare capacity")
	ErrRiderOffline       = errors.New("rider is offline")
	ErrInvalidSortMode    = errors.New("invalid sort mode")
	ErrNoOrders           = errors.New("no orders given")
)
