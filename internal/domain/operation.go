// Package domain – optimistic operations
//
// The record of a pending optimistic change: its snapshot before and after
// the apply, for the pending list and for rollback.
package domain

import "time"

// OperationStatus tracks an optimistic mutation through its lifecycle.
type OperationStatus string

const (
	OpPending    OperationStatus = "pending"
	OpConfirmed  OperationStatus = "confirmed"
	OpRolledBack OperationStatus = "rolled_back"
)

// Operation records one optimistic mutation of one entity. Before holds the
// value restored on rollback; After is the optimistic value. Existed is false
// when the mutation inserted the entity, in which case rollback removes it.
type Operation struct {
	Seq        uint64          `json:"seq"`
	Label      string          `json:"label"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Before     any             `json:"before,omitempty"`
	After      any             `json:"after,omitempty"`
	Existed    bool            `json:"existed"`
	Status     OperationStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
}

// Key identifies the entity an operation targets.
func (o Operation) Key() string { return o.EntityType + ":" + o.EntityID }
