// Package domain – idempotency model
package domain

import "time"

// Idempotency records the outcome of a console mutation keyed by
// (operator_id, scope, key), where scope is the target entity id. A retry
// with the same Idempotency-Key replays Body/Status instead of re-running the
// optimistic mutation.
type Idempotency struct {
	ID         string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	OperatorID string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_operator_scope_key,priority:1"`
	Scope      string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_operator_scope_key,priority:2"`
	Key        string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_operator_scope_key,priority:3"`
	Status     int       `gorm:"type:INTEGER NOT NULL"`
	Body       string    `gorm:"type:TEXT NOT NULL"`
	CreatedAt  time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt  time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
