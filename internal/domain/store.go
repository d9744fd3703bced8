// Package domain – store entries
//
// The durable key/value row behind collection snapshots and the sync
// sentinel. Version increases by one on every write.
package domain

import "time"

// StoreEntry is one key of the durable local store. Collections are stored
// as JSON array snapshots under "collection:<name>"; the sync sentinel is a
// single row whose Version bump is the change signal.
type StoreEntry struct {
	Key       string    `gorm:"type:varchar(191);primaryKey"`
	Value     string    `gorm:"type:text;not null;default:''"`
	Version   int64     `gorm:"not null;default:0"`
	Origin    string    `gorm:"type:varchar(64);not null;default:''"`
	UpdatedAt time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (StoreEntry) TableName() string { return "store_entries" }
