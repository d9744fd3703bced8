// Package domain – notifications
//
// User-facing messages raised by the sync core. Sticky ones describe a
// lasting condition and stay until it clears.
package domain

import "time"

// Notification levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Notification kinds.
const (
	KindRollback            = "rollback"
	KindRealtimeUnavailable = "realtime_unavailable"
	KindRealtimeRestored    = "realtime_restored"
	KindPollFailed          = "poll_failed"
	KindAssignment          = "assignment"
)

// Notification is a non-blocking, user-visible message (a toast). EntityID is
// set when the user can retry the failed action on that entity. Sticky
// notifications describe a lasting condition rather than an event.
type Notification struct {
	ID         string    `json:"id"`
	Level      string    `json:"level"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	EntityType string    `json:"entity_type,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	Sticky     bool      `json:"sticky,omitempty"`
	At         time.Time `json:"at"`
}
