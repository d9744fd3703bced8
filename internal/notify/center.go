// Package notify collects user-visible, non-blocking notifications (toasts)
// produced by the sync core: rollbacks, realtime outages, failed refreshes.
// The console UI reads them over HTTP; nothing here blocks the caller.
//
// Semantics:
//   - Transient notifications live in a ring of fixed capacity; the oldest
//     fall out first.
//   - Sticky notifications (e.g. realtime unavailable) are kept per kind, a
//     new one replacing the old, until ClearSticky.
//   - Subscribers run synchronously inside Push, after the list is updated.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/ops-console-sync/internal/domain"
)

var notificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "console_notifications_total",
		Help: "User-visible notifications raised, by kind and level.",
	},
	[]string{"kind", "level"},
)

func init() {
	prometheus.MustRegister(notificationsTotal)
}

// Center is a bounded, newest-first notification list. Sticky notifications
// are kept apart from the ring and replaced per kind.
type Center struct {
	capacity int
	log      zerolog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	ring   []domain.Notification // newest first, at most capacity
	sticky map[string]domain.Notification

	// smu guards subscribers separately so callbacks never run under mu.
	smu  sync.Mutex
	subs map[int]func(domain.Notification)
	next int
}

// NewCenter returns a Center holding at most capacity transient notifications.
func NewCenter(capacity int) *Center {
	if capacity < 1 {
		capacity = 1
	}
	return &Center{
		capacity: capacity,
		log:      log.With().Str("component", "notify").Logger(),
		now:      time.Now,
		sticky:   make(map[string]domain.Notification),
		subs:     make(map[int]func(domain.Notification)),
	}
}

// Push records n, filling ID and At when empty, and returns the stored copy.
func (c *Center) Push(n domain.Notification) domain.Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.At.IsZero() {
		n.At = c.now().UTC()
	}
	if n.Level == "" {
		n.Level = domain.LevelInfo
	}

	c.mu.Lock()
	if n.Sticky {
		c.sticky[n.Kind] = n
	} else {
		c.ring = append(c.ring, n)
		if len(c.ring) > c.capacity {
			c.ring = c.ring[len(c.ring)-c.capacity:]
		}
	}
	c.mu.Unlock()

	notificationsTotal.WithLabelValues(n.Kind, n.Level).Inc()
	ev := c.log.Info()
	if n.Level == domain.LevelError {
		ev = c.log.Warn()
	}
	ev.Str("kind", n.Kind).Str("entity_id", n.EntityID).Msg(n.Message)

	c.smu.Lock()
	fns := make([]func(domain.Notification), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.smu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
	return n
}

// Error is shorthand for an error-level, entity-scoped notification.
func (c *Center) Error(kind, msg, entityType, entityID string) domain.Notification {
	return c.Push(domain.Notification{
		Level:      domain.LevelError,
		Kind:       kind,
		Message:    msg,
		EntityType: entityType,
		EntityID:   entityID,
	})
}

// ClearSticky removes the sticky notification of kind. It reports whether
// one was present.
func (c *Center) ClearSticky(kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sticky[kind]; !ok {
		return false
	}
	delete(c.sticky, kind)
	return true
}

// List returns sticky notifications first, then transient ones newest first.
func (c *Center) List() []domain.Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Notification, 0, len(c.sticky)+len(c.ring))
	for _, n := range c.sticky {
		out = append(out, n)
	}
	for i := len(c.ring) - 1; i >= 0; i-- {
		out = append(out, c.ring[i])
	}
	return out
}

// Subscribe registers fn for every pushed notification.
func (c *Center) Subscribe(fn func(domain.Notification)) (cancel func()) {
	c.smu.Lock()
	id := c.next
	c.next++
	c.subs[id] = fn
	c.smu.Unlock()
	return func() {
		c.smu.Lock()
		delete(c.subs, id)
		c.smu.Unlock()
	}
}
