package notify

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tbourn/ops-console-sync/internal/domain"
)

func TestCenter_PushFillsDefaults(t *testing.T) {
	c := NewCenter(5)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	n := c.Push(domain.Notification{Kind: domain.KindAssignment, Message: "ok"})
	if n.ID == "" || !n.At.Equal(fixed) || n.Level != domain.LevelInfo {
		t.Fatalf("defaults not applied: %+v", n)
	}
}

func TestCenter_BoundedNewestFirst(t *testing.T) {
	c := NewCenter(2)
	c.Push(domain.Notification{Kind: "k", Message: "1"})
	c.Push(domain.Notification{Kind: "k", Message: "2"})
	c.Push(domain.Notification{Kind: "k", Message: "3"})

	got := c.List()
	if len(got) != 2 || got[0].Message != "3" || got[1].Message != "2" {
		t.Fatalf("unexpected list: %+v", got)
	}
}

func TestCenter_StickyReplacedPerKindAndCleared(t *testing.T) {
	c := NewCenter(3)
	c.Push(domain.Notification{Kind: domain.KindRealtimeUnavailable, Sticky: true, Message: "first"})
	c.Push(domain.Notification{Kind: domain.KindRealtimeUnavailable, Sticky: true, Message: "second"})
	c.Push(domain.Notification{Kind: domain.KindRollback, Message: "toast"})

	got := c.List()
	if len(got) != 2 || got[0].Message != "second" || got[1].Message != "toast" {
		t.Fatalf("unexpected list: %+v", got)
	}
	if !c.ClearSticky(domain.KindRealtimeUnavailable) || c.ClearSticky(domain.KindRealtimeUnavailable) {
		t.Fatalf("ClearSticky should succeed exactly once")
	}
	if len(c.List()) != 1 {
		t.Fatalf("sticky not removed")
	}
}

func TestCenter_ErrorAndSubscribe(t *testing.T) {
	c := NewCenter(3)
	var seen []domain.Notification
	cancel := c.Subscribe(func(n domain.Notification) { seen = append(seen, n) })

	before := testutil.ToFloat64(notificationsTotal.WithLabelValues(domain.KindRollback, domain.LevelError))
	n := c.Error(domain.KindRollback, "assignment failed", domain.EntityOrder, "o1")
	cancel()
	c.Error(domain.KindRollback, "again", domain.EntityOrder, "o2")

	if n.Level != domain.LevelError || n.EntityID != "o1" || n.EntityType != domain.EntityOrder {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if len(seen) != 1 || seen[0].ID != n.ID {
		t.Fatalf("subscriber saw %+v", seen)
	}
	after := testutil.ToFloat64(notificationsTotal.WithLabelValues(domain.KindRollback, domain.LevelError))
	if after-before != 2 {
		t.Fatalf("counter delta = %v; want 2", after-before)
	}
}

func TestNewCenter_MinCapacity(t *testing.T) {
	c := NewCenter(0)
	c.Push(domain.Notification{Kind: "k", Message: "a"})
	c.Push(domain.Notification{Kind: "k", Message: "b"})
	if got := c.List(); len(got) != 1 || got[0].Message != "b" {
		t.Fatalf("capacity floor not applied: %+v", got)
	}
}
