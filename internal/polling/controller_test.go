package polling

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tbourn/ops-console-sync/internal/domain"
	"github.com/tbourn/ops-console-sync/internal/notify"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestController_TicksWhileRunning(t *testing.T) {
	var n atomic.Int32
	c := New(5*time.Millisecond, 1, func(context.Context) error { n.Add(1); return nil }, nil)
	c.Start(context.Background())
	c.Start(context.Background())
	waitFor(t, "ticks", func() bool { return n.Load() >= 2 })
	c.Stop()
	c.Stop()

	stopped := n.Load()
	time.Sleep(20 * time.Millisecond)
	if n.Load() != stopped || c.Running() {
		t.Fatalf("refreshes continued after Stop")
	}
}

func TestController_HiddenPausesAndVisibleRefreshesNow(t *testing.T) {
	var n atomic.Int32
	c := New(time.Hour, 1, func(context.Context) error { n.Add(1); return nil }, nil)
	c.SetVisible(false)
	c.Start(context.Background())
	defer c.Stop()

	if c.Visible() {
		t.Fatalf("visibility not recorded")
	}
	c.SetVisible(true)
	waitFor(t, "immediate refresh", func() bool { return n.Load() == 1 })
	c.SetVisible(true)
	time.Sleep(10 * time.Millisecond)
	if n.Load() != 1 {
		t.Fatalf("staying visible must not refresh again")
	}
}

func TestController_HiddenSkipsTicks(t *testing.T) {
	var n atomic.Int32
	c := New(2*time.Millisecond, 1, func(context.Context) error { n.Add(1); return nil }, nil)
	c.SetVisible(false)
	c.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	c.Stop()
	if n.Load() != 0 {
		t.Fatalf("refreshed %d times while hidden", n.Load())
	}
}

func TestController_TriggerIsThrottled(t *testing.T) {
	var n atomic.Int32
	c := New(time.Hour, 0.001, func(context.Context) error { n.Add(1); return nil }, nil)
	if c.Trigger() {
		t.Fatalf("trigger must fail while stopped")
	}
	c.Start(context.Background())
	defer c.Stop()

	if !c.Trigger() {
		t.Fatalf("first trigger should pass")
	}
	if c.Trigger() {
		t.Fatalf("second trigger should be throttled")
	}
	waitFor(t, "triggered refresh", func() bool { return n.Load() == 1 })
}

func TestController_FailureNotifiesOncePerOutage(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var n atomic.Int32
	center := notify.NewCenter(10)
	c := New(2*time.Millisecond, 1, func(context.Context) error {
		n.Add(1)
		if fail.Load() {
			return errors.New("backend down")
		}
		return nil
	}, center)
	c.Start(context.Background())
	waitFor(t, "several failures", func() bool { return n.Load() >= 3 })
	fail.Store(false)
	at := n.Load()
	waitFor(t, "recovery", func() bool { return n.Load() >= at+2 })
	c.Stop()

	alerts := center.List()
	if len(alerts) != 1 || alerts[0].Kind != domain.KindPollFailed {
		t.Fatalf("alerts = %+v", alerts)
	}
}
