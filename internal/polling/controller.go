// Package polling refreshes views on a timer when push updates are not
// available. Refreshes pause while the operator's view is hidden and run
// immediately when it becomes visible again.
//
// Semantics:
//   - At most one refresh runs at a time; ticks that arrive during a refresh
//     are skipped, not queued.
//   - Manual triggers share the loop and are rate limited
//     (golang.org/x/time/rate), so a burst of clicks costs one refresh.
//   - Stop waits for an in-flight refresh before returning.
//
// Errors: refresh failures are logged and counted. The first failure of a
// streak raises one notification; later failures stay quiet until a refresh
// succeeds again.
package polling

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tbourn/ops-console-sync/internal/domain"
	"github.com/tbourn/ops-console-sync/internal/notify"
)

var refreshesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "console_poll_refreshes_total",
		Help: "Fallback refreshes, by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(refreshesTotal)
}

// RefreshFunc reloads the polled views.
type RefreshFunc func(ctx context.Context) error

// Controller runs RefreshFunc every interval while started and visible.
type Controller struct {
	interval time.Duration
	refresh  RefreshFunc
	limiter  *rate.Limiter
	notify   *notify.Center
	log      zerolog.Logger

	mu      sync.Mutex
	visible bool
	cancel  context.CancelFunc
	done    chan struct{}
	failing bool
	wake    chan struct{}
}

// New returns a stopped, visible controller. Manual triggers are limited to
// triggerRPS per second (burst 1); notifications may be nil.
func New(interval time.Duration, triggerRPS float64, refresh RefreshFunc, notifications *notify.Center) *Controller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Controller{
		interval: interval,
		refresh:  refresh,
		limiter:  rate.NewLimiter(rate.Limit(triggerRPS), 1),
		notify:   notifications,
		log:      log.With().Str("component", "polling").Logger(),
		visible:  true,
		wake:     make(chan struct{}, 1),
	}
}

// Start begins periodic refreshes until Stop or ctx ends. It is a no-op when
// already running.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)
	c.log.Info().Dur("interval", c.interval).Msg("polling started")
}

// Stop ends periodic refreshes and waits for an in-flight refresh.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.log.Info().Msg("polling stopped")
}

// Running reports whether periodic refreshes are active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Visible reports the last visibility set.
func (c *Controller) Visible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

// SetVisible pauses refreshes while hidden. Becoming visible while running
// refreshes immediately.
func (c *Controller) SetVisible(v bool) {
	c.mu.Lock()
	became := v && !c.visible
	c.visible = v
	running := c.cancel != nil
	c.mu.Unlock()
	if became && running {
		c.poke()
	}
}

// Trigger asks for an immediate refresh. It reports false when throttled or
// when the controller is stopped.
func (c *Controller) Trigger() bool {
	if !c.Running() || !c.limiter.Allow() {
		return false
	}
	c.poke()
	return true
}

func (c *Controller) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !c.Visible() {
				continue
			}
		case <-c.wake:
		}
		c.run(ctx)
	}
}

func (c *Controller) run(ctx context.Context) {
	err := c.refresh(ctx)
	if ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	wasFailing := c.failing
	c.failing = err != nil
	c.mu.Unlock()

	if err != nil {
		refreshesTotal.WithLabelValues("error").Inc()
		c.log.Warn().Err(err).Msg("poll refresh failed")
		if !wasFailing && c.notify != nil {
			c.notify.Push(domain.Notification{
				Level:   domain.LevelWarning,
				Kind:    domain.KindPollFailed,
				Message: "Background refresh failed: " + err.Error(),
			})
		}
		return
	}
	refreshesTotal.WithLabelValues("ok").Inc()
}
