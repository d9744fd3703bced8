// Package realtime is the console's push channel: one authenticated
// websocket per session, reference-counted room subscriptions, a listener
// registry keyed by event name, and reconnection with capped exponential
// backoff. Failures never propagate to callers; after the configured number
// of failed dials the client reports itself unavailable so views can fall
// back to polling.
//
// Semantics:
//   - Rooms are reference counted: only the first Subscribe and the last
//     Unsubscribe of a room reach the wire. Rooms joined while disconnected
//     are sent once, on the next connect, and replayed after every reconnect.
//   - Listeners for one event run in registration order on the read loop.
//   - OnUnavailable fires once per outage; OnRestored fires when a dial
//     succeeds after that. Retry or another Connect starts the dial cycle
//     that can end an outage.
//   - Emit while disconnected drops the message and reports false.
//
// Errors: none reach callers. Dial and read failures are logged, counted and
// retried; giving up raises a sticky notification instead.
package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/ops-console-sync/internal/domain"
	"github.com/tbourn/ops-console-sync/internal/notify"
)

var (
	connectedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "console_realtime_connected",
		Help: "1 while the realtime connection is up.",
	})
	reconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "console_realtime_failed_dials_total",
		Help: "Failed realtime dial attempts.",
	})
	eventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_realtime_events_total",
			Help: "Realtime events received, by event name.",
		},
		[]string{"event"},
	)
)

func init() {
	prometheus.MustRegister(connectedGauge, reconnectAttempts, eventsReceived)
}

// Config configures a Client.
type Config struct {
	URL          string        // websocket endpoint; empty disables the client
	Token        string        // session JWT, sent as a bearer token
	MaxAttempts  int           // failed dials before giving up
	BaseDelay    time.Duration // first backoff step
	MaxDelay     time.Duration // backoff cap
	PingInterval time.Duration // 0 disables client pings
}

// Handler receives an event payload. Payloads are opaque to the client.
type Handler func(data json.RawMessage)

// ListenerID identifies a registered handler.
type ListenerID uint64

// Status is a point-in-time view of the client.
type Status struct {
	Connected   bool     `json:"connected"`
	Unavailable bool     `json:"unavailable"`
	Rooms       []string `json:"rooms"`
}

// outbound is a client frame: subscribe, unsubscribe or an emitted event.
type outbound struct {
	Type  string `json:"type"`
	Room  string `json:"room,omitempty"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// inbound is a server push. Frames without an event name are ignored.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client owns the realtime connection of one console session.
type Client struct {
	cfg    Config
	dialer Dialer
	notify *notify.Center
	log    zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	conn        Conn // nil while disconnected
	running     bool // a connection loop owns done
	cancel      context.CancelFunc
	done        chan struct{}
	unavailable bool // gave up; cleared by the next successful dial
	joined      bool // session rooms added
	rooms       map[string]int // room -> local subscriber count
	listeners   map[string]map[ListenerID]Handler
	nextID      ListenerID
	onDown      []func()
	onUp        []func()

	// wmu orders writes on conn; gorilla allows one concurrent writer.
	wmu sync.Mutex
}

// NewClient returns a disconnected client. notifications may be nil.
func NewClient(cfg Config, dialer Dialer, notifications *notify.Center) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Client{
		cfg:       cfg,
		dialer:    dialer,
		notify:    notifications,
		log:       log.With().Str("component", "realtime").Logger(),
		now:       time.Now,
		rooms:     make(map[string]int),
		listeners: make(map[string]map[ListenerID]Handler),
	}
}

// Connect starts the connection loop in the background. It is a no-op while
// a loop is already running. Without a usable session token it logs and
// returns, leaving the console usable without push updates.
func (c *Client) Connect() {
	if c.cfg.URL == "" {
		c.log.Info().Msg("realtime disabled: no url configured")
		return
	}
	if c.cfg.Token == "" {
		c.log.Warn().Msg("realtime not started: no session token")
		return
	}
	sess, err := ParseSession(c.cfg.Token, c.now())
	if err != nil {
		c.log.Warn().Err(err).Msg("realtime not started: invalid session token")
		return
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	if !c.joined {
		for _, room := range sess.Rooms() {
			c.rooms[room]++
		}
		c.joined = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.run(ctx, done)
}

// Retry calls Connect every interval while the channel is flagged
// unavailable, until ctx ends. A successful dial fires the OnRestored
// callbacks. A non-positive interval disables it.
func (c *Client) Retry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		c.mu.Lock()
		idle := c.unavailable && !c.running
		c.mu.Unlock()
		if idle {
			c.log.Info().Msg("retrying realtime after outage")
			c.Connect()
		}
	}
}

// Disconnect stops reconnecting, closes the connection and clears every room
// and listener. It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.cancel = nil
	c.conn = nil
	c.running = false
	c.rooms = make(map[string]int)
	c.listeners = make(map[string]map[ListenerID]Handler)
	c.joined = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Subscribe joins room. Only the first local subscriber sends the network
// subscribe; while disconnected the room is joined on the next connect.
func (c *Client) Subscribe(room string) {
	c.mu.Lock()
	c.rooms[room]++
	first := c.rooms[room] == 1
	conn := c.conn
	c.mu.Unlock()

	if first && conn != nil {
		c.send(conn, outbound{Type: "subscribe", Room: room})
	}
}

// Unsubscribe releases one subscription of room; the last one sends the
// network unsubscribe.
func (c *Client) Unsubscribe(room string) {
	c.mu.Lock()
	n, ok := c.rooms[room]
	if !ok {
		c.mu.Unlock()
		return
	}
	last := n <= 1
	if last {
		delete(c.rooms, room)
	} else {
		c.rooms[room] = n - 1
	}
	conn := c.conn
	c.mu.Unlock()

	if last && conn != nil {
		c.send(conn, outbound{Type: "unsubscribe", Room: room})
	}
}

// On registers h for event.
func (c *Client) On(event string, h Handler) ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	set, ok := c.listeners[event]
	if !ok {
		set = make(map[ListenerID]Handler)
		c.listeners[event] = set
	}
	set[c.nextID] = h
	return c.nextID
}

// Off removes the given listeners of event, or all of them when ids is empty.
func (c *Client) Off(event string, ids ...ListenerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(ids) == 0 {
		delete(c.listeners, event)
		return
	}
	set := c.listeners[event]
	for _, id := range ids {
		delete(set, id)
	}
	if len(set) == 0 {
		delete(c.listeners, event)
	}
}

// Emit sends an event if connected. Messages are never queued: it reports
// false and drops the message otherwise.
func (c *Client) Emit(event string, payload any) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.log.Warn().Str("event", event).Msg("emit dropped: not connected")
		return false
	}
	return c.send(conn, outbound{Type: "emit", Event: event, Data: payload})
}

// OnUnavailable registers fn to run when reconnection gives up.
func (c *Client) OnUnavailable(fn func()) {
	c.mu.Lock()
	c.onDown = append(c.onDown, fn)
	c.mu.Unlock()
}

// OnRestored registers fn to run when a connection succeeds after the client
// was unavailable.
func (c *Client) OnRestored(fn func()) {
	c.mu.Lock()
	c.onUp = append(c.onUp, fn)
	c.mu.Unlock()
}

// Status reports the connection state and the joined rooms.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return Status{Connected: c.conn != nil, Unavailable: c.unavailable, Rooms: rooms}
}

// run dials and serves until ctx ends or a dial cycle gives up. Only the
// loop that still owns done clears running, so a stale loop cannot mark a
// newer one as stopped.
func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		if c.done == done {
			c.running = false
		}
		c.mu.Unlock()
	}()

	for {
		conn, ok := c.dialWithBackoff(ctx)
		if !ok {
			return
		}
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Msg("realtime connection lost, reconnecting")
	}
}

// dialWithBackoff tries up to MaxAttempts dials with exponential waits and
// flags the channel unavailable when all fail.
func (c *Client) dialWithBackoff(ctx context.Context) (Conn, bool) {
	for attempt := 1; ; attempt++ {
		conn, err := c.dialer.Dial(ctx, c.cfg.URL, c.cfg.Token)
		if err == nil {
			return conn, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
		reconnectAttempts.Inc()
		if attempt >= c.cfg.MaxAttempts {
			c.log.Error().Err(err).Int("attempts", attempt).Msg("realtime unavailable, giving up")
			c.markUnavailable()
			return nil, false
		}
		delay := backoff(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
		c.log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", c.cfg.MaxAttempts).
			Dur("delay", delay).Msg("realtime dial failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, false
		}
	}
}

// serve installs conn, replays the joined rooms, and reads until the
// connection fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn Conn) {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	restored := c.unavailable
	c.unavailable = false
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	up := append([]func(){}, c.onUp...)
	// Hold the write lock across the replay so a concurrent Subscribe or
	// Unsubscribe reaches the wire after it.
	c.wmu.Lock()
	c.mu.Unlock()

	sort.Strings(rooms)
	for _, r := range rooms {
		c.write(conn, outbound{Type: "subscribe", Room: r})
	}
	c.wmu.Unlock()
	connectedGauge.Set(1)
	c.log.Info().Strs("rooms", rooms).Msg("realtime connected")
	if restored {
		if c.notify != nil {
			c.notify.ClearSticky(domain.KindRealtimeUnavailable)
			c.notify.Push(domain.Notification{Kind: domain.KindRealtimeRestored, Message: "Live updates restored"})
		}
		for _, fn := range up {
			fn()
		}
	}

	stopPing := make(chan struct{})
	if c.cfg.PingInterval > 0 {
		go c.ping(conn, stopPing)
	}

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("realtime read failed")
			}
			break
		}
		if msg.Event == "" {
			continue
		}
		c.dispatch(msg)
	}
	close(stopPing)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	connectedGauge.Set(0)
	_ = conn.Close()
}

// dispatch calls the listeners of msg.Event in registration order, outside
// the client lock so handlers may subscribe or register listeners.
func (c *Client) dispatch(msg inbound) {
	eventsReceived.WithLabelValues(msg.Event).Inc()

	c.mu.Lock()
	set := c.listeners[msg.Event]
	ids := make([]ListenerID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]Handler, len(ids))
	for i, id := range ids {
		hs[i] = set[id]
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(msg.Data)
	}
}

// ping keeps conn alive and closes it on the first failed ping, which ends
// the read loop and triggers a reconnect.
func (c *Client) ping(conn Conn, stop <-chan struct{}) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := conn.Ping(); err != nil {
				c.log.Warn().Err(err).Msg("realtime ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

// markUnavailable raises the sticky outage notice and runs the OnUnavailable
// callbacks, once per outage.
func (c *Client) markUnavailable() {
	c.mu.Lock()
	if c.unavailable {
		c.mu.Unlock()
		return
	}
	c.unavailable = true
	down := append([]func(){}, c.onDown...)
	c.mu.Unlock()

	if c.notify != nil {
		c.notify.Push(domain.Notification{
			Level:   domain.LevelWarning,
			Kind:    domain.KindRealtimeUnavailable,
			Message: "Live updates unavailable; refreshing periodically",
			Sticky:  true,
		})
	}
	for _, fn := range down {
		fn()
	}
}

// send writes msg under the write lock; write expects the caller to hold it.
func (c *Client) send(conn Conn, msg outbound) bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.write(conn, msg)
}

func (c *Client) write(conn Conn, msg outbound) bool {
	if err := conn.WriteJSON(msg); err != nil {
		c.log.Warn().Err(err).Str("type", msg.Type).Str("room", msg.Room).Msg("realtime send failed")
		return false
	}
	return true
}
