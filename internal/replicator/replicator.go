// Package replicator keeps console sessions that share one durable store
// eventually consistent. A session that changes a collection writes it to the
// store first and then publishes a payload-free "topic changed" signal; other
// sessions react by re-reading the store.
//
// Semantics:
//   - Store before signal: Commit writes the snapshot and only then
//     publishes, so a receiver that reloads always sees at least that write.
//   - A session ignores its own signals (matched by Origin).
//   - AllTopics wakes every handler; receivers cannot tell it from a real
//     change and simply reload.
//   - Handlers run on the transport's goroutine and should return quickly.
//
// Errors:
//   - Commit and Load return store errors unchanged.
//   - Publish failures are logged and counted, not returned: the write is
//     already durable and peers converge on their next reload.
package replicator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/ops-console-sync/internal/config"
	"github.com/tbourn/ops-console-sync/internal/repo"
)

var signalsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "console_sync_signals_total",
		Help: "Cross-session change signals, by direction and transport.",
	},
	[]string{"direction", "transport"},
)

func init() {
	prometheus.MustRegister(signalsTotal)
}

// Replicator publishes local changes and routes remote ones to handlers.
type Replicator struct {
	db     *gorm.DB
	t      Transport
	origin string
	log    zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]map[int]func()
	next     int
	stop     func()
}

// New starts listening on t. An empty origin gets a random one.
func New(db *gorm.DB, t Transport, origin string) *Replicator {
	if origin == "" {
		origin = uuid.NewString()
	}
	r := &Replicator{
		db:       db,
		t:        t,
		origin:   origin,
		log:      log.With().Str("component", "replicator").Str("transport", t.Kind()).Logger(),
		now:      time.Now,
		handlers: make(map[string]map[int]func()),
	}
	r.stop = t.Listen(r.deliver)
	return r
}

// Origin identifies this session in published signals.
func (r *Replicator) Origin() string { return r.origin }

// Kind names the active transport.
func (r *Replicator) Kind() string { return r.t.Kind() }

// Commit stores items as the snapshot of collection topic and then publishes
// topic, so a woken session always reads the new snapshot. Only the store
// write can fail the call.
func Commit[T any](ctx context.Context, r *Replicator, topic string, items []T) error {
	if err := repo.SaveCollection(ctx, r.db, topic, r.origin, items); err != nil {
		return err
	}
	r.Publish(ctx, topic)
	return nil
}

// Load reads the stored snapshot of topic.
func Load[T any](ctx context.Context, r *Replicator, topic string) ([]T, bool, error) {
	return repo.LoadCollection[T](ctx, r.db, topic)
}

// Publish signals that topic changed. Failures are logged; other sessions
// then converge on their next refresh.
func (r *Replicator) Publish(ctx context.Context, topic string) {
	s := Signal{Topic: topic, At: r.now().UTC(), Origin: r.origin}
	if err := r.t.Publish(ctx, s); err != nil {
		r.log.Warn().Err(err).Str("topic", topic).Msg("publish change signal")
		return
	}
	signalsTotal.WithLabelValues("out", r.t.Kind()).Inc()
}

// OnRemoteChange registers fn for changes of topic made by other sessions.
func (r *Replicator) OnRemoteChange(topic string, fn func()) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.handlers[topic]
	if !ok {
		set = make(map[int]func())
		r.handlers[topic] = set
	}
	id := r.next
	r.next++
	set[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.handlers[topic], id)
		r.mu.Unlock()
	}
}

// deliver fans s out to the handlers of its topic, or to all of them for
// AllTopics.
func (r *Replicator) deliver(s Signal) {
	if s.Origin == r.origin {
		return
	}
	signalsTotal.WithLabelValues("in", r.t.Kind()).Inc()

	r.mu.RLock()
	var fns []func()
	for topic, set := range r.handlers {
		if s.Topic != AllTopics && topic != s.Topic {
			continue
		}
		for _, fn := range set {
			fns = append(fns, fn)
		}
	}
	r.mu.RUnlock()

	r.log.Debug().Str("topic", s.Topic).Str("from", s.Origin).Int("handlers", len(fns)).Msg("remote change")
	for _, fn := range fns {
		fn()
	}
}

// Close stops listening and closes the transport.
func (r *Replicator) Close() error {
	r.stop()
	return r.t.Close()
}

// Select picks the transport for cfg.Transport. "auto" prefers AMQP when a
// broker URL is set, then hub when one is given, and falls back to the store
// sentinel. An unreachable broker also falls back to the store sentinel.
func Select(cfg config.SyncConfig, db *gorm.DB, hub *LocalHub) Transport {
	lg := log.With().Str("component", "replicator").Logger()
	storage := func() Transport { return NewStorageEventTransport(db, cfg.SignalPoll) }

	switch cfg.Transport {
	case "storage":
		return storage()
	case "local":
		if hub == nil {
			hub = NewLocalHub()
		}
		return NewBroadcastTransport(hub)
	case "amqp", "auto":
		if cfg.AMQPURL != "" {
			b, err := DialAMQP(cfg.AMQPURL, cfg.Exchange)
			if err == nil {
				return NewBroadcastTransport(b)
			}
			lg.Warn().Err(err).Msg("broker unavailable, using store sentinel")
			return storage()
		}
		if cfg.Transport == "auto" && hub != nil {
			return NewBroadcastTransport(hub)
		}
	}
	return storage()
}
