// Package replicator – Transports
//
// This file defines how change signals travel between sessions. Two
// transports exist:
//
//   - BroadcastTransport: a Broadcaster (LocalHub or AMQP) delivers each
//     signal as it is published.
//   - StorageEventTransport: publishing bumps the version of a sentinel row
//     in the shared store; listeners poll that version.
//
// Semantics:
//   - A signal only names a topic. Receivers always reload the topic from
//     the store, so a duplicated or reordered signal is harmless.
//   - When a storage listener sees the version jump by more than one it
//     cannot tell which topics changed and delivers AllTopics.
//
// Errors: Listen never fails. A broadcast subscription that cannot be set up
// is logged and yields a no-op stop function; store read errors during
// polling are logged and retried on the next tick.
package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/ops-console-sync/internal/repo"
)

// AllTopics is delivered when a listener may have missed signals and every
// topic must be treated as changed.
const AllTopics = "*"

// Signal says "topic changed at At". It never carries the changed data.
type Signal struct {
	Topic  string    `json:"topic"`
	At     time.Time `json:"at"`
	Origin string    `json:"origin"`
}

// Transport carries signals between sessions sharing one store.
type Transport interface {
	Kind() string
	Publish(ctx context.Context, s Signal) error
	// Listen delivers incoming signals to fn until stop is called.
	Listen(fn func(Signal)) (stop func())
	Close() error
}

// Broadcaster is a publish/subscribe primitive: LocalHub in process, or an
// AMQP fanout exchange across hosts.
type Broadcaster interface {
	Broadcast(ctx context.Context, s Signal) error
	Subscribe(fn func(Signal)) (cancel func(), err error)
	Close() error
}

// BroadcastTransport sends signals over a Broadcaster.
type BroadcastTransport struct {
	b   Broadcaster
	log zerolog.Logger
}

// NewBroadcastTransport wraps b.
func NewBroadcastTransport(b Broadcaster) *BroadcastTransport {
	return &BroadcastTransport{b: b, log: log.With().Str("component", "replicator").Logger()}
}

// Kind reports "broadcast".
func (t *BroadcastTransport) Kind() string { return "broadcast" }

// Publish broadcasts s to every subscriber, this session included.
func (t *BroadcastTransport) Publish(ctx context.Context, s Signal) error {
	return t.b.Broadcast(ctx, s)
}

// Listen subscribes fn to the broadcaster and returns the unsubscribe
// function.
func (t *BroadcastTransport) Listen(fn func(Signal)) func() {
	cancel, err := t.b.Subscribe(fn)
	if err != nil {
		t.log.Error().Err(err).Msg("broadcast subscribe failed; remote changes will not be seen")
		return func() {}
	}
	return cancel
}

// Close closes the underlying broadcaster.
func (t *BroadcastTransport) Close() error { return t.b.Close() }

// StorageEventTransport writes a sentinel row on publish and watches the row
// version. Sessions sharing the store file see each other's signals without
// any broker.
type StorageEventTransport struct {
	db       *gorm.DB
	interval time.Duration
	log      zerolog.Logger

	mu    sync.Mutex
	stops []func()
	wg    sync.WaitGroup
}

// NewStorageEventTransport polls the sentinel every interval.
func NewStorageEventTransport(db *gorm.DB, interval time.Duration) *StorageEventTransport {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &StorageEventTransport{
		db:       db,
		interval: interval,
		log:      log.With().Str("component", "replicator").Str("transport", "storage").Logger(),
	}
}

// Kind reports "storage".
func (t *StorageEventTransport) Kind() string { return "storage" }

// Publish stores s as the sentinel value, which increments its version.
func (t *StorageEventTransport) Publish(ctx context.Context, s Signal) error {
	_, err := repo.PutJSON(ctx, t.db, repo.SentinelKey, s.Origin, s)
	return err
}

// Listen starts a poller that calls fn once per observed sentinel version
// change, starting from the version current at the call. Signals published
// before Listen are not replayed.
func (t *StorageEventTransport) Listen(fn func(Signal)) func() {
	ctx := context.Background()
	last, err := repo.EntryVersion(ctx, t.db, repo.SentinelKey)
	if err != nil {
		t.log.Warn().Err(err).Msg("read sentinel version")
	}

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }
	t.mu.Lock()
	t.stops = append(t.stops, cancel)
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		tick := time.NewTicker(t.interval)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				last = t.poll(ctx, last, fn)
			}
		}
	}()

	return cancel
}

// poll reads the sentinel's version and value in one query, so the decoded
// signal always belongs to the version it is compared against.
func (t *StorageEventTransport) poll(ctx context.Context, last int64, fn func(Signal)) int64 {
	e, err := repo.GetEntry(ctx, t.db, repo.SentinelKey)
	if errors.Is(err, repo.ErrNotFound) {
		return last
	}
	if err != nil {
		t.log.Warn().Err(err).Msg("read sentinel")
		return last
	}
	if e.Version <= last {
		return last
	}
	var s Signal
	if e.Version-last > 1 || json.Unmarshal([]byte(e.Value), &s) != nil {
		// Several writes since the last poll; only the newest is visible.
		fn(Signal{Topic: AllTopics, At: time.Now().UTC()})
		return e.Version
	}
	fn(s)
	return e.Version
}

// Close stops every listener and waits for them to exit.
func (t *StorageEventTransport) Close() error {
	t.mu.Lock()
	stops := t.stops
	t.stops = nil
	t.mu.Unlock()
	for _, cancel := range stops {
		cancel()
	}
	t.wg.Wait()
	return nil
}
