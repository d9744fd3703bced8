// Package replicator – LocalHub
//
// This file implements LocalHub, the in-process Broadcaster used when every
// console session lives in one process (tests, the single-binary desk
// setup). Subscribers are plain callbacks; there is no buffering, so a slow
// subscriber slows the publisher.
package replicator

import (
	"context"
	"sync"
)

// LocalHub is an in-process Broadcaster for sessions hosted by one process.
// Delivery is synchronous and reaches every subscriber, the sender included.
type LocalHub struct {
	mu   sync.RWMutex
	subs map[int]func(Signal)
	next int
}

// NewLocalHub returns an empty hub.
func NewLocalHub() *LocalHub {
	return &LocalHub{subs: make(map[int]func(Signal))}
}

// Broadcast calls every current subscriber with s before returning. It never
// fails; the error is there to satisfy Broadcaster.
func (h *LocalHub) Broadcast(_ context.Context, s Signal) error {
	h.mu.RLock()
	fns := make([]func(Signal), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
	return nil
}

// Subscribe registers fn and returns a function that removes it. Removing
// twice is harmless.
func (h *LocalHub) Subscribe(fn func(Signal)) (func(), error) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}, nil
}

// Close drops all subscribers.
func (h *LocalHub) Close() error {
	h.mu.Lock()
	h.subs = make(map[int]func(Signal))
	h.mu.Unlock()
	return nil
}
