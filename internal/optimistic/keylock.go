// Package optimistic – per-entity locks
//
// This file implements the lock that serializes mutations sharing an entity
// or an Op.Locks key. Keys are taken in sorted order so two mutations over
// overlapping sets cannot deadlock, and a slot is freed as soon as its last
// holder or waiter leaves.
package optimistic

import (
	"context"
	"sort"
	"sync"
)

// keyLock serializes work per entity key. Waiting honours ctx.
type keyLock struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{slots: make(map[string]*slot)}
}

// acquire locks every key in sorted order and returns the release func.
// On ctx expiry the keys taken so far are released.
func (l *keyLock) acquire(ctx context.Context, keys []string) (func(), error) {
	keys = uniqueSorted(keys)
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}
	for _, k := range keys {
		if err := l.lock(ctx, k); err != nil {
			release()
			return nil, err
		}
		held = append(held, k)
	}
	return release, nil
}

// lock takes one key. A slot is a one-token channel; refs counts holders and
// waiters so the slot can be dropped when nobody needs it.
func (l *keyLock) lock(ctx context.Context, key string) error {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.drop(key, s)
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *keyLock) unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	<-s.ch
	l.drop(key, s)
}

func (l *keyLock) drop(key string, s *slot) {
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// uniqueSorted returns a sorted copy of keys without duplicates.
func uniqueSorted(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}
