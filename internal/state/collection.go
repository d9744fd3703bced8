// Package state holds the in-memory entity collections a console session
// renders from. A Collection is the single mutation entry point for its
// entities: optimistic applies, rollbacks, realtime merges and full refreshes
// all go through Collection methods, which serialize on one mutex and notify
// watchers after each change.
//
// Semantics:
//   - Values go in and come out through Clone, so callers never share
//     memory with the collection.
//   - Order is insertion order; updates keep an entity's position and
//     Replace takes the order of its argument.
//   - Watchers run after the lock is released, in no fixed order, and must
//     not assume they see every intermediate value.
package state

import (
	"sync"
)

// Entity is implemented by value types stored in a Collection. Clone must
// return a copy that shares no mutable memory with the receiver.
type Entity[T any] interface {
	EntityID() string
	Clone() T
}

// ChangeKind describes what happened to a collection.
type ChangeKind string

const (
	ChangeUpsert  ChangeKind = "upsert"
	ChangeDelete  ChangeKind = "delete"
	ChangeReplace ChangeKind = "replace"
)

// Change is delivered to watchers after a mutation has been applied.
type Change struct {
	Kind ChangeKind
	IDs  []string
}

// Collection is a concurrency-safe, insertion-ordered set of entities keyed
// by id. Reads return clones so callers never alias stored values.
type Collection[T Entity[T]] struct {
	name string

	mu    sync.RWMutex
	items map[string]T
	order []string

	wmu      sync.Mutex
	watchers map[int]func(Change)
	nextW    int
}

// NewCollection returns an empty collection.
func NewCollection[T Entity[T]](name string) *Collection[T] {
	return &Collection[T]{
		name:     name,
		items:    make(map[string]T),
		watchers: make(map[int]func(Change)),
	}
}

// Name returns the collection name used for store keys and sync topics.
func (c *Collection[T]) Name() string { return c.name }

// Get returns a copy of the entity with id.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[id]
	if !ok {
		var zero T
		return zero, false
	}
	return v.Clone(), true
}

// Len returns the number of entities.
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// List returns copies of all entities in insertion order.
func (c *Collection[T]) List() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id].Clone())
	}
	return out
}

// Update applies fn to the current value of id under the collection lock.
// fn receives a copy and whether the entity exists; it returns the new value
// and whether to keep it (false deletes). Update returns the previous value
// and whether it existed.
func (c *Collection[T]) Update(id string, fn func(cur T, exists bool) (T, bool)) (prev T, existed bool) {
	c.mu.Lock()
	cur, existed := c.items[id]
	if existed {
		prev = cur.Clone()
	}
	var arg T
	if existed {
		arg = cur.Clone()
	}
	next, keep := fn(arg, existed)

	kind := ChangeUpsert
	switch {
	case keep:
		c.items[id] = next.Clone()
		if !existed {
			c.order = append(c.order, id)
		}
	case existed:
		delete(c.items, id)
		c.removeFromOrder(id)
		kind = ChangeDelete
	default:
		c.mu.Unlock()
		return prev, existed
	}
	c.mu.Unlock()

	c.notify(Change{Kind: kind, IDs: []string{id}})
	return prev, existed
}

// Upsert stores v, replacing any entity with the same id in place.
func (c *Collection[T]) Upsert(v T) {
	c.Update(v.EntityID(), func(T, bool) (T, bool) { return v, true })
}

// Delete removes id. It reports whether the entity existed.
func (c *Collection[T]) Delete(id string) bool {
	_, existed := c.Update(id, func(cur T, _ bool) (T, bool) { return cur, false })
	return existed
}

// Restore puts back a snapshot taken before a mutation. When existed is
// false the entity did not exist before and is removed.
func (c *Collection[T]) Restore(id string, snapshot T, existed bool) {
	c.Update(id, func(cur T, _ bool) (T, bool) {
		if !existed {
			return cur, false
		}
		return snapshot, true
	})
}

// Replace swaps the whole content for items, in the given order.
func (c *Collection[T]) Replace(items []T) {
	c.mu.Lock()
	c.items = make(map[string]T, len(items))
	c.order = c.order[:0]
	ids := make([]string, 0, len(items))
	for _, v := range items {
		id := v.EntityID()
		if _, dup := c.items[id]; !dup {
			c.order = append(c.order, id)
			ids = append(ids, id)
		}
		c.items[id] = v.Clone()
	}
	c.mu.Unlock()

	c.notify(Change{Kind: ChangeReplace, IDs: ids})
}

// Watch registers fn to be called after every change. The returned func
// unregisters it.
func (c *Collection[T]) Watch(fn func(Change)) (cancel func()) {
	c.wmu.Lock()
	id := c.nextW
	c.nextW++
	c.watchers[id] = fn
	c.wmu.Unlock()
	return func() {
		c.wmu.Lock()
		delete(c.watchers, id)
		c.wmu.Unlock()
	}
}

func (c *Collection[T]) notify(ch Change) {
	c.wmu.Lock()
	fns := make([]func(Change), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.wmu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

func (c *Collection[T]) removeFromOrder(id string) {
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
