// Package dispatch moves orders from the unassigned queue to riders. It keeps
// the console's order and rider collections, applies assignments
// optimistically, merges backend events, and owns the queue ordering: the
// queue is sorted only on an explicit sort change or a full refresh, and
// orders that show up in between are appended.
//
// Semantics:
//   - An assignment touches the order and the rider in one optimistic
//     mutation: both apply, confirm or roll back together.
//   - Events and refreshes never overwrite an entity with a pending local
//     value. A refresh also keeps entities confirmed after its fetch began,
//     because the fetched copy may predate the confirmation.
//   - Completed and cancelled orders are final; later events for them are
//     dropped.
//
// Errors:
//   - Local rejections (ErrOrderNotFound, ErrRiderAtCapacity, ...) are
//     returned before any network call.
//   - Backend answers surface as *APIError; IsConflict separates 4xx
//     rejections from transient failures.
//   - A rejected or timed out assignment is an *optimistic.RollbackError and
//     also raises a notification.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/ops-console-sync/internal/domain"
	"github.com/tbourn/ops-console-sync/internal/notify"
	"github.com/tbourn/ops-console-sync/internal/optimistic"
	"github.com/tbourn/ops-console-sync/internal/realtime"
	"github.com/tbourn/ops-console-sync/internal/replicator"
	"github.com/tbourn/ops-console-sync/internal/state"
)

// Realtime event names consumed by the engine.
const (
	EventOrderCreated = "order-created"
	EventOrderUpdated = "order-updated"
	EventRiderUpdated = "rider-updated"
)

// Store topics for the collections the engine persists.
const (
	TopicOrders = "orders"
	TopicRiders = "riders"
)

const tracerName = "dispatch/Engine"

// Bus is the part of the realtime client the engine listens on.
type Bus interface {
	On(event string, h realtime.Handler) realtime.ListenerID
	Off(event string, ids ...realtime.ListenerID)
	Subscribe(room string)
	Unsubscribe(room string)
}

// Options configures an Engine. Every field is optional.
type Options struct {
	Notify     *notify.Center         // rollback and refresh alerts
	Replicator *replicator.Replicator // nil keeps the engine session-local
	PageSize   int                    // unassigned-orders page size when refreshing
	MaxPages   int                    // stop paging after this many pages
}

// BatchFailure is one failed order of a batch assignment.
type BatchFailure struct {
	OrderID string `json:"order_id"`
	Error   string `json:"error"`
}

// BatchResult reports a batch assignment. Succeeded orders stay assigned.
type BatchResult struct {
	Assigned int            `json:"assigned"`
	Failed   int            `json:"failed"`
	Failures []BatchFailure `json:"failures"`
}

// Engine is the dispatch assignment engine of one console session.
type Engine struct {
	// Orders and Riders are the rendered state. Mutate them only through the
	// engine so pending optimistic values are respected.
	Orders *state.Collection[domain.Order]
	Riders *state.Collection[domain.Rider]

	backend  Backend
	exec     *optimistic.Executor
	notify   *notify.Center
	sync     *replicator.Replicator
	log      zerolog.Logger
	pageSize int
	maxPages int

	// queue holds order ids in display order; inQueue mirrors it for O(1)
	// membership. Entries that stop being unassigned are filtered on read.
	qmu     sync.RWMutex
	queue   []string
	inQueue map[string]struct{}
	mode    SortMode

	refreshMu sync.Mutex     // one refresh at a time
	bg        sync.WaitGroup // background reconciles
	unwatch   []func()

	// Local confirmations newer than a refresh's fetch win over its data.
	cmu       sync.Mutex
	epoch     uint64
	confirmed map[string]uint64
}

// NewEngine returns an engine with empty collections.
func NewEngine(b Backend, exec *optimistic.Executor, opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 50
	}
	e := &Engine{
		Orders:   state.NewCollection[domain.Order](TopicOrders),
		Riders:   state.NewCollection[domain.Rider](TopicRiders),
		backend:  b,
		exec:     exec,
		notify:   opts.Notify,
		sync:     opts.Replicator,
		log:      log.With().Str("component", "dispatch").Logger(),
		pageSize: opts.PageSize,
		maxPages: opts.MaxPages,
		inQueue:  make(map[string]struct{}),
		mode:     SortSLA,

		confirmed: make(map[string]uint64),
	}
	if e.sync != nil {
		e.unwatch = append(e.unwatch,
			e.sync.OnRemoteChange(TopicOrders, e.mergeStored),
			e.sync.OnRemoteChange(TopicRiders, e.mergeStored),
		)
	}
	return e
}

// Close stops reacting to other sessions and waits for background reconciles.
func (e *Engine) Close() {
	// Unwatch first so no new reconcile starts while waiting.
	for _, fn := range e.unwatch {
		fn()
	}
	e.bg.Wait()
}

// ----- queue -----

// Queue returns the unassigned orders in queue order.
func (e *Engine) Queue() []domain.Order {
	e.qmu.RLock()
	ids := append([]string(nil), e.queue...)
	e.qmu.RUnlock()

	out := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		if o, ok := e.Orders.Get(id); ok && o.Status == domain.OrderUnassigned {
			out = append(out, o)
		}
	}
	return out
}

// QueuePage returns one page of Queue and the queue length.
func (e *Engine) QueuePage(page, pageSize int) ([]domain.Order, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	all := e.Queue()
	start := (page - 1) * pageSize
	if start >= len(all) {
		return []domain.Order{}, len(all)
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all)
}

// RiderList returns every known rider.
func (e *Engine) RiderList() []domain.Rider { return e.Riders.List() }

// SortMode returns the active sort mode.
func (e *Engine) SortMode() SortMode {
	e.qmu.RLock()
	defer e.qmu.RUnlock()
	return e.mode
}

// SetSort changes the sort mode and re-sorts the queue.
func (e *Engine) SetSort(mode SortMode) error {
	if _, err := ParseSortMode(string(mode)); err != nil || mode == "" {
		return ErrInvalidSortMode
	}
	e.qmu.Lock()
	e.mode = mode
	e.qmu.Unlock()
	e.resort()
	return nil
}

// resort rebuilds the queue from scratch in the current mode.
func (e *Engine) resort() {
	orders := e.Orders.List()
	e.qmu.Lock()
	defer e.qmu.Unlock()
	e.queue = sortedQueue(orders, e.mode)
	e.inQueue = make(map[string]struct{}, len(e.queue))
	for _, id := range e.queue {
		e.inQueue[id] = struct{}{}
	}
}

// enqueue appends id to the end of the queue unless it is already there.
// New orders wait for the next explicit sort to find their place.
func (e *Engine) enqueue(id string) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if _, ok := e.inQueue[id]; ok {
		return
	}
	e.inQueue[id] = struct{}{}
	e.queue = append(e.queue, id)
}

// ----- refresh -----

// Refresh reloads riders and orders from the backend, replaces the
// collections and re-sorts the queue. Entities with a pending optimistic
// change keep their local value.
func (e *Engine) Refresh(ctx context.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Refresh")
	defer span.End()

	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	since := e.currentEpoch()
	md, err := e.backend.MapData(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "map data")
		return fmt.Errorf("load map data: %w", err)
	}
	unassigned, err := e.fetchUnassigned(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unassigned orders")
		return fmt.Errorf("load unassigned orders: %w", err)
	}

	orders := mergeByID(md.Orders, unassigned)
	e.exec.Locked(func(v optimistic.View) {
		keep := func(entityType, id string) bool {
			return v.Busy(entityType, id) || e.confirmedSince(entityType, id, since)
		}
		pending := v.Pending()
		e.Orders.Replace(keepLocal(keep, pending, e.Orders, domain.EntityOrder, orders))
		e.Riders.Replace(keepLocal(keep, pending, e.Riders, domain.EntityRider, md.Riders))
	})
	e.resort()

	span.SetAttributes(
		attribute.Int("orders", e.Orders.Len()),
		attribute.Int("riders", e.Riders.Len()),
	)
	e.log.Debug().Int("orders", e.Orders.Len()).Int("riders", e.Riders.Len()).Msg("dispatch refreshed")
	e.persist(ctx)
	return nil
}

// fetchUnassigned walks the paginated unassigned list until a short page,
// the reported total, or maxPages.
func (e *Engine) fetchUnassigned(ctx context.Context) ([]domain.Order, error) {
	var out []domain.Order
	for page := 1; page <= e.maxPages; page++ {
		p, err := e.backend.UnassignedOrders(ctx, page, e.pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Data...)
		if len(p.Data) == 0 || len(out) >= p.Total {
			break
		}
	}
	return out, nil
}

// LoadSnapshot fills the collections from the durable store, for a fast
// start before the first refresh. It reports whether a snapshot existed.
func (e *Engine) LoadSnapshot(ctx context.Context) (bool, error) {
	if e.sync == nil {
		return false, nil
	}
	orders, okO, err := replicator.Load[domain.Order](ctx, e.sync, TopicOrders)
	if err != nil {
		return false, err
	}
	riders, okR, err := replicator.Load[domain.Rider](ctx, e.sync, TopicRiders)
	if err != nil {
		return false, err
	}
	if okO {
		e.Orders.Replace(orders)
	}
	if okR {
		e.Riders.Replace(riders)
	}
	e.resort()
	return okO || okR, nil
}

// persist stores both collections and signals other sessions. Failures are
// logged: the in-memory state stays authoritative for this session.
func (e *Engine) persist(ctx context.Context) {
	if e.sync == nil {
		return
	}
	if err := replicator.Commit(ctx, e.sync, TopicOrders, e.Orders.List()); err != nil {
		e.log.Warn().Err(err).Msg("persist orders")
	}
	if err := replicator.Commit(ctx, e.sync, TopicRiders, e.Riders.List()); err != nil {
		e.log.Warn().Err(err).Msg("persist riders")
	}
}

// mergeStored folds another session's stored snapshot into this one through
// the same path as realtime events.
func (e *Engine) mergeStored() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	orders, _, err := replicator.Load[domain.Order](ctx, e.sync, TopicOrders)
	if err != nil {
		e.log.Warn().Err(err).Msg("reload stored orders")
		return
	}
	riders, _, err := replicator.Load[domain.Rider](ctx, e.sync, TopicRiders)
	if err != nil {
		e.log.Warn().Err(err).Msg("reload stored riders")
		return
	}
	for _, o := range orders {
		e.applyOrder(o)
	}
	for _, r := range riders {
		e.applyRider(r)
	}
}

// reconcile refreshes in the background after a rollback, since the backend
// may know why the assignment failed (e.g. another dispatcher took the
// order).
func (e *Engine) reconcile() {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Refresh(ctx); err != nil {
			e.log.Warn().Err(err).Msg("reconcile after rollback")
		}
	}()
}

// ----- assignment -----

// AssignOrder assigns orderID to riderID. The order must be unassigned and,
// unless overrideSLA is set, the rider must be online with spare capacity;
// these checks run locally before any network call. The change is applied
// immediately and rolled back (order and rider) if the backend rejects it.
func (e *Engine) AssignOrder(ctx context.Context, orderID, riderID string, overrideSLA bool) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "AssignOrder",
		trace.WithAttributes(
			attribute.String("order.id", orderID),
			attribute.String("rider.id", riderID),
			attribute.Bool("override_sla", overrideSLA),
		),
	)
	defer span.End()

	err := e.exec.Execute(ctx, optimistic.Op{
		Label: "Assign order " + orderID,
		Targets: []optimistic.Target{
			optimistic.Mutate(e.Orders, domain.EntityOrder, orderID, func(o domain.Order, ok bool) (domain.Order, bool) {
				o.Status = domain.OrderAssigned
				o.RiderID = riderID
				return o, ok
			}),
			optimistic.Mutate(e.Riders, domain.EntityRider, riderID, func(r domain.Rider, ok bool) (domain.Rider, bool) {
				r.Load++
				return r, ok
			}),
		},
		Validate: func() error { return e.validateAssign(orderID, riderID, overrideSLA) },
		Commit: func(ctx context.Context) error {
			return e.backend.Assign(ctx, AssignRequest{OrderID: orderID, RiderID: riderID, OverrideSLA: overrideSLA})
		},
		OnConfirm: func() {
			e.markConfirmed(domain.EntityOrder+":"+orderID, domain.EntityRider+":"+riderID)
		},
		Reconcile: e.reconcile,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assign failed")
		return err
	}
	e.persist(ctx)
	return nil
}

// The confirmation epoch counts confirmed assignments. A refresh reads it
// before fetching and keeps local values for entities confirmed later.
func (e *Engine) currentEpoch() uint64 {
	e.cmu.Lock()
	defer e.cmu.Unlock()
	return e.epoch
}

func (e *Engine) markConfirmed(keys ...string) {
	e.cmu.Lock()
	defer e.cmu.Unlock()
	e.epoch++
	for _, k := range keys {
		e.confirmed[k] = e.epoch
	}
}

func (e *Engine) confirmedSince(entityType, id string, since uint64) bool {
	e.cmu.Lock()
	defer e.cmu.Unlock()
	return e.confirmed[entityType+":"+id] > since
}

// validateAssign runs the local checks under the entity locks, so it sees
// the state any earlier mutation left behind.
func (e *Engine) validateAssign(orderID, riderID string, override bool) error {
	o, ok := e.Orders.Get(orderID)
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != domain.OrderUnassigned {
		return fmt.Errorf("%w: %s is %s", ErrOrderNotAssignable, orderID, o.Status)
	}
	r, ok := e.Riders.Get(riderID)
	if !ok {
		return ErrRiderNotFound
	}
	if override {
		return nil
	}
	if r.Status == domain.RiderOffline {
		return ErrRiderOffline
	}
	if !r.HasCapacity() {
		return fmt.Errorf("%w: %s at %d/%d", ErrRiderAtCapacity, riderID, r.Load, r.MaxCapacity)
	}
	return nil
}

// BatchAssign assigns each order to riderID in turn. Failures are reported
// per order; succeeded assignments are kept.
func (e *Engine) BatchAssign(ctx context.Context, orderIDs []string, riderID string) (BatchResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "BatchAssign",
		trace.WithAttributes(
			attribute.Int("orders", len(orderIDs)),
			attribute.String("rider.id", riderID),
		),
	)
	defer span.End()

	ids := dedupe(orderIDs)
	if len(ids) == 0 {
		return BatchResult{}, ErrNoOrders
	}
	res := BatchResult{Failures: []BatchFailure{}}
	for _, id := range ids {
		if err := e.AssignOrder(ctx, id, riderID, false); err != nil {
			res.Failed++
			res.Failures = append(res.Failures, BatchFailure{OrderID: id, Error: err.Error()})
			continue
		}
		res.Assigned++
	}
	span.SetAttributes(attribute.Int("assigned", res.Assigned), attribute.Int("failed", res.Failed))
	return res, nil
}

// AutoAssign hands orderIDs to the backend's matcher and refreshes state
// from its outcome. It is only ever triggered by an operator.
func (e *Engine) AutoAssign(ctx context.Context, orderIDs []string) (AutoAssignResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "AutoAssign",
		trace.WithAttributes(attribute.Int("orders", len(orderIDs))),
	)
	defer span.End()

	ids := dedupe(orderIDs)
	if len(ids) == 0 {
		return AutoAssignResult{}, ErrNoOrders
	}
	res, err := e.backend.AutoAssign(ctx, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "auto assign failed")
		return AutoAssignResult{}, err
	}
	if rerr := e.Refresh(ctx); rerr != nil {
		e.log.Warn().Err(rerr).Msg("refresh after auto-assign")
	}
	if e.notify != nil {
		e.notify.Push(domain.Notification{
			Kind:    domain.KindAssignment,
			Message: fmt.Sprintf("Auto-assign: %d assigned, %d failed", res.Assigned, res.Failed),
		})
	}
	return res, nil
}

// ----- realtime -----

// Bind listens for order and rider events and joins the order room of each
// zone. The returned func undoes it.
func (e *Engine) Bind(bus Bus, zones []string) (unbind func()) {
	created := bus.On(EventOrderCreated, e.HandleOrderEvent)
	updated := bus.On(EventOrderUpdated, e.HandleOrderEvent)
	rider := bus.On(EventRiderUpdated, e.HandleRiderEvent)
	for _, z := range zones {
		bus.Subscribe(realtime.ZoneRoom(z))
	}
	return func() {
		bus.Off(EventOrderCreated, created)
		bus.Off(EventOrderUpdated, updated)
		bus.Off(EventRiderUpdated, rider)
		for _, z := range zones {
			bus.Unsubscribe(realtime.ZoneRoom(z))
		}
	}
}

// HandleOrderEvent merges an order pushed by the backend.
func (e *Engine) HandleOrderEvent(data json.RawMessage) {
	var o domain.Order
	if err := json.Unmarshal(data, &o); err != nil || o.ID == "" {
		e.log.Warn().Err(err).Msg("drop malformed order event")
		return
	}
	if !o.Status.Valid() || o.CheckInvariant() != nil {
		e.log.Warn().Str("order_id", o.ID).Str("status", string(o.Status)).Msg("drop inconsistent order event")
		return
	}
	e.applyOrder(o)
}

// HandleRiderEvent merges a rider pushed by the backend.
func (e *Engine) HandleRiderEvent(data json.RawMessage) {
	var r domain.Rider
	if err := json.Unmarshal(data, &r); err != nil || r.ID == "" {
		e.log.Warn().Err(err).Msg("drop malformed rider event")
		return
	}
	e.applyRider(r)
}

// applyOrder merges a pushed order unless it has a pending local change.
// Terminal orders are final. An active order turning terminal frees one
// unit of its rider's load.
func (e *Engine) applyOrder(o domain.Order) {
	var released string
	applied := e.exec.IfIdle(domain.EntityOrder, o.ID, func() {
		e.Orders.Update(o.ID, func(cur domain.Order, exists bool) (domain.Order, bool) {
			if exists && cur.Status.Terminal() {
				return cur, true
			}
			if exists && cur.Status.Active() && o.Status.Terminal() {
				released = cur.RiderID
			}
			return o, true
		})
	})
	if !applied {
		e.log.Debug().Str("order_id", o.ID).Msg("order event deferred to pending mutation")
		return
	}
	if released != "" {
		e.exec.IfIdle(domain.EntityRider, released, func() {
			e.Riders.Update(released, func(r domain.Rider, ok bool) (domain.Rider, bool) {
				if r.Load > 0 {
					r.Load--
				}
				return r, ok
			})
		})
	}
	if cur, ok := e.Orders.Get(o.ID); ok && cur.Status == domain.OrderUnassigned {
		e.enqueue(o.ID)
	}
}

// applyRider replaces the rider unless it has a pending local change.
func (e *Engine) applyRider(r domain.Rider) {
	if !e.exec.IfIdle(domain.EntityRider, r.ID, func() { e.Riders.Upsert(r) }) {
		e.log.Debug().Str("rider_id", r.ID).Msg("rider event deferred to pending mutation")
	}
}

// ----- helpers -----

// keepLocal swaps in the local value of every entity keep selects, and adds
// pending local entities the server list does not have yet.
func keepLocal[T state.Entity[T]](keep func(entityType, id string) bool, pending []domain.Operation, coll *state.Collection[T], entityType string, items []T) []T {
	seen := make(map[string]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		id := it.EntityID()
		seen[id] = struct{}{}
		if keep(entityType, id) {
			if cur, ok := coll.Get(id); ok {
				it = cur
			}
		}
		out = append(out, it)
	}
	for _, op := range pending {
		if op.EntityType != entityType {
			continue
		}
		if _, ok := seen[op.EntityID]; ok {
			continue
		}
		if cur, ok := coll.Get(op.EntityID); ok {
			out = append(out, cur)
		}
	}
	return out
}

// mergeByID concatenates lists; later copies of an id replace earlier ones
// in place.
func mergeByID(lists ...[]domain.Order) []domain.Order {
	idx := make(map[string]int)
	var out []domain.Order
	for _, l := range lists {
		for _, o := range l {
			if i, ok := idx[o.ID]; ok {
				out[i] = o
				continue
			}
			idx[o.ID] = len(out)
			out = append(out, o)
		}
	}
	return out
}

// dedupe drops empty and repeated ids, keeping first occurrences.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
