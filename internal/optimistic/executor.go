// Package optimistic applies local state changes immediately, confirms them
// against the server in the background of the caller, and restores the exact
// prior state when the server rejects or does not answer in time.
//
// Mutations touching the same entity are serialized: a second mutation waits
// until the first is confirmed or rolled back, so a snapshot never captures
// another mutation's unconfirmed value.
//
// Semantics:
//   - Apply, confirm and rollback run under the executor lock, as do IfIdle
//     and Locked. Code running there sees either no pending value for an
//     entity or the whole pending operation, never half of one.
//   - Op.OnConfirm runs before the entity stops being pending, so callers
//     that keep local values for confirmed entities never see a gap between
//     "no longer pending" and "known confirmed".
//   - A rollback restores the exact snapshot taken at apply time, including
//     absence for entities the mutation created.
//
// Errors:
//   - Validate errors are returned as-is; nothing was applied.
//   - Commit failures and timeouts come back as *RollbackError wrapping the
//     cause (ErrCommitTimeout on timeout) after the state is restored.
//   - Context errors while waiting for entity locks are returned unwrapped.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/ops-console-sync/internal/domain"
	"github.com/tbourn/ops-console-sync/internal/notify"
	"github.com/tbourn/ops-console-sync/internal/state"
)

// ErrCommitTimeout is returned (wrapped in a RollbackError) when the server
// did not confirm a mutation within the executor timeout.
var ErrCommitTimeout = errors.New("mutation not confirmed in time")

var (
	mutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_mutations_total",
			Help: "Optimistic mutations by label and outcome.",
		},
		[]string{"label", "outcome"},
	)
	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "console_mutations_pending",
		Help: "Entities currently holding an unconfirmed optimistic value.",
	})
)

func init() {
	prometheus.MustRegister(mutationsTotal, pendingGauge)
}

// RollbackError reports a mutation that was applied locally and then undone.
type RollbackError struct {
	Label      string
	EntityType string
	EntityIDs  []string
	Err        error
}

// Error reports the label and the cause.
func (e *RollbackError) Error() string {
	return fmt.Sprintf("%s rolled back: %v", e.Label, e.Err)
}

// Unwrap returns the commit failure.
func (e *RollbackError) Unwrap() error { return e.Err }

// Target is one entity change inside an Op. Build targets with Mutate.
type Target interface {
	EntityType() string
	EntityID() string
	apply() (before, after any, existed bool)
	rollback()
}

type target[T state.Entity[T]] struct {
	coll *state.Collection[T]
	typ  string
	id   string
	fn   func(cur T, exists bool) (T, bool)

	snap    T
	existed bool
}

// Mutate describes a change of entity id in coll. fn follows the contract of
// state.Collection.Update.
func Mutate[T state.Entity[T]](coll *state.Collection[T], entityType, id string, fn func(cur T, exists bool) (T, bool)) Target {
	return &target[T]{coll: coll, typ: entityType, id: id, fn: fn}
}

// EntityType and EntityID name the entity the pending map is keyed by.
func (t *target[T]) EntityType() string { return t.typ }
func (t *target[T]) EntityID() string   { return t.id }

func (t *target[T]) apply() (before, after any, existed bool) {
	var next T
	var kept bool
	t.snap, t.existed = t.coll.Update(t.id, func(cur T, exists bool) (T, bool) {
		next, kept = t.fn(cur, exists)
		return next, kept
	})
	if t.existed {
		before = t.snap
	}
	if kept {
		after = next
	}
	return before, after, t.existed
}

func (t *target[T]) rollback() {
	t.coll.Restore(t.id, t.snap, t.existed)
}

// Op is a single user action.
//
// Semantics:
//   - Validate runs once every target entity (and every extra Locks key) is
//     held and before anything is applied; a non-nil error rejects the Op
//     without touching state or calling Commit.
//   - Locks names extra keys serialized like entity keys, for checks that
//     span entities (e.g. "no other vendor with this email").
//   - OnConfirm runs after a successful commit while the targets still
//     count as pending, so observers never see the entity neither pending
//     nor confirmed. It must not call back into the Executor.
//   - Reconcile, when set, runs after a rollback to resynchronize with the
//     server.
type Op struct {
	Label     string
	Targets   []Target
	Locks     []string
	Validate  func() error
	Commit    func(ctx context.Context) error
	OnConfirm func()
	Reconcile func()
}

// Executor runs Ops.
type Executor struct {
	notify  *notify.Center
	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time

	locks *keyLock
	seq   atomic.Uint64

	mu      sync.Mutex
	pending map[string]domain.Operation
}

// NewExecutor returns an Executor that waits at most timeout for a commit.
// notifications may be nil.
func NewExecutor(notifications *notify.Center, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Executor{
		notify:  notifications,
		timeout: timeout,
		log:     log.With().Str("component", "optimistic").Logger(),
		now:     time.Now,
		locks:   newKeyLock(),
		pending: make(map[string]domain.Operation),
	}
}

// Execute applies op locally, commits it, and rolls it back on failure.
// Cancelling ctx only aborts waiting for entity locks; once applied, the
// commit runs to completion or timeout regardless of the caller.
func (e *Executor) Execute(ctx context.Context, op Op) error {
	tr := otel.Tracer("optimistic/Executor")
	ctx, span := tr.Start(ctx, "Execute",
		trace.WithAttributes(
			attribute.String("mutation.label", op.Label),
			attribute.Int("mutation.targets", len(op.Targets)),
		),
	)
	defer span.End()

	if len(op.Targets) == 0 || op.Commit == nil {
		return errors.New("optimistic: op needs targets and a commit")
	}

	keys := make([]string, 0, len(op.Targets)+len(op.Locks))
	for _, t := range op.Targets {
		keys = append(keys, key(t.EntityType(), t.EntityID()))
	}
	for _, k := range op.Locks {
		keys = append(keys, "lock:"+k)
	}
	release, err := e.locks.acquire(ctx, keys)
	if err != nil {
		return err
	}

	rerr := e.run(ctx, op)
	release()

	switch {
	case rerr == nil:
		mutationsTotal.WithLabelValues(op.Label, "confirmed").Inc()
		return nil
	case errors.As(rerr, new(*RollbackError)):
		mutationsTotal.WithLabelValues(op.Label, "rolled_back").Inc()
		span.RecordError(rerr)
		span.SetStatus(codes.Error, "rolled back")
		if op.Reconcile != nil {
			op.Reconcile()
		}
	default:
		mutationsTotal.WithLabelValues(op.Label, "rejected").Inc()
	}
	return rerr
}

func (e *Executor) run(ctx context.Context, op Op) error {
	if op.Validate != nil {
		if err := op.Validate(); err != nil {
			return err
		}
	}

	seq := e.seq.Add(1)
	started := e.now().UTC()

	e.mu.Lock()
	for _, t := range op.Targets {
		before, after, existed := t.apply()
		e.pending[key(t.EntityType(), t.EntityID())] = domain.Operation{
			Seq:        seq,
			Label:      op.Label,
			EntityType: t.EntityType(),
			EntityID:   t.EntityID(),
			Before:     before,
			After:      after,
			Existed:    existed,
			Status:     domain.OpPending,
			StartedAt:  started,
		}
	}
	pendingGauge.Set(float64(len(e.pending)))
	e.mu.Unlock()

	err := e.commit(ctx, op.Commit)

	e.mu.Lock()
	switch {
	case err != nil:
		for i := len(op.Targets) - 1; i >= 0; i-- {
			op.Targets[i].rollback()
		}
	case op.OnConfirm != nil:
		op.OnConfirm()
	}
	for _, t := range op.Targets {
		delete(e.pending, key(t.EntityType(), t.EntityID()))
	}
	pendingGauge.Set(float64(len(e.pending)))
	e.mu.Unlock()

	if err == nil {
		e.log.Debug().Uint64("seq", seq).Str("label", op.Label).Msg("mutation confirmed")
		return nil
	}

	ids := make([]string, len(op.Targets))
	for i, t := range op.Targets {
		ids[i] = t.EntityID()
	}
	first := op.Targets[0]
	e.log.Warn().Err(err).Uint64("seq", seq).Str("label", op.Label).Strs("entities", ids).Msg("mutation rolled back")
	if e.notify != nil {
		e.notify.Error(domain.KindRollback, fmt.Sprintf("%s failed: %v", op.Label, err), first.EntityType(), first.EntityID())
	}
	return &RollbackError{Label: op.Label, EntityType: first.EntityType(), EntityIDs: ids, Err: err}
}

func (e *Executor) commit(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(cctx) }()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		return ErrCommitTimeout
	}
}

// IfIdle runs fn only when no optimistic value is pending for the entity and
// reports whether it ran. Realtime merges use it so a pending local value is
// not overwritten before the server has answered. fn and collection watchers
// must not call back into the Executor.
func (e *Executor) IfIdle(entityType, id string, fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.pending[key(entityType, id)]; busy {
		return false
	}
	fn()
	return true
}

// Busy reports whether the entity holds an unconfirmed value.
func (e *Executor) Busy(entityType, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, busy := e.pending[key(entityType, id)]
	return busy
}

// Pending lists unconfirmed operations ordered by sequence number.
func (e *Executor) Pending() []domain.Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedOps(e.pending)
}

// View is the pending set as seen from inside Locked.
type View struct {
	pending map[string]domain.Operation
}

// Busy reports whether the entity holds an unconfirmed value.
func (v View) Busy(entityType, id string) bool {
	_, busy := v.pending[key(entityType, id)]
	return busy
}

// Pending lists unconfirmed operations ordered by sequence number.
func (v View) Pending() []domain.Operation { return sortedOps(v.pending) }

// Locked runs fn while no mutation can apply, confirm or roll back. Bulk
// replacements (refresh, store reload) use it to decide which local values
// to keep and to write the result in one step, so a mutation applied
// between the decision and the write cannot be overwritten. Like IfIdle, fn
// must not call back into the Executor.
func (e *Executor) Locked(fn func(v View)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(View{pending: e.pending})
}

func sortedOps(pending map[string]domain.Operation) []domain.Operation {
	out := make([]domain.Operation, 0, len(pending))
	for _, op := range pending {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

func key(entityType, id string) string { return entityType + ":" + id }
