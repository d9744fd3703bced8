// Package vendors runs the vendor onboarding queue. Invites and status
// changes apply optimistically, are confirmed by persisting the queue to the
// durable store, and reach other console sessions through the replicator.
//
// Semantics:
//   - Names are trimmed and title-cased; emails are trimmed and lowercased
//     before the duplicate check.
//   - Invites of one address are serialized, so two concurrent invites of
//     the same email cannot both pass the duplicate check.
//   - A reload from another session keeps vendors with a pending local
//     change.
//
// Errors:
//   - ErrInvalidName, ErrInvalidEmail, ErrDuplicateVendor, ErrVendorNotFound
//     and ErrInvalidStatus reject a change before it is applied.
//   - A store failure rolls the change back and returns the
//     *optimistic.RollbackError.
package vendors

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/ops-console-sync/internal/domain"
	"github.com/tbourn/ops-console-sync/internal/optimistic"
	"github.com/tbourn/ops-console-sync/internal/replicator"
	"github.com/tbourn/ops-console-sync/internal/state"
)

// Topic is the store key and sync topic of the vendor queue.
const Topic = "vendors"

// Validation failures returned before a change is applied.
var (
	ErrInvalidName     = errors.New("vendor name is required")
	ErrInvalidEmail    = errors.New("vendor email is invalid")
	ErrDuplicateVendor = errors.New("vendor already invited")
	ErrVendorNotFound  = errors.New("vendor not found")
	ErrInvalidStatus   = errors.New("invalid vendor status")
)

// Service owns the vendor collection of one console session.
type Service struct {
	Vendors *state.Collection[domain.Vendor]

	exec    *optimistic.Executor
	sync    *replicator.Replicator
	log     zerolog.Logger
	now     func() time.Time
	unwatch func()

	persistMu sync.Mutex
}

// NewService returns a service that follows other sessions' changes.
func NewService(exec *optimistic.Executor, r *replicator.Replicator) *Service {
	s := &Service{
		Vendors: state.NewCollection[domain.Vendor](Topic),
		exec:    exec,
		sync:    r,
		log:     log.With().Str("component", "vendors").Logger(),
		now:     time.Now,
	}
	s.unwatch = r.OnRemoteChange(Topic, s.reload)
	return s
}

// Close stops following other sessions.
func (s *Service) Close() { s.unwatch() }

// Load fills the queue from the durable store.
func (s *Service) Load(ctx context.Context) error {
	items, _, err := replicator.Load[domain.Vendor](ctx, s.sync, Topic)
	if err != nil {
		return err
	}
	s.exec.Locked(func(v optimistic.View) {
		s.Vendors.Replace(s.keepPending(v, items))
	})
	return nil
}

// List returns the queue in invitation order.
func (s *Service) List() []domain.Vendor { return s.Vendors.List() }

// Invite adds a vendor in the invited state.
func (s *Service) Invite(ctx context.Context, name, email string) (domain.Vendor, error) {
	// Casers carry state between calls; one per invite.
	name = cases.Title(language.Und).String(strings.Join(strings.Fields(name), " "))
	if name == "" {
		return domain.Vendor{}, ErrInvalidName
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return domain.Vendor{}, ErrInvalidEmail
	}
	now := s.now().UTC()
	v := domain.Vendor{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     strings.ToLower(addr.Address),
		Status:    domain.VendorInvited,
		InvitedAt: now,
		UpdatedAt: now,
	}

	err = s.exec.Execute(ctx, optimistic.Op{
		Label: "Invite " + v.Name,
		Targets: []optimistic.Target{
			optimistic.Mutate(s.Vendors, domain.EntityVendor, v.ID, func(domain.Vendor, bool) (domain.Vendor, bool) {
				return v, true
			}),
		},
		// Invites of one address run one after another: the second validates
		// only once the first is confirmed or rolled back.
		Locks: []string{"vendor-email:" + v.Email},
		Validate: func() error {
			for _, cur := range s.Vendors.List() {
				if cur.Email == v.Email {
					return ErrDuplicateVendor
				}
			}
			return nil
		},
		Commit: func(ctx context.Context) error { return s.persist(ctx, v.ID) },
	})
	if err != nil {
		return domain.Vendor{}, err
	}
	return v, nil
}

// UpdateStatus moves vendor id to status.
func (s *Service) UpdateStatus(ctx context.Context, id string, status domain.VendorStatus) (domain.Vendor, error) {
	if !status.Valid() {
		return domain.Vendor{}, ErrInvalidStatus
	}
	now := s.now().UTC()
	err := s.exec.Execute(ctx, optimistic.Op{
		Label: "Update vendor status",
		Targets: []optimistic.Target{
			optimistic.Mutate(s.Vendors, domain.EntityVendor, id, func(v domain.Vendor, ok bool) (domain.Vendor, bool) {
				v.Status = status
				v.UpdatedAt = now
				return v, ok
			}),
		},
		Validate: func() error {
			if _, ok := s.Vendors.Get(id); !ok {
				return ErrVendorNotFound
			}
			return nil
		},
		Commit: func(ctx context.Context) error { return s.persist(ctx, id) },
	})
	if err != nil {
		return domain.Vendor{}, err
	}
	v, _ := s.Vendors.Get(id)
	return v, nil
}

// persist writes the queue without other sessions' unconfirmed entries, then
// signals the change.
func (s *Service) persist(ctx context.Context, self string) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	all := s.Vendors.List()
	items := make([]domain.Vendor, 0, len(all))
	for _, v := range all {
		if v.ID != self && s.exec.Busy(domain.EntityVendor, v.ID) {
			continue
		}
		items = append(items, v)
	}
	return replicator.Commit(ctx, s.sync, Topic, items)
}

func (s *Service) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Load(ctx); err != nil {
		s.log.Warn().Err(err).Msg("reload vendors after remote change")
	}
}

func (s *Service) keepPending(view optimistic.View, items []domain.Vendor) []domain.Vendor {
	seen := make(map[string]struct{}, len(items))
	out := make([]domain.Vendor, 0, len(items))
	for _, v := range items {
		seen[v.ID] = struct{}{}
		if view.Busy(domain.EntityVendor, v.ID) {
			if cur, ok := s.Vendors.Get(v.ID); ok {
				v = cur
			}
		}
		out = append(out, v)
	}
	for _, op := range view.Pending() {
		if op.EntityType != domain.EntityVendor {
			continue
		}
		if _, ok := seen[op.EntityID]; ok {
			continue
		}
		if cur, ok := s.Vendors.Get(op.EntityID); ok {
			out = append(out, cur)
		}
	}
	return out
}
