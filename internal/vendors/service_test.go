package vendors

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/ops-console-sync/internal/domain"
	"github.com/tbourn/ops-console-sync/internal/notify"
	"github.com/tbourn/ops-console-sync/internal/optimistic"
	"github.com/tbourn/ops-console-sync/internal/replicator"
	"github.com/tbourn/ops-console-sync/internal/repo"
)

func newSharedDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "console.db") + "?_pragma=busy_timeout(5000)"
	db, err := repo.OpenSQLite(path, repo.Options{Silent: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newSession(t *testing.T, db *gorm.DB, tr replicator.Transport, origin string) (*Service, *notify.Center) {
	t.Helper()
	n := notify.NewCenter(10)
	r := replicator.New(db, tr, origin)
	s := NewService(optimistic.NewExecutor(n, time.Second), r)
	t.Cleanup(func() {
		s.Close()
		_ = r.Close()
	})
	return s, n
}

func TestInvite_OtherSessionConvergesOverBroadcast(t *testing.T) {
	db := newSharedDB(t)
	hub := replicator.NewLocalHub()
	tabA, _ := newSession(t, db, replicator.NewBroadcastTransport(hub), "tab-a")
	tabB, _ := newSession(t, db, replicator.NewBroadcastTransport(hub), "tab-b")

	v, err := tabA.Invite(context.Background(), "  fresh   greens co ", "Ops@FreshGreens.example")
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if v.Name != "Fresh Greens Co" || v.Email != "ops@freshgreens.example" || v.Status != domain.VendorInvited {
		t.Fatalf("vendor = %+v", v)
	}

	got, ok := tabB.Vendors.Get(v.ID)
	if !ok || got.Name != v.Name {
		t.Fatalf("tab b has %+v (found=%v)", got, ok)
	}
}

func TestInvite_OtherSessionConvergesOverStoreSentinel(t *testing.T) {
	db := newSharedDB(t)
	tabA, _ := newSession(t, db, replicator.NewStorageEventTransport(db, 5*time.Millisecond), "tab-a")
	tabB, _ := newSession(t, db, replicator.NewStorageEventTransport(db, 5*time.Millisecond), "tab-b")

	v, err := tabA.Invite(context.Background(), "V1", "v1@example.com")
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := tabB.Vendors.Get(v.ID); ok {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("tab b never saw %s", v.ID)
}

func TestInvite_Validation(t *testing.T) {
	db := newSharedDB(t)
	s, _ := newSession(t, db, replicator.NewBroadcastTransport(replicator.NewLocalHub()), "tab-a")
	ctx := context.Background()

	if _, err := s.Invite(ctx, "   ", "a@b.c"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.Invite(ctx, "Acme", "not-an-email"); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.Invite(ctx, "Acme", "a@b.c"); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if _, err := s.Invite(ctx, "Acme Two", "A@B.C"); !errors.Is(err, ErrDuplicateVendor) {
		t.Fatalf("err = %v", err)
	}
	if len(s.List()) != 1 {
		t.Fatalf("list = %+v", s.List())
	}
}

func TestInvite_ConcurrentInvitesNormalizeNames(t *testing.T) {
	db := newSharedDB(t)
	s, _ := newSession(t, db, replicator.NewBroadcastTransport(replicator.NewLocalHub()), "tab-a")

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.Invite(context.Background(), fmt.Sprintf("  corner   bakery %d ", i), fmt.Sprintf("shop%d@example.com", i))
			if err == nil && v.Name != fmt.Sprintf("Corner Bakery %d", i) {
				err = fmt.Errorf("name = %q", v.Name)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Invite: %v", err)
		}
	}
	if got := len(s.List()); got != n {
		t.Fatalf("list has %d vendors; want %d", got, n)
	}
}

func TestInvite_ConcurrentSameEmailOnlyOneWins(t *testing.T) {
	db := newSharedDB(t)
	s, _ := newSession(t, db, replicator.NewBroadcastTransport(replicator.NewLocalHub()), "tab-a")

	const n = 8
	var (
		wg   sync.WaitGroup
		ok   atomic.Int32
		dups atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Invite(context.Background(), fmt.Sprintf("Acme %d", i), "Orders@Acme.example")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrDuplicateVendor):
				dups.Add(1)
			default:
				t.Errorf("Invite: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if ok.Load() != 1 || dups.Load() != n-1 {
		t.Fatalf("succeeded=%d duplicates=%d; want 1 and %d", ok.Load(), dups.Load(), n-1)
	}
	if got := len(s.List()); got != 1 {
		t.Fatalf("list = %+v", s.List())
	}
}

func TestInvite_StoreFailureRollsBack(t *testing.T) {
	dsn := fmt.Sprintf("file:vendors_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// no migration: every store write fails
	s, center := newSession(t, db, replicator.NewBroadcastTransport(replicator.NewLocalHub()), "tab-a")

	_, err = s.Invite(context.Background(), "Acme", "a@b.c")
	var rb *optimistic.RollbackError
	if !errors.As(err, &rb) {
		t.Fatalf("err = %v; want RollbackError", err)
	}
	if s.Vendors.Len() != 0 {
		t.Fatalf("optimistic insert not removed: %+v", s.List())
	}
	if alerts := center.List(); len(alerts) != 1 || alerts[0].Kind != domain.KindRollback {
		t.Fatalf("alerts = %+v", alerts)
	}
}

func TestUpdateStatus(t *testing.T) {
	db := newSharedDB(t)
	hub := replicator.NewLocalHub()
	tabA, _ := newSession(t, db, replicator.NewBroadcastTransport(hub), "tab-a")
	tabB, _ := newSession(t, db, replicator.NewBroadcastTransport(hub), "tab-b")
	ctx := context.Background()

	v, _ := tabA.Invite(ctx, "Acme", "a@b.c")
	got, err := tabB.UpdateStatus(ctx, v.ID, domain.VendorApproved)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if got.Status != domain.VendorApproved {
		t.Fatalf("vendor = %+v", got)
	}
	if a, _ := tabA.Vendors.Get(v.ID); a.Status != domain.VendorApproved {
		t.Fatalf("tab a still sees %+v", a)
	}

	if _, err := tabA.UpdateStatus(ctx, "missing", domain.VendorPending); !errors.Is(err, ErrVendorNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, err := tabA.UpdateStatus(ctx, v.ID, "archived"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("err = %v", err)
	}
}

func TestLoad_BootstrapsFromStore(t *testing.T) {
	db := newSharedDB(t)
	hub := replicator.NewLocalHub()
	tabA, _ := newSession(t, db, replicator.NewBroadcastTransport(hub), "tab-a")
	v, _ := tabA.Invite(context.Background(), "Acme", "a@b.c")

	late, _ := newSession(t, db, replicator.NewBroadcastTransport(replicator.NewLocalHub()), "tab-c")
	if err := late.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := late.Vendors.Get(v.ID); !ok {
		t.Fatalf("bootstrap missing %s", v.ID)
	}
}
