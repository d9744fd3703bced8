package domain

import (
	"errors"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestOrderStatus_Predicates(t *testing.T) {
	cases := []struct {
		s                       OrderStatus
		valid, terminal, active bool
	}{
		{OrderUnassigned, true, false, false},
		{OrderAssigned, true, false, true},
		{OrderPickedUp, true, false, true},
		{OrderDelivered, true, true, false},
		{OrderCancelled, true, true, false},
		{"lost", false, false, false},
	}
	for _, tc := range cases {
		if tc.s.Valid() != tc.valid || tc.s.Terminal() != tc.terminal || tc.s.Active() != tc.active {
			t.Fatalf("%q: valid=%v terminal=%v active=%v", tc.s, tc.s.Valid(), tc.s.Terminal(), tc.s.Active())
		}
	}
}

func TestPriority_Rank(t *testing.T) {
	if !(PriorityUrgent.Rank() > PriorityHigh.Rank() &&
		PriorityHigh.Rank() > PriorityNormal.Rank() &&
		PriorityNormal.Rank() > PriorityLow.Rank()) {
		t.Fatalf("priority ranks not ordered")
	}
	if Priority("").Rank() != PriorityNormal.Rank() {
		t.Fatalf("unknown priority should rank as normal")
	}
}

func TestOrder_CheckInvariant(t *testing.T) {
	ok := []Order{
		{ID: "o1", Status: OrderUnassigned},
		{ID: "o2", Status: OrderAssigned, RiderID: "r1"},
		{ID: "o3", Status: OrderPickedUp, RiderID: "r1"},
		{ID: "o4", Status: OrderDelivered, RiderID: "r1"},
		{ID: "o5", Status: OrderCancelled},
	}
	for _, o := range ok {
		if err := o.CheckInvariant(); err != nil {
			t.Fatalf("%s: unexpected %v", o.ID, err)
		}
	}
	bad := []Order{
		{ID: "b1", Status: OrderUnassigned, RiderID: "r1"},
		{ID: "b2", Status: OrderAssigned},
	}
	for _, o := range bad {
		if err := o.CheckInvariant(); !errors.Is(err, ErrOrderRiderMismatch) {
			t.Fatalf("%s: expected ErrOrderRiderMismatch, got %v", o.ID, err)
		}
	}
}

func TestRider_CloneCopiesLocation(t *testing.T) {
	r := Rider{ID: "r1", Location: &GeoPoint{Lat: 1, Lng: 2}}
	c := r.Clone()
	c.Location.Lat = 99
	if r.Location.Lat != 1 {
		t.Fatalf("clone shares location pointer")
	}
	if (Rider{ID: "r2"}).Clone().Location != nil {
		t.Fatalf("nil location should stay nil")
	}
}

func TestRider_HasCapacity(t *testing.T) {
	if !(Rider{Load: 1, MaxCapacity: 2}).HasCapacity() {
		t.Fatalf("1/2 should have capacity")
	}
	if (Rider{Load: 2, MaxCapacity: 2}).HasCapacity() {
		t.Fatalf("2/2 should be full")
	}
}

func TestVendorStatus_Valid(t *testing.T) {
	for _, s := range []VendorStatus{VendorInvited, VendorPending, VendorApproved, VendorRejected} {
		if !s.Valid() {
			t.Fatalf("%q should be valid", s)
		}
	}
	if VendorStatus("archived").Valid() {
		t.Fatalf("unknown vendor status should be invalid")
	}
}

func TestOperation_Key(t *testing.T) {
	op := Operation{EntityType: EntityOrder, EntityID: "o1"}
	if op.Key() != "order:o1" {
		t.Fatalf("Key() = %q", op.Key())
	}
}

func TestTableNames_AndMigrate(t *testing.T) {
	if (StoreEntry{}).TableName() != "store_entries" || (Idempotency{}).TableName() != "idempotency" {
		t.Fatalf("unexpected table names")
	}

	db, err := gorm.Open(sqlite.Open("file:domain_models?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&StoreEntry{}, &Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()
	if !m.HasIndex(&Idempotency{}, "ux_operator_scope_key") {
		t.Fatalf("expected unique index ux_operator_scope_key")
	}

	now := time.Now().UTC()
	a := &Idempotency{ID: "i1", OperatorID: "u1", Scope: "o1", Key: "k", Status: 200, Body: "{}", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := db.Create(a).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := *a
	dup.ID = "i2"
	if err := db.Create(&dup).Error; err == nil {
		t.Fatalf("expected unique violation for duplicate (operator, scope, key)")
	}
}
