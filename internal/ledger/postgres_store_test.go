package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/mbd888/watchmarket/internal/logging"
	"github.com/mbd888/watchmarket/internal/money"
	"github.com/mbd888/watchmarket/internal/registry"
	"github.com/mbd888/watchmarket/internal/testutil"
)

func TestPostgresStore_ApplyAndDuplicate(t *testing.T) {
	db := testutil.PGTest(t)
	ctx := context.Background()

	dir := registry.NewPostgresStore(db)
	admin := &registry.User{FullName: "Platform", Email: "admin@example.com", Role: registry.RoleAdmin, Active: true}
	seller := &registry.User{FullName: "Ana", Email: "ana@example.com", Role: registry.RoleUser, Active: true}
	for _, u := range []*registry.User{admin, seller} {
		if err := dir.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}

	policy, _ := DefaultPolicy(800, 3000)
	store := NewPostgresStore(db)
	l := New(policy, dir, store, logging.Discard())

	batch, err := l.Plan(ctx, EventResale, "esc_pg", money.FromWhole(10000), map[string]string{RolePlatform: admin.ID, RoleSeller: seller.ID})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if err := l.Apply(ctx, batch); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	bal, err := store.GetBalance(ctx, seller.ID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Primary != money.FromWhole(9200) {
		t.Errorf("Expected 9200.00, got %s", bal.Primary)
	}

	again, _ := l.Plan(ctx, EventResale, "esc_pg", money.FromWhole(10000), map[string]string{RolePlatform: admin.ID, RoleSeller: seller.ID})
	if err := l.Apply(ctx, again); !errors.Is(err, ErrDuplicateCommission) {
		t.Fatalf("Expected ErrDuplicateCommission, got %v", err)
	}

	bal, _ = store.GetBalance(ctx, admin.ID)
	if bal.Primary != money.FromWhole(800) {
		t.Errorf("Expected admin balance unchanged at 800.00, got %s", bal.Primary)
	}

	rows, err := store.ListCommissions(ctx, "esc_pg")
	if err != nil {
		t.Fatalf("ListCommissions: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("Expected 2 commission rows, got %d", len(rows))
	}
}
