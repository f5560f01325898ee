package evaluation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/watchmarket/internal/ledger"
	"github.com/mbd888/watchmarket/internal/logging"
	"github.com/mbd888/watchmarket/internal/money"
	"github.com/mbd888/watchmarket/internal/registry"
	"github.com/mbd888/watchmarket/internal/testutil"
	"github.com/mbd888/watchmarket/internal/wallet"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db := testutil.PGTest(t)
	ctx := context.Background()

	dir := registry.NewPostgresStore(db)
	admin := &registry.User{FullName: "Platform", Email: "admin@example.com", Role: registry.RoleAdmin, Active: true}
	owner := &registry.User{FullName: "Ana", Email: "ana@example.com", Role: registry.RoleUser, Active: true}
	shopUser := &registry.User{FullName: "Loja", Email: "loja@example.com", Role: registry.RoleStore, Active: true}
	evalUser := &registry.User{FullName: "Caio", Email: "caio@example.com", Role: registry.RoleEvaluator, Active: true}
	for _, u := range []*registry.User{admin, owner, shopUser, evalUser} {
		if err := dir.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}
	shop := &registry.Shop{UserID: shopUser.ID, Name: "Loja", Credentialed: true, CommissionRate: registry.DefaultShopCommission}
	if err := dir.CreateShop(ctx, shop); err != nil {
		t.Fatalf("CreateShop: %v", err)
	}
	evaluator := &registry.Evaluator{UserID: evalUser.ID, StoreID: shop.ID, Name: "Caio", Active: true, EvaluationFee: money.FromWhole(500)}
	if err := dir.CreateEvaluator(ctx, evaluator); err != nil {
		t.Fatalf("CreateEvaluator: %v", err)
	}
	watch := &registry.Watch{SerialNumber: "SN-PG", Brand: "Rolex", Model: "Datejust", OwnerID: owner.ID}
	if err := dir.CreateWatch(ctx, watch); err != nil {
		t.Fatalf("CreateWatch: %v", err)
	}

	ledgerStore := ledger.NewPostgresStore(db)
	store := NewPostgresStore(db, ledgerStore)

	now := time.Now().UTC().Truncate(time.Microsecond)
	e := &Evaluation{
		ID:          "evl_pg",
		WatchID:     watch.ID,
		RequesterID: owner.ID,
		EvaluatorID: evaluator.ID,
		StoreID:     shop.ID,
		Fee:         money.FromWhole(500),
		Status:      StatusRequested,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// paying before completion is a stale transition
	if err := store.MarkPaid(ctx, e.ID, &Payment{Method: wallet.MethodPix, PaidAt: now}); !errors.Is(err, ErrStaleState) {
		t.Fatalf("Expected ErrStaleState, got %v", err)
	}

	authentic := true
	value := money.FromWhole(42000)
	e.Status = StatusCompleted
	e.Condition = "excellent"
	e.Authentic = &authentic
	e.EstimatedValue = &value
	e.CompletedAt = &now
	if err := store.Complete(ctx, e); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	policy, _ := ledger.DefaultPolicy(800, 3000)
	l := ledger.New(policy, dir, ledgerStore, logging.Discard())
	batch, err := l.Plan(ctx, ledger.EventEvaluation, e.ID, e.Fee, map[string]string{ledger.RolePlatform: admin.ID, ledger.RoleStore: shopUser.ID})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if err := store.MarkPaid(ctx, e.ID, &Payment{Method: wallet.MethodPix, Reference: "0xpix", PaidAt: now, Batch: batch}); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}

	got, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPaid || got.PaymentRef != "0xpix" || got.PaidAt == nil {
		t.Errorf("Unexpected paid evaluation: %+v", got)
	}
	if got.EstimatedValue == nil || *got.EstimatedValue != value {
		t.Errorf("Expected estimated value %s, got %v", value, got.EstimatedValue)
	}

	bal, err := ledgerStore.GetBalance(ctx, shopUser.ID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Primary != money.FromWhole(350) {
		t.Errorf("Expected store credited 350.00, got %s", bal.Primary)
	}

	if _, err := store.Get(ctx, "evl_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
