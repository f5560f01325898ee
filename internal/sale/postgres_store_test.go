package sale

import (
	"context"
	"errors"
	"testing"

	"github.com/mbd888/watchmarket/internal/ledger"
	"github.com/mbd888/watchmarket/internal/logging"
	"github.com/mbd888/watchmarket/internal/money"
	"github.com/mbd888/watchmarket/internal/registry"
	"github.com/mbd888/watchmarket/internal/testutil"
)

func TestPostgresStore_Complete(t *testing.T) {
	db := testutil.PGTest(t)
	ctx := context.Background()

	dir := registry.NewPostgresStore(db)
	admin := &registry.User{FullName: "Platform", Email: "admin@example.com", Role: registry.RoleAdmin, Active: true}
	shopUser := &registry.User{FullName: "Loja", Email: "loja@example.com", Role: registry.RoleStore, Active: true}
	buyer := &registry.User{FullName: "Ana", Email: "ana@example.com", Role: registry.RoleUser, Active: true}
	for _, u := range []*registry.User{admin, shopUser, buyer} {
		if err := dir.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}
	shop := &registry.Shop{UserID: shopUser.ID, Name: "Loja", Credentialed: true, CommissionRate: registry.DefaultShopCommission}
	if err := dir.CreateShop(ctx, shop); err != nil {
		t.Fatalf("CreateShop: %v", err)
	}
	watch := &registry.Watch{SerialNumber: "SN-SALE", Brand: "Tudor", Model: "Black Bay", OwnerID: shopUser.ID}
	if err := dir.CreateWatch(ctx, watch); err != nil {
		t.Fatalf("CreateWatch: %v", err)
	}

	ledgerStore := ledger.NewPostgresStore(db)
	store := NewPostgresStore(db, ledgerStore, dir)
	policy, _ := ledger.DefaultPolicy(800, 3000)
	l := ledger.New(policy, dir, ledgerStore, logging.Discard())

	price := money.FromWhole(8000)
	batch, err := l.Plan(ctx, ledger.EventSale, "sal_pg", price, map[string]string{
		ledger.RolePlatform: admin.ID,
		ledger.RoleStore:    shopUser.ID,
	}, ledger.WithRate(ledger.RolePlatform, shop.CommissionRate))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	transfer := &registry.OwnershipTransfer{
		ID:         "sal_pg",
		WatchID:    watch.ID,
		FromUserID: shopUser.ID,
		ToUserID:   buyer.ID,
		TxHash:     "0xsale",
		Type:       registry.TransferSale,
		Price:      price,
		AdminFee:   batch.Share(ledger.RolePlatform),
	}

	// unlisted watches roll back without crediting anyone
	if err := store.Complete(ctx, transfer, batch); !errors.Is(err, registry.ErrNotListed) {
		t.Fatalf("Expected ErrNotListed, got %v", err)
	}
	if bal, _ := ledgerStore.GetBalance(ctx, shopUser.ID); !bal.Primary.IsZero() {
		t.Errorf("Expected no credit after rollback, got %s", bal.Primary)
	}

	if err := dir.ListWatch(ctx, watch.ID, shop.ID, price); err != nil {
		t.Fatalf("ListWatch: %v", err)
	}
	if err := store.Complete(ctx, transfer, batch); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, _ := dir.GetWatch(ctx, watch.ID)
	if got.OwnerID != buyer.ID || got.Status != registry.WatchSold {
		t.Errorf("Expected sold to buyer, got %s %s", got.OwnerID, got.Status)
	}
	bal, _ := ledgerStore.GetBalance(ctx, shopUser.ID)
	if bal.Primary != money.FromWhole(7600) {
		t.Errorf("Expected store credited 7600.00, got %s", bal.Primary)
	}
	adminBal, _ := ledgerStore.GetBalance(ctx, admin.ID)
	if adminBal.Primary != money.FromWhole(400) {
		t.Errorf("Expected platform credited 400.00, got %s", adminBal.Primary)
	}
}
