package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/mbd888/watchmarket/internal/money"
	"github.com/mbd888/watchmarket/internal/testutil"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	db := testutil.PGTest(t)
	p := NewPostgresStore(db)
	ctx := context.Background()

	owner, shopUser, shop, watch := seed(t, p)

	gotShop, err := p.GetShop(ctx, shop.ID)
	if err != nil {
		t.Fatalf("GetShop: %v", err)
	}
	if gotShop.UserID != shopUser.ID || gotShop.CommissionRate != DefaultShopCommission {
		t.Errorf("Unexpected shop: %+v", gotShop)
	}

	gotWatch, err := p.GetWatch(ctx, watch.ID)
	if err != nil {
		t.Fatalf("GetWatch: %v", err)
	}
	if gotWatch.OwnerID != owner.ID || gotWatch.Status != WatchRegistered {
		t.Errorf("Unexpected watch: %+v", gotWatch)
	}

	dup := &Watch{SerialNumber: watch.SerialNumber, Brand: "Omega", Model: "Seamaster", OwnerID: owner.ID}
	if err := p.CreateWatch(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists for duplicate serial, got %v", err)
	}

	if _, err := p.GetWatch(ctx, "wch_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_RecordTransfer(t *testing.T) {
	db := testutil.PGTest(t)
	p := NewPostgresStore(db)
	ctx := context.Background()

	owner, shopUser, _, watch := seed(t, p)

	// wrong sender is rejected and leaves no history
	err := p.RecordTransfer(ctx, &OwnershipTransfer{
		WatchID: watch.ID, FromUserID: shopUser.ID, ToUserID: owner.ID, Type: TransferResale,
	})
	if !errors.Is(err, ErrOwnerMismatch) {
		t.Fatalf("Expected ErrOwnerMismatch, got %v", err)
	}

	tr := &OwnershipTransfer{
		WatchID:    watch.ID,
		FromUserID: owner.ID,
		ToUserID:   shopUser.ID,
		TxHash:     "0xfeed",
		Type:       TransferResale,
		Price:      money.FromWhole(10000),
		AdminFee:   money.FromWhole(800),
	}
	if err := p.RecordTransfer(ctx, tr); err != nil {
		t.Fatalf("RecordTransfer: %v", err)
	}

	got, _ := p.GetWatch(ctx, watch.ID)
	if got.OwnerID != shopUser.ID {
		t.Errorf("Expected owner %s, got %s", shopUser.ID, got.OwnerID)
	}

	history, err := p.ListTransfers(ctx, watch.ID)
	if err != nil {
		t.Fatalf("ListTransfers: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("Expected 1 transfer, got %d", len(history))
	}
	h := history[0]
	if h.ID != tr.ID || h.TxHash != "0xfeed" || h.Price != money.FromWhole(10000) || h.AdminFee != money.FromWhole(800) {
		t.Errorf("Unexpected transfer record: %+v", h)
	}
}

func TestPostgresStore_SaleNeedsListing(t *testing.T) {
	db := testutil.PGTest(t)
	p := NewPostgresStore(db)
	ctx := context.Background()

	owner, shopUser, shop, watch := seed(t, p)

	sale := &OwnershipTransfer{
		WatchID:    watch.ID,
		FromUserID: owner.ID,
		ToUserID:   shopUser.ID,
		TxHash:     "0x5a1e",
		Type:       TransferSale,
		Price:      money.FromWhole(4000),
		AdminFee:   money.FromWhole(200),
	}
	if err := p.RecordTransfer(ctx, sale); !errors.Is(err, ErrNotListed) {
		t.Fatalf("Expected ErrNotListed, got %v", err)
	}

	if err := p.ListWatch(ctx, watch.ID, shop.ID, money.FromWhole(4000)); err != nil {
		t.Fatalf("ListWatch: %v", err)
	}
	listed, _ := p.GetWatch(ctx, watch.ID)
	if listed.Status != WatchForSale || listed.ListPrice == nil || *listed.ListPrice != money.FromWhole(4000) || listed.StoreID != shop.ID {
		t.Fatalf("Expected listed at 4000.00, got %+v", listed)
	}

	if err := p.RecordTransfer(ctx, sale); err != nil {
		t.Fatalf("RecordTransfer: %v", err)
	}
	got, _ := p.GetWatch(ctx, watch.ID)
	if got.OwnerID != shopUser.ID || got.Status != WatchSold || got.ListPrice != nil {
		t.Errorf("Expected sold to %s with listing closed, got %+v", shopUser.ID, got)
	}
}
