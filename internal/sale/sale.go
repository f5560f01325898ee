// Package sale runs direct store sales. A credentialed store lists a watch it
// owns; a buyer purchases it at the list price. The platform keeps the
// store's commission rate and the store is credited the rest.
package sale

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/watchmarket/internal/ledger"
	"github.com/mbd888/watchmarket/internal/money"
	"github.com/mbd888/watchmarket/internal/registry"
	"github.com/mbd888/watchmarket/internal/wallet"
)

var (
	ErrNotAuthorized   = errors.New("sale: not authorized")
	ErrInvalidPrice    = errors.New("sale: price must be positive")
	ErrNotCredentialed = errors.New("sale: store is not credentialed")
	ErrOwnWatch        = errors.New("sale: a store cannot buy its own watch")
)

// Sale is a completed purchase. Its ID is also the ownership transfer ID
// and the commission transaction ID.
type Sale struct {
	ID            string            `json:"id"`
	WatchID       string            `json:"watchId"`
	StoreID       string            `json:"storeId"`
	SellerID      string            `json:"sellerId"`
	BuyerID       string            `json:"buyerId"`
	Price         money.Amount      `json:"price"`
	PlatformFee   money.Amount      `json:"platformFee"`
	StoreAmount   money.Amount      `json:"storeAmount"`
	PaymentMethod wallet.MethodKind `json:"paymentMethod"`
	PaymentRef    string            `json:"paymentRef"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Store commits a purchase.
type Store interface {
	// Complete records the ownership transfer and applies the commission
	// batch, all or nothing.
	Complete(ctx context.Context, t *registry.OwnershipTransfer, b *ledger.Batch) error
}
