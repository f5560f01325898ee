// Package registry holds the marketplace's reference records: users, stores,
// evaluators, watches and the append-only watch ownership history.
//
// The resale core consumes it as a collaborator (watch lookup, owner change,
// recipient resolution) and never mutates it outside a settlement.
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/watchmarket/internal/money"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrNotFound      = errors.New("registry: not found")
	ErrAlreadyExists = errors.New("registry: already exists")
	ErrOwnerMismatch = errors.New("registry: transfer sender is not the current owner")
	ErrInvalidRecord = errors.New("registry: invalid record")
	ErrNotListed     = errors.New("registry: watch is not listed for sale")

	ErrUserNotFound      = fmt.Errorf("%w: user", ErrNotFound)
	ErrShopNotFound      = fmt.Errorf("%w: store", ErrNotFound)
	ErrEvaluatorNotFound = fmt.Errorf("%w: evaluator", ErrNotFound)
	ErrWatchNotFound     = fmt.Errorf("%w: watch", ErrNotFound)
)

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

// Role mirrors auth.Role for persisted users.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleStore     Role = "store"
	RoleEvaluator Role = "evaluator"
	RoleUser      Role = "user"
)

// User is a marketplace account. Balances live in the ledger package.
type User struct {
	ID                string    `json:"id"`
	FullName          string    `json:"fullName"`
	Email             string    `json:"email"`
	Role              Role      `json:"role"`
	SettlementAccount string    `json:"settlementAccount,omitempty"` // Ledger Service account for payouts
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Shop is a retail store that buys watches through resale offers.
type Shop struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"` // the store's operating account
	Name           string     `json:"name"`
	Credentialed   bool       `json:"credentialed"`
	CommissionRate money.Rate `json:"commissionRate"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// DefaultShopCommission is the commission a new store is created with (5%).
const DefaultShopCommission = money.Rate(500)

// Evaluator authenticates and prices watches on behalf of a store.
type Evaluator struct {
	ID            string       `json:"id"`
	UserID        string       `json:"userId"`
	StoreID       string       `json:"storeId"`
	Name          string       `json:"name"`
	Active        bool         `json:"active"`
	EvaluationFee money.Amount `json:"evaluationFee"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// DefaultEvaluationFee is charged when an evaluator has no fee of its own.
var DefaultEvaluationFee = money.FromWhole(500)

// -----------------------------------------------------------------------------
// Watches
// -----------------------------------------------------------------------------

// WatchStatus is the watch's catalogue status.
type WatchStatus string

const (
	WatchRegistered WatchStatus = "registered"
	WatchEvaluated  WatchStatus = "evaluated"
	WatchForSale    WatchStatus = "for_sale"
	WatchSold       WatchStatus = "sold"
)

// Watch is a registered timepiece with a single owner of record. ListPrice
// is set only while the watch is for sale.
type Watch struct {
	ID           string        `json:"id"`
	SerialNumber string        `json:"serialNumber"`
	Brand        string        `json:"brand"`
	Model        string        `json:"model"`
	OwnerID      string        `json:"ownerId"`
	StoreID      string        `json:"storeId,omitempty"`
	Status       WatchStatus   `json:"status"`
	ListPrice    *money.Amount `json:"listPrice,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

func (w *Watch) clone() *Watch {
	cp := *w
	if w.ListPrice != nil {
		v := *w.ListPrice
		cp.ListPrice = &v
	}
	return &cp
}

// closeListing is applied by every ownership transfer.
func (w *Watch) closeListing() {
	if w.Status == WatchForSale {
		w.Status = WatchSold
	}
	w.ListPrice = nil
}

// TransferType classifies an ownership change.
type TransferType string

const (
	TransferSale   TransferType = "sale"
	TransferResale TransferType = "resale"
	TransferGift   TransferType = "gift"
)

// OwnershipTransfer is an immutable record of a completed ownership change.
type OwnershipTransfer struct {
	ID         string       `json:"id"`
	WatchID    string       `json:"watchId"`
	FromUserID string       `json:"fromUserId"`
	ToUserID   string       `json:"toUserId"`
	TxHash     string       `json:"txHash"`
	Type       TransferType `json:"type"`
	Price      money.Amount `json:"price"`
	AdminFee   money.Amount `json:"adminFee"`
	CreatedAt  time.Time    `json:"createdAt"`
}

func (t *OwnershipTransfer) validate() error {
	switch {
	case t.WatchID == "" || t.FromUserID == "" || t.ToUserID == "":
		return fmt.Errorf("%w: transfer needs watch, sender and recipient", ErrInvalidRecord)
	case t.FromUserID == t.ToUserID:
		return fmt.Errorf("%w: sender and recipient are the same user", ErrInvalidRecord)
	}
	switch t.Type {
	case TransferSale, TransferResale, TransferGift:
	default:
		return fmt.Errorf("%w: unknown transfer type %q", ErrInvalidRecord, t.Type)
	}
	return nil
}
