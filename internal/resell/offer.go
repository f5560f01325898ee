// Package resell implements the watch resale lifecycle: offers brokered by a
// store's evaluator, escrowed payment, dual delivery confirmation and the
// settlement that splits the escrowed amount between the platform and the
// seller.
//
// Flow:
//  1. Seller creates an offer naming an evaluator → pending
//  2. Evaluator or store proposes a price → price_proposed
//  3. Seller accepts → accepted (final price fixed)
//  4. Store pays into a fresh escrow account → paid, escrow holding
//  5. Seller and store/evaluator confirm delivery → escrow released in two
//     legs (platform commission, seller payment), offer completed, ledger
//     credited and watch ownership moved to the store
//  6. Admin cancel → cancelled, a paid escrow is refunded to the store
package resell

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/watchmarket/internal/money"
)

var (
	ErrOfferNotFound           = errors.New("resell: offer not found")
	ErrEscrowNotFound          = errors.New("resell: escrow not found")
	ErrInvalidTransition       = errors.New("resell: invalid state transition")
	ErrNotAuthorized           = errors.New("resell: caller is not a party to this offer")
	ErrActiveOfferExists       = errors.New("resell: watch already has an active offer")
	ErrStaleState              = errors.New("resell: state changed concurrently, re-read and retry")
	ErrSettlementInconsistency = errors.New("resell: settlement inconsistency")
	ErrInvalidAmount           = errors.New("resell: amount must be positive")
	ErrStoreNotCredentialed    = errors.New("resell: evaluator's store is not credentialed")
	ErrAccountRequired         = errors.New("resell: settlement account required")
)

// TransitionError reports a status guard failure with the state found and
// the states the operation accepts.
type TransitionError struct {
	Entity   string // "offer" or "escrow"
	Action   string
	Current  string
	Expected []string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("resell: cannot %s %s in status %s (expected %s)",
		e.Action, e.Entity, e.Current, strings.Join(e.Expected, " or "))
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// OfferStatus is the state of a resale offer.
type OfferStatus string

const (
	OfferPending       OfferStatus = "pending"
	OfferPriceProposed OfferStatus = "price_proposed"
	OfferAccepted      OfferStatus = "accepted"
	OfferPaid          OfferStatus = "paid"
	OfferCompleted     OfferStatus = "completed"
	OfferCancelled     OfferStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s OfferStatus) IsTerminal() bool {
	return s == OfferCompleted || s == OfferCancelled
}

// Action names an offer transition.
type Action string

const (
	ActionCreate   Action = "create"
	ActionPropose  Action = "propose_price"
	ActionAccept   Action = "accept"
	ActionPay      Action = "pay"
	ActionConfirm  Action = "confirm_delivery"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
	ActionRetry    Action = "retry_release"
)

// offerTransitions is the offer state machine. Cancel is handled separately
// since it applies to every non-terminal state.
var offerTransitions = map[Action]struct {
	from OfferStatus
	to   OfferStatus
}{
	ActionPropose:  {OfferPending, OfferPriceProposed},
	ActionAccept:   {OfferPriceProposed, OfferAccepted},
	ActionPay:      {OfferAccepted, OfferPaid},
	ActionComplete: {OfferPaid, OfferCompleted},
}

// Offer is one proposed resale of a single watch.
type Offer struct {
	ID            string        `json:"id"`
	WatchID       string        `json:"watchId"`
	SellerID      string        `json:"sellerId"`
	BuyerID       string        `json:"buyerId,omitempty"`
	StoreID       string        `json:"storeId"`
	EvaluatorID   string        `json:"evaluatorId"`
	AskingPrice   money.Amount  `json:"askingPrice"`
	ProposedPrice *money.Amount `json:"proposedPrice,omitempty"`
	FinalPrice    *money.Amount `json:"finalPrice,omitempty"`
	SellerAccount string        `json:"sellerAccount"`
	Description   string        `json:"description,omitempty"`
	Status        OfferStatus   `json:"status"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// check returns a TransitionError unless action may fire from the offer's
// current status.
func (o *Offer) check(action Action) error {
	if action == ActionCancel {
		if o.Status.IsTerminal() {
			return offerTransitionError(o, action, OfferPending, OfferPriceProposed, OfferAccepted, OfferPaid)
		}
		return nil
	}
	t, ok := offerTransitions[action]
	if !ok {
		return offerTransitionError(o, action)
	}
	if o.Status != t.from {
		return offerTransitionError(o, action, t.from)
	}
	return nil
}

func offerTransitionError(o *Offer, action Action, expected ...OfferStatus) error {
	exp := make([]string, len(expected))
	for i, s := range expected {
		exp[i] = string(s)
	}
	return &TransitionError{Entity: "offer", Action: string(action), Current: string(o.Status), Expected: exp}
}

// apply moves the offer along action and keeps FinalPrice consistent with
// the new status.
func (o *Offer) apply(action Action, now time.Time) error {
	if err := o.check(action); err != nil {
		return err
	}
	switch action {
	case ActionCancel:
		o.Status = OfferCancelled
		o.FinalPrice = nil
	case ActionAccept:
		final := *o.ProposedPrice
		o.FinalPrice = &final
		o.Status = offerTransitions[action].to
	default:
		o.Status = offerTransitions[action].to
	}
	o.UpdatedAt = now
	return nil
}

// clone returns a deep copy.
func (o *Offer) clone() *Offer {
	cp := *o
	if o.ProposedPrice != nil {
		v := *o.ProposedPrice
		cp.ProposedPrice = &v
	}
	if o.FinalPrice != nil {
		v := *o.FinalPrice
		cp.FinalPrice = &v
	}
	return &cp
}
