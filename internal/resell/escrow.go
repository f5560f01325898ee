package resell

import (
	"time"

	"github.com/mbd888/watchmarket/internal/money"
)

// EscrowStatus is the state of an escrow.
type EscrowStatus string

const (
	EscrowHolding   EscrowStatus = "holding"   // funds deposited, awaiting confirmations
	EscrowReleasing EscrowStatus = "releasing" // release claimed, legs in flight
	EscrowFailed    EscrowStatus = "failed"    // a leg or the settlement failed; admin retry
	EscrowReleased  EscrowStatus = "released"
	EscrowRefunding EscrowStatus = "refunding"
	EscrowRefunded  EscrowStatus = "refunded"
	EscrowExpired   EscrowStatus = "expired" // reserved; nothing expires escrows yet
)

// IsTerminal reports whether the escrow can no longer move funds.
func (s EscrowStatus) IsTerminal() bool {
	switch s {
	case EscrowReleased, EscrowRefunded, EscrowExpired:
		return true
	}
	return false
}

// Party identifies which confirmation flag a caller sets.
type Party string

const (
	PartySeller    Party = "seller"
	PartyEvaluator Party = "evaluator" // the store side: the offer's store or evaluator
)

// Leg is one payout transfer of a release.
type Leg string

const (
	LegAdmin  Leg = "admin"
	LegSeller Leg = "seller"
)

// Ledger Service memos. Each is unique per escrow, which makes every
// transfer safe to re-issue.
func DepositMemo(escrowID string) string   { return "ESCROW-DEPOSIT:" + escrowID }
func AdminLegMemo(escrowID string) string  { return "ADMIN-COMMISSION:" + escrowID }
func SellerLegMemo(escrowID string) string { return "SELLER-PAYMENT:" + escrowID }
func RefundMemo(escrowID string) string    { return "ESCROW-REFUND:" + escrowID }

// Escrow holds the agreed amount of a paid offer until both parties confirm
// delivery. The account credential lives in the secrets vault; only its
// reference is kept here.
type Escrow struct {
	ID                   string       `json:"id"`
	OfferID              string       `json:"offerId"`
	Account              string       `json:"account"`
	SecretRef            string       `json:"-"`
	Amount               money.Amount `json:"amount"`
	DepositorID          string       `json:"depositorId"`
	DepositTxHash        string       `json:"depositTxHash"`
	Status               EscrowStatus `json:"status"`
	SellerConfirmed      bool         `json:"sellerConfirmed"`
	SellerConfirmedAt    *time.Time   `json:"sellerConfirmedAt,omitempty"`
	EvaluatorConfirmed   bool         `json:"evaluatorConfirmed"`
	EvaluatorConfirmedAt *time.Time   `json:"evaluatorConfirmedAt,omitempty"`
	AdminAmount          money.Amount `json:"adminAmount"`
	SellerAmount         money.Amount `json:"sellerAmount"`
	AdminTxHash          string       `json:"adminTxHash,omitempty"`
	SellerTxHash         string       `json:"sellerTxHash,omitempty"`
	RefundTxHash         string       `json:"refundTxHash,omitempty"`
	LastError            string       `json:"lastError,omitempty"`
	CreatedAt            time.Time    `json:"createdAt"`
	UpdatedAt            time.Time    `json:"updatedAt"`
	ReleasedAt           *time.Time   `json:"releasedAt,omitempty"`
}

// BothConfirmed reports whether the release gate is open.
func (e *Escrow) BothConfirmed() bool {
	return e.SellerConfirmed && e.EvaluatorConfirmed
}

// Confirmed reports whether party has already confirmed.
func (e *Escrow) Confirmed(p Party) bool {
	if p == PartySeller {
		return e.SellerConfirmed
	}
	return e.EvaluatorConfirmed
}

// LegHash returns the recorded transaction hash of a leg, if any.
func (e *Escrow) LegHash(l Leg) string {
	if l == LegAdmin {
		return e.AdminTxHash
	}
	return e.SellerTxHash
}

func (e *Escrow) setConfirmed(p Party, at time.Time) {
	t := at
	if p == PartySeller {
		e.SellerConfirmed = true
		e.SellerConfirmedAt = &t
	} else {
		e.EvaluatorConfirmed = true
		e.EvaluatorConfirmedAt = &t
	}
	e.UpdatedAt = at
}

func (e *Escrow) clone() *Escrow {
	cp := *e
	for _, p := range []**time.Time{&cp.SellerConfirmedAt, &cp.EvaluatorConfirmedAt, &cp.ReleasedAt} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return &cp
}

func escrowTransitionError(e *Escrow, action Action, expected ...EscrowStatus) error {
	exp := make([]string, len(expected))
	for i, s := range expected {
		exp[i] = string(s)
	}
	return &TransitionError{Entity: "escrow", Action: string(action), Current: string(e.Status), Expected: exp}
}
