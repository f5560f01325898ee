// Package evaluation handles paid watch evaluations.
//
// An owner requests an evaluation from an active evaluator, the evaluator
// records its findings, and the owner pays the evaluator's fee. The fee is
// split between the evaluator's store and the platform by the ledger policy
// and committed together with the paid status.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/watchmarket/internal/ledger"
	"github.com/mbd888/watchmarket/internal/money"
	"github.com/mbd888/watchmarket/internal/wallet"
)

var (
	ErrNotFound      = errors.New("evaluation: not found")
	ErrNotAuthorized = errors.New("evaluation: not authorized")
	ErrInvalidState  = errors.New("evaluation: invalid state")
	ErrStaleState    = errors.New("evaluation: state changed concurrently")
	ErrInvalidResult = errors.New("evaluation: invalid result")
)

// Status is an evaluation's lifecycle state.
type Status string

const (
	StatusRequested Status = "requested"
	StatusCompleted Status = "completed"
	StatusPaid      Status = "paid"
)

// Evaluation is one evaluator's assessment of one watch.
type Evaluation struct {
	ID             string        `json:"id"`
	WatchID        string        `json:"watchId"`
	RequesterID    string        `json:"requesterId"`
	EvaluatorID    string        `json:"evaluatorId"`
	StoreID        string        `json:"storeId"`
	Fee            money.Amount  `json:"fee"`
	Status         Status        `json:"status"`
	Condition      string        `json:"condition,omitempty"`
	Authentic      *bool         `json:"authentic,omitempty"`
	EstimatedValue *money.Amount `json:"estimatedValue,omitempty"`
	Notes          string        `json:"notes,omitempty"`
	PaymentMethod  string        `json:"paymentMethod,omitempty"`
	PaymentRef     string        `json:"paymentRef,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
	PaidAt         *time.Time    `json:"paidAt,omitempty"`
}

// Result is what an evaluator records when completing an evaluation.
type Result struct {
	Condition      string       `json:"condition" binding:"required"`
	Authentic      bool         `json:"authentic"`
	EstimatedValue money.Amount `json:"estimatedValue"`
	Notes          string       `json:"notes"`
}

// Payment is the paid state committed by Store.MarkPaid.
type Payment struct {
	Method    wallet.MethodKind
	Reference string
	PaidAt    time.Time
	Batch     *ledger.Batch
}

func (e *Evaluation) clone() *Evaluation {
	cp := *e
	if e.Authentic != nil {
		v := *e.Authentic
		cp.Authentic = &v
	}
	if e.EstimatedValue != nil {
		v := *e.EstimatedValue
		cp.EstimatedValue = &v
	}
	return &cp
}

func stateError(e *Evaluation, want Status) error {
	return fmt.Errorf("%w: evaluation %s is %s, expected %s", ErrInvalidState, e.ID, e.Status, want)
}

// Store persists evaluations.
type Store interface {
	Create(ctx context.Context, e *Evaluation) error
	Get(ctx context.Context, id string) (*Evaluation, error)
	// Complete writes e's findings if the stored evaluation is still
	// requested.
	Complete(ctx context.Context, e *Evaluation) error
	// MarkPaid moves a completed evaluation to paid and applies the
	// payment's commission batch, all or nothing.
	MarkPaid(ctx context.Context, id string, p *Payment) error
}
