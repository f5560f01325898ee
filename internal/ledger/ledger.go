// Package ledger records commissions and the balances they credit.
//
// Flow:
//  1. A fee-bearing event (evaluation payment, resale settlement) asks the
//     Ledger to Plan a Batch: the Policy splits the amount, the Directory
//     resolves every recipient.
//  2. The Batch is applied in one transaction, usually the same transaction
//     that commits the triggering state change.
//  3. Balances are never touched outside a Batch.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/watchmarket/internal/idgen"
	"github.com/mbd888/watchmarket/internal/metrics"
	"github.com/mbd888/watchmarket/internal/money"
	"github.com/mbd888/watchmarket/internal/registry"
)

var (
	ErrRecipientNotFound   = errors.New("ledger: recipient not found")
	ErrDuplicateCommission = errors.New("ledger: commission already recorded")
	ErrUnknownEvent        = errors.New("ledger: no policy for event type")
	ErrInvalidBatch        = errors.New("ledger: invalid batch")
	ErrInvalidPolicy       = errors.New("ledger: invalid policy")
)

// EventType identifies the fee-bearing event a commission belongs to.
type EventType string

const (
	EventEvaluation EventType = "evaluation"
	EventSale       EventType = "sale"
	EventResale     EventType = "resale"
)

// Bucket selects which balance a commission credits.
type Bucket string

const (
	BucketPrimary   Bucket = "primary"   // BRL
	BucketSecondary Bucket = "secondary" // settlement asset
)

// Commission is an append-only record of a fee paid to a recipient.
type Commission struct {
	ID              string       `json:"id"`
	TransactionID   string       `json:"transactionId"`
	TransactionType EventType    `json:"transactionType"`
	RecipientID     string       `json:"recipientId"`
	Role            string       `json:"role"`
	Bucket          Bucket       `json:"bucket"`
	Amount          money.Amount `json:"amount"`
	Description     string       `json:"description,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// Balance is a user's credited totals.
type Balance struct {
	UserID    string       `json:"userId"`
	Primary   money.Amount `json:"primary"`
	Secondary money.Amount `json:"secondary"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Batch is the full set of commissions produced by one event. It is applied
// all or nothing.
type Batch struct {
	Event         EventType     `json:"event"`
	TransactionID string        `json:"transactionId"`
	Amount        money.Amount  `json:"amount"`
	Commissions   []*Commission `json:"commissions"`
}

// Share returns the amount credited to the recipient playing role, or zero.
func (b *Batch) Share(role string) money.Amount {
	for _, c := range b.Commissions {
		if c.Role == role {
			return c.Amount
		}
	}
	return 0
}

// Validate checks the batch is internally consistent.
func (b *Batch) Validate() error {
	if b == nil || b.TransactionID == "" || len(b.Commissions) == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidBatch)
	}
	seen := make(map[string]bool, len(b.Commissions))
	var total money.Amount
	for _, c := range b.Commissions {
		if c.TransactionID != b.TransactionID || c.TransactionType != b.Event {
			return fmt.Errorf("%w: commission %s belongs to another event", ErrInvalidBatch, c.ID)
		}
		if c.RecipientID == "" || !c.Amount.IsPositive() {
			return fmt.Errorf("%w: commission %s has no recipient or amount", ErrInvalidBatch, c.ID)
		}
		if seen[c.RecipientID] {
			return fmt.Errorf("%w: recipient %s appears twice", ErrInvalidBatch, c.RecipientID)
		}
		seen[c.RecipientID] = true
		total = total.Add(c.Amount)
	}
	if total != b.Amount {
		return fmt.Errorf("%w: shares sum to %s, expected %s", ErrInvalidBatch, total, b.Amount)
	}
	return nil
}

// Store persists commissions and balances.
type Store interface {
	// Apply records every commission and credits every balance, or nothing.
	Apply(ctx context.Context, b *Batch) error
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	ListCommissions(ctx context.Context, transactionID string) ([]*Commission, error)
	ListByRecipient(ctx context.Context, userID string, limit int) ([]*Commission, error)
}

// Directory resolves recipients. registry.Store satisfies it.
type Directory interface {
	GetUser(ctx context.Context, id string) (*registry.User, error)
}

// Ledger plans and applies commission batches.
type Ledger struct {
	policy *Policy
	dir    Directory
	store  Store
	logger *slog.Logger
}

// New creates a ledger.
func New(policy *Policy, dir Directory, store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{policy: policy, dir: dir, store: store, logger: logger}
}

// Store returns the underlying store, for callers that apply batches inside
// their own transaction.
func (l *Ledger) Store() Store { return l.store }

// Policy returns the split policy in force.
func (l *Ledger) Policy() *Policy { return l.policy }

// PlanOption adjusts a single Plan call.
type PlanOption func(*planOptions)

type planOptions struct {
	rates map[string]money.Rate
}

// WithRate replaces the policy rate of role for one plan.
func WithRate(role string, rate money.Rate) PlanOption {
	return func(o *planOptions) {
		if o.rates == nil {
			o.rates = make(map[string]money.Rate)
		}
		o.rates[role] = rate
	}
}

// Plan splits amount according to the event's rules and resolves each
// recipient. recipients maps a rule role (RolePlatform, RoleSeller,
// RoleStore) to a user ID. Nothing is written.
func (l *Ledger) Plan(ctx context.Context, event EventType, txID string, amount money.Amount, recipients map[string]string, opts ...PlanOption) (*Batch, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidBatch)
	}
	var o planOptions
	for _, opt := range opts {
		opt(&o)
	}
	shares, err := l.policy.SplitWith(event, amount, o.rates)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	batch := &Batch{Event: event, TransactionID: txID, Amount: amount}
	for _, s := range shares {
		userID := recipients[s.Rule.Role]
		if userID == "" {
			return nil, fmt.Errorf("%w: no %s for %s %s", ErrRecipientNotFound, s.Rule.Role, event, txID)
		}
		if _, err := l.dir.GetUser(ctx, userID); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s %s", ErrRecipientNotFound, s.Rule.Role, userID)
			}
			return nil, fmt.Errorf("resolve %s: %w", s.Rule.Role, err)
		}
		if s.Amount.IsZero() {
			continue
		}
		batch.Commissions = append(batch.Commissions, &Commission{
			ID:              idgen.WithPrefix("com_"),
			TransactionID:   txID,
			TransactionType: event,
			RecipientID:     userID,
			Role:            s.Rule.Role,
			Bucket:          s.Rule.bucket(),
			Amount:          s.Amount,
			Description:     s.Rule.Description,
			CreatedAt:       now,
		})
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return batch, nil
}

// Apply commits a planned batch through the ledger's own store.
func (l *Ledger) Apply(ctx context.Context, b *Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if err := l.store.Apply(ctx, b); err != nil {
		return err
	}
	Observe(b)
	l.logger.Info("commission batch applied",
		"event", b.Event, "transaction", b.TransactionID, "amount", b.Amount.String(), "entries", len(b.Commissions))
	return nil
}

// Observe exports metrics for an applied batch. Callers applying a batch in
// their own transaction call it after commit.
func Observe(b *Batch) {
	for _, c := range b.Commissions {
		metrics.CommissionsTotal.WithLabelValues(string(b.Event)).Inc()
		metrics.CommissionAmount.WithLabelValues(string(b.Event)).Add(float64(c.Amount.Units()) / 100)
	}
}

// GetBalance returns a user's balance; unknown users have zero balances.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return l.store.GetBalance(ctx, userID)
}

// ListCommissions returns the commissions recorded for a transaction.
func (l *Ledger) ListCommissions(ctx context.Context, txID string) ([]*Commission, error) {
	return l.store.ListCommissions(ctx, txID)
}

// ListByRecipient returns a user's most recent commissions.
func (l *Ledger) ListByRecipient(ctx context.Context, userID string, limit int) ([]*Commission, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.store.ListByRecipient(ctx, userID, limit)
}
