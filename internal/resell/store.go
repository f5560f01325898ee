package resell

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/watchmarket/internal/ledger"
	"github.com/mbd888/watchmarket/internal/money"
	"github.com/mbd888/watchmarket/internal/registry"
)

// Settlement is everything a completed release commits at once.
type Settlement struct {
	EscrowID   string
	OfferID    string
	Batch      *ledger.Batch
	Transfer   *registry.OwnershipTransfer
	ReleasedAt time.Time
}

// Store persists offers and escrows. Every mutation is a compare-and-swap on
// status; a lost race returns ErrStaleState.
type Store interface {
	// CreateOffer fails with ErrActiveOfferExists if the watch already has a
	// non-terminal offer.
	CreateOffer(ctx context.Context, o *Offer) error
	GetOffer(ctx context.Context, id string) (*Offer, error)
	// UpdateOffer writes o only if the stored status is still expected.
	UpdateOffer(ctx context.Context, o *Offer, expected OfferStatus) error

	// OpenEscrow creates e and writes o (now paid) in one step, provided the
	// offer is still accepted.
	OpenEscrow(ctx context.Context, e *Escrow, o *Offer) error
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	GetEscrowByOffer(ctx context.Context, offerID string) (*Escrow, error)

	// Confirm sets party's flag on a holding escrow. changed is false when
	// the flag was already set or the escrow is no longer holding.
	Confirm(ctx context.Context, escrowID string, party Party, at time.Time) (e *Escrow, changed bool, err error)
	// BeginRelease claims a fully confirmed holding escrow (holding →
	// releasing) and records the split.
	BeginRelease(ctx context.Context, escrowID string, admin, seller money.Amount) (*Escrow, error)
	// ResumeRelease moves a failed escrow back to releasing.
	ResumeRelease(ctx context.Context, escrowID string) (*Escrow, error)
	// RecordLeg stores a leg's transaction hash once.
	RecordLeg(ctx context.Context, escrowID string, leg Leg, txHash string) error
	// MarkFailed moves a releasing escrow to failed.
	MarkFailed(ctx context.Context, escrowID, reason string) error
	// Settle marks the escrow released and the offer completed, applies the
	// commission batch and records the ownership transfer, all or nothing.
	Settle(ctx context.Context, s *Settlement) error

	// BeginRefund moves a holding escrow to refunding. A refunding escrow is
	// returned as is so an interrupted refund can be resumed.
	BeginRefund(ctx context.Context, escrowID string) (*Escrow, error)
	// CompleteRefund marks the escrow refunded and writes o (now cancelled).
	CompleteRefund(ctx context.Context, escrowID, txHash string, o *Offer) error

	ListEscrowsByStatus(ctx context.Context, statuses []EscrowStatus, limit int) ([]*Escrow, error)
}

// -----------------------------------------------------------------------------
// In-Memory Store
// -----------------------------------------------------------------------------

// transferChecker is implemented by registry stores that can validate a
// transfer without writing it.
type transferChecker interface {
	CheckTransfer(ctx context.Context, t *registry.OwnershipTransfer) error
}

// MemoryStore is an in-memory store for development and tests. Settle
// writes through to the given ledger and registry stores.
type MemoryStore struct {
	mu            sync.Mutex
	offers        map[string]*Offer
	escrows       map[string]*Escrow
	escrowByOffer map[string]string
	activeByWatch map[string]string

	ledger   ledger.Store
	registry registry.Store
}

// NewMemoryStore creates an in-memory resell store.
func NewMemoryStore(ledgerStore ledger.Store, registryStore registry.Store) *MemoryStore {
	return &MemoryStore{
		offers:        make(map[string]*Offer),
		escrows:       make(map[string]*Escrow),
		escrowByOffer: make(map[string]string),
		activeByWatch: make(map[string]string),
		ledger:        ledgerStore,
		registry:      registryStore,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateOffer(_ context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.activeByWatch[o.WatchID]; ok {
		return ErrActiveOfferExists
	}
	m.offers[o.ID] = o.clone()
	m.activeByWatch[o.WatchID] = o.ID
	return nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return o.clone(), nil
}

func (m *MemoryStore) UpdateOffer(_ context.Context, o *Offer, expected OfferStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.offers[o.ID]
	if !ok {
		return ErrOfferNotFound
	}
	if cur.Status != expected {
		return ErrStaleState
	}
	m.putOfferLocked(o)
	return nil
}

func (m *MemoryStore) putOfferLocked(o *Offer) {
	m.offers[o.ID] = o.clone()
	if o.Status.IsTerminal() && m.activeByWatch[o.WatchID] == o.ID {
		delete(m.activeByWatch, o.WatchID)
	}
}

func (m *MemoryStore) OpenEscrow(_ context.Context, e *Escrow, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.offers[o.ID]
	if !ok {
		return ErrOfferNotFound
	}
	if cur.Status != OfferAccepted {
		return ErrStaleState
	}
	if _, exists := m.escrowByOffer[o.ID]; exists {
		return ErrStaleState
	}
	m.escrows[e.ID] = e.clone()
	m.escrowByOffer[o.ID] = e.ID
	m.putOfferLocked(o)
	return nil
}

func (m *MemoryStore) GetEscrow(_ context.Context, id string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) GetEscrowByOffer(_ context.Context, offerID string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.escrowByOffer[offerID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return m.escrows[id].clone(), nil
}

func (m *MemoryStore) Confirm(_ context.Context, escrowID string, party Party, at time.Time) (*Escrow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[escrowID]
	if !ok {
		return nil, false, ErrEscrowNotFound
	}
	if e.Status != EscrowHolding || e.Confirmed(party) {
		return e.clone(), false, nil
	}
	e.setConfirmed(party, at)
	return e.clone(), true, nil
}

func (m *MemoryStore) BeginRelease(_ context.Context, escrowID string, admin, seller money.Amount) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[escrowID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if e.Status != EscrowHolding || !e.BothConfirmed() {
		return nil, ErrStaleState
	}
	e.Status = EscrowReleasing
	e.AdminAmount = admin
	e.SellerAmount = seller
	e.UpdatedAt = time.Now()
	return e.clone(), nil
}

func (m *MemoryStore) ResumeRelease(_ context.Context, escrowID string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[escrowID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if e.Status != EscrowFailed {
		return nil, escrowTransitionError(e, ActionRetry, EscrowFailed)
	}
	e.Status = EscrowReleasing
	e.UpdatedAt = time.Now()
	return e.clone(), nil
}

func (m *MemoryStore) RecordLeg(_ context.Context, escrowID string, leg Leg, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[escrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.Status != EscrowReleasing || e.LegHash(leg) != "" {
		return ErrStaleState
	}
	if leg == LegAdmin {
		e.AdminTxHash = txHash
	} else {
		e.SellerTxHash = txHash
	}
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, escrowID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[escrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.Status != EscrowReleasing {
		return ErrStaleState
	}
	e.Status = EscrowFailed
	e.LastError = reason
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Settle(ctx context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[s.EscrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	o, ok := m.offers[s.OfferID]
	if !ok {
		return ErrOfferNotFound
	}
	if e.Status != EscrowReleasing || o.Status != OfferPaid {
		return ErrStaleState
	}

	// Validate both writes before either lands.
	if err := s.Batch.Validate(); err != nil {
		return err
	}
	if c, ok := m.registry.(transferChecker); ok {
		if err := c.CheckTransfer(ctx, s.Transfer); err != nil {
			return err
		}
	}
	if err := m.ledger.Apply(ctx, s.Batch); err != nil {
		return err
	}
	if err := m.registry.RecordTransfer(ctx, s.Transfer); err != nil {
		return err
	}

	released := s.ReleasedAt
	e.Status = EscrowReleased
	e.ReleasedAt = &released
	e.LastError = ""
	e.UpdatedAt = released

	next := o.clone()
	next.Status = OfferCompleted
	next.UpdatedAt = released
	m.putOfferLocked(next)
	return nil
}

func (m *MemoryStore) BeginRefund(_ context.Context, escrowID string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[escrowID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	switch e.Status {
	case EscrowHolding:
		e.Status = EscrowRefunding
		e.UpdatedAt = time.Now()
	case EscrowRefunding:
	default:
		return nil, escrowTransitionError(e, ActionCancel, EscrowHolding, EscrowRefunding)
	}
	return e.clone(), nil
}

func (m *MemoryStore) CompleteRefund(_ context.Context, escrowID, txHash string, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[escrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	cur, ok := m.offers[o.ID]
	if !ok {
		return ErrOfferNotFound
	}
	if e.Status != EscrowRefunding || cur.Status != OfferPaid {
		return ErrStaleState
	}
	e.Status = EscrowRefunded
	e.RefundTxHash = txHash
	e.UpdatedAt = time.Now()
	m.putOfferLocked(o)
	return nil
}

func (m *MemoryStore) ListEscrowsByStatus(_ context.Context, statuses []EscrowStatus, limit int) ([]*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if slices.Contains(statuses, e.Status) {
			result = append(result, e.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
