package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/watchmarket/internal/idgen"
	"github.com/mbd888/watchmarket/internal/money"
)

// Store defines the persistence interface for the registry.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	CreateShop(ctx context.Context, s *Shop) error
	GetShop(ctx context.Context, id string) (*Shop, error)

	CreateEvaluator(ctx context.Context, e *Evaluator) error
	GetEvaluator(ctx context.Context, id string) (*Evaluator, error)

	CreateWatch(ctx context.Context, w *Watch) error
	GetWatch(ctx context.Context, id string) (*Watch, error)
	SetWatchStatus(ctx context.Context, id string, status WatchStatus) error
	SetWatchOwner(ctx context.Context, id, userID string) error
	// ListWatch puts a watch up for sale by storeID at price.
	ListWatch(ctx context.Context, id, storeID string, price money.Amount) error

	// RecordTransfer checks FromUserID against the owner of record, moves the
	// watch to ToUserID and appends the transfer, all or nothing. A sale
	// needs a listed watch; any transfer closes the listing.
	RecordTransfer(ctx context.Context, t *OwnershipTransfer) error
	ListTransfers(ctx context.Context, watchID string) ([]*OwnershipTransfer, error)
}

// -----------------------------------------------------------------------------
// In-Memory Store
// -----------------------------------------------------------------------------

// MemoryStore is a thread-safe in-memory implementation
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]*User
	shops      map[string]*Shop
	evaluators map[string]*Evaluator
	watches    map[string]*Watch
	transfers  map[string][]*OwnershipTransfer // watch id -> history
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]*User),
		shops:      make(map[string]*Shop),
		evaluators: make(map[string]*Evaluator),
		watches:    make(map[string]*Watch),
		transfers:  make(map[string][]*OwnershipTransfer),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = idgen.WithPrefix("usr_")
	}
	if _, ok := m.users[u.ID]; ok {
		return ErrAlreadyExists
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) CreateShop(_ context.Context, s *Shop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = idgen.WithPrefix("sto_")
	}
	if _, ok := m.shops[s.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.users[s.UserID]; !ok {
		return ErrUserNotFound
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	cp := *s
	m.shops[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetShop(_ context.Context, id string) (*Shop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shops[id]
	if !ok {
		return nil, ErrShopNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) CreateEvaluator(_ context.Context, e *Evaluator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = idgen.WithPrefix("evr_")
	}
	if _, ok := m.evaluators[e.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.users[e.UserID]; !ok {
		return ErrUserNotFound
	}
	if _, ok := m.shops[e.StoreID]; !ok {
		return ErrShopNotFound
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	m.evaluators[e.ID] = &cp
	return nil
}

func (m *MemoryStore) GetEvaluator(_ context.Context, id string) (*Evaluator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.evaluators[id]
	if !ok {
		return nil, ErrEvaluatorNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) CreateWatch(_ context.Context, w *Watch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == "" {
		w.ID = idgen.WithPrefix("wch_")
	}
	if _, ok := m.watches[w.ID]; ok {
		return ErrAlreadyExists
	}
	for _, existing := range m.watches {
		if existing.SerialNumber == w.SerialNumber {
			return ErrAlreadyExists
		}
	}
	if _, ok := m.users[w.OwnerID]; !ok {
		return ErrUserNotFound
	}
	now := time.Now()
	if w.Status == "" {
		w.Status = WatchRegistered
	}
	w.CreatedAt, w.UpdatedAt = now, now
	m.watches[w.ID] = w.clone()
	return nil
}

func (m *MemoryStore) GetWatch(_ context.Context, id string) (*Watch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watches[id]
	if !ok {
		return nil, ErrWatchNotFound
	}
	return w.clone(), nil
}

func (m *MemoryStore) SetWatchStatus(_ context.Context, id string, status WatchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[id]
	if !ok {
		return ErrWatchNotFound
	}
	w.Status = status
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetWatchOwner(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[id]
	if !ok {
		return ErrWatchNotFound
	}
	if _, ok := m.users[userID]; !ok {
		return ErrUserNotFound
	}
	w.OwnerID = userID
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListWatch(_ context.Context, id, storeID string, price money.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[id]
	if !ok {
		return ErrWatchNotFound
	}
	if _, ok := m.shops[storeID]; !ok {
		return ErrShopNotFound
	}
	w.StoreID = storeID
	w.Status = WatchForSale
	w.ListPrice = &price
	w.UpdatedAt = time.Now()
	return nil
}

// CheckTransfer reports whether RecordTransfer would accept t, without
// changing anything.
func (m *MemoryStore) CheckTransfer(_ context.Context, t *OwnershipTransfer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkTransferLocked(t)
}

func (m *MemoryStore) checkTransferLocked(t *OwnershipTransfer) error {
	if err := t.validate(); err != nil {
		return err
	}
	w, ok := m.watches[t.WatchID]
	if !ok {
		return ErrWatchNotFound
	}
	if _, ok := m.users[t.ToUserID]; !ok {
		return ErrUserNotFound
	}
	if w.OwnerID != t.FromUserID {
		return ErrOwnerMismatch
	}
	if t.Type == TransferSale && w.Status != WatchForSale {
		return ErrNotListed
	}
	return nil
}

func (m *MemoryStore) RecordTransfer(_ context.Context, t *OwnershipTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkTransferLocked(t); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = idgen.WithPrefix("otr_")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	w := m.watches[t.WatchID]
	w.OwnerID = t.ToUserID
	w.closeListing()
	w.UpdatedAt = t.CreatedAt

	cp := *t
	m.transfers[t.WatchID] = append(m.transfers[t.WatchID], &cp)
	return nil
}

func (m *MemoryStore) ListTransfers(_ context.Context, watchID string) ([]*OwnershipTransfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.transfers[watchID]
	out := make([]*OwnershipTransfer, len(history))
	for i, t := range history {
		cp := *t
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
