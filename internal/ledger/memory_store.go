package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory ledger store.
type MemoryStore struct {
	mu          sync.RWMutex
	commissions []*Commission
	keys        map[string]bool // type|transaction|recipient
	balances    map[string]*Balance
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:     make(map[string]bool),
		balances: make(map[string]*Balance),
	}
}

var _ Store = (*MemoryStore)(nil)

func commissionKey(c *Commission) string {
	return string(c.TransactionType) + "|" + c.TransactionID + "|" + c.RecipientID
}

func (m *MemoryStore) Apply(_ context.Context, b *Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Check everything before mutating anything.
	for _, c := range b.Commissions {
		if m.keys[commissionKey(c)] {
			return ErrDuplicateCommission
		}
	}

	now := time.Now()
	for _, c := range b.Commissions {
		cp := *c
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		m.commissions = append(m.commissions, &cp)
		m.keys[commissionKey(c)] = true

		bal, ok := m.balances[c.RecipientID]
		if !ok {
			bal = &Balance{UserID: c.RecipientID}
			m.balances[c.RecipientID] = bal
		}
		if c.Bucket == BucketSecondary {
			bal.Secondary = bal.Secondary.Add(c.Amount)
		} else {
			bal.Primary = bal.Primary.Add(c.Amount)
		}
		bal.UpdatedAt = now
	}
	return nil
}

func (m *MemoryStore) GetBalance(_ context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bal, ok := m.balances[userID]
	if !ok {
		return &Balance{UserID: userID}, nil
	}
	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) ListCommissions(_ context.Context, transactionID string) ([]*Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Commission
	for _, c := range m.commissions {
		if c.TransactionID == transactionID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListByRecipient(_ context.Context, userID string, limit int) ([]*Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Commission
	for _, c := range m.commissions {
		if c.RecipientID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
