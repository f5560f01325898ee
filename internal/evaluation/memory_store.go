package evaluation

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/watchmarket/internal/ledger"
)

// MemoryStore is an in-memory evaluation store for development and tests.
// MarkPaid writes the batch through to the given ledger store.
type MemoryStore struct {
	mu          sync.Mutex
	evaluations map[string]*Evaluation
	ledger      ledger.Store
}

// NewMemoryStore creates an in-memory evaluation store.
func NewMemoryStore(ledgerStore ledger.Store) *MemoryStore {
	return &MemoryStore{
		evaluations: make(map[string]*Evaluation),
		ledger:      ledgerStore,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, e *Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluations[e.ID] = e.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Evaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.evaluations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) Complete(_ context.Context, e *Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.evaluations[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != StatusRequested {
		return ErrStaleState
	}
	m.evaluations[e.ID] = e.clone()
	return nil
}

func (m *MemoryStore) MarkPaid(ctx context.Context, id string, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.evaluations[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != StatusCompleted {
		return ErrStaleState
	}
	if err := m.ledger.Apply(ctx, p.Batch); err != nil {
		return err
	}

	paid := p.PaidAt
	cur.Status = StatusPaid
	cur.PaymentMethod = string(p.Method)
	cur.PaymentRef = p.Reference
	cur.PaidAt = &paid
	cur.UpdatedAt = time.Now()
	return nil
}
