package sale

import (
	"context"
	"sync"

	"github.com/mbd888/watchmarket/internal/ledger"
	"github.com/mbd888/watchmarket/internal/registry"
)

// transferChecker is implemented by registry stores that can validate a
// transfer without writing it.
type transferChecker interface {
	CheckTransfer(ctx context.Context, t *registry.OwnershipTransfer) error
}

// MemoryStore completes sales against in-memory registry and ledger stores.
type MemoryStore struct {
	mu       sync.Mutex
	ledger   ledger.Store
	registry registry.Store
}

// NewMemoryStore creates an in-memory sale store.
func NewMemoryStore(ledgerStore ledger.Store, reg registry.Store) *MemoryStore {
	return &MemoryStore{ledger: ledgerStore, registry: reg}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Complete(ctx context.Context, t *registry.OwnershipTransfer, b *ledger.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := b.Validate(); err != nil {
		return err
	}
	if c, ok := m.registry.(transferChecker); ok {
		if err := c.CheckTransfer(ctx, t); err != nil {
			return err
		}
	}
	if err := m.ledger.Apply(ctx, b); err != nil {
		return err
	}
	return m.registry.RecordTransfer(ctx, t)
}
