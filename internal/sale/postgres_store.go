package sale

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mbd888/watchmarket/internal/ledger"
	"github.com/mbd888/watchmarket/internal/registry"
)

// PostgresStore completes sales in a single PostgreSQL transaction.
type PostgresStore struct {
	db       *sql.DB
	ledger   *ledger.PostgresStore
	registry *registry.PostgresStore
}

// NewPostgresStore creates a PostgreSQL-backed sale store.
func NewPostgresStore(db *sql.DB, ledgerStore *ledger.PostgresStore, reg *registry.PostgresStore) *PostgresStore {
	return &PostgresStore{db: db, ledger: ledgerStore, registry: reg}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Complete(ctx context.Context, t *registry.OwnershipTransfer, b *ledger.Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The watch row stays locked until commit.
	if err := p.registry.RecordTransferTx(ctx, tx, t); err != nil {
		return err
	}
	if err := p.ledger.ApplyTx(ctx, tx, b); err != nil {
		return err
	}
	return tx.Commit()
}
