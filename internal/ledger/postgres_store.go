package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. Tables are created by the
// migrations in /migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Apply runs ApplyTx in its own transaction.
func (p *PostgresStore) Apply(ctx context.Context, b *Batch) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := p.ApplyTx(ctx, tx, b); err != nil {
		return err
	}
	return tx.Commit()
}

// ApplyTx inserts the batch's commissions and credits balances inside the
// caller's transaction. On error the caller must roll back.
func (p *PostgresStore) ApplyTx(ctx context.Context, tx *sql.Tx, b *Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	for _, c := range b.Commissions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO commissions (id, transaction_id, transaction_type, recipient_id, role, bucket, amount, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(14,2), $8, NOW())
		`, c.ID, c.TransactionID, string(c.TransactionType), c.RecipientID, c.Role, string(c.Bucket), c.Amount, c.Description)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrDuplicateCommission
			}
			return fmt.Errorf("failed to record commission: %w", err)
		}

		primary, secondary := c.Amount, c.Amount
		if c.Bucket == BucketSecondary {
			primary = 0
		} else {
			secondary = 0
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_balances (user_id, primary_balance, secondary_balance, updated_at)
			VALUES ($1, $2::NUMERIC(14,2), $3::NUMERIC(14,2), NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				primary_balance   = user_balances.primary_balance   + $2::NUMERIC(14,2),
				secondary_balance = user_balances.secondary_balance + $3::NUMERIC(14,2),
				updated_at        = NOW()
		`, c.RecipientID, primary, secondary)
		if err != nil {
			return fmt.Errorf("failed to credit balance: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT primary_balance, secondary_balance, updated_at
		FROM user_balances WHERE user_id = $1
	`, userID).Scan(&bal.Primary, &bal.Secondary, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

const commissionColumns = `id, transaction_id, transaction_type, recipient_id, role, bucket, amount, COALESCE(description, ''), created_at`

func (p *PostgresStore) ListCommissions(ctx context.Context, transactionID string) ([]*Commission, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+commissionColumns+`
		FROM commissions WHERE transaction_id = $1
		ORDER BY created_at, id
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommissions(rows)
}

func (p *PostgresStore) ListByRecipient(ctx context.Context, userID string, limit int) ([]*Commission, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+commissionColumns+`
		FROM commissions WHERE recipient_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommissions(rows)
}

func scanCommissions(rows *sql.Rows) ([]*Commission, error) {
	var out []*Commission
	for rows.Next() {
		var (
			c      Commission
			typ    string
			bucket string
		)
		if err := rows.Scan(&c.ID, &c.TransactionID, &typ, &c.RecipientID, &c.Role, &bucket, &c.Amount, &c.Description, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.TransactionType = EventType(typ)
		c.Bucket = Bucket(bucket)
		out = append(out, &c)
	}
	return out, rows.Err()
}
