package evaluation

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mbd888/watchmarket/internal/ledger"
	"github.com/mbd888/watchmarket/internal/money"
)

// PostgresStore persists evaluations in PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	ledger *ledger.PostgresStore
}

// NewPostgresStore creates a PostgreSQL-backed evaluation store. MarkPaid
// applies commission batches through ledgerStore in the same transaction.
func NewPostgresStore(db *sql.DB, ledgerStore *ledger.PostgresStore) *PostgresStore {
	return &PostgresStore{db: db, ledger: ledgerStore}
}

var _ Store = (*PostgresStore)(nil)

const evaluationColumns = `id, watch_id, requester_id, evaluator_id, store_id, fee, status,
		       condition, authentic, estimated_value, notes, payment_method, payment_ref,
		       created_at, updated_at, completed_at, paid_at`

func (p *PostgresStore) Create(ctx context.Context, e *Evaluation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO evaluations (id, watch_id, requester_id, evaluator_id, store_id, fee, status, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(14,2), $7, $8, $9, $10)`,
		e.ID, e.WatchID, e.RequesterID, e.EvaluatorID, e.StoreID, e.Fee, string(e.Status),
		nullString(e.Notes), e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Evaluation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE id = $1`, id)
	e, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) Complete(ctx context.Context, e *Evaluation) error {
	var estimated sql.NullString
	if e.EstimatedValue != nil {
		estimated = sql.NullString{String: e.EstimatedValue.String(), Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE evaluations SET
			status = $2, condition = $3, authentic = $4, estimated_value = $5::NUMERIC(14,2),
			notes = $6, completed_at = $7, updated_at = $8
		WHERE id = $1 AND status = 'requested'`,
		e.ID, string(e.Status), nullString(e.Condition), e.Authentic, estimated,
		nullString(e.Notes), e.CompletedAt, e.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return p.expectRow(ctx, res, e.ID)
}

func (p *PostgresStore) MarkPaid(ctx context.Context, id string, pay *Payment) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE evaluations SET status = 'paid', payment_method = $2, payment_ref = $3,
			paid_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'completed'`,
		id, string(pay.Method), nullString(pay.Reference), pay.PaidAt,
	)
	if err != nil {
		return err
	}
	if err := p.expectRow(ctx, res, id); err != nil {
		return err
	}
	if err := p.ledger.ApplyTx(ctx, tx, pay.Batch); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) expectRow(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrStaleState
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvaluation(s scanner) (*Evaluation, error) {
	e := &Evaluation{}
	var (
		status        string
		condition     sql.NullString
		authentic     sql.NullBool
		estimated     sql.NullString
		notes         sql.NullString
		paymentMethod sql.NullString
		paymentRef    sql.NullString
		completedAt   sql.NullTime
		paidAt        sql.NullTime
	)
	err := s.Scan(
		&e.ID, &e.WatchID, &e.RequesterID, &e.EvaluatorID, &e.StoreID, &e.Fee, &status,
		&condition, &authentic, &estimated, &notes, &paymentMethod, &paymentRef,
		&e.CreatedAt, &e.UpdatedAt, &completedAt, &paidAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.Condition = condition.String
	e.Notes = notes.String
	e.PaymentMethod = paymentMethod.String
	e.PaymentRef = paymentRef.String
	if authentic.Valid {
		e.Authentic = &authentic.Bool
	}
	if estimated.Valid {
		v, err := money.Parse(estimated.String)
		if err != nil {
			return nil, err
		}
		e.EstimatedValue = &v
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if paidAt.Valid {
		e.PaidAt = &paidAt.Time
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
