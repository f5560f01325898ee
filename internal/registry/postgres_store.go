package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/watchmarket/internal/idgen"
	"github.com/mbd888/watchmarket/internal/money"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// mapPQError turns constraint violations into registry sentinels.
func mapPQError(err error, notFound error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return ErrAlreadyExists
		case "23503": // foreign_key_violation
			return notFound
		}
	}
	return err
}

// -----------------------------------------------------------------------------
// Users, stores, evaluators
// -----------------------------------------------------------------------------

func (p *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = idgen.WithPrefix("usr_")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, full_name, email, role, settlement_account, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.FullName, u.Email, string(u.Role), nullString(u.SettlementAccount), u.Active, u.CreatedAt)
	if err != nil {
		return mapPQError(err, ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	var (
		u       User
		role    string
		account sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, full_name, email, role, settlement_account, active, created_at
		FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.FullName, &u.Email, &role, &account, &u.Active, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Role = Role(role)
	u.SettlementAccount = account.String
	return &u, nil
}

func (p *PostgresStore) CreateShop(ctx context.Context, s *Shop) error {
	if s.ID == "" {
		s.ID = idgen.WithPrefix("sto_")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO stores (id, user_id, name, credentialed, commission_bps, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.UserID, s.Name, s.Credentialed, int64(s.CommissionRate), s.CreatedAt)
	if err != nil {
		return mapPQError(err, ErrUserNotFound)
	}
	return nil
}

func (p *PostgresStore) GetShop(ctx context.Context, id string) (*Shop, error) {
	var (
		s   Shop
		bps int64
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, credentialed, commission_bps, created_at
		FROM stores WHERE id = $1`, id).
		Scan(&s.ID, &s.UserID, &s.Name, &s.Credentialed, &bps, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrShopNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get store: %w", err)
	}
	s.CommissionRate = money.Rate(bps)
	return &s, nil
}

func (p *PostgresStore) CreateEvaluator(ctx context.Context, e *Evaluator) error {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("evr_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO evaluators (id, user_id, store_id, name, active, evaluation_fee, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(14,2), $7)`,
		e.ID, e.UserID, e.StoreID, e.Name, e.Active, e.EvaluationFee, e.CreatedAt)
	if err != nil {
		return mapPQError(err, ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) GetEvaluator(ctx context.Context, id string) (*Evaluator, error) {
	var e Evaluator
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, store_id, name, active, evaluation_fee, created_at
		FROM evaluators WHERE id = $1`, id).
		Scan(&e.ID, &e.UserID, &e.StoreID, &e.Name, &e.Active, &e.EvaluationFee, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEvaluatorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get evaluator: %w", err)
	}
	return &e, nil
}

// -----------------------------------------------------------------------------
// Watches
// -----------------------------------------------------------------------------

const watchColumns = `id, serial_number, brand, model, owner_id, store_id, status, list_price, created_at, updated_at`

func (p *PostgresStore) CreateWatch(ctx context.Context, w *Watch) error {
	if w.ID == "" {
		w.ID = idgen.WithPrefix("wch_")
	}
	if w.Status == "" {
		w.Status = WatchRegistered
	}
	now := time.Now()
	w.CreatedAt, w.UpdatedAt = now, now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO watches (`+watchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC(14,2), $9, $9)`,
		w.ID, w.SerialNumber, w.Brand, w.Model, w.OwnerID, nullString(w.StoreID), string(w.Status),
		nullAmount(w.ListPrice), now)
	if err != nil {
		return mapPQError(err, ErrUserNotFound)
	}
	return nil
}

func (p *PostgresStore) GetWatch(ctx context.Context, id string) (*Watch, error) {
	var (
		w      Watch
		store  sql.NullString
		status string
		price  sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `SELECT `+watchColumns+` FROM watches WHERE id = $1`, id).
		Scan(&w.ID, &w.SerialNumber, &w.Brand, &w.Model, &w.OwnerID, &store, &status, &price, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watch: %w", err)
	}
	w.StoreID = store.String
	w.Status = WatchStatus(status)
	if price.Valid {
		v, err := money.Parse(price.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse list price: %w", err)
		}
		w.ListPrice = &v
	}
	return &w, nil
}

func (p *PostgresStore) ListWatch(ctx context.Context, id, storeID string, price money.Amount) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE watches SET store_id = $2, status = 'for_sale', list_price = $3::NUMERIC(14,2), updated_at = NOW()
		WHERE id = $1`, id, storeID, price)
	if err != nil {
		return mapPQError(err, ErrShopNotFound)
	}
	return expectOneRow(res, ErrWatchNotFound)
}

func (p *PostgresStore) SetWatchStatus(ctx context.Context, id string, status WatchStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE watches SET status = $1, updated_at = NOW() WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update watch status: %w", err)
	}
	return expectOneRow(res, ErrWatchNotFound)
}

func (p *PostgresStore) SetWatchOwner(ctx context.Context, id, userID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE watches SET owner_id = $1, updated_at = NOW() WHERE id = $2`, userID, id)
	if err != nil {
		return mapPQError(err, ErrUserNotFound)
	}
	return expectOneRow(res, ErrWatchNotFound)
}

// -----------------------------------------------------------------------------
// Ownership history
// -----------------------------------------------------------------------------

func (p *PostgresStore) RecordTransfer(ctx context.Context, t *OwnershipTransfer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := p.RecordTransferTx(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordTransferTx is RecordTransfer inside a caller-owned transaction. The
// watch row is locked until the caller commits.
func (p *PostgresStore) RecordTransferTx(ctx context.Context, tx *sql.Tx, t *OwnershipTransfer) error {
	if err := t.validate(); err != nil {
		return err
	}

	var owner, status string
	err := tx.QueryRowContext(ctx, `SELECT owner_id, status FROM watches WHERE id = $1 FOR UPDATE`, t.WatchID).
		Scan(&owner, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrWatchNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock watch: %w", err)
	}
	if owner != t.FromUserID {
		return ErrOwnerMismatch
	}
	if t.Type == TransferSale && WatchStatus(status) != WatchForSale {
		return ErrNotListed
	}

	if t.ID == "" {
		t.ID = idgen.WithPrefix("otr_")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE watches SET owner_id = $1, updated_at = $2, list_price = NULL,
			status = CASE WHEN status = 'for_sale' THEN 'sold' ELSE status END
		WHERE id = $3`,
		t.ToUserID, t.CreatedAt, t.WatchID); err != nil {
		return mapPQError(err, ErrUserNotFound)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ownership_transfers (
			id, watch_id, from_user_id, to_user_id, tx_hash, transfer_type, price, admin_fee, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(14,2), $8::NUMERIC(14,2), $9)`,
		t.ID, t.WatchID, t.FromUserID, t.ToUserID, nullString(t.TxHash), string(t.Type),
		t.Price, t.AdminFee, t.CreatedAt); err != nil {
		return mapPQError(err, ErrUserNotFound)
	}
	return nil
}

func (p *PostgresStore) ListTransfers(ctx context.Context, watchID string) ([]*OwnershipTransfer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, watch_id, from_user_id, to_user_id, tx_hash, transfer_type, price, admin_fee, created_at
		FROM ownership_transfers WHERE watch_id = $1 ORDER BY created_at ASC`, watchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*OwnershipTransfer
	for rows.Next() {
		var (
			t    OwnershipTransfer
			hash sql.NullString
			kind string
		)
		if err := rows.Scan(&t.ID, &t.WatchID, &t.FromUserID, &t.ToUserID, &hash, &kind,
			&t.Price, &t.AdminFee, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.TxHash = hash.String
		t.Type = TransferType(kind)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullAmount(a *money.Amount) sql.NullString {
	if a == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: a.String(), Valid: true}
}
