package resell

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/watchmarket/internal/ledger"
	"github.com/mbd888/watchmarket/internal/money"
	"github.com/mbd888/watchmarket/internal/registry"
)

// PostgresStore persists offers and escrows in PostgreSQL. Settle joins the
// ledger and registry writes into its own transaction.
type PostgresStore struct {
	db       *sql.DB
	ledger   *ledger.PostgresStore
	registry *registry.PostgresStore
}

// NewPostgresStore creates a new PostgreSQL-backed resell store.
func NewPostgresStore(db *sql.DB, ledgerStore *ledger.PostgresStore, registryStore *registry.PostgresStore) *PostgresStore {
	return &PostgresStore{db: db, ledger: ledgerStore, registry: registryStore}
}

var _ Store = (*PostgresStore)(nil)

// -----------------------------------------------------------------------------
// Offers
// -----------------------------------------------------------------------------

const offerColumns = `id, watch_id, seller_id, buyer_id, store_id, evaluator_id,
		       asking_price, proposed_price, final_price, seller_account, description,
		       status, created_at, updated_at`

func (p *PostgresStore) CreateOffer(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO resell_offers (
			id, watch_id, seller_id, buyer_id, store_id, evaluator_id,
			asking_price, proposed_price, final_price, seller_account, description,
			status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC(14,2), $8::NUMERIC(14,2), $9::NUMERIC(14,2), $10, $11,
			$12, $13, $14
		)`,
		o.ID, o.WatchID, o.SellerID, nullString(o.BuyerID), o.StoreID, o.EvaluatorID,
		o.AskingPrice, nullAmount(o.ProposedPrice), nullAmount(o.FinalPrice), o.SellerAccount, nullString(o.Description),
		string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrActiveOfferExists
	}
	return err
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM resell_offers WHERE id = $1`, id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) UpdateOffer(ctx context.Context, o *Offer, expected OfferStatus) error {
	return p.updateOffer(ctx, p.db, o, expected)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PostgresStore) updateOffer(ctx context.Context, db execer, o *Offer, expected OfferStatus) error {
	res, err := db.ExecContext(ctx, `
		UPDATE resell_offers SET
			buyer_id = $1, proposed_price = $2::NUMERIC(14,2), final_price = $3::NUMERIC(14,2),
			status = $4, updated_at = $5
		WHERE id = $6 AND status = $7`,
		nullString(o.BuyerID), nullAmount(o.ProposedPrice), nullAmount(o.FinalPrice),
		string(o.Status), o.UpdatedAt, o.ID, string(expected),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.GetOffer(ctx, o.ID); err != nil {
			return err
		}
		return ErrStaleState
	}
	return nil
}

// -----------------------------------------------------------------------------
// Escrows
// -----------------------------------------------------------------------------

const escrowColumns = `id, offer_id, account, secret_ref, amount, depositor_id, deposit_tx_hash,
		       status, seller_confirmed, seller_confirmed_at, evaluator_confirmed, evaluator_confirmed_at,
		       admin_amount, seller_amount, admin_tx_hash, seller_tx_hash, refund_tx_hash,
		       last_error, created_at, updated_at, released_at`

func (p *PostgresStore) OpenEscrow(ctx context.Context, e *Escrow, o *Offer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := p.updateOffer(ctx, tx, o, OfferAccepted); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO resell_escrows (
			id, offer_id, account, secret_ref, amount, depositor_id, deposit_tx_hash,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(14,2), $6, $7, $8, $9, $10)`,
		e.ID, e.OfferID, e.Account, e.SecretRef, e.Amount, e.DepositorID, e.DepositTxHash,
		string(e.Status), e.CreatedAt, e.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrStaleState
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	return p.getEscrow(ctx, `id = $1`, id)
}

func (p *PostgresStore) GetEscrowByOffer(ctx context.Context, offerID string) (*Escrow, error) {
	return p.getEscrow(ctx, `offer_id = $1`, offerID)
}

func (p *PostgresStore) getEscrow(ctx context.Context, where string, arg string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM resell_escrows WHERE `+where, arg)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Confirm(ctx context.Context, escrowID string, party Party, at time.Time) (*Escrow, bool, error) {
	query := `
		UPDATE resell_escrows SET seller_confirmed = TRUE, seller_confirmed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'holding' AND NOT seller_confirmed
		RETURNING ` + escrowColumns
	if party == PartyEvaluator {
		query = `
		UPDATE resell_escrows SET evaluator_confirmed = TRUE, evaluator_confirmed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'holding' AND NOT evaluator_confirmed
		RETURNING ` + escrowColumns
	}

	e, err := scanEscrow(p.db.QueryRowContext(ctx, query, escrowID, at))
	if errors.Is(err, sql.ErrNoRows) {
		cur, err := p.GetEscrow(ctx, escrowID)
		return cur, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (p *PostgresStore) BeginRelease(ctx context.Context, escrowID string, admin, seller money.Amount) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE resell_escrows SET
			status = 'releasing', admin_amount = $2::NUMERIC(14,2), seller_amount = $3::NUMERIC(14,2), updated_at = NOW()
		WHERE id = $1 AND status = 'holding' AND seller_confirmed AND evaluator_confirmed
		RETURNING `+escrowColumns, escrowID, admin, seller)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := p.GetEscrow(ctx, escrowID); err != nil {
			return nil, err
		}
		return nil, ErrStaleState
	}
	return e, err
}

func (p *PostgresStore) ResumeRelease(ctx context.Context, escrowID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE resell_escrows SET status = 'releasing', updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
		RETURNING `+escrowColumns, escrowID)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		cur, err := p.GetEscrow(ctx, escrowID)
		if err != nil {
			return nil, err
		}
		return nil, escrowTransitionError(cur, ActionRetry, EscrowFailed)
	}
	return e, err
}

func (p *PostgresStore) RecordLeg(ctx context.Context, escrowID string, leg Leg, txHash string) error {
	query := `UPDATE resell_escrows SET admin_tx_hash = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'releasing' AND admin_tx_hash IS NULL`
	if leg == LegSeller {
		query = `UPDATE resell_escrows SET seller_tx_hash = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'releasing' AND seller_tx_hash IS NULL`
	}
	res, err := p.db.ExecContext(ctx, query, escrowID, txHash)
	if err != nil {
		return err
	}
	return p.expectEscrowRow(ctx, res, escrowID)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, escrowID, reason string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE resell_escrows SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'releasing'`, escrowID, reason)
	if err != nil {
		return err
	}
	return p.expectEscrowRow(ctx, res, escrowID)
}

func (p *PostgresStore) Settle(ctx context.Context, s *Settlement) error {
	if err := s.Batch.Validate(); err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE resell_escrows SET status = 'released', released_at = $2, last_error = NULL, updated_at = $2
		WHERE id = $1 AND status = 'releasing'`, s.EscrowID, s.ReleasedAt)
	if err != nil {
		return fmt.Errorf("failed to release escrow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE resell_offers SET status = 'completed', updated_at = $2
		WHERE id = $1 AND status = 'paid'`, s.OfferID, s.ReleasedAt)
	if err != nil {
		return fmt.Errorf("failed to complete offer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}

	if err := p.ledger.ApplyTx(ctx, tx, s.Batch); err != nil {
		return err
	}
	if err := p.registry.RecordTransferTx(ctx, tx, s.Transfer); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) BeginRefund(ctx context.Context, escrowID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE resell_escrows SET status = 'refunding', updated_at = NOW()
		WHERE id = $1 AND status IN ('holding', 'refunding')
		RETURNING `+escrowColumns, escrowID)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		cur, err := p.GetEscrow(ctx, escrowID)
		if err != nil {
			return nil, err
		}
		return nil, escrowTransitionError(cur, ActionCancel, EscrowHolding, EscrowRefunding)
	}
	return e, err
}

func (p *PostgresStore) CompleteRefund(ctx context.Context, escrowID, txHash string, o *Offer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE resell_escrows SET status = 'refunded', refund_tx_hash = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'refunding'`, escrowID, txHash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}
	if err := p.updateOffer(ctx, tx, o, OfferPaid); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListEscrowsByStatus(ctx context.Context, statuses []EscrowStatus, limit int) ([]*Escrow, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM resell_escrows
		WHERE status = ANY($1)
		ORDER BY updated_at ASC
		LIMIT $2`, pq.Array(names), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) expectEscrowRow(ctx context.Context, res sql.Result, escrowID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.GetEscrow(ctx, escrowID); err != nil {
			return err
		}
		return ErrStaleState
	}
	return nil
}

// -----------------------------------------------------------------------------
// Scanning
// -----------------------------------------------------------------------------

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(s scanner) (*Offer, error) {
	o := &Offer{}
	var (
		buyerID     sql.NullString
		description sql.NullString
		proposed    sql.NullString
		final       sql.NullString
		status      string
	)
	err := s.Scan(
		&o.ID, &o.WatchID, &o.SellerID, &buyerID, &o.StoreID, &o.EvaluatorID,
		&o.AskingPrice, &proposed, &final, &o.SellerAccount, &description,
		&status, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = OfferStatus(status)
	o.BuyerID = buyerID.String
	o.Description = description.String
	if o.ProposedPrice, err = parseNullAmount(proposed); err != nil {
		return nil, err
	}
	if o.FinalPrice, err = parseNullAmount(final); err != nil {
		return nil, err
	}
	return o, nil
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status               string
		sellerConfirmedAt    sql.NullTime
		evaluatorConfirmedAt sql.NullTime
		adminTxHash          sql.NullString
		sellerTxHash         sql.NullString
		refundTxHash         sql.NullString
		lastError            sql.NullString
		releasedAt           sql.NullTime
	)
	err := s.Scan(
		&e.ID, &e.OfferID, &e.Account, &e.SecretRef, &e.Amount, &e.DepositorID, &e.DepositTxHash,
		&status, &e.SellerConfirmed, &sellerConfirmedAt, &e.EvaluatorConfirmed, &evaluatorConfirmedAt,
		&e.AdminAmount, &e.SellerAmount, &adminTxHash, &sellerTxHash, &refundTxHash,
		&lastError, &e.CreatedAt, &e.UpdatedAt, &releasedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = EscrowStatus(status)
	e.AdminTxHash = adminTxHash.String
	e.SellerTxHash = sellerTxHash.String
	e.RefundTxHash = refundTxHash.String
	e.LastError = lastError.String
	if sellerConfirmedAt.Valid {
		e.SellerConfirmedAt = &sellerConfirmedAt.Time
	}
	if evaluatorConfirmedAt.Valid {
		e.EvaluatorConfirmedAt = &evaluatorConfirmedAt.Time
	}
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	return e, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullAmount converts an optional amount to a NUMERIC parameter.
func nullAmount(a *money.Amount) sql.NullString {
	if a == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: a.String(), Valid: true}
}

func parseNullAmount(ns sql.NullString) (*money.Amount, error) {
	if !ns.Valid {
		return nil, nil
	}
	a, err := money.Parse(ns.String)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
