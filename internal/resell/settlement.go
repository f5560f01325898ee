package resell

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/watchmarket/internal/auth"
	"github.com/mbd888/watchmarket/internal/ledger"
	"github.com/mbd888/watchmarket/internal/metrics"
	"github.com/mbd888/watchmarket/internal/notify"
	"github.com/mbd888/watchmarket/internal/registry"
	"github.com/mbd888/watchmarket/internal/retry"
	"github.com/mbd888/watchmarket/internal/traces"
	"github.com/mbd888/watchmarket/internal/wallet"
)

// release claims a fully confirmed escrow and pays it out. When the other
// confirmation already claimed it, the current escrow is returned.
func (s *Service) release(ctx context.Context, e *Escrow, o *Offer) (*Escrow, error) {
	rate := s.ledger.Policy().Rate(ledger.EventResale, ledger.RolePlatform)
	admin, seller := e.Amount.Split(rate)

	claimed, err := s.store.BeginRelease(ctx, e.ID, admin, seller)
	if errors.Is(err, ErrStaleState) {
		return s.store.GetEscrow(ctx, e.ID)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("escrow release claimed", "escrow", e.ID, "offer", o.ID,
		"admin", admin.String(), "seller", seller.String(), "rate", rate.String())
	return s.payout(ctx, claimed, o)
}

// RetryRelease resumes a failed release. Legs that already carry a
// transaction hash are skipped; the others are re-issued with their
// original memos.
func (s *Service) RetryRelease(ctx context.Context, p auth.Principal, offerID string) (escrow *Escrow, err error) {
	defer func() { observe(ActionRetry, err) }()

	if !p.IsAdmin() {
		return nil, ErrNotAuthorized
	}

	unlock, err := s.lockOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	e, err := s.store.GetEscrowByOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	resumed, err := s.store.ResumeRelease(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("escrow release resumed", "escrow", e.ID, "offer", offerID, "admin", p.UserID,
		"previousError", e.LastError)
	return s.payout(ctx, resumed, o)
}

// payout runs the two legs of a releasing escrow and commits the
// settlement. Recipients are resolved before any money moves. Any failure
// leaves the escrow failed for an admin retry.
func (s *Service) payout(ctx context.Context, e *Escrow, o *Offer) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "resell.payout",
		traces.EscrowID(e.ID), traces.OfferID(o.ID), traces.Amount(e.Amount.String()))
	defer span.End()

	batch, err := s.planSettlement(ctx, e, o)
	if err != nil {
		return nil, s.fail(ctx, e, fmt.Errorf("%w: %w", ErrSettlementInconsistency, err))
	}

	secret, err := s.vault.Open(ctx, e.SecretRef)
	if err != nil {
		return nil, s.fail(ctx, e, fmt.Errorf("failed to open escrow credential: %w", err))
	}

	legs := []struct {
		leg  Leg
		to   string
		memo string
	}{
		{LegAdmin, s.cfg.PlatformAccount, AdminLegMemo(e.ID)},
		{LegSeller, o.SellerAccount, SellerLegMemo(e.ID)},
	}
	for _, l := range legs {
		amount := e.AdminAmount
		if l.leg == LegSeller {
			amount = e.SellerAmount
		}
		if e.LegHash(l.leg) != "" || amount.IsZero() {
			continue
		}

		legCtx, legSpan := traces.StartSpan(ctx, "resell.leg", traces.Leg(string(l.leg)), traces.Memo(l.memo))
		receipt, err := s.wallet.Transfer(legCtx, wallet.TransferRequest{
			From:       e.Account,
			To:         l.to,
			Amount:     amount,
			Memo:       l.memo,
			Credential: secret,
		})
		traces.RecordError(legSpan, err)
		legSpan.End()
		if err != nil {
			return nil, s.fail(ctx, e, err)
		}

		// A hash that fails to persist is recovered on retry: the memo
		// returns the same receipt.
		if err := s.store.RecordLeg(ctx, e.ID, l.leg, receipt.TxHash); err != nil {
			return nil, s.fail(ctx, e, fmt.Errorf("failed to record %s leg %s: %w", l.leg, receipt.TxHash, err))
		}
		if l.leg == LegAdmin {
			e.AdminTxHash = receipt.TxHash
		} else {
			e.SellerTxHash = receipt.TxHash
		}
		s.logger.Info("escrow leg paid", "escrow", e.ID, "leg", l.leg, "amount", amount.String(), "tx", receipt.TxHash)
	}

	now := time.Now()
	settlement := &Settlement{
		EscrowID: e.ID,
		OfferID:  o.ID,
		Batch:    batch,
		Transfer: &registry.OwnershipTransfer{
			WatchID:    o.WatchID,
			FromUserID: o.SellerID,
			ToUserID:   o.BuyerID,
			TxHash:     e.SellerTxHash,
			Type:       registry.TransferResale,
			Price:      e.Amount,
			AdminFee:   e.AdminAmount,
			CreatedAt:  now,
		},
		ReleasedAt: now,
	}
	err = retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		err := s.store.Settle(ctx, settlement)
		if isPermanentSettleError(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if isPermanentSettleError(err) && !errors.Is(err, ErrStaleState) {
			err = fmt.Errorf("%w: %w", ErrSettlementInconsistency, err)
		}
		s.logger.Error("CRITICAL: escrow legs paid but settlement not committed",
			"escrow", e.ID, "offer", o.ID, "adminTx", e.AdminTxHash, "sellerTx", e.SellerTxHash, "error", err)
		return nil, s.fail(ctx, e, err)
	}

	ledger.Observe(batch)
	metrics.EscrowReleasesTotal.WithLabelValues("released").Inc()
	metrics.EscrowHoldDuration.Observe(now.Sub(e.CreatedAt).Seconds())
	s.logger.Info("escrow released", "escrow", e.ID, "offer", o.ID,
		"admin", e.AdminAmount.String(), "seller", e.SellerAmount.String())

	pt, err := s.partiesOf(ctx, o)
	if err == nil {
		s.notifier.Notify(ctx, pt.seller, "Payment released",
			fmt.Sprintf("R$ %s was paid to your account for offer %s", e.SellerAmount, o.ID), notify.KindSuccess)
		s.notifier.Notify(ctx, pt.store, "Resale completed",
			fmt.Sprintf("Offer %s is completed and the watch is now yours", o.ID), notify.KindSuccess)
	}

	return s.store.GetEscrow(ctx, e.ID)
}

// planSettlement resolves the recipients of a releasing escrow and checks
// the ledger split against the amounts recorded when the release was
// claimed.
func (s *Service) planSettlement(ctx context.Context, e *Escrow, o *Offer) (*ledger.Batch, error) {
	if e.AdminAmount.Add(e.SellerAmount) != e.Amount {
		return nil, fmt.Errorf("split %s + %s does not sum to %s", e.AdminAmount, e.SellerAmount, e.Amount)
	}
	if s.cfg.PlatformAccount == "" {
		return nil, errors.New("platform account is not configured")
	}
	batch, err := s.ledger.Plan(ctx, ledger.EventResale, e.ID, e.Amount, map[string]string{
		ledger.RolePlatform: s.cfg.PlatformUserID,
		ledger.RoleSeller:   o.SellerID,
	})
	if err != nil {
		return nil, err
	}
	if batch.Share(ledger.RolePlatform) != e.AdminAmount || batch.Share(ledger.RoleSeller) != e.SellerAmount {
		return nil, fmt.Errorf("ledger split %s/%s differs from recorded %s/%s",
			batch.Share(ledger.RolePlatform), batch.Share(ledger.RoleSeller), e.AdminAmount, e.SellerAmount)
	}
	return batch, nil
}

func isPermanentSettleError(err error) bool {
	return errors.Is(err, ErrStaleState) ||
		errors.Is(err, registry.ErrOwnerMismatch) ||
		errors.Is(err, registry.ErrInvalidRecord) ||
		errors.Is(err, ledger.ErrDuplicateCommission) ||
		errors.Is(err, ledger.ErrInvalidBatch)
}

// fail marks a releasing escrow failed and returns cause.
func (s *Service) fail(ctx context.Context, e *Escrow, cause error) error {
	result := "failed"
	if errors.Is(cause, ErrSettlementInconsistency) {
		result = "inconsistent"
	}
	metrics.EscrowReleasesTotal.WithLabelValues(result).Inc()
	traces.RecordError(trace.SpanFromContext(ctx), cause)

	ctx = context.WithoutCancel(ctx)
	if err := s.store.MarkFailed(ctx, e.ID, cause.Error()); err != nil {
		s.logger.Error("CRITICAL: failed to mark escrow failed", "escrow", e.ID, "cause", cause, "error", err)
	}
	s.logger.Error("escrow release failed", "escrow", e.ID, "offer", e.OfferID, "result", result, "error", cause)
	s.notifier.Notify(ctx, s.cfg.PlatformUserID, "Settlement needs attention",
		fmt.Sprintf("Escrow %s could not be released: %v", e.ID, cause), notify.KindError)
	return cause
}
