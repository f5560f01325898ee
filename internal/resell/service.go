package resell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/watchmarket/internal/auth"
	"github.com/mbd888/watchmarket/internal/idgen"
	"github.com/mbd888/watchmarket/internal/ledger"
	"github.com/mbd888/watchmarket/internal/metrics"
	"github.com/mbd888/watchmarket/internal/money"
	"github.com/mbd888/watchmarket/internal/notify"
	"github.com/mbd888/watchmarket/internal/registry"
	"github.com/mbd888/watchmarket/internal/retry"
	"github.com/mbd888/watchmarket/internal/secrets"
	"github.com/mbd888/watchmarket/internal/syncutil"
	"github.com/mbd888/watchmarket/internal/traces"
	"github.com/mbd888/watchmarket/internal/wallet"
)

// Config holds the platform side of every settlement.
type Config struct {
	// PlatformAccount is the Ledger Service account receiving the admin leg.
	PlatformAccount string
	// PlatformUserID is the admin user credited with the platform commission.
	PlatformUserID string
}

// CreateOfferRequest contains the parameters for creating an offer.
type CreateOfferRequest struct {
	WatchID       string       `json:"watchId" binding:"required"`
	EvaluatorID   string       `json:"evaluatorId" binding:"required"`
	AskingPrice   money.Amount `json:"askingPrice"`
	SellerAccount string       `json:"sellerAccount"` // defaults to the seller's settlement account
	Description   string       `json:"description"`
}

// Service implements the offer lifecycle and the escrow settlement engine.
type Service struct {
	store    Store
	registry registry.Store
	ledger   *ledger.Ledger
	wallet   wallet.Service
	vault    *secrets.Vault
	notifier notify.Sink
	locks    syncutil.Locker
	cfg      Config
	logger   *slog.Logger
}

// NewService creates a resell service. Offers are serialized with an
// in-process lock until WithLocker installs another one.
func NewService(store Store, reg registry.Store, led *ledger.Ledger, w wallet.Service, vault *secrets.Vault, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		registry: reg,
		ledger:   led,
		wallet:   w,
		vault:    vault,
		notifier: notify.Discard{},
		locks:    syncutil.NewLocalLocker(0),
		cfg:      cfg,
		logger:   logger,
	}
}

// WithNotifier sets the sink for counterparty notifications.
func (s *Service) WithNotifier(n notify.Sink) *Service {
	s.notifier = n
	return s
}

// WithLocker replaces the per-offer lock, e.g. with a Redis lock shared
// across replicas.
func (s *Service) WithLocker(l syncutil.Locker) *Service {
	s.locks = l
	return s
}

// Locker returns the keyed lock the service serializes payments with.
func (s *Service) Locker() syncutil.Locker { return s.locks }

// Store exposes the underlying store for reconciliation.
func (s *Service) Store() Store { return s.store }

// parties are the user IDs involved in an offer.
type parties struct {
	seller    string
	store     string // the store's operating account
	evaluator string
}

func (pt parties) storeSide(userID string) bool {
	return userID == pt.store || userID == pt.evaluator
}

func (pt parties) includes(userID string) bool {
	return userID == pt.seller || pt.storeSide(userID)
}

func (s *Service) partiesOf(ctx context.Context, o *Offer) (parties, error) {
	shop, err := s.registry.GetShop(ctx, o.StoreID)
	if err != nil {
		return parties{}, err
	}
	ev, err := s.registry.GetEvaluator(ctx, o.EvaluatorID)
	if err != nil {
		return parties{}, err
	}
	return parties{seller: o.SellerID, store: shop.UserID, evaluator: ev.UserID}, nil
}

func (s *Service) lockOffer(ctx context.Context, id string) (func(), error) {
	return s.locks.Lock(ctx, "offer:"+id)
}

// observe counts a transition attempt. Caller mistakes count as rejected;
// everything else as an error.
func observe(action Action, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotAuthorized),
		errors.Is(err, ErrActiveOfferExists), errors.Is(err, ErrStaleState),
		errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrStoreNotCredentialed),
		errors.Is(err, ErrAccountRequired), errors.Is(err, ErrOfferNotFound),
		errors.Is(err, registry.ErrNotFound):
		result = "rejected"
	default:
		result = "error"
	}
	metrics.OfferTransitionsTotal.WithLabelValues(string(action), result).Inc()
}

// CreateOffer opens a resale offer for a watch the caller owns.
func (s *Service) CreateOffer(ctx context.Context, p auth.Principal, req CreateOfferRequest) (offer *Offer, err error) {
	defer func() { observe(ActionCreate, err) }()

	if !req.AskingPrice.IsPositive() {
		return nil, ErrInvalidAmount
	}

	unlock, err := s.locks.Lock(ctx, "watch:"+req.WatchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	watch, err := s.registry.GetWatch(ctx, req.WatchID)
	if err != nil {
		return nil, err
	}
	if watch.OwnerID != p.UserID {
		return nil, ErrNotAuthorized
	}

	ev, err := s.registry.GetEvaluator(ctx, req.EvaluatorID)
	if err != nil {
		return nil, err
	}
	if !ev.Active {
		return nil, fmt.Errorf("%w (inactive)", registry.ErrEvaluatorNotFound)
	}
	shop, err := s.registry.GetShop(ctx, ev.StoreID)
	if err != nil {
		return nil, err
	}
	if !shop.Credentialed {
		return nil, ErrStoreNotCredentialed
	}

	account := req.SellerAccount
	if account == "" {
		seller, err := s.registry.GetUser(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		account = seller.SettlementAccount
	}
	if account == "" {
		return nil, ErrAccountRequired
	}

	now := time.Now()
	offer = &Offer{
		ID:            idgen.WithPrefix("ofr_"),
		WatchID:       watch.ID,
		SellerID:      p.UserID,
		StoreID:       shop.ID,
		EvaluatorID:   ev.ID,
		AskingPrice:   req.AskingPrice,
		SellerAccount: account,
		Description:   req.Description,
		Status:        OfferPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateOffer(ctx, offer); err != nil {
		return nil, err
	}

	s.logger.Info("offer created", "offer", offer.ID, "watch", watch.ID, "seller", p.UserID, "store", shop.ID)
	s.notifier.Notify(ctx, ev.UserID, "New resale offer",
		fmt.Sprintf("%s %s is offered for resale at R$ %s", watch.Brand, watch.Model, req.AskingPrice), notify.KindInfo)
	return offer, nil
}

// ProposePrice records the evaluator's or store's price for a pending offer.
func (s *Service) ProposePrice(ctx context.Context, p auth.Principal, offerID string, price money.Amount) (offer *Offer, err error) {
	defer func() { observe(ActionPropose, err) }()

	if !price.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return s.transition(ctx, p, offerID, ActionPropose, func(o *Offer, pt parties) (string, error) {
		if !pt.storeSide(p.UserID) {
			return "", ErrNotAuthorized
		}
		o.ProposedPrice = &price
		return pt.seller, nil
	})
}

// Accept fixes the proposed price as the final price.
func (s *Service) Accept(ctx context.Context, p auth.Principal, offerID string) (offer *Offer, err error) {
	defer func() { observe(ActionAccept, err) }()

	return s.transition(ctx, p, offerID, ActionAccept, func(o *Offer, pt parties) (string, error) {
		if p.UserID != pt.seller {
			return "", ErrNotAuthorized
		}
		return pt.store, nil
	})
}

// transition runs a simple offer transition under the offer lock. authorize
// checks the caller, may edit the offer and returns the user to notify.
func (s *Service) transition(ctx context.Context, p auth.Principal, offerID string, action Action,
	authorize func(o *Offer, pt parties) (string, error)) (*Offer, error) {
	unlock, err := s.lockOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	pt, err := s.partiesOf(ctx, o)
	if err != nil {
		return nil, err
	}

	next := o.clone()
	counterparty, err := authorize(next, pt)
	if err != nil {
		return nil, err
	}
	if err := next.apply(action, time.Now()); err != nil {
		return nil, err
	}
	if err := s.store.UpdateOffer(ctx, next, o.Status); err != nil {
		return nil, err
	}

	s.logger.Info("offer transition", "offer", offerID, "action", action, "status", next.Status, "actor", p.UserID)
	s.notifier.Notify(ctx, counterparty, "Offer updated",
		fmt.Sprintf("Offer %s is now %s", offerID, next.Status), notify.KindInfo)
	return next, nil
}

// Pay deposits the final price into a fresh escrow account. The escrow and
// the paid offer are recorded only after the deposit succeeded; if they
// cannot be recorded the deposit is returned.
func (s *Service) Pay(ctx context.Context, p auth.Principal, offerID string, method *wallet.Method) (escrow *Escrow, err error) {
	defer func() { observe(ActionPay, err) }()

	ctx, span := traces.StartSpan(ctx, "resell.Pay", traces.OfferID(offerID), traces.UserID(p.UserID))
	defer span.End()
	defer func() { traces.RecordError(span, err) }()

	unlock, err := s.lockOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	pt, err := s.partiesOf(ctx, o)
	if err != nil {
		return nil, err
	}
	if p.UserID != pt.store {
		return nil, ErrNotAuthorized
	}
	if err := o.check(ActionPay); err != nil {
		return nil, err
	}

	amount := *o.FinalPrice
	depositor, err := s.registry.GetUser(ctx, pt.store)
	if err != nil {
		return nil, err
	}
	if depositor.SettlementAccount == "" {
		return nil, ErrAccountRequired
	}

	account, err := s.wallet.OpenAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open escrow account: %w", err)
	}
	ref, err := s.vault.Seal(ctx, account.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to seal escrow credential: %w", err)
	}

	var conv *wallet.Conversion
	if method != nil && method.Kind != wallet.MethodAsset {
		conv, err = s.wallet.Convert(ctx, amount, *method)
		if err != nil {
			return nil, err
		}
		s.logger.Info("payment converted", "offer", offerID, "method", conv.Method.Kind,
			"fee", conv.Fee.String(), "reference", conv.Reference)
	}

	escrowID := idgen.WithPrefix("esc_")
	receipt, err := s.wallet.Transfer(ctx, wallet.TransferRequest{
		From:   depositor.SettlementAccount,
		To:     account.Address,
		Amount: amount,
		Memo:   DepositMemo(escrowID),
	})
	if err != nil {
		if conv != nil {
			s.logger.Error("CRITICAL: payment converted but escrow deposit failed",
				"offer", offerID, "reference", conv.Reference, "amount", amount.String(), "error", err)
		}
		return nil, err
	}

	now := time.Now()
	escrow = &Escrow{
		ID:            escrowID,
		OfferID:       o.ID,
		Account:       account.Address,
		SecretRef:     ref,
		Amount:        amount,
		DepositorID:   depositor.ID,
		DepositTxHash: receipt.TxHash,
		Status:        EscrowHolding,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	next := o.clone()
	next.BuyerID = pt.store
	if err := next.apply(ActionPay, now); err != nil {
		return nil, err
	}

	err = retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		err := s.store.OpenEscrow(ctx, escrow, next)
		if errors.Is(err, ErrStaleState) || errors.Is(err, ErrOfferNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		s.logger.Error("CRITICAL: escrow deposit made but escrow not recorded, returning deposit",
			"offer", offerID, "escrow", escrowID, "amount", amount.String(), "error", err)
		s.returnDeposit(ctx, escrow, account.Secret, depositor.SettlementAccount)
		return nil, fmt.Errorf("failed to record escrow: %w", err)
	}

	s.logger.Info("offer paid into escrow", "offer", offerID, "escrow", escrowID, "amount", amount.String())
	msg := fmt.Sprintf("R$ %s is held in escrow for offer %s. Confirm delivery to release it.", amount, offerID)
	s.notifier.Notify(ctx, pt.seller, "Offer paid", msg, notify.KindSuccess)
	s.notifier.Notify(ctx, pt.evaluator, "Offer paid", msg, notify.KindInfo)
	return escrow, nil
}

// returnDeposit is the compensation for a deposit whose escrow could not be
// recorded. A failure here leaves funds in the escrow account and is logged
// for manual resolution.
func (s *Service) returnDeposit(ctx context.Context, e *Escrow, secret, to string) {
	ctx = context.WithoutCancel(ctx)
	_, err := s.wallet.Transfer(ctx, wallet.TransferRequest{
		From:       e.Account,
		To:         to,
		Amount:     e.Amount,
		Memo:       RefundMemo(e.ID),
		Credential: secret,
	})
	if err != nil {
		s.logger.Error("CRITICAL: failed to return escrow deposit, manual resolution required",
			"escrow", e.ID, "account", e.Account, "amount", e.Amount.String(), "error", err)
	}
}

// ConfirmDelivery records the caller's delivery confirmation. The seller
// sets the seller flag; the offer's store or evaluator sets the evaluator
// flag. When both are set the escrow is released. Repeating a confirmation
// is a no-op.
func (s *Service) ConfirmDelivery(ctx context.Context, p auth.Principal, offerID string) (escrow *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "resell.ConfirmDelivery", traces.OfferID(offerID), traces.UserID(p.UserID))
	defer span.End()

	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	pt, err := s.partiesOf(ctx, o)
	if err != nil {
		return nil, err
	}

	var party Party
	switch {
	case p.UserID == pt.seller:
		party = PartySeller
	case pt.storeSide(p.UserID):
		party = PartyEvaluator
	default:
		return nil, ErrNotAuthorized
	}

	e, err := s.store.GetEscrowByOffer(ctx, offerID)
	if errors.Is(err, ErrEscrowNotFound) {
		return nil, offerTransitionError(o, ActionConfirm, OfferPaid)
	}
	if err != nil {
		return nil, err
	}
	if e.Confirmed(party) {
		return e, nil
	}
	if o.Status != OfferPaid {
		return nil, offerTransitionError(o, ActionConfirm, OfferPaid)
	}
	if e.Status != EscrowHolding {
		return nil, escrowTransitionError(e, ActionConfirm, EscrowHolding)
	}

	e, changed, err := s.store.Confirm(ctx, e.ID, party, time.Now())
	if err != nil {
		observe(ActionConfirm, err)
		return nil, err
	}
	if !changed {
		if e.Confirmed(party) {
			return e, nil
		}
		// moved out of holding since the check above, e.g. cancelled
		err = escrowTransitionError(e, ActionConfirm, EscrowHolding)
		observe(ActionConfirm, err)
		return nil, err
	}
	observe(ActionConfirm, nil)
	s.logger.Info("delivery confirmed", "offer", offerID, "escrow", e.ID, "party", party)

	counterparty := pt.store
	if party == PartyEvaluator {
		counterparty = pt.seller
	}
	s.notifier.Notify(ctx, counterparty, "Delivery confirmed",
		fmt.Sprintf("The %s confirmed delivery for offer %s", party, offerID), notify.KindInfo)

	if !e.BothConfirmed() {
		return e, nil
	}
	return s.release(ctx, e, o)
}

// Cancel is the admin override. A paid offer's escrow is refunded to the
// depositor before the offer is cancelled.
func (s *Service) Cancel(ctx context.Context, p auth.Principal, offerID, reason string) (offer *Offer, err error) {
	defer func() { observe(ActionCancel, err) }()

	if !p.IsAdmin() {
		return nil, ErrNotAuthorized
	}

	ctx, span := traces.StartSpan(ctx, "resell.Cancel", traces.OfferID(offerID))
	defer span.End()

	unlock, err := s.lockOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	pt, err := s.partiesOf(ctx, o)
	if err != nil {
		return nil, err
	}
	next := o.clone()
	if err := next.apply(ActionCancel, time.Now()); err != nil {
		return nil, err
	}

	if o.Status == OfferPaid {
		if err := s.refund(ctx, o, next); err != nil {
			return nil, err
		}
	} else if err := s.store.UpdateOffer(ctx, next, o.Status); err != nil {
		return nil, err
	}

	s.logger.Info("offer cancelled", "offer", offerID, "previous", o.Status, "reason", reason, "admin", p.UserID)
	msg := fmt.Sprintf("Offer %s was cancelled by an administrator", offerID)
	if reason != "" {
		msg += ": " + reason
	}
	s.notifier.Notify(ctx, pt.seller, "Offer cancelled", msg, notify.KindWarning)
	s.notifier.Notify(ctx, pt.store, "Offer cancelled", msg, notify.KindWarning)
	return next, nil
}

func (s *Service) refund(ctx context.Context, o, cancelled *Offer) error {
	e, err := s.store.GetEscrowByOffer(ctx, o.ID)
	if err != nil {
		return err
	}
	e, err = s.store.BeginRefund(ctx, e.ID)
	if err != nil {
		return err
	}
	depositor, err := s.registry.GetUser(ctx, e.DepositorID)
	if err != nil {
		return err
	}
	secret, err := s.vault.Open(ctx, e.SecretRef)
	if err != nil {
		return fmt.Errorf("failed to open escrow credential: %w", err)
	}

	receipt, err := s.wallet.Transfer(ctx, wallet.TransferRequest{
		From:       e.Account,
		To:         depositor.SettlementAccount,
		Amount:     e.Amount,
		Memo:       RefundMemo(e.ID),
		Credential: secret,
	})
	if err != nil {
		s.logger.Warn("escrow refund failed, cancel can be retried", "escrow", e.ID, "error", err)
		return err
	}

	err = retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		err := s.store.CompleteRefund(ctx, e.ID, receipt.TxHash, cancelled)
		if errors.Is(err, ErrStaleState) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		s.logger.Error("CRITICAL: escrow refunded but not recorded",
			"escrow", e.ID, "tx", receipt.TxHash, "error", err)
		return fmt.Errorf("failed to record refund: %w", err)
	}
	return nil
}

// Get returns an offer visible to its parties and admins.
func (s *Service) Get(ctx context.Context, p auth.Principal, offerID string) (*Offer, error) {
	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRead(ctx, p, o); err != nil {
		return nil, err
	}
	return o, nil
}

// GetEscrow returns the escrow of an offer visible to its parties and admins.
func (s *Service) GetEscrow(ctx context.Context, p auth.Principal, offerID string) (*Escrow, error) {
	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRead(ctx, p, o); err != nil {
		return nil, err
	}
	return s.store.GetEscrowByOffer(ctx, offerID)
}

func (s *Service) authorizeRead(ctx context.Context, p auth.Principal, o *Offer) error {
	if p.IsAdmin() {
		return nil
	}
	pt, err := s.partiesOf(ctx, o)
	if err != nil {
		return err
	}
	if !pt.includes(p.UserID) {
		return ErrNotAuthorized
	}
	return nil
}
