package evaluation

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
	"github.com/mbd888/watchmarket/internal/notify"
	"github.com/mbd888/watchmarket/internal/registry"
	"github.com/mbd888/watchmarket/internal/retry"
	"github.com/mbd888/watchmarket/internal/syncutil"
	"github.com/mbd888/watchmarket/internal/traces"
	"github.com/mbd888/watchmarket/internal/wallet"
)

// RequestInput contains the parameters for requesting an evaluation.
type RequestInput struct {
	WatchID     string `json:"watchId" binding:"required"`
	EvaluatorID string `json:"evaluatorId" binding:"required"`
	Notes       string `json:"notes"`
}

// Service runs the evaluation lifecycle.
type Service struct {
	store          Store
	registry       registry.Store
	ledger         *ledger.Ledger
	wallet         wallet.Service
	notifier       notify.Sink
	locks          syncutil.Locker
	platformUserID string
	logger         *slog.Logger
}

// NewService creates an evaluation service. platformUserID receives the
// platform's share of every fee. Payments are serialized per evaluation with
// an in-process lock until WithLocker installs another one.
func NewService(store Store, reg registry.Store, led *ledger.Ledger, w wallet.Service, platformUserID string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:          store,
		registry:       reg,
		ledger:         led,
		wallet:         w,
		notifier:       notify.Discard{},
		locks:          syncutil.NewLocalLocker(0),
		platformUserID: platformUserID,
		logger:         logger,
	}
}

// WithNotifier sets the notification sink.
func (s *Service) WithNotifier(n notify.Sink) *Service {
	s.notifier = n
	return s
}

// WithLocker replaces the per-evaluation payment lock.
func (s *Service) WithLocker(l syncutil.Locker) *Service {
	s.locks = l
	return s
}

func observe(action string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrInvalidState), errors.Is(err, ErrStaleState),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidResult), errors.Is(err, registry.ErrNotFound):
		result = "rejected"
	default:
		result = "error"
	}
	metrics.EvaluationsTotal.WithLabelValues(action, result).Inc()
}

// Request opens an evaluation of a watch the caller owns. The evaluator must
// exist and be active; its store and fee are fixed at request time.
func (s *Service) Request(ctx context.Context, p auth.Principal, in RequestInput) (ev *Evaluation, err error) {
	defer func() { observe("request", err) }()

	watch, err := s.registry.GetWatch(ctx, in.WatchID)
	if err != nil {
		return nil, err
	}
	if watch.OwnerID != p.UserID {
		return nil, ErrNotAuthorized
	}
	evaluator, err := s.registry.GetEvaluator(ctx, in.EvaluatorID)
	if err != nil {
		return nil, err
	}
	if !evaluator.Active {
		return nil, fmt.Errorf("%w (inactive)", registry.ErrEvaluatorNotFound)
	}

	fee := evaluator.EvaluationFee
	if fee.IsZero() {
		fee = registry.DefaultEvaluationFee
	}

	now := time.Now()
	ev = &Evaluation{
		ID:          idgen.WithPrefix("evl_"),
		WatchID:     watch.ID,
		RequesterID: p.UserID,
		EvaluatorID: evaluator.ID,
		StoreID:     evaluator.StoreID,
		Fee:         fee,
		Status:      StatusRequested,
		Notes:       in.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, ev); err != nil {
		return nil, err
	}

	s.logger.Info("evaluation requested", "evaluation", ev.ID, "watch", watch.ID, "evaluator", evaluator.ID)
	s.notifier.Notify(ctx, evaluator.UserID, "New evaluation request",
		fmt.Sprintf("Evaluate %s %s (serial %s)", watch.Brand, watch.Model, watch.SerialNumber), notify.KindInfo)
	s.notifier.Notify(ctx, p.UserID, "Evaluation requested",
		fmt.Sprintf("Your evaluation request for %s %s was registered", watch.Brand, watch.Model), notify.KindSuccess)
	return ev, nil
}

// Complete records the assigned evaluator's findings and marks the watch
// evaluated.
func (s *Service) Complete(ctx context.Context, p auth.Principal, id string, r Result) (ev *Evaluation, err error) {
	defer func() { observe("complete", err) }()

	if r.Condition == "" || r.EstimatedValue.IsZero() {
		return nil, fmt.Errorf("%w: condition and a positive estimated value are required", ErrInvalidResult)
	}

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	evaluator, err := s.registry.GetEvaluator(ctx, cur.EvaluatorID)
	if err != nil {
		return nil, err
	}
	if evaluator.UserID != p.UserID && !p.IsAdmin() {
		return nil, ErrNotAuthorized
	}
	if cur.Status != StatusRequested {
		return nil, stateError(cur, StatusRequested)
	}

	now := time.Now()
	ev = cur.clone()
	authentic, value := r.Authentic, r.EstimatedValue
	ev.Status = StatusCompleted
	ev.Condition = r.Condition
	ev.Authentic = &authentic
	ev.EstimatedValue = &value
	ev.Notes = r.Notes
	ev.CompletedAt = &now
	ev.UpdatedAt = now
	if err := s.store.Complete(ctx, ev); err != nil {
		return nil, err
	}

	if err := s.registry.SetWatchStatus(ctx, ev.WatchID, registry.WatchEvaluated); err != nil {
		s.logger.Warn("failed to mark watch evaluated", "watch", ev.WatchID, "evaluation", id, "error", err)
	}

	s.logger.Info("evaluation completed", "evaluation", id, "evaluator", evaluator.ID, "value", value.String())
	s.notifier.Notify(ctx, ev.RequesterID, "Evaluation completed",
		fmt.Sprintf("Your watch was evaluated at R$ %s. Fee due: R$ %s", value, ev.Fee), notify.KindSuccess)
	return ev, nil
}

// Pay charges the requester the evaluation fee through method and credits
// the store and the platform. Recipients are resolved before the charge.
func (s *Service) Pay(ctx context.Context, p auth.Principal, id string, method wallet.Method) (ev *Evaluation, err error) {
	defer func() { observe("pay", err) }()

	ctx, span := traces.StartSpan(ctx, "evaluation.Pay", traces.EvaluationID(id), traces.UserID(p.UserID))
	defer span.End()
	defer func() { traces.RecordError(span, err) }()

	// Held until the payment is recorded; a second payer sees it paid.
	unlock, err := s.locks.Lock(ctx, "evaluation:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.RequesterID != p.UserID {
		return nil, ErrNotAuthorized
	}
	if cur.Status != StatusCompleted {
		return nil, stateError(cur, StatusCompleted)
	}
	shop, err := s.registry.GetShop(ctx, cur.StoreID)
	if err != nil {
		return nil, err
	}

	batch, err := s.ledger.Plan(ctx, ledger.EventEvaluation, cur.ID, cur.Fee, map[string]string{
		ledger.RolePlatform: s.platformUserID,
		ledger.RoleStore:    shop.UserID,
	})
	if err != nil {
		return nil, err
	}

	conv, err := s.wallet.Convert(ctx, cur.Fee, method)
	if err != nil {
		return nil, err
	}

	payment := &Payment{Method: method.Kind, Reference: conv.Reference, PaidAt: time.Now(), Batch: batch}
	err = retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		err := s.store.MarkPaid(ctx, cur.ID, payment)
		if errors.Is(err, ErrStaleState) || errors.Is(err, ledger.ErrDuplicateCommission) || errors.Is(err, ledger.ErrInvalidBatch) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		s.logger.Error("CRITICAL: evaluation fee charged but not recorded",
			"evaluation", id, "reference", conv.Reference, "fee", cur.Fee.String(), "error", err)
		return nil, fmt.Errorf("failed to record evaluation payment: %w", err)
	}
	ledger.Observe(batch)

	storeShare, platformShare := batch.Share(ledger.RoleStore), batch.Share(ledger.RolePlatform)
	s.logger.Info("evaluation paid", "evaluation", id, "method", method.Kind, "fee", cur.Fee.String(),
		"store", storeShare.String(), "platform", platformShare.String())
	s.notifier.Notify(ctx, shop.UserID, "Evaluation payment received",
		fmt.Sprintf("R$ %s was credited for evaluation %s", storeShare, id), notify.KindSuccess)
	s.notifier.Notify(ctx, s.platformUserID, "Evaluation commission",
		fmt.Sprintf("R$ %s commission from evaluation %s", platformShare, id), notify.KindInfo)
	s.notifier.Notify(ctx, p.UserID, "Evaluation paid",
		fmt.Sprintf("Payment of R$ %s for evaluation %s was processed", cur.Fee, id), notify.KindSuccess)

	return s.store.Get(ctx, id)
}

// Get returns an evaluation to its requester, its evaluator, its store or an
// admin.
func (s *Service) Get(ctx context.Context, p auth.Principal, id string) (*Evaluation, error) {
	ev, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.IsAdmin() || ev.RequesterID == p.UserID {
		return ev, nil
	}
	if evaluator, err := s.registry.GetEvaluator(ctx, ev.EvaluatorID); err == nil && evaluator.UserID == p.UserID {
		return ev, nil
	}
	if shop, err := s.registry.GetShop(ctx, ev.StoreID); err == nil && shop.UserID == p.UserID {
		return ev, nil
	}
	return nil, ErrNotAuthorized
}
