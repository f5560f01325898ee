package sale

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
	"github.com/mbd888/watchmarket/internal/syncutil"
	"github.com/mbd888/watchmarket/internal/traces"
	"github.com/mbd888/watchmarket/internal/wallet"
)

// ListInput contains the parameters for listing a watch.
type ListInput struct {
	StoreID string       `json:"storeId" binding:"required"`
	Price   money.Amount `json:"price"`
}

// Service lists and sells store watches.
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

// NewService creates a sale service. platformUserID receives the platform's
// commission on every sale.
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

// WithLocker replaces the per-watch lock.
func (s *Service) WithLocker(l syncutil.Locker) *Service {
	s.locks = l
	return s
}

func observe(action string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrInvalidPrice), errors.Is(err, ErrNotCredentialed),
		errors.Is(err, ErrOwnWatch), errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrNotListed):
		result = "rejected"
	default:
		result = "error"
	}
	metrics.SalesTotal.WithLabelValues(action, result).Inc()
}

func (s *Service) lockWatch(ctx context.Context, id string) (func(), error) {
	return s.locks.Lock(ctx, "watch:"+id)
}

// List puts a watch up for sale. The caller must operate the credentialed
// store and own the watch. Listing a listed watch changes its price.
func (s *Service) List(ctx context.Context, p auth.Principal, watchID string, in ListInput) (w *registry.Watch, err error) {
	defer func() { observe("list", err) }()

	if !in.Price.IsPositive() {
		return nil, ErrInvalidPrice
	}

	unlock, err := s.lockWatch(ctx, watchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	watch, err := s.registry.GetWatch(ctx, watchID)
	if err != nil {
		return nil, err
	}
	shop, err := s.registry.GetShop(ctx, in.StoreID)
	if err != nil {
		return nil, err
	}
	if shop.UserID != p.UserID || watch.OwnerID != p.UserID {
		return nil, ErrNotAuthorized
	}
	if !shop.Credentialed {
		return nil, ErrNotCredentialed
	}

	if err := s.registry.ListWatch(ctx, watch.ID, shop.ID, in.Price); err != nil {
		return nil, err
	}
	s.logger.Info("watch listed", "watch", watch.ID, "store", shop.ID, "price", in.Price.String())
	return s.registry.GetWatch(ctx, watch.ID)
}

// Purchase buys a listed watch at its list price through method. The
// platform's share uses the store's commission rate. Recipients are
// resolved before the buyer is charged.
func (s *Service) Purchase(ctx context.Context, p auth.Principal, watchID string, method wallet.Method) (sale *Sale, err error) {
	defer func() { observe("purchase", err) }()

	ctx, span := traces.StartSpan(ctx, "sale.Purchase", traces.WatchID(watchID), traces.UserID(p.UserID))
	defer span.End()
	defer func() { traces.RecordError(span, err) }()

	unlock, err := s.lockWatch(ctx, watchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	watch, err := s.registry.GetWatch(ctx, watchID)
	if err != nil {
		return nil, err
	}
	if watch.Status != registry.WatchForSale || watch.ListPrice == nil {
		return nil, fmt.Errorf("%w: watch %s is %s", registry.ErrNotListed, watch.ID, watch.Status)
	}
	shop, err := s.registry.GetShop(ctx, watch.StoreID)
	if err != nil {
		return nil, err
	}
	if shop.UserID == p.UserID {
		return nil, ErrOwnWatch
	}
	if _, err := s.registry.GetUser(ctx, p.UserID); err != nil {
		return nil, err
	}

	price := *watch.ListPrice
	id := idgen.WithPrefix("sal_")
	batch, err := s.ledger.Plan(ctx, ledger.EventSale, id, price, map[string]string{
		ledger.RolePlatform: s.platformUserID,
		ledger.RoleStore:    shop.UserID,
	}, ledger.WithRate(ledger.RolePlatform, shop.CommissionRate))
	if err != nil {
		return nil, err
	}

	conv, err := s.wallet.Convert(ctx, price, method)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	transfer := &registry.OwnershipTransfer{
		ID:         id,
		WatchID:    watch.ID,
		FromUserID: watch.OwnerID,
		ToUserID:   p.UserID,
		TxHash:     conv.Reference,
		Type:       registry.TransferSale,
		Price:      price,
		AdminFee:   batch.Share(ledger.RolePlatform),
		CreatedAt:  now,
	}
	err = retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		err := s.store.Complete(ctx, transfer, batch)
		if errors.Is(err, registry.ErrNotListed) || errors.Is(err, registry.ErrOwnerMismatch) ||
			errors.Is(err, registry.ErrInvalidRecord) || errors.Is(err, ledger.ErrDuplicateCommission) ||
			errors.Is(err, ledger.ErrInvalidBatch) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		s.logger.Error("CRITICAL: buyer charged but sale not recorded",
			"sale", id, "watch", watch.ID, "reference", conv.Reference, "price", price.String(), "error", err)
		return nil, fmt.Errorf("failed to record sale: %w", err)
	}
	ledger.Observe(batch)

	sale = &Sale{
		ID:            id,
		WatchID:       watch.ID,
		StoreID:       shop.ID,
		SellerID:      watch.OwnerID,
		BuyerID:       p.UserID,
		Price:         price,
		PlatformFee:   batch.Share(ledger.RolePlatform),
		StoreAmount:   batch.Share(ledger.RoleStore),
		PaymentMethod: method.Kind,
		PaymentRef:    conv.Reference,
		CreatedAt:     now,
	}

	s.logger.Info("watch sold", "sale", id, "watch", watch.ID, "store", shop.ID, "price", price.String(),
		"platform", sale.PlatformFee.String(), "storeAmount", sale.StoreAmount.String())
	s.notifier.Notify(ctx, shop.UserID, "Watch sold",
		fmt.Sprintf("%s %s sold for R$ %s; R$ %s credited", watch.Brand, watch.Model, price, sale.StoreAmount), notify.KindSuccess)
	s.notifier.Notify(ctx, s.platformUserID, "Sale commission",
		fmt.Sprintf("R$ %s commission from sale %s", sale.PlatformFee, id), notify.KindInfo)
	s.notifier.Notify(ctx, p.UserID, "Purchase complete",
		fmt.Sprintf("You now own %s %s (serial %s)", watch.Brand, watch.Model, watch.SerialNumber), notify.KindSuccess)
	return sale, nil
}
