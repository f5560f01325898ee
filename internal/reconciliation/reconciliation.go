// Package reconciliation reports settlements that need manual attention.
//
// An escrow needs attention when its release failed, or when it has been
// releasing for longer than a threshold (the process died between legs).
// The report shows which legs already carry a transaction hash and, when a
// balance source is available, whether the escrow account still holds what
// the unpaid legs need. Nothing here mutates state; admins act on the report
// through the retry-release endpoint.
package reconciliation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/watchmarket/internal/money"
	"github.com/mbd888/watchmarket/internal/resell"
)

// DefaultReleasingAfter is how long an escrow may stay releasing before it
// is reported.
const DefaultReleasingAfter = 15 * time.Minute

const listLimit = 500

// EscrowLister lists escrows by status. resell.Store satisfies it.
type EscrowLister interface {
	ListEscrowsByStatus(ctx context.Context, statuses []resell.EscrowStatus, limit int) ([]*resell.Escrow, error)
}

// AccountBalances reports what an escrow account currently holds. The
// simulated ledger satisfies it; ok is false for unknown accounts.
type AccountBalances interface {
	Balance(address string) (money.Amount, bool)
}

// Stuck describes one escrow needing attention.
type Stuck struct {
	EscrowID      string              `json:"escrowId"`
	OfferID       string              `json:"offerId"`
	Status        resell.EscrowStatus `json:"status"`
	Amount        money.Amount        `json:"amount"`
	AdminAmount   money.Amount        `json:"adminAmount"`
	SellerAmount  money.Amount        `json:"sellerAmount"`
	AdminLegPaid  bool                `json:"adminLegPaid"`
	SellerLegPaid bool                `json:"sellerLegPaid"`
	Outstanding   money.Amount        `json:"outstanding"`
	Held          *money.Amount       `json:"held,omitempty"`
	BalanceMatch  *bool               `json:"balanceMatch,omitempty"`
	LastError     string              `json:"lastError,omitempty"`
	Since         time.Time           `json:"since"`
	Age           string              `json:"age"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	GeneratedAt time.Time `json:"generatedAt"`
	Failed      int       `json:"failed"`
	Releasing   int       `json:"releasing"`
	Mismatches  int       `json:"mismatches"`
	Escrows     []Stuck   `json:"escrows"`
}

// Service builds stuck-settlement reports.
type Service struct {
	escrows        EscrowLister
	balances       AccountBalances
	releasingAfter time.Duration
	now            func() time.Time
}

// NewService creates a reconciliation service.
func NewService(escrows EscrowLister) *Service {
	return &Service{
		escrows:        escrows,
		releasingAfter: DefaultReleasingAfter,
		now:            time.Now,
	}
}

// WithBalances enables the per-account balance check.
func (s *Service) WithBalances(b AccountBalances) *Service {
	s.balances = b
	return s
}

// SetReleasingAfter sets the age at which a releasing escrow is reported.
func (s *Service) SetReleasingAfter(d time.Duration) {
	if d > 0 {
		s.releasingAfter = d
	}
}

// Report lists failed escrows and escrows releasing for too long, oldest
// first.
func (s *Service) Report(ctx context.Context) (*Report, error) {
	var failed, releasing []*resell.Escrow
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		failed, err = s.escrows.ListEscrowsByStatus(gctx, []resell.EscrowStatus{resell.EscrowFailed}, listLimit)
		return err
	})
	g.Go(func() error {
		var err error
		releasing, err = s.escrows.ListEscrowsByStatus(gctx, []resell.EscrowStatus{resell.EscrowReleasing}, listLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to list escrows: %w", err)
	}

	now := s.now()
	report := &Report{GeneratedAt: now, Escrows: []Stuck{}}
	for _, e := range failed {
		report.Escrows = append(report.Escrows, s.describe(e, now))
		report.Failed++
	}
	for _, e := range releasing {
		if now.Sub(e.UpdatedAt) < s.releasingAfter {
			continue
		}
		report.Escrows = append(report.Escrows, s.describe(e, now))
		report.Releasing++
	}
	for _, st := range report.Escrows {
		if st.BalanceMatch != nil && !*st.BalanceMatch {
			report.Mismatches++
		}
	}
	sort.Slice(report.Escrows, func(i, j int) bool {
		return report.Escrows[i].Since.Before(report.Escrows[j].Since)
	})
	return report, nil
}

func (s *Service) describe(e *resell.Escrow, now time.Time) Stuck {
	st := Stuck{
		EscrowID:      e.ID,
		OfferID:       e.OfferID,
		Status:        e.Status,
		Amount:        e.Amount,
		AdminAmount:   e.AdminAmount,
		SellerAmount:  e.SellerAmount,
		AdminLegPaid:  e.AdminTxHash != "",
		SellerLegPaid: e.SellerTxHash != "",
		Outstanding:   e.Amount,
		LastError:     e.LastError,
		Since:         e.UpdatedAt,
		Age:           now.Sub(e.UpdatedAt).Truncate(time.Second).String(),
	}
	if st.AdminLegPaid {
		st.Outstanding = st.Outstanding.Sub(e.AdminAmount)
	}
	if st.SellerLegPaid {
		st.Outstanding = st.Outstanding.Sub(e.SellerAmount)
	}
	if s.balances != nil {
		if held, ok := s.balances.Balance(e.Account); ok {
			match := held == st.Outstanding
			st.Held = &held
			st.BalanceMatch = &match
		}
	}
	return st
}
