package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/watchmarket/internal/metrics"
	"github.com/mbd888/watchmarket/internal/resell"
)

// DefaultInterval is how often the timer builds a report.
const DefaultInterval = 5 * time.Minute

// Timer periodically builds a report, logs every stuck escrow and exports
// the counts. It never retries anything.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a reconciliation timer. A non-positive interval uses
// DefaultInterval.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic reconciliation loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()
	t.run(ctx)
}

func (t *Timer) run(ctx context.Context) *Report {
	start := time.Now()
	report, err := t.service.Report(ctx)
	metrics.ReconciliationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ReconciliationRuns.WithLabelValues("error").Inc()
		t.logger.Warn("reconciliation run failed", "error", err)
		return nil
	}

	metrics.StuckSettlements.WithLabelValues(string(resell.EscrowFailed)).Set(float64(report.Failed))
	metrics.StuckSettlements.WithLabelValues(string(resell.EscrowReleasing)).Set(float64(report.Releasing))
	metrics.BalanceMismatches.Set(float64(report.Mismatches))
	metrics.ReconciliationRuns.WithLabelValues("ok").Inc()

	for _, st := range report.Escrows {
		level := slog.LevelWarn
		if st.BalanceMatch != nil && !*st.BalanceMatch {
			level = slog.LevelError
		}
		t.logger.Log(ctx, level, "settlement needs attention",
			"escrow", st.EscrowID, "offer", st.OfferID, "status", st.Status, "age", st.Age,
			"adminLegPaid", st.AdminLegPaid, "sellerLegPaid", st.SellerLegPaid,
			"outstanding", st.Outstanding.String(), "lastError", st.LastError)
	}
	if len(report.Escrows) > 0 {
		t.logger.Info("reconciliation completed", "failed", report.Failed, "releasing", report.Releasing,
			"mismatches", report.Mismatches)
	}
	return report
}
