package wallet

import (
	"context"

	"github.com/mbd888/watchmarket/internal/metrics"
	"github.com/mbd888/watchmarket/internal/money"
	"github.com/mbd888/watchmarket/internal/traces"
)

// Instrument wraps svc with Prometheus metrics and OpenTelemetry spans.
func Instrument(svc Service) Service {
	return &instrumented{next: svc}
}

type instrumented struct {
	next Service
}

func (i *instrumented) OpenAccount(ctx context.Context) (acct *Account, err error) {
	ctx, span := traces.StartSpan(ctx, "wallet.OpenAccount")
	defer span.End()
	done := metrics.ObserveLedgerCall("open_account")
	defer func() { done(err); traces.RecordError(span, err) }()

	return i.next.OpenAccount(ctx)
}

func (i *instrumented) Transfer(ctx context.Context, req TransferRequest) (r *Receipt, err error) {
	ctx, span := traces.StartSpan(ctx, "wallet.Transfer", traces.Memo(req.Memo), traces.Amount(req.Amount.String()))
	defer span.End()
	done := metrics.ObserveLedgerCall("transfer")
	defer func() { done(err); traces.RecordError(span, err) }()

	return i.next.Transfer(ctx, req)
}

func (i *instrumented) Convert(ctx context.Context, amount money.Amount, method Method) (c *Conversion, err error) {
	ctx, span := traces.StartSpan(ctx, "wallet.Convert", traces.Amount(amount.String()))
	defer span.End()
	done := metrics.ObserveLedgerCall("convert")
	defer func() { done(err); traces.RecordError(span, err) }()

	return i.next.Convert(ctx, amount, method)
}
