// Package traces wires OpenTelemetry for the marketplace. Spans cover offer
// transitions, escrow payouts and every Ledger Service call.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Version is set with -ldflags "-X .../internal/traces.Version=...".
var Version = "dev"

const (
	serviceName = "watchmarket"
	tracerName  = "github.com/mbd888/watchmarket"
)

// Init installs a batching OTLP/gRPC tracer provider and W3C propagation.
// With no endpoint nothing is exported and the returned shutdown is a no-op.
func Init(ctx context.Context, endpoint string, logger *slog.Logger) (shutdown func(context.Context) error, err error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	if endpoint == "" {
		logger.Info("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "endpoint", endpoint, "version", Version)
	return tp.Shutdown, nil
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks span failed. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func stringAttr(key string) func(string) attribute.KeyValue {
	return func(v string) attribute.KeyValue { return attribute.String(key, v) }
}

// Span attributes shared across packages.
var (
	OfferID      = stringAttr("watchmarket.offer.id")
	EscrowID     = stringAttr("watchmarket.escrow.id")
	EvaluationID = stringAttr("watchmarket.evaluation.id")
	WatchID      = stringAttr("watchmarket.watch.id")
	UserID       = stringAttr("enduser.id")
	Amount       = stringAttr("watchmarket.amount")
	Memo         = stringAttr("watchmarket.ledger.memo")
	Leg          = stringAttr("watchmarket.settlement.leg")
)
