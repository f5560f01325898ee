// Package logging builds the service's slog loggers and carries per-request
// fields on the context so handlers and services log with the same
// request_id and user_id.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	fieldsKey
	requestIDKey
)

// redacted lists attribute keys whose values never reach the log output.
// Matching is case-insensitive.
var redacted = []string{"authorization", "credential", "password", "secret", "token", "api_key", "apikey"}

const redactedValue = "[REDACTED]"

func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter builds a JSON or text logger. Unknown levels mean info;
// debug also records the source location.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if lvl.UnmarshalText([]byte(level)) != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   lvl <= slog.LevelDebug,
		ReplaceAttr: redact,
	}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if slices.Contains(redacted, strings.ToLower(a.Key)) {
		return slog.String(a.Key, redactedValue)
	}
	return a
}

func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// WithLogger sets the base logger for ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// With attaches key/value pairs to every line L(ctx) writes. Order of
// WithLogger and With does not matter.
func With(ctx context.Context, args ...any) context.Context {
	prev, _ := ctx.Value(fieldsKey).([]any)
	return context.WithValue(ctx, fieldsKey, append(slices.Clip(prev), args...))
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return With(context.WithValue(ctx, requestIDKey, id), "request_id", id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return With(ctx, "user_id", userID)
}

// L returns the context's logger, or slog.Default, with the fields added by
// With.
func L(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(loggerKey).(*slog.Logger)
	if !ok {
		logger = slog.Default()
	}
	if fields, _ := ctx.Value(fieldsKey).([]any); len(fields) > 0 {
		logger = logger.With(fields...)
	}
	return logger
}
