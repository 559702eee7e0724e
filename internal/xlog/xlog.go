// Package xlog narrows pkg/observability's structured Logger to the
// fields a market-data fan-out service actually emits (symbol,
// stream_key, connection_id, upstream source, error) instead of the
// teacher's browser/AI/billing fields, while keeping the same
// JSON/text-output-plus-OTel-span-id shape.
package xlog

import (
	"context"

	"github.com/orderfox/marketfeed/pkg/observability"
)

// Fields is a builder for the small, fixed vocabulary of structured
// fields this service logs.
type Fields map[string]interface{}

// With starts a Fields builder.
func With() Fields { return Fields{} }

func (f Fields) Symbol(v string) Fields       { f["symbol"] = v; return f }
func (f Fields) StreamKey(v string) Fields    { f["stream_key"] = v; return f }
func (f Fields) ConnectionID(v string) Fields { f["connection_id"] = v; return f }
func (f Fields) Upstream(v string) Fields     { f["upstream"] = v; return f }
func (f Fields) Kind(v string) Fields         { f["kind"] = v; return f }

// Logger is a thin facade over *observability.Logger.
type Logger struct {
	inner *observability.Logger
}

// New wraps an already-constructed observability.Logger.
func New(inner *observability.Logger) *Logger {
	return &Logger{inner: inner}
}

func (l *Logger) Debug(ctx context.Context, msg string, fields Fields) {
	l.inner.Debug(ctx, msg, map[string]interface{}(fields))
}

func (l *Logger) Info(ctx context.Context, msg string, fields Fields) {
	l.inner.Info(ctx, msg, map[string]interface{}(fields))
}

func (l *Logger) Warn(ctx context.Context, msg string, fields Fields) {
	l.inner.Warn(ctx, msg, map[string]interface{}(fields))
}

func (l *Logger) Error(ctx context.Context, msg string, err error, fields Fields) {
	l.inner.Error(ctx, msg, err, map[string]interface{}(fields))
}
