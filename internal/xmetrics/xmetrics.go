// Package xmetrics declares the metrics surface the domain packages
// (upstream, manager, hub, liquidation, serialize) depend on, so they
// never import pkg/observability directly — only the process wiring in
// cmd/marketfeed-server does. Satisfied by *observability.MetricsProvider
// in production and by NoOp in tests, the same interface-seam pattern
// spec §9 prescribes for BookUpdateSink.
package xmetrics

import (
	"context"
	"time"
)

// Recorder is the subset of pkg/observability.MetricsProvider the
// domain packages call into.
type Recorder interface {
	IncrementSubscribers(ctx context.Context, streamType string)
	DecrementSubscribers(ctx context.Context, streamType string)
	SetBooksActive(ctx context.Context, delta int64)
	RecordUpstreamReconnect(ctx context.Context, streamKey string)
	RecordUpstreamError(ctx context.Context, streamKey, kind string)
	RecordAggregation(ctx context.Context, symbol string, duration time.Duration)
	RecordCacheHit(ctx context.Context)
	RecordCacheMiss(ctx context.Context)
	RecordDelta(ctx context.Context, fullSnapshot bool)
	RecordBatchFlush(ctx context.Context, size int)
	RecordBatchOverflow(ctx context.Context)
	RecordLiquidation(ctx context.Context, symbol, side string)
	RecordSerializeDuration(ctx context.Context, format, compression string, duration time.Duration)
}

// NoOp satisfies Recorder without recording anything, for tests and for
// callers that run before metrics are wired up.
type NoOp struct{}

func (NoOp) IncrementSubscribers(context.Context, string)                        {}
func (NoOp) DecrementSubscribers(context.Context, string)                        {}
func (NoOp) SetBooksActive(context.Context, int64)                               {}
func (NoOp) RecordUpstreamReconnect(context.Context, string)                     {}
func (NoOp) RecordUpstreamError(context.Context, string, string)                 {}
func (NoOp) RecordAggregation(context.Context, string, time.Duration)            {}
func (NoOp) RecordCacheHit(context.Context)                                      {}
func (NoOp) RecordCacheMiss(context.Context)                                     {}
func (NoOp) RecordDelta(context.Context, bool)                                   {}
func (NoOp) RecordBatchFlush(context.Context, int)                               {}
func (NoOp) RecordBatchOverflow(context.Context)                                 {}
func (NoOp) RecordLiquidation(context.Context, string, string)                   {}
func (NoOp) RecordSerializeDuration(context.Context, string, string, time.Duration) {}

var _ Recorder = NoOp{}
