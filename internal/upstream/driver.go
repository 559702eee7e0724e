// Package upstream implements the Upstream Stream Manager (spec §4.9):
// one shared upstream task per stream_key, fanned out to every
// subscriber socket registered against it, with exponential-backoff
// reconnect and a small state machine per key. Grounded on the teacher's
// internal/realtime/market_data_service.go (per-symbol subscriber
// fan-out) and internal/exchanges/binance/websocket.go (reconnect loop
// shape), enriched by 0xtitan6-polymarket-mm's internal/exchange/ws.go
// for the backoff-sequence idiom.
package upstream

import (
	"context"

	"github.com/orderfox/marketfeed/internal/obtypes"
)

// OrderBookUpdate is either a full replace or an incremental delta
// coming off the exchange driver (spec §6 watch_order_book).
type OrderBookUpdate struct {
	Snapshot     *obtypes.Snapshot
	DeltaBids    []obtypes.Level
	DeltaAsks    []obtypes.Level
	TimestampMs  int64
}

// TickerUpdate is the canonical normalized ticker shape (spec §6
// ticker_update).
type TickerUpdate struct {
	Symbol       string
	Last         float64
	Bid          float64
	Ask          float64
	High         float64
	Low          float64
	Open         float64
	Close        float64
	Change       float64
	Percentage   float64
	Volume       float64
	QuoteVolume  float64
	TimestampMs  int64
}

// CandleUpdate is a single OHLCV row (spec §6 candle_update); only the
// most recent one per raw update is forwarded per spec §4.9 "candles".
type CandleUpdate struct {
	Symbol      string
	Timeframe   string
	TimestampMs int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
}

// ForcedOrderEvent preserves the raw upstream field names (e/E/o.s/o.S/
// o.z/o.ap) per spec §6's explicit compatibility requirement.
type ForcedOrderEvent struct {
	E  string  `json:"e"`
	Ts int64   `json:"E"`
	O  struct {
		S  string `json:"s"`
		Sd string `json:"S"`
		Z  string `json:"z"`
		Ap string `json:"ap"`
	} `json:"o"`
}

// Driver is the abstract exchange driver consumed by the Upstream
// Stream Manager (spec §6 "Upstream (exchange) interfaces"). A concrete
// implementation talks to one exchange over WebSocket/REST; tests and
// the mock fallback source implement it in-process.
type Driver interface {
	WatchOrderBook(ctx context.Context, symbol string) (<-chan OrderBookUpdate, error)
	WatchTicker(ctx context.Context, symbol string) (<-chan TickerUpdate, error)
	WatchOHLCV(ctx context.Context, symbol, timeframe string) (<-chan CandleUpdate, error)
	ForcedOrderStream(ctx context.Context, symbol string) (<-chan ForcedOrderEvent, error)

	FetchStatus(ctx context.Context) error
	FetchOrderBook(ctx context.Context, symbol string, limit int) (obtypes.Snapshot, error)
}

// BookUpdateSink is the callback interface the Upstream Stream Manager
// is given at construction, resolving the cyclic import between it and
// the Connection Hub / Order-Book Manager (spec §9 "BookUpdateSink").
type BookUpdateSink interface {
	ApplySnapshot(symbol string, snap obtypes.Snapshot)
	ApplyDelta(symbol string, bids, asks []obtypes.Level, timestampMs int64)
}
