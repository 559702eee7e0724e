// Package obtypes holds the shared data-model records used across the
// order-book pipeline (spec §3): price levels, aggregated books, delta
// messages, liquidation events and volume buckets.
package obtypes

import "github.com/shopspring/decimal"

// Level is a single price/amount pair. An amount of zero on an update
// means "delete this level".
type Level struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Snapshot is a full replacement of both sides of a book, as delivered by
// an upstream "watch order book" stream or REST probe.
type Snapshot struct {
	Symbol    string
	Bids      []Level
	Asks      []Level
	Timestamp int64 // unix millis
}

// AggregatedLevel is one row of an aggregated book sent to a subscriber.
// The *_formatted fields are omitted from the JSON encoding when empty,
// which is the case when the book was aggregated without symbol metadata.
type AggregatedLevel struct {
	Price               decimal.Decimal `json:"price"`
	Amount              decimal.Decimal `json:"amount"`
	Cumulative          decimal.Decimal `json:"cumulative"`
	PriceFormatted      string          `json:"price_formatted,omitempty"`
	AmountFormatted     string          `json:"amount_formatted,omitempty"`
	CumulativeFormatted string          `json:"cumulative_formatted,omitempty"`
}

// MarketDepthInfo reports how much raw data backed an aggregation result,
// so subscribers (and operators) can tell a thin book from a truncated one.
type MarketDepthInfo struct {
	Requested  int
	Actual     int
	RawBids    int
	RawAsks    int
	Sufficient bool
}

// StreamSource identifies which upstream path produced an aggregated book.
type StreamSource string

const (
	SourceDepthCache    StreamSource = "depth_cache"
	SourcePush          StreamSource = "push"
	SourcePartialDepth  StreamSource = "partial_depth"
	SourceMock          StreamSource = "mock"
)

// AggregatedBook is the derived, per-request view of an order book (spec
// §3 "Aggregated Book (derived)"). It lives only inside the cache and on
// the wire; it is never stored as authoritative state.
type AggregatedBook struct {
	Symbol          string
	Bids            []AggregatedLevel
	Asks            []AggregatedLevel
	Timestamp       int64
	TimeFormatted   string
	Rounding        float64
	Depth           int
	Source          StreamSource
	Aggregated      bool
	RoundingOptions []float64
	MarketDepthInfo MarketDepthInfo
}

// DeltaOp is the kind of change a DeltaLevel represents.
type DeltaOp string

const (
	OpAdd    DeltaOp = "add"
	OpUpdate DeltaOp = "update"
	OpRemove DeltaOp = "remove"
)

// DeltaLevel is one changed row in a Delta message.
type DeltaLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
	Op     DeltaOp
}

// Delta is the incremental (or full-snapshot) update sent to one
// subscriber's order-book stream (spec §3 "Delta Message").
type Delta struct {
	Symbol       string
	Rounding     float64
	Timestamp    int64
	SequenceID   uint64
	FullSnapshot bool
	Bids         []DeltaLevel
	Asks         []DeltaLevel
}

// LiquidationSide mirrors the upstream forceOrder "S" field.
type LiquidationSide string

const (
	SideBuy  LiquidationSide = "BUY"
	SideSell LiquidationSide = "SELL"
)

// LiquidationEvent is one normalized forced-liquidation order (spec §3).
type LiquidationEvent struct {
	Symbol            string
	Side              LiquidationSide
	Quantity          decimal.Decimal
	AvgPrice          decimal.Decimal
	Value             decimal.Decimal
	EventTimeMs       int64
	DisplayTimeHHMMSS string
	BaseAsset         string
	QuantityFormatted string
	PriceFormatted    string
	ValueFormatted    string
}

// LiquidationVolumeBucket is a time-bucketed volume rollup for one
// (symbol, timeframe) pair (spec §3 "Liquidation Volume Bucket").
type LiquidationVolumeBucket struct {
	BucketStartMs int64
	BuyValue      decimal.Decimal
	SellValue     decimal.Decimal
	Count         int
}

// TotalVolume returns buy+sell value for the bucket.
func (b LiquidationVolumeBucket) TotalVolume() decimal.Decimal {
	return b.BuyValue.Add(b.SellValue)
}

// DeltaVolume returns buy-sell value for the bucket.
func (b LiquidationVolumeBucket) DeltaVolume() decimal.Decimal {
	return b.BuyValue.Sub(b.SellValue)
}

// SymbolMeta is what the external Symbol Service (spec §6, §13) returns
// for a resolved symbol; it drives rounding options and formatted fields.
type SymbolMeta struct {
	Base             string
	Quote            string
	PricePrecision   int32
	AmountPrecision  int32
	Volume24h        decimal.Decimal
	RoundingOptions  []float64
	DefaultRounding  float64
}

// SessionParams are the per-subscriber parameters that drive aggregation
// (spec §3 "Subscriber Session").
type SessionParams struct {
	Depth         int
	Rounding      float64
	UseDepthCache bool
	Aggregate     bool
}

const (
	MinDepth        = 5
	MaxDepth        = 5000
	MinRounding     = 1e-4
	DefaultDepth    = 20
	DefaultRounding = 0.01
)

// ClampDepth enforces the spec §4.11 hard clamp on display depth.
func ClampDepth(d int) int {
	if d < MinDepth {
		return MinDepth
	}
	if d > MaxDepth {
		return MaxDepth
	}
	return d
}

// ClampRounding enforces the spec §4.11 floor on price rounding.
func ClampRounding(r float64) float64 {
	if r < MinRounding {
		return MinRounding
	}
	return r
}
