// Package aggregation implements price-bucket aggregation of order book
// levels (spec §4.2) and the two-layer aggregation cache sitting in front
// of it (spec §4.3). Grounded on original_source's
// orderbook_aggregation_service.py (round_down/round_up/get_exact_levels/
// market-depth-analysis algorithms), re-expressed with shopspring/decimal
// instead of the Python float-and-scale trick since Decimal already gives
// exact divide/floor/ceil without precision drift.
package aggregation

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orderfox/marketfeed/internal/obtypes"
	"github.com/orderfox/marketfeed/internal/orderbook"
)

// zeroFilterThreshold drops buckets whose total amount is effectively
// noise left over from float/decimal drift upstream.
var zeroFilterThreshold = decimal.NewFromFloat(1e-6)

// RoundDown rounds v down to the nearest multiple of m. m<=0 returns v
// unchanged (spec §4.2).
func RoundDown(v, m decimal.Decimal) decimal.Decimal {
	if m.Sign() <= 0 {
		return v
	}
	return v.DivRound(m, 16).Floor().Mul(m)
}

// RoundUp rounds v up to the nearest multiple of m. m<=0 returns v
// unchanged (spec §4.2).
func RoundUp(v, m decimal.Decimal) decimal.Decimal {
	if m.Sign() <= 0 {
		return v
	}
	return v.DivRound(m, 16).Ceil().Mul(m)
}

// GetExactLevels buckets raw rows by rounded price and returns at most
// depth non-empty buckets, sorted ascending for asks and descending for
// bids (spec §4.2 get_exact_levels).
func GetExactLevels(raw []obtypes.Level, isAsk bool, depth int, rounding decimal.Decimal) []obtypes.Level {
	buckets := make(map[string]obtypes.Level)
	order := make([]string, 0, len(raw))

	for _, row := range raw {
		if row.Price.Sign() <= 0 || row.Amount.Sign() <= 0 {
			continue
		}
		var rounded decimal.Decimal
		if isAsk {
			rounded = RoundUp(row.Price, rounding)
		} else {
			rounded = RoundDown(row.Price, rounding)
		}
		key := rounded.String()
		if existing, ok := buckets[key]; ok {
			existing.Amount = existing.Amount.Add(row.Amount)
			buckets[key] = existing
		} else {
			buckets[key] = obtypes.Level{Price: rounded, Amount: row.Amount}
			order = append(order, key)
		}
	}

	levels := make([]obtypes.Level, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		if b.Amount.GreaterThan(zeroFilterThreshold) {
			levels = append(levels, b)
		}
	}

	if isAsk {
		sort.Slice(levels, func(i, j int) bool { return levels[i].Price.LessThan(levels[j].Price) })
	} else {
		sort.Slice(levels, func(i, j int) bool { return levels[i].Price.GreaterThan(levels[j].Price) })
	}

	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	return levels
}

// MarketDepthInfo reports how much raw data backed the aggregation,
// using depth*10 as the sufficiency threshold (spec §4.2 step 5).
func MarketDepthInfo(rawBids, rawAsks []obtypes.Level, depth int, rounding decimal.Decimal) obtypes.MarketDepthInfo {
	minRequired := depth * 10
	aggBids := GetExactLevels(rawBids, false, depth, rounding)
	aggAsks := GetExactLevels(rawAsks, true, depth, rounding)

	actual := len(aggBids)
	if len(aggAsks) < actual {
		actual = len(aggAsks)
	}

	return obtypes.MarketDepthInfo{
		Requested:  depth,
		Actual:     actual,
		RawBids:    len(rawBids),
		RawAsks:    len(rawAsks),
		Sufficient: len(rawBids) >= minRequired && len(rawAsks) >= minRequired && actual >= depth,
	}
}

const maxAggregationAttempts = 5

// Aggregate produces a fully aggregated, cumulative-summed view of book
// at the requested depth/rounding (spec §4.2 aggregate). It widens the
// raw snapshot it pulls from book up to maxAggregationAttempts times,
// doubling the multiplier, until both sides reach depth or attempts run
// out — whichever happens first is returned, so a thin book still
// terminates quickly instead of looping forever.
func Aggregate(book *orderbook.Book, depth int, rounding decimal.Decimal, meta *obtypes.SymbolMeta) obtypes.AggregatedBook {
	multiplier := 100
	if rounding.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		if m := rounding.Mul(decimal.NewFromInt(100)).IntPart(); int(m) > multiplier {
			multiplier = int(m)
		}
	}

	var bidLevels, askLevels []obtypes.Level
	var rawBids, rawAsks []obtypes.Level
	var ts int64

	for attempt := 0; attempt < maxAggregationAttempts; attempt++ {
		rawBids, rawAsks, ts, _ = book.Snapshot(depth * multiplier)
		bidLevels = GetExactLevels(rawBids, false, depth, rounding)
		askLevels = GetExactLevels(rawAsks, true, depth, rounding)

		if len(bidLevels) >= depth && len(askLevels) >= depth {
			break
		}
		multiplier *= 2
	}

	bidsOut := cumulativeBids(bidLevels)
	asksOut := cumulativeAsks(askLevels)

	var roundingOptions []float64
	if meta != nil {
		attachFormatted(bidsOut, meta)
		attachFormatted(asksOut, meta)
		roundingOptions = meta.RoundingOptions
	}

	return obtypes.AggregatedBook{
		Symbol:          book.Symbol(),
		Bids:            bidsOut,
		Asks:            asksOut,
		Timestamp:       ts,
		TimeFormatted:   formatTimeHHMMSS(ts),
		Rounding:        roundingFloat(rounding),
		Depth:           depth,
		Aggregated:      true,
		RoundingOptions: roundingOptions,
		MarketDepthInfo: MarketDepthInfo(rawBids, rawAsks, depth, rounding),
	}
}

// formatTimeHHMMSS renders a millisecond timestamp as HH:MM:SS (spec
// §4.2 step 6), mirroring the liquidation event's display-time
// formatting. A non-positive timestamp can't have come from a real book
// snapshot, so it's reported as "Invalid" rather than rendered as the
// 1970 epoch — aggregation never raises on a bad timestamp.
func formatTimeHHMMSS(timestampMs int64) string {
	if timestampMs <= 0 {
		return "Invalid"
	}
	return time.UnixMilli(timestampMs).UTC().Format("15:04:05")
}

// cumulativeBids computes a prefix sum over bids, already sorted highest
// price first by GetExactLevels.
func cumulativeBids(levels []obtypes.Level) []obtypes.AggregatedLevel {
	out := make([]obtypes.AggregatedLevel, len(levels))
	running := decimal.Zero
	for i, lvl := range levels {
		running = running.Add(lvl.Amount)
		out[i] = obtypes.AggregatedLevel{Price: lvl.Price, Amount: lvl.Amount, Cumulative: running}
	}
	return out
}

// cumulativeAsks reverses the ascending (best-first) list GetExactLevels
// returns into a high-price-first list for transport, then assigns each
// row the suffix sum so the top (farthest-from-spread) row's cumulative
// equals total visible ask liquidity (spec §4.2 step 3).
func cumulativeAsks(levels []obtypes.Level) []obtypes.AggregatedLevel {
	n := len(levels)
	reversed := make([]obtypes.Level, n)
	for i, lvl := range levels {
		reversed[n-1-i] = lvl
	}

	out := make([]obtypes.AggregatedLevel, n)
	running := decimal.Zero
	for i := n - 1; i >= 0; i-- {
		running = running.Add(reversed[i].Amount)
		out[i] = obtypes.AggregatedLevel{Price: reversed[i].Price, Amount: reversed[i].Amount, Cumulative: running}
	}
	return out
}

func roundingFloat(r decimal.Decimal) float64 {
	f, _ := r.Float64()
	return f
}

func attachFormatted(levels []obtypes.AggregatedLevel, meta *obtypes.SymbolMeta) {
	for i := range levels {
		levels[i].PriceFormatted = levels[i].Price.StringFixed(meta.PricePrecision)
		levels[i].AmountFormatted = levels[i].Amount.StringFixed(meta.AmountPrecision)
		levels[i].CumulativeFormatted = levels[i].Cumulative.StringFixed(meta.AmountPrecision)
	}
}
