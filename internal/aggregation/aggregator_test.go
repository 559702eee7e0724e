package aggregation_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderfox/marketfeed/internal/aggregation"
	"github.com/orderfox/marketfeed/internal/obtypes"
	"github.com/orderfox/marketfeed/internal/orderbook"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lvl(price, amount string) obtypes.Level {
	return obtypes.Level{Price: d(price), Amount: d(amount)}
}

func TestRoundDownRoundUp_Idempotent(t *testing.T) {
	v := d("100.37")
	m := d("1.0")
	down := aggregation.RoundDown(v, m)
	assert.True(t, down.Equal(d("100")))
	assert.True(t, aggregation.RoundDown(down, m).Equal(down))

	up := aggregation.RoundUp(v, m)
	assert.True(t, up.Equal(d("101")))
	assert.True(t, aggregation.RoundUp(up, m).Equal(up))
}

func TestRoundDown_ZeroOrNegativeMultipleIsNoop(t *testing.T) {
	v := d("12.34")
	assert.True(t, aggregation.RoundDown(v, d("0")).Equal(v))
	assert.True(t, aggregation.RoundUp(v, d("-1")).Equal(v))
}

// Scenario 1 from spec §8: rounding 1.0, depth 3, bids
// [(100.25,1),(100.00,0.5),(100.75,2),(99.25,3)] -> buckets {100:3.5,99:3}
// -> 2 levels, market_depth_info.actual=2, requested=3.
func TestGetExactLevels_Scenario1(t *testing.T) {
	raw := []obtypes.Level{lvl("100.25", "1"), lvl("100.00", "0.5"), lvl("100.75", "2"), lvl("99.25", "3")}
	levels := aggregation.GetExactLevels(raw, false, 3, d("1.0"))

	require.Len(t, levels, 2)
	assert.True(t, levels[0].Price.Equal(d("100")))
	assert.True(t, levels[0].Amount.Equal(d("3.5")))
	assert.True(t, levels[1].Price.Equal(d("99")))
	assert.True(t, levels[1].Amount.Equal(d("3")))

	info := aggregation.MarketDepthInfo(raw, raw, 3, d("1.0"))
	assert.Equal(t, 2, info.Actual)
	assert.Equal(t, 3, info.Requested)
}

func TestGetExactLevels_DropsInvalidRows(t *testing.T) {
	raw := []obtypes.Level{lvl("0", "1"), lvl("10", "0"), lvl("10", "-1")}
	levels := aggregation.GetExactLevels(raw, true, 5, d("1"))
	assert.Len(t, levels, 0)
}

func TestAggregate_EmptyBookReturnsNoErrorAndZeroActual(t *testing.T) {
	book := orderbook.New("BTCUSDT")
	result := aggregation.Aggregate(book, 5, d("1"), nil)
	assert.Len(t, result.Bids, 0)
	assert.Len(t, result.Asks, 0)
	assert.Equal(t, 0, result.MarketDepthInfo.Actual)
}

func TestAggregate_BidsCumulativeIsPrefixSum_AsksSuffixSum(t *testing.T) {
	book := orderbook.New("BTCUSDT")
	book.ApplySnapshot(obtypes.Snapshot{
		Symbol: "BTCUSDT",
		Bids:   []obtypes.Level{lvl("100", "1"), lvl("99", "2"), lvl("98", "3")},
		Asks:   []obtypes.Level{lvl("101", "1"), lvl("102", "2"), lvl("103", "3")},
	})

	result := aggregation.Aggregate(book, 3, d("1"), nil)

	require.Len(t, result.Bids, 3)
	assert.True(t, result.Bids[0].Cumulative.Equal(d("1")))
	assert.True(t, result.Bids[1].Cumulative.Equal(d("3")))
	assert.True(t, result.Bids[2].Cumulative.Equal(d("6")))

	require.Len(t, result.Asks, 3)
	// transport order is high-price-first; top row's cumulative equals total liquidity
	assert.True(t, result.Asks[0].Price.Equal(d("103")))
	assert.True(t, result.Asks[0].Cumulative.Equal(d("6")))
	assert.True(t, result.Asks[2].Price.Equal(d("101")))
	assert.True(t, result.Asks[2].Cumulative.Equal(d("1")))
}

func TestAggregate_AttachesTimeFormattedAndInvalidFallback(t *testing.T) {
	book := orderbook.New("BTCUSDT")
	book.ApplySnapshot(obtypes.Snapshot{Symbol: "BTCUSDT", Bids: []obtypes.Level{lvl("100", "1")}, Timestamp: 1700000000000})

	result := aggregation.Aggregate(book, 5, d("1"), nil)
	want := time.UnixMilli(result.Timestamp).UTC().Format("15:04:05")
	assert.Equal(t, want, result.TimeFormatted)

	empty := aggregation.Aggregate(orderbook.New("ETHUSDT"), 5, d("1"), nil)
	assert.Equal(t, "Invalid", empty.TimeFormatted)
}

func TestAggregate_AttachesRoundingOptionsFromSymbolMeta(t *testing.T) {
	book := orderbook.New("BTCUSDT")
	book.ApplySnapshot(obtypes.Snapshot{Symbol: "BTCUSDT", Bids: []obtypes.Level{lvl("100", "1")}})

	meta := &obtypes.SymbolMeta{PricePrecision: 2, AmountPrecision: 4, RoundingOptions: []float64{0.01, 0.1, 1}}
	result := aggregation.Aggregate(book, 5, d("1"), meta)
	assert.Equal(t, meta.RoundingOptions, result.RoundingOptions)

	noMeta := aggregation.Aggregate(book, 5, d("1"), nil)
	assert.Nil(t, noMeta.RoundingOptions)
}

func TestCache_HitMissAndTTLExpiry(t *testing.T) {
	book := orderbook.New("BTCUSDT")
	book.ApplySnapshot(obtypes.Snapshot{Symbol: "BTCUSDT", Bids: []obtypes.Level{lvl("1", "1")}})

	c := aggregation.NewCache(10, 20*time.Millisecond)
	calls := 0
	compute := func() obtypes.AggregatedBook {
		calls++
		return aggregation.Aggregate(book, 5, d("1"), nil)
	}

	key := aggregation.Key("BTCUSDT", 5, d("1"), obtypes.SourceMock)
	c.GetOrCompute(key, "BTCUSDT", book, compute)
	c.GetOrCompute(key, "BTCUSDT", book, compute)
	assert.Equal(t, 1, calls, "second call within TTL should hit cache")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)

	time.Sleep(30 * time.Millisecond)
	c.GetOrCompute(key, "BTCUSDT", book, compute)
	assert.Equal(t, 2, calls, "entry should have expired")
}

func TestCache_InvalidateSymbolRemovesAllMatching(t *testing.T) {
	book := orderbook.New("BTCUSDT")
	c := aggregation.NewCache(10, time.Minute)
	compute := func() obtypes.AggregatedBook { return obtypes.AggregatedBook{Symbol: "BTCUSDT"} }

	c.GetOrCompute(aggregation.Key("BTCUSDT", 5, d("1"), obtypes.SourceMock), "BTCUSDT", book, compute)
	c.GetOrCompute(aggregation.Key("BTCUSDT", 10, d("1"), obtypes.SourceMock), "BTCUSDT", book, compute)

	removed := c.InvalidateSymbol("BTCUSDT")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, c.Stats().Size)
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	book := orderbook.New("BTCUSDT")
	c := aggregation.NewCache(2, time.Minute)
	compute := func() obtypes.AggregatedBook { return obtypes.AggregatedBook{Symbol: "BTCUSDT"} }

	c.GetOrCompute("k1", "BTCUSDT", book, compute)
	c.GetOrCompute("k2", "BTCUSDT", book, compute)
	c.GetOrCompute("k3", "BTCUSDT", book, compute)

	assert.Equal(t, 2, c.Stats().Size)
}
