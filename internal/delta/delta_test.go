package delta_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderfox/marketfeed/internal/delta"
	"github.com/orderfox/marketfeed/internal/obtypes"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func book(bids, asks []obtypes.AggregatedLevel) obtypes.AggregatedBook {
	return obtypes.AggregatedBook{Symbol: "BTCUSDT", Bids: bids, Asks: asks, Timestamp: 1}
}

func TestNextDelta_FirstCallIsFullSnapshot(t *testing.T) {
	e := delta.New(time.Minute, time.Hour)
	b := book([]obtypes.AggregatedLevel{{Price: d("100"), Amount: d("1")}}, nil)

	result, ok := e.NextDelta("sub1", b)
	require.True(t, ok)
	assert.True(t, result.FullSnapshot)
	require.Len(t, result.Bids, 1)
	assert.Equal(t, obtypes.OpAdd, result.Bids[0].Op)
	assert.EqualValues(t, 1, result.SequenceID)
}

func TestNextDelta_UnchangedBookSkipsSend(t *testing.T) {
	e := delta.New(time.Minute, time.Hour)
	b := book([]obtypes.AggregatedLevel{{Price: d("100"), Amount: d("1")}}, nil)

	e.NextDelta("sub1", b)
	_, ok := e.NextDelta("sub1", b)
	assert.False(t, ok, "identical book must not produce a second delta")
}

func TestNextDelta_DetectsAddUpdateRemove(t *testing.T) {
	e := delta.New(time.Minute, time.Hour)
	e.NextDelta("sub1", book([]obtypes.AggregatedLevel{
		{Price: d("100"), Amount: d("1")},
		{Price: d("99"), Amount: d("2")},
	}, nil))

	next := book([]obtypes.AggregatedLevel{
		{Price: d("100"), Amount: d("5")}, // update
		{Price: d("98"), Amount: d("3")},  // add
		// 99 removed
	}, nil)

	result, ok := e.NextDelta("sub1", next)
	require.True(t, ok)
	assert.False(t, result.FullSnapshot)

	ops := map[string]obtypes.DeltaOp{}
	for _, lvl := range result.Bids {
		ops[lvl.Price.String()] = lvl.Op
	}
	assert.Equal(t, obtypes.OpUpdate, ops["100"])
	assert.Equal(t, obtypes.OpAdd, ops["98"])
	assert.Equal(t, obtypes.OpRemove, ops["99"])
}

func TestNextDelta_ToleratesSubEpsilonNoise(t *testing.T) {
	e := delta.New(time.Minute, time.Hour)
	e.NextDelta("sub1", book([]obtypes.AggregatedLevel{{Price: d("100"), Amount: d("1.00000000")}}, nil))

	_, ok := e.NextDelta("sub1", book([]obtypes.AggregatedLevel{{Price: d("100"), Amount: d("1.000000001")}}, nil))
	assert.False(t, ok, "changes within 1e-8 tolerance must not be emitted")
}

func TestNextDelta_ReSendsFullSnapshotAfterInterval(t *testing.T) {
	e := delta.New(10*time.Millisecond, time.Hour)
	b := book([]obtypes.AggregatedLevel{{Price: d("100"), Amount: d("1")}}, nil)

	e.NextDelta("sub1", b)
	time.Sleep(20 * time.Millisecond)

	result, ok := e.NextDelta("sub1", b)
	require.True(t, ok)
	assert.True(t, result.FullSnapshot)
}

func TestGC_RemovesStaleSubscribersIdempotently(t *testing.T) {
	e := delta.New(time.Minute, 10*time.Millisecond)
	e.NextDelta("sub1", book([]obtypes.AggregatedLevel{{Price: d("100"), Amount: d("1")}}, nil))

	time.Sleep(20 * time.Millisecond)
	removed := e.GC()
	assert.Equal(t, 1, removed)

	// second GC pass, and Forget on an already-gone subscriber: both no-ops
	assert.Equal(t, 0, e.GC())
	e.Forget("sub1")
}
