package orderbook_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderfox/marketfeed/internal/obtypes"
	"github.com/orderfox/marketfeed/internal/orderbook"
)

func lvl(price, amount string) obtypes.Level {
	return obtypes.Level{Price: decimal.RequireFromString(price), Amount: decimal.RequireFromString(amount)}
}

func TestApplySnapshot_OrdersAndDropsZeroRows(t *testing.T) {
	b := orderbook.New("BTCUSDT")

	ok := b.ApplySnapshot(obtypes.Snapshot{
		Symbol: "BTCUSDT",
		Bids:   []obtypes.Level{lvl("100.25", "1"), lvl("100.75", "2"), lvl("99.25", "0")},
		Asks:   []obtypes.Level{lvl("101.00", "1"), lvl("100.90", "3")},
		Timestamp: 1000,
	})
	require.True(t, ok)

	bids, asks, ts, epoch := b.Snapshot(0)
	require.Len(t, bids, 2)
	require.Len(t, asks, 2)
	assert.True(t, bids[0].Price.GreaterThan(bids[1].Price), "bids must be descending")
	assert.True(t, asks[0].Price.LessThan(asks[1].Price), "asks must be ascending")
	assert.EqualValues(t, 1000, ts)
	assert.EqualValues(t, 1, epoch)
}

func TestApplySnapshot_WrongSymbolIsNoop(t *testing.T) {
	b := orderbook.New("BTCUSDT")
	ok := b.ApplySnapshot(obtypes.Snapshot{Symbol: "ETHUSDT", Bids: []obtypes.Level{lvl("1", "1")}})
	assert.False(t, ok)
	assert.True(t, b.IsEmpty())
}

func TestApplyDelta_AddUpdateRemove(t *testing.T) {
	b := orderbook.New("BTCUSDT")
	b.ApplySnapshot(obtypes.Snapshot{
		Symbol: "BTCUSDT",
		Bids:   []obtypes.Level{lvl("100", "1")},
		Asks:   []obtypes.Level{lvl("101", "1")},
	})

	// empty delta is a no-op on the book's contents (spec §8 idempotence)
	before := b.SnapshotEpoch()
	b.ApplyDelta(nil, nil, 2000)
	bids, asks, _, epoch := b.Snapshot(0)
	require.Len(t, bids, 1)
	require.Len(t, asks, 1)
	assert.Greater(t, epoch, before, "epoch still advances on any apply")

	// update existing level
	b.ApplyDelta([]obtypes.Level{lvl("100", "5")}, nil, 3000)
	bids, _, _, _ = b.Snapshot(0)
	require.Len(t, bids, 1)
	assert.True(t, bids[0].Amount.Equal(decimal.RequireFromString("5")))

	// remove via zero amount
	b.ApplyDelta([]obtypes.Level{lvl("100", "0")}, nil, 4000)
	bids, _, _, _ = b.Snapshot(0)
	assert.Len(t, bids, 0)

	// add new ask
	b.ApplyDelta(nil, []obtypes.Level{lvl("99", "2")}, 5000)
	_, asks, _, _ = b.Snapshot(0)
	require.Len(t, asks, 2)
}

func TestBestBidAsk_TracksHeadAfterRemoval(t *testing.T) {
	b := orderbook.New("BTCUSDT")
	b.ApplySnapshot(obtypes.Snapshot{
		Symbol: "BTCUSDT",
		Bids:   []obtypes.Level{lvl("100", "1"), lvl("99", "1")},
		Asks:   []obtypes.Level{lvl("101", "1"), lvl("102", "1")},
	})

	bestBid, bestAsk := b.BestBidAsk()
	assert.True(t, bestBid.Equal(decimal.RequireFromString("100")))
	assert.True(t, bestAsk.Equal(decimal.RequireFromString("101")))

	b.ApplyDelta([]obtypes.Level{lvl("100", "0")}, []obtypes.Level{lvl("101", "0")}, 6000)

	bestBid, bestAsk = b.BestBidAsk()
	assert.True(t, bestBid.Equal(decimal.RequireFromString("99")))
	assert.True(t, bestAsk.Equal(decimal.RequireFromString("102")))
}

func TestLevelCountsAgeIsEmpty(t *testing.T) {
	b := orderbook.New("BTCUSDT")
	assert.True(t, b.IsEmpty())
	bidCount, askCount := b.LevelCounts()
	assert.Zero(t, bidCount)
	assert.Zero(t, askCount)
	assert.GreaterOrEqual(t, b.Age(), time.Duration(0))

	b.ApplySnapshot(obtypes.Snapshot{Symbol: "BTCUSDT", Bids: []obtypes.Level{lvl("1", "1")}})
	assert.False(t, b.IsEmpty())
	bidCount, askCount = b.LevelCounts()
	assert.Equal(t, 1, bidCount)
	assert.Equal(t, 0, askCount)
}

func TestSnapshot_RespectsLimit(t *testing.T) {
	b := orderbook.New("BTCUSDT")
	b.ApplySnapshot(obtypes.Snapshot{
		Symbol: "BTCUSDT",
		Bids:   []obtypes.Level{lvl("3", "1"), lvl("2", "1"), lvl("1", "1")},
	})
	bids, _, _, _ := b.Snapshot(2)
	require.Len(t, bids, 2)
	assert.True(t, bids[0].Price.Equal(decimal.RequireFromString("3")))
}
