package manager_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderfox/marketfeed/internal/manager"
	"github.com/orderfox/marketfeed/internal/obtypes"
)

func decimalOf(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newManager() *manager.Manager {
	return manager.New(manager.Config{
		MaxBooks:          100,
		CleanupThreshold:  0.8,
		CacheMaxSize:      1000,
		CacheTTL:          time.Second,
		ServiceCacheLimit: 100,
	})
}

func TestRegisterCreatesBookOnce(t *testing.T) {
	m := newManager()
	params := obtypes.SessionParams{Depth: 10, Rounding: 0.01}

	book1, warmed1 := m.Register("conn1", "BTCUSDT", params)
	book2, warmed2 := m.Register("conn2", "BTCUSDT", params)

	assert.Same(t, book1, book2)
	assert.True(t, warmed1)
	assert.False(t, warmed2)
}

func TestUnregister_DestroysBookWhenLastSubscriberLeaves(t *testing.T) {
	m := newManager()
	params := obtypes.SessionParams{Depth: 10, Rounding: 0.01}
	m.Register("conn1", "BTCUSDT", params)

	m.Unregister("conn1")

	_, ok := m.GetAggregated("conn1")
	assert.False(t, ok)
}

func TestUnregister_KeepsBookWithRemainingSubscribers(t *testing.T) {
	m := newManager()
	params := obtypes.SessionParams{Depth: 10, Rounding: 0.01}
	book1, _ := m.Register("conn1", "BTCUSDT", params)
	m.Register("conn2", "BTCUSDT", params)

	m.Unregister("conn1")

	book2, _ := m.Register("conn3", "BTCUSDT", params)
	assert.Same(t, book1, book2)
}

func TestUpdateParams_PartialUpdate(t *testing.T) {
	m := newManager()
	m.Register("conn1", "BTCUSDT", obtypes.SessionParams{Depth: 10, Rounding: 0.01})

	depth := 50
	ok := m.UpdateParams("conn1", &depth, nil)
	require.True(t, ok)

	ok = m.UpdateParams("does-not-exist", &depth, nil)
	assert.False(t, ok)
}

func TestGetAggregated_UnknownConnectionReturnsFalse(t *testing.T) {
	m := newManager()
	_, ok := m.GetAggregated("nope")
	assert.False(t, ok)
}

func TestGetAggregated_ReturnsAggregatedBook(t *testing.T) {
	m := newManager()
	book, _ := m.Register("conn1", "BTCUSDT", obtypes.SessionParams{Depth: 5, Rounding: 1.0})
	book.ApplySnapshot(obtypes.Snapshot{
		Symbol: "BTCUSDT",
		Bids:   []obtypes.Level{{Price: decimalOf("100"), Amount: decimalOf("1")}},
		Asks:   []obtypes.Level{{Price: decimalOf("101"), Amount: decimalOf("1")}},
	})

	result, ok := m.GetAggregated("conn1")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", result.Symbol)
}

func TestStats_EstimatesMemoryAsLevelsTimes32(t *testing.T) {
	m := newManager()
	book, _ := m.Register("conn1", "BTCUSDT", obtypes.SessionParams{Depth: 5, Rounding: 1.0})
	book.ApplySnapshot(obtypes.Snapshot{
		Symbol: "BTCUSDT",
		Bids:   []obtypes.Level{{Price: decimalOf("100"), Amount: decimalOf("1")}, {Price: decimalOf("99"), Amount: decimalOf("1")}},
		Asks:   []obtypes.Level{{Price: decimalOf("101"), Amount: decimalOf("1")}},
	})

	stats := m.Stats()
	assert.Equal(t, 1, stats.BookCount)
	assert.EqualValues(t, 3*32, stats.EstimatedMemoryB)
}

func TestSetPersistentMode_SurvivesUnregister(t *testing.T) {
	m := newManager()
	book1, _ := m.Register("conn1", "BTCUSDT", obtypes.SessionParams{Depth: 5, Rounding: 1.0})
	m.SetPersistentMode(true)
	m.Unregister("conn1")

	book2, warmed := m.Register("conn2", "BTCUSDT", obtypes.SessionParams{Depth: 5, Rounding: 1.0})
	assert.Same(t, book1, book2)
	assert.False(t, warmed)
}
