package liquidation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderfox/marketfeed/internal/liquidation"
	"github.com/orderfox/marketfeed/internal/obtypes"
)

type fakeSource struct {
	ch chan obtypes.LiquidationEvent
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan obtypes.LiquidationEvent, 16)}
}

func (s *fakeSource) Stream(ctx context.Context, symbol string) (<-chan obtypes.LiquidationEvent, error) {
	return s.ch, nil
}

type recordingSub struct {
	id string

	mu      sync.Mutex
	events  []obtypes.LiquidationEvent
	volumes [][]obtypes.LiquidationVolumeBucket
}

func newSub(id string) *recordingSub { return &recordingSub{id: id} }

func (r *recordingSub) ID() string { return r.id }

func (r *recordingSub) SendEvent(evt obtypes.LiquidationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingSub) SendVolumeUpdate(timeframe string, buckets []obtypes.LiquidationVolumeBucket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volumes = append(r.volumes, buckets)
}

func (r *recordingSub) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recordingSub) volumeUpdateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.volumes)
}

func TestValidTimeframe(t *testing.T) {
	assert.True(t, liquidation.ValidTimeframe("1m"))
	assert.True(t, liquidation.ValidTimeframe("1d"))
	assert.False(t, liquidation.ValidTimeframe("2m"))
}

func TestSubscribe_BroadcastsIncomingEvents(t *testing.T) {
	src := newFakeSource()
	agg := liquidation.New(src, nil, nil, nil)

	sub := newSub("s1")
	agg.Subscribe(context.Background(), sub, "BTCUSDT")

	src.ch <- liquidation.NewEvent("BTCUSDT", obtypes.SideSell, decimal.NewFromFloat(0.5), decimal.NewFromFloat(100), time.Now().UnixMilli(), "BTC", nil, nil)

	require.Eventually(t, func() bool {
		return sub.eventCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUnsubscribe_StopsDeliveringEvents(t *testing.T) {
	src := newFakeSource()
	agg := liquidation.New(src, nil, nil, nil)

	sub := newSub("s1")
	agg.Subscribe(context.Background(), sub, "ETHUSDT")
	agg.Unsubscribe(sub, "ETHUSDT")

	src.ch <- liquidation.NewEvent("ETHUSDT", obtypes.SideBuy, decimal.NewFromFloat(1), decimal.NewFromFloat(10), time.Now().UnixMilli(), "ETH", nil, nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sub.eventCount())
}

func TestSubscribeVolume_RollsUpBufferedEvents(t *testing.T) {
	src := newFakeSource()
	agg := liquidation.New(src, nil, nil, nil)

	sub := newSub("vol-sub")
	agg.Subscribe(context.Background(), sub, "BTCUSDT")
	agg.SubscribeVolume(sub, "BTCUSDT", "1m")

	now := time.Now().UnixMilli()
	src.ch <- liquidation.NewEvent("BTCUSDT", obtypes.SideBuy, decimal.NewFromFloat(1), decimal.NewFromFloat(100), now, "BTC", nil, nil)
	src.ch <- liquidation.NewEvent("BTCUSDT", obtypes.SideSell, decimal.NewFromFloat(2), decimal.NewFromFloat(50), now, "BTC", nil, nil)

	require.Eventually(t, func() bool {
		return sub.volumeUpdateCount() >= 1
	}, 6*time.Second, 50*time.Millisecond)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.NotEmpty(t, sub.volumes)
	last := sub.volumes[len(sub.volumes)-1]
	require.Len(t, last, 1)
	assert.True(t, last[0].BuyValue.Equal(decimal.NewFromFloat(100)))
	assert.True(t, last[0].SellValue.Equal(decimal.NewFromFloat(100)))
	assert.Equal(t, 2, last[0].Count)
}

func TestUnsubscribeVolume_StopsRollupTask(t *testing.T) {
	src := newFakeSource()
	agg := liquidation.New(src, nil, nil, nil)

	sub := newSub("vol-sub-2")
	agg.Subscribe(context.Background(), sub, "XRPUSDT")
	agg.SubscribeVolume(sub, "XRPUSDT", "1m")
	agg.UnsubscribeVolume(sub, "XRPUSDT", "1m")

	src.ch <- liquidation.NewEvent("XRPUSDT", obtypes.SideBuy, decimal.NewFromFloat(1), decimal.NewFromFloat(1), time.Now().UnixMilli(), "XRP", nil, nil)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, sub.volumeUpdateCount())
}
