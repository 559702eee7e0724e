package upstream_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderfox/marketfeed/internal/obtypes"
	"github.com/orderfox/marketfeed/internal/upstream"
)

type fakeSub struct {
	id       string
	mu       sync.Mutex
	received []interface{}
	failNext bool
}

func newFakeSub(id string) *fakeSub { return &fakeSub{id: id} }

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Send(msg interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("send failed")
	}
	f.received = append(f.received, msg)
	return nil
}

func (f *fakeSub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

type fakeSink struct {
	mu        sync.Mutex
	snapshots int
	deltas    int
}

func (s *fakeSink) ApplySnapshot(symbol string, snap obtypes.Snapshot) {
	s.mu.Lock()
	s.snapshots++
	s.mu.Unlock()
}

func (s *fakeSink) ApplyDelta(symbol string, bids, asks []obtypes.Level, ts int64) {
	s.mu.Lock()
	s.deltas++
	s.mu.Unlock()
}

type fakeDriver struct {
	orderBookCh chan upstream.OrderBookUpdate
	tickerCh    chan upstream.TickerUpdate
	candleCh    chan upstream.CandleUpdate
	watchErr    error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		orderBookCh: make(chan upstream.OrderBookUpdate, 8),
		tickerCh:    make(chan upstream.TickerUpdate, 8),
		candleCh:    make(chan upstream.CandleUpdate, 8),
	}
}

func (d *fakeDriver) WatchOrderBook(ctx context.Context, symbol string) (<-chan upstream.OrderBookUpdate, error) {
	if d.watchErr != nil {
		return nil, d.watchErr
	}
	return d.orderBookCh, nil
}

func (d *fakeDriver) WatchTicker(ctx context.Context, symbol string) (<-chan upstream.TickerUpdate, error) {
	return d.tickerCh, nil
}

func (d *fakeDriver) WatchOHLCV(ctx context.Context, symbol, timeframe string) (<-chan upstream.CandleUpdate, error) {
	return d.candleCh, nil
}

func (d *fakeDriver) ForcedOrderStream(ctx context.Context, symbol string) (<-chan upstream.ForcedOrderEvent, error) {
	return make(chan upstream.ForcedOrderEvent), nil
}

func (d *fakeDriver) FetchStatus(ctx context.Context) error { return nil }

func (d *fakeDriver) FetchOrderBook(ctx context.Context, symbol string, limit int) (obtypes.Snapshot, error) {
	return obtypes.Snapshot{Symbol: symbol}, nil
}

func TestConnect_StartsTaskOnFirstSubscriberOnly(t *testing.T) {
	driver := newFakeDriver()
	sink := &fakeSink{}
	mgr := upstream.New(driver, sink, nil, nil, nil)

	subA := newFakeSub("a")
	subB := newFakeSub("b")

	require.NoError(t, mgr.Connect(context.Background(), subA, "BTCUSDT", upstream.StreamOrderBook, "BTCUSDT"))
	assert.Equal(t, 1, mgr.SubscriberCount("BTCUSDT"))

	require.NoError(t, mgr.Connect(context.Background(), subB, "BTCUSDT", upstream.StreamOrderBook, "BTCUSDT"))
	assert.Equal(t, 2, mgr.SubscriberCount("BTCUSDT"))

	driver.orderBookCh <- upstream.OrderBookUpdate{Snapshot: &obtypes.Snapshot{Symbol: "BTCUSDT"}}

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.snapshots >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestDisconnect_StopsTaskOnLastSubscriber(t *testing.T) {
	driver := newFakeDriver()
	sink := &fakeSink{}
	mgr := upstream.New(driver, sink, nil, nil, nil)

	sub := newFakeSub("only")
	require.NoError(t, mgr.Connect(context.Background(), sub, "ETHUSDT", upstream.StreamOrderBook, "ETHUSDT"))
	require.Eventually(t, func() bool {
		state, ok := mgr.StateOf("ETHUSDT")
		return ok && state == upstream.StateRunning
	}, time.Second, 10*time.Millisecond)

	mgr.Disconnect(context.Background(), sub, "ETHUSDT")
	_, exists := mgr.StateOf("ETHUSDT")
	assert.False(t, exists)
}

func TestBroadcast_RemovesFailingSubscriber(t *testing.T) {
	driver := newFakeDriver()
	sink := &fakeSink{}
	mgr := upstream.New(driver, sink, nil, nil, nil)

	good := newFakeSub("good")
	bad := newFakeSub("bad")
	bad.failNext = true

	require.NoError(t, mgr.Connect(context.Background(), good, "XRPUSDT", upstream.StreamTicker, "XRPUSDT"))
	require.NoError(t, mgr.Connect(context.Background(), bad, "XRPUSDT", upstream.StreamTicker, "XRPUSDT"))

	driver.tickerCh <- upstream.TickerUpdate{Symbol: "XRPUSDT"}

	require.Eventually(t, func() bool {
		return mgr.SubscriberCount("XRPUSDT") == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, good.count())
}

func TestParseCandleKey(t *testing.T) {
	sym, tf, ok := upstream.ParseCandleKey("BTCUSDT:5m")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", sym)
	assert.Equal(t, "5m", tf)

	_, _, ok = upstream.ParseCandleKey("no-colon")
	assert.False(t, ok)
}
