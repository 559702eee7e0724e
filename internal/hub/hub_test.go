package hub_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderfox/marketfeed/internal/batch"
	"github.com/orderfox/marketfeed/internal/delta"
	"github.com/orderfox/marketfeed/internal/hub"
	"github.com/orderfox/marketfeed/internal/liquidation"
	"github.com/orderfox/marketfeed/internal/manager"
	"github.com/orderfox/marketfeed/internal/obtypes"
	"github.com/orderfox/marketfeed/internal/symbol"
	"github.com/orderfox/marketfeed/internal/upstream"
)

// fakeSocket is an in-memory Socket: WriteJSON appends to sent, ReadJSON
// drains a pre-seeded inbound queue then returns io.EOF.
type fakeSocket struct {
	mu     sync.Mutex
	sent   []interface{}
	inbox  [][]byte
	closed bool
}

func newFakeSocket(inboundJSON ...string) *fakeSocket {
	fs := &fakeSocket{}
	for _, s := range inboundJSON {
		fs.inbox = append(fs.inbox, []byte(s))
	}
	return fs
}

func (f *fakeSocket) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeSocket) ReadJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbox) == 0 {
		return io.EOF
	}
	raw := f.inbox[0]
	f.inbox = f.inbox[1:]
	return json.Unmarshal(raw, v)
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) messages() []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]interface{}, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeDriver struct{}

func (fakeDriver) WatchOrderBook(ctx context.Context, symbol string) (<-chan upstream.OrderBookUpdate, error) {
	return make(chan upstream.OrderBookUpdate), nil
}
func (fakeDriver) WatchTicker(ctx context.Context, symbol string) (<-chan upstream.TickerUpdate, error) {
	return make(chan upstream.TickerUpdate), nil
}
func (fakeDriver) WatchOHLCV(ctx context.Context, symbol, timeframe string) (<-chan upstream.CandleUpdate, error) {
	return make(chan upstream.CandleUpdate), nil
}
func (fakeDriver) ForcedOrderStream(ctx context.Context, symbol string) (<-chan upstream.ForcedOrderEvent, error) {
	return make(chan upstream.ForcedOrderEvent), nil
}
func (fakeDriver) FetchStatus(ctx context.Context) error { return nil }
func (fakeDriver) FetchOrderBook(ctx context.Context, symbol string, limit int) (obtypes.Snapshot, error) {
	return obtypes.Snapshot{}, errors.New("not implemented")
}

type fakeLiqSource struct{}

func (fakeLiqSource) Stream(ctx context.Context, symbol string) (<-chan obtypes.LiquidationEvent, error) {
	return make(chan obtypes.LiquidationEvent), nil
}

func newTestHub() *hub.Hub {
	mgr := manager.New(manager.Config{MaxBooks: 100, CleanupThreshold: 0.9, CacheMaxSize: 64, CacheTTL: time.Second})
	deltaEngine := delta.New(delta.DefaultFullSnapshotInterval, delta.DefaultMaxAge)
	batcher := batch.New(batch.Config{MaxBatchSize: 10, MaxBatchDelay: 20 * time.Millisecond, MaxQueueSize: 100}, func(subscriberID string, updates []interface{}) {})
	upstreamMgr := upstream.New(fakeDriver{}, noopSink{}, nil, nil, nil)
	liqAgg := liquidation.New(fakeLiqSource{}, nil, nil, nil)
	symbols := symbol.New("")
	return hub.New(mgr, deltaEngine, batcher, upstreamMgr, liqAgg, symbols, nil, nil, nil)
}

type noopSink struct{}

func (noopSink) ApplySnapshot(symbol string, snap obtypes.Snapshot)                       {}
func (noopSink) ApplyDelta(symbol string, bids, asks []obtypes.Level, timestampMs int64) {}

func TestServeOrderBook_UnknownSymbolSendsErrorAndCloses(t *testing.T) {
	h := newTestHub()
	sock := newFakeSocket()

	err := h.ServeOrderBook(context.Background(), sock, "conn-1", "NOPE", 20, 0.01)
	require.Error(t, err)

	msgs := sock.messages()
	require.Len(t, msgs, 1)
	assert.True(t, sock.closed)
}

func TestServeOrderBook_ValidSymbolSendsInitialUpdateThenPong(t *testing.T) {
	h := newTestHub()
	sock := newFakeSocket(`{"type":"ping"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := h.ServeOrderBook(ctx, sock, "conn-2", "BTCUSDT", 10, 1.0)
	require.NoError(t, err)

	msgs := sock.messages()
	require.GreaterOrEqual(t, len(msgs), 1)
}
