package upstream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/orderfox/marketfeed/internal/xerr"
	"github.com/orderfox/marketfeed/internal/xlog"
	"github.com/orderfox/marketfeed/internal/xmetrics"
)

// State is the per stream_key state machine (spec §4.9).
type State string

const (
	StateIdle      State = "IDLE"
	StateStarting  State = "STARTING"
	StateRunning   State = "RUNNING"
	StateBackoff   State = "BACKOFF"
	StateStopping  State = "STOPPING"
	StateRestarting State = "RESTARTING"
)

// StreamType distinguishes what the stream_key's task fetches.
type StreamType string

const (
	StreamOrderBook StreamType = "orderbook"
	StreamTicker    StreamType = "ticker"
	StreamCandles   StreamType = "candles"
)

// backoffSequence is the exact reconnect schedule from spec §4.9; the
// last entry repeats once exhausted.
var backoffSequence = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

func (m *Manager) logInfo(ctx context.Context, msg string, fields xlog.Fields) {
	if m.log != nil {
		m.log.Info(ctx, msg, fields)
	}
}

func (m *Manager) logError(ctx context.Context, msg string, err error, fields xlog.Fields) {
	if m.log != nil {
		m.log.Error(ctx, msg, err, fields)
	}
}

func backoffFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(backoffSequence) {
		attempt = len(backoffSequence) - 1
	}
	return backoffSequence[attempt]
}

// Subscriber is any socket-like fan-out target (spec §4.9 broadcast).
type Subscriber interface {
	ID() string
	Send(message interface{}) error
}

type stream struct {
	key        string
	streamType StreamType
	symbol     string
	timeframe  string // candles only

	mu          sync.Mutex
	state       State
	subscribers map[string]Subscriber
	cancel      context.CancelFunc
	attempt     int
}

// Manager is the Upstream Stream Manager (spec §4.9): one task per
// stream_key, shared by every subscriber registered against it.
// Grounded on internal/realtime/market_data_service.go's per-symbol
// fan-out and internal/exchanges/binance/websocket.go's reconnect loop.
type Manager struct {
	mu      sync.Mutex
	streams map[string]*stream

	driver Driver
	sink   BookUpdateSink

	// depthCacheSymbols lists symbols for which a depth-cache source
	// (spec §4.9 orderbook source (a)) is configured and reachable;
	// everything else falls through to the push subscription (b), and
	// finally the synthetic mock (c).
	depthCacheSymbols map[string]bool

	log     *xlog.Logger
	metrics xmetrics.Recorder
}

// New constructs a Manager. depthCacheSymbols may be nil.
func New(driver Driver, sink BookUpdateSink, depthCacheSymbols []string, log *xlog.Logger, metrics xmetrics.Recorder) *Manager {
	if metrics == nil {
		metrics = xmetrics.NoOp{}
	}
	dc := make(map[string]bool, len(depthCacheSymbols))
	for _, s := range depthCacheSymbols {
		dc[s] = true
	}
	return &Manager{
		streams:           make(map[string]*stream),
		driver:            driver,
		sink:              sink,
		depthCacheSymbols: dc,
		log:               log,
		metrics:           metrics,
	}
}

// ParseCandleKey splits a "symbol:timeframe" stream key (spec §4.9
// "candles": parse symbol:timeframe from the stream key).
func ParseCandleKey(streamKey string) (symbol, timeframe string, ok bool) {
	idx := strings.LastIndex(streamKey, ":")
	if idx <= 0 || idx == len(streamKey)-1 {
		return "", "", false
	}
	return streamKey[:idx], streamKey[idx+1:], true
}

// Connect registers sub against streamKey, starting the upstream task
// on the 0→1 subscriber transition (spec §4.9 "connect").
func (m *Manager) Connect(ctx context.Context, sub Subscriber, streamKey string, streamType StreamType, symbol string) error {
	m.mu.Lock()
	st, exists := m.streams[streamKey]
	if !exists {
		st = &stream{
			key:         streamKey,
			streamType:  streamType,
			symbol:      symbol,
			subscribers: make(map[string]Subscriber),
			state:       StateIdle,
		}
		if streamType == StreamCandles {
			if sym, tf, ok := ParseCandleKey(streamKey); ok {
				st.symbol, st.timeframe = sym, tf
			}
		}
		m.streams[streamKey] = st
	}
	m.mu.Unlock()

	st.mu.Lock()
	_, already := st.subscribers[sub.ID()]
	st.subscribers[sub.ID()] = sub
	firstSubscriber := len(st.subscribers) == 1
	st.mu.Unlock()

	if !already {
		m.metrics.IncrementSubscribers(ctx, string(streamType))
	}

	if firstSubscriber {
		m.startLocked(st)
	}
	return nil
}

// Disconnect removes sub from streamKey, stopping the task on the
// transition to zero subscribers (spec §4.9 "disconnect").
func (m *Manager) Disconnect(ctx context.Context, sub Subscriber, streamKey string) {
	m.mu.Lock()
	st, ok := m.streams[streamKey]
	m.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	if _, present := st.subscribers[sub.ID()]; !present {
		st.mu.Unlock()
		return
	}
	delete(st.subscribers, sub.ID())
	empty := len(st.subscribers) == 0
	cancel := st.cancel
	if empty {
		st.state = StateStopping
	}
	st.mu.Unlock()

	m.metrics.DecrementSubscribers(ctx, string(st.streamType))

	if empty && cancel != nil {
		cancel()
		m.mu.Lock()
		delete(m.streams, streamKey)
		m.mu.Unlock()
		st.mu.Lock()
		st.state = StateIdle
		st.mu.Unlock()
	}
}

// Restart tears down and relaunches streamKey's task in place, for a
// mid-session parameter change (spec §4.9 "Parameter change triggers
// restart"). Subscribers are preserved.
func (m *Manager) Restart(streamKey string) {
	m.mu.Lock()
	st, ok := m.streams[streamKey]
	m.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	cancel := st.cancel
	st.state = StateRestarting
	st.attempt = 0
	st.mu.Unlock()
	if cancel != nil {
		cancel()
		m.startLocked(st)
	}
}

func (m *Manager) startLocked(st *stream) {
	ctx, cancel := context.WithCancel(context.Background())
	st.mu.Lock()
	st.cancel = cancel
	st.state = StateStarting
	st.mu.Unlock()

	go m.run(ctx, st)
}

// run owns st's upstream task for its entire lifetime, including
// reconnects, until ctx is cancelled by Disconnect/Restart.
func (m *Manager) run(ctx context.Context, st *stream) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var err error
		switch st.streamType {
		case StreamOrderBook:
			err = m.runOrderBook(ctx, st)
		case StreamTicker:
			err = m.runTicker(ctx, st)
		case StreamCandles:
			err = m.runCandles(ctx, st)
		default:
			err = xerr.Internal("unknown stream type", fmt.Errorf("%s", st.streamType))
		}

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// task ended cleanly while ctx is still live — loop back
			// to STARTING immediately.
			st.mu.Lock()
			st.state = StateStarting
			st.attempt = 0
			st.mu.Unlock()
			continue
		}

		m.metrics.RecordUpstreamError(ctx, st.key, string(xerr.KindOf(err)))
		m.broadcastError(st, err)

		if !xerr.IsRetryable(err) {
			m.logError(ctx, "upstream task failed, not retrying", err, xlog.With().StreamKey(st.key))
			return
		}

		st.mu.Lock()
		st.state = StateBackoff
		attempt := st.attempt
		st.attempt++
		st.mu.Unlock()

		m.metrics.RecordUpstreamReconnect(ctx, st.key)
		wait := backoffFor(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		st.mu.Lock()
		st.state = StateStarting
		st.mu.Unlock()
	}
}

func (m *Manager) broadcastError(st *stream, cause error) {
	m.broadcast(st, map[string]interface{}{
		"type":       "error",
		"stream_key": st.key,
		"message":    cause.Error(),
	})
}

// broadcast iterates a snapshot of the subscriber list, catches
// per-socket send errors, marks the offending sockets, then removes
// them through the normal disconnect path (spec §4.9 "Broadcast").
func (m *Manager) broadcast(st *stream, message interface{}) {
	st.mu.Lock()
	snapshot := make([]Subscriber, 0, len(st.subscribers))
	for _, sub := range st.subscribers {
		snapshot = append(snapshot, sub)
	}
	st.mu.Unlock()

	var failed []Subscriber
	for _, sub := range snapshot {
		if err := sub.Send(message); err != nil {
			failed = append(failed, sub)
		}
	}
	for _, sub := range failed {
		m.Disconnect(context.Background(), sub, st.key)
	}
}

func (m *Manager) runOrderBook(ctx context.Context, st *stream) error {
	st.mu.Lock()
	st.state = StateStarting
	st.mu.Unlock()

	updates, source, err := m.selectOrderBookSource(ctx, st.symbol)
	if err != nil {
		return err
	}
	m.logInfo(ctx, "upstream orderbook source selected", xlog.With().Symbol(st.symbol).StreamKey(st.key).Upstream(source))

	st.mu.Lock()
	st.state = StateRunning
	st.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return xerr.UpstreamTransient("orderbook stream closed", nil)
			}
			if upd.Snapshot != nil {
				m.sink.ApplySnapshot(st.symbol, *upd.Snapshot)
			} else {
				m.sink.ApplyDelta(st.symbol, upd.DeltaBids, upd.DeltaAsks, upd.TimestampMs)
			}
			m.broadcast(st, map[string]interface{}{"type": "orderbook_tick", "symbol": st.symbol})
		}
	}
}

// selectOrderBookSource implements spec §4.9's ordered fallback: depth
// cache, then push subscription, then synthetic mock after a failed
// probe.
func (m *Manager) selectOrderBookSource(ctx context.Context, symbol string) (<-chan OrderBookUpdate, string, error) {
	if m.depthCacheSymbols[symbol] {
		ch, err := m.driver.WatchOrderBook(ctx, symbol)
		if err == nil {
			return ch, "depth_cache", nil
		}
	}

	ch, err := m.driver.WatchOrderBook(ctx, symbol)
	if err == nil {
		return ch, "push_subscription", nil
	}

	if probeErr := m.driver.FetchStatus(ctx); probeErr != nil {
		return newMockOrderBookSource(ctx, symbol), "synthetic_mock", nil
	}
	return nil, "", xerr.UpstreamTransient("orderbook source unreachable for "+symbol, err)
}

func (m *Manager) runTicker(ctx context.Context, st *stream) error {
	updates, err := m.driver.WatchTicker(ctx, st.symbol)
	if err != nil {
		return xerr.UpstreamTransient("watch ticker failed for "+st.symbol, err)
	}
	st.mu.Lock()
	st.state = StateRunning
	st.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case tick, ok := <-updates:
			if !ok {
				return xerr.UpstreamTransient("ticker stream closed", nil)
			}
			m.broadcast(st, map[string]interface{}{
				"type":   "ticker_update",
				"symbol": tick.Symbol,
				"ticker": tick,
			})
		}
	}
}

func (m *Manager) runCandles(ctx context.Context, st *stream) error {
	updates, err := m.driver.WatchOHLCV(ctx, st.symbol, st.timeframe)
	if err != nil {
		return xerr.UpstreamTransient("watch ohlcv failed for "+st.key, err)
	}
	st.mu.Lock()
	st.state = StateRunning
	st.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case candle, ok := <-updates:
			if !ok {
				return xerr.UpstreamTransient("ohlcv stream closed", nil)
			}
			// Only the most recent candle is forwarded per update batch
			// (spec §4.9 "candles"); the driver already hands us one at
			// a time, so no further draining is needed here.
			m.broadcast(st, map[string]interface{}{
				"type":      "candle_update",
				"symbol":    candle.Symbol,
				"timeframe": candle.Timeframe,
				"candle":    candle,
			})
		}
	}
}

// StateOf reports the current state of streamKey, for diagnostics and
// tests.
func (m *Manager) StateOf(streamKey string) (State, bool) {
	m.mu.Lock()
	st, ok := m.streams[streamKey]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state, true
}

// SubscriberCount reports how many subscribers streamKey currently has.
func (m *Manager) SubscriberCount(streamKey string) int {
	m.mu.Lock()
	st, ok := m.streams[streamKey]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subscribers)
}
