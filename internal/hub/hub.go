// Package hub implements the Connection Hub (spec §4.11): per-session
// symbol resolution and parameter clamping, registration against the
// Order-Book Manager / Upstream Stream Manager / Delta Engine / Batcher,
// the inbound message pump, and the disconnect cascade. Grounded on
// tiagolvsantos-crypto-orderbook's websocket-server.go for the
// read/write goroutine-pair shape, and on original_source's
// connection_manager.py / market_data_ws.py for the resolve→clamp→
// register→pump→disconnect sequence and the two drifted outbound
// message shapes.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orderfox/marketfeed/internal/batch"
	"github.com/orderfox/marketfeed/internal/delta"
	"github.com/orderfox/marketfeed/internal/format"
	"github.com/orderfox/marketfeed/internal/liquidation"
	"github.com/orderfox/marketfeed/internal/manager"
	"github.com/orderfox/marketfeed/internal/obtypes"
	"github.com/orderfox/marketfeed/internal/orderbook"
	"github.com/orderfox/marketfeed/internal/symbol"
	"github.com/orderfox/marketfeed/internal/upstream"
	"github.com/orderfox/marketfeed/internal/xerr"
	"github.com/orderfox/marketfeed/internal/xlog"
	"github.com/orderfox/marketfeed/internal/xmetrics"
)

// validTimeframes is the candle stream_key's allowed second component
// (spec §4.11 step 3).
var validTimeframes = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true, "1M": true,
}

// Socket is the minimal duplex JSON transport a Connection needs; the
// production wiring satisfies it with *websocket.Conn, tests with an
// in-memory fake.
type Socket interface {
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	Close() error
}

type inboundMessage struct {
	Type     string   `json:"type"`
	Depth    *int     `json:"depth,omitempty"`
	Rounding *float64 `json:"rounding,omitempty"`
}

type errorMessage struct {
	Type        string   `json:"type"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
}

type paramsUpdatedMessage struct {
	Type     string  `json:"type"`
	Depth    int     `json:"depth"`
	Rounding float64 `json:"rounding"`
	Success  bool    `json:"success"`
}

// orderbookConn tracks one registered orderbook subscriber (spec §4.11
// outbound orderbook_update shape depends on its depth/rounding/symbol).
type orderbookConn struct {
	id       string
	symbol   string
	socket   Socket
	depth    int
	rounding float64
}

// Hub is the Connection Hub (spec §4.11); it owns no business logic of
// its own beyond sequencing calls into the other components and
// translating between wire messages and domain types.
type Hub struct {
	mgr         *manager.Manager
	deltaEngine *delta.Engine
	batcher     *batch.Batcher
	upstreamMgr *upstream.Manager
	liqAgg      *liquidation.Aggregator
	symbols     *symbol.Service
	formatter   *format.Formatter
	log         *xlog.Logger
	metrics     xmetrics.Recorder

	booksMu sync.Mutex
	books   map[string]*orderbook.Book

	connsMu  sync.Mutex
	conns    map[string]*orderbookConn
	bySymbol map[string]map[string]struct{}
}

// New wires a Hub around its already-constructed collaborators.
// upstreamMgr must have been built with this Hub passed as its
// BookUpdateSink (spec §9's cyclic-import fix).
func New(mgr *manager.Manager, deltaEngine *delta.Engine, batcher *batch.Batcher, upstreamMgr *upstream.Manager, liqAgg *liquidation.Aggregator, symbols *symbol.Service, formatter *format.Formatter, log *xlog.Logger, metrics xmetrics.Recorder) *Hub {
	if metrics == nil {
		metrics = xmetrics.NoOp{}
	}
	return &Hub{
		mgr:         mgr,
		deltaEngine: deltaEngine,
		batcher:     batcher,
		upstreamMgr: upstreamMgr,
		liqAgg:      liqAgg,
		symbols:     symbols,
		formatter:   formatter,
		log:         log,
		metrics:     metrics,
		books:       make(map[string]*orderbook.Book),
		conns:       make(map[string]*orderbookConn),
		bySymbol:    make(map[string]map[string]struct{}),
	}
}

// ApplySnapshot implements upstream.BookUpdateSink.
func (h *Hub) ApplySnapshot(symbol string, snap obtypes.Snapshot) {
	book := h.bookFor(symbol)
	if book == nil {
		return
	}
	book.ApplySnapshot(snap)
	h.pushSymbol(symbol)
}

// ApplyDelta implements upstream.BookUpdateSink.
func (h *Hub) ApplyDelta(symbol string, bids, asks []obtypes.Level, timestampMs int64) {
	book := h.bookFor(symbol)
	if book == nil {
		return
	}
	book.ApplyDelta(bids, asks, timestampMs)
	h.pushSymbol(symbol)
}

func (h *Hub) bookFor(symbol string) *orderbook.Book {
	h.booksMu.Lock()
	defer h.booksMu.Unlock()
	return h.books[symbol]
}

// SendBatch is the Batcher's send callback (spec §4.7's "(conn_id,
// updates[])"): it looks up the connection's socket and writes the
// whole released batch as one wire message.
func (h *Hub) SendBatch(connectionID string, updates []interface{}) {
	h.connsMu.Lock()
	conn, ok := h.conns[connectionID]
	h.connsMu.Unlock()
	if !ok {
		return
	}
	if err := conn.socket.WriteJSON(map[string]interface{}{
		"type":    "batch",
		"updates": updates,
	}); err != nil && h.log != nil {
		h.log.Warn(context.Background(), "batch delivery failed", xlog.With().ConnectionID(connectionID))
	}
}

// ActiveBooks and ActiveConnections satisfy monitoring.Source for the
// periodic process-health snapshot.
func (h *Hub) ActiveBooks() int {
	h.booksMu.Lock()
	defer h.booksMu.Unlock()
	return len(h.books)
}

func (h *Hub) ActiveConnections() int {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	return len(h.conns)
}

// pushSymbol recomputes and delivers a delta to every connection
// subscribed to symbol's orderbook, one GetAggregated/NextDelta call per
// connection since depth/rounding are per-subscriber (spec §4.11 step 3
// + §3's per-session aggregation).
func (h *Hub) pushSymbol(sym string) {
	h.connsMu.Lock()
	ids := make([]string, 0, len(h.bySymbol[sym]))
	for id := range h.bySymbol[sym] {
		ids = append(ids, id)
	}
	h.connsMu.Unlock()

	for _, id := range ids {
		h.deliverOrderbookUpdate(id)
	}
}

func (h *Hub) deliverOrderbookUpdate(connectionID string) {
	agg, ok := h.mgr.GetAggregated(connectionID)
	if !ok {
		return
	}
	d, send := h.deltaEngine.NextDelta(connectionID, agg)
	if !send {
		return
	}
	h.metrics.RecordDelta(context.Background(), d.FullSnapshot)

	msgType := "orderbook_delta"
	if d.FullSnapshot {
		msgType = "orderbook_snapshot"
	}
	h.batcher.Enqueue(connectionID, map[string]interface{}{
		"type":          msgType,
		"symbol":        d.Symbol,
		"rounding":      d.Rounding,
		"timestamp":     d.Timestamp,
		"sequence_id":   d.SequenceID,
		"full_snapshot": d.FullSnapshot,
		"bids":          d.Bids,
		"asks":          d.Asks,
	})
}

// orderbookUpdateMessage renders spec §4.11's full "orderbook_update"
// shape, sent once on registration before incremental deltas begin.
func orderbookUpdateMessage(agg obtypes.AggregatedBook) map[string]interface{} {
	return map[string]interface{}{
		"type":              "orderbook_update",
		"symbol":            agg.Symbol,
		"bids":              agg.Bids,
		"asks":              agg.Asks,
		"timestamp":         agg.Timestamp,
		"rounding":          agg.Rounding,
		"depth":             agg.Depth,
		"source":            agg.Source,
		"aggregated":        agg.Aggregated,
		"rounding_options":  agg.RoundingOptions,
		"market_depth_info": agg.MarketDepthInfo,
	}
}

// upstreamSocketSubscriber adapts one Connection Hub orderbook
// connection onto upstream.Subscriber so the Upstream Stream Manager can
// broadcast control messages (errors, ticks) directly to it.
type upstreamSocketSubscriber struct {
	id     string
	socket Socket
}

func (s upstreamSocketSubscriber) ID() string { return s.id }

func (s upstreamSocketSubscriber) Send(message interface{}) error {
	return s.socket.WriteJSON(message)
}

// ServeOrderBook handles one subscriber's orderbook session end-to-end
// (spec §4.11 steps 1-5), blocking until the socket disconnects or ctx
// is cancelled.
func (h *Hub) ServeOrderBook(ctx context.Context, socket Socket, connectionID, symbolID string, rawDepth int, rawRounding float64) error {
	canonical, ok := h.symbols.Resolve(symbolID)
	if !ok {
		suggestions := h.symbols.Suggestions(symbolID, 3)
		_ = socket.WriteJSON(errorMessage{Type: "error", Message: fmt.Sprintf("unknown symbol %q", symbolID), Suggestions: suggestions})
		_ = socket.Close()
		return xerr.ConfigInvalid("resolve symbol "+symbolID, nil)
	}

	depth := obtypes.ClampDepth(rawDepth)
	rounding := obtypes.ClampRounding(rawRounding)

	book, _ := h.mgr.Register(connectionID, canonical, obtypes.SessionParams{
		Depth: depth, Rounding: rounding, Aggregate: true,
	})
	h.booksMu.Lock()
	h.books[canonical] = book
	h.booksMu.Unlock()

	h.addConnection(connectionID, canonical, depth, rounding, socket)
	h.metrics.IncrementSubscribers(ctx, "orderbook")

	defer h.teardownOrderBook(ctx, connectionID, canonical, socket)

	if err := h.upstreamMgr.Connect(ctx, upstreamSocketSubscriber{id: connectionID, socket: socket}, canonical, upstream.StreamOrderBook, canonical); err != nil {
		return xerr.Internal("connect upstream orderbook stream", err)
	}

	if agg, ok := h.mgr.GetAggregated(connectionID); ok {
		_ = socket.WriteJSON(orderbookUpdateMessage(agg))
	}

	return h.pumpInbound(ctx, socket, connectionID)
}

func (h *Hub) addConnection(connectionID, sym string, depth int, rounding float64, socket Socket) {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	h.conns[connectionID] = &orderbookConn{id: connectionID, symbol: sym, socket: socket, depth: depth, rounding: rounding}
	if h.bySymbol[sym] == nil {
		h.bySymbol[sym] = make(map[string]struct{})
	}
	h.bySymbol[sym][connectionID] = struct{}{}
}

// teardownOrderBook runs the full disconnect cascade (spec §4.11 step
// 5); every call is individually idempotent per spec §9's note on
// double-removal safety.
func (h *Hub) teardownOrderBook(ctx context.Context, connectionID, sym string, socket Socket) {
	h.mgr.Unregister(connectionID)
	h.upstreamMgr.Disconnect(ctx, upstreamSocketSubscriber{id: connectionID, socket: socket}, sym)
	h.deltaEngine.Forget(connectionID)
	h.batcher.Forget(connectionID)

	h.connsMu.Lock()
	delete(h.conns, connectionID)
	if subs, ok := h.bySymbol[sym]; ok {
		delete(subs, connectionID)
		if len(subs) == 0 {
			delete(h.bySymbol, sym)
		}
	}
	h.connsMu.Unlock()

	h.metrics.DecrementSubscribers(ctx, "orderbook")
}

// pumpInbound reads subscriber messages until the socket closes or ctx
// ends (spec §4.11 step 4): ping→pong, update_params→ack+rebroadcast,
// malformed JSON and unknown types logged and dropped.
func (h *Hub) pumpInbound(ctx context.Context, socket Socket, connectionID string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var msg inboundMessage
		if err := socket.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				if h.log != nil {
					h.log.Warn(ctx, "dropping malformed inbound message", xlog.With().ConnectionID(connectionID))
				}
				continue
			}
			return nil
		}

		switch msg.Type {
		case "ping":
			_ = socket.WriteJSON(map[string]string{"type": "pong"})
		case "update_params":
			h.handleUpdateParams(connectionID, socket, msg)
		default:
			if h.log != nil {
				h.log.Warn(ctx, "dropping unknown inbound message type", xlog.With().ConnectionID(connectionID))
			}
		}
	}
}

func (h *Hub) handleUpdateParams(connectionID string, socket Socket, msg inboundMessage) {
	if msg.Depth == nil && msg.Rounding == nil {
		return
	}
	var depth *int
	if msg.Depth != nil {
		d := obtypes.ClampDepth(*msg.Depth)
		depth = &d
	}
	var rounding *float64
	if msg.Rounding != nil {
		r := obtypes.ClampRounding(*msg.Rounding)
		rounding = &r
	}
	if !h.mgr.UpdateParams(connectionID, depth, rounding) {
		return
	}

	h.connsMu.Lock()
	conn, ok := h.conns[connectionID]
	if ok {
		if depth != nil {
			conn.depth = *depth
		}
		if rounding != nil {
			conn.rounding = *rounding
		}
	}
	h.connsMu.Unlock()
	if !ok {
		return
	}

	_ = socket.WriteJSON(paramsUpdatedMessage{Type: "params_updated", Depth: conn.depth, Rounding: conn.rounding, Success: true})
	h.deliverOrderbookUpdate(connectionID)
}

// ServeTicker handles a ticker stream session: stream_key = "<symbol>:ticker".
func (h *Hub) ServeTicker(ctx context.Context, socket Socket, connectionID, symbolID string) error {
	canonical, ok := h.symbols.Resolve(symbolID)
	if !ok {
		suggestions := h.symbols.Suggestions(symbolID, 3)
		_ = socket.WriteJSON(errorMessage{Type: "error", Message: fmt.Sprintf("unknown symbol %q", symbolID), Suggestions: suggestions})
		_ = socket.Close()
		return xerr.ConfigInvalid("resolve symbol "+symbolID, nil)
	}

	streamKey := canonical + ":ticker"
	sub := upstreamSocketSubscriber{id: connectionID, socket: socket}
	h.metrics.IncrementSubscribers(ctx, "ticker")
	defer h.metrics.DecrementSubscribers(ctx, "ticker")
	defer h.upstreamMgr.Disconnect(ctx, sub, streamKey)

	if err := h.upstreamMgr.Connect(ctx, sub, streamKey, upstream.StreamTicker, canonical); err != nil {
		return xerr.Internal("connect upstream ticker stream", err)
	}
	return h.pumpControlOnly(ctx, socket)
}

// ServeCandles handles a candle stream session: stream_key =
// "<symbol>:<timeframe>" (spec §4.11 step 3).
func (h *Hub) ServeCandles(ctx context.Context, socket Socket, connectionID, symbolID, timeframe string) error {
	canonical, ok := h.symbols.Resolve(symbolID)
	if !ok {
		suggestions := h.symbols.Suggestions(symbolID, 3)
		_ = socket.WriteJSON(errorMessage{Type: "error", Message: fmt.Sprintf("unknown symbol %q", symbolID), Suggestions: suggestions})
		_ = socket.Close()
		return xerr.ConfigInvalid("resolve symbol "+symbolID, nil)
	}
	if !validTimeframes[timeframe] {
		_ = socket.WriteJSON(errorMessage{Type: "error", Message: fmt.Sprintf("invalid timeframe %q", timeframe)})
		_ = socket.Close()
		return xerr.ConfigInvalid("invalid timeframe "+timeframe, nil)
	}

	streamKey := canonical + ":" + timeframe
	sub := upstreamSocketSubscriber{id: connectionID, socket: socket}
	h.metrics.IncrementSubscribers(ctx, "candles")
	defer h.metrics.DecrementSubscribers(ctx, "candles")
	defer h.upstreamMgr.Disconnect(ctx, sub, streamKey)

	if err := h.upstreamMgr.Connect(ctx, sub, streamKey, upstream.StreamCandles, canonical); err != nil {
		return xerr.Internal("connect upstream candle stream", err)
	}
	return h.pumpControlOnly(ctx, socket)
}

// pumpControlOnly services ping/pong for ticker/candle sessions, which
// have no per-connection parameters to update.
func (h *Hub) pumpControlOnly(ctx context.Context, socket Socket) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		var msg inboundMessage
		if err := socket.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				if h.log != nil {
					h.log.Warn(ctx, "dropping malformed inbound message", xlog.With())
				}
				continue
			}
			return nil
		}
		if msg.Type == "ping" {
			_ = socket.WriteJSON(map[string]string{"type": "pong"})
		}
	}
}

// liquidationSocketSubscriber adapts a socket onto liquidation.Subscriber.
type liquidationSocketSubscriber struct {
	id     string
	socket Socket
}

func (s liquidationSocketSubscriber) ID() string { return s.id }

func (s liquidationSocketSubscriber) SendEvent(evt obtypes.LiquidationEvent) {
	_ = s.socket.WriteJSON(map[string]interface{}{
		"type":               "liquidation_event",
		"symbol":             evt.Symbol,
		"side":                evt.Side,
		"quantity":           evt.Quantity,
		"quantity_formatted": evt.QuantityFormatted,
		"avg_price":          evt.AvgPrice,
		"price_formatted":    evt.PriceFormatted,
		"value_formatted":    evt.ValueFormatted,
		"timestamp":          evt.EventTimeMs,
		"display_time":       evt.DisplayTimeHHMMSS,
		"base_asset":         evt.BaseAsset,
	})
}

func (s liquidationSocketSubscriber) SendVolumeUpdate(timeframe string, buckets []obtypes.LiquidationVolumeBucket) {
	_ = s.socket.WriteJSON(map[string]interface{}{
		"type":      "liquidation_volume",
		"timeframe": timeframe,
		"data":      buckets,
		"timestamp": time.Now().UnixMilli(),
		"is_update": true,
	})
}

// ServeLiquidations streams forced-liquidation events (and, if
// timeframe is non-empty, volume rollups) for symbol.
func (h *Hub) ServeLiquidations(ctx context.Context, socket Socket, connectionID, symbolID, timeframe string) error {
	canonical, ok := h.symbols.Resolve(symbolID)
	if !ok {
		suggestions := h.symbols.Suggestions(symbolID, 3)
		_ = socket.WriteJSON(errorMessage{Type: "error", Message: fmt.Sprintf("unknown symbol %q", symbolID), Suggestions: suggestions})
		_ = socket.Close()
		return xerr.ConfigInvalid("resolve symbol "+symbolID, nil)
	}

	sub := liquidationSocketSubscriber{id: connectionID, socket: socket}
	h.liqAgg.Subscribe(ctx, sub, canonical)
	defer h.liqAgg.Unsubscribe(sub, canonical)

	if timeframe != "" && liquidation.ValidTimeframe(timeframe) {
		h.liqAgg.SubscribeVolume(sub, canonical, timeframe)
		defer h.liqAgg.UnsubscribeVolume(sub, canonical, timeframe)
	}

	return h.pumpControlOnly(ctx, socket)
}
