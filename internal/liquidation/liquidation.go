// Package liquidation implements the Liquidation Aggregator (spec
// §4.10): a single upstream forced-liquidation stream per symbol, fanned
// out to subscribers, with a parallel per-(symbol,timeframe) rollup of
// buy/sell volume into recent time buckets. Grounded on
// original_source/backend/app/services/liquidation_service.py's
// _add_to_aggregation_buffers/_run_aggregation_task/
// _process_aggregation_buffer trio, re-expressed as goroutines driven by
// time.Ticker instead of asyncio tasks.
package liquidation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orderfox/marketfeed/internal/format"
	"github.com/orderfox/marketfeed/internal/obtypes"
	"github.com/orderfox/marketfeed/internal/xlog"
	"github.com/orderfox/marketfeed/internal/xmetrics"
)

// timeframeMs mirrors _get_timeframe_ms's hardcoded table exactly (spec
// §4.10 valid timeframe set).
var timeframeMs = map[string]int64{
	"1m":  60_000,
	"5m":  5 * 60_000,
	"15m": 15 * 60_000,
	"30m": 30 * 60_000,
	"1h":  60 * 60_000,
	"4h":  4 * 60 * 60_000,
	"1d":  24 * 60 * 60_000,
}

// ValidTimeframe reports whether tf is one of the supported buckets.
func ValidTimeframe(tf string) bool {
	_, ok := timeframeMs[tf]
	return ok
}

// EventSource streams forced-liquidation events for one symbol; the
// concrete implementation dials the exchange's forceOrder stream (spec
// §6). Kept separate from upstream.Driver since the symbol-level
// ref-counted fan-out here has different lifecycle rules than a
// per-stream_key socket fan-out.
type EventSource interface {
	Stream(ctx context.Context, symbol string) (<-chan obtypes.LiquidationEvent, error)
}

// Subscriber receives normalized liquidation events and volume rollups.
type Subscriber interface {
	ID() string
	SendEvent(evt obtypes.LiquidationEvent)
	SendVolumeUpdate(timeframe string, buckets []obtypes.LiquidationVolumeBucket)
}

type symbolStream struct {
	mu          sync.Mutex
	subscribers map[string]Subscriber
	cancel      context.CancelFunc

	bufMu   sync.Mutex
	buffers map[string][]obtypes.LiquidationEvent // timeframe -> buffered events
	rollups map[string]context.CancelFunc         // timeframe -> rollup task cancel
	tfSubs  map[string]map[string]struct{}        // timeframe -> subscriberID set
}

// Aggregator is the Liquidation Aggregator (spec §4.10).
type Aggregator struct {
	mu      sync.Mutex
	symbols map[string]*symbolStream

	source    EventSource
	formatter *format.Formatter
	log       *xlog.Logger
	metrics   xmetrics.Recorder
}

func New(source EventSource, formatter *format.Formatter, log *xlog.Logger, metrics xmetrics.Recorder) *Aggregator {
	if metrics == nil {
		metrics = xmetrics.NoOp{}
	}
	return &Aggregator{
		symbols:   make(map[string]*symbolStream),
		source:    source,
		formatter: formatter,
		log:       log,
		metrics:   metrics,
	}
}

// Subscribe registers sub against symbol's liquidation event stream,
// starting the shared upstream task on the 0→1 transition (spec §4.10
// "one upstream task per symbol via ref-counted fan-out").
func (a *Aggregator) Subscribe(ctx context.Context, sub Subscriber, symbol string) {
	a.mu.Lock()
	ss, exists := a.symbols[symbol]
	if !exists {
		ss = &symbolStream{
			subscribers: make(map[string]Subscriber),
			buffers:     make(map[string][]obtypes.LiquidationEvent),
			rollups:     make(map[string]context.CancelFunc),
			tfSubs:      make(map[string]map[string]struct{}),
		}
		a.symbols[symbol] = ss
	}
	a.mu.Unlock()

	ss.mu.Lock()
	ss.subscribers[sub.ID()] = sub
	first := len(ss.subscribers) == 1
	ss.mu.Unlock()

	if first {
		streamCtx, cancel := context.WithCancel(context.Background())
		ss.mu.Lock()
		ss.cancel = cancel
		ss.mu.Unlock()
		go a.runSymbol(streamCtx, symbol, ss)
	}
}

// Unsubscribe removes sub from symbol, stopping the upstream task (and
// any still-running rollup tasks) on the transition to zero.
func (a *Aggregator) Unsubscribe(sub Subscriber, symbol string) {
	a.mu.Lock()
	ss, ok := a.symbols[symbol]
	a.mu.Unlock()
	if !ok {
		return
	}

	ss.mu.Lock()
	delete(ss.subscribers, sub.ID())
	empty := len(ss.subscribers) == 0
	cancel := ss.cancel
	ss.mu.Unlock()

	if empty {
		if cancel != nil {
			cancel()
		}
		ss.bufMu.Lock()
		for _, stop := range ss.rollups {
			stop()
		}
		ss.bufMu.Unlock()
		a.mu.Lock()
		delete(a.symbols, symbol)
		a.mu.Unlock()
	}
}

// SubscribeVolume registers sub for periodic (symbol, timeframe) volume
// rollups, starting that timeframe's rollup task if not already running
// (spec §4.10 "rollup task every min(timeframe_seconds,5)s").
func (a *Aggregator) SubscribeVolume(sub Subscriber, symbol, timeframe string) {
	a.mu.Lock()
	ss, exists := a.symbols[symbol]
	if !exists {
		ss = &symbolStream{
			subscribers: make(map[string]Subscriber),
			buffers:     make(map[string][]obtypes.LiquidationEvent),
			rollups:     make(map[string]context.CancelFunc),
			tfSubs:      make(map[string]map[string]struct{}),
		}
		a.symbols[symbol] = ss
	}
	a.mu.Unlock()

	ss.bufMu.Lock()
	if ss.tfSubs[timeframe] == nil {
		ss.tfSubs[timeframe] = make(map[string]struct{})
	}
	ss.tfSubs[timeframe][sub.ID()] = struct{}{}
	if ss.buffers[timeframe] == nil {
		ss.buffers[timeframe] = nil
	}
	_, running := ss.rollups[timeframe]
	ss.bufMu.Unlock()

	if !running {
		rollCtx, cancel := context.WithCancel(context.Background())
		ss.bufMu.Lock()
		ss.rollups[timeframe] = cancel
		ss.bufMu.Unlock()
		go a.runRollup(rollCtx, symbol, timeframe, ss)
	}
}

// UnsubscribeVolume removes sub from (symbol, timeframe), stopping that
// timeframe's rollup task once no subscriber remains for it.
func (a *Aggregator) UnsubscribeVolume(sub Subscriber, symbol, timeframe string) {
	a.mu.Lock()
	ss, ok := a.symbols[symbol]
	a.mu.Unlock()
	if !ok {
		return
	}

	ss.bufMu.Lock()
	if subs, present := ss.tfSubs[timeframe]; present {
		delete(subs, sub.ID())
		if len(subs) == 0 {
			delete(ss.tfSubs, timeframe)
			delete(ss.buffers, timeframe)
			if cancel, running := ss.rollups[timeframe]; running {
				cancel()
				delete(ss.rollups, timeframe)
			}
		}
	}
	ss.bufMu.Unlock()
}

func (a *Aggregator) runSymbol(ctx context.Context, symbol string, ss *symbolStream) {
	events, err := a.source.Stream(ctx, symbol)
	if err != nil {
		if a.log != nil {
			a.log.Error(ctx, "liquidation stream failed to start", err, xlog.With().Symbol(symbol))
		}
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.metrics.RecordLiquidation(ctx, symbol, string(evt.Side))
			a.broadcastEvent(ss, evt)
			a.bufferForRollup(ss, evt)
		}
	}
}

func (a *Aggregator) broadcastEvent(ss *symbolStream, evt obtypes.LiquidationEvent) {
	ss.mu.Lock()
	snapshot := make([]Subscriber, 0, len(ss.subscribers))
	for _, sub := range ss.subscribers {
		snapshot = append(snapshot, sub)
	}
	ss.mu.Unlock()
	for _, sub := range snapshot {
		sub.SendEvent(evt)
	}
}

// bufferForRollup appends evt to every active timeframe buffer for this
// symbol (spec §4.10: buffers are per (symbol, timeframe) pair).
func (a *Aggregator) bufferForRollup(ss *symbolStream, evt obtypes.LiquidationEvent) {
	ss.bufMu.Lock()
	defer ss.bufMu.Unlock()
	for tf := range ss.tfSubs {
		ss.buffers[tf] = append(ss.buffers[tf], evt)
	}
}

// runRollup periodically drains timeframe's buffer into bucketed volume
// totals and broadcasts them, keeping only the current and immediately
// preceding bucket's worth of raw events around (spec §4.10: current
// bucket = floor(now_ms/tf_ms)*tf_ms, prune anything older than
// current_bucket - tf_ms).
func (a *Aggregator) runRollup(ctx context.Context, symbol, timeframe string, ss *symbolStream) {
	tfMs, ok := timeframeMs[timeframe]
	if !ok {
		return
	}
	interval := time.Duration(tfMs) * time.Millisecond
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.processRollup(symbol, timeframe, tfMs, ss)
		}
	}
}

func (a *Aggregator) processRollup(symbol, timeframe string, tfMs int64, ss *symbolStream) {
	ss.bufMu.Lock()
	buffer := ss.buffers[timeframe]
	if len(buffer) == 0 {
		ss.bufMu.Unlock()
		return
	}
	ss.bufMu.Unlock()

	nowMs := time.Now().UnixMilli()
	currentBucket := (nowMs / tfMs) * tfMs
	cutoff := currentBucket - tfMs

	buckets := make(map[int64]*obtypes.LiquidationVolumeBucket)
	var remaining []obtypes.LiquidationEvent

	ss.bufMu.Lock()
	buffer = ss.buffers[timeframe]
	for _, evt := range buffer {
		bucketStart := (evt.EventTimeMs / tfMs) * tfMs
		if bucketStart < cutoff {
			continue
		}
		remaining = append(remaining, evt)

		b, ok := buckets[bucketStart]
		if !ok {
			b = &obtypes.LiquidationVolumeBucket{BucketStartMs: bucketStart}
			buckets[bucketStart] = b
		}
		if evt.Side == obtypes.SideBuy {
			b.BuyValue = b.BuyValue.Add(evt.Value)
		} else {
			b.SellValue = b.SellValue.Add(evt.Value)
		}
		b.Count++
	}
	ss.buffers[timeframe] = remaining
	ss.bufMu.Unlock()

	if len(buckets) == 0 {
		return
	}

	result := make([]obtypes.LiquidationVolumeBucket, 0, len(buckets))
	for _, b := range buckets {
		result = append(result, *b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BucketStartMs < result[j].BucketStartMs })

	ss.bufMu.Lock()
	targets := make([]string, 0, len(ss.tfSubs[timeframe]))
	for id := range ss.tfSubs[timeframe] {
		targets = append(targets, id)
	}
	ss.bufMu.Unlock()

	ss.mu.Lock()
	var recipients []Subscriber
	for _, id := range targets {
		if sub, ok := ss.subscribers[id]; ok {
			recipients = append(recipients, sub)
		}
	}
	ss.mu.Unlock()

	for _, sub := range recipients {
		sub.SendVolumeUpdate(timeframe, result)
	}
}

// NewEvent normalizes a raw forced-liquidation message into the shared
// domain type, attaching formatted display fields (spec §4.10 /
// format_liquidation_data).
func NewEvent(symbol string, side obtypes.LiquidationSide, quantity, avgPrice decimal.Decimal, eventTimeMs int64, baseAsset string, formatter *format.Formatter, meta *format.SymbolPrecision) obtypes.LiquidationEvent {
	value := quantity.Mul(avgPrice)
	evt := obtypes.LiquidationEvent{
		Symbol:      symbol,
		Side:        side,
		Quantity:    quantity,
		AvgPrice:    avgPrice,
		Value:       value,
		EventTimeMs: eventTimeMs,
		BaseAsset:   baseAsset,
	}
	evt.DisplayTimeHHMMSS = time.UnixMilli(eventTimeMs).UTC().Format("15:04:05")
	if formatter != nil {
		qf, _ := quantity.Float64()
		pf, _ := avgPrice.Float64()
		vf, _ := value.Float64()
		evt.QuantityFormatted = formatter.Amount(&qf, meta)
		evt.PriceFormatted = formatter.Price(&pf, meta)
		evt.ValueFormatted = formatter.Total(&vf, meta)
	}
	return evt
}
