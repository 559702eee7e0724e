// Package delta implements the per-subscriber delta engine (spec §4.6):
// full-snapshot-or-diff decisions against per-subscriber last-sent state,
// with a single process-wide monotone sequence_id. Grounded on
// original_source's delta_update_service.py (last_sent_bids/last_sent_asks
// keyed amount tables, 1e-8 comparison tolerance, to_json wire shape).
package delta

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orderfox/marketfeed/internal/obtypes"
)

const diffTolerance = 1e-8

// DefaultFullSnapshotInterval and DefaultMaxAge mirror spec §4.6's
// stated defaults.
const (
	DefaultFullSnapshotInterval = 300 * time.Second
	DefaultMaxAge               = 3600 * time.Second
)

type subscriberState struct {
	lastSentBids map[string]decimal.Decimal
	lastSentAsks map[string]decimal.Decimal
	lastFullAt   time.Time
	updatedAt    time.Time
}

// Engine tracks per-subscriber delta state and assigns the global
// sequence_id (spec §3 "Delta Message", §4.6).
type Engine struct {
	mu sync.Mutex

	fullSnapshotInterval time.Duration
	maxAge                time.Duration

	subscribers map[string]*subscriberState
	sequenceID  uint64
}

// New builds a Delta Engine. Zero durations fall back to spec defaults.
func New(fullSnapshotInterval, maxAge time.Duration) *Engine {
	if fullSnapshotInterval <= 0 {
		fullSnapshotInterval = DefaultFullSnapshotInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Engine{
		fullSnapshotInterval: fullSnapshotInterval,
		maxAge:                maxAge,
		subscribers:           make(map[string]*subscriberState),
	}
}

// NextDelta computes the delta (or full snapshot) to send subscriberID
// for aggregated book book. Returns ok=false when nothing changed and
// the send should be skipped (spec §4.6 step 2, "return nothing").
func (e *Engine) NextDelta(subscriberID string, book obtypes.AggregatedBook) (obtypes.Delta, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.subscribers[subscriberID]
	now := time.Now()
	if !ok {
		state = &subscriberState{
			lastSentBids: make(map[string]decimal.Decimal),
			lastSentAsks: make(map[string]decimal.Decimal),
		}
		e.subscribers[subscriberID] = state
	}
	state.updatedAt = now

	needFull := len(state.lastSentBids) == 0 && len(state.lastSentAsks) == 0
	if !needFull && now.Sub(state.lastFullAt) > e.fullSnapshotInterval {
		needFull = true
	}

	if needFull {
		bids := fullSideDelta(book.Bids)
		asks := fullSideDeltaAsk(book.Asks)
		applySide(state.lastSentBids, bids)
		applySide(state.lastSentAsks, asks)
		state.lastFullAt = now

		return obtypes.Delta{
			Symbol:       book.Symbol,
			Rounding:     book.Rounding,
			Timestamp:    book.Timestamp,
			SequenceID:   atomic.AddUint64(&e.sequenceID, 1),
			FullSnapshot: true,
			Bids:         bids,
			Asks:         asks,
		}, true
	}

	bids := diffSide(state.lastSentBids, levelMap(book.Bids))
	asks := diffSide(state.lastSentAsks, levelMap(book.Asks))
	if len(bids) == 0 && len(asks) == 0 {
		return obtypes.Delta{}, false
	}

	applySide(state.lastSentBids, bids)
	applySide(state.lastSentAsks, asks)

	return obtypes.Delta{
		Symbol:       book.Symbol,
		Rounding:     book.Rounding,
		Timestamp:    book.Timestamp,
		SequenceID:   atomic.AddUint64(&e.sequenceID, 1),
		FullSnapshot: false,
		Bids:         bids,
		Asks:         asks,
	}, true
}

// Forget drops subscriberID's delta state, e.g. on disconnect.
func (e *Engine) Forget(subscriberID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subscribers, subscriberID)
}

// GC removes subscriber state not touched for longer than max_age (spec
// §4.6 "Stale-session GC"). Idempotent: calling it repeatedly, or on an
// already-forgotten subscriber, is harmless.
func (e *Engine) GC() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	now := time.Now()
	for id, state := range e.subscribers {
		if now.Sub(state.updatedAt) > e.maxAge {
			delete(e.subscribers, id)
			removed++
		}
	}
	return removed
}

func levelMap(levels []obtypes.AggregatedLevel) map[string]decimal.Decimal {
	m := make(map[string]decimal.Decimal, len(levels))
	for _, lvl := range levels {
		m[lvl.Price.String()] = lvl.Amount
	}
	return m
}

func fullSideDelta(levels []obtypes.AggregatedLevel) []obtypes.DeltaLevel {
	out := make([]obtypes.DeltaLevel, len(levels))
	for i, lvl := range levels {
		out[i] = obtypes.DeltaLevel{Price: lvl.Price, Amount: lvl.Amount, Op: obtypes.OpAdd}
	}
	return out
}

// fullSideDeltaAsk exists only to document that asks keep whatever
// transport order Aggregate already produced (high-price-first); no
// re-sort happens here.
func fullSideDeltaAsk(levels []obtypes.AggregatedLevel) []obtypes.DeltaLevel {
	return fullSideDelta(levels)
}

// diffSide compares the new book side (by price key) against the
// previously sent table: absent -> add, present with |delta|>tolerance
// -> update, in table but absent from new -> remove.
func diffSide(lastSent map[string]decimal.Decimal, current map[string]decimal.Decimal) []obtypes.DeltaLevel {
	tolerance := decimal.NewFromFloat(diffTolerance)
	var out []obtypes.DeltaLevel

	for priceKey, amount := range current {
		prev, existed := lastSent[priceKey]
		if !existed {
			out = append(out, obtypes.DeltaLevel{Price: mustParsePrice(priceKey), Amount: amount, Op: obtypes.OpAdd})
			continue
		}
		if amount.Sub(prev).Abs().GreaterThan(tolerance) {
			out = append(out, obtypes.DeltaLevel{Price: mustParsePrice(priceKey), Amount: amount, Op: obtypes.OpUpdate})
		}
	}

	for priceKey := range lastSent {
		if _, stillPresent := current[priceKey]; !stillPresent {
			out = append(out, obtypes.DeltaLevel{Price: mustParsePrice(priceKey), Amount: decimal.Zero, Op: obtypes.OpRemove})
		}
	}

	return out
}

func applySide(table map[string]decimal.Decimal, diffs []obtypes.DeltaLevel) {
	for _, d := range diffs {
		key := d.Price.String()
		if d.Op == obtypes.OpRemove {
			delete(table, key)
			continue
		}
		table[key] = d.Amount
	}
}

func mustParsePrice(key string) decimal.Decimal {
	p, err := decimal.NewFromString(key)
	if err != nil {
		return decimal.Zero
	}
	return p
}
