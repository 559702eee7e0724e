// Package orderbook implements the authoritative per-symbol order book
// (spec §4.1): sorted bids/asks, snapshot replace, delta apply, and the
// monotone snapshot_epoch used as the downstream cache-invalidation
// coordinate. Grounded on the teacher pack's tiagolvsantos-crypto-orderbook
// orderbook.go (map[string]PriceLevel keyed by normalized price string,
// lazily-recomputed best bid/ask) adapted to the richer snapshot/delta/
// epoch semantics spec.md requires.
package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orderfox/marketfeed/internal/obtypes"
)

// Stats is a point-in-time summary of book state.
type Stats struct {
	BestBid      decimal.Decimal
	BestAsk      decimal.Decimal
	Spread       decimal.Decimal
	BidCount     int
	AskCount     int
	SnapshotEpoch uint64
}

// Book is the authoritative order book for one symbol. All mutating
// operations take an exclusive lock; readers take the same RWMutex in
// read mode. snapshot_epoch increments on every successful apply and is
// the coordinate the Aggregation Cache keys invalidation on.
type Book struct {
	mu sync.RWMutex

	symbol string
	bids   map[string]obtypes.Level // keyed by price.String()
	asks   map[string]obtypes.Level

	bestBid decimal.Decimal
	bestAsk decimal.Decimal

	snapshotEpoch  uint64
	lastUpdateTime int64
	createdAt      time.Time
}

// New creates an empty book for symbol.
func New(symbol string) *Book {
	return &Book{
		symbol:    symbol,
		bids:      make(map[string]obtypes.Level),
		asks:      make(map[string]obtypes.Level),
		createdAt: time.Now(),
	}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string { return b.symbol }

// ApplySnapshot replaces both sides atomically. Rows with amount<=0 are
// dropped. Returns false (no-op) if snapshot.Symbol does not match.
func (b *Book) ApplySnapshot(snap obtypes.Snapshot) bool {
	if snap.Symbol != b.symbol {
		return false
	}

	bids := make(map[string]obtypes.Level, len(snap.Bids))
	asks := make(map[string]obtypes.Level, len(snap.Asks))

	for _, lvl := range snap.Bids {
		if lvl.Amount.Sign() > 0 {
			bids[lvl.Price.String()] = lvl
		}
	}
	for _, lvl := range snap.Asks {
		if lvl.Amount.Sign() > 0 {
			asks[lvl.Price.String()] = lvl
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = bids
	b.asks = asks
	b.lastUpdateTime = snap.Timestamp
	b.snapshotEpoch++
	b.recalculateBestBid()
	b.recalculateBestAsk()

	return true
}

// ApplyDelta applies incremental add/update/remove rows to both sides.
// amount==0 removes the key if present; amount>0 inserts or overwrites.
func (b *Book) ApplyDelta(bids, asks []obtypes.Level, ts int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	removedBestBid := false
	removedBestAsk := false

	for _, lvl := range bids {
		key := lvl.Price.String()
		if lvl.Amount.Sign() <= 0 {
			if _, ok := b.bids[key]; ok {
				delete(b.bids, key)
				if lvl.Price.Equal(b.bestBid) {
					removedBestBid = true
				}
			}
			continue
		}
		b.bids[key] = lvl
	}

	for _, lvl := range asks {
		key := lvl.Price.String()
		if lvl.Amount.Sign() <= 0 {
			if _, ok := b.asks[key]; ok {
				delete(b.asks, key)
				if lvl.Price.Equal(b.bestAsk) {
					removedBestAsk = true
				}
			}
			continue
		}
		b.asks[key] = lvl
	}

	b.lastUpdateTime = ts
	b.snapshotEpoch++

	if removedBestBid {
		b.recalculateBestBid()
	} else {
		b.maybeRaiseBestBid(bids)
	}
	if removedBestAsk {
		b.recalculateBestAsk()
	} else {
		b.maybeLowerBestAsk(asks)
	}
}

func (b *Book) maybeRaiseBestBid(bids []obtypes.Level) {
	for _, lvl := range bids {
		if lvl.Amount.Sign() <= 0 {
			continue
		}
		if b.bestBid.IsZero() || lvl.Price.GreaterThan(b.bestBid) {
			b.bestBid = lvl.Price
		}
	}
}

func (b *Book) maybeLowerBestAsk(asks []obtypes.Level) {
	for _, lvl := range asks {
		if lvl.Amount.Sign() <= 0 {
			continue
		}
		if b.bestAsk.IsZero() || lvl.Price.LessThan(b.bestAsk) {
			b.bestAsk = lvl.Price
		}
	}
}

func (b *Book) recalculateBestBid() {
	best := decimal.Zero
	for _, lvl := range b.bids {
		if lvl.Price.GreaterThan(best) {
			best = lvl.Price
		}
	}
	b.bestBid = best
}

func (b *Book) recalculateBestAsk() {
	var best decimal.Decimal
	first := true
	for _, lvl := range b.asks {
		if first || lvl.Price.LessThan(best) {
			best = lvl.Price
			first = false
		}
	}
	if first {
		best = decimal.Zero
	}
	b.bestAsk = best
}

// Snapshot materializes ordered bid/ask lists, descending for bids and
// ascending for asks, truncated to limit per side if limit>0.
func (b *Book) Snapshot(limit int) (bids, asks []obtypes.Level, timestamp int64, epoch uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids = make([]obtypes.Level, 0, len(b.bids))
	for _, lvl := range b.bids {
		bids = append(bids, lvl)
	}
	asks = make([]obtypes.Level, 0, len(b.asks))
	for _, lvl := range b.asks {
		asks = append(asks, lvl)
	}

	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	if limit > 0 {
		if len(bids) > limit {
			bids = bids[:limit]
		}
		if len(asks) > limit {
			asks = asks[:limit]
		}
	}

	return bids, asks, b.lastUpdateTime, b.snapshotEpoch
}

// BestBidAsk is an O(1) peek at both book heads.
func (b *Book) BestBidAsk() (bestBid, bestAsk decimal.Decimal) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bestBid, b.bestAsk
}

// LevelCounts returns the number of distinct bid/ask price levels held.
func (b *Book) LevelCounts() (bidCount, askCount int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bids), len(b.asks)
}

// Age returns how long this book has existed.
func (b *Book) Age() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return time.Since(b.createdAt)
}

// IsEmpty reports whether both sides currently hold no levels.
func (b *Book) IsEmpty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bids) == 0 && len(b.asks) == 0
}

// LastUpdateTime returns the timestamp of the most recent apply, without
// materializing a full snapshot.
func (b *Book) LastUpdateTime() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateTime
}

// SnapshotEpoch returns the current invalidation coordinate.
func (b *Book) SnapshotEpoch() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotEpoch
}

// Stats returns a point-in-time summary, including best_bid < best_ask
// (logged, not enforced, by callers per spec §3 invariant ii).
func (b *Book) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	spread := decimal.Zero
	if !b.bestBid.IsZero() && !b.bestAsk.IsZero() {
		spread = b.bestAsk.Sub(b.bestBid)
	}
	return Stats{
		BestBid:       b.bestBid,
		BestAsk:       b.bestAsk,
		Spread:        spread,
		BidCount:      len(b.bids),
		AskCount:      len(b.asks),
		SnapshotEpoch: b.snapshotEpoch,
	}
}
