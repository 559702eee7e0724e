package aggregation

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orderfox/marketfeed/internal/obtypes"
	"github.com/orderfox/marketfeed/internal/orderbook"
)

// CommonDepths and CommonRoundings are the Cartesian product warmed on
// book creation (spec §4.3 "Cache warming").
var (
	CommonDepths    = []int{5, 10, 20, 50}
	CommonRoundings = []decimal.Decimal{
		decimal.NewFromFloat(0.01),
		decimal.NewFromFloat(0.1),
		decimal.NewFromFloat(1.0),
	}
)

// CacheStats reports cumulative cache effectiveness (spec §4.3 + the
// supplemented cache-metrics feature from the Python original).
type CacheStats struct {
	Hits              int64
	Misses            int64
	Size              int
	InvalidationCount int64
}

func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type cacheEntry struct {
	key       string
	symbol    string
	book      obtypes.AggregatedBook
	storedAt  time.Time
	elem      *list.Element
}

// Cache is the two-layer LRU+TTL aggregation cache in front of Aggregate
// (spec §4.3). "Two-layer" refers to the (LRU recency list) + (hash map)
// pair standard to an LRU, not two separate stores.
type Cache struct {
	mu sync.Mutex

	maxSize int
	ttl     time.Duration

	entries map[string]*cacheEntry
	order   *list.List // front = most recently used

	hits, misses, invalidations int64
}

// NewCache builds an aggregation cache with the given capacity and TTL.
func NewCache(maxSize int, ttl time.Duration) *Cache {
	return &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
	}
}

// Key builds the (symbol,depth,rounding,source) cache key.
func Key(symbol string, depth int, rounding decimal.Decimal, source obtypes.StreamSource) string {
	return fmt.Sprintf("%s:%d:%s:%s", symbol, depth, rounding.String(), source)
}

// GetOrCompute returns the cached aggregated book for key if fresh,
// otherwise computes it via compute, inserts it, and evicts the oldest
// entry if at capacity. On a hit, the record's timestamp is refreshed
// from book before returning (spec §4.3).
func (c *Cache) GetOrCompute(key, symbol string, book *orderbook.Book, compute func() obtypes.AggregatedBook) obtypes.AggregatedBook {
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		if time.Since(entry.storedAt) < c.ttl {
			c.order.MoveToFront(entry.elem)
			c.hits++
			entry.book.Timestamp = book.LastUpdateTime()
			entry.book.TimeFormatted = formatTimeHHMMSS(entry.book.Timestamp)
			result := entry.book
			c.mu.Unlock()
			return result
		}
		c.removeLocked(entry)
	}
	c.misses++
	c.mu.Unlock()

	computed := compute()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest.Value.(*cacheEntry))
		}
	}

	entry := &cacheEntry{key: key, symbol: symbol, book: computed, storedAt: time.Now()}
	entry.elem = c.order.PushFront(entry)
	c.entries[key] = entry

	return computed
}

func (c *Cache) removeLocked(e *cacheEntry) {
	delete(c.entries, e.key)
	c.order.Remove(e.elem)
}

// Sweep removes every entry older than TTL; intended to run on a
// periodic ticker.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Back(); elem != nil; {
		entry := elem.Value.(*cacheEntry)
		prev := elem.Prev()
		if time.Since(entry.storedAt) >= c.ttl {
			c.removeLocked(entry)
			removed++
		}
		elem = prev
	}
	return removed
}

// InvalidateSymbol removes every cached entry for symbol.
func (c *Cache) InvalidateSymbol(symbol string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		entry := elem.Value.(*cacheEntry)
		next := elem.Next()
		if entry.symbol == symbol {
			c.removeLocked(entry)
			removed++
		}
		elem = next
	}
	c.invalidations += int64(removed)
	return removed
}

// Stats reports a point-in-time snapshot of cache effectiveness.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:              c.hits,
		Misses:            c.misses,
		Size:              len(c.entries),
		InvalidationCount: c.invalidations,
	}
}

// Warm computes and inserts the Cartesian product of CommonDepths x
// CommonRoundings for book, swallowing any per-cell failure (spec §4.3
// "Cache warming"). Intended to be launched in its own goroutine.
func (c *Cache) Warm(book *orderbook.Book, source obtypes.StreamSource, meta *obtypes.SymbolMeta) {
	defer func() { _ = recover() }()

	for _, depth := range CommonDepths {
		for _, rounding := range CommonRoundings {
			key := Key(book.Symbol(), depth, rounding, source)
			c.GetOrCompute(key, book.Symbol(), book, func() obtypes.AggregatedBook {
				return Aggregate(book, depth, rounding, meta)
			})
		}
	}
}
