// Package format implements the display-value formatter (spec §4.4):
// price/amount/total string rendering plus the process-wide TTL+size
// capped cache sitting in front of it. Grounded on original_source's
// formatting_service.py (precision rules, scientific-notation and K/M
// thresholds, expire-then-drop-oldest-20% eviction).
package format

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// SymbolPrecision is the subset of Symbol Service metadata the formatter
// needs (spec §4.4 references "meta" as price_precision/amount_precision).
type SymbolPrecision struct {
	Symbol          string
	PricePrecision  int
	AmountPrecision int
}

const scientificThreshold = 1e-5

// FormatPrice renders a price using meta.PricePrecision (default 2),
// scientific notation below 1e-5, "0.00" for zero/nil (spec §4.4).
func FormatPrice(value *float64, meta *SymbolPrecision) string {
	if value == nil || *value == 0 {
		return "0.00"
	}
	v := *value
	if math.Abs(v) < scientificThreshold {
		return scientificNotation(v)
	}
	precision := 2
	if meta != nil && meta.PricePrecision > 0 {
		precision = meta.PricePrecision
	}
	return fmt.Sprintf("%.*f", precision, v)
}

// FormatAmount renders an amount with K/M compacting for large values,
// scientific notation for tiny ones, and max(2, amount_precision)
// decimals (capped at 8) otherwise (spec §4.4).
func FormatAmount(value *float64, meta *SymbolPrecision) string {
	if value == nil || *value == 0 {
		return "0.00"
	}
	v := *value
	abs := math.Abs(v)

	switch {
	case abs < scientificThreshold:
		return scientificNotation(v)
	case abs >= 1e6:
		return fmt.Sprintf("%.2fM", v/1e6)
	case abs >= 1e3:
		return fmt.Sprintf("%.2fK", v/1e3)
	default:
		precision := 2
		if meta != nil {
			ap := meta.AmountPrecision
			if ap <= 0 && meta.PricePrecision > 0 {
				ap = capInt(meta.PricePrecision, 6)
			}
			precision = max2(2, capInt(ap, 8))
		}
		return fmt.Sprintf("%.*f", precision, v)
	}
}

// FormatTotal renders a cumulative total: K/M compacting first, then
// scientific for tiny values, 4 decimals under 0.01, else 2 (spec §4.4).
func FormatTotal(value *float64, meta *SymbolPrecision) string {
	if value == nil || *value == 0 {
		return "0.00"
	}
	v := *value
	abs := math.Abs(v)

	switch {
	case abs >= 1e6:
		return fmt.Sprintf("%.2fM", v/1e6)
	case abs >= 1e3:
		return fmt.Sprintf("%.2fK", v/1e3)
	case abs < scientificThreshold:
		return scientificNotation(v)
	case abs < 0.01:
		return fmt.Sprintf("%.4f", v)
	default:
		return fmt.Sprintf("%.2f", v)
	}
}

func scientificNotation(v float64) string {
	return fmt.Sprintf("%.2e", v)
}

func capInt(v, max int) int {
	if v > max {
		return max
	}
	if v < 0 {
		return 0
	}
	return v
}

func max2(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Method identifies which formatting function produced a cached value.
type Method string

const (
	MethodPrice  Method = "price"
	MethodAmount Method = "amount"
	MethodTotal  Method = "total"
)

// CacheStats reports cumulative cache effectiveness.
type CacheStats struct {
	Hits     int64
	Misses   int64
	Size     int
	Capacity int
}

type cacheItem struct {
	value     string
	storedAt  time.Time
}

// Cache is the process-wide formatter cache (spec §4.4): keyed by
// (method,symbol,price_prec:amount_prec,value), TTL+size capped, and on
// overflow expires stale entries first, then drops the oldest 20% by
// insertion time.
type Cache struct {
	mu sync.Mutex

	enabled bool
	ttl     time.Duration
	maxSize int

	entries map[string]*cacheItem
	hits    int64
	misses  int64
}

// NewCache builds a formatter cache. enabled=false makes every lookup a
// miss and every store a no-op (spec §4.4 "Cache is optional").
func NewCache(enabled bool, ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		enabled: enabled,
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*cacheItem),
	}
}

func cacheKey(method Method, precision *SymbolPrecision, value float64) string {
	symbol, precKey := "DEFAULT", ""
	if precision != nil {
		symbol = precision.Symbol
		precKey = fmt.Sprintf("%d:%d", precision.PricePrecision, precision.AmountPrecision)
	}
	return fmt.Sprintf("%s:%s:%s:%v", method, symbol, precKey, value)
}

// Get returns the cached formatted value if present and fresh.
func (c *Cache) Get(method Method, precision *SymbolPrecision, value float64) (string, bool) {
	if !c.enabled {
		return "", false
	}
	key := cacheKey(method, precision, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}
	if time.Since(item.storedAt) >= c.ttl {
		delete(c.entries, key)
		c.misses++
		return "", false
	}
	c.hits++
	return item.value, true
}

// Set stores a formatted value, evicting on overflow: first expire
// stale entries, then — if still over capacity — drop the oldest 20%
// by insertion time (spec §4.4).
func (c *Cache) Set(method Method, precision *SymbolPrecision, value float64, formatted string) {
	if !c.enabled {
		return
	}
	key := cacheKey(method, precision, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.expireLocked()
		if len(c.entries) >= c.maxSize {
			c.dropOldestLocked()
		}
	}

	c.entries[key] = &cacheItem{value: formatted, storedAt: time.Now()}
}

func (c *Cache) expireLocked() {
	for key, item := range c.entries {
		if time.Since(item.storedAt) >= c.ttl {
			delete(c.entries, key)
		}
	}
}

func (c *Cache) dropOldestLocked() {
	toRemove := len(c.entries) / 5
	if toRemove < 1 {
		toRemove = 1
	}

	type kv struct {
		key      string
		storedAt time.Time
	}
	all := make([]kv, 0, len(c.entries))
	for key, item := range c.entries {
		all = append(all, kv{key, item.storedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].storedAt.Before(all[j].storedAt) })

	for i := 0; i < toRemove && i < len(all); i++ {
		delete(c.entries, all[i].key)
	}
}

// Stats reports a point-in-time snapshot of cache effectiveness.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Size: len(c.entries), Capacity: c.maxSize}
}

// Formatter wraps the pure format functions with the cache above.
type Formatter struct {
	cache *Cache
}

// New builds a Formatter backed by cache (may be a disabled Cache).
func New(cache *Cache) *Formatter {
	return &Formatter{cache: cache}
}

func (f *Formatter) Price(value *float64, meta *SymbolPrecision) string {
	return f.cached(MethodPrice, value, meta, FormatPrice)
}

func (f *Formatter) Amount(value *float64, meta *SymbolPrecision) string {
	return f.cached(MethodAmount, value, meta, FormatAmount)
}

func (f *Formatter) Total(value *float64, meta *SymbolPrecision) string {
	return f.cached(MethodTotal, value, meta, FormatTotal)
}

func (f *Formatter) cached(method Method, value *float64, meta *SymbolPrecision, fn func(*float64, *SymbolPrecision) string) string {
	if value == nil {
		return fn(value, meta)
	}
	if cached, ok := f.cache.Get(method, meta, *value); ok {
		return cached
	}
	result := fn(value, meta)
	f.cache.Set(method, meta, *value, result)
	return result
}
