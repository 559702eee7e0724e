// Package manager implements the Order-Book Manager (spec §4.5): the
// single owner of per-symbol order books and subscriber-session
// parameters. Grounded on original_source's orderbook_manager.py
// (singleton registry, symbol->subscriber index, cleanup-never-touches-
// subscribed-books rule, (bid+ask)*32 memory estimate) re-expressed as
// an explicit service value rather than a module-level singleton, per
// the re-expression notes in spec §9.
package manager

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orderfox/marketfeed/internal/aggregation"
	"github.com/orderfox/marketfeed/internal/obtypes"
	"github.com/orderfox/marketfeed/internal/orderbook"
)

// session is the manager's record of one subscriber's aggregation
// parameters (spec §3 "Subscriber Session" subset owned here).
type session struct {
	connectionID string
	symbol       string
	params       obtypes.SessionParams
	updatedAt    time.Time
}

// Stats summarizes manager state (spec §4.5 "stats()").
type Stats struct {
	BookCount        int
	SessionCount     int
	EstimatedMemoryB int64
	Cache            aggregation.CacheStats
}

// Manager owns every in-memory order book plus the subscriber-session
// parameters that drive aggregation for each one.
type Manager struct {
	mu sync.Mutex

	maxBooks         int
	cleanupThreshold float64
	persistentMode   bool

	books          map[string]*orderbook.Book
	subscribersBy  map[string]map[string]struct{} // symbol -> set of connectionID
	sessions       map[string]*session             // connectionID -> session
	symbolMeta     map[string]obtypes.SymbolMeta

	cache *aggregation.Cache

	// serviceCache is the second, lower cache keyed by
	// (symbol,depth,rounding,floor(timestamp)seconds) (spec §4.3).
	serviceCache    map[string]serviceCacheEntry
	serviceCacheCap int
}

type serviceCacheEntry struct {
	book     obtypes.AggregatedBook
	storedAt time.Time
}

// Config configures a new Manager.
type Config struct {
	MaxBooks          int
	CleanupThreshold  float64
	PersistentMode    bool
	CacheMaxSize      int
	CacheTTL          time.Duration
	ServiceCacheLimit int
}

// New builds an Order-Book Manager.
func New(cfg Config) *Manager {
	return &Manager{
		maxBooks:         cfg.MaxBooks,
		cleanupThreshold: cfg.CleanupThreshold,
		persistentMode:   cfg.PersistentMode,
		books:            make(map[string]*orderbook.Book),
		subscribersBy:    make(map[string]map[string]struct{}),
		sessions:         make(map[string]*session),
		symbolMeta:       make(map[string]obtypes.SymbolMeta),
		cache:            aggregation.NewCache(cfg.CacheMaxSize, cfg.CacheTTL),
		serviceCache:     make(map[string]serviceCacheEntry),
		serviceCacheCap:  cfg.ServiceCacheLimit,
	}
}

// Register creates the book for symbol if absent, records connectionID's
// session parameters, and indexes the subscription. If the current book
// count (before any book is added for symbol) exceeds
// cleanup_threshold*max_books, a cleanup pass runs first. A newly created
// book gets a background Cache.Warm pass; the second result reports
// whether the book was newly created (spec §4.5 register).
func (m *Manager) Register(connectionID, symbol string, params obtypes.SessionParams) (book *orderbook.Book, warmed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if float64(len(m.books)) > m.cleanupThreshold*float64(m.maxBooks) {
		m.cleanupLocked()
	}

	book, exists := m.books[symbol]
	if !exists {
		book = orderbook.New(symbol)
		m.books[symbol] = book
		var metaPtr *obtypes.SymbolMeta
		if meta, ok := m.symbolMeta[symbol]; ok {
			metaPtr = &meta
		}
		go m.cache.Warm(book, obtypes.SourcePush, metaPtr)
	}

	if m.subscribersBy[symbol] == nil {
		m.subscribersBy[symbol] = make(map[string]struct{})
	}
	m.subscribersBy[symbol][connectionID] = struct{}{}

	m.sessions[connectionID] = &session{
		connectionID: connectionID,
		symbol:       symbol,
		params:       params,
		updatedAt:    time.Now(),
	}

	return book, !exists
}

// Unregister removes connectionID's session; if its symbol now has no
// subscribers and persistent mode is off, the book and its aggregation
// cache entries are destroyed (spec §4.5 unregister).
func (m *Manager) Unregister(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[connectionID]
	if !ok {
		return
	}
	delete(m.sessions, connectionID)

	subs := m.subscribersBy[sess.symbol]
	if subs != nil {
		delete(subs, connectionID)
	}

	if len(subs) == 0 && !m.persistentMode {
		delete(m.books, sess.symbol)
		delete(m.subscribersBy, sess.symbol)
		m.cache.InvalidateSymbol(sess.symbol)
		m.invalidateServiceCacheLocked(sess.symbol)
	}
}

// UpdateParams partially updates connectionID's aggregation parameters.
func (m *Manager) UpdateParams(connectionID string, depth *int, rounding *float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[connectionID]
	if !ok {
		return false
	}
	if depth != nil {
		sess.params.Depth = obtypes.ClampDepth(*depth)
	}
	if rounding != nil {
		sess.params.Rounding = obtypes.ClampRounding(*rounding)
	}
	sess.updatedAt = time.Now()
	return true
}

// UpdateSymbolData records Symbol Service metadata for symbol, consumed
// by GetAggregated when formatting levels (spec §4.5 get_aggregated).
func (m *Manager) UpdateSymbolData(symbol string, meta obtypes.SymbolMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbolMeta[symbol] = meta
}

// GetAggregated looks up connectionID's session and book, then returns
// the aggregated view using the service-layer second cache to collapse
// sub-second repeated queries (spec §4.5 get_aggregated, §4.3 second
// cache).
func (m *Manager) GetAggregated(connectionID string) (obtypes.AggregatedBook, bool) {
	m.mu.Lock()
	sess, ok := m.sessions[connectionID]
	if !ok {
		m.mu.Unlock()
		return obtypes.AggregatedBook{}, false
	}
	book, ok := m.books[sess.symbol]
	if !ok {
		m.mu.Unlock()
		return obtypes.AggregatedBook{}, false
	}
	params := sess.params
	meta, hasMeta := m.symbolMeta[sess.symbol]
	m.mu.Unlock()

	rounding := decimal.NewFromFloat(params.Rounding)
	nowSec := time.Now().Unix()
	svcKey := serviceCacheKey(sess.symbol, params.Depth, rounding, nowSec)

	m.mu.Lock()
	if entry, ok := m.serviceCache[svcKey]; ok {
		m.mu.Unlock()
		return entry.book, true
	}
	m.mu.Unlock()

	var metaPtr *obtypes.SymbolMeta
	if hasMeta {
		metaPtr = &meta
	}

	cacheKey := aggregation.Key(sess.symbol, params.Depth, rounding, obtypes.SourcePush)
	result := m.cache.GetOrCompute(cacheKey, sess.symbol, book, func() obtypes.AggregatedBook {
		return aggregation.Aggregate(book, params.Depth, rounding, metaPtr)
	})

	m.mu.Lock()
	m.storeServiceCacheLocked(svcKey, sess.symbol, result)
	m.mu.Unlock()

	return result, true
}

func serviceCacheKey(symbol string, depth int, rounding decimal.Decimal, floorSeconds int64) string {
	return aggregation.Key(symbol, depth, rounding, obtypes.SourcePush) + ":" + decimal.NewFromInt(floorSeconds).String()
}

func (m *Manager) storeServiceCacheLocked(key, symbol string, book obtypes.AggregatedBook) {
	if m.serviceCacheCap > 0 && len(m.serviceCache) > m.serviceCacheCap {
		m.removeSingleOldestServiceCacheLocked()
	}
	m.serviceCache[key] = serviceCacheEntry{book: book, storedAt: time.Now()}
	_ = symbol
}

func (m *Manager) removeSingleOldestServiceCacheLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, v := range m.serviceCache {
		if first || v.storedAt.Before(oldestTime) {
			oldestKey, oldestTime = k, v.storedAt
			first = false
		}
	}
	if !first {
		delete(m.serviceCache, oldestKey)
	}
}

func (m *Manager) invalidateServiceCacheLocked(symbol string) {
	for k := range m.serviceCache {
		if hasSymbolPrefix(k, symbol) {
			delete(m.serviceCache, k)
		}
	}
}

func hasSymbolPrefix(key, symbol string) bool {
	n := len(symbol)
	return len(key) > n && key[:n] == symbol && key[n] == ':'
}

// SetPersistentMode toggles whether empty books survive their last
// unregister (spec §4.5 set_persistent_mode).
func (m *Manager) SetPersistentMode(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistentMode = on
}

// cleanupLocked removes every book with zero subscribers, unless
// persistent mode is on (spec §4.5 register, "run cleanup"). Caller
// must hold m.mu.
func (m *Manager) cleanupLocked() {
	if m.persistentMode {
		return
	}
	for symbol, subs := range m.subscribersBy {
		if len(subs) == 0 {
			delete(m.books, symbol)
			delete(m.subscribersBy, symbol)
			m.cache.InvalidateSymbol(symbol)
			m.invalidateServiceCacheLocked(symbol)
		}
	}
}

// Stats reports manager-wide counts, the (bid+ask)*32 memory estimate
// (spec "Supplemented features" #3, from orderbook_manager.py), and the
// underlying aggregation cache's stats.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	books := make([]*orderbook.Book, 0, len(m.books))
	for _, b := range m.books {
		books = append(books, b)
	}
	sessionCount := len(m.sessions)
	m.mu.Unlock()

	var totalLevels int64
	for _, b := range books {
		bidCount, askCount := b.LevelCounts()
		totalLevels += int64(bidCount + askCount)
	}

	return Stats{
		BookCount:        len(books),
		SessionCount:     sessionCount,
		EstimatedMemoryB: totalLevels * 32,
		Cache:            m.cache.Stats(),
	}
}

// SymbolsBySubscriberCount returns symbols sorted by descending
// subscriber count, primarily useful for operator diagnostics.
func (m *Manager) SymbolsBySubscriberCount() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	type row struct {
		symbol string
		count  int
	}
	rows := make([]row, 0, len(m.subscribersBy))
	for symbol, subs := range m.subscribersBy {
		rows = append(rows, row{symbol, len(subs)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].count > rows[j].count })

	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.symbol
	}
	return out
}
