// Package batch implements the per-subscriber outbound batcher (spec
// §4.7): a FIFO queue with drop-oldest overflow, timer-based flush, and
// running batch statistics. Grounded on original_source's
// batch_update_service.py (BatchStats fields, running-average formulas,
// drop-oldest-on-overflow).
package batch

import (
	"sync"
	"time"
)

// SendFunc delivers a batch of updates to one subscriber. Failures are
// logged by the caller of Batcher, never retried — batched payloads are
// idempotent snapshots/deltas the next flush will supersede (spec §4.7).
type SendFunc func(subscriberID string, updates []interface{})

// Stats mirrors the Python original's BatchStats dataclass (spec
// "Supplemented features" #4).
type Stats struct {
	TotalUpdatesReceived int64
	TotalBatchesSent     int64
	TotalUpdatesBatched  int64
	AvgBatchSize         float64
	AvgBatchDelayMs      float64
	QueueOverflows       int64
}

type subscriberQueue struct {
	mu       sync.Mutex
	items    []interface{}
	timer    *time.Timer
	lastFlush time.Time
}

// Batcher coalesces outbound updates per subscriber before invoking Send.
type Batcher struct {
	mu sync.Mutex

	maxBatchSize  int
	maxBatchDelay time.Duration
	maxQueueSize  int

	send SendFunc

	queues map[string]*subscriberQueue

	statsMu sync.Mutex
	stats   Stats
}

// Config configures a Batcher. Zero MaxBatchDelay falls back to the
// spec's 100ms default.
type Config struct {
	MaxBatchSize  int
	MaxBatchDelay time.Duration
	MaxQueueSize  int
}

// New builds a Batcher that invokes send on each flush.
func New(cfg Config, send SendFunc) *Batcher {
	delay := cfg.MaxBatchDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return &Batcher{
		maxBatchSize:  cfg.MaxBatchSize,
		maxBatchDelay: delay,
		maxQueueSize:  cfg.MaxQueueSize,
		send:          send,
		queues:        make(map[string]*subscriberQueue),
	}
}

func (b *Batcher) queueFor(subscriberID string) *subscriberQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[subscriberID]
	if !ok {
		q = &subscriberQueue{}
		b.queues[subscriberID] = q
	}
	return q
}

// Enqueue adds an update to subscriberID's queue, dropping the oldest
// entry and counting an overflow if the queue is already at capacity,
// then (re)schedules the flush timer: immediate if the queue has reached
// max_batch_size, otherwise max_batch_delay out (spec §4.7).
func (b *Batcher) Enqueue(subscriberID string, update interface{}) {
	q := b.queueFor(subscriberID)

	q.mu.Lock()
	if b.maxQueueSize > 0 && len(q.items) >= b.maxQueueSize {
		q.items = q.items[1:]
		b.statsMu.Lock()
		b.stats.QueueOverflows++
		b.statsMu.Unlock()
	}
	q.items = append(q.items, update)
	size := len(q.items)

	if q.timer != nil {
		q.timer.Stop()
	}
	if size >= b.maxBatchSize {
		q.timer = time.AfterFunc(0, func() { b.flush(subscriberID) })
	} else {
		q.timer = time.AfterFunc(b.maxBatchDelay, func() { b.flush(subscriberID) })
	}
	q.mu.Unlock()

	b.statsMu.Lock()
	b.stats.TotalUpdatesReceived++
	b.statsMu.Unlock()
}

func (b *Batcher) flush(subscriberID string) {
	q := b.queueFor(subscriberID)

	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	n := b.maxBatchSize
	if n <= 0 || n > len(q.items) {
		n = len(q.items)
	}
	batch := q.items[:n]
	q.items = q.items[n:]

	delayMs := float64(0)
	if !q.lastFlush.IsZero() {
		delayMs = float64(time.Since(q.lastFlush).Milliseconds())
	}
	q.lastFlush = time.Now()
	remaining := len(q.items)
	if remaining > 0 {
		q.timer = time.AfterFunc(b.maxBatchDelay, func() { b.flush(subscriberID) })
	}
	q.mu.Unlock()

	b.recordFlush(len(batch), delayMs)

	func() {
		defer func() { _ = recover() }()
		b.send(subscriberID, batch)
	}()
}

func (b *Batcher) recordFlush(batchSize int, delayMs float64) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	b.stats.TotalBatchesSent++
	b.stats.TotalUpdatesBatched += int64(batchSize)

	total := b.stats.TotalBatchesSent
	b.stats.AvgBatchSize = (b.stats.AvgBatchSize*float64(total-1) + float64(batchSize)) / float64(total)
	b.stats.AvgBatchDelayMs = (b.stats.AvgBatchDelayMs*float64(total-1) + delayMs) / float64(total)
}

// ForceFlush immediately flushes subscriberID's queue, or every queue if
// subscriberID is empty (spec §4.7 force_flush).
func (b *Batcher) ForceFlush(subscriberID string) {
	if subscriberID != "" {
		b.flush(subscriberID)
		return
	}
	b.mu.Lock()
	ids := make([]string, 0, len(b.queues))
	for id := range b.queues {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.flush(id)
	}
}

// Forget drops subscriberID's queue entirely, e.g. on disconnect.
func (b *Batcher) Forget(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[subscriberID]; ok {
		q.mu.Lock()
		if q.timer != nil {
			q.timer.Stop()
		}
		q.mu.Unlock()
		delete(b.queues, subscriberID)
	}
}

// Stats returns a point-in-time snapshot of batcher statistics.
func (b *Batcher) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}
