package batch_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderfox/marketfeed/internal/batch"
)

type recorder struct {
	mu    sync.Mutex
	calls [][]interface{}
}

func (r *recorder) send(_ string, updates []interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, updates)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestEnqueue_FlushesImmediatelyAtMaxBatchSize(t *testing.T) {
	r := &recorder{}
	b := batch.New(batch.Config{MaxBatchSize: 2, MaxBatchDelay: time.Hour, MaxQueueSize: 10}, r.send)

	b.Enqueue("sub1", "a")
	b.Enqueue("sub1", "b")

	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, time.Millisecond)
}

func TestEnqueue_FlushesAfterMaxBatchDelay(t *testing.T) {
	r := &recorder{}
	b := batch.New(batch.Config{MaxBatchSize: 100, MaxBatchDelay: 10 * time.Millisecond, MaxQueueSize: 10}, r.send)

	b.Enqueue("sub1", "a")

	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, time.Millisecond)
}

func TestEnqueue_OverflowDropsOldestAndCounts(t *testing.T) {
	r := &recorder{}
	b := batch.New(batch.Config{MaxBatchSize: 100, MaxBatchDelay: time.Hour, MaxQueueSize: 2}, r.send)

	b.Enqueue("sub1", "a")
	b.Enqueue("sub1", "b")
	b.Enqueue("sub1", "c")

	b.ForceFlush("sub1")
	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, int64(1), b.Stats().QueueOverflows)
}

func TestForceFlush_AllSubscribers(t *testing.T) {
	r := &recorder{}
	b := batch.New(batch.Config{MaxBatchSize: 100, MaxBatchDelay: time.Hour, MaxQueueSize: 10}, r.send)

	b.Enqueue("sub1", "a")
	b.Enqueue("sub2", "b")
	b.ForceFlush("")

	require.Eventually(t, func() bool { return r.count() == 2 }, time.Second, time.Millisecond)
}

func TestStats_TrackAveragesAndTotals(t *testing.T) {
	r := &recorder{}
	b := batch.New(batch.Config{MaxBatchSize: 1, MaxBatchDelay: time.Hour, MaxQueueSize: 10}, r.send)

	b.Enqueue("sub1", "a")
	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, time.Millisecond)

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.TotalUpdatesReceived)
	assert.Equal(t, int64(1), stats.TotalBatchesSent)
	assert.Equal(t, int64(1), stats.TotalUpdatesBatched)
}

func TestForget_StopsPendingTimer(t *testing.T) {
	r := &recorder{}
	b := batch.New(batch.Config{MaxBatchSize: 100, MaxBatchDelay: 5 * time.Millisecond, MaxQueueSize: 10}, r.send)

	b.Enqueue("sub1", "a")
	b.Forget("sub1")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, r.count())
}
