// Package monitoring runs the periodic process-health snapshot loop
// (spec's "L12 Monitoring" component): goroutine/heap/GC sampling plus
// the hub's active-book and active-connection counts, sampled on an
// interval, warned about through xlog when a threshold is crossed, and
// exposed to the /healthz handler. The request-path
// counters themselves (subscribers, deltas, batches, liquidations) are
// recorded directly by the domain packages through xmetrics.Recorder;
// this package only watches overall process health, the way the
// teacher's SystemMonitor watched CPU/memory/goroutines alongside its
// (here dropped) trading/database panels.
package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/orderfox/marketfeed/internal/xlog"
)

// Source supplies the domain-level gauges the teacher's SystemMonitor
// pulled from trading/database collectors; here it's the Hub.
type Source interface {
	ActiveBooks() int
	ActiveConnections() int
}

// AlertThresholds mirrors the teacher's AlertConfig, narrowed to the
// signals this process can actually produce without a system-metrics
// library.
type AlertThresholds struct {
	GoroutineThreshold int
	HeapBytesThreshold uint64
}

type Config struct {
	CollectionInterval time.Duration
	AlertThresholds    AlertThresholds
}

func DefaultConfig() Config {
	return Config{
		CollectionInterval: 30 * time.Second,
		AlertThresholds:    AlertThresholds{GoroutineThreshold: 10000, HeapBytesThreshold: 2 << 30},
	}
}

// Snapshot is one collection cycle's result.
type Snapshot struct {
	Timestamp         time.Time `json:"timestamp"`
	Goroutines        int       `json:"goroutines"`
	Cores             int       `json:"cores"`
	HeapBytes         uint64    `json:"heap_bytes"`
	GCCount           uint32    `json:"gc_count"`
	GCPauseMs         float64   `json:"gc_pause_ms"`
	ActiveBooks       int       `json:"active_books"`
	ActiveConnections int       `json:"active_connections"`
	Status            string    `json:"status"`
	Issues            []string  `json:"issues,omitempty"`
}

// SystemMonitor periodically samples runtime and hub gauges into a
// Snapshot, warning via xlog when a threshold is crossed.
type SystemMonitor struct {
	log    *xlog.Logger
	config Config
	source Source

	mu       sync.RWMutex
	snapshot Snapshot

	cancel context.CancelFunc
}

func NewSystemMonitor(log *xlog.Logger, config Config, source Source) *SystemMonitor {
	return &SystemMonitor{log: log, config: config, source: source}
}

// Start takes one sample, launches the collection loop in its own
// goroutine and returns; the loop ends once ctx is done or Stop is called.
func (s *SystemMonitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.collect()
	go func() {
		ticker := time.NewTicker(s.config.CollectionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.collect()
			}
		}
	}()
}

func (s *SystemMonitor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *SystemMonitor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

func (s *SystemMonitor) collect() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	snap := Snapshot{
		Timestamp:  time.Now(),
		Goroutines: runtime.NumGoroutine(),
		Cores:      runtime.NumCPU(),
		HeapBytes:  mem.HeapAlloc,
		GCCount:    mem.NumGC,
		GCPauseMs:  float64(mem.PauseNs[(mem.NumGC+255)%256]) / 1e6,
		Status:     "healthy",
	}
	if s.source != nil {
		snap.ActiveBooks = s.source.ActiveBooks()
		snap.ActiveConnections = s.source.ActiveConnections()
	}

	if snap.Goroutines > s.config.AlertThresholds.GoroutineThreshold {
		snap.Issues = append(snap.Issues, "goroutine count above threshold")
		if s.log != nil {
			s.log.Warn(context.Background(), "goroutine threshold exceeded", xlog.With().Kind("goroutines"))
		}
	}
	if snap.HeapBytes > s.config.AlertThresholds.HeapBytesThreshold {
		snap.Issues = append(snap.Issues, "heap usage above threshold")
		if s.log != nil {
			s.log.Warn(context.Background(), "heap threshold exceeded", xlog.With().Kind("heap"))
		}
	}
	if len(snap.Issues) > 0 {
		snap.Status = "degraded"
	}

	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
}
