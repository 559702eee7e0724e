// Command marketfeed-server is the market-data fan-out process: it
// wires the Order-Book Manager, Delta Engine, Batcher, Upstream Stream
// Manager, Liquidation Aggregator, Symbol Service, and Connection Hub
// together behind an HTTP/WebSocket surface. Grounded on the teacher's
// cmd/main.go construct-then-Start-then-wait-for-signal shape.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/orderfox/marketfeed/api"
	"github.com/orderfox/marketfeed/internal/batch"
	"github.com/orderfox/marketfeed/internal/config"
	"github.com/orderfox/marketfeed/internal/delta"
	"github.com/orderfox/marketfeed/internal/format"
	"github.com/orderfox/marketfeed/internal/hub"
	"github.com/orderfox/marketfeed/internal/liquidation"
	"github.com/orderfox/marketfeed/internal/manager"
	"github.com/orderfox/marketfeed/internal/monitoring"
	"github.com/orderfox/marketfeed/internal/obtypes"
	"github.com/orderfox/marketfeed/internal/symbol"
	"github.com/orderfox/marketfeed/internal/upstream"
	"github.com/orderfox/marketfeed/internal/xlog"
	"github.com/orderfox/marketfeed/internal/xmetrics"
	"github.com/orderfox/marketfeed/pkg/observability"
)

// hubSink breaks the Connection Hub <-> Upstream Stream Manager
// constructor cycle noted in spec §9: upstream.New needs a
// BookUpdateSink before the real *hub.Hub exists, so this forwards to
// whatever Hub is assigned right after it's built.
type hubSink struct {
	hub *hub.Hub
}

func (s *hubSink) ApplySnapshot(symbol string, snap obtypes.Snapshot) {
	if s.hub != nil {
		s.hub.ApplySnapshot(symbol, snap)
	}
}

func (s *hubSink) ApplyDelta(symbol string, bids, asks []obtypes.Level, timestampMs int64) {
	if s.hub != nil {
		s.hub.ApplyDelta(symbol, bids, asks, timestampMs)
	}
}

// batchSink defers the Batcher's send callback to the Hub the same way
// hubSink defers BookUpdateSink, since the Batcher must be built before
// the Hub exists to receive it.
type batchSink struct {
	hub *hub.Hub
}

func (b *batchSink) send(subscriberID string, updates []interface{}) {
	if b.hub != nil {
		b.hub.SendBatch(subscriberID, updates)
	}
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	obsLogger := observability.NewLogger(cfg.Observability)
	logger := xlog.New(obsLogger)
	auditLogger := observability.NewAuditLogger(obsLogger)
	logger.Info(ctx, "starting market-data fan-out service", xlog.With())
	auditLogger.LogSystemEvent(ctx, "startup", "marketfeed-server")

	metricsProvider, err := observability.NewMetricsProvider(observability.MetricsConfig{
		ServiceName: cfg.Observability.ServiceName,
		Namespace:   "marketfeed",
		Port:        cfg.Server.MetricsPort,
		Enabled:     true,
	})
	if err != nil {
		log.Fatalf("failed to init metrics provider: %v", err)
	}
	var metrics xmetrics.Recorder = metricsProvider
	go func() {
		if err := metricsProvider.StartMetricsServer(cfg.Server.MetricsPort); err != nil {
			logger.Warn(ctx, "metrics server stopped", xlog.With().Kind("metrics"))
		}
	}()

	tracingProvider, err := observability.NewTracingProvider(cfg.Observability)
	if err != nil {
		logger.Warn(ctx, "tracing disabled: failed to init Jaeger exporter", xlog.With().Kind("tracing"))
	}

	mgr := manager.New(manager.Config{
		MaxBooks:          cfg.OrderBook.MaxBooks,
		CleanupThreshold:  cfg.OrderBook.CleanupThreshold,
		PersistentMode:    cfg.OrderBook.PersistentMode,
		CacheMaxSize:      cfg.Cache.MaxSize,
		CacheTTL:          cfg.Cache.TTL,
		ServiceCacheLimit: cfg.Cache.ServiceCacheLimit,
	})
	deltaEngine := delta.New(cfg.Delta.FullSnapshotInterval, cfg.Delta.StaleConnectionAge)

	formatCache := format.NewCache(cfg.Cache.FormatterEnabled, cfg.Cache.FormatterTTL, cfg.Cache.FormatterMaxSize)
	formatter := format.New(formatCache)

	symbols := symbol.New(cfg.Upstream.RESTBaseURL)
	if err := symbols.Refresh(ctx); err != nil {
		logger.Warn(ctx, "symbol service refresh failed, using fallback table", xlog.With().Kind("symbol_refresh"))
	}

	sink := &hubSink{}
	driver := upstream.NewBinanceDriver(cfg.Upstream.WSBaseURL, cfg.Upstream.RESTBaseURL)
	upstreamMgr := upstream.New(driver, sink, depthCacheSymbols(), logger, metrics)

	liqSource := liquidation.NewBinanceSource(cfg.Upstream.WSBaseURL)
	liqAgg := liquidation.New(liqSource, formatter, logger, metrics)
	historyClient := liquidation.NewHistoryClient(cfg.Upstream.HistoryURL)

	bSink := &batchSink{}
	batcher := batch.New(batch.Config{
		MaxBatchSize:  cfg.Batcher.MaxBatchSize,
		MaxBatchDelay: cfg.Batcher.MaxBatchDelay,
		MaxQueueSize:  cfg.Batcher.MaxQueueSize,
	}, bSink.send)

	h := hub.New(mgr, deltaEngine, batcher, upstreamMgr, liqAgg, symbols, formatter, logger, metrics)
	sink.hub = h
	bSink.hub = h

	sysMonitor := monitoring.NewSystemMonitor(logger, monitoring.DefaultConfig(), h)
	sysMonitor.Start(ctx)

	healthChecker := observability.NewHealthChecker(obsLogger)
	healthChecker.RegisterCheck("upstream", func(ctx context.Context) observability.HealthCheckResult {
		start := time.Now()
		if err := driver.FetchStatus(ctx); err != nil {
			return observability.HealthCheckResult{Status: observability.HealthStatusUnhealthy, Message: err.Error(), Duration: time.Since(start), Timestamp: time.Now()}
		}
		return observability.HealthCheckResult{Status: observability.HealthStatusHealthy, Duration: time.Since(start), Timestamp: time.Now()}
	})
	healthSrv := observability.NewHealthServer(healthChecker, observability.ServiceInfo{
		Name:        cfg.Observability.ServiceName,
		Version:     "1.0.0",
		Environment: "production",
	}, obsLogger)

	obsMiddleware := observability.NewObservabilityMiddleware(metricsProvider, obsLogger, observability.MiddlewareConfig{
		ServiceName: cfg.Observability.ServiceName,
	})

	server := api.NewServer(logger, api.Config{
		Host:         cfg.Server.Host,
		Port:         mustAtoi(cfg.Server.Port, 8080),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		EnableCORS:   true,
	}, h, historyClient, healthSrv, sysMonitor, obsMiddleware)

	if err := server.Start(ctx); err != nil {
		log.Fatalf("failed to start HTTP server: %v", err)
	}

	logger.Info(ctx, "market-data fan-out service started", xlog.With())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info(ctx, "shutting down", xlog.With())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sysMonitor.Stop()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "failed to stop HTTP server", err, xlog.With())
	}
	if err := metricsProvider.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "failed to stop metrics provider", err, xlog.With())
	}
	if tracingProvider != nil {
		if err := tracingProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error(shutdownCtx, "failed to stop tracing provider", err, xlog.With())
		}
	}

	auditLogger.LogSystemEvent(shutdownCtx, "shutdown", "marketfeed-server")
	logger.Info(ctx, "shutdown complete", xlog.With())
}

// depthCacheSymbols lists the symbols the Upstream Stream Manager
// should prefer the exchange's maintained depth cache for (spec §4.9
// source-selection order) rather than a raw push subscription.
func depthCacheSymbols() []string {
	return []string{"BTCUSDT", "ETHUSDT"}
}

func mustAtoi(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n == 0 {
		return fallback
	}
	return n
}
