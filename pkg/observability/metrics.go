package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MetricsProvider manages OpenTelemetry metrics and Prometheus integration
// for the market-data fan-out pipeline.
type MetricsProvider struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	registry      *prometheus.Registry

	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	subscribersActive    metric.Int64UpDownCounter
	booksActive          metric.Int64UpDownCounter
	upstreamReconnects   metric.Int64Counter
	upstreamErrors       metric.Int64Counter
	aggregationsTotal    metric.Int64Counter
	aggregationDuration  metric.Float64Histogram
	cacheHitsTotal       metric.Int64Counter
	cacheMissesTotal     metric.Int64Counter
	deltasEmittedTotal   metric.Int64Counter
	fullSnapshotsTotal   metric.Int64Counter
	batchFlushesTotal    metric.Int64Counter
	batchQueueOverflows  metric.Int64Counter
	liquidationsTotal    metric.Int64Counter
	serializeDuration    metric.Float64Histogram
	systemResourceUsage  metric.Float64Gauge
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	ServiceName    string
	ServiceVersion string
	Namespace      string
	Port           int
	Enabled        bool
}

// NewMetricsProvider creates a new metrics provider
func NewMetricsProvider(cfg MetricsConfig) (*MetricsProvider, error) {
	if !cfg.Enabled {
		return &MetricsProvider{}, nil
	}

	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithNamespace(cfg.Namespace),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)

	meter := meterProvider.Meter(cfg.ServiceName)

	mp := &MetricsProvider{
		meterProvider: meterProvider,
		meter:         meter,
		registry:      registry,
	}

	if err := mp.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return mp, nil
}

func (mp *MetricsProvider) initializeMetrics() error {
	var err error

	if mp.httpRequestsTotal, err = mp.meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("http_requests_total: %w", err)
	}
	if mp.httpRequestDuration, err = mp.meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5)); err != nil {
		return fmt.Errorf("http_request_duration_seconds: %w", err)
	}
	if mp.subscribersActive, err = mp.meter.Int64UpDownCounter("subscribers_active",
		metric.WithDescription("Number of currently connected subscriber sessions"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("subscribers_active: %w", err)
	}
	if mp.booksActive, err = mp.meter.Int64UpDownCounter("orderbooks_active",
		metric.WithDescription("Number of order books currently held in memory"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("orderbooks_active: %w", err)
	}
	if mp.upstreamReconnects, err = mp.meter.Int64Counter("upstream_reconnects_total",
		metric.WithDescription("Total upstream stream reconnect attempts"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("upstream_reconnects_total: %w", err)
	}
	if mp.upstreamErrors, err = mp.meter.Int64Counter("upstream_errors_total",
		metric.WithDescription("Total upstream stream errors"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("upstream_errors_total: %w", err)
	}
	if mp.aggregationsTotal, err = mp.meter.Int64Counter("aggregations_total",
		metric.WithDescription("Total order book aggregation computations"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("aggregations_total: %w", err)
	}
	if mp.aggregationDuration, err = mp.meter.Float64Histogram("aggregation_duration_seconds",
		metric.WithDescription("Aggregation computation duration"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5)); err != nil {
		return fmt.Errorf("aggregation_duration_seconds: %w", err)
	}
	if mp.cacheHitsTotal, err = mp.meter.Int64Counter("aggregation_cache_hits_total",
		metric.WithDescription("Aggregation cache hits"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("aggregation_cache_hits_total: %w", err)
	}
	if mp.cacheMissesTotal, err = mp.meter.Int64Counter("aggregation_cache_misses_total",
		metric.WithDescription("Aggregation cache misses"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("aggregation_cache_misses_total: %w", err)
	}
	if mp.deltasEmittedTotal, err = mp.meter.Int64Counter("deltas_emitted_total",
		metric.WithDescription("Delta updates emitted to subscribers"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("deltas_emitted_total: %w", err)
	}
	if mp.fullSnapshotsTotal, err = mp.meter.Int64Counter("full_snapshots_emitted_total",
		metric.WithDescription("Full-snapshot deltas emitted to subscribers"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("full_snapshots_emitted_total: %w", err)
	}
	if mp.batchFlushesTotal, err = mp.meter.Int64Counter("batch_flushes_total",
		metric.WithDescription("Batcher flush events"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("batch_flushes_total: %w", err)
	}
	if mp.batchQueueOverflows, err = mp.meter.Int64Counter("batch_queue_overflows_total",
		metric.WithDescription("Batcher queue overflow (drop-oldest) events"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("batch_queue_overflows_total: %w", err)
	}
	if mp.liquidationsTotal, err = mp.meter.Int64Counter("liquidation_events_total",
		metric.WithDescription("Forced-liquidation events processed"), metric.WithUnit("1")); err != nil {
		return fmt.Errorf("liquidation_events_total: %w", err)
	}
	if mp.serializeDuration, err = mp.meter.Float64Histogram("serialize_duration_seconds",
		metric.WithDescription("Wire message serialization duration"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01)); err != nil {
		return fmt.Errorf("serialize_duration_seconds: %w", err)
	}
	if mp.systemResourceUsage, err = mp.meter.Float64Gauge("system_resource_usage",
		metric.WithDescription("System resource usage percentage"), metric.WithUnit("%")); err != nil {
		return fmt.Errorf("system_resource_usage: %w", err)
	}

	return nil
}

// RecordHTTPRequest records an HTTP request metric.
func (mp *MetricsProvider) RecordHTTPRequest(ctx context.Context, method, path, status string, duration time.Duration) {
	if mp.httpRequestsTotal == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	}
	mp.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mp.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// IncrementSubscribers increments the active subscriber session count.
func (mp *MetricsProvider) IncrementSubscribers(ctx context.Context, streamType string) {
	if mp.subscribersActive == nil {
		return
	}
	mp.subscribersActive.Add(ctx, 1, metric.WithAttributes(attribute.String("stream_type", streamType)))
}

// DecrementSubscribers decrements the active subscriber session count.
func (mp *MetricsProvider) DecrementSubscribers(ctx context.Context, streamType string) {
	if mp.subscribersActive == nil {
		return
	}
	mp.subscribersActive.Add(ctx, -1, metric.WithAttributes(attribute.String("stream_type", streamType)))
}

// SetBooksActive records the current number of in-memory order books.
func (mp *MetricsProvider) SetBooksActive(ctx context.Context, delta int64) {
	if mp.booksActive == nil {
		return
	}
	mp.booksActive.Add(ctx, delta)
}

// RecordUpstreamReconnect records an upstream stream reconnect attempt.
func (mp *MetricsProvider) RecordUpstreamReconnect(ctx context.Context, streamKey string) {
	if mp.upstreamReconnects == nil {
		return
	}
	mp.upstreamReconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("stream_key", streamKey)))
}

// RecordUpstreamError records an upstream stream error.
func (mp *MetricsProvider) RecordUpstreamError(ctx context.Context, streamKey, kind string) {
	if mp.upstreamErrors == nil {
		return
	}
	mp.upstreamErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream_key", streamKey),
		attribute.String("kind", kind),
	))
}

// RecordAggregation records one aggregation computation.
func (mp *MetricsProvider) RecordAggregation(ctx context.Context, symbol string, duration time.Duration) {
	if mp.aggregationsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("symbol", symbol))
	mp.aggregationsTotal.Add(ctx, 1, attrs)
	mp.aggregationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCacheHit/RecordCacheMiss record aggregation cache outcomes.
func (mp *MetricsProvider) RecordCacheHit(ctx context.Context) {
	if mp.cacheHitsTotal != nil {
		mp.cacheHitsTotal.Add(ctx, 1)
	}
}

func (mp *MetricsProvider) RecordCacheMiss(ctx context.Context) {
	if mp.cacheMissesTotal != nil {
		mp.cacheMissesTotal.Add(ctx, 1)
	}
}

// RecordDelta records a delta (or full snapshot) emission.
func (mp *MetricsProvider) RecordDelta(ctx context.Context, fullSnapshot bool) {
	if fullSnapshot {
		if mp.fullSnapshotsTotal != nil {
			mp.fullSnapshotsTotal.Add(ctx, 1)
		}
		return
	}
	if mp.deltasEmittedTotal != nil {
		mp.deltasEmittedTotal.Add(ctx, 1)
	}
}

// RecordBatchFlush records a batcher flush event.
func (mp *MetricsProvider) RecordBatchFlush(ctx context.Context, size int) {
	if mp.batchFlushesTotal == nil {
		return
	}
	mp.batchFlushesTotal.Add(ctx, 1)
}

// RecordBatchOverflow records a batcher queue overflow.
func (mp *MetricsProvider) RecordBatchOverflow(ctx context.Context) {
	if mp.batchQueueOverflows != nil {
		mp.batchQueueOverflows.Add(ctx, 1)
	}
}

// RecordLiquidation records a processed forced-liquidation event.
func (mp *MetricsProvider) RecordLiquidation(ctx context.Context, symbol, side string) {
	if mp.liquidationsTotal == nil {
		return
	}
	mp.liquidationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("side", side),
	))
}

// RecordSerializeDuration records how long a serialize/deserialize call took.
func (mp *MetricsProvider) RecordSerializeDuration(ctx context.Context, format, compression string, duration time.Duration) {
	if mp.serializeDuration == nil {
		return
	}
	mp.serializeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("format", format),
		attribute.String("compression", compression),
	))
}

// UpdateSystemResourceUsage updates system resource usage.
func (mp *MetricsProvider) UpdateSystemResourceUsage(ctx context.Context, resourceType string, usage float64) {
	if mp.systemResourceUsage == nil {
		return
	}
	mp.systemResourceUsage.Record(ctx, usage, metric.WithAttributes(attribute.String("resource", resourceType)))
}

// StartMetricsServer starts the Prometheus metrics HTTP server.
func (mp *MetricsProvider) StartMetricsServer(port int) error {
	if mp.registry == nil {
		return fmt.Errorf("metrics not enabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mp.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	return server.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics provider.
func (mp *MetricsProvider) Shutdown(ctx context.Context) error {
	if mp.meterProvider == nil {
		return nil
	}
	return mp.meterProvider.Shutdown(ctx)
}
