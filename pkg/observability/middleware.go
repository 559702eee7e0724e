package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ObservabilityMiddleware instruments the process HTTP surface (health,
// metrics, liquidation history backfill) with tracing, metrics and logging.
// The subscriber WebSocket upgrade path is instrumented separately by the
// Connection Hub since it isn't a request/response cycle.
type ObservabilityMiddleware struct {
	tracer         trace.Tracer
	metrics        *MetricsProvider
	logger         *Logger
	performanceLog *PerformanceLogger
	serviceName    string
	slowThreshold  time.Duration
}

// MiddlewareConfig contains configuration for observability middleware.
type MiddlewareConfig struct {
	ServiceName   string
	SlowThreshold time.Duration
}

// NewObservabilityMiddleware creates a new observability middleware.
func NewObservabilityMiddleware(metrics *MetricsProvider, logger *Logger, cfg MiddlewareConfig) *ObservabilityMiddleware {
	slowThreshold := cfg.SlowThreshold
	if slowThreshold == 0 {
		slowThreshold = 1 * time.Second
	}

	return &ObservabilityMiddleware{
		tracer:         otel.Tracer(cfg.ServiceName),
		metrics:        metrics,
		logger:         logger,
		performanceLog: NewPerformanceLogger(logger),
		serviceName:    cfg.ServiceName,
		slowThreshold:  slowThreshold,
	}
}

// HTTPMiddleware returns a standard net/http middleware for observability,
// suitable for wrapping a gorilla/mux router.
func (om *ObservabilityMiddleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := uuid.New().String()
		w.Header().Set("X-Request-ID", requestID)

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		spanName := fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		ctx, span := om.tracer.Start(ctx, spanName)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
			attribute.String("http.user_agent", r.UserAgent()),
			attribute.String("http.remote_addr", r.RemoteAddr),
			attribute.String("request.id", requestID),
			attribute.String("service.name", om.serviceName),
		)

		rw := &responseWriter{ResponseWriter: w, statusCode: 200}
		r = r.WithContext(ctx)

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		statusCode := rw.statusCode

		span.SetAttributes(
			attribute.Int("http.status_code", statusCode),
			attribute.Int64("http.response_size", int64(rw.size)),
			attribute.Float64("http.duration_ms", float64(duration.Nanoseconds())/1e6),
		)

		if statusCode >= 500 {
			span.SetAttributes(attribute.Bool("error", true))
			span.RecordError(fmt.Errorf("HTTP %d", statusCode))
		}

		if om.metrics != nil {
			om.metrics.RecordHTTPRequest(ctx, r.Method, r.URL.Path, strconv.Itoa(statusCode), duration)
		}

		logFields := map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status_code": statusCode,
			"duration_ms": duration.Milliseconds(),
			"request_id":  requestID,
			"remote_addr": r.RemoteAddr,
		}

		if statusCode >= 400 {
			om.logger.Warn(ctx, "HTTP request completed with error", logFields)
		} else {
			om.logger.Info(ctx, "HTTP request completed", logFields)
		}

		if duration > om.slowThreshold {
			om.performanceLog.LogSlowOperation(ctx, spanName, duration, om.slowThreshold, logFields)
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(data)
	rw.size += size
	return size, err
}
