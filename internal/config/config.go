package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the market-data fan-out service.
type Config struct {
	Server        ServerConfig
	Upstream      UpstreamConfig
	OrderBook     OrderBookConfig
	Cache         CacheConfig
	Batcher       BatcherConfig
	Delta         DeltaConfig
	Serializer    SerializerConfig
	Liquidation   LiquidationConfig
	Observability ObservabilityConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MetricsPort  int
}

// UpstreamConfig configures the exchange WebSocket/REST driver consumed by
// the Upstream Stream Manager (spec §6, "Upstream (exchange) interfaces").
type UpstreamConfig struct {
	WSBaseURL       string
	RESTBaseURL     string
	HistoryURL      string
	UseDepthCache   bool
	StatusTimeout   time.Duration
	HistoryTimeout  time.Duration
	ProbeRetryDelay time.Duration
}

// OrderBookConfig configures the Order-Book Manager (spec §4.5, §6).
type OrderBookConfig struct {
	MaxBooks         int
	CleanupThreshold float64
	PersistentMode   bool
}

// CacheConfig configures the Aggregation Cache (spec §4.3) and Formatter
// cache (spec §4.4).
type CacheConfig struct {
	MaxSize           int
	TTL               time.Duration
	FormatterMaxSize  int
	FormatterTTL      time.Duration
	FormatterEnabled  bool
	ServiceCacheLimit int
}

// BatcherConfig configures the Batcher (spec §4.7).
type BatcherConfig struct {
	MaxBatchSize   int
	MaxBatchDelay  time.Duration
	MinBatchDelay  time.Duration
	MaxQueueSize   int
}

// DeltaConfig configures the Delta Engine (spec §4.6).
type DeltaConfig struct {
	FullSnapshotInterval time.Duration
	StaleConnectionAge   time.Duration
}

// SerializerConfig configures the Serializer (spec §4.8).
type SerializerConfig struct {
	PreferredFormat      string
	PreferredCompression string
	AutoSelect           bool
	BenchmarkIterations  int
}

// LiquidationConfig configures the Liquidation Aggregator (spec §4.10).
type LiquidationConfig struct {
	HistoryTimeout  time.Duration
	HistoryCacheTTL time.Duration
	HistoryLimit    int
}

type ObservabilityConfig struct {
	JaegerEndpoint string
	ServiceName    string
	LogLevel       string
	LogFormat      string
}

// Load loads configuration from environment variables. The string
// settings (read through viperEnv) may also come from a config file
// (YAML/JSON/TOML) discovered by viper, with env vars winning over file
// values, matching the teacher's env-first convention. Numeric, boolean
// and duration settings are read from the environment only and otherwise
// take their defaults; the file does not set them.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("marketfeed")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/marketfeed")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         viperEnv(v, "PORT", "8080"),
			Host:         viperEnv(v, "HOST", "0.0.0.0"),
			ReadTimeout:  getDurationEnv("READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getDurationEnv("IDLE_TIMEOUT", 60*time.Second),
			MetricsPort:  getIntEnv("METRICS_PORT", 9090),
		},
		Upstream: UpstreamConfig{
			WSBaseURL:       viperEnv(v, "UPSTREAM_WS_BASE_URL", "wss://stream.binance.com:9443"),
			RESTBaseURL:     viperEnv(v, "UPSTREAM_REST_BASE_URL", "https://api.binance.com"),
			HistoryURL:      viperEnv(v, "UPSTREAM_HISTORY_URL", ""),
			UseDepthCache:   getBoolEnv("UPSTREAM_USE_DEPTH_CACHE", true),
			StatusTimeout:   getDurationEnv("UPSTREAM_STATUS_TIMEOUT", 15*time.Second),
			HistoryTimeout:  getDurationEnv("UPSTREAM_HISTORY_TIMEOUT", 120*time.Second),
			ProbeRetryDelay: getDurationEnv("UPSTREAM_PROBE_RETRY_DELAY", time.Second),
		},
		OrderBook: OrderBookConfig{
			MaxBooks:         getIntEnv("MAX_BOOKS", 100),
			CleanupThreshold: getFloatEnv("CLEANUP_THRESHOLD", 0.8),
			PersistentMode:   getBoolEnv("PERSISTENT_MODE", false),
		},
		Cache: CacheConfig{
			MaxSize:           getIntEnv("CACHE_MAX_SIZE", 1000),
			TTL:               getDurationEnv("CACHE_TTL", time.Second),
			FormatterMaxSize:  getIntEnv("FORMATTER_CACHE_MAX_SIZE", 10000),
			FormatterTTL:      getDurationEnv("FORMATTER_CACHE_TTL", 300*time.Second),
			FormatterEnabled:  getBoolEnv("FORMATTER_CACHE_ENABLED", true),
			ServiceCacheLimit: getIntEnv("SERVICE_CACHE_LIMIT", 100),
		},
		Batcher: BatcherConfig{
			MaxBatchSize:  getIntEnv("BATCH_MAX_SIZE", 10),
			MaxBatchDelay: getDurationEnv("BATCH_MAX_DELAY", 100*time.Millisecond),
			MinBatchDelay: getDurationEnv("BATCH_MIN_DELAY", 10*time.Millisecond),
			MaxQueueSize:  getIntEnv("BATCH_MAX_QUEUE_SIZE", 100),
		},
		Delta: DeltaConfig{
			FullSnapshotInterval: getDurationEnv("DELTA_FULL_SNAPSHOT_INTERVAL", 300*time.Second),
			StaleConnectionAge:   getDurationEnv("DELTA_STALE_CONNECTION_AGE", 3600*time.Second),
		},
		Serializer: SerializerConfig{
			PreferredFormat:      viperEnv(v, "SERIALIZER_FORMAT", ""),
			PreferredCompression: viperEnv(v, "SERIALIZER_COMPRESSION", ""),
			AutoSelect:           getBoolEnv("SERIALIZER_AUTO_SELECT", true),
			BenchmarkIterations:  getIntEnv("SERIALIZER_BENCHMARK_ITERATIONS", 1000),
		},
		Liquidation: LiquidationConfig{
			HistoryTimeout:  getDurationEnv("LIQUIDATION_HISTORY_TIMEOUT", 120*time.Second),
			HistoryCacheTTL: getDurationEnv("LIQUIDATION_HISTORY_CACHE_TTL", 60*time.Second),
			HistoryLimit:    getIntEnv("LIQUIDATION_HISTORY_LIMIT", 1000),
		},
		Observability: ObservabilityConfig{
			JaegerEndpoint: viperEnv(v, "JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			ServiceName:    viperEnv(v, "OTEL_SERVICE_NAME", "marketfeed"),
			LogLevel:       viperEnv(v, "LOG_LEVEL", "info"),
			LogFormat:      viperEnv(v, "LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Upstream.WSBaseURL == "" {
		return fmt.Errorf("UPSTREAM_WS_BASE_URL is required")
	}
	if c.OrderBook.MaxBooks <= 0 {
		return fmt.Errorf("MAX_BOOKS must be positive")
	}
	if c.OrderBook.CleanupThreshold <= 0 || c.OrderBook.CleanupThreshold > 1 {
		return fmt.Errorf("CLEANUP_THRESHOLD must be in (0,1]")
	}
	return nil
}

// viperEnv prefers an explicit environment variable over the config file,
// falling back to defaultValue if neither is set.
func viperEnv(v *viper.Viper, key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if v.IsSet(strings.ToLower(key)) {
		if s := v.GetString(strings.ToLower(key)); s != "" {
			return s
		}
	}
	return defaultValue
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				result = append(result, p)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
