// Package api is the HTTP/WebSocket surface of the market-data fan-out
// service. Grounded on the teacher's api/router.go: gorilla/mux router,
// gorilla/websocket upgrader, rs/cors middleware, and an http.Server
// with explicit read/write timeouts started and stopped from main.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/orderfox/marketfeed/internal/hub"
	"github.com/orderfox/marketfeed/internal/liquidation"
	"github.com/orderfox/marketfeed/internal/monitoring"
	"github.com/orderfox/marketfeed/internal/xlog"
	"github.com/orderfox/marketfeed/pkg/observability"
)

// Config mirrors the teacher's api.Config, trimmed to what this
// service's HTTP surface actually uses.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	EnableCORS   bool
}

// Server wires the Connection Hub and Liquidation Aggregator onto HTTP
// routes: a WebSocket upgrade endpoint per stream kind, a REST
// historical-liquidations endpoint, and the health/metrics endpoints
// pkg/observability already implements.
type Server struct {
	log    *xlog.Logger
	config Config
	router *mux.Router
	server *http.Server

	hub        *hub.Hub
	history    *liquidation.HistoryClient
	healthSrv  *observability.HealthServer
	sysMonitor *monitoring.SystemMonitor
	middleware *observability.ObservabilityMiddleware

	upgrader websocket.Upgrader
}

func NewServer(log *xlog.Logger, config Config, h *hub.Hub, history *liquidation.HistoryClient, healthSrv *observability.HealthServer, sysMonitor *monitoring.SystemMonitor, middleware *observability.ObservabilityMiddleware) *Server {
	if config.Host == "" {
		config.Host = "0.0.0.0"
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 15 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 15 * time.Second
	}

	s := &Server{
		log:        log,
		config:     config,
		router:     mux.NewRouter(),
		hub:        h,
		history:    history,
		healthSrv:  healthSrv,
		sysMonitor: sysMonitor,
		middleware: middleware,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// setupRoutes registers request/response endpoints behind the
// observability middleware, and WebSocket upgrade endpoints outside
// it — wrapping an upgrade in the status-capturing responseWriter
// would hide the Hijacker the upgrade needs.
func (s *Server) setupRoutes() {
	rest := s.router.NewRoute().Subrouter()
	if s.middleware != nil {
		rest.Use(s.middleware.HTTPMiddleware)
	}
	if s.healthSrv != nil {
		s.healthSrv.RegisterRoutes(rest)
	}
	rest.HandleFunc("/healthz", s.handleProcessSnapshot).Methods("GET")
	rest.HandleFunc("/api/v1/liquidations/{symbol}", s.handleLiquidationHistory).Methods("GET")

	s.router.HandleFunc("/ws/orderbook/{symbol}", s.handleOrderBookWS).Methods("GET")
	s.router.HandleFunc("/ws/ticker/{symbol}", s.handleTickerWS).Methods("GET")
	s.router.HandleFunc("/ws/candles/{symbol}/{timeframe}", s.handleCandlesWS).Methods("GET")
	s.router.HandleFunc("/ws/liquidations/{symbol}", s.handleLiquidationsWS).Methods("GET")
}

// Start begins serving; it never blocks, matching the teacher's
// goroutine-wrapped ListenAndServe.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	var handler http.Handler = s.router
	if s.config.EnableCORS {
		handler = cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"*"},
		}).Handler(handler)
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	if s.log != nil {
		s.log.Info(ctx, "starting HTTP/WebSocket server", xlog.With().Kind("startup"))
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.log != nil {
				s.log.Error(ctx, "server error", err, xlog.With().Kind("startup"))
			}
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) handleProcessSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sysMonitor.Snapshot())
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.log != nil {
			s.log.Warn(r.Context(), "websocket upgrade failed", xlog.With().Kind("upgrade"))
		}
		return nil, false
	}
	return conn, true
}

func (s *Server) handleOrderBookWS(w http.ResponseWriter, r *http.Request) {
	symbolID := mux.Vars(r)["symbol"]
	depth, rounding := parseOrderBookQuery(r)

	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()

	connectionID := newConnectionID(r)
	_ = s.hub.ServeOrderBook(r.Context(), conn, connectionID, symbolID, depth, rounding)
}

func (s *Server) handleTickerWS(w http.ResponseWriter, r *http.Request) {
	symbolID := mux.Vars(r)["symbol"]
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()
	_ = s.hub.ServeTicker(r.Context(), conn, newConnectionID(r), symbolID)
}

func (s *Server) handleCandlesWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()
	_ = s.hub.ServeCandles(r.Context(), conn, newConnectionID(r), vars["symbol"], vars["timeframe"])
}

func (s *Server) handleLiquidationsWS(w http.ResponseWriter, r *http.Request) {
	symbolID := mux.Vars(r)["symbol"]
	timeframe := r.URL.Query().Get("timeframe")

	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()
	_ = s.hub.ServeLiquidations(r.Context(), conn, newConnectionID(r), symbolID, timeframe)
}

func (s *Server) handleLiquidationHistory(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "5m"
	}
	startMs, _ := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
	endMs, _ := strconv.ParseInt(r.URL.Query().Get("end"), 10, 64)

	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history backfill not configured"})
		return
	}

	buckets, err := s.history.FetchByTimeframe(r.Context(), symbol, timeframe, startMs, endMs)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"symbol": symbol, "timeframe": timeframe, "data": buckets})
}

func parseOrderBookQuery(r *http.Request) (depth int, rounding float64) {
	depth = 20
	rounding = 0.01
	q := r.URL.Query()
	if d, err := strconv.Atoi(q.Get("limit")); err == nil && d > 0 {
		depth = d
	}
	if rd, err := strconv.ParseFloat(q.Get("rounding"), 64); err == nil && rd > 0 {
		rounding = rd
	}
	return
}

func newConnectionID(r *http.Request) string {
	return fmt.Sprintf("%s-%d", r.RemoteAddr, time.Now().UnixNano())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
