// Package server exposes the TCA engine over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tcaengine/internal/domain"
	"github.com/alanyoungcy/tcaengine/internal/server/handler"
	"github.com/alanyoungcy/tcaengine/internal/server/middleware"
	"github.com/alanyoungcy/tcaengine/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int    // requests per RateWindow per client; 0 disables
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	TCA         *handler.TCAHandler
	Monitor     *handler.MonitorHandler
	Correlation *handler.CorrelationHandler
	// History is optional; it needs the Postgres stores.
	History *handler.HistoryHandler
	// Metrics serves the Prometheus exposition format; nil disables /metrics.
	Metrics http.Handler
}

// Options carries the optional collaborators of the middleware chain.
type Options struct {
	Limiter  domain.RateLimiter
	Observer middleware.RequestObserver
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (rate limit, auth, logging, CORS) and attaches the
// WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, opts Options, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()
	registerRoutes(mux, handlers, wsHub)

	var h http.Handler = mux
	if opts.Limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(opts.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.Logging(logger, opts.Observer)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

func registerRoutes(mux *http.ServeMux, h Handlers, wsHub *ws.Hub) {
	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	// Pre-trade.
	mux.HandleFunc("GET /api/tca/impact/models", h.TCA.ListModels)
	mux.HandleFunc("POST /api/tca/impact/estimate", h.TCA.EstimateImpact)
	mux.HandleFunc("POST /api/tca/impact/calibrate", h.TCA.CalibrateImpact)
	mux.HandleFunc("POST /api/tca/cost", h.TCA.TotalCost)
	mux.HandleFunc("POST /api/tca/execution/optimize", h.TCA.OptimizeExecution)
	mux.HandleFunc("POST /api/tca/execution/compare", h.TCA.CompareExecution)

	// Post-trade.
	mux.HandleFunc("POST /api/tca/shortfall", h.TCA.Shortfall)
	mux.HandleFunc("POST /api/tca/shortfall/batch", h.TCA.ShortfallBatch)
	mux.HandleFunc("POST /api/tca/shortfall/summary", h.TCA.ShortfallSummary)
	mux.HandleFunc("POST /api/tca/benchmark", h.TCA.Benchmark)
	mux.HandleFunc("POST /api/tca/attribution", h.TCA.Attribution)
	mux.HandleFunc("POST /api/tca/attribution/batch", h.TCA.AttributionBatch)
	mux.HandleFunc("GET /api/tca/analyses", h.TCA.ListAnalyses)
	mux.HandleFunc("GET /api/tca/analyses/{id}", h.TCA.GetAnalysis)

	// Market statistics.
	mux.HandleFunc("PUT /api/market-stats/{symbol}", h.TCA.PutMarketStats)
	mux.HandleFunc("GET /api/market-stats/{symbol}", h.TCA.GetMarketStats)
	mux.HandleFunc("GET /api/market-stats", h.TCA.ListMarketStats)

	// Real-time monitoring.
	mux.HandleFunc("POST /api/tca/monitor/start", h.Monitor.Start)
	mux.HandleFunc("POST /api/tca/monitor/stop", h.Monitor.Stop)
	mux.HandleFunc("GET /api/tca/monitor/status", h.Monitor.Status)
	mux.HandleFunc("POST /api/tca/monitor/orders", h.Monitor.AddOrder)
	mux.HandleFunc("POST /api/tca/monitor/orders/{id}/fills", h.Monitor.UpdateFill)
	mux.HandleFunc("GET /api/tca/monitor/orders/{id}/metrics", h.Monitor.Metrics)
	mux.HandleFunc("GET /api/tca/monitor/orders/{id}/report", h.Monitor.Report)
	mux.HandleFunc("GET /api/tca/monitor/alerts", h.Monitor.Alerts)

	if h.History != nil {
		mux.HandleFunc("GET /api/tca/history/orders/{id}/snapshots", h.History.Snapshots)
		mux.HandleFunc("GET /api/tca/history/alerts", h.History.Alerts)
	}

	// Correlation.
	mux.HandleFunc("POST /api/correlation/matrix", h.Correlation.Matrix)
	mux.HandleFunc("POST /api/correlation/rolling", h.Correlation.Rolling)
	mux.HandleFunc("POST /api/correlation/regimes", h.Correlation.Regimes)
	mux.HandleFunc("POST /api/correlation/forecast", h.Correlation.Forecast)
	mux.HandleFunc("POST /api/correlation/compare", h.Correlation.CompareModels)

	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}
}

// Handler returns the fully wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
