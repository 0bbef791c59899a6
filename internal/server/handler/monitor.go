package handler

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

// Monitor defines the live-monitor operations the handler drives.
type Monitor interface {
	Start(ctx context.Context) error
	Stop() error
	Running() bool
	AddOrder(ctx context.Context, order domain.MonitoredOrder) (domain.MonitoringMetrics, error)
	UpdateFill(ctx context.Context, orderID string, fill domain.Fill, market domain.MarketSnapshot) (domain.MonitoringMetrics, []domain.TCAAlert, error)
	Metrics(orderID string) (domain.MonitoringMetrics, error)
	Alerts(limit int) []domain.TCAAlert
	Report(orderID string) (domain.OrderReport, error)
	ActiveOrders() []string
}

// MonitorHandler serves the real-time monitoring endpoints.
type MonitorHandler struct {
	monitor Monitor
	// base outlives individual requests; the sweep loop started over HTTP
	// runs until Stop or process shutdown.
	base   context.Context
	logger *slog.Logger
}

// NewMonitorHandler creates a MonitorHandler. base is the context the sweep
// loop runs under when started via the API.
func NewMonitorHandler(base context.Context, monitor Monitor, logger *slog.Logger) *MonitorHandler {
	return &MonitorHandler{monitor: monitor, base: base, logger: logHandler(logger, "monitor")}
}

// Start launches the sweep loop.
// POST /api/tca/monitor/start
func (h *MonitorHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.Start(h.base); err != nil {
		writeServiceError(w, r, h.logger, "start monitor", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "started", "running": true})
}

// Stop halts the sweep loop.
// POST /api/tca/monitor/stop
func (h *MonitorHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.Stop(); err != nil {
		writeServiceError(w, r, h.logger, "stop monitor", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped", "running": false})
}

// Status reports whether the loop runs and which orders are tracked.
// GET /api/tca/monitor/status
func (h *MonitorHandler) Status(w http.ResponseWriter, r *http.Request) {
	ids := h.monitor.ActiveOrders()
	slices.Sort(ids)
	writeJSON(w, http.StatusOK, map[string]any{
		"running":       h.monitor.Running(),
		"active_orders": ids,
	})
}

// AddOrder starts monitoring an order.
// POST /api/tca/monitor/orders
func (h *MonitorHandler) AddOrder(w http.ResponseWriter, r *http.Request) {
	var order domain.MonitoredOrder
	if !decodeJSON(w, r, &order) {
		return
	}
	metrics, err := h.monitor.AddOrder(r.Context(), order)
	if err != nil {
		writeServiceError(w, r, h.logger, "add order", err)
		return
	}
	writeJSON(w, http.StatusCreated, metrics)
}

type fillRequest struct {
	domain.Fill
	Market domain.MarketSnapshot `json:"market"`
}

type fillResponse struct {
	Metrics domain.MonitoringMetrics `json:"metrics"`
	Alerts  []domain.TCAAlert        `json:"alerts"`
}

// UpdateFill records a fill against a monitored order.
// POST /api/tca/monitor/orders/{id}/fills
func (h *MonitorHandler) UpdateFill(w http.ResponseWriter, r *http.Request) {
	var req fillRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	metrics, alerts, err := h.monitor.UpdateFill(r.Context(), pathParam(r, "id"), req.Fill, req.Market)
	if err != nil {
		writeServiceError(w, r, h.logger, "update fill", err)
		return
	}
	if alerts == nil {
		alerts = []domain.TCAAlert{}
	}
	writeJSON(w, http.StatusOK, fillResponse{Metrics: metrics, Alerts: alerts})
}

// Metrics returns the latest metrics for an active order.
// GET /api/tca/monitor/orders/{id}/metrics
func (h *MonitorHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.monitor.Metrics(pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// Alerts returns the most recent alerts, oldest first.
// GET /api/tca/monitor/alerts?limit=50
func (h *MonitorHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	alerts := h.monitor.Alerts(limit)
	if alerts == nil {
		alerts = []domain.TCAAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// Report returns the full record of an active or recently closed order.
// GET /api/tca/monitor/orders/{id}/report
func (h *MonitorHandler) Report(w http.ResponseWriter, r *http.Request) {
	report, err := h.monitor.Report(pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get report", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
