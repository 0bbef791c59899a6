package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

// HistoryHandler serves persisted monitor output: metric snapshots and the
// alert log. Both outlive the in-memory monitor state.
type HistoryHandler struct {
	snapshots domain.SnapshotStore
	alerts    domain.AlertStore
	logger    *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler.
func NewHistoryHandler(snapshots domain.SnapshotStore, alerts domain.AlertStore, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{snapshots: snapshots, alerts: alerts, logger: logHandler(logger, "history")}
}

// Snapshots returns the stored metric snapshots of an order, newest first.
// GET /api/tca/history/orders/{id}/snapshots?limit=50
func (h *HistoryHandler) Snapshots(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	snaps, err := h.snapshots.ListByOrder(r.Context(), pathParam(r, "id"), opts.Limit)
	if err != nil {
		writeServiceError(w, r, h.logger, "list snapshots", err)
		return
	}
	if snaps == nil {
		snaps = []domain.MonitoringMetrics{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

// Alerts returns the newest stored alerts.
// GET /api/tca/history/alerts?limit=50
func (h *HistoryHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	alerts, err := h.alerts.ListRecent(r.Context(), opts.Limit)
	if err != nil {
		writeServiceError(w, r, h.logger, "list alerts", err)
		return
	}
	if alerts == nil {
		alerts = []domain.TCAAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}
