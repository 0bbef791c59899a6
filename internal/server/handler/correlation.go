package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tcaengine/internal/correlation"
)

// CorrelationAnalyzer computes static and rolling correlations.
type CorrelationAnalyzer interface {
	Matrix(names []string, series [][]float64, method correlation.Method) (correlation.Matrix, error)
	Rolling(x, y []float64, window int, method correlation.Method) ([]float64, error)
}

// RegimeDetector fits volatility regimes.
type RegimeDetector interface {
	Analyze(names []string, series [][]float64, k int) (correlation.RegimeAnalysis, error)
}

// CorrelationForecaster forecasts correlation matrices.
type CorrelationForecaster interface {
	Forecast(model correlation.Model, names []string, series [][]float64) (correlation.Forecast, error)
	CompareModels(names []string, series [][]float64, holdout int) ([]correlation.ModelScore, error)
}

// CorrelationHandler serves the correlation endpoints. Series are keyed by
// name and processed in name order.
type CorrelationHandler struct {
	analyzer   CorrelationAnalyzer
	regimes    RegimeDetector
	forecaster CorrelationForecaster
	logger     *slog.Logger
}

// NewCorrelationHandler creates a CorrelationHandler.
func NewCorrelationHandler(analyzer CorrelationAnalyzer, regimes RegimeDetector, forecaster CorrelationForecaster, logger *slog.Logger) *CorrelationHandler {
	return &CorrelationHandler{
		analyzer:   analyzer,
		regimes:    regimes,
		forecaster: forecaster,
		logger:     logHandler(logger, "correlation"),
	}
}

type matrixRequest struct {
	Series map[string][]float64 `json:"series"`
	Method string               `json:"method"`
}

// Matrix returns the correlation matrix of the supplied series.
// POST /api/correlation/matrix
func (h *CorrelationHandler) Matrix(w http.ResponseWriter, r *http.Request) {
	var req matrixRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	method, err := correlation.ParseMethod(req.Method)
	if err != nil {
		writeServiceError(w, r, h.logger, "correlation matrix", err)
		return
	}
	names, series, err := seriesSet(req.Series)
	if err != nil {
		writeServiceError(w, r, h.logger, "correlation matrix", err)
		return
	}
	m, err := h.analyzer.Matrix(names, series, method)
	if err != nil {
		writeServiceError(w, r, h.logger, "correlation matrix", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"method": method, "matrix": m})
}

type rollingRequest struct {
	X      []float64 `json:"x"`
	Y      []float64 `json:"y"`
	Window int       `json:"window"`
	Method string    `json:"method"`
}

// Rolling returns the trailing-window correlation of two series.
// POST /api/correlation/rolling
func (h *CorrelationHandler) Rolling(w http.ResponseWriter, r *http.Request) {
	var req rollingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	method, err := correlation.ParseMethod(req.Method)
	if err != nil {
		writeServiceError(w, r, h.logger, "rolling correlation", err)
		return
	}
	values, err := h.analyzer.Rolling(req.X, req.Y, req.Window, method)
	if err != nil {
		writeServiceError(w, r, h.logger, "rolling correlation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"method": method, "window": req.Window, "values": values})
}

type regimeRequest struct {
	Series map[string][]float64 `json:"series"`
	States int                  `json:"states"`
}

// Regimes fits volatility regimes and correlates the series within each.
// POST /api/correlation/regimes
func (h *CorrelationHandler) Regimes(w http.ResponseWriter, r *http.Request) {
	var req regimeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.States == 0 {
		req.States = 2
	}
	names, series, err := seriesSet(req.Series)
	if err != nil {
		writeServiceError(w, r, h.logger, "regime analysis", err)
		return
	}
	res, err := h.regimes.Analyze(names, series, req.States)
	if err != nil {
		writeServiceError(w, r, h.logger, "regime analysis", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type forecastRequest struct {
	Series map[string][]float64 `json:"series"`
	Model  string               `json:"model"`
}

// Forecast produces a one-step-ahead correlation forecast.
// POST /api/correlation/forecast
func (h *CorrelationHandler) Forecast(w http.ResponseWriter, r *http.Request) {
	var req forecastRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	model, err := correlation.ParseModel(req.Model)
	if err != nil {
		writeServiceError(w, r, h.logger, "correlation forecast", err)
		return
	}
	names, series, err := seriesSet(req.Series)
	if err != nil {
		writeServiceError(w, r, h.logger, "correlation forecast", err)
		return
	}
	f, err := h.forecaster.Forecast(model, names, series)
	if err != nil {
		writeServiceError(w, r, h.logger, "correlation forecast", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

type compareModelsRequest struct {
	Series  map[string][]float64 `json:"series"`
	Holdout int                  `json:"holdout"`
}

// CompareModels scores every forecasting model on a holdout window.
// POST /api/correlation/compare
func (h *CorrelationHandler) CompareModels(w http.ResponseWriter, r *http.Request) {
	var req compareModelsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	names, series, err := seriesSet(req.Series)
	if err != nil {
		writeServiceError(w, r, h.logger, "compare correlation models", err)
		return
	}
	scores, err := h.forecaster.CompareModels(names, series, req.Holdout)
	if err != nil {
		writeServiceError(w, r, h.logger, "compare correlation models", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": scores})
}
