package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/tcaengine/internal/domain"
	"github.com/alanyoungcy/tcaengine/internal/service"
	"github.com/alanyoungcy/tcaengine/internal/tca/attribution"
	"github.com/alanyoungcy/tcaengine/internal/tca/benchmark"
	"github.com/alanyoungcy/tcaengine/internal/tca/execution"
	"github.com/alanyoungcy/tcaengine/internal/tca/impact"
	"github.com/alanyoungcy/tcaengine/internal/tca/shortfall"
)

// TCAService defines the methods the TCA handler requires from the service
// layer.
type TCAService interface {
	Models() []string
	EstimateImpact(ctx context.Context, model, symbol string, in impact.Input) (domain.ImpactEstimate, error)
	CalibrateImpact(ctx context.Context, model string, obs []impact.Observation) (impact.CalibrationResult, error)
	TotalCost(ctx context.Context, model, symbol string, in impact.CostInput) (domain.TransactionCost, error)
	Shortfall(ctx context.Context, req shortfall.Request) (domain.ShortfallAnalysis, error)
	ShortfallBatch(ctx context.Context, reqs []shortfall.Request) ([]domain.ShortfallAnalysis, []domain.ItemError)
	ShortfallSummary(ctx context.Context, reqs []shortfall.Request) (domain.ShortfallSummary, []domain.ItemError, error)
	Benchmark(ctx context.Context, kind domain.BenchmarkType, req benchmark.Request) (domain.BenchmarkResult, error)
	Attribution(ctx context.Context, req attribution.Request) (domain.AttributionResult, error)
	AttributionBatch(ctx context.Context, reqs []attribution.Request) ([]domain.AttributionResult, []domain.ItemError)
	OptimizeExecution(ctx context.Context, strategy domain.ExecutionStrategy, req service.ExecutionRequest) (domain.OptimalSchedule, error)
	CompareExecution(ctx context.Context, strategies []domain.ExecutionStrategy, objective execution.Objective, req service.ExecutionRequest) (service.Comparison, error)
	Analysis(ctx context.Context, id string) (domain.AnalysisRecord, error)
	Analyses(ctx context.Context, orderID string, kind domain.AnalysisKind, opts domain.ListOpts) ([]domain.AnalysisRecord, error)
	PutMarketStats(ctx context.Context, stats domain.MarketStats) error
	MarketStats(ctx context.Context, symbol string) (domain.MarketStats, error)
	MarketStatsMany(ctx context.Context, symbols []string) (map[string]domain.MarketStats, []string, error)
}

// TCAHandler serves the pre-trade and post-trade analysis endpoints.
type TCAHandler struct {
	svc               TCAService
	defaultCommission float64
	logger            *slog.Logger
}

// NewTCAHandler creates a TCAHandler. defaultCommission is applied to cost
// requests that omit commission_bps.
func NewTCAHandler(svc TCAService, defaultCommission float64, logger *slog.Logger) *TCAHandler {
	return &TCAHandler{
		svc:               svc,
		defaultCommission: defaultCommission,
		logger:            logHandler(logger, "tca"),
	}
}

// ListModels returns the registered impact models.
// GET /api/tca/impact/models
func (h *TCAHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": h.svc.Models()})
}

type impactRequest struct {
	impact.Input
	Model  string `json:"model"`
	Symbol string `json:"symbol"`
}

// EstimateImpact forecasts market impact for one trade.
// POST /api/tca/impact/estimate
func (h *TCAHandler) EstimateImpact(w http.ResponseWriter, r *http.Request) {
	var req impactRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	est, err := h.svc.EstimateImpact(r.Context(), req.Model, req.Symbol, req.Input)
	if err != nil {
		writeServiceError(w, r, h.logger, "estimate impact", err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

type calibrateRequest struct {
	Model        string               `json:"model"`
	Observations []impact.Observation `json:"observations"`
}

// CalibrateImpact refits a model against historical observations.
// POST /api/tca/impact/calibrate
func (h *TCAHandler) CalibrateImpact(w http.ResponseWriter, r *http.Request) {
	var req calibrateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.CalibrateImpact(r.Context(), req.Model, req.Observations)
	if err != nil {
		writeServiceError(w, r, h.logger, "calibrate impact", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type costRequest struct {
	impact.CostInput
	Model         string   `json:"model"`
	Symbol        string   `json:"symbol"`
	CommissionBps *float64 `json:"commission_bps"`
}

// TotalCost breaks down the full pre-trade cost of an order.
// POST /api/tca/cost
func (h *TCAHandler) TotalCost(w http.ResponseWriter, r *http.Request) {
	var req costRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.CostInput.CommissionBps = h.defaultCommission
	if req.CommissionBps != nil {
		req.CostInput.CommissionBps = *req.CommissionBps
	}
	cost, err := h.svc.TotalCost(r.Context(), req.Model, req.Symbol, req.CostInput)
	if err != nil {
		writeServiceError(w, r, h.logger, "calculate cost", err)
		return
	}
	writeJSON(w, http.StatusOK, cost)
}

// Shortfall analyses one order's implementation shortfall.
// POST /api/tca/shortfall
func (h *TCAHandler) Shortfall(w http.ResponseWriter, r *http.Request) {
	var req shortfall.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.Shortfall(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "shortfall analysis", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type shortfallBatchRequest struct {
	Orders []shortfall.Request `json:"orders"`
}

// ShortfallBatch analyses many orders; failing items are reported inline.
// POST /api/tca/shortfall/batch
func (h *TCAHandler) ShortfallBatch(w http.ResponseWriter, r *http.Request) {
	var req shortfallBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Orders) == 0 {
		writeError(w, http.StatusBadRequest, "orders must not be empty")
		return
	}
	results, failures := h.svc.ShortfallBatch(r.Context(), req.Orders)
	writeJSON(w, http.StatusOK, newBatchResponse(results, failures, len(req.Orders)))
}

// ShortfallSummary aggregates many orders into one report.
// POST /api/tca/shortfall/summary
func (h *TCAHandler) ShortfallSummary(w http.ResponseWriter, r *http.Request) {
	var req shortfallBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sum, failures, err := h.svc.ShortfallSummary(r.Context(), req.Orders)
	if err != nil {
		writeServiceError(w, r, h.logger, "shortfall summary", err)
		return
	}
	if failures == nil {
		failures = []domain.ItemError{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": sum, "errors": failures})
}

type benchmarkRequest struct {
	benchmark.Request
	BenchmarkType domain.BenchmarkType `json:"benchmark_type"`
}

// Benchmark measures an execution against TWAP or VWAP.
// POST /api/tca/benchmark
func (h *TCAHandler) Benchmark(w http.ResponseWriter, r *http.Request) {
	var req benchmarkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	kind := req.BenchmarkType
	if kind == "" {
		kind = domain.BenchmarkVWAP
	}
	res, err := h.svc.Benchmark(r.Context(), kind, req.Request)
	if err != nil {
		writeServiceError(w, r, h.logger, "benchmark analysis", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type optimizeRequest struct {
	service.ExecutionRequest
	Strategy string `json:"strategy"`
}

// OptimizeExecution builds a schedule for one strategy.
// POST /api/tca/execution/optimize
func (h *TCAHandler) OptimizeExecution(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	strategy, err := domain.ParseStrategy(req.Strategy)
	if err != nil {
		writeServiceError(w, r, h.logger, "optimize execution", err)
		return
	}
	sched, err := h.svc.OptimizeExecution(r.Context(), strategy, req.ExecutionRequest)
	if err != nil {
		writeServiceError(w, r, h.logger, "optimize execution", err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

type compareRequest struct {
	service.ExecutionRequest
	Strategies []string            `json:"strategies"`
	Objective  execution.Objective `json:"objective"`
}

// CompareExecution builds schedules for several strategies and recommends
// one.
// POST /api/tca/execution/compare
func (h *TCAHandler) CompareExecution(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	strategies := make([]domain.ExecutionStrategy, 0, len(req.Strategies))
	for _, s := range req.Strategies {
		st, err := domain.ParseStrategy(s)
		if err != nil {
			writeServiceError(w, r, h.logger, "compare execution", err)
			return
		}
		strategies = append(strategies, st)
	}
	cmp, err := h.svc.CompareExecution(r.Context(), strategies, req.Objective, req.ExecutionRequest)
	if err != nil {
		writeServiceError(w, r, h.logger, "compare execution", err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

// Attribution attributes one order's costs.
// POST /api/tca/attribution
func (h *TCAHandler) Attribution(w http.ResponseWriter, r *http.Request) {
	var req attribution.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.Attribution(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "cost attribution", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type attributionBatchRequest struct {
	Orders []attribution.Request `json:"orders"`
}

// AttributionBatch attributes many orders; failing items are reported inline.
// POST /api/tca/attribution/batch
func (h *TCAHandler) AttributionBatch(w http.ResponseWriter, r *http.Request) {
	var req attributionBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Orders) == 0 {
		writeError(w, http.StatusBadRequest, "orders must not be empty")
		return
	}
	results, failures := h.svc.AttributionBatch(r.Context(), req.Orders)
	writeJSON(w, http.StatusOK, newBatchResponse(results, failures, len(req.Orders)))
}

type listAnalysesResponse struct {
	Analyses []domain.AnalysisRecord `json:"analyses"`
}

// ListAnalyses returns persisted analyses, filtered by order_id or kind.
// GET /api/tca/analyses?kind=shortfall&order_id=...&limit=50&offset=0
func (h *TCAHandler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recs, err := h.svc.Analyses(r.Context(), q.Get("order_id"), domain.AnalysisKind(q.Get("kind")), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list analyses", err)
		return
	}
	if recs == nil {
		recs = []domain.AnalysisRecord{}
	}
	writeJSON(w, http.StatusOK, listAnalysesResponse{Analyses: recs})
}

// GetAnalysis returns one persisted analysis.
// GET /api/tca/analyses/{id}
func (h *TCAHandler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Analysis(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get analysis", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// PutMarketStats caches the market statistics for a symbol.
// PUT /api/market-stats/{symbol}
func (h *TCAHandler) PutMarketStats(w http.ResponseWriter, r *http.Request) {
	var stats domain.MarketStats
	if !decodeJSON(w, r, &stats) {
		return
	}
	stats.Symbol = pathParam(r, "symbol")
	if err := h.svc.PutMarketStats(r.Context(), stats); err != nil {
		writeServiceError(w, r, h.logger, "put market stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "symbol": stats.Symbol})
}

// GetMarketStats returns the cached statistics for a symbol.
// GET /api/market-stats/{symbol}
func (h *TCAHandler) GetMarketStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.MarketStats(r.Context(), pathParam(r, "symbol"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get market stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListMarketStats returns the cached statistics for a comma-separated list of
// symbols.
// GET /api/market-stats?symbols=AAPL,MSFT
func (h *TCAHandler) ListMarketStats(w http.ResponseWriter, r *http.Request) {
	var symbols []string
	for _, sym := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		if sym = strings.TrimSpace(sym); sym != "" {
			symbols = append(symbols, sym)
		}
	}
	found, missing, err := h.svc.MarketStatsMany(r.Context(), symbols)
	if err != nil {
		writeServiceError(w, r, h.logger, "list market stats", err)
		return
	}
	if missing == nil {
		missing = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": found, "missing": missing})
}
