package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tcaengine/internal/domain"
	"github.com/alanyoungcy/tcaengine/internal/tca/attribution"
	"github.com/alanyoungcy/tcaengine/internal/tca/benchmark"
	"github.com/alanyoungcy/tcaengine/internal/tca/execution"
	"github.com/alanyoungcy/tcaengine/internal/tca/impact"
	"github.com/alanyoungcy/tcaengine/internal/tca/schedule"
	"github.com/alanyoungcy/tcaengine/internal/tca/shortfall"
)

// Recorder counts analysis outcomes.
type Recorder interface {
	AnalysisCompleted(kind domain.AnalysisKind)
	AnalysisFailed(kind domain.AnalysisKind)
}

// Analyzers groups the stateless and stateful TCA engines the service
// drives.
type Analyzers struct {
	Impact      *impact.Registry
	Schedule    schedule.Config
	Shortfall   *shortfall.Analyzer
	Benchmark   *benchmark.Analyzer
	Attribution *attribution.Analyzer
	// DefaultVolatility fills schedule requests that carry no volatility
	// and have no cached stats.
	DefaultVolatility float64
}

// TCAService runs post-trade and pre-trade analyses, persists each result as
// an AnalysisRecord, announces it on the signal bus and writes an audit entry.
type TCAService struct {
	engines  Analyzers
	analyses domain.AnalysisStore
	stats    domain.MarketStatsCache
	bus      domain.SignalBus
	audit    domain.AuditStore
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewTCAService creates a TCAService with all required dependencies.
func NewTCAService(
	engines Analyzers,
	analyses domain.AnalysisStore,
	stats domain.MarketStatsCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	recorder Recorder,
	logger *slog.Logger,
) *TCAService {
	return &TCAService{
		engines:  engines,
		analyses: analyses,
		stats:    stats,
		bus:      bus,
		audit:    audit,
		recorder: recorder,
		logger:   logger.With(slog.String("component", "tca_service")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Models lists the registered impact models.
func (s *TCAService) Models() []string {
	return s.engines.Impact.Names()
}

// EstimateImpact forecasts market impact with the named model. Zero ADV,
// volatility or spread are filled from the cached market stats for symbol.
func (s *TCAService) EstimateImpact(ctx context.Context, model, symbol string, in impact.Input) (domain.ImpactEstimate, error) {
	m, err := s.engines.Impact.Get(model)
	if err != nil {
		return domain.ImpactEstimate{}, err
	}
	in = s.enrichInput(ctx, symbol, in)
	return m.EstimateImpact(in)
}

// CalibrateImpact refits the named model against historical observations.
func (s *TCAService) CalibrateImpact(ctx context.Context, model string, obs []impact.Observation) (impact.CalibrationResult, error) {
	m, err := s.engines.Impact.Get(model)
	if err != nil {
		return impact.CalibrationResult{}, err
	}
	res := m.Calibrate(obs)
	s.auditLog(ctx, "impact.calibrate", map[string]any{
		"model":      res.Model,
		"calibrated": res.Calibrated,
		"samples":    res.Samples,
		"r_squared":  res.RSquared,
	})
	return res, nil
}

// TotalCost breaks down the full pre-trade cost of an order. A zero price
// is taken from the cached market stats when available.
func (s *TCAService) TotalCost(ctx context.Context, model, symbol string, in impact.CostInput) (domain.TransactionCost, error) {
	m, err := s.engines.Impact.Get(model)
	if err != nil {
		return domain.TransactionCost{}, err
	}
	in.Input = s.enrichInput(ctx, symbol, in.Input)
	if in.Price == 0 {
		if st, ok := s.lookupStats(ctx, symbol); ok {
			in.Price = st.Price
		}
	}
	return impact.CalculateTotalCost(m, in)
}

// Shortfall decomposes one order's implementation shortfall.
func (s *TCAService) Shortfall(ctx context.Context, req shortfall.Request) (domain.ShortfallAnalysis, error) {
	res, err := s.engines.Shortfall.Analyze(req)
	if err != nil {
		s.failed(ctx, domain.KindShortfall, req.OrderID, err)
		return domain.ShortfallAnalysis{}, err
	}
	s.persist(ctx, domain.KindShortfall, res.OrderID, res.Symbol, res)
	return res, nil
}

// ShortfallBatch analyses every request independently. Failing items are
// reported by index and do not stop the batch.
func (s *TCAService) ShortfallBatch(ctx context.Context, reqs []shortfall.Request) ([]domain.ShortfallAnalysis, []domain.ItemError) {
	results, failures := s.engines.Shortfall.BatchAnalyze(reqs)
	for _, res := range results {
		s.persist(ctx, domain.KindShortfall, res.OrderID, res.Symbol, res)
	}
	for range failures {
		s.recorder.AnalysisFailed(domain.KindShortfall)
	}
	return results, failures
}

// ShortfallSummary aggregates a batch into a summary report and persists it.
func (s *TCAService) ShortfallSummary(ctx context.Context, reqs []shortfall.Request) (domain.ShortfallSummary, []domain.ItemError, error) {
	sum, failures, err := s.engines.Shortfall.SummaryReport(reqs)
	if err != nil {
		s.failed(ctx, domain.KindSummary, "", err)
		return domain.ShortfallSummary{}, failures, err
	}
	s.persist(ctx, domain.KindSummary, "", "", sum)
	return sum, failures, nil
}

// Benchmark measures an execution against a TWAP or VWAP benchmark.
func (s *TCAService) Benchmark(ctx context.Context, kind domain.BenchmarkType, req benchmark.Request) (domain.BenchmarkResult, error) {
	res, err := s.engines.Benchmark.Analyze(kind, req)
	if err != nil {
		s.failed(ctx, domain.KindBenchmark, req.OrderID, err)
		return domain.BenchmarkResult{}, err
	}
	s.persist(ctx, domain.KindBenchmark, res.OrderID, res.Symbol, res)
	return res, nil
}

// Attribution attributes an order's costs to their drivers. Missing ADV or
// volatility is taken from the cached market stats for the symbol.
func (s *TCAService) Attribution(ctx context.Context, req attribution.Request) (domain.AttributionResult, error) {
	req = s.enrichAttribution(ctx, req)
	res, err := s.engines.Attribution.Analyze(req)
	if err != nil {
		s.failed(ctx, domain.KindAttribution, req.OrderID, err)
		return domain.AttributionResult{}, err
	}
	s.persist(ctx, domain.KindAttribution, res.OrderID, res.Symbol, res)
	return res, nil
}

// AttributionBatch attributes every request independently.
func (s *TCAService) AttributionBatch(ctx context.Context, reqs []attribution.Request) ([]domain.AttributionResult, []domain.ItemError) {
	enriched := make([]attribution.Request, len(reqs))
	for i, r := range reqs {
		enriched[i] = s.enrichAttribution(ctx, r)
	}
	results, failures := s.engines.Attribution.BatchAnalyze(enriched)
	for _, res := range results {
		s.persist(ctx, domain.KindAttribution, res.OrderID, res.Symbol, res)
	}
	for range failures {
		s.recorder.AnalysisFailed(domain.KindAttribution)
	}
	return results, failures
}

// ExecutionRequest is a pre-trade scheduling request. Model selects the
// impact model the schedule is costed with.
type ExecutionRequest struct {
	execution.Request
	Symbol      string                    `json:"symbol,omitempty"`
	Model       string                    `json:"model,omitempty"`
	Constraints domain.TradingConstraints `json:"constraints"`
}

// OptimizeExecution builds a schedule for one strategy.
func (s *TCAService) OptimizeExecution(ctx context.Context, strategy domain.ExecutionStrategy, req ExecutionRequest) (domain.OptimalSchedule, error) {
	opt, err := s.executionOptimizer(req.Model)
	if err != nil {
		return domain.OptimalSchedule{}, err
	}
	req.Request.Request = s.enrichSchedule(ctx, req.Symbol, req.Request.Request)
	sched, err := opt.Optimize(strategy, req.Request, req.Constraints)
	if err != nil {
		s.failed(ctx, domain.KindSchedule, "", err)
		return domain.OptimalSchedule{}, err
	}
	s.persist(ctx, domain.KindSchedule, "", req.Symbol, sched)
	return sched, nil
}

// Comparison is the outcome of building several schedules side by side.
type Comparison struct {
	Schedules   map[domain.ExecutionStrategy]domain.OptimalSchedule `json:"schedules"`
	Recommended domain.ExecutionStrategy                            `json:"recommended_strategy"`
	Objective   execution.Objective                                 `json:"objective"`
}

// CompareExecution builds a schedule per strategy and recommends one for the
// objective. An empty strategy list compares every strategy.
func (s *TCAService) CompareExecution(ctx context.Context, strategies []domain.ExecutionStrategy, objective execution.Objective, req ExecutionRequest) (Comparison, error) {
	opt, err := s.executionOptimizer(req.Model)
	if err != nil {
		return Comparison{}, err
	}
	if len(strategies) == 0 {
		strategies = domain.AllStrategies
	}
	if objective == "" {
		objective = execution.MinimizeCost
	}
	req.Request.Request = s.enrichSchedule(ctx, req.Symbol, req.Request.Request)

	schedules := opt.Compare(strategies, req.Request, req.Constraints)
	best, err := execution.Recommend(schedules, objective)
	if err != nil {
		s.failed(ctx, domain.KindSchedule, "", err)
		return Comparison{}, err
	}
	out := Comparison{Schedules: schedules, Recommended: best, Objective: objective}
	s.persist(ctx, domain.KindSchedule, "", req.Symbol, out)
	return out, nil
}

// Analysis returns one persisted analysis.
func (s *TCAService) Analysis(ctx context.Context, id string) (domain.AnalysisRecord, error) {
	rec, err := s.analyses.GetByID(ctx, id)
	if err != nil {
		return domain.AnalysisRecord{}, fmt.Errorf("tca_service: get analysis %s: %w", id, err)
	}
	return rec, nil
}

// Analyses lists persisted analyses, newest first. An order ID takes
// precedence over the kind filter.
func (s *TCAService) Analyses(ctx context.Context, orderID string, kind domain.AnalysisKind, opts domain.ListOpts) ([]domain.AnalysisRecord, error) {
	var (
		recs []domain.AnalysisRecord
		err  error
	)
	if orderID != "" {
		recs, err = s.analyses.ListByOrder(ctx, orderID)
	} else {
		recs, err = s.analyses.List(ctx, kind, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("tca_service: list analyses: %w", err)
	}
	return recs, nil
}

// PutMarketStats caches a symbol's market statistics.
func (s *TCAService) PutMarketStats(ctx context.Context, stats domain.MarketStats) error {
	if stats.UpdatedAt.IsZero() {
		stats.UpdatedAt = s.now()
	}
	if err := s.stats.Set(ctx, stats); err != nil {
		return fmt.Errorf("tca_service: put market stats: %w", err)
	}
	return nil
}

// MarketStats returns the cached statistics for a symbol.
func (s *TCAService) MarketStats(ctx context.Context, symbol string) (domain.MarketStats, error) {
	st, err := s.stats.Get(ctx, symbol)
	if err != nil {
		return domain.MarketStats{}, fmt.Errorf("tca_service: market stats %s: %w", symbol, err)
	}
	return st, nil
}

// MarketStatsMany returns the cached statistics for several symbols and the
// symbols that had none, sorted.
func (s *TCAService) MarketStatsMany(ctx context.Context, symbols []string) (map[string]domain.MarketStats, []string, error) {
	if len(symbols) == 0 {
		return nil, nil, fmt.Errorf("%w: at least one symbol is required", domain.ErrInvalidInput)
	}
	found, err := s.stats.GetMany(ctx, symbols)
	if err != nil {
		return nil, nil, fmt.Errorf("tca_service: market stats: %w", err)
	}
	var missing []string
	for _, sym := range symbols {
		if _, ok := found[sym]; !ok {
			missing = append(missing, sym)
		}
	}
	slices.Sort(missing)
	return found, slices.Compact(missing), nil
}

func (s *TCAService) executionOptimizer(model string) (*execution.Optimizer, error) {
	m, err := s.engines.Impact.Get(model)
	if err != nil {
		return nil, err
	}
	return execution.NewOptimizer(schedule.NewOptimizer(s.engines.Schedule, m, s.logger), s.logger), nil
}

// lookupStats reads the cache, treating misses and cache errors alike.
func (s *TCAService) lookupStats(ctx context.Context, symbol string) (domain.MarketStats, bool) {
	if symbol == "" || s.stats == nil {
		return domain.MarketStats{}, false
	}
	st, err := s.stats.Get(ctx, symbol)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "tca_service: market stats lookup failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
		return domain.MarketStats{}, false
	}
	return st, true
}

func (s *TCAService) enrichInput(ctx context.Context, symbol string, in impact.Input) impact.Input {
	if in.AverageDailyVolume > 0 && in.Volatility > 0 && in.SpreadBps > 0 {
		return in
	}
	st, ok := s.lookupStats(ctx, symbol)
	if !ok {
		return in
	}
	if in.AverageDailyVolume == 0 {
		in.AverageDailyVolume = st.AverageDailyVolume
	}
	if in.Volatility == 0 {
		in.Volatility = st.Volatility
	}
	if in.SpreadBps == 0 {
		in.SpreadBps = st.SpreadBps
	}
	return in
}

func (s *TCAService) enrichSchedule(ctx context.Context, symbol string, req schedule.Request) schedule.Request {
	in := s.enrichInput(ctx, symbol, impact.Input{
		AverageDailyVolume: req.AverageDailyVolume,
		Volatility:         req.Volatility,
		SpreadBps:          req.SpreadBps,
	})
	req.AverageDailyVolume = in.AverageDailyVolume
	req.Volatility = in.Volatility
	req.SpreadBps = in.SpreadBps
	if req.Volatility == 0 {
		req.Volatility = s.engines.DefaultVolatility
	}
	return req
}

func (s *TCAService) enrichAttribution(ctx context.Context, req attribution.Request) attribution.Request {
	if req.AverageDailyVolume > 0 && req.Volatility > 0 {
		return req
	}
	st, ok := s.lookupStats(ctx, req.Symbol)
	if !ok {
		return req
	}
	if req.AverageDailyVolume == 0 {
		req.AverageDailyVolume = st.AverageDailyVolume
	}
	if req.Volatility == 0 {
		req.Volatility = st.Volatility
	}
	return req
}

// persist stores, publishes and audits one result. Failures are logged and
// never surface to the caller; the analysis itself succeeded.
func (s *TCAService) persist(ctx context.Context, kind domain.AnalysisKind, orderID, symbol string, result any) {
	s.recorder.AnalysisCompleted(kind)

	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.ErrorContext(ctx, "tca_service: marshal result failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return
	}
	rec := domain.AnalysisRecord{
		ID:        uuid.NewString(),
		Kind:      kind,
		OrderID:   orderID,
		Symbol:    symbol,
		Payload:   payload,
		CreatedAt: s.now(),
	}
	if err := s.analyses.Save(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "tca_service: save analysis failed",
			slog.String("kind", string(kind)),
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
	}

	evt, _ := json.Marshal(map[string]any{
		"event":     "analysis_completed",
		"id":        rec.ID,
		"kind":      kind,
		"order_id":  orderID,
		"symbol":    symbol,
		"timestamp": rec.CreatedAt.Format(time.RFC3339),
	})
	if pubErr := s.bus.Publish(ctx, domain.ChannelAnalyses, evt); pubErr != nil {
		s.logger.WarnContext(ctx, "tca_service: publish event failed",
			slog.String("id", rec.ID),
			slog.String("error", pubErr.Error()),
		)
	}
	if pubErr := s.bus.StreamAppend(ctx, domain.ChannelAnalyses, evt); pubErr != nil {
		s.logger.WarnContext(ctx, "tca_service: stream append failed",
			slog.String("id", rec.ID),
			slog.String("error", pubErr.Error()),
		)
	}

	s.auditLog(ctx, "analysis."+string(kind), map[string]any{
		"id":       rec.ID,
		"order_id": orderID,
		"symbol":   symbol,
	})

	s.logger.InfoContext(ctx, "tca_service: analysis completed",
		slog.String("kind", string(kind)),
		slog.String("id", rec.ID),
		slog.String("order_id", orderID),
	)
}

func (s *TCAService) failed(ctx context.Context, kind domain.AnalysisKind, orderID string, err error) {
	s.recorder.AnalysisFailed(kind)
	level := slog.LevelError
	if domain.IsValidation(err) {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "tca_service: analysis failed",
		slog.String("kind", string(kind)),
		slog.String("order_id", orderID),
		slog.String("error", err.Error()),
	)
}

func (s *TCAService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if auditErr := s.audit.Log(ctx, event, detail); auditErr != nil {
		s.logger.WarnContext(ctx, "tca_service: audit log failed",
			slog.String("event", event),
			slog.String("error", auditErr.Error()),
		)
	}
}
