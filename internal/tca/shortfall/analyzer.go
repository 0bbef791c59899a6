// Package shortfall decomposes realised execution cost against a benchmark
// price into market impact, timing risk and opportunity cost.
package shortfall

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/tcaengine/internal/domain"
	"github.com/alanyoungcy/tcaengine/internal/tca/benchmark"
	"github.com/alanyoungcy/tcaengine/internal/tca/stats"
)

// Config holds the efficiency score weights.
type Config struct {
	ImpactPenalty    float64
	ShortfallPenalty float64
	// Timing risk under TightTimingBps earns TightTimingBonus, under
	// LooseTimingBps earns LooseTimingBonus.
	TightTimingBps   float64
	TightTimingBonus float64
	LooseTimingBps   float64
	LooseTimingBonus float64
}

// DefaultConfig returns the production weights.
func DefaultConfig() Config {
	return Config{
		ImpactPenalty:    0.5,
		ShortfallPenalty: 0.3,
		TightTimingBps:   5,
		TightTimingBonus: 10,
		LooseTimingBps:   10,
		LooseTimingBonus: 5,
	}
}

// Request is one order to analyse. BenchmarkPrice may be left at zero for
// market benchmarks (open, close, twap, vwap); it is then taken from the
// market data over the fill window.
type Request struct {
	OrderID        string               `json:"order_id"`
	Symbol         string               `json:"symbol"`
	Side           domain.Side          `json:"side"`
	TargetQuantity float64              `json:"target_quantity"`
	BenchmarkPrice float64              `json:"benchmark_price"`
	BenchmarkType  domain.BenchmarkType `json:"benchmark_type"`
	Fills          []domain.Fill        `json:"executions"`
	Market         domain.MarketSeries  `json:"market_data"`
}

// Analyzer computes implementation shortfall.
type Analyzer struct {
	cfg    Config
	bench  *benchmark.Analyzer
	logger *slog.Logger
	now    func() time.Time
}

// NewAnalyzer creates an Analyzer. bench supplies the reference prices in
// the benchmark comparison.
func NewAnalyzer(cfg Config, bench *benchmark.Analyzer, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		cfg:    cfg,
		bench:  bench,
		logger: logger.With(slog.String("component", "shortfall_analyzer")),
		now:    time.Now,
	}
}

// Analyze decomposes one order's shortfall. It fails on invalid input and
// degrades to zero-valued timing and opportunity components when market
// data is missing.
func (a *Analyzer) Analyze(req Request) (domain.ShortfallAnalysis, error) {
	if err := req.Side.Validate(); err != nil {
		return domain.ShortfallAnalysis{}, err
	}
	if req.TargetQuantity <= 0 {
		return domain.ShortfallAnalysis{}, fmt.Errorf("%w: target_quantity must be > 0", domain.ErrInvalidInput)
	}
	if err := domain.ValidateFills(req.Fills); err != nil {
		return domain.ShortfallAnalysis{}, err
	}
	kind, err := domain.ParseBenchmark(string(req.BenchmarkType))
	if err != nil {
		return domain.ShortfallAnalysis{}, err
	}

	fills := domain.SortFills(req.Fills)
	first, last := domain.FillWindow(fills)
	market := req.Market.Sorted()
	refs := a.bench.References(market, first, last)

	bench := req.BenchmarkPrice
	if bench <= 0 {
		bench = refs[string(kind)]
	}
	if bench <= 0 {
		return domain.ShortfallAnalysis{}, fmt.Errorf("%w: benchmark_price required for %s", domain.ErrInvalidInput, kind)
	}

	sign := req.Side.Sign()
	executed := domain.FilledQuantity(fills)
	avg := domain.AveragePrice(fills)
	log := a.logger.With(slog.String("order_id", req.OrderID), slog.String("symbol", req.Symbol))

	var impact float64
	for _, f := range fills {
		impact += f.Quantity * sign * stats.Bps(bench, f.Price)
	}
	impact /= executed

	var timing float64
	p0, ok0 := market.PriceAt(first)
	p1, ok1 := market.PriceAt(last)
	if ok0 && ok1 {
		timing = sign * (p1 - p0) / bench * 1e4
	} else {
		log.Warn("no market price over fill window, timing risk set to zero")
	}

	var opportunity float64
	if unfilled := req.TargetQuantity - executed; unfilled > 0 {
		if len(market) == 0 {
			log.Warn("no market data for unfilled quantity, opportunity cost set to zero",
				slog.Float64("unfilled", unfilled))
		} else {
			final := market[len(market)-1].Close
			opportunity = unfilled / req.TargetQuantity * sign * stats.Bps(bench, final)
		}
	}

	total := impact + timing + opportunity
	shares := stats.Shares([]float64{impact, timing, opportunity})

	res := domain.ShortfallAnalysis{
		OrderID:          req.OrderID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		BenchmarkType:    kind,
		BenchmarkPrice:   bench,
		TargetQuantity:   req.TargetQuantity,
		ExecutedQuantity: executed,
		AveragePrice:     avg,
		MarketImpact: domain.ShortfallComponent{
			Name:         "market_impact",
			ValueBps:     impact,
			Percentage:   shares[0],
			Controllable: true,
			Description:  "Volume-weighted fill price deviation from the benchmark",
		},
		TimingRisk: domain.ShortfallComponent{
			Name:        "timing_risk",
			ValueBps:    timing,
			Percentage:  shares[1],
			Description: "Market drift between the first and last fill",
		},
		OpportunityCost: domain.ShortfallComponent{
			Name:         "opportunity_cost",
			ValueBps:     opportunity,
			Percentage:   shares[2],
			Controllable: true,
			Description:  "Price move on the unexecuted quantity",
		},
		TotalShortfallBps:   total,
		TotalShortfallCost:  total / 1e4 * bench * req.TargetQuantity,
		Fills:               fills,
		ExecutionDuration:   last.Sub(first).Seconds(),
		BenchmarkComparison: make(map[string]float64, len(refs)),
		AnalyzedAt:          a.now().UTC(),
	}
	if vol := market.Window(first, last).TotalVolume(); vol > 0 {
		res.ParticipationRate = executed / vol
	}
	for name, ref := range refs {
		if ref > 0 {
			res.BenchmarkComparison[name] = sign * stats.Bps(ref, avg)
		}
	}
	res.EfficiencyScore = a.efficiency(impact, timing, total)
	return res, nil
}

func (a *Analyzer) efficiency(impact, timing, total float64) float64 {
	score := 100 - a.cfg.ImpactPenalty*math.Abs(impact) - a.cfg.ShortfallPenalty*math.Abs(total)
	switch t := math.Abs(timing); {
	case t < a.cfg.TightTimingBps:
		score += a.cfg.TightTimingBonus
	case t < a.cfg.LooseTimingBps:
		score += a.cfg.LooseTimingBonus
	}
	return stats.Clamp(score, 0, 100)
}

// BatchAnalyze analyses every request. Failures are logged and reported
// without stopping the batch.
func (a *Analyzer) BatchAnalyze(reqs []Request) ([]domain.ShortfallAnalysis, []domain.ItemError) {
	out := make([]domain.ShortfallAnalysis, 0, len(reqs))
	var failed []domain.ItemError
	for i, req := range reqs {
		res, err := a.Analyze(req)
		if err != nil {
			a.logger.Warn("batch item failed",
				slog.Int("index", i),
				slog.String("order_id", req.OrderID),
				slog.String("error", err.Error()),
			)
			failed = append(failed, domain.ItemError{Index: i, OrderID: req.OrderID, Error: err.Error()})
			continue
		}
		out = append(out, res)
	}
	return out, failed
}

// SummaryReport analyses reqs and aggregates the successful results.
func (a *Analyzer) SummaryReport(reqs []Request) (domain.ShortfallSummary, []domain.ItemError, error) {
	analyses, failed := a.BatchAnalyze(reqs)
	sum, err := Summarize(analyses, a.now())
	if err != nil {
		return domain.ShortfallSummary{}, failed, err
	}
	return sum, failed, nil
}
