// Package benchmark measures completed executions against time- and
// volume-weighted market benchmarks.
package benchmark

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/tcaengine/internal/domain"
	"github.com/alanyoungcy/tcaengine/internal/tca/stats"
)

// Config holds the scoring heuristics. None of them is a hard contract.
type Config struct {
	TrendThresholdBps float64
	MatchTolerance    time.Duration
	// DeviationPenalty is subtracted per bps of underperformance.
	DeviationPenalty float64
	// Participation above ParticipationThreshold costs
	// ParticipationPenalty points per percentage point.
	ParticipationThreshold float64
	ParticipationPenalty   float64
	// Windows whose per-bar volatility is below BenignVolatilityBps earn
	// VolatilityBonus points.
	BenignVolatilityBps float64
	VolatilityBonus     float64
}

// DefaultConfig returns the production heuristics.
func DefaultConfig() Config {
	return Config{
		TrendThresholdBps:      10,
		MatchTolerance:         60 * time.Second,
		DeviationPenalty:       1,
		ParticipationThreshold: 0.2,
		ParticipationPenalty:   1,
		BenignVolatilityBps:    20,
		VolatilityBonus:        5,
	}
}

// Analyzer computes TWAP/VWAP benchmarks and the statistics around them.
type Analyzer struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(cfg Config, logger *slog.Logger) *Analyzer {
	if cfg.MatchTolerance <= 0 {
		cfg.MatchTolerance = DefaultConfig().MatchTolerance
	}
	return &Analyzer{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "benchmark_analyzer")),
		now:    time.Now,
	}
}

// TWAP is the mean close of bars within [start, end]. It returns 0 and logs
// a warning when the window holds no bars. Bars without a positive close or
// with negative volume are ignored here and in every other benchmark.
func (a *Analyzer) TWAP(series domain.MarketSeries, start, end time.Time) float64 {
	w := series.Window(start, end)
	if len(w) == 0 {
		a.emptyWindow("twap", start, end)
		return 0
	}
	var sum float64
	for _, b := range w {
		sum += b.Close
	}
	return sum / float64(len(w))
}

// VWAP is the volume-weighted mean close of bars within [start, end]. An
// empty window yields 0 with a warning; a window without volume falls back
// to TWAP.
func (a *Analyzer) VWAP(series domain.MarketSeries, start, end time.Time) float64 {
	w := series.Window(start, end)
	if len(w) == 0 {
		a.emptyWindow("vwap", start, end)
		return 0
	}
	vwap := stats.WeightedMean(w.Closes(), w.Volumes())
	if vwap == 0 {
		a.logger.Warn("no volume in window, using twap",
			slog.Time("start", start), slog.Time("end", end))
		return a.TWAP(w, start, end)
	}
	return vwap
}

func (a *Analyzer) emptyWindow(kind string, start, end time.Time) {
	a.logger.Warn("no market data in benchmark window",
		slog.String("benchmark", kind),
		slog.Time("start", start),
		slog.Time("end", end),
	)
}

// References returns the twap, vwap, open and close of the window. Missing
// references are omitted.
func (a *Analyzer) References(series domain.MarketSeries, start, end time.Time) map[string]float64 {
	w := series.Window(start, end).Sorted()
	out := make(map[string]float64, 4)
	if len(w) == 0 {
		a.emptyWindow("references", start, end)
		return out
	}
	out[string(domain.BenchmarkTWAP)] = a.TWAP(w, start, end)
	out[string(domain.BenchmarkVWAP)] = a.VWAP(w, start, end)
	if o := w[0].Open; o > 0 {
		out[string(domain.BenchmarkOpen)] = o
	} else {
		out[string(domain.BenchmarkOpen)] = w[0].Close
	}
	out[string(domain.BenchmarkClose)] = w[len(w)-1].Close
	return out
}

// Request describes one completed execution. A zero window defaults to the
// span of the fills.
type Request struct {
	OrderID string              `json:"order_id"`
	Symbol  string              `json:"symbol"`
	Side    domain.Side         `json:"side"`
	Fills   []domain.Fill       `json:"executions"`
	Market  domain.MarketSeries `json:"market_data"`
	Start   time.Time           `json:"start_time,omitempty"`
	End     time.Time           `json:"end_time,omitempty"`
}

// Analyze measures the execution against a TWAP or VWAP benchmark.
func (a *Analyzer) Analyze(kind domain.BenchmarkType, req Request) (domain.BenchmarkResult, error) {
	if kind != domain.BenchmarkTWAP && kind != domain.BenchmarkVWAP {
		return domain.BenchmarkResult{}, fmt.Errorf("%w: %q is not a market benchmark", domain.ErrUnknownBenchmark, kind)
	}
	if err := req.Side.Validate(); err != nil {
		return domain.BenchmarkResult{}, err
	}
	if err := domain.ValidateFills(req.Fills); err != nil {
		return domain.BenchmarkResult{}, err
	}

	fills := domain.SortFills(req.Fills)
	start, end := req.Start, req.End
	if start.IsZero() || end.IsZero() {
		first, last := domain.FillWindow(fills)
		if start.IsZero() {
			start = first
		}
		if end.IsZero() {
			end = last
		}
	}
	if end.Before(start) {
		return domain.BenchmarkResult{}, fmt.Errorf("%w: window end before start", domain.ErrInvalidInput)
	}

	series := a.usable(req).Sorted()
	window := series.Window(start, end)

	var bench float64
	if kind == domain.BenchmarkTWAP {
		bench = a.TWAP(series, start, end)
	} else {
		bench = a.VWAP(series, start, end)
	}

	res := domain.BenchmarkResult{
		OrderID:          req.OrderID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		BenchmarkType:    kind,
		WindowStart:      start,
		WindowEnd:        end,
		BenchmarkPrice:   bench,
		ExecutionPrice:   domain.AveragePrice(fills),
		ExecutedQuantity: domain.FilledQuantity(fills),
		MarketVolume:     window.TotalVolume(),
		AnalyzedAt:       a.now().UTC(),
	}
	if bench > 0 {
		res.PerformanceBps = req.Side.Sign() * (bench - res.ExecutionPrice) / bench * 1e4
	}
	if res.MarketVolume > 0 {
		res.ParticipationRate = res.ExecutedQuantity / res.MarketVolume
	}

	res.ParticipationProfile = a.profile(fills, window)
	var rates []float64
	for _, p := range res.ParticipationProfile {
		if p.MarketVolume > 0 {
			rates = append(rates, p.Rate)
			res.MaxParticipation = math.Max(res.MaxParticipation, p.Rate)
		}
	}
	if len(rates) > 0 {
		var sum float64
		for _, r := range rates {
			sum += r
		}
		res.AverageParticipation = sum / float64(len(rates))
	}

	res.MarketContext = a.Context(series, start, end)
	res.EfficiencyScore = a.efficiency(res)
	res.TimingQualityScore = a.TimingQuality(req.Side, fills, window)
	res.PriceEvolution = evolution(kind, window)
	return res, nil
}

func (a *Analyzer) usable(req Request) domain.MarketSeries {
	series := req.Market.Usable()
	if dropped := len(req.Market) - len(series); dropped > 0 {
		a.logger.Warn("ignoring unusable market bars",
			slog.String("order_id", req.OrderID),
			slog.Int("dropped", dropped),
			slog.Int("bars", len(req.Market)),
		)
	}
	return series
}

// profile buckets fills onto the nearest bar within the match tolerance.
// Fills without a bar close enough are dropped from the profile.
func (a *Analyzer) profile(fills []domain.Fill, window domain.MarketSeries) []domain.ParticipationPoint {
	if len(window) == 0 {
		return nil
	}
	executed := make([]float64, len(window))
	for _, f := range fills {
		best, bestGap := -1, a.cfg.MatchTolerance
		for i, b := range window {
			gap := f.Timestamp.Sub(b.Timestamp)
			if gap < 0 {
				gap = -gap
			}
			if gap <= bestGap {
				best, bestGap = i, gap
			}
		}
		if best >= 0 {
			executed[best] += f.Quantity
		}
	}

	var out []domain.ParticipationPoint
	for i, b := range window {
		if executed[i] == 0 {
			continue
		}
		p := domain.ParticipationPoint{
			Timestamp:        b.Timestamp,
			ExecutedQuantity: executed[i],
			MarketVolume:     b.Volume,
		}
		if b.Volume > 0 {
			p.Rate = executed[i] / b.Volume
		}
		out = append(out, p)
	}
	return out
}

// Context describes volatility, trend and liquidity over [start, end].
// Liquidity is ranked against every bar in series.
func (a *Analyzer) Context(series domain.MarketSeries, start, end time.Time) domain.MarketContext {
	w := series.Window(start, end).Sorted()
	ctx := domain.MarketContext{Trend: domain.TrendSideways, LiquidityTier: domain.LiquidityMedium}
	if len(w) == 0 {
		return ctx
	}
	closes := w.Closes()
	ctx.VolatilityBps = stats.Volatility(closes) * 1e4
	ctx.PriceChangeBps = stats.Bps(closes[0], closes[len(closes)-1])
	switch {
	case ctx.PriceChangeBps >= a.cfg.TrendThresholdBps:
		ctx.Trend = domain.TrendUp
	case ctx.PriceChangeBps <= -a.cfg.TrendThresholdBps:
		ctx.Trend = domain.TrendDown
	}

	ctx.AverageVolume = w.TotalVolume() / float64(len(w))
	all := series.Usable().Volumes()
	lo, hi := stats.Quantile(0.25, all), stats.Quantile(0.75, all)
	switch {
	case ctx.AverageVolume > hi:
		ctx.LiquidityTier = domain.LiquidityHigh
	case ctx.AverageVolume < lo:
		ctx.LiquidityTier = domain.LiquidityLow
	}
	return ctx
}

func (a *Analyzer) efficiency(r domain.BenchmarkResult) float64 {
	score := 100.0
	if r.PerformanceBps < 0 {
		score -= a.cfg.DeviationPenalty * -r.PerformanceBps
	}
	if over := r.ParticipationRate - a.cfg.ParticipationThreshold; over > 0 {
		score -= a.cfg.ParticipationPenalty * over * 100
	}
	if r.MarketContext.VolatilityBps < a.cfg.BenignVolatilityBps {
		score += a.cfg.VolatilityBonus
	}
	return stats.Clamp(score, 0, 100)
}

// TimingQuality scores the share of quantity executed in the favourable
// half of the window's observed price range: the lower half for buys and
// the upper half for sells. A flat or empty window scores 50.
func (a *Analyzer) TimingQuality(side domain.Side, fills []domain.Fill, window domain.MarketSeries) float64 {
	if len(window) == 0 {
		return 50
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, b := range window {
		lo = math.Min(lo, b.Close)
		hi = math.Max(hi, b.Close)
	}
	if hi-lo <= 0 {
		return 50
	}
	mid := (lo + hi) / 2
	var good, total float64
	for _, f := range fills {
		total += f.Quantity
		if (side == domain.SideBuy && f.Price <= mid) || (side == domain.SideSell && f.Price >= mid) {
			good += f.Quantity
		}
	}
	if total == 0 {
		return 50
	}
	return good / total * 100
}

func evolution(kind domain.BenchmarkType, window domain.MarketSeries) []domain.PricePoint {
	out := make([]domain.PricePoint, 0, len(window))
	var sumPx, sumPV, sumV float64
	for i, b := range window {
		sumPx += b.Close
		sumPV += b.Close * b.Volume
		sumV += b.Volume
		bench := sumPx / float64(i+1)
		if kind == domain.BenchmarkVWAP && sumV > 0 {
			bench = sumPV / sumV
		}
		out = append(out, domain.PricePoint{Timestamp: b.Timestamp, Price: b.Close, Benchmark: bench})
	}
	return out
}
