package benchmark

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

var t0 = time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)

func newTestAnalyzer() *Analyzer {
	return NewAnalyzer(DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func bars(closes []float64, volumes []float64) domain.MarketSeries {
	out := make(domain.MarketSeries, len(closes))
	for i, c := range closes {
		out[i] = domain.MarketBar{Timestamp: t0.Add(time.Duration(i) * time.Minute), Open: c, High: c, Low: c, Close: c, Volume: volumes[i]}
	}
	return out
}

func flat(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestTWAPAndVWAP(t *testing.T) {
	a := newTestAnalyzer()
	series := bars([]float64{100, 101, 102, 103, 104}, flat(5, 1_000))
	end := t0.Add(4 * time.Minute)

	assert.InDelta(t, 102, a.TWAP(series, t0, end), 1e-12)
	assert.InDelta(t, a.TWAP(series, t0, end), a.VWAP(series, t0, end), 1e-9, "uniform volume vwap equals twap")
	assert.Equal(t, a.TWAP(series, t0, end), a.TWAP(series, t0, end))

	weighted := bars([]float64{100, 110}, []float64{3, 1})
	assert.InDelta(t, 102.5, a.VWAP(weighted, t0, t0.Add(time.Minute)), 1e-12)
}

func TestTWAP_WindowIsInclusive(t *testing.T) {
	series := bars([]float64{100, 200, 300}, flat(3, 1))
	assert.InDelta(t, 150, newTestAnalyzer().TWAP(series, t0, t0.Add(time.Minute)), 1e-12)
}

func TestBenchmarks_EmptyWindowReturnsZero(t *testing.T) {
	a := newTestAnalyzer()
	series := bars([]float64{100, 101}, flat(2, 10))
	later := t0.Add(time.Hour)

	assert.Zero(t, a.TWAP(series, later, later.Add(time.Minute)))
	assert.Zero(t, a.VWAP(series, later, later.Add(time.Minute)))
	assert.Empty(t, a.References(series, later, later.Add(time.Minute)))
}

func TestVWAP_NoVolumeFallsBackToTWAP(t *testing.T) {
	series := bars([]float64{100, 104}, flat(2, 0))
	assert.InDelta(t, 102, newTestAnalyzer().VWAP(series, t0, t0.Add(time.Minute)), 1e-12)
}

func TestBenchmarks_SkipUnusableBars(t *testing.T) {
	a := newTestAnalyzer()
	series := bars([]float64{100, 0, 102, 200}, []float64{1, 1, 1, -5})
	end := t0.Add(3 * time.Minute)

	assert.InDelta(t, 101, a.TWAP(series, t0, end), 1e-12, "zero close is not averaged")
	assert.InDelta(t, 101, a.VWAP(series, t0, end), 1e-12, "negative volume does not weight")
	refs := a.References(series, t0, end)
	assert.InDelta(t, 102, refs["close"], 1e-12)

	res, err := a.Analyze(domain.BenchmarkVWAP, Request{
		Side:   domain.SideBuy,
		Fills:  []domain.Fill{{Price: 101, Quantity: 1, Timestamp: t0.Add(2 * time.Minute)}},
		Market: series,
		Start:  t0,
		End:    end,
	})
	require.NoError(t, err)
	assert.InDelta(t, 101, res.BenchmarkPrice, 1e-12)
	assert.InDelta(t, 2, res.MarketVolume, 1e-12)
	assert.Len(t, res.PriceEvolution, 2)
}

func TestAnalyze_Buy(t *testing.T) {
	series := bars([]float64{100, 101, 102, 103, 104}, flat(5, 1_000))
	req := Request{
		OrderID: "o-1",
		Symbol:  "AAPL",
		Side:    domain.SideBuy,
		Fills: []domain.Fill{
			{Price: 103, Quantity: 100, Timestamp: t0.Add(3 * time.Minute)},
			{Price: 101, Quantity: 100, Timestamp: t0.Add(time.Minute)},
		},
		Market: series,
	}

	res, err := newTestAnalyzer().Analyze(domain.BenchmarkTWAP, req)
	require.NoError(t, err)

	assert.Equal(t, t0.Add(time.Minute), res.WindowStart)
	assert.Equal(t, t0.Add(3*time.Minute), res.WindowEnd)
	assert.InDelta(t, 102, res.BenchmarkPrice, 1e-12)
	assert.InDelta(t, 102, res.ExecutionPrice, 1e-12)
	assert.InDelta(t, 0, res.PerformanceBps, 1e-9)
	assert.InDelta(t, 3_000, res.MarketVolume, 1e-9)
	assert.InDelta(t, 200.0/3_000, res.ParticipationRate, 1e-12)

	require.Len(t, res.ParticipationProfile, 2)
	assert.InDelta(t, 0.1, res.AverageParticipation, 1e-12)
	assert.InDelta(t, 0.1, res.MaxParticipation, 1e-12)

	assert.Equal(t, domain.TrendUp, res.MarketContext.Trend)
	assert.Equal(t, domain.LiquidityMedium, res.MarketContext.LiquidityTier)
	assert.InDelta(t, 50, res.TimingQualityScore, 1e-9)
	assert.Len(t, res.PriceEvolution, 3)
	assert.GreaterOrEqual(t, res.EfficiencyScore, 0.0)
	assert.LessOrEqual(t, res.EfficiencyScore, 100.0)
}

func TestAnalyze_SellOutperformance(t *testing.T) {
	series := bars([]float64{100, 102, 104}, flat(3, 1_000))
	req := Request{
		Side:   domain.SideSell,
		Fills:  []domain.Fill{{Price: 104, Quantity: 10, Timestamp: t0.Add(2 * time.Minute)}},
		Market: series,
		Start:  t0,
		End:    t0.Add(2 * time.Minute),
	}

	res, err := newTestAnalyzer().Analyze(domain.BenchmarkTWAP, req)
	require.NoError(t, err)
	assert.InDelta(t, (104-102)/102.0*1e4, res.PerformanceBps, 1e-9)
	assert.InDelta(t, 100, res.TimingQualityScore, 1e-9)
}

func TestAnalyze_UnderperformanceLowersEfficiency(t *testing.T) {
	series := bars([]float64{100, 100, 100}, flat(3, 1_000))
	fills := []domain.Fill{{Price: 100.2, Quantity: 10, Timestamp: t0.Add(time.Minute)}}
	a := newTestAnalyzer()

	res, err := a.Analyze(domain.BenchmarkVWAP, Request{Side: domain.SideBuy, Fills: fills, Market: series, Start: t0, End: t0.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.InDelta(t, -20, res.PerformanceBps, 1e-9)
	assert.InDelta(t, 85, res.EfficiencyScore, 1e-9)
}

func TestContext_LiquidityTier(t *testing.T) {
	vols := []float64{100, 100, 100, 100, 100, 100, 100, 5_000}
	series := bars(flat(8, 100), vols)
	a := newTestAnalyzer()

	last := t0.Add(7 * time.Minute)
	ctx := a.Context(series, last, last)
	assert.Equal(t, domain.LiquidityHigh, ctx.LiquidityTier)
	assert.Equal(t, domain.TrendSideways, ctx.Trend)

	low := bars(flat(8, 100), []float64{1, 900, 900, 900, 900, 900, 900, 900})
	assert.Equal(t, domain.LiquidityLow, a.Context(low, t0, t0).LiquidityTier)
}

func TestAnalyze_Validation(t *testing.T) {
	a := newTestAnalyzer()

	_, err := a.Analyze(domain.BenchmarkTWAP, Request{Side: domain.SideBuy})
	assert.ErrorIs(t, err, domain.ErrEmptyExecutions)

	_, err = a.Analyze(domain.BenchmarkArrival, Request{Side: domain.SideBuy})
	assert.ErrorIs(t, err, domain.ErrUnknownBenchmark)
}

func TestReferences(t *testing.T) {
	series := bars([]float64{100, 102, 104}, []float64{1, 1, 2})
	series[0].Open = 99.5

	refs := newTestAnalyzer().References(series, t0, t0.Add(2*time.Minute))
	assert.InDelta(t, 102, refs["twap"], 1e-12)
	assert.InDelta(t, 102.5, refs["vwap"], 1e-12)
	assert.InDelta(t, 99.5, refs["open"], 1e-12)
	assert.InDelta(t, 104, refs["close"], 1e-12)
}
