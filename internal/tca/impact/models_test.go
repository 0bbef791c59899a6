package impact

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseInput(size float64) Input {
	return Input{TradeSize: size, AverageDailyVolume: 1_000_000, Volatility: 0.02, SpreadBps: 5}
}

func TestModels_Monotonic(t *testing.T) {
	reg := NewRegistry(DefaultConfig(), discardLogger())
	for _, name := range reg.Names() {
		m, err := reg.Get(name)
		require.NoError(t, err)
		for _, size := range []float64{100, 1_000, 10_000, 50_000, 200_000} {
			small, err := m.EstimateImpact(baseInput(size))
			require.NoError(t, err)
			large, err := m.EstimateImpact(baseInput(2 * size))
			require.NoError(t, err)
			assert.GreaterOrEqual(t, large.TotalBps, small.TotalBps, "%s at size %v", name, size)
			assert.GreaterOrEqual(t, large.TemporaryBps, small.TemporaryBps, "%s at size %v", name, size)
		}
	}
}

func TestSquareRoot_KnownValue(t *testing.T) {
	m := NewSquareRoot(DefaultConfig(), discardLogger())
	est, err := m.EstimateImpact(Input{TradeSize: 100_000, AverageDailyVolume: 1_000_000, Volatility: 0.02})
	require.NoError(t, err)

	base := 0.02 * math.Sqrt(0.1) * 1e4
	assert.InDelta(t, 0.142*base, est.TemporaryBps, 1e-9)
	assert.InDelta(t, 0.314*base, est.PermanentBps, 1e-9)
	assert.InDelta(t, 0.1, est.ParticipationRate, 1e-12)
	assert.InDelta(t, est.TemporaryBps+est.PermanentBps, est.TotalBps, 1e-12)
}

func TestLinear_SplitsByRatio(t *testing.T) {
	m := NewLinear(DefaultConfig(), discardLogger())
	est, err := m.EstimateImpact(Input{TradeSize: 100_000, AverageDailyVolume: 1_000_000, Volatility: 0.02})
	require.NoError(t, err)
	assert.InDelta(t, 0.8*0.1*0.02*1e4, est.TotalBps, 1e-9)
	assert.InDelta(t, 0.7*est.TotalBps, est.TemporaryBps, 1e-9)
}

func TestLiquidityAdjusted_Factors(t *testing.T) {
	cfg := DefaultConfig()
	base := NewSquareRoot(cfg, discardLogger())
	m := NewLiquidityAdjusted(cfg, discardLogger())

	in := Input{TradeSize: 50_000, AverageDailyVolume: 1_000_000, Volatility: 0.02}
	plain, err := base.EstimateImpact(in)
	require.NoError(t, err)
	adj, err := m.EstimateImpact(in)
	require.NoError(t, err)
	assert.InDelta(t, plain.TotalBps, adj.TotalBps, 1e-9, "no liquidity context leaves impact unchanged")

	in.SpreadBps = 20
	in.OrderBookDepth = 25_000
	wide, err := m.EstimateImpact(in)
	require.NoError(t, err)
	assert.Greater(t, wide.TotalBps, plain.TotalBps)

	in.MarketMakerPresence = 1
	covered, err := m.EstimateImpact(in)
	require.NoError(t, err)
	assert.Less(t, covered.TotalBps, wide.TotalBps)
}

func TestEstimateImpact_RejectsBadInput(t *testing.T) {
	m := NewSquareRoot(DefaultConfig(), discardLogger())
	_, err := m.EstimateImpact(Input{TradeSize: 10, AverageDailyVolume: 0, Volatility: 0.02})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = m.EstimateImpact(Input{TradeSize: -1, AverageDailyVolume: 100, Volatility: 0.02})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCalibrate_TooFewRowsKeepsDefaults(t *testing.T) {
	m := NewSquareRoot(DefaultConfig(), discardLogger())
	obs := make([]Observation, 9)
	for i := range obs {
		obs[i] = Observation{TradeSize: 1000, AverageDailyVolume: 1e6, Volatility: 0.02, ImpactBps: 5}
	}
	res := m.Calibrate(obs)
	assert.False(t, res.Calibrated)
	assert.Equal(t, 9, res.Samples)
	assert.InDelta(t, 0.314, m.Parameters()["gamma"], 1e-12)
}

func TestCalibrate_InvalidRowsAreIgnored(t *testing.T) {
	m := NewLinear(DefaultConfig(), discardLogger())
	obs := make([]Observation, 15)
	for i := range obs {
		obs[i] = Observation{TradeSize: 1000, AverageDailyVolume: 0, Volatility: 0.02, ImpactBps: 5}
	}
	res := m.Calibrate(obs)
	assert.False(t, res.Calibrated)
	assert.Equal(t, 0, res.Samples)
}

func TestSquareRoot_CalibrateRecoversCoefficient(t *testing.T) {
	m := NewSquareRoot(DefaultConfig(), discardLogger())
	const c = 0.9
	var obs []Observation
	for i := 1; i <= 20; i++ {
		size := float64(i) * 5_000
		p := size / 1e6
		obs = append(obs, Observation{
			TradeSize:          size,
			AverageDailyVolume: 1e6,
			Volatility:         0.02,
			ImpactBps:          c * 0.02 * math.Sqrt(p) * 1e4,
		})
	}
	res := m.Calibrate(obs)
	require.True(t, res.Calibrated)
	assert.Equal(t, 20, res.Samples)
	assert.InDelta(t, 1.0, res.RSquared, 1e-9)

	params := m.Parameters()
	assert.InDelta(t, c, params["gamma"]+params["eta"], 1e-9)
	assert.InDelta(t, 0.314/(0.314+0.142), params["gamma"]/c, 1e-9)
}

func TestPowerLaw_CalibrateRecoversExponent(t *testing.T) {
	m := NewPowerLaw(DefaultConfig(), discardLogger())
	var obs []Observation
	for i := 1; i <= 12; i++ {
		size := float64(i) * 10_000
		p := size / 1e6
		obs = append(obs, Observation{
			TradeSize:          size,
			AverageDailyVolume: 1e6,
			Volatility:         0.015,
			ImpactBps:          0.7 * 0.015 * math.Pow(p, 0.45) * 1e4,
		})
	}
	res := m.Calibrate(obs)
	require.True(t, res.Calibrated)
	assert.InDelta(t, 0.7, res.Parameters["beta"], 1e-6)
	assert.InDelta(t, 0.45, res.Parameters["delta"], 1e-6)
}

func TestCalculateTotalCost(t *testing.T) {
	m := NewSquareRoot(DefaultConfig(), discardLogger())
	cost, err := CalculateTotalCost(m, CostInput{
		Input:         Input{TradeSize: 10_000, AverageDailyVolume: 1e6, Volatility: 0.02, SpreadBps: 8},
		Price:         50,
		CommissionBps: 1.5,
	})
	require.NoError(t, err)

	assert.InDelta(t, 4.0, cost.HalfSpreadBps, 1e-12)
	assert.InDelta(t, cost.MarketImpactBps+4.0+1.5, cost.TotalBps, 1e-9)
	assert.InDelta(t, 500_000.0, cost.Notional, 1e-9)
	assert.InDelta(t, cost.TotalBps/1e4*500_000, cost.TotalCost, 1e-9)

	_, err = CalculateTotalCost(m, CostInput{Input: baseInput(10), Price: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRegistry_UnknownModel(t *testing.T) {
	reg := NewRegistry(DefaultConfig(), discardLogger())
	_, err := reg.Get("quadratic")
	assert.True(t, errors.Is(err, domain.ErrUnknownMethod))

	m, err := reg.Get("")
	require.NoError(t, err)
	assert.Equal(t, NameSquareRoot, m.Name())
}

func TestRegistry_SetDefault(t *testing.T) {
	reg := NewRegistry(DefaultConfig(), discardLogger())
	require.NoError(t, reg.SetDefault(NameLinear))
	m, err := reg.Get("")
	require.NoError(t, err)
	assert.Equal(t, NameLinear, m.Name())

	assert.ErrorIs(t, reg.SetDefault("quadratic"), domain.ErrUnknownMethod)
}
