package schedule

import (
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tcaengine/internal/domain"
	"github.com/alanyoungcy/tcaengine/internal/tca/impact"
)

var sessionStart = time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)

func newTestOptimizer() *Optimizer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewOptimizer(DefaultConfig(), impact.NewSquareRoot(impact.DefaultConfig(), logger), logger)
}

func constraints(hours float64) domain.TradingConstraints {
	return domain.TradingConstraints{
		StartTime:            sessionStart,
		EndTime:              sessionStart.Add(time.Duration(hours * float64(time.Hour))),
		MaxParticipationRate: 0.3,
	}
}

// intervalVolume is the expected market volume of one flat interval.
func intervalVolume(r Request, c domain.TradingConstraints) float64 {
	return r.AverageDailyVolume * c.Duration().Hours() / DefaultConfig().TradingDayHours / float64(r.Intervals)
}

func request(q float64, n int) Request {
	return Request{TotalQuantity: q, Intervals: n, AverageDailyVolume: 2_000_000, Volatility: 0.02, SpreadBps: 4}
}

func TestOptimize_Properties(t *testing.T) {
	opt := newTestOptimizer()
	rng := rand.New(rand.NewPCG(7, 11))

	for i := range 200 {
		n := 1 + rng.IntN(40)
		c := constraints(0.5 + rng.Float64()*6)
		c.MinParticipationRate = rng.Float64() * 0.05
		c.MaxParticipationRate = 0.1 + rng.Float64()*0.9
		c.RiskAversion = rng.Float64() * 1e-4
		capacity := c.MaxParticipationRate * intervalVolume(request(1, n), c) * float64(n)
		q := capacity * (0.01 + rng.Float64()*0.29)
		if rng.IntN(2) == 0 {
			c.MinOrderSize = rng.Float64() * q / float64(n)
		}
		if rng.IntN(3) == 0 {
			c.MaxOrderSize = q / float64(n) * (1 + rng.Float64())
		}

		req := request(q, n)
		s, err := opt.Optimize(req, c)
		require.NoError(t, err, "case %d", i)

		assert.InDelta(t, q, s.ScheduledQuantity(), 1e-6, "case %d: quantities must sum to total", i)
		assert.LessOrEqual(t, s.Len(), n, "case %d", i)
		assert.Len(t, s.ExecutionTimes, s.Len())
		require.Len(t, s.ParticipationRates, s.Len())

		vol := intervalVolume(req, c)
		for j, qty := range s.QuantitySchedule {
			rate := qty / vol
			assert.InDelta(t, rate, s.ParticipationRates[j], 1e-9, "case %d slice %d: reported rate is the traded rate", i, j)
			assert.LessOrEqual(t, rate, c.MaxParticipationRate+1e-9, "case %d slice %d", i, j)
			tail := j == s.Len()-1
			capped := c.MaxOrderSize > 0 && qty >= c.MaxOrderSize-1e-9
			if !tail && !capped {
				assert.GreaterOrEqual(t, rate, c.MinParticipationRate-1e-9, "case %d slice %d", i, j)
			}
		}
		assert.GreaterOrEqual(t, s.EfficiencyScore, 0.0)
		assert.LessOrEqual(t, s.EfficiencyScore, 100.0)
	}
}

func TestOptimize_WindowTooShortIsInfeasible(t *testing.T) {
	c := constraints(1)
	c.MaxParticipationRate = 0.05

	_, err := newTestOptimizer().Optimize(request(500_000, 10), c)
	assert.ErrorIs(t, err, domain.ErrInfeasibleSchedule)
}

func TestOptimize_MaxRateCapsSlices(t *testing.T) {
	c := constraints(1)
	c.MaxParticipationRate = 0.05
	c.RiskAversion = 1e-4
	req := request(14_000, 10)
	limit := 0.05 * intervalVolume(req, c)

	s, err := newTestOptimizer().Optimize(req, c)
	require.NoError(t, err)
	assert.InDelta(t, 14_000, s.ScheduledQuantity(), 1e-6)
	assert.InDelta(t, limit, s.QuantitySchedule[0], 1e-6, "front-loaded first slice is held at the ceiling")
	for i, q := range s.QuantitySchedule {
		assert.LessOrEqual(t, q, limit+1e-9, "slice %d", i)
		assert.LessOrEqual(t, s.ParticipationRates[i], 0.05+1e-12)
	}
}

func TestOptimize_MinRateFloorsSlices(t *testing.T) {
	c := constraints(5)
	c.MinParticipationRate = 0.01
	req := request(10_000, 10)
	floor := 0.01 * intervalVolume(req, c)

	s, err := newTestOptimizer().Optimize(req, c)
	require.NoError(t, err)
	assert.InDelta(t, 10_000, s.ScheduledQuantity(), 1e-6)
	require.Equal(t, 7, s.Len(), "slices of %.2f finish the order early", floor)
	for i, q := range s.QuantitySchedule[:s.Len()-1] {
		assert.InDelta(t, floor, q, 1e-6, "slice %d", i)
		assert.InDelta(t, 0.01, s.ParticipationRates[i], 1e-9)
	}
	assert.Less(t, s.ParticipationRates[s.Len()-1], 0.01)
	assert.Contains(t, s.ConstraintViolations, "1 slice(s) below min_participation_rate")
}

func TestFit_CappedReportsUnfilled(t *testing.T) {
	opt := newTestOptimizer()
	c := constraints(1)
	c.MaxParticipationRate = 0.05
	req := request(500_000, 10)
	plan, err := opt.NewPlan(req, c, nil)
	require.NoError(t, err)

	targets := make([]float64, 10)
	for i := range targets {
		targets[i] = 50_000
	}
	s, err := opt.Fit(domain.StrategyTWAP, plan, targets, FitCapped)
	require.NoError(t, err)
	limit := 0.05 * intervalVolume(req, c)
	require.Equal(t, 10, s.Len())
	for _, q := range s.QuantitySchedule {
		assert.InDelta(t, limit, q, 1e-6)
	}
	assert.InDelta(t, 500_000-10*limit, s.UnfilledQuantity, 1e-6)

	_, err = opt.Fit(domain.StrategyTWAP, plan, targets, FitComplete)
	assert.ErrorIs(t, err, domain.ErrInfeasibleSchedule)
}

func TestOptimize_ZeroRiskAversionIsLinear(t *testing.T) {
	s, err := newTestOptimizer().Optimize(request(10_000, 10), constraints(5))
	require.NoError(t, err)
	require.Equal(t, 10, s.Len())
	for _, q := range s.QuantitySchedule {
		assert.InDelta(t, 1_000, q, 1e-6)
	}
	assert.Equal(t, domain.StrategyImplementationShortfall, s.Strategy)
}

func TestOptimize_RiskAversionFrontLoads(t *testing.T) {
	c := constraints(6.5)
	c.RiskAversion = 1e-4

	s, err := newTestOptimizer().Optimize(request(100_000, 10), c)
	require.NoError(t, err)
	require.Equal(t, 10, s.Len())
	for i := 1; i < s.Len(); i++ {
		assert.Less(t, s.QuantitySchedule[i], s.QuantitySchedule[i-1])
	}

	linear, err := newTestOptimizer().Optimize(request(100_000, 10), constraints(6.5))
	require.NoError(t, err)
	assert.Less(t, s.ExecutionRiskBps, linear.ExecutionRiskBps)
}

func TestOptimize_CostComponents(t *testing.T) {
	s, err := newTestOptimizer().Optimize(request(50_000, 5), constraints(6.5))
	require.NoError(t, err)

	assert.InDelta(t, 0.02*1e4, s.TimingRiskBps, 1e-6, "one full trading day of timing risk")
	assert.InDelta(t, s.ExpectedImpactBps+s.TimingRiskBps, s.ExpectedCostBps, 1e-9)
	assert.Greater(t, s.ExpectedImpactBps, 0.0)
	assert.Greater(t, s.ExecutionRiskBps, 0.0)
	assert.Less(t, s.ExecutionRiskBps, s.TimingRiskBps)
}

func TestOptimize_BlackoutSkipsIntervals(t *testing.T) {
	c := constraints(5)
	c.BlackoutPeriods = []domain.TimeRange{{
		Start: sessionStart.Add(time.Hour),
		End:   sessionStart.Add(2*time.Hour + 30*time.Minute),
	}}

	s, err := newTestOptimizer().Optimize(request(10_000, 10), c)
	require.NoError(t, err)
	assert.Less(t, s.Len(), 10)
	assert.InDelta(t, 10_000, s.ScheduledQuantity(), 1e-6)
	for _, ts := range s.ExecutionTimes {
		assert.False(t, c.InBlackout(ts), "slice scheduled at %s inside blackout", ts)
	}
}

func TestOptimize_MinOrderSizeTruncatesEarly(t *testing.T) {
	c := constraints(5)
	c.MinOrderSize = 4_000

	s, err := newTestOptimizer().Optimize(request(10_000, 10), c)
	require.NoError(t, err)
	assert.Less(t, s.Len(), 10)
	assert.InDelta(t, 10_000, s.ScheduledQuantity(), 1e-6)
	for _, q := range s.QuantitySchedule[:s.Len()-1] {
		assert.GreaterOrEqual(t, q, 4_000.0)
	}
}

func TestOptimize_AllBlackoutIsInfeasible(t *testing.T) {
	c := constraints(2)
	c.BlackoutPeriods = []domain.TimeRange{{Start: c.StartTime, End: c.EndTime}}
	_, err := newTestOptimizer().Optimize(request(10_000, 4), c)
	assert.ErrorIs(t, err, domain.ErrInfeasibleSchedule)
}

func TestOptimize_InvalidInput(t *testing.T) {
	opt := newTestOptimizer()

	_, err := opt.Optimize(request(0, 10), constraints(1))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	c := constraints(1)
	c.EndTime = c.StartTime
	_, err = opt.Optimize(request(100, 10), c)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	c = constraints(1)
	c.MaxParticipationRate = 1.5
	_, err = opt.Optimize(request(100, 10), c)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestOptimize_ImpactCapRecorded(t *testing.T) {
	c := constraints(1)
	c.MaxMarketImpactBps = 0.5
	s, err := newTestOptimizer().Optimize(request(50_000, 4), c)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ConstraintViolations)
}

func TestHoldingsFraction(t *testing.T) {
	assert.InDelta(t, 1.0, HoldingsFraction(3, 1, 0), 1e-12)
	assert.InDelta(t, 0.0, HoldingsFraction(3, 1, 1), 1e-12)
	assert.InDelta(t, math.Sinh(3*0.6)/math.Sinh(3), HoldingsFraction(3, 1, 0.4), 1e-12)
	assert.InDelta(t, 0.6, HoldingsFraction(0, 1, 0.4), 1e-12)

	huge := HoldingsFraction(5_000, 1, 0.5)
	assert.False(t, math.IsNaN(huge))
	assert.InDelta(t, 0, huge, 1e-12)
}

func TestNewPlan_ProfileMismatch(t *testing.T) {
	_, err := newTestOptimizer().NewPlan(request(100, 4), constraints(1), []float64{1, 2, 3})
	assert.ErrorIs(t, err, domain.ErrLengthMismatch)
}
