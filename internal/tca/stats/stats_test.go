package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-5, 0, 100))
	assert.Equal(t, 100.0, Clamp(120, 0, 100))
	assert.Equal(t, 42.0, Clamp(42, 0, 100))
}

func TestBps(t *testing.T) {
	assert.InDelta(t, 50.0, Bps(100, 100.5), 1e-9)
	assert.InDelta(t, -50.0, Bps(100, 99.5), 1e-9)
	assert.Equal(t, 0.0, Bps(0, 10))
}

func TestVolatility(t *testing.T) {
	assert.Equal(t, 0.0, Volatility([]float64{100}))
	assert.Equal(t, 0.0, Volatility([]float64{100, 101}))
	assert.InDelta(t, 0.0, Volatility([]float64{100, 100, 100, 100}), 1e-12)

	v := Volatility([]float64{100, 101, 100, 101, 100})
	assert.Greater(t, v, 0.0)
}

func TestShares(t *testing.T) {
	s := Shares([]float64{10, -30, 60})
	assert.InDelta(t, 10.0, s[0], 1e-9)
	assert.InDelta(t, 30.0, s[1], 1e-9)
	assert.InDelta(t, 60.0, s[2], 1e-9)

	zero := Shares([]float64{0, 0})
	assert.Equal(t, []float64{0, 0}, zero)
}

func TestQuantile(t *testing.T) {
	values := []float64{5, 1, 3, 2, 4}
	assert.Equal(t, 3.0, Quantile(0.5, values))
	assert.Equal(t, 1.0, Quantile(0, values))
	assert.Equal(t, 5.0, Quantile(1, values))
	assert.Equal(t, []float64{5, 1, 3, 2, 4}, values, "input must not be reordered")
	assert.Equal(t, 0.0, Quantile(0.5, nil))
}

func TestPercentileRank(t *testing.T) {
	assert.InDelta(t, 40.0, PercentileRank(3, []float64{1, 2, 3, 4, 5}), 1e-9)
	assert.Equal(t, 0.0, PercentileRank(3, nil))
}

func TestWeightedMean(t *testing.T) {
	assert.InDelta(t, 100.41, WeightedMean([]float64{100.2, 100.5, 100.8}, []float64{50, 30, 20}), 1e-9)
	assert.Equal(t, 0.0, WeightedMean([]float64{1}, []float64{0}))
	assert.False(t, math.IsNaN(WeightedMean(nil, nil)))
}
