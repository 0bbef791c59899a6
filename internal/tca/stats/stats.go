// Package stats holds the small numeric helpers shared by the TCA analyzers.
package stats

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Bps returns the move from ref to price in basis points of ref, or 0 when
// ref is not positive.
func Bps(ref, price float64) float64 {
	if ref <= 0 {
		return 0
	}
	return (price - ref) / ref * 1e4
}

// LogReturns returns ln(p[i]/p[i-1]), skipping non-positive prices.
func LogReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		out = append(out, math.Log(prices[i]/prices[i-1]))
	}
	return out
}

// Volatility is the sample standard deviation of log returns. It returns 0
// when fewer than two returns are available.
func Volatility(prices []float64) float64 {
	r := LogReturns(prices)
	if len(r) < 2 {
		return 0
	}
	return stat.StdDev(r, nil)
}

// Shares returns |v_i| / sum|v| * 100. All zeros when the sum is zero.
func Shares(values []float64) []float64 {
	abs := make([]float64, len(values))
	for i, v := range values {
		abs[i] = math.Abs(v)
	}
	out := make([]float64, len(values))
	total := floats.Sum(abs)
	if total == 0 {
		return out
	}
	for i, v := range abs {
		out[i] = v / total * 100
	}
	return out
}

// Quantile returns the p-quantile of values using the empirical CDF. The
// input is not modified.
func Quantile(p float64, values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

// PercentileRank returns the share of values strictly below v, in percent.
func PercentileRank(v float64, values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var below int
	for _, x := range values {
		if x < v {
			below++
		}
	}
	return float64(below) / float64(len(values)) * 100
}

// WeightedMean returns sum(x*w)/sum(w), or 0 when weights sum to zero.
func WeightedMean(x, w []float64) float64 {
	if floats.Sum(w) == 0 {
		return 0
	}
	return stat.Mean(x, w)
}
