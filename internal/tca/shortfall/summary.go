package shortfall

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/alanyoungcy/tcaengine/internal/domain"
	"github.com/alanyoungcy/tcaengine/internal/tca/stats"
)

// Efficiency buckets, lower bounds inclusive.
const (
	excellentScore = 80
	goodScore      = 60
	fairScore      = 40
)

// Bucket names an efficiency score's band.
func Bucket(score float64) string {
	switch {
	case score >= excellentScore:
		return "excellent"
	case score >= goodScore:
		return "good"
	case score >= fairScore:
		return "fair"
	}
	return "poor"
}

// Summarize aggregates analyses into distribution statistics and best and
// worst execution callouts.
func Summarize(analyses []domain.ShortfallAnalysis, now time.Time) (domain.ShortfallSummary, error) {
	if len(analyses) == 0 {
		return domain.ShortfallSummary{}, fmt.Errorf("%w: no analyses to summarise", domain.ErrInsufficientData)
	}

	n := float64(len(analyses))
	totals := make([]float64, len(analyses))
	sum := domain.ShortfallSummary{
		OrderCount: len(analyses),
		EfficiencyDistribution: map[string]int{
			"excellent": 0, "good": 0, "fair": 0, "poor": 0,
		},
		ComponentMeansBps: make(map[string]float64, 3),
		GeneratedAt:       now.UTC(),
	}

	best, worst := 0, 0
	for i, a := range analyses {
		totals[i] = a.TotalShortfallBps
		sum.TotalNotional += a.AveragePrice * a.ExecutedQuantity
		sum.MeanEfficiency += a.EfficiencyScore / n
		sum.EfficiencyDistribution[Bucket(a.EfficiencyScore)]++
		for _, c := range a.Components() {
			sum.ComponentMeansBps[c.Name] += c.ValueBps / n
		}
		if a.TotalShortfallBps < analyses[best].TotalShortfallBps {
			best = i
		}
		if a.TotalShortfallBps > analyses[worst].TotalShortfallBps {
			worst = i
		}
	}

	p := domain.ShortfallPercentiles{
		Mean:   stat.Mean(totals, nil),
		Min:    stats.Quantile(0, totals),
		P25:    stats.Quantile(0.25, totals),
		Median: stats.Quantile(0.5, totals),
		P75:    stats.Quantile(0.75, totals),
		P90:    stats.Quantile(0.9, totals),
		P95:    stats.Quantile(0.95, totals),
		Max:    stats.Quantile(1, totals),
	}
	if len(totals) > 1 {
		p.StdDev = stat.StdDev(totals, nil)
	}
	sum.Shortfall = p
	sum.BestExecution = callout(analyses[best])
	sum.WorstExecution = callout(analyses[worst])
	return sum, nil
}

func callout(a domain.ShortfallAnalysis) *domain.ExecutionCallout {
	return &domain.ExecutionCallout{
		OrderID:           a.OrderID,
		Symbol:            a.Symbol,
		TotalShortfallBps: a.TotalShortfallBps,
		EfficiencyScore:   a.EfficiencyScore,
	}
}
