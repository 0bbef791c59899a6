package monitor

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tcaengine/internal/domain"
	"github.com/alanyoungcy/tcaengine/internal/tca/stats"
)

const quantityEpsilon = 1e-9

// compute rebuilds the order's metrics from its full fill history.
func (m *Monitor) compute(rec *record, now time.Time) domain.MonitoringMetrics {
	o := rec.order
	sign := o.Side.Sign()
	qty := domain.FilledQuantity(rec.fills)

	mm := domain.MonitoringMetrics{
		OrderID:            o.OrderID,
		Symbol:             o.Symbol,
		Side:               o.Side,
		State:              domain.OrderRegistered,
		TargetQuantity:     o.TargetQuantity,
		CumulativeQuantity: qty,
		ArrivalPrice:       o.ArrivalPrice,
		FillCount:          len(rec.fills),
		QuantityProgress:   math.Min(100, qty/o.TargetQuantity*100),
		Timestamp:          now.UTC(),
	}
	if !o.ExpectedEndTime.IsZero() {
		if span := o.ExpectedEndTime.Sub(o.StartTime); span > 0 {
			mm.TimeProgress = stats.Clamp(float64(now.Sub(o.StartTime))/float64(span)*100, 0, 100)
		}
	}
	if len(rec.fills) == 0 {
		mm.CurrentPrice = rec.market.Price
		mm.EfficiencyScore = 100
		return mm
	}

	mm.State = domain.OrderFilling
	if qty >= o.TargetQuantity-quantityEpsilon {
		mm.State = domain.OrderCompleted
	}
	mm.AverageFillPrice = domain.AveragePrice(rec.fills)
	mm.CurrentPrice = rec.fills[len(rec.fills)-1].Price
	if rec.market.Price > 0 {
		mm.CurrentPrice = rec.market.Price
	}

	mm.RealizedImpactBps = sign * stats.Bps(o.ArrivalPrice, mm.AverageFillPrice)
	if rec.market.Price > 0 {
		mid := rec.market.Price
		if rec.market.Bid > 0 && rec.market.Ask >= rec.market.Bid {
			mid = (rec.market.Bid + rec.market.Ask) / 2
		}
		mm.SlippageBps = sign * stats.Bps(mid, mm.AverageFillPrice)
	}
	if rec.market.Volume > 0 {
		mm.ParticipationRate = qty / rec.market.Volume
	}

	mm.TotalCostBps = mm.RealizedImpactBps + halfSpreadBps(rec.market)
	mm.EfficiencyScore = stats.Clamp(
		100-m.cfg.ImpactPenalty*math.Abs(mm.RealizedImpactBps)-m.cfg.SlippagePenalty*math.Abs(mm.SlippageBps),
		0, 100)
	return mm
}

func halfSpreadBps(s domain.MarketSnapshot) float64 {
	if s.Bid <= 0 || s.Ask < s.Bid {
		return 0
	}
	mid := (s.Bid + s.Ask) / 2
	return (s.Ask - s.Bid) / mid * 1e4 / 2
}

type check struct {
	kind      domain.AlertType
	value     float64
	threshold float64
	below     bool
	advice    []string
}

// evaluate returns one alert per breached threshold.
func (m *Monitor) evaluate(rec *record, now time.Time) []domain.TCAAlert {
	mm := rec.metrics
	if mm.FillCount == 0 {
		return nil
	}
	t := m.cfg.Thresholds
	checks := []check{
		{domain.AlertMarketImpact, mm.RealizedImpactBps, t.MarketImpactBps, false, []string{
			"Slow the execution rate to reduce impact",
			"Consider passive orders or alternative venues",
		}},
		{domain.AlertSlippage, mm.SlippageBps, t.SlippageBps, false, []string{
			"Check fill quality against the prevailing quote",
			"Tighten limit prices",
		}},
		{domain.AlertEfficiency, mm.EfficiencyScore, t.MinEfficiency, true, []string{
			"Review the execution strategy for this order",
		}},
		{domain.AlertParticipationRate, mm.ParticipationRate, t.MaxParticipation, false, []string{
			"Reduce participation to stay below the market volume limit",
		}},
		{domain.AlertTotalCost, mm.TotalCostBps, t.TotalCostBps, false, []string{
			"Pause and reassess; total cost exceeds budget",
		}},
	}

	var out []domain.TCAAlert
	for _, c := range checks {
		if c.threshold <= 0 {
			continue
		}
		breached := c.value > c.threshold
		if c.below {
			breached = c.value < c.threshold
		}
		if !breached {
			continue
		}
		out = append(out, domain.TCAAlert{
			ID:           uuid.NewString(),
			OrderID:      mm.OrderID,
			Symbol:       mm.Symbol,
			Type:         c.kind,
			Severity:     m.severity(c),
			CurrentValue: c.value,
			Threshold:    c.threshold,
			Message:      alertMessage(c),
			MarketContext: map[string]float64{
				"price":      rec.market.Price,
				"bid":        rec.market.Bid,
				"ask":        rec.market.Ask,
				"volume":     rec.market.Volume,
				"spread_bps": halfSpreadBps(rec.market) * 2,
			},
			ExecutionContext: map[string]float64{
				"cumulative_quantity": mm.CumulativeQuantity,
				"average_fill_price":  mm.AverageFillPrice,
				"quantity_progress":   mm.QuantityProgress,
				"time_progress":       mm.TimeProgress,
				"fill_count":          float64(mm.FillCount),
			},
			Recommendations: c.advice,
			Timestamp:       now.UTC(),
		})
	}
	return out
}

func (m *Monitor) severity(c check) domain.Severity {
	if c.below {
		if c.value <= c.threshold*(1-m.cfg.CriticalRatio) {
			return domain.SeverityCritical
		}
		return domain.SeverityWarning
	}
	if c.value >= c.threshold*(1+m.cfg.CriticalRatio) {
		return domain.SeverityCritical
	}
	return domain.SeverityWarning
}

func alertMessage(c check) string {
	if c.below {
		return fmt.Sprintf("%s %.2f below minimum %.2f", c.kind, c.value, c.threshold)
	}
	return fmt.Sprintf("%s %.2f exceeds threshold %.2f", c.kind, c.value, c.threshold)
}
