package domain

import (
	"fmt"
	"time"
)

// ExecutionStrategy names a schedule builder.
type ExecutionStrategy string

const (
	StrategyImplementationShortfall ExecutionStrategy = "implementation_shortfall"
	StrategyTWAP                    ExecutionStrategy = "twap"
	StrategyVWAP                    ExecutionStrategy = "vwap"
	StrategyParticipationRate       ExecutionStrategy = "participation_rate"
)

// AllStrategies lists every builder in a stable order.
var AllStrategies = []ExecutionStrategy{
	StrategyImplementationShortfall,
	StrategyTWAP,
	StrategyVWAP,
	StrategyParticipationRate,
}

// ParseStrategy maps a name onto a known strategy.
func ParseStrategy(s string) (ExecutionStrategy, error) {
	for _, st := range AllStrategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// OptimalSchedule is a discretised execution plan. The three sequences are
// parallel and of equal length.
type OptimalSchedule struct {
	Strategy             ExecutionStrategy `json:"strategy"`
	TotalQuantity        float64           `json:"total_quantity"`
	ExecutionTimes       []time.Time       `json:"execution_times"`
	QuantitySchedule     []float64         `json:"quantity_schedule"`
	ParticipationRates   []float64         `json:"participation_rates"`
	ExpectedImpactBps    float64           `json:"expected_impact_bps"`
	TimingRiskBps        float64           `json:"timing_risk_bps"`
	ExpectedCostBps      float64           `json:"expected_cost_bps"`
	ExecutionRiskBps     float64           `json:"execution_risk_bps"`
	EfficiencyScore      float64           `json:"efficiency_score"`
	UnfilledQuantity     float64           `json:"unfilled_quantity"`
	ConstraintViolations []string          `json:"constraint_violations,omitempty"`
}

// ScheduledQuantity sums the per-interval quantities.
func (s OptimalSchedule) ScheduledQuantity() float64 {
	var q float64
	for _, v := range s.QuantitySchedule {
		q += v
	}
	return q
}

// Len is the number of scheduled slices.
func (s OptimalSchedule) Len() int { return len(s.QuantitySchedule) }

// ImpactEstimate is a model's pre-trade impact forecast.
type ImpactEstimate struct {
	Model             string  `json:"model"`
	ParticipationRate float64 `json:"participation_rate"`
	TemporaryBps      float64 `json:"temporary_bps"`
	PermanentBps      float64 `json:"permanent_bps"`
	TotalBps          float64 `json:"total_bps"`
}

// TransactionCost is the full pre-trade cost breakdown for one order.
type TransactionCost struct {
	Model           string  `json:"model"`
	TradeSize       float64 `json:"trade_size"`
	Price           float64 `json:"price"`
	Notional        float64 `json:"notional"`
	TemporaryBps    float64 `json:"temporary_impact_bps"`
	PermanentBps    float64 `json:"permanent_impact_bps"`
	MarketImpactBps float64 `json:"market_impact_bps"`
	HalfSpreadBps   float64 `json:"half_spread_bps"`
	CommissionBps   float64 `json:"commission_bps"`
	TotalBps        float64 `json:"total_cost_bps"`
	TotalCost       float64 `json:"total_cost"`
}
