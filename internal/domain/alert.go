package domain

import "time"

// OrderState is the monitor's view of a live order.
type OrderState string

const (
	OrderRegistered OrderState = "registered"
	OrderFilling    OrderState = "filling"
	OrderCompleted  OrderState = "completed"
	OrderExpired    OrderState = "expired"
)

// Terminal reports whether the monitor should drop the order.
func (s OrderState) Terminal() bool {
	return s == OrderCompleted || s == OrderExpired
}

// MarketSnapshot is the market state observed alongside a fill update.
// Volume is cumulative market volume since the order started.
type MarketSnapshot struct {
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
	Volume    float64   `json:"volume,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MonitoringMetrics is a point-in-time view of a live order, rebuilt from the
// full fill history on every update.
type MonitoringMetrics struct {
	OrderID            string     `json:"order_id"`
	Symbol             string     `json:"symbol"`
	Side               Side       `json:"side"`
	State              OrderState `json:"state"`
	TargetQuantity     float64    `json:"target_quantity"`
	CumulativeQuantity float64    `json:"cumulative_quantity"`
	AverageFillPrice   float64    `json:"average_fill_price"`
	ArrivalPrice       float64    `json:"arrival_price"`
	CurrentPrice       float64    `json:"current_price"`
	RealizedImpactBps  float64    `json:"realized_impact_bps"`
	SlippageBps        float64    `json:"slippage_bps"`
	ParticipationRate  float64    `json:"participation_rate"`
	TotalCostBps       float64    `json:"total_cost_bps"`
	EfficiencyScore    float64    `json:"efficiency_score"`
	QuantityProgress   float64    `json:"quantity_progress"`
	TimeProgress       float64    `json:"time_progress"`
	FillCount          int        `json:"fill_count"`
	Timestamp          time.Time  `json:"timestamp"`
}

// AlertType names the metric that breached its threshold.
type AlertType string

const (
	AlertMarketImpact      AlertType = "market_impact"
	AlertSlippage          AlertType = "slippage"
	AlertEfficiency        AlertType = "efficiency"
	AlertParticipationRate AlertType = "participation_rate"
	AlertTotalCost         AlertType = "total_cost"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// TCAAlert is raised when a live metric crosses its threshold.
type TCAAlert struct {
	ID               string             `json:"id"`
	OrderID          string             `json:"order_id"`
	Symbol           string             `json:"symbol"`
	Type             AlertType          `json:"type"`
	Severity         Severity           `json:"severity"`
	CurrentValue     float64            `json:"current_value"`
	Threshold        float64            `json:"threshold"`
	Message          string             `json:"message"`
	MarketContext    map[string]float64 `json:"market_context"`
	ExecutionContext map[string]float64 `json:"execution_context"`
	Recommendations  []string           `json:"recommendations"`
	Timestamp        time.Time          `json:"timestamp"`
}

// OrderReport is the monitor's full record for one order.
type OrderReport struct {
	Order          MonitoredOrder      `json:"order"`
	State          OrderState          `json:"state"`
	Metrics        MonitoringMetrics   `json:"metrics"`
	Fills          []Fill              `json:"fills"`
	Alerts         []TCAAlert          `json:"alerts"`
	MetricsHistory []MonitoringMetrics `json:"metrics_history"`
	ClosedAt       *time.Time          `json:"closed_at,omitempty"`
}
