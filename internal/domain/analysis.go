package domain

import (
	"fmt"
	"time"
)

// BenchmarkType selects the reference price an execution is measured against.
type BenchmarkType string

const (
	BenchmarkArrival  BenchmarkType = "arrival_price"
	BenchmarkDecision BenchmarkType = "decision_price"
	BenchmarkOpen     BenchmarkType = "open"
	BenchmarkClose    BenchmarkType = "close"
	BenchmarkVWAP     BenchmarkType = "vwap"
	BenchmarkTWAP     BenchmarkType = "twap"
)

// ParseBenchmark maps a name onto a known benchmark type. Empty defaults to
// the arrival price.
func ParseBenchmark(s string) (BenchmarkType, error) {
	switch b := BenchmarkType(s); b {
	case "":
		return BenchmarkArrival, nil
	case BenchmarkArrival, BenchmarkDecision, BenchmarkOpen, BenchmarkClose, BenchmarkVWAP, BenchmarkTWAP:
		return b, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBenchmark, s)
}

// ShortfallComponent is one named slice of implementation shortfall.
type ShortfallComponent struct {
	Name         string  `json:"name"`
	ValueBps     float64 `json:"value_bps"`
	Percentage   float64 `json:"percentage"`
	Controllable bool    `json:"controllable"`
	Description  string  `json:"description"`
}

// ShortfallAnalysis decomposes one order's execution against one benchmark.
type ShortfallAnalysis struct {
	OrderID             string             `json:"order_id"`
	Symbol              string             `json:"symbol"`
	Side                Side               `json:"side"`
	BenchmarkType       BenchmarkType      `json:"benchmark_type"`
	BenchmarkPrice      float64            `json:"benchmark_price"`
	TargetQuantity      float64            `json:"target_quantity"`
	ExecutedQuantity    float64            `json:"executed_quantity"`
	AveragePrice        float64            `json:"average_price"`
	MarketImpact        ShortfallComponent `json:"market_impact"`
	TimingRisk          ShortfallComponent `json:"timing_risk"`
	OpportunityCost     ShortfallComponent `json:"opportunity_cost"`
	TotalShortfallBps   float64            `json:"total_shortfall_bps"`
	TotalShortfallCost  float64            `json:"total_shortfall_cost"`
	Fills               []Fill             `json:"fills"`
	ParticipationRate   float64            `json:"participation_rate"`
	ExecutionDuration   float64            `json:"execution_duration_seconds"`
	EfficiencyScore     float64            `json:"efficiency_score"`
	BenchmarkComparison map[string]float64 `json:"benchmark_comparison"`
	AnalyzedAt          time.Time          `json:"analyzed_at"`
}

// Components returns the three shortfall components in reporting order.
func (a ShortfallAnalysis) Components() []ShortfallComponent {
	return []ShortfallComponent{a.MarketImpact, a.TimingRisk, a.OpportunityCost}
}

// ShortfallPercentiles summarises a distribution of total shortfall.
type ShortfallPercentiles struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	P25    float64 `json:"p25"`
	Median float64 `json:"median"`
	P75    float64 `json:"p75"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
	Max    float64 `json:"max"`
}

// ExecutionCallout names a notable order in a summary.
type ExecutionCallout struct {
	OrderID           string  `json:"order_id"`
	Symbol            string  `json:"symbol"`
	TotalShortfallBps float64 `json:"total_shortfall_bps"`
	EfficiencyScore   float64 `json:"efficiency_score"`
}

// ShortfallSummary aggregates many shortfall analyses.
type ShortfallSummary struct {
	OrderCount             int                  `json:"order_count"`
	TotalNotional          float64              `json:"total_notional"`
	Shortfall              ShortfallPercentiles `json:"shortfall_bps"`
	MeanEfficiency         float64              `json:"mean_efficiency"`
	EfficiencyDistribution map[string]int       `json:"efficiency_distribution"`
	ComponentMeansBps      map[string]float64   `json:"component_means_bps"`
	BestExecution          *ExecutionCallout    `json:"best_execution,omitempty"`
	WorstExecution         *ExecutionCallout    `json:"worst_execution,omitempty"`
	GeneratedAt            time.Time            `json:"generated_at"`
}

// Trend classifies the market's direction over a window.
type Trend string

const (
	TrendUp       Trend = "up"
	TrendDown     Trend = "down"
	TrendSideways Trend = "sideways"
)

// LiquidityTier buckets market volume against its own history.
type LiquidityTier string

const (
	LiquidityHigh   LiquidityTier = "high"
	LiquidityMedium LiquidityTier = "medium"
	LiquidityLow    LiquidityTier = "low"
)

// MarketContext describes the market during an execution window.
type MarketContext struct {
	VolatilityBps  float64       `json:"volatility_bps"`
	PriceChangeBps float64       `json:"price_change_bps"`
	Trend          Trend         `json:"trend"`
	LiquidityTier  LiquidityTier `json:"liquidity_tier"`
	AverageVolume  float64       `json:"average_volume"`
}

// ParticipationPoint is one bar of the participation profile.
type ParticipationPoint struct {
	Timestamp        time.Time `json:"timestamp"`
	ExecutedQuantity float64   `json:"executed_quantity"`
	MarketVolume     float64   `json:"market_volume"`
	Rate             float64   `json:"rate"`
}

// PricePoint tracks market price against the running benchmark.
type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Benchmark float64   `json:"benchmark"`
}

// BenchmarkResult measures one execution against a TWAP or VWAP benchmark.
type BenchmarkResult struct {
	OrderID              string               `json:"order_id"`
	Symbol               string               `json:"symbol"`
	Side                 Side                 `json:"side"`
	BenchmarkType        BenchmarkType        `json:"benchmark_type"`
	WindowStart          time.Time            `json:"window_start"`
	WindowEnd            time.Time            `json:"window_end"`
	BenchmarkPrice       float64              `json:"benchmark_price"`
	ExecutionPrice       float64              `json:"execution_price"`
	PerformanceBps       float64              `json:"performance_bps"`
	ExecutedQuantity     float64              `json:"executed_quantity"`
	MarketVolume         float64              `json:"market_volume"`
	ParticipationRate    float64              `json:"participation_rate"`
	AverageParticipation float64              `json:"average_participation"`
	MaxParticipation     float64              `json:"max_participation"`
	ParticipationProfile []ParticipationPoint `json:"participation_profile"`
	MarketContext        MarketContext        `json:"market_context"`
	EfficiencyScore      float64              `json:"efficiency_score"`
	TimingQualityScore   float64              `json:"timing_quality_score"`
	PriceEvolution       []PricePoint         `json:"price_evolution"`
	AnalyzedAt           time.Time            `json:"analyzed_at"`
}

// CostDriver names a source of realised execution cost.
type CostDriver string

const (
	DriverMarketImpact     CostDriver = "market_impact"
	DriverSpread           CostDriver = "spread"
	DriverTimingRisk       CostDriver = "timing_risk"
	DriverVenueFees        CostDriver = "venue_fees"
	DriverCommission       CostDriver = "commission"
	DriverVolatilityImpact CostDriver = "volatility_impact"
	DriverOrderSize        CostDriver = "order_size"
)

// CostCategory groups drivers for summary reporting.
type CostCategory string

const (
	CategoryControllable    CostCategory = "controllable"
	CategoryMarketDriven    CostCategory = "market_driven"
	CategoryExecutionDriven CostCategory = "execution_driven"
)

// Confidence grades how directly a driver was observed.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// DataQuality records where a driver's input came from.
type DataQuality string

const (
	DataObserved  DataQuality = "observed"
	DataEstimated DataQuality = "estimated"
	DataProxy     DataQuality = "proxy"
)

// AttributionBreakdown is one driver's share of realised cost.
type AttributionBreakdown struct {
	Driver       CostDriver   `json:"driver"`
	ValueBps     float64      `json:"value_bps"`
	Percentage   float64      `json:"percentage"`
	Controllable bool         `json:"controllable"`
	Category     CostCategory `json:"category"`
	Confidence   Confidence   `json:"confidence"`
	DataQuality  DataQuality  `json:"data_quality"`
	Description  string       `json:"description"`
}

// ComparativeContext places a result against the symbol's history.
type ComparativeContext struct {
	HistoricalCount      int     `json:"historical_count"`
	HistoricalMeanBps    float64 `json:"historical_mean_bps"`
	HistoricalPercentile float64 `json:"historical_percentile"`
	VsHistoricalBps      float64 `json:"vs_historical_bps"`
	PeerCount            int     `json:"peer_count"`
	PeerMeanBps          float64 `json:"peer_mean_bps"`
}

// AttributionResult attributes one order's realised cost to drivers.
type AttributionResult struct {
	OrderID            string                 `json:"order_id"`
	Symbol             string                 `json:"symbol"`
	Side               Side                   `json:"side"`
	Venue              string                 `json:"venue,omitempty"`
	ArrivalPrice       float64                `json:"arrival_price"`
	AveragePrice       float64                `json:"average_price"`
	ExecutedQuantity   float64                `json:"executed_quantity"`
	TotalCostBps       float64                `json:"total_cost_bps"`
	TotalCost          float64                `json:"total_cost"`
	Breakdown          []AttributionBreakdown `json:"breakdown"`
	ExplainedBps       float64                `json:"explained_bps"`
	UnexplainedBps     float64                `json:"unexplained_bps"`
	ControllablePct    float64                `json:"controllable_pct"`
	MarketDrivenPct    float64                `json:"market_driven_pct"`
	ExecutionDrivenPct float64                `json:"execution_driven_pct"`
	PrimaryDriver      CostDriver             `json:"primary_driver"`
	EfficiencyScore    float64                `json:"efficiency_score"`
	Recommendations    []string               `json:"recommendations"`
	Context            ComparativeContext     `json:"comparative_context"`
	AnalyzedAt         time.Time              `json:"analyzed_at"`
}

// Driver returns the breakdown entry for d.
func (r AttributionResult) Driver(d CostDriver) (AttributionBreakdown, bool) {
	for _, b := range r.Breakdown {
		if b.Driver == d {
			return b, true
		}
	}
	return AttributionBreakdown{}, false
}

// ItemError reports one failed entry of a batch call.
type ItemError struct {
	Index   int    `json:"index"`
	OrderID string `json:"order_id"`
	Error   string `json:"error"`
}
