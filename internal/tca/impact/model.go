// Package impact implements pre-trade market impact models and their
// calibration against realised trades.
package impact

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

// Model names.
const (
	NameLinear            = "linear"
	NameSquareRoot        = "square_root"
	NamePowerLaw          = "power_law"
	NameLiquidityAdjusted = "liquidity_adjusted"
)

// minCalibrationRows is the fewest valid observations a calibration accepts.
const minCalibrationRows = 10

// Input describes one prospective trade. Volatility is the daily return
// standard deviation as a fraction; SpreadBps is the quoted spread.
// OrderBookDepth and MarketMakerPresence are only read by the
// liquidity-adjusted model.
type Input struct {
	TradeSize           float64 `json:"trade_size"`
	AverageDailyVolume  float64 `json:"average_daily_volume"`
	Volatility          float64 `json:"volatility"`
	SpreadBps           float64 `json:"spread_bps"`
	OrderBookDepth      float64 `json:"order_book_depth,omitempty"`
	MarketMakerPresence float64 `json:"market_maker_presence,omitempty"`
}

// Validate checks the inputs common to every model.
func (in Input) Validate() error {
	if in.TradeSize < 0 {
		return fmt.Errorf("%w: trade_size must be >= 0", domain.ErrInvalidInput)
	}
	if in.AverageDailyVolume <= 0 {
		return fmt.Errorf("%w: average_daily_volume must be > 0", domain.ErrInvalidInput)
	}
	if in.Volatility < 0 {
		return fmt.Errorf("%w: volatility must be >= 0", domain.ErrInvalidInput)
	}
	if in.SpreadBps < 0 {
		return fmt.Errorf("%w: spread_bps must be >= 0", domain.ErrInvalidInput)
	}
	return nil
}

// ParticipationRate is trade size over average daily volume.
func (in Input) ParticipationRate() float64 {
	return in.TradeSize / in.AverageDailyVolume
}

// Observation is one historical trade with its measured impact.
type Observation struct {
	TradeSize          float64 `json:"trade_size"`
	AverageDailyVolume float64 `json:"average_daily_volume"`
	Volatility         float64 `json:"volatility"`
	ImpactBps          float64 `json:"impact_bps"`
}

func (o Observation) valid() bool {
	return o.TradeSize > 0 && o.AverageDailyVolume > 0 && o.Volatility > 0 && o.ImpactBps > 0 &&
		!math.IsInf(o.ImpactBps, 0) && !math.IsNaN(o.ImpactBps)
}

// CalibrationResult reports the outcome of a calibration run.
type CalibrationResult struct {
	Model      string             `json:"model"`
	Calibrated bool               `json:"calibrated"`
	Parameters map[string]float64 `json:"parameters"`
	RSquared   float64            `json:"r_squared"`
	Samples    int                `json:"samples"`
	Message    string             `json:"message,omitempty"`
}

// Model is a market impact model.
type Model interface {
	Name() string
	// EstimateImpact forecasts temporary and permanent impact in bps.
	EstimateImpact(in Input) (domain.ImpactEstimate, error)
	// Calibrate refits the model's coefficients. With too few usable rows
	// the current parameters are kept and Calibrated is false.
	Calibrate(obs []Observation) CalibrationResult
	Parameters() map[string]float64
}

// CostInput extends Input with the price and commission needed for a full
// cost breakdown.
type CostInput struct {
	Input
	Price         float64 `json:"price"`
	CommissionBps float64 `json:"commission_bps"`
}

// CalculateTotalCost adds half the spread and commission to the model's
// impact forecast.
func CalculateTotalCost(m Model, in CostInput) (domain.TransactionCost, error) {
	if in.Price <= 0 {
		return domain.TransactionCost{}, fmt.Errorf("%w: price must be > 0", domain.ErrInvalidInput)
	}
	if in.CommissionBps < 0 {
		return domain.TransactionCost{}, fmt.Errorf("%w: commission_bps must be >= 0", domain.ErrInvalidInput)
	}
	est, err := m.EstimateImpact(in.Input)
	if err != nil {
		return domain.TransactionCost{}, err
	}
	halfSpread := in.SpreadBps / 2
	total := est.TotalBps + halfSpread + in.CommissionBps
	notional := in.TradeSize * in.Price
	return domain.TransactionCost{
		Model:           m.Name(),
		TradeSize:       in.TradeSize,
		Price:           in.Price,
		Notional:        notional,
		TemporaryBps:    est.TemporaryBps,
		PermanentBps:    est.PermanentBps,
		MarketImpactBps: est.TotalBps,
		HalfSpreadBps:   halfSpread,
		CommissionBps:   in.CommissionBps,
		TotalBps:        total,
		TotalCost:       total / 1e4 * notional,
	}, nil
}

// Config holds the default coefficients for every model.
type Config struct {
	LinearAlpha         float64
	TemporaryRatio      float64
	Gamma               float64
	Eta                 float64
	PowerLawBeta        float64
	PowerLawDelta       float64
	SpreadSensitivity   float64
	DepthSensitivity    float64
	DepthCap            float64
	MarketMakerDiscount float64
}

// DefaultConfig returns the textbook coefficients.
func DefaultConfig() Config {
	return Config{
		LinearAlpha:         0.8,
		TemporaryRatio:      0.7,
		Gamma:               0.314,
		Eta:                 0.142,
		PowerLawBeta:        0.5,
		PowerLawDelta:       0.6,
		SpreadSensitivity:   0.01,
		DepthSensitivity:    0.5,
		DepthCap:            2.0,
		MarketMakerDiscount: 0.3,
	}
}

// Registry builds models by name.
type Registry struct {
	cfg      Config
	logger   *slog.Logger
	models   map[string]Model
	fallback string
}

// NewRegistry constructs one instance of every model from cfg.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	r := &Registry{cfg: cfg, logger: logger, models: make(map[string]Model), fallback: NameSquareRoot}
	for _, m := range []Model{
		NewLinear(cfg, logger),
		NewSquareRoot(cfg, logger),
		NewPowerLaw(cfg, logger),
		NewLiquidityAdjusted(cfg, logger),
	} {
		r.models[m.Name()] = m
	}
	return r
}

// SetDefault selects the model Get returns for an empty name.
func (r *Registry) SetDefault(name string) error {
	if _, ok := r.models[name]; !ok {
		return fmt.Errorf("%w: impact model %q", domain.ErrUnknownMethod, name)
	}
	r.fallback = name
	return nil
}

// Get returns the named model, or domain.ErrUnknownMethod. An empty name
// selects the default model.
func (r *Registry) Get(name string) (Model, error) {
	if name == "" {
		name = r.fallback
	}
	m, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: impact model %q", domain.ErrUnknownMethod, name)
	}
	return m, nil
}

// Names lists the registered models in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.models))
	for n := range r.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func estimate(name string, p, temporary, permanent float64) domain.ImpactEstimate {
	return domain.ImpactEstimate{
		Model:             name,
		ParticipationRate: p,
		TemporaryBps:      temporary,
		PermanentBps:      permanent,
		TotalBps:          temporary + permanent,
	}
}

func validRows(obs []Observation) []Observation {
	out := make([]Observation, 0, len(obs))
	for _, o := range obs {
		if o.valid() {
			out = append(out, o)
		}
	}
	return out
}

func uncalibrated(m Model, logger *slog.Logger, samples int) CalibrationResult {
	logger.Warn("insufficient data for impact calibration, keeping current parameters",
		slog.String("model", m.Name()),
		slog.Int("valid_rows", samples),
		slog.Int("required", minCalibrationRows),
	)
	return CalibrationResult{
		Model:      m.Name(),
		Parameters: m.Parameters(),
		Samples:    samples,
		Message:    fmt.Sprintf("need at least %d valid observations, got %d", minCalibrationRows, samples),
	}
}
