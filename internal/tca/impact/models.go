package impact

import (
	"log/slog"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/alanyoungcy/tcaengine/internal/domain"
	"github.com/alanyoungcy/tcaengine/internal/tca/stats"
)

// Linear scales impact with participation: alpha * p * sigma.
type Linear struct {
	mu        sync.RWMutex
	alpha     float64
	tempRatio float64
	logger    *slog.Logger
}

// NewLinear returns a linear model using cfg.LinearAlpha.
func NewLinear(cfg Config, logger *slog.Logger) *Linear {
	return &Linear{
		alpha:     cfg.LinearAlpha,
		tempRatio: cfg.TemporaryRatio,
		logger:    logger.With(slog.String("component", "impact_linear")),
	}
}

func (m *Linear) Name() string { return NameLinear }

func (m *Linear) Parameters() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]float64{"alpha": m.alpha, "temporary_ratio": m.tempRatio}
}

func (m *Linear) EstimateImpact(in Input) (domain.ImpactEstimate, error) {
	if err := in.Validate(); err != nil {
		return domain.ImpactEstimate{}, err
	}
	m.mu.RLock()
	alpha, ratio := m.alpha, m.tempRatio
	m.mu.RUnlock()

	p := in.ParticipationRate()
	total := alpha * p * in.Volatility * 1e4
	return estimate(m.Name(), p, total*ratio, total*(1-ratio)), nil
}

func (m *Linear) Calibrate(obs []Observation) CalibrationResult {
	rows := validRows(obs)
	if len(rows) < minCalibrationRows {
		return uncalibrated(m, m.logger, len(rows))
	}
	x := make([]float64, len(rows))
	y := make([]float64, len(rows))
	for i, o := range rows {
		x[i] = o.TradeSize / o.AverageDailyVolume * o.Volatility * 1e4
		y[i] = o.ImpactBps
	}
	_, beta := stat.LinearRegression(x, y, nil, true)
	if !usable(beta) {
		return rejected(m, m.logger, len(rows), beta)
	}
	m.mu.Lock()
	m.alpha = beta
	m.mu.Unlock()
	return CalibrationResult{
		Model:      m.Name(),
		Calibrated: true,
		Parameters: m.Parameters(),
		RSquared:   stat.RSquared(x, y, nil, 0, beta),
		Samples:    len(rows),
	}
}

// SquareRoot is the Almgren-Chriss square-root law: gamma sets the permanent
// coefficient and eta the temporary one.
type SquareRoot struct {
	mu     sync.RWMutex
	gamma  float64
	eta    float64
	logger *slog.Logger
}

// NewSquareRoot returns a square-root model using cfg.Gamma and cfg.Eta.
func NewSquareRoot(cfg Config, logger *slog.Logger) *SquareRoot {
	return &SquareRoot{
		gamma:  cfg.Gamma,
		eta:    cfg.Eta,
		logger: logger.With(slog.String("component", "impact_square_root")),
	}
}

func (m *SquareRoot) Name() string { return NameSquareRoot }

func (m *SquareRoot) Parameters() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]float64{"gamma": m.gamma, "eta": m.eta}
}

func (m *SquareRoot) EstimateImpact(in Input) (domain.ImpactEstimate, error) {
	if err := in.Validate(); err != nil {
		return domain.ImpactEstimate{}, err
	}
	m.mu.RLock()
	gamma, eta := m.gamma, m.eta
	m.mu.RUnlock()

	p := in.ParticipationRate()
	base := in.Volatility * math.Sqrt(p) * 1e4
	return estimate(m.Name(), p, eta*base, gamma*base), nil
}

func (m *SquareRoot) Calibrate(obs []Observation) CalibrationResult {
	rows := validRows(obs)
	if len(rows) < minCalibrationRows {
		return uncalibrated(m, m.logger, len(rows))
	}
	x := make([]float64, len(rows))
	y := make([]float64, len(rows))
	for i, o := range rows {
		x[i] = o.Volatility * math.Sqrt(o.TradeSize/o.AverageDailyVolume) * 1e4
		y[i] = o.ImpactBps
	}
	_, beta := stat.LinearRegression(x, y, nil, true)
	if !usable(beta) {
		return rejected(m, m.logger, len(rows), beta)
	}

	// The observed impact is total impact; keep the permanent/temporary mix.
	m.mu.Lock()
	share := m.gamma / (m.gamma + m.eta)
	m.gamma = beta * share
	m.eta = beta - m.gamma
	m.mu.Unlock()

	return CalibrationResult{
		Model:      m.Name(),
		Calibrated: true,
		Parameters: m.Parameters(),
		RSquared:   stat.RSquared(x, y, nil, 0, beta),
		Samples:    len(rows),
	}
}

// PowerLaw generalises the square-root law: beta * sigma * p^delta.
type PowerLaw struct {
	mu        sync.RWMutex
	beta      float64
	delta     float64
	tempRatio float64
	logger    *slog.Logger
}

// NewPowerLaw returns a power-law model using cfg.PowerLawBeta and
// cfg.PowerLawDelta.
func NewPowerLaw(cfg Config, logger *slog.Logger) *PowerLaw {
	return &PowerLaw{
		beta:      cfg.PowerLawBeta,
		delta:     cfg.PowerLawDelta,
		tempRatio: cfg.TemporaryRatio,
		logger:    logger.With(slog.String("component", "impact_power_law")),
	}
}

func (m *PowerLaw) Name() string { return NamePowerLaw }

func (m *PowerLaw) Parameters() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]float64{"beta": m.beta, "delta": m.delta, "temporary_ratio": m.tempRatio}
}

func (m *PowerLaw) EstimateImpact(in Input) (domain.ImpactEstimate, error) {
	if err := in.Validate(); err != nil {
		return domain.ImpactEstimate{}, err
	}
	m.mu.RLock()
	beta, delta, ratio := m.beta, m.delta, m.tempRatio
	m.mu.RUnlock()

	p := in.ParticipationRate()
	total := beta * in.Volatility * math.Pow(p, delta) * 1e4
	return estimate(m.Name(), p, total*ratio, total*(1-ratio)), nil
}

// Calibrate fits ln(impact / sigma) = ln(beta) + delta * ln(p).
func (m *PowerLaw) Calibrate(obs []Observation) CalibrationResult {
	rows := validRows(obs)
	if len(rows) < minCalibrationRows {
		return uncalibrated(m, m.logger, len(rows))
	}
	x := make([]float64, len(rows))
	y := make([]float64, len(rows))
	for i, o := range rows {
		x[i] = math.Log(o.TradeSize / o.AverageDailyVolume)
		y[i] = math.Log(o.ImpactBps / (o.Volatility * 1e4))
	}
	intercept, slope := stat.LinearRegression(x, y, nil, false)
	if !usable(slope) || math.IsNaN(intercept) {
		return rejected(m, m.logger, len(rows), slope)
	}
	m.mu.Lock()
	m.beta = math.Exp(intercept)
	m.delta = slope
	m.mu.Unlock()
	return CalibrationResult{
		Model:      m.Name(),
		Calibrated: true,
		Parameters: m.Parameters(),
		RSquared:   stat.RSquared(x, y, nil, intercept, slope),
		Samples:    len(rows),
	}
}

// LiquidityAdjusted scales square-root impact by spread, book depth and
// market-maker presence.
type LiquidityAdjusted struct {
	base              *SquareRoot
	spreadSensitivity float64
	depthSensitivity  float64
	depthCap          float64
	mmDiscount        float64
}

// NewLiquidityAdjusted wraps a fresh square-root model.
func NewLiquidityAdjusted(cfg Config, logger *slog.Logger) *LiquidityAdjusted {
	base := NewSquareRoot(cfg, logger)
	base.logger = logger.With(slog.String("component", "impact_liquidity_adjusted"))
	return &LiquidityAdjusted{
		base:              base,
		spreadSensitivity: cfg.SpreadSensitivity,
		depthSensitivity:  cfg.DepthSensitivity,
		depthCap:          cfg.DepthCap,
		mmDiscount:        cfg.MarketMakerDiscount,
	}
}

func (m *LiquidityAdjusted) Name() string { return NameLiquidityAdjusted }

func (m *LiquidityAdjusted) Parameters() map[string]float64 {
	p := m.base.Parameters()
	p["spread_sensitivity"] = m.spreadSensitivity
	p["depth_sensitivity"] = m.depthSensitivity
	p["market_maker_discount"] = m.mmDiscount
	return p
}

// Factor is the combined liquidity multiplier applied to the base estimate.
func (m *LiquidityAdjusted) Factor(in Input) float64 {
	f := 1 + m.spreadSensitivity*in.SpreadBps
	if in.OrderBookDepth > 0 {
		f *= 1 + m.depthSensitivity*math.Min(in.TradeSize/in.OrderBookDepth, m.depthCap)
	}
	f *= 1 - m.mmDiscount*stats.Clamp(in.MarketMakerPresence, 0, 1)
	return f
}

func (m *LiquidityAdjusted) EstimateImpact(in Input) (domain.ImpactEstimate, error) {
	est, err := m.base.EstimateImpact(in)
	if err != nil {
		return domain.ImpactEstimate{}, err
	}
	f := m.Factor(in)
	return estimate(m.Name(), est.ParticipationRate, est.TemporaryBps*f, est.PermanentBps*f), nil
}

// Calibrate refits the underlying square-root coefficients.
func (m *LiquidityAdjusted) Calibrate(obs []Observation) CalibrationResult {
	res := m.base.Calibrate(obs)
	res.Model = m.Name()
	res.Parameters = m.Parameters()
	return res
}

func usable(coef float64) bool {
	return coef > 0 && !math.IsNaN(coef) && !math.IsInf(coef, 0)
}

func rejected(m Model, logger *slog.Logger, samples int, coef float64) CalibrationResult {
	logger.Warn("impact calibration produced an unusable coefficient, keeping current parameters",
		slog.String("model", m.Name()),
		slog.Float64("coefficient", coef),
		slog.Int("samples", samples),
	)
	return CalibrationResult{
		Model:      m.Name(),
		Parameters: m.Parameters(),
		Samples:    samples,
		Message:    "fitted coefficient was not positive",
	}
}

var (
	_ Model = (*Linear)(nil)
	_ Model = (*SquareRoot)(nil)
	_ Model = (*PowerLaw)(nil)
	_ Model = (*LiquidityAdjusted)(nil)
)
