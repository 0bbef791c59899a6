// Package schedule builds discretised execution schedules: the
// Almgren-Chriss optimal trajectory plus the shared machinery that fits any
// target trajectory to trading constraints and prices it.
package schedule

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/tcaengine/internal/domain"
	"github.com/alanyoungcy/tcaengine/internal/tca/impact"
	"github.com/alanyoungcy/tcaengine/internal/tca/stats"
)

const (
	// quantityEpsilon absorbs floating error when draining a schedule.
	quantityEpsilon = 1e-9
	// linearKappaT is the kappa*T below which the trajectory is linear.
	linearKappaT = 1e-8
	maxIntervals = 10_000
)

// Config tunes the optimizer.
type Config struct {
	// TradingDayHours converts wall-clock time into trading days.
	TradingDayHours float64
	// CostPenalty and RiskPenalty are efficiency points lost per bps.
	CostPenalty float64
	RiskPenalty float64
}

// DefaultConfig matches a 6.5 hour equity session.
func DefaultConfig() Config {
	return Config{TradingDayHours: 6.5, CostPenalty: 0.2, RiskPenalty: 0.1}
}

// Request carries the market statistics for a pre-trade schedule.
// Volatility is the daily return standard deviation as a fraction.
type Request struct {
	TotalQuantity      float64 `json:"total_quantity"`
	Intervals          int     `json:"intervals"`
	AverageDailyVolume float64 `json:"average_daily_volume"`
	Volatility         float64 `json:"volatility"`
	SpreadBps          float64 `json:"spread_bps"`
}

// Validate checks the request fields.
func (r Request) Validate() error {
	if r.TotalQuantity <= 0 {
		return fmt.Errorf("%w: total_quantity must be > 0", domain.ErrInvalidInput)
	}
	if r.Intervals <= 0 || r.Intervals > maxIntervals {
		return fmt.Errorf("%w: intervals must be in [1,%d]", domain.ErrInvalidInput, maxIntervals)
	}
	if r.AverageDailyVolume <= 0 {
		return fmt.Errorf("%w: average_daily_volume must be > 0", domain.ErrInvalidInput)
	}
	if r.Volatility < 0 || r.SpreadBps < 0 {
		return fmt.Errorf("%w: volatility and spread_bps must be >= 0", domain.ErrInvalidInput)
	}
	return nil
}

// Optimizer produces Almgren-Chriss schedules.
type Optimizer struct {
	cfg    Config
	model  impact.Model
	logger *slog.Logger
}

// NewOptimizer prices schedules with model.
func NewOptimizer(cfg Config, model impact.Model, logger *slog.Logger) *Optimizer {
	if cfg.TradingDayHours <= 0 {
		cfg.TradingDayHours = DefaultConfig().TradingDayHours
	}
	return &Optimizer{
		cfg:    cfg,
		model:  model,
		logger: logger.With(slog.String("component", "schedule_optimizer")),
	}
}

// Kappa is the trajectory decay rate per trading day: 2 * lambda * sigma^2
// with sigma in daily basis points.
func Kappa(riskAversion, volatility float64) float64 {
	sigmaBps := volatility * 1e4
	return 2 * riskAversion * sigmaBps * sigmaBps
}

// HoldingsFraction is x(t)/X = sinh(kappa(T-t)) / sinh(kappa T), written in
// exponential form so large kappa*T does not overflow.
func HoldingsFraction(kappa, horizon, t float64) float64 {
	if horizon <= 0 {
		return 0
	}
	if kappa*horizon < linearKappaT {
		return (horizon - t) / horizon
	}
	num := math.Exp(-kappa*t) * -math.Expm1(-2*kappa*(horizon-t))
	den := -math.Expm1(-2 * kappa * horizon)
	return num / den
}

// Trajectory returns the per-interval trade list for an Almgren-Chriss
// liquidation of total over n equal intervals.
func Trajectory(total, kappa, horizon float64, n int) []float64 {
	tau := horizon / float64(n)
	out := make([]float64, n)
	prev := total
	for j := 1; j <= n; j++ {
		next := total * HoldingsFraction(kappa, horizon, float64(j)*tau)
		if j == n {
			next = 0
		}
		out[j-1] = prev - next
		prev = next
	}
	return out
}

// Optimize builds the risk-adjusted optimal schedule.
func (o *Optimizer) Optimize(req Request, c domain.TradingConstraints) (domain.OptimalSchedule, error) {
	plan, err := o.NewPlan(req, c, nil)
	if err != nil {
		return domain.OptimalSchedule{}, err
	}
	kappa := Kappa(c.RiskAversion, req.Volatility)
	targets := Trajectory(req.TotalQuantity, kappa, plan.HorizonDays, req.Intervals)

	s, err := o.Fit(domain.StrategyImplementationShortfall, plan, targets, FitComplete)
	if err != nil {
		return domain.OptimalSchedule{}, err
	}
	o.logger.Debug("optimal schedule built",
		slog.Float64("kappa", kappa),
		slog.Int("slices", s.Len()),
		slog.Float64("expected_cost_bps", s.ExpectedCostBps),
	)
	return s, nil
}

// Plan is a discretised horizon ready to receive target quantities.
type Plan struct {
	Request     Request
	Constraints domain.TradingConstraints
	Times       []time.Time
	// Volumes is the expected market volume in each interval.
	Volumes []float64
	// Tau is one interval's length in trading days.
	Tau         float64
	HorizonDays float64
}

// NewPlan validates its inputs and lays out the interval grid. profile, when
// non-nil, must hold one non-negative weight per interval and shapes the
// expected market volume; nil means flat.
func (o *Optimizer) NewPlan(req Request, c domain.TradingConstraints, profile []float64) (Plan, error) {
	if err := req.Validate(); err != nil {
		return Plan{}, err
	}
	if err := c.Validate(); err != nil {
		return Plan{}, err
	}
	weights, err := normaliseProfile(profile, req.Intervals)
	if err != nil {
		return Plan{}, err
	}

	n := req.Intervals
	step := c.Duration() / time.Duration(n)
	horizon := c.Duration().Hours() / o.cfg.TradingDayHours
	dayVolume := req.AverageDailyVolume * horizon

	p := Plan{
		Request:     req,
		Constraints: c,
		Times:       make([]time.Time, n),
		Volumes:     make([]float64, n),
		Tau:         horizon / float64(n),
		HorizonDays: horizon,
	}
	for j := range n {
		p.Times[j] = c.StartTime.Add(time.Duration(j) * step)
		p.Volumes[j] = dayVolume * weights[j]
	}
	return p, nil
}

// NormalisedProfile exposes the weighting a plan would use.
func NormalisedProfile(profile []float64, n int) ([]float64, error) {
	return normaliseProfile(profile, n)
}

func normaliseProfile(profile []float64, n int) ([]float64, error) {
	w := make([]float64, n)
	if profile == nil {
		for i := range w {
			w[i] = 1 / float64(n)
		}
		return w, nil
	}
	if len(profile) != n {
		return nil, fmt.Errorf("%w: volume profile has %d weights for %d intervals", domain.ErrLengthMismatch, len(profile), n)
	}
	var sum float64
	for i, v := range profile {
		if v < 0 || math.IsNaN(v) {
			return nil, fmt.Errorf("%w: volume profile weight %d is negative", domain.ErrInvalidInput, i)
		}
		sum += v
	}
	if sum <= 0 {
		return nil, fmt.Errorf("%w: volume profile sums to zero", domain.ErrInvalidInput)
	}
	for i, v := range profile {
		w[i] = v / sum
	}
	return w, nil
}

// FitMode selects how leftover quantity is treated.
type FitMode int

const (
	// FitComplete carries skipped quantity forward and forces the whole
	// order into the schedule.
	FitComplete FitMode = iota
	// FitCapped never carries quantity forward; anything left at the
	// horizon is reported as unfilled.
	FitCapped
)

// Fit turns per-interval targets into a constrained, priced schedule.
// Each slice trades between min and max participation of its interval's
// expected volume. Blackout intervals and slices below the minimum order
// size are skipped, slices are capped at the maximum order size, and the
// schedule stops early once the order is complete.
func (o *Optimizer) Fit(strategy domain.ExecutionStrategy, plan Plan, targets []float64, mode FitMode) (domain.OptimalSchedule, error) {
	if len(targets) != len(plan.Times) {
		return domain.OptimalSchedule{}, fmt.Errorf("%w: %d targets for %d intervals", domain.ErrLengthMismatch, len(targets), len(plan.Times))
	}
	c := plan.Constraints
	total := plan.Request.TotalQuantity

	s := domain.OptimalSchedule{Strategy: strategy, TotalQuantity: total}
	var (
		volumes   []float64
		remaining = total
		carry     float64
		oversize  int
	)
	for j, t := range plan.Times {
		if remaining <= quantityEpsilon {
			break
		}
		want := math.Max(targets[j], 0)
		if mode == FitComplete {
			want += carry
			carry = 0
		}
		if c.InBlackout(t) {
			carry = carryOver(mode, want)
			continue
		}
		q := sliceQuantity(want, remaining, plan.Volumes[j], c)
		if q <= quantityEpsilon || (q < c.MinOrderSize && remaining-q > quantityEpsilon) {
			carry = carryOver(mode, want)
			continue
		}
		s.ExecutionTimes = append(s.ExecutionTimes, t)
		s.QuantitySchedule = append(s.QuantitySchedule, q)
		volumes = append(volumes, plan.Volumes[j])
		remaining -= q
		carry = carryOver(mode, want-q)
	}

	if remaining > quantityEpsilon && mode == FitComplete && len(s.QuantitySchedule) > 0 {
		last := len(s.QuantitySchedule) - 1
		room := c.MaxParticipationRate*volumes[last] - s.QuantitySchedule[last]
		if room > quantityEpsilon {
			add := math.Min(room, remaining)
			s.QuantitySchedule[last] += add
			remaining -= add
			s.ConstraintViolations = append(s.ConstraintViolations,
				fmt.Sprintf("%.4f carried into final slice", add))
		}
	}
	if remaining > quantityEpsilon {
		if mode == FitComplete && len(s.QuantitySchedule) == 0 {
			return domain.OptimalSchedule{}, fmt.Errorf("%w: every interval is blacked out or below min_order_size", domain.ErrInfeasibleSchedule)
		}
		if mode == FitComplete {
			return domain.OptimalSchedule{}, fmt.Errorf("%w: %.4f of %.4f does not fit the window at max_participation_rate %.4f",
				domain.ErrInfeasibleSchedule, remaining, total, c.MaxParticipationRate)
		}
		s.UnfilledQuantity = remaining
		s.ConstraintViolations = append(s.ConstraintViolations,
			fmt.Sprintf("%.4f left unfilled at horizon end", remaining))
	}
	for _, q := range s.QuantitySchedule {
		if c.MaxOrderSize > 0 && q > c.MaxOrderSize+quantityEpsilon {
			oversize++
		}
	}
	if oversize > 0 {
		s.ConstraintViolations = append(s.ConstraintViolations,
			fmt.Sprintf("%d slice(s) exceed max_order_size", oversize))
	}

	s.ParticipationRates = o.participation(&s, volumes, c)
	if err := o.evaluate(&s, plan, volumes); err != nil {
		return domain.OptimalSchedule{}, err
	}
	return s, nil
}

// sliceQuantity sizes one slice: the wanted quantity raised to the min rate
// floor, then cut to the max rate ceiling, max order size and what is left.
func sliceQuantity(want, remaining, volume float64, c domain.TradingConstraints) float64 {
	if want <= quantityEpsilon || volume <= 0 {
		return 0
	}
	q := math.Max(want, c.MinParticipationRate*volume)
	q = math.Min(q, c.MaxParticipationRate*volume)
	if c.MaxOrderSize > 0 {
		q = math.Min(q, c.MaxOrderSize)
	}
	return math.Min(q, remaining)
}

func carryOver(mode FitMode, q float64) float64 {
	if mode == FitComplete {
		return q
	}
	return 0
}

// participation records each slice's share of its interval volume. A slice
// can sit below the min rate only when it is the order's tail or when
// max_order_size binds; those are noted as violations.
func (o *Optimizer) participation(s *domain.OptimalSchedule, volumes []float64, c domain.TradingConstraints) []float64 {
	rates := make([]float64, len(s.QuantitySchedule))
	var below int
	for i, q := range s.QuantitySchedule {
		rates[i] = q / volumes[i]
		if rates[i] < c.MinParticipationRate-quantityEpsilon {
			below++
		}
	}
	if below > 0 {
		s.ConstraintViolations = append(s.ConstraintViolations,
			fmt.Sprintf("%d slice(s) below min_participation_rate", below))
	}
	return rates
}

// evaluate prices a fitted schedule: volume-weighted temporary impact plus
// half the permanent impact of the executed total, timing risk over the
// occupied horizon, and the trajectory's execution risk.
func (o *Optimizer) evaluate(s *domain.OptimalSchedule, plan Plan, volumes []float64) error {
	req := plan.Request
	executed := s.ScheduledQuantity()
	if executed <= 0 {
		return nil
	}

	var temporary float64
	for i, q := range s.QuantitySchedule {
		v := volumes[i]
		if v <= 0 {
			v = req.AverageDailyVolume
		}
		est, err := o.model.EstimateImpact(impact.Input{
			TradeSize:          q,
			AverageDailyVolume: v,
			Volatility:         req.Volatility,
			SpreadBps:          req.SpreadBps,
		})
		if err != nil {
			return fmt.Errorf("schedule: price slice %d: %w", i, err)
		}
		temporary += q / executed * est.TemporaryBps
	}
	whole, err := o.model.EstimateImpact(impact.Input{
		TradeSize:          executed,
		AverageDailyVolume: req.AverageDailyVolume,
		Volatility:         req.Volatility,
		SpreadBps:          req.SpreadBps,
	})
	if err != nil {
		return fmt.Errorf("schedule: price order: %w", err)
	}
	s.ExpectedImpactBps = temporary + whole.PermanentBps/2

	// Occupied horizon runs from the window start to the end of the last slice.
	occupied := plan.Tau
	if n := len(s.ExecutionTimes); n > 0 {
		elapsed := s.ExecutionTimes[n-1].Sub(plan.Constraints.StartTime).Hours() / o.cfg.TradingDayHours
		occupied = elapsed + plan.Tau
	}
	s.TimingRiskBps = req.Volatility * math.Sqrt(occupied) * 1e4
	s.ExpectedCostBps = s.ExpectedImpactBps + s.TimingRiskBps

	var variance float64
	holding := req.TotalQuantity
	slice := 0
	for _, t := range plan.Times {
		if holding <= quantityEpsilon {
			break
		}
		frac := holding / req.TotalQuantity
		variance += plan.Tau * frac * frac
		if slice < len(s.ExecutionTimes) && s.ExecutionTimes[slice].Equal(t) {
			holding -= s.QuantitySchedule[slice]
			slice++
		}
	}
	s.ExecutionRiskBps = req.Volatility * math.Sqrt(variance) * 1e4

	s.EfficiencyScore = stats.Clamp(
		100-o.cfg.CostPenalty*s.ExpectedCostBps-o.cfg.RiskPenalty*s.ExecutionRiskBps, 0, 100)

	c := plan.Constraints
	if c.MaxMarketImpactBps > 0 && s.ExpectedImpactBps > c.MaxMarketImpactBps {
		s.ConstraintViolations = append(s.ConstraintViolations,
			fmt.Sprintf("expected impact %.2f bps exceeds cap %.2f", s.ExpectedImpactBps, c.MaxMarketImpactBps))
	}
	if c.MaxTotalCostBps > 0 && s.ExpectedCostBps > c.MaxTotalCostBps {
		s.ConstraintViolations = append(s.ConstraintViolations,
			fmt.Sprintf("expected cost %.2f bps exceeds cap %.2f", s.ExpectedCostBps, c.MaxTotalCostBps))
	}
	return nil
}
