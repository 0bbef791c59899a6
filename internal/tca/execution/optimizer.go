// Package execution selects and compares pre-trade execution strategies.
package execution

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/alanyoungcy/tcaengine/internal/domain"
	"github.com/alanyoungcy/tcaengine/internal/tca/schedule"
	"github.com/alanyoungcy/tcaengine/internal/tca/stats"
)

// defaultParticipation is used when a participation-rate request names no
// target.
const defaultParticipation = 0.1

// Request extends the schedule request with builder-specific inputs.
type Request struct {
	schedule.Request
	// VolumeProfile weights expected market volume per interval (VWAP).
	VolumeProfile []float64 `json:"volume_profile,omitempty"`
	// TargetParticipationRate drives the participation-rate builder.
	TargetParticipationRate float64 `json:"target_participation_rate,omitempty"`
}

// Optimizer dispatches to the schedule builders.
type Optimizer struct {
	sched  *schedule.Optimizer
	logger *slog.Logger
}

// NewOptimizer wraps sched.
func NewOptimizer(sched *schedule.Optimizer, logger *slog.Logger) *Optimizer {
	return &Optimizer{
		sched:  sched,
		logger: logger.With(slog.String("component", "execution_optimizer")),
	}
}

// Optimize builds a schedule with the named strategy.
func (o *Optimizer) Optimize(strategy domain.ExecutionStrategy, req Request, c domain.TradingConstraints) (domain.OptimalSchedule, error) {
	switch strategy {
	case domain.StrategyImplementationShortfall:
		return o.sched.Optimize(req.Request, c)
	case domain.StrategyTWAP:
		return o.twap(req, c)
	case domain.StrategyVWAP:
		return o.vwap(req, c)
	case domain.StrategyParticipationRate:
		return o.participation(req, c)
	}
	return domain.OptimalSchedule{}, fmt.Errorf("%w: %q", domain.ErrUnknownStrategy, strategy)
}

func (o *Optimizer) twap(req Request, c domain.TradingConstraints) (domain.OptimalSchedule, error) {
	plan, err := o.sched.NewPlan(req.Request, c, nil)
	if err != nil {
		return domain.OptimalSchedule{}, err
	}
	targets := make([]float64, req.Intervals)
	for i := range targets {
		targets[i] = req.TotalQuantity / float64(req.Intervals)
	}
	return o.sched.Fit(domain.StrategyTWAP, plan, targets, schedule.FitComplete)
}

func (o *Optimizer) vwap(req Request, c domain.TradingConstraints) (domain.OptimalSchedule, error) {
	plan, err := o.sched.NewPlan(req.Request, c, req.VolumeProfile)
	if err != nil {
		return domain.OptimalSchedule{}, err
	}
	weights, err := schedule.NormalisedProfile(req.VolumeProfile, req.Intervals)
	if err != nil {
		return domain.OptimalSchedule{}, err
	}
	targets := make([]float64, req.Intervals)
	for i, w := range weights {
		targets[i] = req.TotalQuantity * w
	}
	return o.sched.Fit(domain.StrategyVWAP, plan, targets, schedule.FitComplete)
}

// participation trades a constant share of expected interval volume. The
// order may finish early or be left partly unfilled.
func (o *Optimizer) participation(req Request, c domain.TradingConstraints) (domain.OptimalSchedule, error) {
	if req.TargetParticipationRate < 0 || req.TargetParticipationRate > 1 {
		return domain.OptimalSchedule{}, fmt.Errorf("%w: target_participation_rate outside [0,1]", domain.ErrInvalidInput)
	}
	plan, err := o.sched.NewPlan(req.Request, c, req.VolumeProfile)
	if err != nil {
		return domain.OptimalSchedule{}, err
	}
	rate := req.TargetParticipationRate
	if rate == 0 {
		rate = defaultParticipation
	}
	rate = stats.Clamp(rate, c.MinParticipationRate, c.MaxParticipationRate)

	targets := make([]float64, len(plan.Volumes))
	for i, v := range plan.Volumes {
		targets[i] = rate * v
	}
	s, err := o.sched.Fit(domain.StrategyParticipationRate, plan, targets, schedule.FitCapped)
	if err != nil {
		return domain.OptimalSchedule{}, err
	}
	if s.UnfilledQuantity > 0 {
		o.logger.Warn("participation schedule cannot complete within horizon",
			slog.Float64("rate", rate),
			slog.Float64("unfilled", s.UnfilledQuantity),
		)
	}
	return s, nil
}

// Compare runs every requested strategy. A strategy that fails is logged
// and left out of the result. An empty list means all strategies.
func (o *Optimizer) Compare(strategies []domain.ExecutionStrategy, req Request, c domain.TradingConstraints) map[domain.ExecutionStrategy]domain.OptimalSchedule {
	if len(strategies) == 0 {
		strategies = domain.AllStrategies
	}
	out := make(map[domain.ExecutionStrategy]domain.OptimalSchedule, len(strategies))
	for _, st := range strategies {
		s, err := o.Optimize(st, req, c)
		if err != nil {
			o.logger.Warn("strategy skipped in comparison",
				slog.String("strategy", string(st)),
				slog.String("error", err.Error()),
			)
			continue
		}
		out[st] = s
	}
	return out
}

// Objective steers strategy recommendation.
type Objective string

const (
	MinimizeCost      Objective = "minimize_cost"
	MinimizeRisk      Objective = "minimize_risk"
	BenchmarkTracking Objective = "benchmark_tracking"
)

// Recommend picks a schedule for the objective. Unknown objectives choose
// the highest efficiency score. Ties go to the strategy listed first in
// domain.AllStrategies.
func Recommend(schedules map[domain.ExecutionStrategy]domain.OptimalSchedule, objective Objective) (domain.ExecutionStrategy, error) {
	keys := orderedKeys(schedules)
	if len(keys) == 0 {
		return "", fmt.Errorf("%w: no schedules to choose from", domain.ErrInsufficientData)
	}

	switch objective {
	case MinimizeCost:
		return best(keys, schedules, func(a, b domain.OptimalSchedule) bool { return a.ExpectedCostBps < b.ExpectedCostBps }), nil
	case MinimizeRisk:
		return best(keys, schedules, func(a, b domain.OptimalSchedule) bool { return a.ExecutionRiskBps < b.ExecutionRiskBps }), nil
	case BenchmarkTracking:
		var tracking []domain.ExecutionStrategy
		for _, k := range keys {
			if k == domain.StrategyTWAP || k == domain.StrategyVWAP {
				tracking = append(tracking, k)
			}
		}
		if len(tracking) > 0 {
			keys = tracking
		}
	}
	return best(keys, schedules, func(a, b domain.OptimalSchedule) bool { return a.EfficiencyScore > b.EfficiencyScore }), nil
}

func best(keys []domain.ExecutionStrategy, schedules map[domain.ExecutionStrategy]domain.OptimalSchedule, better func(a, b domain.OptimalSchedule) bool) domain.ExecutionStrategy {
	pick := keys[0]
	for _, k := range keys[1:] {
		if better(schedules[k], schedules[pick]) {
			pick = k
		}
	}
	return pick
}

func orderedKeys(schedules map[domain.ExecutionStrategy]domain.OptimalSchedule) []domain.ExecutionStrategy {
	keys := make([]domain.ExecutionStrategy, 0, len(schedules))
	for k := range schedules {
		keys = append(keys, k)
	}
	rank := func(s domain.ExecutionStrategy) int {
		if i := slices.Index(domain.AllStrategies, s); i >= 0 {
			return i
		}
		return len(domain.AllStrategies)
	}
	slices.SortFunc(keys, func(a, b domain.ExecutionStrategy) int {
		if ra, rb := rank(a), rank(b); ra != rb {
			return ra - rb
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	return keys
}
