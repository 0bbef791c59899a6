// Package attribution splits realised execution cost into named drivers.
package attribution

import (
	"cmp"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/alanyoungcy/tcaengine/internal/domain"
	"github.com/alanyoungcy/tcaengine/internal/tca/stats"
)

// Config holds fee tables and the estimation heuristics.
type Config struct {
	CommissionBps float64
	DefaultFeeBps float64
	VenueFeeBps   map[string]float64

	// ImpactCoefficient scales the square-root participation estimate.
	ImpactCoefficient float64
	// SpreadVolatilityRatio estimates the full spread as a share of daily
	// volatility when no quotes are available.
	SpreadVolatilityRatio float64
	VolatilityFactor      float64
	TradingDayHours       float64
	// TypicalSizeFraction is the share of ADV treated as a typical order.
	TypicalSizeFraction float64
	// OrderSizeBps is charged per multiple of typical size above one.
	OrderSizeBps float64

	RecommendationBps  float64
	MaxRecommendations int
	HistoryLimit       int

	CostPenalty       float64
	ImpactPenalty     float64
	ControllableBonus float64
}

// DefaultConfig returns the production heuristics.
func DefaultConfig() Config {
	return Config{
		CommissionBps: 0.5,
		DefaultFeeBps: 0.3,
		VenueFeeBps: map[string]float64{
			"NYSE":   0.30,
			"NASDAQ": 0.30,
			"ARCA":   0.30,
			"BATS":   0.25,
			"IEX":    0.09,
			"DARK":   0.10,
		},
		ImpactCoefficient:     0.5,
		SpreadVolatilityRatio: 0.05,
		VolatilityFactor:      0.1,
		TradingDayHours:       6.5,
		TypicalSizeFraction:   0.01,
		OrderSizeBps:          2,
		RecommendationBps:     5,
		MaxRecommendations:    3,
		HistoryLimit:          500,
		CostPenalty:           0.5,
		ImpactPenalty:         0.3,
		ControllableBonus:     10,
	}
}

var categories = map[domain.CostDriver]domain.CostCategory{
	domain.DriverMarketImpact:     domain.CategoryExecutionDriven,
	domain.DriverOrderSize:        domain.CategoryExecutionDriven,
	domain.DriverSpread:           domain.CategoryMarketDriven,
	domain.DriverTimingRisk:       domain.CategoryMarketDriven,
	domain.DriverVolatilityImpact: domain.CategoryMarketDriven,
	domain.DriverVenueFees:        domain.CategoryControllable,
	domain.DriverCommission:       domain.CategoryControllable,
}

var controllable = map[domain.CostDriver]bool{
	domain.DriverMarketImpact: true,
	domain.DriverOrderSize:    true,
	domain.DriverVenueFees:    true,
	domain.DriverCommission:   true,
}

var advice = map[domain.CostDriver]string{
	domain.DriverMarketImpact: "Reduce participation or extend the execution horizon to lower market impact",
	domain.DriverOrderSize:    "Split the order into smaller child orders closer to typical size",
	domain.DriverVenueFees:    "Route to lower-fee venues or use passive liquidity to earn rebates",
	domain.DriverCommission:   "Review the commission schedule with the broker",
}

// Request describes one completed order. Volatility is daily; when zero
// it is estimated from the market data.
type Request struct {
	OrderID            string              `json:"order_id"`
	Symbol             string              `json:"symbol"`
	Side               domain.Side         `json:"side"`
	Venue              string              `json:"venue"`
	ArrivalPrice       float64             `json:"arrival_price"`
	Fills              []domain.Fill       `json:"executions"`
	Market             domain.MarketSeries `json:"market_data"`
	AverageDailyVolume float64             `json:"average_daily_volume"`
	Volatility         float64             `json:"volatility"`
}

// Analyzer attributes costs and keeps a bounded per-symbol history of
// total cost for comparison.
type Analyzer struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	history map[string][]float64
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(cfg Config, logger *slog.Logger) *Analyzer {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	if cfg.TradingDayHours <= 0 {
		cfg.TradingDayHours = DefaultConfig().TradingDayHours
	}
	return &Analyzer{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "cost_analyzer")),
		now:     time.Now,
		history: make(map[string][]float64),
	}
}

// Analyze attributes one order's realised cost.
func (a *Analyzer) Analyze(req Request) (domain.AttributionResult, error) {
	if err := req.Side.Validate(); err != nil {
		return domain.AttributionResult{}, err
	}
	if req.ArrivalPrice <= 0 {
		return domain.AttributionResult{}, fmt.Errorf("%w: arrival_price must be > 0", domain.ErrInvalidInput)
	}
	if err := domain.ValidateFills(req.Fills); err != nil {
		return domain.AttributionResult{}, err
	}

	fills := domain.SortFills(req.Fills)
	first, last := domain.FillWindow(fills)
	executed := domain.FilledQuantity(fills)
	avg := domain.AveragePrice(fills)
	market := req.Market.Sorted()
	sign := req.Side.Sign()
	log := a.logger.With(slog.String("order_id", req.OrderID), slog.String("symbol", req.Symbol))

	vol := req.Volatility
	volQuality := domain.DataObserved
	if vol <= 0 {
		vol = stats.Volatility(market.Usable().Closes())
		volQuality = domain.DataEstimated
		if vol <= 0 {
			log.Warn("no volatility available, volatility-based drivers set to zero")
			volQuality = domain.DataProxy
		}
	}

	fee, feeKnown := a.cfg.VenueFeeBps[req.Venue]
	if !feeKnown {
		fee = a.cfg.DefaultFeeBps
	}
	total := sign*stats.Bps(req.ArrivalPrice, avg) + fee + a.cfg.CommissionBps

	breakdown := []domain.AttributionBreakdown{
		a.impact(executed, req.AverageDailyVolume, vol, volQuality, log),
		a.spread(market, first, last, vol),
		a.timing(market, first, last, req.ArrivalPrice, sign, log),
		{
			Driver:      domain.DriverVenueFees,
			ValueBps:    fee,
			Confidence:  confidenceIf(feeKnown),
			DataQuality: qualityIf(feeKnown),
			Description: fmt.Sprintf("Venue fee for %q", req.Venue),
		},
		{
			Driver:      domain.DriverCommission,
			ValueBps:    a.cfg.CommissionBps,
			Confidence:  domain.ConfidenceHigh,
			DataQuality: domain.DataObserved,
			Description: "Flat broker commission",
		},
		a.volatility(vol, volQuality, last.Sub(first)),
		a.orderSize(executed, req.AverageDailyVolume),
	}

	values := make([]float64, len(breakdown))
	for i, b := range breakdown {
		values[i] = b.ValueBps
	}
	shares := stats.Shares(values)

	res := domain.AttributionResult{
		OrderID:          req.OrderID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		Venue:            req.Venue,
		ArrivalPrice:     req.ArrivalPrice,
		AveragePrice:     avg,
		ExecutedQuantity: executed,
		TotalCostBps:     total,
		TotalCost:        total / 1e4 * req.ArrivalPrice * executed,
		AnalyzedAt:       a.now().UTC(),
	}
	var primary float64
	var controllableBps float64
	for i := range breakdown {
		b := &breakdown[i]
		b.Percentage = shares[i]
		b.Category = categories[b.Driver]
		b.Controllable = controllable[b.Driver]
		res.ExplainedBps += b.ValueBps
		switch b.Category {
		case domain.CategoryControllable:
			res.ControllablePct += b.Percentage
		case domain.CategoryMarketDriven:
			res.MarketDrivenPct += b.Percentage
		case domain.CategoryExecutionDriven:
			res.ExecutionDrivenPct += b.Percentage
		}
		if b.Controllable {
			controllableBps += b.ValueBps
		}
		if math.Abs(b.ValueBps) > primary {
			primary = math.Abs(b.ValueBps)
			res.PrimaryDriver = b.Driver
		}
	}
	res.Breakdown = breakdown
	res.UnexplainedBps = total - res.ExplainedBps
	res.Recommendations = a.recommend(breakdown)

	impact, _ := res.Driver(domain.DriverMarketImpact)
	score := 100 - a.cfg.CostPenalty*math.Abs(total) - a.cfg.ImpactPenalty*math.Abs(impact.ValueBps)
	if controllableBps < a.cfg.RecommendationBps {
		score += a.cfg.ControllableBonus
	}
	res.EfficiencyScore = stats.Clamp(score, 0, 100)

	res.Context = a.record(req.Symbol, total)
	return res, nil
}

func (a *Analyzer) impact(executed, adv, vol float64, q domain.DataQuality, log *slog.Logger) domain.AttributionBreakdown {
	b := domain.AttributionBreakdown{
		Driver:      domain.DriverMarketImpact,
		Confidence:  domain.ConfidenceMedium,
		DataQuality: domain.DataEstimated,
		Description: "Square-root participation estimate",
	}
	if adv <= 0 || vol <= 0 {
		log.Warn("missing adv or volatility, market impact set to zero")
		b.Confidence, b.DataQuality = domain.ConfidenceLow, domain.DataProxy
		return b
	}
	if q != domain.DataObserved {
		b.Confidence = domain.ConfidenceLow
	}
	b.ValueBps = a.cfg.ImpactCoefficient * vol * math.Sqrt(executed/adv) * 1e4
	return b
}

// spread charges half the average quoted spread over the fill window, or a
// volatility proxy when no quotes were seen.
func (a *Analyzer) spread(market domain.MarketSeries, first, last time.Time, vol float64) domain.AttributionBreakdown {
	b := domain.AttributionBreakdown{Driver: domain.DriverSpread}
	var sum float64
	var n int
	for _, bar := range market.Window(first, last) {
		if bar.HasQuote() {
			sum += bar.SpreadBps()
			n++
		}
	}
	if n > 0 {
		b.ValueBps = sum / float64(n) / 2
		b.Confidence, b.DataQuality = domain.ConfidenceHigh, domain.DataObserved
		b.Description = "Half the quoted spread over the fill window"
		return b
	}
	b.ValueBps = a.cfg.SpreadVolatilityRatio * vol * 1e4 / 2
	b.Confidence, b.DataQuality = domain.ConfidenceLow, domain.DataProxy
	b.Description = "Half spread estimated from volatility"
	return b
}

func (a *Analyzer) timing(market domain.MarketSeries, first, last time.Time, arrival, sign float64, log *slog.Logger) domain.AttributionBreakdown {
	b := domain.AttributionBreakdown{
		Driver:      domain.DriverTimingRisk,
		Confidence:  domain.ConfidenceHigh,
		DataQuality: domain.DataObserved,
		Description: "Market drift between first and last fill",
	}
	p0, ok0 := market.PriceAt(first)
	p1, ok1 := market.PriceAt(last)
	if !ok0 || !ok1 {
		log.Warn("no market price over fill window, timing risk set to zero")
		b.Confidence, b.DataQuality = domain.ConfidenceLow, domain.DataProxy
		return b
	}
	b.ValueBps = sign * (p1 - p0) / arrival * 1e4
	return b
}

func (a *Analyzer) volatility(vol float64, q domain.DataQuality, d time.Duration) domain.AttributionBreakdown {
	days := d.Hours() / a.cfg.TradingDayHours
	b := domain.AttributionBreakdown{
		Driver:      domain.DriverVolatilityImpact,
		ValueBps:    a.cfg.VolatilityFactor * vol * math.Sqrt(days) * 1e4,
		Confidence:  domain.ConfidenceMedium,
		DataQuality: domain.DataEstimated,
		Description: "Volatility exposure over the execution duration",
	}
	if q != domain.DataObserved {
		b.Confidence = domain.ConfidenceLow
	}
	return b
}

func (a *Analyzer) orderSize(executed, adv float64) domain.AttributionBreakdown {
	b := domain.AttributionBreakdown{
		Driver:      domain.DriverOrderSize,
		Confidence:  domain.ConfidenceLow,
		DataQuality: domain.DataEstimated,
		Description: "Size relative to a typical order",
	}
	typical := adv * a.cfg.TypicalSizeFraction
	if typical <= 0 {
		b.DataQuality = domain.DataProxy
		return b
	}
	b.ValueBps = a.cfg.OrderSizeBps * math.Max(0, executed/typical-1)
	return b
}

func (a *Analyzer) recommend(breakdown []domain.AttributionBreakdown) []string {
	var hot []domain.AttributionBreakdown
	for _, b := range breakdown {
		if b.Controllable && b.ValueBps > a.cfg.RecommendationBps {
			hot = append(hot, b)
		}
	}
	slices.SortStableFunc(hot, func(x, y domain.AttributionBreakdown) int { return cmp.Compare(y.ValueBps, x.ValueBps) })
	if len(hot) > a.cfg.MaxRecommendations {
		hot = hot[:a.cfg.MaxRecommendations]
	}
	out := make([]string, 0, len(hot))
	for _, b := range hot {
		out = append(out, fmt.Sprintf("%s (%.1f bps): %s", b.Driver, b.ValueBps, advice[b.Driver]))
	}
	return out
}

// record compares total with the symbol's history and peers, then appends
// it to the history.
func (a *Analyzer) record(symbol string, total float64) domain.ComparativeContext {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ctx domain.ComparativeContext
	if hist := a.history[symbol]; len(hist) > 0 {
		var sum float64
		for _, v := range hist {
			sum += v
		}
		ctx.HistoricalCount = len(hist)
		ctx.HistoricalMeanBps = sum / float64(len(hist))
		ctx.HistoricalPercentile = stats.PercentileRank(total, hist)
		ctx.VsHistoricalBps = total - ctx.HistoricalMeanBps
	}
	var peerSum float64
	for s, hist := range a.history {
		if s == symbol {
			continue
		}
		for _, v := range hist {
			peerSum += v
			ctx.PeerCount++
		}
	}
	if ctx.PeerCount > 0 {
		ctx.PeerMeanBps = peerSum / float64(ctx.PeerCount)
	}

	hist := append(a.history[symbol], total)
	if over := len(hist) - a.cfg.HistoryLimit; over > 0 {
		hist = slices.Delete(hist, 0, over)
	}
	a.history[symbol] = hist
	return ctx
}

// BatchAnalyze attributes every request, isolating failures.
func (a *Analyzer) BatchAnalyze(reqs []Request) ([]domain.AttributionResult, []domain.ItemError) {
	out := make([]domain.AttributionResult, 0, len(reqs))
	var failed []domain.ItemError
	for i, req := range reqs {
		res, err := a.Analyze(req)
		if err != nil {
			a.logger.Warn("batch item failed",
				slog.Int("index", i),
				slog.String("order_id", req.OrderID),
				slog.String("error", err.Error()),
			)
			failed = append(failed, domain.ItemError{Index: i, OrderID: req.OrderID, Error: err.Error()})
			continue
		}
		out = append(out, res)
	}
	return out, failed
}

func confidenceIf(observed bool) domain.Confidence {
	if observed {
		return domain.ConfidenceHigh
	}
	return domain.ConfidenceMedium
}

func qualityIf(observed bool) domain.DataQuality {
	if observed {
		return domain.DataObserved
	}
	return domain.DataEstimated
}
