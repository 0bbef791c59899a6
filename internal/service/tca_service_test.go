package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tcaengine/internal/domain"
	"github.com/alanyoungcy/tcaengine/internal/tca/attribution"
	"github.com/alanyoungcy/tcaengine/internal/tca/benchmark"
	"github.com/alanyoungcy/tcaengine/internal/tca/execution"
	"github.com/alanyoungcy/tcaengine/internal/tca/impact"
	"github.com/alanyoungcy/tcaengine/internal/tca/schedule"
	"github.com/alanyoungcy/tcaengine/internal/tca/shortfall"
)

var t0 = time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)

// ---- fakes ----

type memAnalyses struct {
	mu      sync.Mutex
	recs    []domain.AnalysisRecord
	saveErr error
}

func (m *memAnalyses) Save(_ context.Context, rec domain.AnalysisRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memAnalyses) GetByID(_ context.Context, id string) (domain.AnalysisRecord, error) {
	for _, r := range m.recs {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.AnalysisRecord{}, domain.ErrNotFound
}

func (m *memAnalyses) ListByOrder(_ context.Context, orderID string) ([]domain.AnalysisRecord, error) {
	var out []domain.AnalysisRecord
	for _, r := range m.recs {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memAnalyses) List(_ context.Context, kind domain.AnalysisKind, _ domain.ListOpts) ([]domain.AnalysisRecord, error) {
	var out []domain.AnalysisRecord
	for _, r := range m.recs {
		if kind == "" || r.Kind == kind {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memAnalyses) ListBefore(context.Context, time.Time) ([]domain.AnalysisRecord, error) {
	return nil, nil
}

type memStats struct{ stats map[string]domain.MarketStats }

func (m *memStats) Set(_ context.Context, s domain.MarketStats) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.stats[s.Symbol] = s
	return nil
}

func (m *memStats) Get(_ context.Context, symbol string) (domain.MarketStats, error) {
	s, ok := m.stats[symbol]
	if !ok {
		return domain.MarketStats{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *memStats) GetMany(_ context.Context, symbols []string) (map[string]domain.MarketStats, error) {
	out := map[string]domain.MarketStats{}
	for _, sym := range symbols {
		if s, ok := m.stats[sym]; ok {
			out[sym] = s
		}
	}
	return out, nil
}

type memBus struct {
	published []string
	streamed  int
	err       error
}

func (b *memBus) Publish(_ context.Context, channel string, _ []byte) error {
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, channel)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *memBus) StreamAppend(context.Context, string, []byte) error {
	if b.err != nil {
		return b.err
	}
	b.streamed++
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *memBus) StreamTail(context.Context, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type memAudit struct{ events []string }

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type countingRecorder struct {
	completed map[domain.AnalysisKind]int
	failed    map[domain.AnalysisKind]int
}

func newRecorder() *countingRecorder {
	return &countingRecorder{completed: map[domain.AnalysisKind]int{}, failed: map[domain.AnalysisKind]int{}}
}

func (r *countingRecorder) AnalysisCompleted(k domain.AnalysisKind) { r.completed[k]++ }
func (r *countingRecorder) AnalysisFailed(k domain.AnalysisKind)    { r.failed[k]++ }

type fixture struct {
	svc      *TCAService
	analyses *memAnalyses
	stats    *memStats
	bus      *memBus
	audit    *memAudit
	rec      *countingRecorder
}

func newFixture() fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bench := benchmark.NewAnalyzer(benchmark.DefaultConfig(), logger)
	f := fixture{
		analyses: &memAnalyses{},
		stats:    &memStats{stats: map[string]domain.MarketStats{}},
		bus:      &memBus{},
		audit:    &memAudit{},
		rec:      newRecorder(),
	}
	f.svc = NewTCAService(Analyzers{
		Impact:      impact.NewRegistry(impact.DefaultConfig(), logger),
		Schedule:    schedule.DefaultConfig(),
		Shortfall:   shortfall.NewAnalyzer(shortfall.DefaultConfig(), bench, logger),
		Benchmark:   bench,
		Attribution: attribution.NewAnalyzer(attribution.DefaultConfig(), logger),
	}, f.analyses, f.stats, f.bus, f.audit, f.rec, logger)
	f.svc.now = func() time.Time { return t0.Add(time.Hour) }
	return f
}

func fills() []domain.Fill {
	return []domain.Fill{
		{Price: 100.2, Quantity: 50, Timestamp: t0},
		{Price: 100.5, Quantity: 30, Timestamp: t0.Add(time.Minute)},
		{Price: 100.8, Quantity: 20, Timestamp: t0.Add(2 * time.Minute)},
	}
}

func bars(n int) domain.MarketSeries {
	out := make(domain.MarketSeries, n)
	for i := range out {
		out[i] = domain.MarketBar{
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Open:      100,
			Close:     100,
			Volume:    1_000,
			Bid:       99.99,
			Ask:       100.01,
		}
	}
	return out
}

func shortfallRequest(orderID string) shortfall.Request {
	return shortfall.Request{
		OrderID:        orderID,
		Symbol:         "AAPL",
		Side:           domain.SideBuy,
		TargetQuantity: 100,
		BenchmarkPrice: 100,
		Fills:          fills(),
		Market:         bars(3),
	}
}

// ---- tests ----

func TestShortfall_PersistsPublishesAndAudits(t *testing.T) {
	f := newFixture()
	res, err := f.svc.Shortfall(context.Background(), shortfallRequest("o-1"))
	require.NoError(t, err)
	assert.InDelta(t, 41, res.TotalShortfallBps, 1e-9)

	require.Len(t, f.analyses.recs, 1)
	rec := f.analyses.recs[0]
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, domain.KindShortfall, rec.Kind)
	assert.Equal(t, "o-1", rec.OrderID)
	assert.Equal(t, "AAPL", rec.Symbol)
	assert.True(t, rec.CreatedAt.Equal(t0.Add(time.Hour)))

	var stored domain.ShortfallAnalysis
	require.NoError(t, json.Unmarshal(rec.Payload, &stored))
	assert.InDelta(t, 41, stored.TotalShortfallBps, 1e-9)

	assert.Equal(t, []string{domain.ChannelAnalyses}, f.bus.published)
	assert.Equal(t, 1, f.bus.streamed)
	assert.Equal(t, []string{"analysis.shortfall"}, f.audit.events)
	assert.Equal(t, 1, f.rec.completed[domain.KindShortfall])
}

func TestShortfall_InvalidInputCountsFailure(t *testing.T) {
	f := newFixture()
	req := shortfallRequest("o-1")
	req.Fills = nil

	_, err := f.svc.Shortfall(context.Background(), req)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	assert.Empty(t, f.analyses.recs)
	assert.Equal(t, 1, f.rec.failed[domain.KindShortfall])
}

func TestShortfall_StoreAndBusFailuresAreNotReturned(t *testing.T) {
	f := newFixture()
	f.analyses.saveErr = errors.New("db down")
	f.bus.err = errors.New("redis down")

	_, err := f.svc.Shortfall(context.Background(), shortfallRequest("o-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"analysis.shortfall"}, f.audit.events)
}

func TestShortfallBatch_ReportsFailuresByIndex(t *testing.T) {
	f := newFixture()
	bad := shortfallRequest("o-bad")
	bad.Fills = nil

	results, failures := f.svc.ShortfallBatch(context.Background(), []shortfall.Request{
		shortfallRequest("o-1"), bad, shortfallRequest("o-3"),
	})
	assert.Len(t, results, 2)
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Index)
	assert.Len(t, f.analyses.recs, 2)
	assert.Equal(t, 1, f.rec.failed[domain.KindShortfall])
}

func TestShortfallSummary_PersistsSummary(t *testing.T) {
	f := newFixture()
	sum, failures, err := f.svc.ShortfallSummary(context.Background(), []shortfall.Request{
		shortfallRequest("o-1"), shortfallRequest("o-2"),
	})
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, 2, sum.OrderCount)

	require.Len(t, f.analyses.recs, 1)
	assert.Equal(t, domain.KindSummary, f.analyses.recs[0].Kind)
}

func TestBenchmark_Persists(t *testing.T) {
	f := newFixture()
	res, err := f.svc.Benchmark(context.Background(), domain.BenchmarkTWAP, benchmark.Request{
		OrderID: "o-1",
		Symbol:  "AAPL",
		Side:    domain.SideBuy,
		Fills:   fills(),
		Market:  bars(3),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BenchmarkTWAP, res.BenchmarkType)
	require.Len(t, f.analyses.recs, 1)
	assert.Equal(t, domain.KindBenchmark, f.analyses.recs[0].Kind)
}

func TestAttribution_FillsMissingInputsFromStats(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.svc.PutMarketStats(ctx, domain.MarketStats{
		Symbol: "AAPL", AverageDailyVolume: 1_000_000, Volatility: 0.02, SpreadBps: 2, Price: 100,
	}))

	res, err := f.svc.Attribution(ctx, attribution.Request{
		OrderID:      "o-1",
		Symbol:       "AAPL",
		Side:         domain.SideBuy,
		Venue:        "NYSE",
		ArrivalPrice: 100,
		Fills:        fills(),
		Market:       bars(3),
	})
	require.NoError(t, err)
	assert.InDelta(t, 41.8, res.TotalCostBps, 1e-9)
	assert.Equal(t, 1, f.rec.completed[domain.KindAttribution])
}

func TestEstimateImpact_EnrichesFromStats(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.svc.PutMarketStats(ctx, domain.MarketStats{
		Symbol: "AAPL", AverageDailyVolume: 1_000_000, Volatility: 0.02, SpreadBps: 2,
	}))

	got, err := f.svc.EstimateImpact(ctx, impact.NameSquareRoot, "AAPL", impact.Input{TradeSize: 10_000})
	require.NoError(t, err)

	m, err := impact.NewRegistry(impact.DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil))).Get(impact.NameSquareRoot)
	require.NoError(t, err)
	want, err := m.EstimateImpact(impact.Input{TradeSize: 10_000, AverageDailyVolume: 1_000_000, Volatility: 0.02, SpreadBps: 2})
	require.NoError(t, err)
	assert.InDelta(t, want.TotalBps, got.TotalBps, 1e-12)

	_, err = f.svc.EstimateImpact(ctx, "quadratic", "AAPL", impact.Input{TradeSize: 1})
	assert.ErrorIs(t, err, domain.ErrUnknownMethod)

	_, err = f.svc.EstimateImpact(ctx, "", "MSFT", impact.Input{TradeSize: 10_000})
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "no stats for MSFT leaves ADV at zero")
}

func TestTotalCost_PriceFromStats(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.svc.PutMarketStats(ctx, domain.MarketStats{
		Symbol: "AAPL", AverageDailyVolume: 1_000_000, Volatility: 0.02, SpreadBps: 2, Price: 50,
	}))

	cost, err := f.svc.TotalCost(ctx, "", "AAPL", impact.CostInput{Input: impact.Input{TradeSize: 1_000}})
	require.NoError(t, err)
	assert.InDelta(t, 50_000, cost.Notional, 1e-9)
	assert.InDelta(t, 1, cost.HalfSpreadBps, 1e-12)
}

func TestCalibrateImpact_Audited(t *testing.T) {
	f := newFixture()
	res, err := f.svc.CalibrateImpact(context.Background(), impact.NameLinear, nil)
	require.NoError(t, err)
	assert.False(t, res.Calibrated)
	assert.Equal(t, []string{"impact.calibrate"}, f.audit.events)
}

func executionRequest() ExecutionRequest {
	return ExecutionRequest{
		Request: execution.Request{Request: schedule.Request{
			TotalQuantity:      10_000,
			Intervals:          10,
			AverageDailyVolume: 1_000_000,
			Volatility:         0.02,
			SpreadBps:          2,
		}},
		Symbol: "AAPL",
		Constraints: domain.TradingConstraints{
			StartTime:            t0,
			EndTime:              t0.Add(5 * time.Hour),
			MinParticipationRate: 0.01,
			MaxParticipationRate: 0.3,
			RiskAversion:         1e-6,
		},
	}
}

func TestOptimizeExecution(t *testing.T) {
	f := newFixture()
	sched, err := f.svc.OptimizeExecution(context.Background(), domain.StrategyTWAP, executionRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyTWAP, sched.Strategy)
	assert.InDelta(t, 10_000, sched.ScheduledQuantity(), 1e-6)
	require.Len(t, f.analyses.recs, 1)
	assert.Equal(t, domain.KindSchedule, f.analyses.recs[0].Kind)

	_, err = f.svc.OptimizeExecution(context.Background(), domain.StrategyTWAP, ExecutionRequest{Model: "nope"})
	assert.ErrorIs(t, err, domain.ErrUnknownMethod)
}

func TestCompareExecution_DefaultsToAllStrategies(t *testing.T) {
	f := newFixture()
	cmp, err := f.svc.CompareExecution(context.Background(), nil, "", executionRequest())
	require.NoError(t, err)
	assert.Equal(t, execution.MinimizeCost, cmp.Objective)
	assert.Contains(t, cmp.Schedules, cmp.Recommended)
	assert.NotEmpty(t, cmp.Schedules)
}

func TestAnalysesQueries(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.Shortfall(ctx, shortfallRequest("o-1"))
	require.NoError(t, err)
	_, err = f.svc.Shortfall(ctx, shortfallRequest("o-2"))
	require.NoError(t, err)

	byOrder, err := f.svc.Analyses(ctx, "o-2", "", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, byOrder, 1)

	got, err := f.svc.Analysis(ctx, byOrder[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "o-2", got.OrderID)

	_, err = f.svc.Analysis(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	all, err := f.svc.Analyses(ctx, "", domain.KindShortfall, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMarketStats(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.svc.PutMarketStats(ctx, domain.MarketStats{Symbol: "AAPL", Price: 10}))

	got, err := f.svc.MarketStats(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Hour)), "missing timestamp is stamped")

	_, err = f.svc.MarketStats(ctx, "MSFT")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, f.svc.PutMarketStats(ctx, domain.MarketStats{}), domain.ErrInvalidInput)
}

func TestMarketStatsMany(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.svc.PutMarketStats(ctx, domain.MarketStats{Symbol: "AAPL", AverageDailyVolume: 1_000_000}))

	found, missing, err := f.svc.MarketStatsMany(ctx, []string{"TSLA", "AAPL", "MSFT", "TSLA"})
	require.NoError(t, err)
	assert.Len(t, found, 1)
	assert.Equal(t, t0.Add(time.Hour), found["AAPL"].UpdatedAt)
	assert.Equal(t, []string{"MSFT", "TSLA"}, missing)

	_, _, err = f.svc.MarketStatsMany(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
