package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

var t0 = time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSnapshots struct {
	mu      sync.Mutex
	saved   []domain.MonitoringMetrics
	batches int
	err     error
}

func (f *fakeSnapshots) Save(_ context.Context, m domain.MonitoringMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, m)
	return f.err
}

func (f *fakeSnapshots) SaveBatch(_ context.Context, ms []domain.MonitoringMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, ms...)
	f.batches++
	return f.err
}

func (f *fakeSnapshots) ListByOrder(context.Context, string, int) ([]domain.MonitoringMetrics, error) {
	return nil, nil
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string]int
	streamed  int
}

func (b *fakeBus) Publish(_ context.Context, channel string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = make(map[string]int)
	}
	b.published[channel]++
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed++
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) StreamTail(context.Context, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeObserver struct {
	alerts int
	active int
	sweeps int
}

func (o *fakeObserver) AlertRaised(domain.TCAAlert) { o.alerts++ }
func (o *fakeObserver) ActiveOrders(n int)          { o.active = n }
func (o *fakeObserver) SweepCompleted()             { o.sweeps++ }

func newTestMonitor(cfg Config, opts ...Option) (*Monitor, *clock) {
	clk := &clock{now: t0}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...), clk
}

func testOrder(id string, target float64) domain.MonitoredOrder {
	return domain.MonitoredOrder{
		OrderID:         id,
		Symbol:          "AAPL",
		Side:            domain.SideBuy,
		TargetQuantity:  target,
		ArrivalPrice:    100,
		StartTime:       t0,
		ExpectedEndTime: t0.Add(time.Hour),
	}
}

func TestMonitor_FullFillCompletesAndIsSwept(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestMonitor(DefaultConfig())

	_, err := m.AddOrder(ctx, testOrder("o-1", 100))
	require.NoError(t, err)

	clk.Advance(time.Minute)
	metrics, _, err := m.UpdateFill(ctx, "o-1", domain.Fill{Price: 100.05, Quantity: 100, Timestamp: clk.Now()}, domain.MarketSnapshot{})
	require.NoError(t, err)
	assert.InDelta(t, 100.0, metrics.QuantityProgress, 1e-12)
	assert.Equal(t, domain.OrderCompleted, metrics.State)

	got, err := m.Metrics("o-1")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, got.QuantityProgress, 1e-12)

	m.Sweep(ctx)

	_, err = m.Metrics("o-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, m.ActiveOrders())

	report, err := m.Report("o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, report.State)
	require.NotNil(t, report.ClosedAt)
	assert.Len(t, report.Fills, 1)
}

func TestMonitor_StateTransitions(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMonitor(DefaultConfig())

	metrics, err := m.AddOrder(ctx, testOrder("o-1", 100))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRegistered, metrics.State)

	metrics, _, err = m.UpdateFill(ctx, "o-1", domain.Fill{Price: 100, Quantity: 40, Timestamp: t0}, domain.MarketSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilling, metrics.State)
	assert.InDelta(t, 40, metrics.QuantityProgress, 1e-12)

	metrics, _, err = m.UpdateFill(ctx, "o-1", domain.Fill{Price: 100, Quantity: 60, Timestamp: t0}, domain.MarketSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, metrics.State)
	assert.Equal(t, 2, metrics.FillCount)

	_, _, err = m.UpdateFill(ctx, "o-1", domain.Fill{Price: 100, Quantity: 1, Timestamp: t0}, domain.MarketSnapshot{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestMonitor_MetricsRebuiltFromFills(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestMonitor(DefaultConfig())
	_, err := m.AddOrder(ctx, testOrder("o-1", 1_000))
	require.NoError(t, err)

	clk.Advance(30 * time.Minute)
	_, _, err = m.UpdateFill(ctx, "o-1", domain.Fill{Price: 100.1, Quantity: 100, Timestamp: clk.Now()}, domain.MarketSnapshot{})
	require.NoError(t, err)
	metrics, _, err := m.UpdateFill(ctx, "o-1",
		domain.Fill{Price: 100.3, Quantity: 100, Timestamp: clk.Now()},
		domain.MarketSnapshot{Price: 100.2, Bid: 100.19, Ask: 100.21, Volume: 2_000, Timestamp: clk.Now()},
	)
	require.NoError(t, err)

	assert.InDelta(t, 100.2, metrics.AverageFillPrice, 1e-9)
	assert.InDelta(t, 20, metrics.RealizedImpactBps, 1e-6)
	assert.InDelta(t, 0, metrics.SlippageBps, 1e-6)
	assert.InDelta(t, 0.1, metrics.ParticipationRate, 1e-12)
	assert.InDelta(t, 50, metrics.TimeProgress, 1e-9)
	assert.InDelta(t, 20, metrics.QuantityProgress, 1e-9)
	assert.Greater(t, metrics.TotalCostBps, metrics.RealizedImpactBps)
	assert.InDelta(t, 90, metrics.EfficiencyScore, 1e-6)
}

func TestMonitor_AlertsAndSeverity(t *testing.T) {
	ctx := context.Background()
	obs := &fakeObserver{}
	m, _ := newTestMonitor(DefaultConfig(), WithObserver(obs))
	_, err := m.AddOrder(ctx, testOrder("o-1", 1_000))
	require.NoError(t, err)

	_, alerts, err := m.UpdateFill(ctx, "o-1", domain.Fill{Price: 101, Quantity: 10, Timestamp: t0}, domain.MarketSnapshot{Price: 101})
	require.NoError(t, err)

	require.Len(t, alerts, 2)
	assert.Equal(t, domain.AlertMarketImpact, alerts[0].Type)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Severity)
	assert.InDelta(t, 100, alerts[0].CurrentValue, 1e-6)
	assert.Equal(t, domain.AlertTotalCost, alerts[1].Type)
	assert.Equal(t, domain.SeverityWarning, alerts[1].Severity)
	assert.NotEmpty(t, alerts[0].ID)
	assert.NotEmpty(t, alerts[0].Recommendations)

	assert.Len(t, m.Alerts(0), 2)
	assert.Len(t, m.Alerts(1), 1)
	assert.Equal(t, 2, obs.alerts)
}

func TestMonitor_CallbackFailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMonitor(DefaultConfig())

	var got []domain.AlertType
	m.OnAlert(func(context.Context, domain.TCAAlert) error { panic("boom") })
	m.OnAlert(func(context.Context, domain.TCAAlert) error { return errors.New("webhook down") })
	m.OnAlert(func(_ context.Context, a domain.TCAAlert) error {
		got = append(got, a.Type)
		return nil
	})

	_, err := m.AddOrder(ctx, testOrder("o-1", 1_000))
	require.NoError(t, err)
	_, _, err = m.UpdateFill(ctx, "o-1", domain.Fill{Price: 101, Quantity: 10, Timestamp: t0}, domain.MarketSnapshot{Price: 101})
	require.NoError(t, err)

	assert.Equal(t, []domain.AlertType{domain.AlertMarketImpact, domain.AlertTotalCost}, got)
}

func TestMonitor_AlertHistoryIsBounded(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.AlertHistory = 3
	m, _ := newTestMonitor(cfg)
	_, err := m.AddOrder(ctx, testOrder("o-1", 1_000))
	require.NoError(t, err)

	for range 2 {
		_, _, err = m.UpdateFill(ctx, "o-1", domain.Fill{Price: 101, Quantity: 10, Timestamp: t0}, domain.MarketSnapshot{Price: 101})
		require.NoError(t, err)
	}
	assert.Len(t, m.Alerts(0), 3)

	report, err := m.Report("o-1")
	require.NoError(t, err)
	assert.Len(t, report.Alerts, 4)
}

func TestMonitor_ExpiryAfterGrace(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestMonitor(DefaultConfig())
	_, err := m.AddOrder(ctx, testOrder("o-1", 100))
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	m.Sweep(ctx)
	assert.Equal(t, []string{"o-1"}, m.ActiveOrders(), "still inside the grace period")

	clk.Advance(time.Second)
	m.Sweep(ctx)
	assert.Empty(t, m.ActiveOrders())

	report, err := m.Report("o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderExpired, report.State)
}

func TestMonitor_PersistsAndPublishes(t *testing.T) {
	ctx := context.Background()
	snaps := &fakeSnapshots{err: errors.New("db down")}
	bus := &fakeBus{}
	m, _ := newTestMonitor(DefaultConfig(), WithSnapshotStore(snaps), WithBus(bus))

	_, err := m.AddOrder(ctx, testOrder("o-1", 1_000))
	require.NoError(t, err)
	_, _, err = m.UpdateFill(ctx, "o-1", domain.Fill{Price: 101, Quantity: 10, Timestamp: t0}, domain.MarketSnapshot{Price: 101})
	require.NoError(t, err, "persistence failures are not returned")
	m.Sweep(ctx)

	assert.Len(t, snaps.saved, 2)
	assert.Equal(t, 1, snaps.batches, "sweeps persist in one batch")
	assert.Equal(t, 2, bus.published[domain.ChannelMetrics])
	assert.Equal(t, 2, bus.published[domain.ChannelAlerts])
	assert.Equal(t, 2, bus.streamed)
}

func TestMonitor_AddOrderValidation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMonitor(DefaultConfig())

	_, err := m.AddOrder(ctx, testOrder("o-1", 100))
	require.NoError(t, err)
	_, err = m.AddOrder(ctx, testOrder("o-1", 100))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = m.AddOrder(ctx, testOrder("", 100))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, _, err = m.UpdateFill(ctx, "missing", domain.Fill{Price: 1, Quantity: 1, Timestamp: t0}, domain.MarketSnapshot{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMonitor_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	obs := &syncObserver{}
	m, _ := newTestMonitor(cfg, WithObserver(obs))

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Running())
	assert.ErrorIs(t, m.Start(context.Background()), domain.ErrMonitorRunning)

	assert.Eventually(t, func() bool { return obs.Sweeps() > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop())
	assert.False(t, m.Running())
	assert.ErrorIs(t, m.Stop(), domain.ErrMonitorStopped)
}

type syncObserver struct {
	mu     sync.Mutex
	sweeps int
}

func (o *syncObserver) AlertRaised(domain.TCAAlert) {}
func (o *syncObserver) ActiveOrders(int)            {}
func (o *syncObserver) SweepCompleted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sweeps++
}

func (o *syncObserver) Sweeps() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sweeps
}
