// Package monitor tracks live orders, recomputes their cost metrics on every
// fill and raises threshold alerts.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

// Thresholds trigger alerts. MinEfficiency fires when the score drops below
// it; the others fire when the metric rises above them.
type Thresholds struct {
	MarketImpactBps  float64
	SlippageBps      float64
	MinEfficiency    float64
	MaxParticipation float64
	TotalCostBps     float64
}

// Config controls polling, retention and scoring.
type Config struct {
	PollInterval     time.Duration
	ExpiryGrace      time.Duration
	AlertHistory     int
	MetricsHistory   int
	CompletedReports int
	Thresholds       Thresholds
	// A breach at least CriticalRatio beyond its threshold is critical.
	CriticalRatio   float64
	ImpactPenalty   float64
	SlippagePenalty float64
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		PollInterval:     30 * time.Second,
		ExpiryGrace:      time.Hour,
		AlertHistory:     1000,
		MetricsHistory:   500,
		CompletedReports: 100,
		Thresholds: Thresholds{
			MarketImpactBps:  50,
			SlippageBps:      30,
			MinEfficiency:    40,
			MaxParticipation: 0.25,
			TotalCostBps:     75,
		},
		CriticalRatio:   0.5,
		ImpactPenalty:   0.5,
		SlippagePenalty: 0.3,
	}
}

// AlertCallback receives every alert the monitor raises.
type AlertCallback func(ctx context.Context, alert domain.TCAAlert) error

// Observer receives counters for export.
type Observer interface {
	AlertRaised(alert domain.TCAAlert)
	ActiveOrders(n int)
	SweepCompleted()
}

// Option configures optional collaborators.
type Option func(*Monitor)

// WithSnapshotStore persists every metrics snapshot.
func WithSnapshotStore(s domain.SnapshotStore) Option { return func(m *Monitor) { m.snapshots = s } }

// WithAlertStore persists every alert.
func WithAlertStore(s domain.AlertStore) Option { return func(m *Monitor) { m.alertStore = s } }

// WithBus publishes alerts and metrics.
func WithBus(b domain.SignalBus) Option { return func(m *Monitor) { m.bus = b } }

// WithObserver exports counters.
func WithObserver(o Observer) Option { return func(m *Monitor) { m.observer = o } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

type record struct {
	order   domain.MonitoredOrder
	fills   []domain.Fill
	market  domain.MarketSnapshot
	metrics domain.MonitoringMetrics
	history []domain.MonitoringMetrics
	alerts  []domain.TCAAlert
}

func (r *record) report(closed *time.Time) domain.OrderReport {
	return domain.OrderReport{
		Order:          r.order,
		State:          r.metrics.State,
		Metrics:        r.metrics,
		Fills:          append([]domain.Fill(nil), r.fills...),
		Alerts:         append([]domain.TCAAlert(nil), r.alerts...),
		MetricsHistory: append([]domain.MonitoringMetrics(nil), r.history...),
		ClosedAt:       closed,
	}
}

// Monitor owns the live order records. Fill updates and sweeps hold mu;
// stores, the bus and callbacks are called after it is released.
type Monitor struct {
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
	snapshots  domain.SnapshotStore
	alertStore domain.AlertStore
	bus        domain.SignalBus
	observer   Observer

	mu        sync.Mutex
	orders    map[string]*record
	alerts    []domain.TCAAlert
	completed []domain.OrderReport
	callbacks []AlertCallback

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.AlertHistory <= 0 {
		cfg.AlertHistory = def.AlertHistory
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = def.MetricsHistory
	}
	if cfg.CompletedReports <= 0 {
		cfg.CompletedReports = def.CompletedReports
	}
	m := &Monitor{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "tca_monitor")),
		now:    time.Now,
		orders: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnAlert registers a callback.
func (m *Monitor) OnAlert(cb AlertCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// AddOrder starts monitoring an order. A zero StartTime means now.
func (m *Monitor) AddOrder(ctx context.Context, order domain.MonitoredOrder) (domain.MonitoringMetrics, error) {
	if err := order.Validate(); err != nil {
		return domain.MonitoringMetrics{}, err
	}
	now := m.now()
	if order.StartTime.IsZero() {
		order.StartTime = now
	}

	m.mu.Lock()
	if _, ok := m.orders[order.OrderID]; ok {
		m.mu.Unlock()
		return domain.MonitoringMetrics{}, fmt.Errorf("monitor: order %s: %w", order.OrderID, domain.ErrAlreadyExists)
	}
	rec := &record{order: order}
	rec.metrics = m.compute(rec, now)
	rec.history = append(rec.history, rec.metrics)
	m.orders[order.OrderID] = rec
	active := len(m.orders)
	metrics := rec.metrics
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "order added for monitoring",
		slog.String("order_id", order.OrderID),
		slog.String("symbol", order.Symbol),
		slog.Float64("target_quantity", order.TargetQuantity),
	)
	if m.observer != nil {
		m.observer.ActiveOrders(active)
	}
	return metrics, nil
}

// UpdateFill appends a fill, rebuilds the order's metrics from its full fill
// history and evaluates alert thresholds. market may be zero when no market
// observation accompanies the fill.
func (m *Monitor) UpdateFill(ctx context.Context, orderID string, fill domain.Fill, market domain.MarketSnapshot) (domain.MonitoringMetrics, []domain.TCAAlert, error) {
	if err := fill.Validate(); err != nil {
		return domain.MonitoringMetrics{}, nil, err
	}

	m.mu.Lock()
	rec, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return domain.MonitoringMetrics{}, nil, fmt.Errorf("monitor: order %s: %w", orderID, domain.ErrNotFound)
	}
	if rec.metrics.State.Terminal() {
		m.mu.Unlock()
		return domain.MonitoringMetrics{}, nil, fmt.Errorf("%w: order %s is %s", domain.ErrInvalidInput, orderID, rec.metrics.State)
	}
	rec.fills = append(rec.fills, fill)
	if market.Price > 0 {
		rec.market = market
	}
	now := m.now()
	rec.metrics = m.compute(rec, now)
	rec.history = pushBounded(rec.history, rec.metrics, m.cfg.MetricsHistory)

	alerts := m.evaluate(rec, now)
	for _, a := range alerts {
		rec.alerts = append(rec.alerts, a)
		m.alerts = pushBounded(m.alerts, a, m.cfg.AlertHistory)
	}
	metrics := rec.metrics
	callbacks := append([]AlertCallback(nil), m.callbacks...)
	m.mu.Unlock()

	m.persistSnapshot(ctx, metrics)
	for _, a := range alerts {
		m.dispatch(ctx, a, callbacks)
	}
	return metrics, alerts, nil
}

// Metrics returns the latest metrics of an active order.
func (m *Monitor) Metrics(orderID string) (domain.MonitoringMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.orders[orderID]
	if !ok {
		return domain.MonitoringMetrics{}, fmt.Errorf("monitor: order %s: %w", orderID, domain.ErrNotFound)
	}
	return rec.metrics, nil
}

// Alerts returns up to limit of the most recent alerts, oldest first. A
// non-positive limit returns the whole buffer.
func (m *Monitor) Alerts(limit int) []domain.TCAAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if limit > 0 && limit < len(m.alerts) {
		start = len(m.alerts) - limit
	}
	return append([]domain.TCAAlert(nil), m.alerts[start:]...)
}

// Report returns the full record for an active or recently closed order.
func (m *Monitor) Report(orderID string) (domain.OrderReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.orders[orderID]; ok {
		return rec.report(nil), nil
	}
	for i := len(m.completed) - 1; i >= 0; i-- {
		if m.completed[i].Order.OrderID == orderID {
			return m.completed[i], nil
		}
	}
	return domain.OrderReport{}, fmt.Errorf("monitor: order %s: %w", orderID, domain.ErrNotFound)
}

// ActiveOrders returns the ids of orders still being monitored.
func (m *Monitor) ActiveOrders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.orders))
	for id := range m.orders {
		ids = append(ids, id)
	}
	return ids
}

// Sweep re-snapshots every active order, expires orders past their expected
// end plus the grace period and drops completed or expired orders.
func (m *Monitor) Sweep(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	snaps := make([]domain.MonitoringMetrics, 0, len(m.orders))
	var removed []string
	for id, rec := range m.orders {
		rec.metrics = m.compute(rec, now)
		if !rec.metrics.State.Terminal() && !rec.order.ExpectedEndTime.IsZero() &&
			now.After(rec.order.ExpectedEndTime.Add(m.cfg.ExpiryGrace)) {
			rec.metrics.State = domain.OrderExpired
		}
		rec.history = pushBounded(rec.history, rec.metrics, m.cfg.MetricsHistory)
		snaps = append(snaps, rec.metrics)

		if rec.metrics.State.Terminal() {
			closed := now
			m.completed = pushBounded(m.completed, rec.report(&closed), m.cfg.CompletedReports)
			delete(m.orders, id)
			removed = append(removed, id)
		}
	}
	active := len(m.orders)
	m.mu.Unlock()

	if m.snapshots != nil && len(snaps) > 0 {
		if err := m.snapshots.SaveBatch(ctx, snaps); err != nil {
			m.logger.WarnContext(ctx, "snapshot batch persist failed",
				slog.Int("count", len(snaps)),
				slog.String("error", err.Error()),
			)
		}
	}
	for _, s := range snaps {
		m.publishMetrics(ctx, s)
	}
	for _, id := range removed {
		m.logger.InfoContext(ctx, "order removed from monitoring", slog.String("order_id", id))
	}
	if m.observer != nil {
		m.observer.ActiveOrders(active)
		m.observer.SweepCompleted()
	}
}

// Run sweeps on every poll interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "monitor loop started", slog.Duration("poll_interval", m.cfg.PollInterval))
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor loop stopped")
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Start launches Run on its own goroutine.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return domain.ErrMonitorRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	return nil
}

// Stop cancels the loop started by Start and waits for it to exit.
func (m *Monitor) Stop() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel == nil {
		return domain.ErrMonitorStopped
	}
	m.cancel()
	<-m.done
	m.cancel, m.done = nil, nil
	return nil
}

// Running reports whether a loop started by Start is active.
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) persistSnapshot(ctx context.Context, metrics domain.MonitoringMetrics) {
	if m.snapshots != nil {
		if err := m.snapshots.Save(ctx, metrics); err != nil {
			m.logger.WarnContext(ctx, "snapshot persist failed",
				slog.String("order_id", metrics.OrderID),
				slog.String("error", err.Error()),
			)
		}
	}
	m.publishMetrics(ctx, metrics)
}

func (m *Monitor) publishMetrics(ctx context.Context, metrics domain.MonitoringMetrics) {
	if m.bus != nil {
		payload, _ := json.Marshal(metrics)
		if err := m.bus.Publish(ctx, domain.ChannelMetrics, payload); err != nil {
			m.logger.WarnContext(ctx, "metrics publish failed", slog.String("error", err.Error()))
		}
	}
}

// dispatch persists and publishes an alert, then hands it to each callback.
// A failing callback never blocks the others.
func (m *Monitor) dispatch(ctx context.Context, alert domain.TCAAlert, callbacks []AlertCallback) {
	m.logger.WarnContext(ctx, "tca alert",
		slog.String("order_id", alert.OrderID),
		slog.String("type", string(alert.Type)),
		slog.String("severity", string(alert.Severity)),
		slog.Float64("value", alert.CurrentValue),
		slog.Float64("threshold", alert.Threshold),
	)
	if m.observer != nil {
		m.observer.AlertRaised(alert)
	}
	if m.alertStore != nil {
		if err := m.alertStore.Save(ctx, alert); err != nil {
			m.logger.WarnContext(ctx, "alert persist failed", slog.String("alert_id", alert.ID), slog.String("error", err.Error()))
		}
	}
	if m.bus != nil {
		payload, _ := json.Marshal(alert)
		if err := m.bus.Publish(ctx, domain.ChannelAlerts, payload); err != nil {
			m.logger.WarnContext(ctx, "alert publish failed", slog.String("error", err.Error()))
		}
		if err := m.bus.StreamAppend(ctx, domain.ChannelAlerts, payload); err != nil {
			m.logger.WarnContext(ctx, "alert stream append failed", slog.String("error", err.Error()))
		}
	}
	for i, cb := range callbacks {
		m.invoke(ctx, i, cb, alert)
	}
}

func (m *Monitor) invoke(ctx context.Context, i int, cb AlertCallback, alert domain.TCAAlert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "alert callback panicked",
				slog.Int("callback", i),
				slog.String("alert_id", alert.ID),
				slog.Any("panic", r),
			)
		}
	}()
	if err := cb(ctx, alert); err != nil {
		m.logger.ErrorContext(ctx, "alert callback failed",
			slog.Int("callback", i),
			slog.String("alert_id", alert.ID),
			slog.String("error", err.Error()),
		)
	}
}

func pushBounded[T any](buf []T, v T, limit int) []T {
	buf = append(buf, v)
	if over := len(buf) - limit; over > 0 {
		buf = append(buf[:0], buf[over:]...)
	}
	return buf
}
