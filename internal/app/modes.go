package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tcaengine/internal/config"
	"github.com/alanyoungcy/tcaengine/internal/correlation"
	"github.com/alanyoungcy/tcaengine/internal/pipeline"
	"github.com/alanyoungcy/tcaengine/internal/server"
	"github.com/alanyoungcy/tcaengine/internal/server/handler"
	"github.com/alanyoungcy/tcaengine/internal/server/ws"
	"github.com/alanyoungcy/tcaengine/internal/service"
	"github.com/alanyoungcy/tcaengine/internal/tca/attribution"
	"github.com/alanyoungcy/tcaengine/internal/tca/benchmark"
	"github.com/alanyoungcy/tcaengine/internal/tca/impact"
	"github.com/alanyoungcy/tcaengine/internal/tca/monitor"
	"github.com/alanyoungcy/tcaengine/internal/tca/schedule"
	"github.com/alanyoungcy/tcaengine/internal/tca/shortfall"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// ServerMode serves the TCA API. The monitor is built but only sweeps once
// started through POST /api/tca/monitor/start.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	mon := a.newMonitor(deps)
	a.startHTTPServer(ctx, g, deps, mon)
	return g.Wait()
}

// MonitorMode runs the real-time monitor from startup. The API stays up so
// orders and fills can be fed in.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	mon := a.newMonitor(deps)
	a.startMonitor(ctx, g, mon)
	a.startHTTPServer(ctx, g, deps, mon)
	return g.Wait()
}

// ArchiveMode runs only the archive cron.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startArchiver(ctx, g, deps); err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	return g.Wait()
}

// FullMode runs the API, the monitor and, when enabled, the archive cron.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	mon := a.newMonitor(deps)
	a.startMonitor(ctx, g, mon)
	a.startHTTPServer(ctx, g, deps, mon)

	if a.cfg.Archive.Enabled {
		if err := a.startArchiver(ctx, g, deps); err != nil {
			return fmt.Errorf("full mode: %w", err)
		}
	} else {
		a.logger.InfoContext(ctx, "archive.enabled is false, skipping archive cron")
	}
	return g.Wait()
}

// newMonitor builds the monitor with persistence, bus publishing, metrics
// and alert notifications attached.
func (a *App) newMonitor(deps *Dependencies) *monitor.Monitor {
	mon := monitor.New(monitorConfig(a.cfg.Monitor), a.logger,
		monitor.WithSnapshotStore(deps.SnapshotStore),
		monitor.WithAlertStore(deps.AlertStore),
		monitor.WithBus(deps.SignalBus),
		monitor.WithObserver(deps.Metrics),
	)
	mon.OnAlert(deps.Notifier.HandleAlert)
	return mon
}

// startMonitor starts the sweep loop and stops it when ctx is cancelled.
func (a *App) startMonitor(ctx context.Context, g *errgroup.Group, mon *monitor.Monitor) {
	g.Go(func() error {
		if err := mon.Start(ctx); err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
		<-ctx.Done()
		// The API may already have stopped it.
		_ = mon.Stop()
		return nil
	})
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("archiver not wired (s3 unavailable)")
	}
	arch := pipeline.NewArchiver(deps.Archiver, deps.LockManager, a.cfg.Archive.RetentionDays, a.logger)
	g.Go(func() error {
		return arch.RunCron(ctx, a.cfg.Archive.Cron)
	})
	return nil
}

// newTCAService builds the analyzers from configuration.
func (a *App) newTCAService(deps *Dependencies) (*service.TCAService, error) {
	registry := impact.NewRegistry(impactConfig(a.cfg.Impact), a.logger)
	if err := registry.SetDefault(a.cfg.Impact.DefaultModel); err != nil {
		return nil, fmt.Errorf("impact: %w", err)
	}
	bench := benchmark.NewAnalyzer(benchmarkConfig(a.cfg.Benchmark), a.logger)
	engines := service.Analyzers{
		Impact:            registry,
		Schedule:          scheduleConfig(a.cfg.Schedule),
		Shortfall:         shortfall.NewAnalyzer(shortfallConfig(a.cfg.Shortfall), bench, a.logger),
		Benchmark:         bench,
		Attribution:       attribution.NewAnalyzer(attributionConfig(a.cfg.Attribution, a.cfg.Schedule), a.logger),
		DefaultVolatility: a.cfg.Schedule.DefaultVolatility,
	}
	return service.NewTCAService(engines, deps.AnalysisStore, deps.StatsCache, deps.SignalBus,
		deps.AuditStore, deps.Metrics, a.logger), nil
}

// startHTTPServer adds the HTTP server, the WebSocket hub and the graceful
// shutdown watcher to the errgroup. It is a no-op when server.enabled is
// false.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, mon *monitor.Monitor) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "server.enabled is false, HTTP API not started")
		return
	}

	svc, err := a.newTCAService(deps)
	if err != nil {
		g.Go(func() error { return fmt.Errorf("http server: %w", err) })
		return
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      time.Now().UTC(),
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	corr := correlation.NewAnalyzer(a.logger)
	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.HealthChecks, a.logger),
		TCA:     handler.NewTCAHandler(svc, a.cfg.Impact.CommissionBps, a.logger),
		Monitor: handler.NewMonitorHandler(ctx, mon, a.logger),
		Correlation: handler.NewCorrelationHandler(
			corr,
			correlation.NewRegimeAnalyzer(correlation.DefaultHMMConfig(), corr, a.logger),
			correlation.NewModels(correlation.DefaultModelsConfig(), a.logger),
			a.logger,
		),
		History: handler.NewHistoryHandler(deps.SnapshotStore, deps.AlertStore, a.logger),
		Metrics: deps.Metrics.Handler(),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, server.Options{
		Limiter:  deps.RateLimiter,
		Observer: deps.Metrics,
	}, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

func impactConfig(c config.ImpactConfig) impact.Config {
	return impact.Config{
		LinearAlpha:         c.LinearAlpha,
		TemporaryRatio:      c.TemporaryRatio,
		Gamma:               c.Gamma,
		Eta:                 c.Eta,
		PowerLawBeta:        c.PowerLawBeta,
		PowerLawDelta:       c.PowerLawDelta,
		SpreadSensitivity:   c.SpreadSensitivity,
		DepthSensitivity:    c.DepthSensitivity,
		DepthCap:            c.DepthCap,
		MarketMakerDiscount: c.MarketMakerDiscount,
	}
}

func scheduleConfig(c config.ScheduleConfig) schedule.Config {
	return schedule.Config{
		TradingDayHours: c.TradingDayHours,
		CostPenalty:     c.CostPenalty,
		RiskPenalty:     c.RiskPenalty,
	}
}

func monitorConfig(c config.MonitorConfig) monitor.Config {
	return monitor.Config{
		PollInterval:     c.PollInterval.Duration,
		ExpiryGrace:      c.ExpiryGrace.Duration,
		AlertHistory:     c.AlertHistory,
		MetricsHistory:   c.MetricsHistory,
		CompletedReports: c.CompletedReports,
		Thresholds: monitor.Thresholds{
			MarketImpactBps:  c.MarketImpactBps,
			SlippageBps:      c.SlippageBps,
			MinEfficiency:    c.MinEfficiency,
			MaxParticipation: c.MaxParticipation,
			TotalCostBps:     c.TotalCostBps,
		},
		CriticalRatio:   c.CriticalRatio,
		ImpactPenalty:   c.ImpactPenalty,
		SlippagePenalty: c.SlippagePenalty,
	}
}

func benchmarkConfig(c config.BenchmarkConfig) benchmark.Config {
	return benchmark.Config{
		TrendThresholdBps:      c.TrendThresholdBps,
		MatchTolerance:         c.MatchTolerance.Duration,
		DeviationPenalty:       c.DeviationPenalty,
		ParticipationThreshold: c.ParticipationThreshold,
		ParticipationPenalty:   c.ParticipationPenalty,
		BenignVolatilityBps:    c.BenignVolatilityBps,
		VolatilityBonus:        c.VolatilityBonus,
	}
}

func shortfallConfig(c config.ShortfallConfig) shortfall.Config {
	return shortfall.Config{
		ImpactPenalty:    c.ImpactPenalty,
		ShortfallPenalty: c.ShortfallPenalty,
		TightTimingBps:   c.TightTimingBps,
		TightTimingBonus: c.TightTimingBonus,
		LooseTimingBps:   c.LooseTimingBps,
		LooseTimingBonus: c.LooseTimingBonus,
	}
}

// attributionConfig takes trading_day_hours from the schedule section.
func attributionConfig(c config.AttributionConfig, s config.ScheduleConfig) attribution.Config {
	return attribution.Config{
		CommissionBps:         c.CommissionBps,
		DefaultFeeBps:         c.DefaultFeeBps,
		VenueFeeBps:           c.VenueFeeBps,
		ImpactCoefficient:     c.ImpactCoefficient,
		SpreadVolatilityRatio: c.SpreadVolatilityRatio,
		VolatilityFactor:      c.VolatilityFactor,
		TradingDayHours:       s.TradingDayHours,
		TypicalSizeFraction:   c.TypicalSizeFraction,
		OrderSizeBps:          c.OrderSizeBps,
		RecommendationBps:     c.RecommendationBps,
		MaxRecommendations:    c.MaxRecommendations,
		HistoryLimit:          c.HistoryLimit,
		CostPenalty:           c.CostPenalty,
		ImpactPenalty:         c.ImpactPenalty,
		ControllableBonus:     c.ControllableBonus,
	}
}
