package app

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tcaengine/internal/config"
	"github.com/alanyoungcy/tcaengine/internal/domain"
	"github.com/alanyoungcy/tcaengine/internal/tca/attribution"
	"github.com/alanyoungcy/tcaengine/internal/tca/benchmark"
	"github.com/alanyoungcy/tcaengine/internal/tca/impact"
	"github.com/alanyoungcy/tcaengine/internal/tca/monitor"
	"github.com/alanyoungcy/tcaengine/internal/tca/shortfall"
)

func TestDefaultsMatchPackageDefaults(t *testing.T) {
	cfg := config.Defaults()

	assert.Equal(t, impact.DefaultConfig(), impactConfig(cfg.Impact))
	assert.Equal(t, monitor.DefaultConfig(), monitorConfig(cfg.Monitor))
	assert.Equal(t, attribution.DefaultConfig(), attributionConfig(cfg.Attribution, cfg.Schedule))
	assert.Equal(t, benchmark.DefaultConfig(), benchmarkConfig(cfg.Benchmark))
	assert.Equal(t, shortfall.DefaultConfig(), shortfallConfig(cfg.Shortfall))

	sched := scheduleConfig(cfg.Schedule)
	assert.InDelta(t, 6.5, sched.TradingDayHours, 1e-12)
}

func TestScoringWeightsFollowConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Attribution.ControllableBonus = 0
	cfg.Attribution.CostPenalty = 1.25
	cfg.Benchmark.TrendThresholdBps = 25
	cfg.Shortfall.TightTimingBonus = 2

	assert.Zero(t, attributionConfig(cfg.Attribution, cfg.Schedule).ControllableBonus)
	assert.InDelta(t, 1.25, attributionConfig(cfg.Attribution, cfg.Schedule).CostPenalty, 1e-12)
	assert.InDelta(t, 25, benchmarkConfig(cfg.Benchmark).TrendThresholdBps, 1e-12)
	assert.InDelta(t, 2, shortfallConfig(cfg.Shortfall).TightTimingBonus, 1e-12)
}

func TestNeedsS3(t *testing.T) {
	cases := []struct {
		mode    string
		archive bool
		want    bool
	}{
		{"archive", false, true},
		{"full", true, true},
		{"full", false, false},
		{"server", true, false},
		{"monitor", false, false},
	}
	for _, tc := range cases {
		cfg := config.Defaults()
		cfg.Mode = tc.mode
		cfg.Archive.Enabled = tc.archive
		assert.Equal(t, tc.want, needsS3(&cfg), "%s archive=%v", tc.mode, tc.archive)
	}
}

func TestNewTCAService_RejectsUnknownDefaultModel(t *testing.T) {
	cfg := config.Defaults()
	cfg.Impact.DefaultModel = "quadratic"
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := a.newTCAService(&Dependencies{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownMethod)
}
