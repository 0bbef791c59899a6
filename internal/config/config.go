// Package config defines the top-level configuration for the TCA engine and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TCA_* environment variables.
type Config struct {
	Database    DatabaseConfig    `toml:"database"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Impact      ImpactConfig      `toml:"impact"`
	Schedule    ScheduleConfig    `toml:"schedule"`
	Monitor     MonitorConfig     `toml:"monitor"`
	Benchmark   BenchmarkConfig   `toml:"benchmark"`
	Shortfall   ShortfallConfig   `toml:"shortfall"`
	Attribution AttributionConfig `toml:"attribution"`
	Archive     ArchiveConfig     `toml:"archive"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	StreamMaxLen int64    `toml:"stream_max_len"`
	StatsTTL     duration `toml:"stats_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is the number of requests allowed per client within RateWindow.
	// Zero disables rate limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string `toml:"telegram_token"`
	TelegramChatID    string `toml:"telegram_chat_id"`
	DiscordWebhookURL string `toml:"discord_webhook_url"`
	// Severities lists the alert severities forwarded to the channels.
	Severities []string `toml:"severities"`
}

// ImpactConfig holds market impact model coefficients.
type ImpactConfig struct {
	DefaultModel        string  `toml:"default_model"`
	LinearAlpha         float64 `toml:"linear_alpha"`
	TemporaryRatio      float64 `toml:"temporary_ratio"`
	Gamma               float64 `toml:"gamma"`
	Eta                 float64 `toml:"eta"`
	PowerLawBeta        float64 `toml:"power_law_beta"`
	PowerLawDelta       float64 `toml:"power_law_delta"`
	SpreadSensitivity   float64 `toml:"spread_sensitivity"`
	DepthSensitivity    float64 `toml:"depth_sensitivity"`
	DepthCap            float64 `toml:"depth_cap"`
	MarketMakerDiscount float64 `toml:"market_maker_discount"`
	CommissionBps       float64 `toml:"commission_bps"`
}

// ScheduleConfig holds execution schedule optimizer parameters.
type ScheduleConfig struct {
	TradingDayHours   float64 `toml:"trading_day_hours"`
	DefaultVolatility float64 `toml:"default_volatility"`
	CostPenalty       float64 `toml:"cost_penalty"`
	RiskPenalty       float64 `toml:"risk_penalty"`
}

// MonitorConfig holds real-time monitor parameters and alert thresholds.
type MonitorConfig struct {
	PollInterval     duration `toml:"poll_interval"`
	ExpiryGrace      duration `toml:"expiry_grace"`
	AlertHistory     int      `toml:"alert_history"`
	MetricsHistory   int      `toml:"metrics_history"`
	CompletedReports int      `toml:"completed_reports"`
	CriticalRatio    float64  `toml:"critical_ratio"`
	ImpactPenalty    float64  `toml:"impact_penalty"`
	SlippagePenalty  float64  `toml:"slippage_penalty"`

	MarketImpactBps  float64 `toml:"market_impact_bps"`
	SlippageBps      float64 `toml:"slippage_bps"`
	MinEfficiency    float64 `toml:"min_efficiency"`
	MaxParticipation float64 `toml:"max_participation"`
	TotalCostBps     float64 `toml:"total_cost_bps"`
}

// BenchmarkConfig holds the TWAP/VWAP analyzer's scoring heuristics.
type BenchmarkConfig struct {
	TrendThresholdBps      float64  `toml:"trend_threshold_bps"`
	MatchTolerance         duration `toml:"match_tolerance"`
	DeviationPenalty       float64  `toml:"deviation_penalty"`
	ParticipationThreshold float64  `toml:"participation_threshold"`
	ParticipationPenalty   float64  `toml:"participation_penalty"`
	BenignVolatilityBps    float64  `toml:"benign_volatility_bps"`
	VolatilityBonus        float64  `toml:"volatility_bonus"`
}

// ShortfallConfig holds the implementation shortfall efficiency weights.
type ShortfallConfig struct {
	ImpactPenalty    float64 `toml:"impact_penalty"`
	ShortfallPenalty float64 `toml:"shortfall_penalty"`
	TightTimingBps   float64 `toml:"tight_timing_bps"`
	TightTimingBonus float64 `toml:"tight_timing_bonus"`
	LooseTimingBps   float64 `toml:"loose_timing_bps"`
	LooseTimingBonus float64 `toml:"loose_timing_bonus"`
}

// AttributionConfig holds cost attribution fees and heuristics.
type AttributionConfig struct {
	CommissionBps         float64            `toml:"commission_bps"`
	DefaultFeeBps         float64            `toml:"default_fee_bps"`
	VenueFeeBps           map[string]float64 `toml:"venue_fee_bps"`
	ImpactCoefficient     float64            `toml:"impact_coefficient"`
	SpreadVolatilityRatio float64            `toml:"spread_volatility_ratio"`
	VolatilityFactor      float64            `toml:"volatility_factor"`
	TypicalSizeFraction   float64            `toml:"typical_size_fraction"`
	OrderSizeBps          float64            `toml:"order_size_bps"`
	RecommendationBps     float64            `toml:"recommendation_bps"`
	MaxRecommendations    int                `toml:"max_recommendations"`
	HistoryLimit          int                `toml:"history_limit"`
	CostPenalty           float64            `toml:"cost_penalty"`
	ImpactPenalty         float64            `toml:"impact_penalty"`
	ControllableBonus     float64            `toml:"controllable_bonus"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tca",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
			StatsTTL:     duration{24 * time.Hour},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tca-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Severities: []string{"critical"},
		},
		Impact: ImpactConfig{
			DefaultModel:        "square_root",
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
			CommissionBps:       0.5,
		},
		Schedule: ScheduleConfig{
			TradingDayHours:   6.5,
			DefaultVolatility: 0.02,
			CostPenalty:       0.2,
			RiskPenalty:       0.1,
		},
		Monitor: MonitorConfig{
			PollInterval:     duration{30 * time.Second},
			ExpiryGrace:      duration{time.Hour},
			AlertHistory:     1000,
			MetricsHistory:   500,
			CompletedReports: 100,
			CriticalRatio:    0.5,
			ImpactPenalty:    0.5,
			SlippagePenalty:  0.3,
			MarketImpactBps:  50,
			SlippageBps:      30,
			MinEfficiency:    40,
			MaxParticipation: 0.25,
			TotalCostBps:     75,
		},
		Benchmark: BenchmarkConfig{
			TrendThresholdBps:      10,
			MatchTolerance:         duration{time.Minute},
			DeviationPenalty:       1,
			ParticipationThreshold: 0.2,
			ParticipationPenalty:   1,
			BenignVolatilityBps:    20,
			VolatilityBonus:        5,
		},
		Shortfall: ShortfallConfig{
			ImpactPenalty:    0.5,
			ShortfallPenalty: 0.3,
			TightTimingBps:   5,
			TightTimingBonus: 10,
			LooseTimingBps:   10,
			LooseTimingBonus: 5,
		},
		Attribution: AttributionConfig{
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
			TypicalSizeFraction:   0.01,
			OrderSizeBps:          2,
			RecommendationBps:     5,
			MaxRecommendations:    3,
			HistoryLimit:          500,
			CostPenalty:           0.5,
			ImpactPenalty:         0.3,
			ControllableBonus:     10,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Cron:          "0 3 1 * *",
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"monitor": true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validImpactModels = map[string]bool{
	"linear":             true,
	"square_root":        true,
	"power_law":          true,
	"liquidity_adjusted": true,
}

var validSeverities = map[string]bool{
	"warning":  true,
	"critical": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, monitor, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.StreamMaxLen < 0 {
		errs = append(errs, "redis: stream_max_len must be >= 0")
	}

	// S3 is only needed when archiving.
	if c.Archive.Enabled || c.Mode == "archive" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if strings.TrimSpace(c.Archive.Cron) == "" {
			errs = append(errs, "archive: cron must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Notify
	for _, s := range c.Notify.Severities {
		if !validSeverities[s] {
			errs = append(errs, fmt.Sprintf("notify: unknown severity %q (valid: warning, critical)", s))
		}
	}

	// Impact
	if !validImpactModels[c.Impact.DefaultModel] {
		errs = append(errs, fmt.Sprintf("impact: unknown default_model %q", c.Impact.DefaultModel))
	}
	if c.Impact.TemporaryRatio < 0 || c.Impact.TemporaryRatio > 1 {
		errs = append(errs, "impact: temporary_ratio must be within [0, 1]")
	}
	if c.Impact.PowerLawDelta <= 0 || c.Impact.PowerLawDelta > 1 {
		errs = append(errs, "impact: power_law_delta must be within (0, 1]")
	}
	if c.Impact.CommissionBps < 0 {
		errs = append(errs, "impact: commission_bps must be >= 0")
	}

	// Schedule
	if c.Schedule.TradingDayHours <= 0 || c.Schedule.TradingDayHours > 24 {
		errs = append(errs, "schedule: trading_day_hours must be within (0, 24]")
	}
	if c.Schedule.DefaultVolatility <= 0 {
		errs = append(errs, "schedule: default_volatility must be > 0")
	}

	// Monitor
	if c.Monitor.PollInterval.Duration <= 0 {
		errs = append(errs, "monitor: poll_interval must be > 0")
	}
	if c.Monitor.ExpiryGrace.Duration < 0 {
		errs = append(errs, "monitor: expiry_grace must be >= 0")
	}
	if c.Monitor.AlertHistory < 1 || c.Monitor.MetricsHistory < 1 || c.Monitor.CompletedReports < 1 {
		errs = append(errs, "monitor: alert_history, metrics_history and completed_reports must be >= 1")
	}
	if c.Monitor.MaxParticipation <= 0 || c.Monitor.MaxParticipation > 1 {
		errs = append(errs, "monitor: max_participation must be within (0, 1]")
	}
	if c.Monitor.CriticalRatio <= 0 {
		errs = append(errs, "monitor: critical_ratio must be > 0")
	}

	// Benchmark
	if c.Benchmark.TrendThresholdBps < 0 {
		errs = append(errs, "benchmark: trend_threshold_bps must be >= 0")
	}
	if c.Benchmark.MatchTolerance.Duration <= 0 {
		errs = append(errs, "benchmark: match_tolerance must be > 0")
	}
	if c.Benchmark.ParticipationThreshold < 0 || c.Benchmark.ParticipationThreshold > 1 {
		errs = append(errs, "benchmark: participation_threshold must be within [0, 1]")
	}
	if c.Benchmark.DeviationPenalty < 0 || c.Benchmark.ParticipationPenalty < 0 || c.Benchmark.VolatilityBonus < 0 {
		errs = append(errs, "benchmark: penalties and volatility_bonus must be >= 0")
	}

	// Shortfall
	if c.Shortfall.ImpactPenalty < 0 || c.Shortfall.ShortfallPenalty < 0 {
		errs = append(errs, "shortfall: impact_penalty and shortfall_penalty must be >= 0")
	}
	if c.Shortfall.TightTimingBps < 0 || c.Shortfall.LooseTimingBps < c.Shortfall.TightTimingBps {
		errs = append(errs, "shortfall: need 0 <= tight_timing_bps <= loose_timing_bps")
	}
	if c.Shortfall.TightTimingBonus < 0 || c.Shortfall.LooseTimingBonus < 0 {
		errs = append(errs, "shortfall: timing bonuses must be >= 0")
	}

	// Attribution
	if c.Attribution.CommissionBps < 0 || c.Attribution.DefaultFeeBps < 0 {
		errs = append(errs, "attribution: commission_bps and default_fee_bps must be >= 0")
	}
	for venue, fee := range c.Attribution.VenueFeeBps {
		if fee < 0 {
			errs = append(errs, fmt.Sprintf("attribution: venue_fee_bps[%s] must be >= 0", venue))
		}
	}
	if c.Attribution.TypicalSizeFraction <= 0 {
		errs = append(errs, "attribution: typical_size_fraction must be > 0")
	}
	if c.Attribution.HistoryLimit < 1 {
		errs = append(errs, "attribution: history_limit must be >= 1")
	}
	if c.Attribution.CostPenalty < 0 || c.Attribution.ImpactPenalty < 0 || c.Attribution.ControllableBonus < 0 {
		errs = append(errs, "attribution: cost_penalty, impact_penalty and controllable_bonus must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
