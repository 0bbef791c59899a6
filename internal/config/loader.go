package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TCA_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TCA_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.DSN, "TCA_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "TCA_DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "TCA_DATABASE_HOST")
	setInt(&cfg.Database.Port, "TCA_DATABASE_PORT")
	setStr(&cfg.Database.Database, "TCA_DATABASE_NAME")
	setStr(&cfg.Database.User, "TCA_DATABASE_USER")
	setStr(&cfg.Database.Password, "TCA_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "TCA_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "TCA_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "TCA_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "TCA_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TCA_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TCA_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TCA_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TCA_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TCA_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TCA_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "TCA_REDIS_STREAM_MAX_LEN")
	setDuration(&cfg.Redis.StatsTTL, "TCA_REDIS_STATS_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "TCA_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TCA_S3_REGION")
	setStr(&cfg.S3.Bucket, "TCA_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TCA_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TCA_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TCA_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TCA_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TCA_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TCA_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TCA_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "TCA_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "TCA_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "TCA_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TCA_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TCA_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TCA_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Severities, "TCA_NOTIFY_SEVERITIES")

	// ── Impact ──
	setStr(&cfg.Impact.DefaultModel, "TCA_IMPACT_DEFAULT_MODEL")
	setFloat64(&cfg.Impact.CommissionBps, "TCA_IMPACT_COMMISSION_BPS")

	// ── Schedule ──
	setFloat64(&cfg.Schedule.TradingDayHours, "TCA_SCHEDULE_TRADING_DAY_HOURS")
	setFloat64(&cfg.Schedule.DefaultVolatility, "TCA_SCHEDULE_DEFAULT_VOLATILITY")

	// ── Monitor ──
	setDuration(&cfg.Monitor.PollInterval, "TCA_MONITOR_POLL_INTERVAL")
	setDuration(&cfg.Monitor.ExpiryGrace, "TCA_MONITOR_EXPIRY_GRACE")
	setFloat64(&cfg.Monitor.MarketImpactBps, "TCA_MONITOR_MARKET_IMPACT_BPS")
	setFloat64(&cfg.Monitor.SlippageBps, "TCA_MONITOR_SLIPPAGE_BPS")
	setFloat64(&cfg.Monitor.MinEfficiency, "TCA_MONITOR_MIN_EFFICIENCY")
	setFloat64(&cfg.Monitor.MaxParticipation, "TCA_MONITOR_MAX_PARTICIPATION")
	setFloat64(&cfg.Monitor.TotalCostBps, "TCA_MONITOR_TOTAL_COST_BPS")

	// ── Benchmark / Shortfall ──
	setFloat64(&cfg.Benchmark.TrendThresholdBps, "TCA_BENCHMARK_TREND_THRESHOLD_BPS")
	setDuration(&cfg.Benchmark.MatchTolerance, "TCA_BENCHMARK_MATCH_TOLERANCE")
	setFloat64(&cfg.Shortfall.ImpactPenalty, "TCA_SHORTFALL_IMPACT_PENALTY")
	setFloat64(&cfg.Shortfall.ShortfallPenalty, "TCA_SHORTFALL_SHORTFALL_PENALTY")

	// ── Attribution ──
	setFloat64(&cfg.Attribution.CommissionBps, "TCA_ATTRIBUTION_COMMISSION_BPS")
	setFloat64(&cfg.Attribution.DefaultFeeBps, "TCA_ATTRIBUTION_DEFAULT_FEE_BPS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "TCA_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "TCA_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "TCA_ARCHIVE_CRON")

	// ── Top-level ──
	setStr(&cfg.Mode, "TCA_MODE")
	setStr(&cfg.LogLevel, "TCA_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
