package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

// MarketStatsCache implements domain.MarketStatsCache with one hash per
// symbol at "tca:stats:{symbol}". Entries expire after the configured TTL so
// stale statistics are not fed into pre-trade analysis.
type MarketStatsCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewMarketStatsCache creates a cache whose entries live for ttl; zero keeps
// them forever.
func NewMarketStatsCache(c *Client, ttl time.Duration) *MarketStatsCache {
	return &MarketStatsCache{rdb: c.Underlying(), ttl: ttl}
}

func statsKey(symbol string) string {
	return "tca:stats:" + symbol
}

// Set stores stats for its symbol, replacing any previous values.
func (mc *MarketStatsCache) Set(ctx context.Context, s domain.MarketStats) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	key := statsKey(s.Symbol)
	_, err := mc.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"adv":        formatFloat(s.AverageDailyVolume),
			"volatility": formatFloat(s.Volatility),
			"spread_bps": formatFloat(s.SpreadBps),
			"price":      formatFloat(s.Price),
			"ts":         strconv.FormatInt(s.UpdatedAt.UnixNano(), 10),
		})
		if mc.ttl > 0 {
			pipe.Expire(ctx, key, mc.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set market stats %s: %w", s.Symbol, err)
	}
	return nil
}

// Get returns the stats for symbol or domain.ErrNotFound.
func (mc *MarketStatsCache) Get(ctx context.Context, symbol string) (domain.MarketStats, error) {
	vals, err := mc.rdb.HGetAll(ctx, statsKey(symbol)).Result()
	if err != nil {
		return domain.MarketStats{}, fmt.Errorf("redis: get market stats %s: %w", symbol, err)
	}
	return parseStats(symbol, vals)
}

// GetMany fetches several symbols in one pipeline. Missing symbols are
// omitted from the result.
func (mc *MarketStatsCache) GetMany(ctx context.Context, symbols []string) (map[string]domain.MarketStats, error) {
	out := make(map[string]domain.MarketStats, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}
	pipe := mc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(symbols))
	for _, sym := range symbols {
		cmds[sym] = pipe.HGetAll(ctx, statsKey(sym))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get market stats pipeline: %w", err)
	}
	for sym, cmd := range cmds {
		s, err := parseStats(sym, cmd.Val())
		if err != nil {
			continue
		}
		out[sym] = s
	}
	return out, nil
}

func parseStats(symbol string, vals map[string]string) (domain.MarketStats, error) {
	if len(vals) == 0 {
		return domain.MarketStats{}, domain.ErrNotFound
	}
	s := domain.MarketStats{Symbol: symbol}
	fields := []struct {
		name string
		dst  *float64
	}{
		{"adv", &s.AverageDailyVolume},
		{"volatility", &s.Volatility},
		{"spread_bps", &s.SpreadBps},
		{"price", &s.Price},
	}
	for _, f := range fields {
		raw, ok := vals[f.name]
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return domain.MarketStats{}, fmt.Errorf("redis: parse %s for %s: %w", f.name, symbol, err)
		}
		*f.dst = v
	}
	if raw, ok := vals["ts"]; ok {
		ns, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.MarketStats{}, fmt.Errorf("redis: parse ts for %s: %w", symbol, err)
		}
		s.UpdatedAt = time.Unix(0, ns).UTC()
	}
	return s, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var _ domain.MarketStatsCache = (*MarketStatsCache)(nil)
