package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in -short mode")
	}
	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").WithOccurrence(1),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	client, err := New(ctx, ClientConfig{Addr: fmt.Sprintf("%s:%s", host, port.Port()), PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedis(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	t.Run("pubsub pattern subscription", func(t *testing.T) {
		bus := NewSignalBus(client, 0)
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		ch, err := bus.Subscribe(subCtx, "tca:*")
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, domain.ChannelAlerts, []byte(`{"id":"a1"}`)))

		select {
		case msg := <-ch:
			assert.JSONEq(t, `{"id":"a1"}`, string(msg))
		case <-time.After(5 * time.Second):
			t.Fatal("no message received")
		}

		cancel()
		for {
			select {
			case _, open := <-ch:
				if !open {
					return
				}
			case <-time.After(5 * time.Second):
				t.Fatal("subscription channel not closed after cancel")
			}
		}
	})

	t.Run("streams", func(t *testing.T) {
		bus := NewSignalBus(client, 100)
		for i := 0; i < 5; i++ {
			require.NoError(t, bus.StreamAppend(ctx, "tca:test-stream", []byte(fmt.Sprintf(`{"n":%d}`, i))))
		}

		first, err := bus.StreamRead(ctx, "tca:test-stream", "0", 2)
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.JSONEq(t, `{"n":0}`, string(first[0].Payload))

		rest, err := bus.StreamRead(ctx, "tca:test-stream", first[1].ID, 10)
		require.NoError(t, err)
		require.Len(t, rest, 3)

		none, err := bus.StreamRead(ctx, "tca:test-stream", rest[2].ID, 10)
		require.NoError(t, err)
		assert.Empty(t, none)

		tail, err := bus.StreamTail(ctx, "tca:test-stream", 2)
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.JSONEq(t, `{"n":3}`, string(tail[0].Payload))
		assert.JSONEq(t, `{"n":4}`, string(tail[1].Payload))
	})

	t.Run("lock", func(t *testing.T) {
		locks := NewLockManager(client)
		release, err := locks.Acquire(ctx, "tca:archive", time.Minute)
		require.NoError(t, err)

		_, err = locks.Acquire(ctx, "tca:archive", time.Minute)
		assert.ErrorIs(t, err, domain.ErrLockHeld)

		release()
		release()

		again, err := locks.Acquire(ctx, "tca:archive", time.Minute)
		require.NoError(t, err)
		again()
	})

	t.Run("stale release keeps a newer holder", func(t *testing.T) {
		locks := NewLockManager(client)
		release, err := locks.Acquire(ctx, "tca:short", 50*time.Millisecond)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			n, err := client.Underlying().Exists(ctx, LockKey("tca:short")).Result()
			return err == nil && n == 0
		}, 5*time.Second, 20*time.Millisecond)

		second, err := locks.Acquire(ctx, "tca:short", time.Minute)
		require.NoError(t, err)
		defer second()

		release()
		_, err = locks.Acquire(ctx, "tca:short", time.Minute)
		assert.ErrorIs(t, err, domain.ErrLockHeld)
	})

	t.Run("rate limiter", func(t *testing.T) {
		rl := NewRateLimiter(client, 2, time.Minute)
		for i := 0; i < 3; i++ {
			ok, err := rl.Allow(ctx, "client-a", 3, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "request %d", i)
		}
		ok, err := rl.Allow(ctx, "client-a", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = rl.Allow(ctx, "client-b", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "keys are independent")

		require.NoError(t, rl.Wait(ctx, "client-c"))
		require.NoError(t, rl.Wait(ctx, "client-c"))
		waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, rl.Wait(waitCtx, "client-c"), context.DeadlineExceeded)
	})

	t.Run("market stats cache", func(t *testing.T) {
		cache := NewMarketStatsCache(client, time.Hour)
		ts := time.Date(2024, 6, 10, 16, 0, 0, 0, time.UTC)
		require.NoError(t, cache.Set(ctx, domain.MarketStats{
			Symbol: "AAPL", AverageDailyVolume: 5_000_000, Volatility: 0.018, SpreadBps: 2.5, Price: 190.12, UpdatedAt: ts,
		}))

		got, err := cache.Get(ctx, "AAPL")
		require.NoError(t, err)
		assert.InDelta(t, 5_000_000.0, got.AverageDailyVolume, 1e-9)
		assert.InDelta(t, 0.018, got.Volatility, 1e-12)
		assert.InDelta(t, 190.12, got.Price, 1e-12)
		assert.True(t, got.UpdatedAt.Equal(ts))

		ttl, err := client.Underlying().TTL(ctx, statsKey("AAPL")).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, 59*time.Minute)

		_, err = cache.Get(ctx, "MSFT")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		assert.ErrorIs(t, cache.Set(ctx, domain.MarketStats{Symbol: ""}), domain.ErrInvalidInput)

		many, err := cache.GetMany(ctx, []string{"AAPL", "MSFT"})
		require.NoError(t, err)
		assert.Len(t, many, 1)
		assert.Contains(t, many, "AAPL")
	})
}

func TestParseStats(t *testing.T) {
	_, err := parseStats("X", map[string]string{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = parseStats("X", map[string]string{"adv": "lots"})
	assert.Error(t, err)

	s, err := parseStats("X", map[string]string{"adv": "10", "spread_bps": "3"})
	require.NoError(t, err)
	assert.InDelta(t, 10.0, s.AverageDailyVolume, 1e-12)
	assert.InDelta(t, 3.0, s.SpreadBps, 1e-12)
	assert.True(t, s.UpdatedAt.IsZero())
}
