package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limiters(t *testing.T) map[string]Limiter {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Limiter{
		"memory": NewMemory(),
		"redis":  NewRedis(client, nil),
	}
}

func TestReserveRollingWindow(t *testing.T) {
	for name, l := range limiters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := MinuteKey("a1")
			t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

			for i := 0; i < 3; i++ {
				wait, err := l.Reserve(ctx, key, 3, time.Minute, t0.Add(time.Duration(i)*10*time.Second))
				require.NoError(t, err)
				assert.Zero(t, wait)
			}

			wait, err := l.Reserve(ctx, key, 3, time.Minute, t0.Add(30*time.Second))
			require.NoError(t, err)
			assert.Equal(t, 30*time.Second, wait)

			n, err := l.Count(ctx, key, time.Minute, t0.Add(30*time.Second))
			require.NoError(t, err)
			assert.Equal(t, 3, n, "rejected reserve records nothing")

			wait, err = l.Reserve(ctx, key, 3, time.Minute, t0.Add(time.Minute))
			require.NoError(t, err)
			assert.Zero(t, wait, "the first event leaves the window at exactly t0+60s")

			n, err = l.Count(ctx, key, time.Minute, t0.Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 3, n)
		})
	}
}

func TestResetAndKeyIsolation(t *testing.T) {
	for name, l := range limiters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

			_, err := l.Reserve(ctx, DayKey("a1"), 1, 24*time.Hour, now)
			require.NoError(t, err)
			wait, err := l.Reserve(ctx, DayKey("a1"), 1, 24*time.Hour, now.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 23*time.Hour, wait)

			wait, err = l.Reserve(ctx, DayKey("a2"), 1, 24*time.Hour, now)
			require.NoError(t, err)
			assert.Zero(t, wait)

			require.NoError(t, l.Reset(ctx, DayKey("a1")))
			wait, err = l.Reserve(ctx, DayKey("a1"), 1, 24*time.Hour, now.Add(time.Hour))
			require.NoError(t, err)
			assert.Zero(t, wait)
		})
	}
}

func TestZeroLimitIsUnlimited(t *testing.T) {
	l := NewMemory()
	for i := 0; i < 100; i++ {
		wait, err := l.Reserve(context.Background(), "k", 0, time.Minute, time.Unix(0, 0))
		require.NoError(t, err)
		assert.Zero(t, wait)
	}
}
