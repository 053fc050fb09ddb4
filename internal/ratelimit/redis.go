package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "outreach:ratelimit:"

// Redis keeps each window as a sorted set scored by event time so counters
// survive restarts. Keys are written by a single drainer per account, so the
// read-then-add sequence below is not raced.
type Redis struct {
	client redis.UniversalClient
	log    *slog.Logger
}

func NewRedis(client redis.UniversalClient, log *slog.Logger) *Redis {
	if log == nil {
		log = slog.Default()
	}
	return &Redis{client: client, log: log}
}

func cutoffScore(window time.Duration, now time.Time) string {
	return strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
}

func (r *Redis) Reserve(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (time.Duration, error) {
	if limit <= 0 {
		return 0, nil
	}
	rk := keyPrefix + key

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, rk, "-inf", cutoffScore(window, now))
	countCmd := pipe.ZCard(ctx, rk)
	oldestCmd := pipe.ZRangeWithScores(ctx, rk, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Error("rate limiter pipeline failed", "key", key, "err", err)
		return 0, fmt.Errorf("rate limiter pipeline: %w", err)
	}

	if countCmd.Val() < int64(limit) {
		add := r.client.TxPipeline()
		add.ZAdd(ctx, rk, redis.Z{Score: float64(now.UnixMilli()), Member: ulid.Make().String()})
		add.Expire(ctx, rk, window+time.Minute)
		if _, err := add.Exec(ctx); err != nil {
			return 0, fmt.Errorf("rate limiter record: %w", err)
		}
		return 0, nil
	}

	oldest := oldestCmd.Val()
	if len(oldest) == 0 {
		return window, nil
	}
	at := time.UnixMilli(int64(oldest[0].Score))
	wait := at.Add(window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	r.log.Debug("rate limit reached", "key", key, "count", countCmd.Val(), "limit", limit, "wait", wait)
	return wait, nil
}

func (r *Redis) Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	rk := keyPrefix + key
	if err := r.client.ZRemRangeByScore(ctx, rk, "-inf", cutoffScore(window, now)).Err(); err != nil {
		return 0, fmt.Errorf("rate limiter cleanup: %w", err)
	}
	n, err := r.client.ZCard(ctx, rk).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limiter count: %w", err)
	}
	return int(n), nil
}

func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("rate limiter reset: %w", err)
	}
	return nil
}
