package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/quotagate/quotagate/internal/clock"
	"github.com/quotagate/quotagate/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis wraps the shared Redis client used by the frequency detector and IP limiter
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to Redis using the configured URL
func NewRedis(ctx context.Context, cfg *config.RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Msg("Redis connection established")

	return &Redis{Client: client}, nil
}

// NewFromClient wraps an existing client
func NewFromClient(client *redis.Client) *Redis {
	return &Redis{Client: client}
}

// Close closes the client
func (r *Redis) Close() error {
	if err := r.Client.Close(); err != nil {
		return err
	}
	log.Info().Msg("Redis connection closed")
	return nil
}

// Health pings Redis
func (r *Redis) Health(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

// DeleteMatching removes every key matching pattern whose name passes keep,
// returning the number of keys deleted. keep may be nil. Matching keys are
// collected before any delete so the SCAN cursor is not disturbed.
func (r *Redis) DeleteMatching(ctx context.Context, pattern string, keep func(key string) bool) (int64, error) {
	var keys []string
	iter := r.Client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if keep != nil && !keep(key) {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan keys: %w", err)
	}

	var deleted int64
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		n, err := r.Client.Del(ctx, keys[start:end]...).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to delete keys: %w", err)
		}
		deleted += n
	}
	return deleted, nil
}

const deleteBatch = 100

// WindowScores returns ZCOUNT bounds selecting millisecond scores inside the
// rolling window (now-window, now]
func WindowScores(now time.Time, window time.Duration) (lo, hi string) {
	return "(" + strconv.FormatInt(clock.WindowStart(now, window).UnixMilli(), 10), strconv.FormatInt(now.UnixMilli(), 10)
}

// ExpiredScores returns the upper bound for ZREMRANGEBYSCORE that drops every
// score that has left the window
func ExpiredScores(now time.Time, window time.Duration) string {
	return strconv.FormatInt(clock.WindowStart(now, window).UnixMilli(), 10)
}
