package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quotagate/quotagate/internal/cache"
	"github.com/quotagate/quotagate/internal/clock"
	apierrors "github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Rejection reasons
const (
	ReasonIPBlocked           = "IP_BLOCKED"
	ReasonIPRateLimitExceeded = "IP_RATE_LIMIT_EXCEEDED"
)

const (
	hourWindow   = time.Hour
	tenMinWindow = 10 * time.Minute
	// stateTTL keeps idle IP state visible to admins for a day
	stateTTL  = 24 * time.Hour
	keyPrefix = "iprl:"
)

// Config holds the per-IP limits
type Config struct {
	Limit10Min int
	LimitHour  int
	Penalty    time.Duration
}

// DefaultConfig returns the default per-IP limits
func DefaultConfig() Config {
	return Config{
		Limit10Min: 30,
		LimitHour:  100,
		Penalty:    30 * time.Minute,
	}
}

// IPCheckResult is the outcome of a per-IP check
type IPCheckResult struct {
	Allowed           bool       `json:"allowed"`
	Reason            string     `json:"reason,omitempty"`
	RequestsThisHour  int64      `json:"requests_this_hour"`
	RequestsLast10Min int64      `json:"requests_last_10min"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
	RemainingMinutes  int64      `json:"remaining_minutes,omitempty"`
}

// luaCheckIP atomically checks an active block, records the hit, counts the
// rolling windows and applies the penalty.
// Returns: {allowed, reason(0 none, 1 blocked, 2 exceeded), count_hour, count_10min, blocked_until_ms}
var luaCheckIP = redis.NewScript(`
local hits = KEYS[1]
local state = KEYS[2]
local now = tonumber(ARGV[1])
local limit10 = tonumber(ARGV[2])
local limitHour = tonumber(ARGV[3])
local penalty = tonumber(ARGV[4])
local endpoint = ARGV[5]
local member = ARGV[6]
local hour = tonumber(ARGV[7])
local tenMin = tonumber(ARGV[8])
local stateTTL = tonumber(ARGV[9])

local blocked = tonumber(redis.call('HGET', state, 'blocked_until') or '0')
if blocked > now then
    local countHour = redis.call('ZCOUNT', hits, '(' .. (now - hour), now)
    local count10 = redis.call('ZCOUNT', hits, '(' .. (now - tenMin), now)
    return {0, 1, countHour, count10, blocked}
end

redis.call('HSETNX', state, 'first_seen', now)
redis.call('ZREMRANGEBYSCORE', hits, '-inf', now - hour)
redis.call('ZADD', hits, now, member)
redis.call('PEXPIRE', hits, hour)

local countHour = redis.call('ZCOUNT', hits, '(' .. (now - hour), now)
local count10 = redis.call('ZCOUNT', hits, '(' .. (now - tenMin), now)
redis.call('HSET', state, 'last_request', now, 'last_endpoint', endpoint)

if count10 > limit10 or countHour > limitHour then
    local untilMs = now + penalty
    redis.call('HSET', state, 'blocked_until', untilMs, 'suspicious', 1, 'block_reason', 'IP_RATE_LIMIT_EXCEEDED')
    redis.call('PEXPIRE', state, math.max(stateTTL, penalty))
    return {0, 2, countHour, count10, untilMs}
end

redis.call('PEXPIRE', state, math.max(stateTTL, redis.call('PTTL', state)))
return {1, 0, countHour, count10, 0}
`)

// Limiter enforces per-IP rolling window limits in Redis. Unlike frequency
// detection it fails closed.
type Limiter struct {
	redis *cache.Redis
	cfg   Config
	clock clock.Clock
}

// NewLimiter creates a new IP limiter
func NewLimiter(r *cache.Redis, cfg Config, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{redis: r, cfg: cfg, clock: clk}
}

// CheckIP records a request from ip and decides whether it may proceed
func (l *Limiter) CheckIP(ctx context.Context, ip, endpoint string) (*IPCheckResult, error) {
	now := l.clock.Now()
	nowMs := now.UnixMilli()

	res, err := luaCheckIP.Run(ctx, l.redis.Client,
		[]string{hitsKey(ip), stateKey(ip)},
		nowMs,
		l.cfg.Limit10Min,
		l.cfg.LimitHour,
		l.cfg.Penalty.Milliseconds(),
		endpoint,
		strconv.FormatInt(nowMs, 10)+":"+uuid.NewString(),
		hourWindow.Milliseconds(),
		tenMinWindow.Milliseconds(),
		stateTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, apierrors.Mark(fmt.Errorf("failed to check ip rate limit: %w", err), apierrors.KindTransient)
	}
	if len(res) != 5 {
		return nil, fmt.Errorf("unexpected rate limit result length: %d", len(res))
	}

	result := &IPCheckResult{
		Allowed:           res[0] == 1,
		RequestsThisHour:  res[2],
		RequestsLast10Min: res[3],
	}
	switch res[1] {
	case 1:
		result.Reason = ReasonIPBlocked
	case 2:
		result.Reason = ReasonIPRateLimitExceeded
		log.Warn().
			Str("ip", ip).
			Str("endpoint", endpoint).
			Int64("requests_this_hour", result.RequestsThisHour).
			Int64("requests_last_10min", result.RequestsLast10Min).
			Msg("IP rate limit exceeded, blocking")
	}
	if res[4] > 0 {
		until := time.UnixMilli(res[4]).UTC()
		result.BlockedUntil = &until
		result.RemainingMinutes = clock.RemainingMinutes(until, now)
	}
	return result, nil
}

// Block places ip under a block of duration d unless a longer block is
// already active. It returns the effective blocked_until.
func (l *Limiter) Block(ctx context.Context, ip string, d time.Duration, reason string) (time.Time, error) {
	now := l.clock.Now()
	until := now.Add(d)
	key := stateKey(ip)

	current, err := l.redis.Client.HGet(ctx, key, "blocked_until").Int64()
	if err != nil && err != redis.Nil {
		return time.Time{}, apierrors.Mark(fmt.Errorf("failed to read ip state: %w", err), apierrors.KindTransient)
	}
	if current > until.UnixMilli() {
		return time.UnixMilli(current).UTC(), nil
	}

	ttl := stateTTL
	if d > ttl {
		ttl = d
	}
	_, err = l.redis.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "first_seen", now.UnixMilli())
		pipe.HSet(ctx, key,
			"blocked_until", until.UnixMilli(),
			"suspicious", 1,
			"block_reason", reason,
		)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return time.Time{}, apierrors.Mark(fmt.Errorf("failed to block ip: %w", err), apierrors.KindTransient)
	}

	log.Warn().Str("ip", ip).Str("reason", reason).Time("blocked_until", until).Msg("IP blocked")
	return until.UTC(), nil
}

// Status returns the current state held for ip, or nil when none exists
func (l *Limiter) Status(ctx context.Context, ip string) (*models.IPRateState, error) {
	now := l.clock.Now()
	minHour, maxHour := cache.WindowScores(now, hourWindow)
	min10, max10 := cache.WindowScores(now, tenMinWindow)

	var fields *redis.MapStringStringCmd
	var hour, last10 *redis.IntCmd
	_, err := l.redis.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, stateKey(ip))
		hour = pipe.ZCount(ctx, hitsKey(ip), minHour, maxHour)
		last10 = pipe.ZCount(ctx, hitsKey(ip), min10, max10)
		return nil
	})
	if err != nil {
		return nil, apierrors.Mark(fmt.Errorf("failed to read ip state: %w", err), apierrors.KindTransient)
	}
	if len(fields.Val()) == 0 && hour.Val() == 0 {
		return nil, nil
	}

	state := parseState(ip, fields.Val(), now)
	state.RequestsThisHour = hour.Val()
	state.RequestsLast10Min = last10.Val()
	return state, nil
}

// ListBlocked returns every IP that is currently blocked or flagged suspicious
func (l *Limiter) ListBlocked(ctx context.Context) ([]models.IPRateState, error) {
	now := l.clock.Now()
	var out []models.IPRateState

	iter := l.redis.Client.Scan(ctx, 0, keyPrefix+"*:state", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ip := strings.TrimSuffix(strings.TrimPrefix(key, keyPrefix), ":state")

		fields, err := l.redis.Client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, apierrors.Mark(fmt.Errorf("failed to read ip state: %w", err), apierrors.KindTransient)
		}
		state := parseState(ip, fields, now)
		if state.RemainingMinutes > 0 || state.Suspicious {
			out = append(out, *state)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, apierrors.Mark(fmt.Errorf("failed to scan ip states: %w", err), apierrors.KindTransient)
	}
	return out, nil
}

// Unblock deletes all state held for ip and returns the number of keys removed
func (l *Limiter) Unblock(ctx context.Context, ip string) (int64, error) {
	n, err := l.redis.Client.Del(ctx, hitsKey(ip), stateKey(ip)).Result()
	if err != nil {
		return 0, apierrors.Mark(fmt.Errorf("failed to unblock ip: %w", err), apierrors.KindTransient)
	}
	return n, nil
}

// Reset lifts the block and suspicious flag but keeps the hit history
func (l *Limiter) Reset(ctx context.Context, ip string) error {
	key := stateKey(ip)
	_, err := l.redis.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, key, "blocked_until", "block_reason")
		pipe.HSet(ctx, key, "suspicious", 0)
		pipe.PExpire(ctx, key, stateTTL)
		return nil
	})
	if err != nil {
		return apierrors.Mark(fmt.Errorf("failed to reset ip: %w", err), apierrors.KindTransient)
	}
	return nil
}

func parseState(ip string, fields map[string]string, now time.Time) *models.IPRateState {
	state := &models.IPRateState{
		IP:           ip,
		Suspicious:   fields["suspicious"] == "1",
		LastEndpoint: fields["last_endpoint"],
		FirstSeen:    parseMillis(fields["first_seen"]),
		LastRequest:  parseMillis(fields["last_request"]),
	}
	if until := parseMillis(fields["blocked_until"]); until != nil {
		state.BlockedUntil = until
		state.RemainingMinutes = clock.RemainingMinutes(*until, now)
	}
	return state
}

func parseMillis(v string) *time.Time {
	if v == "" {
		return nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func hitsKey(ip string) string {
	return keyPrefix + ip + ":hits"
}

func stateKey(ip string) string {
	return keyPrefix + ip + ":state"
}
