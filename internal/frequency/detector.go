package frequency

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quotagate/quotagate/internal/cache"
	"github.com/quotagate/quotagate/internal/clock"
	"github.com/quotagate/quotagate/internal/monitoring"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Detection reasons
const (
	ReasonHighFrequency10s = "HIGH_FREQUENCY_10S"
	ReasonHighFrequency60s = "HIGH_FREQUENCY_60S"
)

const (
	shortWindow    = 10 * time.Second
	longWindow     = 60 * time.Second
	observationTTL = 2 * time.Minute
	keyPrefix      = "freq:"
)

// Config holds the detection thresholds
type Config struct {
	// Burst10s is the most requests allowed in 10 seconds
	Burst10s int
	// Sustained60s is the most requests allowed in 60 seconds
	Sustained60s int
	// BlockDuration is reported to the caller when a request is flagged
	BlockDuration time.Duration
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		Burst10s:      5,
		Sustained60s:  20,
		BlockDuration: 15 * time.Minute,
	}
}

// Result is the outcome of a frequency check. Counts include the current request.
type Result struct {
	Suspicious           bool   `json:"suspicious"`
	Reason               string `json:"reason,omitempty"`
	Count10s             int64  `json:"count_10s"`
	Count60s             int64  `json:"count_60s"`
	BlockDurationMinutes int64  `json:"block_duration_minutes,omitempty"`
}

// Detector flags automated traffic by request density per identity and endpoint.
// It only records and flags; enforcement belongs to the caller.
type Detector struct {
	redis *cache.Redis
	cfg   Config
	clock clock.Clock
}

// NewDetector creates a new frequency detector
func NewDetector(r *cache.Redis, cfg Config, clk clock.Clock) *Detector {
	if clk == nil {
		clk = clock.Real()
	}
	return &Detector{redis: r, cfg: cfg, clock: clk}
}

// Detect records the current request and reports whether the identity's
// recent density on endpoint looks automated. Storage failures fail open.
func (d *Detector) Detect(ctx context.Context, identity, endpoint, userAgent string) (*Result, error) {
	now := d.clock.Now()
	nowMs := now.UnixMilli()
	key := observationKey(identity, endpoint)

	var count10s, count60s *redis.IntCmd
	_, err := d.redis.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(nowMs),
			Member: strconv.FormatInt(nowMs, 10) + ":" + uuid.NewString(),
		})
		pipe.ZRemRangeByScore(ctx, key, "-inf", cache.ExpiredScores(now, longWindow))
		min10, max10 := cache.WindowScores(now, shortWindow)
		count10s = pipe.ZCount(ctx, key, min10, max10)
		min60, max60 := cache.WindowScores(now, longWindow)
		count60s = pipe.ZCount(ctx, key, min60, max60)
		pipe.PExpire(ctx, key, observationTTL)
		return nil
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("identity", identity).
			Str("endpoint", endpoint).
			Msg("Frequency detection unavailable, allowing request")
		monitoring.RecordDetectorFailOpen()
		return &Result{}, nil
	}

	result := &Result{
		Count10s: count10s.Val(),
		Count60s: count60s.Val(),
	}

	switch {
	case result.Count10s > int64(d.cfg.Burst10s):
		result.Reason = ReasonHighFrequency10s
	case result.Count60s > int64(d.cfg.Sustained60s):
		result.Reason = ReasonHighFrequency60s
	}

	if result.Reason != "" {
		result.Suspicious = true
		result.BlockDurationMinutes = clock.CeilMinutes(d.cfg.BlockDuration)
		monitoring.RecordFrequencyFlag(endpoint, result.Reason)
		log.Warn().
			Str("identity", identity).
			Str("endpoint", endpoint).
			Str("user_agent", userAgent).
			Str("reason", result.Reason).
			Int64("count_10s", result.Count10s).
			Int64("count_60s", result.Count60s).
			Msg("Automated traffic detected")
	}

	return result, nil
}

// Clear removes every observation recorded for identity and returns the number of keys deleted
func (d *Detector) Clear(ctx context.Context, identity string) (int64, error) {
	prefix := keyPrefix + identity + ":"
	n, err := d.redis.DeleteMatching(ctx, escapeGlob(prefix)+"*", func(key string) bool {
		// IPv6 identities contain ':'; only keep keys whose remainder is a bare endpoint
		return !strings.Contains(strings.TrimPrefix(key, prefix), ":")
	})
	if err != nil {
		return n, fmt.Errorf("failed to clear frequency observations: %w", err)
	}
	return n, nil
}

func observationKey(identity, endpoint string) string {
	return keyPrefix + identity + ":" + endpoint
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
