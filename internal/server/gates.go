package server

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	apierrors "github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/logging"
	"github.com/quotagate/quotagate/internal/middleware"
	"github.com/quotagate/quotagate/internal/monitoring"
	"github.com/quotagate/quotagate/internal/ratelimit"
	"github.com/rs/zerolog/log"
)

// frequencyGate rejects bursts that look automated and hands enforcement to
// the IP limiter. Detection itself never blocks on storage errors.
func (s *APIServer) frequencyGate(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		ua := logging.SanitizeForLog(c.GetHeader("User-Agent"), 512)

		res, err := s.deps.Detector.Detect(c.Request.Context(), ip, endpoint, ua)
		if err != nil || res == nil || !res.Suspicious {
			c.Next()
			return
		}

		blockFor := s.config.Security.FrequencyBlock
		if res.BlockDurationMinutes > 0 {
			blockFor = time.Duration(res.BlockDurationMinutes) * time.Minute
		}
		if _, err := s.deps.Limiter.Block(c.Request.Context(), ip, blockFor, res.Reason); err != nil {
			log.Error().Err(err).Str("ip", ip).Msg("Failed to enforce frequency block")
		}

		s.deps.Activity.Log(c.Request.Context(), ip, endpoint, ua, res.Reason, map[string]any{
			"count_10s":              res.Count10s,
			"count_60s":              res.Count60s,
			"block_duration_minutes": int64(blockFor / time.Minute),
		})
		logging.LogSecurityEvent("bot_detected", "", ip,
			fmt.Sprintf("%s: %d in 10s, %d in 60s", res.Reason, res.Count10s, res.Count60s))
		monitoring.RecordGateRejection("frequency", res.Reason)

		respondError(c, apierrors.NewBotDetectedError(res.Reason, int64(blockFor/time.Minute), res.Count10s, res.Count60s))
	}
}

// ipLimitGate enforces the per-IP rolling windows before identity is checked
func (s *APIServer) ipLimitGate(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()

		res, err := s.deps.Limiter.CheckIP(c.Request.Context(), ip, endpoint)
		if err != nil {
			logging.LogError(err, middleware.GetRequestIDFromContext(c), "ratelimit", "check_ip")
			monitoring.RecordGateRejection("ip", "UNAVAILABLE")
			respondError(c, apierrors.ErrStorageUnavailableError)
			return
		}
		if res.Allowed {
			c.Next()
			return
		}

		if res.Reason != ratelimit.ReasonIPBlocked {
			ua := logging.SanitizeForLog(c.GetHeader("User-Agent"), 512)
			s.deps.Activity.Log(c.Request.Context(), ip, endpoint, ua, res.Reason, map[string]any{
				"requests_this_hour":  res.RequestsThisHour,
				"requests_last_10min": res.RequestsLast10Min,
			})
		}
		monitoring.RecordGateRejection("ip", res.Reason)
		respondError(c, apierrors.NewRateLimitError(res.Reason, res.RemainingMinutes))
	}
}
