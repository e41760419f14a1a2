package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/gin-gonic/gin"
	"github.com/quotagate/quotagate/internal/attempt"
	apierrors "github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/logging"
	"github.com/quotagate/quotagate/internal/middleware"
	"github.com/quotagate/quotagate/internal/models"
	"github.com/quotagate/quotagate/internal/monitoring"
	"github.com/rs/zerolog/log"
)

// RedeemRequest is the redemption body. Older clients send "key".
type RedeemRequest struct {
	Code string `json:"code"`
	Key  string `json:"key"`
}

func (r RedeemRequest) value() string {
	if r.Code != "" {
		return r.Code
	}
	return r.Key
}

func (s *APIServer) handleRedeem(c *gin.Context) {
	start := time.Now()
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewInvalidRequestError("Request body must be JSON with a code field"))
		return
	}

	accountID := middleware.GetUserIDFromContext(c)
	ip := c.ClientIP()
	code := strings.TrimSpace(req.value())

	entry := &logging.RedemptionLogEntry{
		RequestID: middleware.GetRequestIDFromContext(c),
		UserID:    accountID.String(),
		ClientIP:  ip,
		KeyValue:  code,
	}

	result, err := s.deps.Redeemer.Redeem(c.Request.Context(), accountID, ip, code)
	entry.Latency = time.Since(start)
	if err != nil {
		apiErr := s.toAPIError(c, err)
		entry.Status = "failed"
		entry.Reason = apiErr.Reason

		var locked *attempt.LockedError
		if errors.As(err, &locked) {
			logging.LogSecurityEvent("account_locked", entry.UserID, ip,
				fmt.Sprintf("redemption refused, %d minutes remaining", locked.RemainingMinutes))
		}
		logging.LogRedemption(entry)
		respondError(c, apiErr)
		return
	}

	entry.Status = "success"
	entry.Mode = string(result.Mode)
	entry.RequestsChange = result.RequestsChange
	entry.Current = result.CurrentRequests
	entry.ExpiryUpdated = result.ExpiryUpdated
	logging.LogRedemption(entry)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    result,
	})
}

func (s *APIServer) handleGetProfile(c *gin.Context) {
	profile, err := s.deps.Accounts.Get(c.Request.Context(), middleware.GetUserIDFromContext(c))
	if err != nil {
		respondError(c, s.toAPIError(c, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": profile})
}

// EmergencyUnblockRequest carries the operator secret and target IP
type EmergencyUnblockRequest struct {
	IP     string `json:"ip" binding:"required"`
	Secret string `json:"secret" binding:"required"`
}

func (s *APIServer) handleEmergencyUnblock(c *gin.Context) {
	var req EmergencyUnblockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError("ip and secret are required"))
		return
	}

	caller := c.ClientIP()
	if !s.emergencySecretValid(req.Secret) {
		monitoring.RecordGateRejection("emergency", "INVALID_SECRET")
		logging.LogSecurityEvent("emergency_unblock_denied", "", caller, "target "+req.IP)
		respondError(c, apierrors.ErrInvalidSecretError)
		return
	}

	ctx := c.Request.Context()
	previous, err := s.deps.Limiter.Status(ctx, req.IP)
	if err != nil {
		respondError(c, s.toAPIError(c, err))
		return
	}
	ipKeys, err := s.deps.Limiter.Unblock(ctx, req.IP)
	if err != nil {
		respondError(c, s.toAPIError(c, err))
		return
	}
	freqKeys, err := s.deps.Detector.Clear(ctx, req.IP)
	if err != nil {
		respondError(c, s.toAPIError(c, err))
		return
	}

	logging.LogSecurityEvent("emergency_unblock", "", caller,
		fmt.Sprintf("target %s, cleared %d rate keys and %d frequency keys", req.IP, ipKeys, freqKeys))

	c.JSON(http.StatusOK, gin.H{
		"success":                 true,
		"ip":                      req.IP,
		"previous_status":         previousStatus(previous),
		"rate_limit_keys_deleted": ipKeys,
		"frequency_keys_deleted":  freqKeys,
	})
}

func (s *APIServer) emergencySecretValid(secret string) bool {
	hash := s.config.Security.EmergencySecretHash
	if hash == "" || secret == "" {
		return false
	}
	ok, err := argon2id.ComparePasswordAndHash(secret, hash)
	if err != nil {
		log.Error().Err(err).Msg("Emergency secret hash is unusable")
		return false
	}
	return ok
}

func previousStatus(st *models.IPRateState) any {
	if st == nil {
		return gin.H{"tracked": false}
	}
	return st
}
