package server

import (
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/quotagate/quotagate/internal/account"
	apierrors "github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/logging"
	"github.com/quotagate/quotagate/internal/middleware"
)

const (
	blockActionUnblock = "unblock"
	blockActionReset   = "reset"
)

// BlockActionRequest selects between deleting a block and a soft reset
type BlockActionRequest struct {
	Action string `json:"action" binding:"required"`
}

// ExpiryRequest is an administrative expiry change
type ExpiryRequest struct {
	Action account.ExpiryAction `json:"action" binding:"required"`
	Hours  int                  `json:"hours"`
	Reason string               `json:"reason"`
}

func (s *APIServer) handleAdminListBlocked(c *gin.Context) {
	ctx := c.Request.Context()

	accounts, err := s.deps.Attempts.ListBlocked(ctx)
	if err != nil {
		respondError(c, s.toAPIError(c, err))
		return
	}
	ips, err := s.deps.Limiter.ListBlocked(ctx)
	if err != nil {
		respondError(c, s.toAPIError(c, err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accounts": accounts,
		"ips":      ips,
		"summary": gin.H{
			"blocked_accounts": len(accounts),
			"blocked_ips":      len(ips),
		},
	})
}

func (s *APIServer) handleAdminAccountAction(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	action, ok := bindBlockAction(c)
	if !ok {
		return
	}

	var err error
	switch action {
	case blockActionUnblock:
		err = s.deps.Attempts.Unblock(c.Request.Context(), id)
	case blockActionReset:
		err = s.deps.Attempts.Reset(c.Request.Context(), id)
	}
	if err != nil {
		respondError(c, s.toAPIError(c, err))
		return
	}

	logging.LogAdminAction(adminName(c), action+"_account", id.String(), "")
	c.JSON(http.StatusOK, gin.H{"success": true, "action": action, "user_id": id})
}

func (s *APIServer) handleAdminIPAction(c *gin.Context) {
	ip := c.Param("ip")
	if net.ParseIP(ip) == nil {
		respondError(c, apierrors.NewValidationError("ip must be a valid IPv4 or IPv6 address"))
		return
	}
	action, ok := bindBlockAction(c)
	if !ok {
		return
	}

	details := ""
	switch action {
	case blockActionUnblock:
		n, err := s.deps.Limiter.Unblock(c.Request.Context(), ip)
		if err != nil {
			respondError(c, s.toAPIError(c, err))
			return
		}
		details = fmt.Sprintf("deleted %d keys", n)
	case blockActionReset:
		if err := s.deps.Limiter.Reset(c.Request.Context(), ip); err != nil {
			respondError(c, s.toAPIError(c, err))
			return
		}
	}

	logging.LogAdminAction(adminName(c), action+"_ip", ip, details)
	c.JSON(http.StatusOK, gin.H{"success": true, "action": action, "ip": ip})
}

func (s *APIServer) handleAdminSuspicious(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		respondError(c, apierrors.NewValidationError("limit must be a number"))
		return
	}
	entries, err := s.deps.Activity.Recent(c.Request.Context(), limit)
	if err != nil {
		respondError(c, s.toAPIError(c, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"activities": entries, "count": len(entries)})
}

func (s *APIServer) handleAdminListAccounts(c *gin.Context) {
	profiles, err := s.deps.Accounts.List(c.Request.Context(), c.Query("search"), c.Query("status"))
	if err != nil {
		respondError(c, s.toAPIError(c, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": profiles, "count": len(profiles)})
}

func (s *APIServer) handleAdminAdjustExpiry(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var req ExpiryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError("action is required"))
		return
	}

	admin := adminName(c)

	update, err := s.deps.Accounts.AdjustExpiry(c.Request.Context(), id, req.Action, req.Hours, admin, req.Reason)
	if err != nil {
		respondError(c, s.toAPIError(c, err))
		return
	}

	logging.LogAdminAction(admin, "expiry_"+string(req.Action), id.String(), update.Description)
	c.JSON(http.StatusOK, gin.H{"success": true, "data": update})
}

func (s *APIServer) handleAdminReconcile(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	r, err := s.deps.Accounts.Reconcile(c.Request.Context(), id)
	if err != nil {
		respondError(c, s.toAPIError(c, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": r})
}

func (s *APIServer) handleAdminMaintenanceStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.deps.Maintenance.Status()})
}

func (s *APIServer) handleAdminMaintenanceRun(c *gin.Context) {
	result, err := s.deps.Maintenance.RunNow(c.Request.Context())
	if err != nil {
		respondError(c, s.toAPIError(c, err))
		return
	}
	logging.LogAdminAction(adminName(c), "maintenance_run", "", "")
	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

func parseIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.NewValidationError("id must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

func bindBlockAction(c *gin.Context) (string, bool) {
	var req BlockActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError("action is required"))
		return "", false
	}
	if req.Action != blockActionUnblock && req.Action != blockActionReset {
		respondError(c, apierrors.NewValidationError("action must be unblock or reset"))
		return "", false
	}
	return req.Action, true
}

// adminName identifies the acting admin in audit records
func adminName(c *gin.Context) string {
	if name := middleware.GetUsernameFromContext(c); name != "" {
		return name
	}
	return middleware.GetUserIDFromContext(c).String()
}
