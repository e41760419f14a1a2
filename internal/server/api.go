package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/quotagate/quotagate/internal/account"
	"github.com/quotagate/quotagate/internal/attempt"
	"github.com/quotagate/quotagate/internal/config"
	apierrors "github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/frequency"
	"github.com/quotagate/quotagate/internal/logging"
	"github.com/quotagate/quotagate/internal/maintenance"
	"github.com/quotagate/quotagate/internal/middleware"
	"github.com/quotagate/quotagate/internal/models"
	"github.com/quotagate/quotagate/internal/monitoring"
	"github.com/quotagate/quotagate/internal/ratelimit"
	"github.com/quotagate/quotagate/internal/redemption"
	"github.com/rs/zerolog/log"
)

// redeemEndpoint names the redemption route in frequency and IP state
const redeemEndpoint = "redeem-key"

// FrequencyDetector flags automated traffic
type FrequencyDetector interface {
	Detect(ctx context.Context, identity, endpoint, userAgent string) (*frequency.Result, error)
	Clear(ctx context.Context, identity string) (int64, error)
}

// IPLimiter enforces and administers per-IP limits
type IPLimiter interface {
	CheckIP(ctx context.Context, ip, endpoint string) (*ratelimit.IPCheckResult, error)
	Block(ctx context.Context, ip string, d time.Duration, reason string) (time.Time, error)
	Status(ctx context.Context, ip string) (*models.IPRateState, error)
	ListBlocked(ctx context.Context) ([]models.IPRateState, error)
	Unblock(ctx context.Context, ip string) (int64, error)
	Reset(ctx context.Context, ip string) error
}

// ActivityLog records and lists suspicious activity
type ActivityLog interface {
	Log(ctx context.Context, ip, endpoint, userAgent, reason string, metrics map[string]any)
	Recent(ctx context.Context, limit int) ([]models.SuspiciousActivity, error)
}

// Redeemer applies keys to accounts
type Redeemer interface {
	Redeem(ctx context.Context, accountID uuid.UUID, ip, code string) (*redemption.Result, error)
	MinKeyLength() int
}

// AttemptAdmin administers account lockouts
type AttemptAdmin interface {
	ListBlocked(ctx context.Context) ([]models.BlockedAccount, error)
	Reset(ctx context.Context, accountID uuid.UUID) error
	Unblock(ctx context.Context, accountID uuid.UUID) error
}

// Accounts reads and administers accounts
type Accounts interface {
	Get(ctx context.Context, id uuid.UUID) (*account.Profile, error)
	List(ctx context.Context, search, status string) ([]account.Profile, error)
	AdjustExpiry(ctx context.Context, id uuid.UUID, action account.ExpiryAction, hours int, admin, reason string) (*account.ExpiryUpdate, error)
	Reconcile(ctx context.Context, id uuid.UUID) (*account.Reconciliation, error)
}

// Maintenance exposes the background sweeper to admins
type Maintenance interface {
	Status() maintenance.SchedulerStatus
	RunNow(ctx context.Context) (*maintenance.SweepResult, error)
}

// HealthChecker reports whether a backing store is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps are the components the API serves
type Deps struct {
	Detector FrequencyDetector
	Limiter  IPLimiter
	Activity ActivityLog
	Redeemer Redeemer
	Attempts AttemptAdmin
	Accounts Accounts
	// Maintenance is optional; its routes are only registered when set
	Maintenance Maintenance
	Health      map[string]HealthChecker
}

// APIServer represents the main API server
type APIServer struct {
	config           *config.Config
	router           *gin.Engine
	deps             Deps
	jwtAuthenticator *middleware.JWTAuthenticator
}

// NewAPIServer creates a new API server instance
func NewAPIServer(cfg *config.Config, deps Deps) *APIServer {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware in order
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	srv := &APIServer{
		config:           cfg,
		router:           router,
		deps:             deps,
		jwtAuthenticator: middleware.NewJWTAuthenticator(&cfg.JWT),
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// Redemption runs every gate: frequency, IP, identity, then the
		// account lockout inside the engine
		v1.POST("/keys/redeem",
			s.frequencyGate(redeemEndpoint),
			s.ipLimitGate(redeemEndpoint),
			s.jwtAuthenticator.JWTAuth(),
			s.handleRedeem,
		)

		v1.GET("/me", s.jwtAuthenticator.JWTAuth(), s.handleGetProfile)

		// Operator escape hatch, authenticated by secret rather than token
		v1.POST("/emergency/unblock-ip", s.handleEmergencyUnblock)

		admin := v1.Group("/admin")
		admin.Use(s.jwtAuthenticator.JWTAuth())
		admin.Use(middleware.RequireAdmin())
		{
			admin.GET("/blocked", s.handleAdminListBlocked)
			admin.POST("/blocked/accounts/:id", s.handleAdminAccountAction)
			admin.POST("/blocked/ips/:ip", s.handleAdminIPAction)
			admin.GET("/suspicious", s.handleAdminSuspicious)
			admin.GET("/accounts", s.handleAdminListAccounts)
			admin.POST("/accounts/:id/expiry", s.handleAdminAdjustExpiry)
			admin.GET("/accounts/:id/reconcile", s.handleAdminReconcile)

			if s.deps.Maintenance != nil {
				admin.GET("/maintenance", s.handleAdminMaintenanceStatus)
				admin.POST("/maintenance/run", s.handleAdminMaintenanceRun)
			}
		}
	}
}

// Health check handler
func (s *APIServer) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for name, checker := range s.deps.Health {
		if err := checker.Health(ctx); err != nil {
			log.Error().Err(err).Str("dependency", name).Msg("Health check failed")
			checks[name] = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "healthy"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":  overall,
		"service": s.config.Server.Name,
		"checks":  checks,
	})
}

// respondError sends a standardized error response
func respondError(c *gin.Context, err *apierrors.APIError) {
	middleware.AbortWithError(c, err)
}

// toAPIError maps domain errors to their API representation
func (s *APIServer) toAPIError(c *gin.Context, err error) *apierrors.APIError {
	var locked *attempt.LockedError
	switch {
	case errors.Is(err, redemption.ErrMalformedKey):
		return apierrors.NewMalformedKeyError(s.deps.Redeemer.MinKeyLength())
	case errors.As(err, &locked):
		return apierrors.NewAccountLockedError(locked.RemainingMinutes, locked.BlockedUntil)
	case errors.Is(err, redemption.ErrKeyNotFound):
		return apierrors.ErrKeyNotFoundError
	case errors.Is(err, redemption.ErrKeyAlreadyUsed):
		return apierrors.ErrKeyAlreadyUsedError
	case errors.Is(err, redemption.ErrKeyExpired):
		return apierrors.ErrKeyExpiredError
	case errors.Is(err, redemption.ErrKeyConflict):
		return apierrors.ErrKeyConflictError
	case errors.Is(err, redemption.ErrAccountNotFound), errors.Is(err, account.ErrAccountNotFound):
		return apierrors.ErrUserNotFoundError
	case errors.Is(err, attempt.ErrNotFound):
		return apierrors.ErrUserNotFoundError.WithMessage("No failed attempts recorded for this account")
	case errors.Is(err, account.ErrInvalidAction),
		errors.Is(err, account.ErrInvalidHours),
		errors.Is(err, account.ErrInvalidStatus):
		return apierrors.NewValidationError(err.Error())
	case errors.Is(err, account.ErrNoExpiry), errors.Is(err, account.ErrAlreadyExpired):
		return apierrors.NewInvalidRequestError(err.Error())
	}

	logging.LogError(err, middleware.GetRequestIDFromContext(c), "server", c.FullPath())
	return apierrors.FromError(err, !s.config.IsProduction())
}
