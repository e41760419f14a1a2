package middleware

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/quotagate/quotagate/internal/config"
	apierrors "github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/models"
	"github.com/quotagate/quotagate/internal/monitoring"
	"github.com/rs/zerolog/log"
)

// Context keys for storing account information
const (
	ContextKeyUserID    = "user_id"
	ContextKeyUsername  = "username"
	ContextKeyRole      = "role"
	ContextKeyRequestID = "request_id"
)

// Claims represents JWT claims
type Claims struct {
	UserID   string      `json:"userId"`
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
	jwt.RegisteredClaims
}

// JWTAuthenticator handles JWT token validation
type JWTAuthenticator struct {
	config *config.JWTConfig
}

// NewJWTAuthenticator creates a new JWT authenticator
func NewJWTAuthenticator(cfg *config.JWTConfig) *JWTAuthenticator {
	return &JWTAuthenticator{
		config: cfg,
	}
}

// JWTAuth creates a middleware that validates JWT tokens from the Authorization header
// It extracts the Bearer token, validates it, and sets account information in the context
func (j *JWTAuthenticator) JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			monitoring.RecordGateRejection("jwt", "MISSING_TOKEN")
			AbortWithError(c, apierrors.ErrUnauthorizedError)
			return
		}

		tokenString, err := extractBearerToken(authHeader)
		if err != nil {
			monitoring.RecordGateRejection("jwt", "MALFORMED_HEADER")
			AbortWithError(c, apierrors.ErrUnauthorizedError)
			return
		}

		claims, err := j.ValidateAccessToken(tokenString)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				monitoring.RecordGateRejection("jwt", "TOKEN_EXPIRED")
				AbortWithError(c, apierrors.ErrTokenExpiredError)
			} else {
				monitoring.RecordGateRejection("jwt", "INVALID_TOKEN")
				AbortWithError(c, apierrors.ErrUnauthorizedError)
			}
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyUsername, claims.Username)
		c.Set(ContextKeyRole, string(claims.Role))

		c.Next()
	}
}

// ValidateAccessToken validates an access token and returns claims
func (j *JWTAuthenticator) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims, err := j.validateToken(tokenString)
	if err != nil {
		return nil, err
	}

	// Tokens from the account service carry no subject; refresh tokens do
	if claims.Subject != "" && claims.Subject != "access" {
		return nil, ErrInvalidToken
	}
	if _, err := uuid.Parse(claims.UserID); err != nil {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// IssueAccessToken signs an access token for an account
func (j *JWTAuthenticator) IssueAccessToken(userID uuid.UUID, username string, role models.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   userID.String(),
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "access",
			Issuer:    j.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(j.config.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// validateToken parses and validates a JWT token
func (j *JWTAuthenticator) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(j.config.Secret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// extractBearerToken extracts the token from a Bearer authorization header
func extractBearerToken(authHeader string) (string, error) {
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}

// JWT validation errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// AbortWithError sends a standardized, localized error response and stops the chain
func AbortWithError(c *gin.Context, err *apierrors.APIError) {
	err = apierrors.Localize(err, c.GetHeader("Accept-Language"))
	switch {
	case apierrors.IsServerError(err):
		log.Error().
			Str("request_id", GetRequestIDFromContext(c)).
			Str("path", c.Request.URL.Path).
			Msg(err.String())
	case apierrors.IsClientError(err):
		log.Debug().
			Str("request_id", GetRequestIDFromContext(c)).
			Str("path", c.Request.URL.Path).
			Msg(err.String())
	}
	if apierrors.IsRetryable(err) {
		if mins := waitMinutes(err.Details); mins > 0 {
			c.Header("Retry-After", strconv.FormatInt(mins*60, 10))
		}
	}
	response := apierrors.NewErrorResponse(
		err,
		GetRequestIDFromContext(c),
		c.Request.URL.Path,
		c.Request.Method,
	)
	c.AbortWithStatusJSON(err.HTTPStatus, response)
}

// waitMinutes reads the wait announced in rejection details
func waitMinutes(details any) int64 {
	switch d := details.(type) {
	case map[string]int64:
		if m := d["remaining_minutes"]; m > 0 {
			return m
		}
		return d["blocked_duration_minutes"]
	case map[string]any:
		m, _ := d["remaining_minutes"].(int64)
		return m
	}
	return 0
}

// RequireRole creates a middleware that checks if the account has one of the required roles
// This middleware must be used after JWTAuth middleware
func RequireRole(allowedRoles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := GetRoleFromContext(c)
		for _, allowed := range allowedRoles {
			if role == allowed {
				c.Next()
				return
			}
		}

		monitoring.RecordGateRejection("role", "FORBIDDEN")
		AbortWithError(c, apierrors.ErrForbiddenError.WithMessage(
			fmt.Sprintf("Access denied. Required role: %v", allowedRoles)))
	}
}

// RequireAdmin is a convenience middleware that requires the admin role
func RequireAdmin() gin.HandlerFunc {
	return RequireRole(models.RoleAdmin)
}

// GetUserIDFromContext extracts the account ID from the gin context
// Returns uuid.Nil if not found
func GetUserIDFromContext(c *gin.Context) uuid.UUID {
	id, err := uuid.Parse(c.GetString(ContextKeyUserID))
	if err != nil {
		return uuid.Nil
	}
	return id
}

// GetUsernameFromContext extracts the username from the gin context
func GetUsernameFromContext(c *gin.Context) string {
	return c.GetString(ContextKeyUsername)
}

// GetRoleFromContext extracts the role from the gin context
// Returns empty string if not found
func GetRoleFromContext(c *gin.Context) models.Role {
	return models.Role(c.GetString(ContextKeyRole))
}

// RequestID adds a unique request ID to each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// GetRequestIDFromContext extracts the request ID from the gin context
// Returns empty string if not found
func GetRequestIDFromContext(c *gin.Context) string {
	return c.GetString(ContextKeyRequestID)
}

// CORS configures CORS headers and answers preflight requests
func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowed := false
		for _, o := range allowedOrigins {
			if o == origin || o == "*" {
				allowed = true
				break
			}
		}

		if allowed && origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, Accept-Language, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Max-Age", "43200")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
