package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/quotagate/quotagate/internal/config"
	apierrors "github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/models"
)

const testSecret = "test-secret-key-for-jwt-testing"

func init() {
	gin.SetMode(gin.TestMode)
}

// Helper function to create a test JWT token
func createTestToken(secret string, userID, role, subject string, expiry time.Duration) string {
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: "tester",
		Role:     models.Role(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "quotagate",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, _ := token.SignedString([]byte(secret))
	return tokenString
}

func newAuthenticator() *JWTAuthenticator {
	return NewJWTAuthenticator(&config.JWTConfig{Secret: testSecret, Issuer: "quotagate"})
}

func protectedRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(RequestID())
	router.Use(handlers...)
	router.GET("/protected", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":  GetUserIDFromContext(c).String(),
			"role":     GetRoleFromContext(c),
			"username": GetUsernameFromContext(c),
		})
	})
	return router
}

func doRequest(router http.Handler, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/protected", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestJWTAuth_ValidToken(t *testing.T) {
	userID := uuid.New()
	router := protectedRouter(newAuthenticator().JWTAuth())

	w := doRequest(router, "Bearer "+createTestToken(testSecret, userID.String(), "user", "access", 15*time.Minute))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["user_id"] != userID.String() || body["role"] != "user" || body["username"] != "tester" {
		t.Errorf("Unexpected context values: %v", body)
	}
}

func TestJWTAuth_TokenWithoutSubjectAccepted(t *testing.T) {
	router := protectedRouter(newAuthenticator().JWTAuth())

	w := doRequest(router, "Bearer "+createTestToken(testSecret, uuid.NewString(), "user", "", 15*time.Minute))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestJWTAuth_Rejections(t *testing.T) {
	valid := uuid.NewString()
	tests := []struct {
		name   string
		header string
		code   apierrors.ErrorCode
	}{
		{"missing token", "", apierrors.ErrUnauthorized},
		{"not bearer", "Basic abc", apierrors.ErrUnauthorized},
		{"empty bearer", "Bearer ", apierrors.ErrUnauthorized},
		{"garbage", "Bearer invalid-token", apierrors.ErrUnauthorized},
		{"wrong secret", "Bearer " + createTestToken("other-secret", valid, "user", "access", time.Hour), apierrors.ErrUnauthorized},
		{"expired", "Bearer " + createTestToken(testSecret, valid, "user", "access", -time.Hour), apierrors.ErrTokenExpired},
		{"refresh token", "Bearer " + createTestToken(testSecret, valid, "user", "refresh", time.Hour), apierrors.ErrUnauthorized},
		{"non uuid subject", "Bearer " + createTestToken(testSecret, "user-123", "user", "access", time.Hour), apierrors.ErrUnauthorized},
	}

	router := protectedRouter(newAuthenticator().JWTAuth())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(router, tt.header)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("Expected status 401, got %d", w.Code)
			}

			var resp apierrors.ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Failed to decode error response: %v", err)
			}
			if resp.Error.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, resp.Error.Code)
			}
			if resp.RequestID == "" || resp.Error.Path != "/protected" {
				t.Errorf("Error response missing request context: %+v", resp)
			}
		})
	}
}

func TestIssueAccessToken_RoundTrip(t *testing.T) {
	auth := newAuthenticator()
	id := uuid.New()

	token, err := auth.IssueAccessToken(id, "admin1", models.RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}
	claims, err := auth.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("ValidateAccessToken failed: %v", err)
	}
	if claims.UserID != id.String() || claims.Role != models.RoleAdmin || claims.Issuer != "quotagate" {
		t.Errorf("Unexpected claims: %+v", claims)
	}
}

func TestRequireAdmin(t *testing.T) {
	router := protectedRouter(newAuthenticator().JWTAuth(), RequireAdmin())

	w := doRequest(router, "Bearer "+createTestToken(testSecret, uuid.NewString(), "admin", "access", time.Hour))
	if w.Code != http.StatusOK {
		t.Errorf("Admin should pass, got %d", w.Code)
	}

	w = doRequest(router, "Bearer "+createTestToken(testSecret, uuid.NewString(), "user", "access", time.Hour))
	if w.Code != http.StatusForbidden {
		t.Errorf("User should be forbidden, got %d", w.Code)
	}
}

func TestRequireRole_NoClaims(t *testing.T) {
	router := protectedRouter(RequireRole(models.RoleUser))

	if w := doRequest(router, ""); w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 without claims, got %d", w.Code)
	}
}

func TestAbortWithError_Localized(t *testing.T) {
	router := gin.New()
	router.GET("/locked", func(c *gin.Context) {
		AbortWithError(c, apierrors.NewAccountLockedError(3, time.Now().Add(3*time.Minute)))
	})

	req := httptest.NewRequest("GET", "/locked", nil)
	req.Header.Set("Accept-Language", "vi-VN,vi;q=0.9")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", w.Code)
	}
	var resp apierrors.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	if resp.Error.Message != "Nhập sai quá nhiều lần. Vui lòng thử lại sau 3 phút" {
		t.Errorf("Expected Vietnamese message, got %q", resp.Error.Message)
	}
}

func TestAbortWithError_RetryAfter(t *testing.T) {
	cases := []struct {
		name string
		err  *apierrors.APIError
		want string
	}{
		{"ip limited", apierrors.NewRateLimitError("IP_RATE_LIMIT_EXCEEDED", 4), "240"},
		{"bot detected", apierrors.NewBotDetectedError("HIGH_FREQUENCY_60S", 15, 2, 21), "900"},
		{"account locked", apierrors.NewAccountLockedError(2, time.Now().Add(2*time.Minute)), "120"},
		{"key not found", apierrors.ErrKeyNotFoundError, ""},
		{"storage unavailable", apierrors.ErrStorageUnavailableError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := gin.New()
			router.GET("/fail", func(c *gin.Context) { AbortWithError(c, tc.err) })

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest("GET", "/fail", nil))

			if w.Code != tc.err.HTTPStatus {
				t.Fatalf("Expected status %d, got %d", tc.err.HTTPStatus, w.Code)
			}
			if got := w.Header().Get("Retry-After"); got != tc.want {
				t.Errorf("Expected Retry-After %q, got %q", tc.want, got)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	router := protectedRouter()

	w := doRequest(router, "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected a generated request id")
	}

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "fixed-id" {
		t.Errorf("Expected request id to be propagated, got %q", got)
	}
}

func TestCORS(t *testing.T) {
	router := gin.New()
	router.Use(CORS([]string{"https://app.example.com"}))
	router.POST("/api/v1/keys/redeem", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("OPTIONS", "/api/v1/keys/redeem", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected preflight status 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Expected allowed origin header, got %q", got)
	}

	req = httptest.NewRequest("POST", "/api/v1/keys/redeem", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("Disallowed origin must not be echoed")
	}
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}
