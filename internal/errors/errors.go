package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Request errors (400xx)
	ErrInvalidRequest   ErrorCode = "40001"
	ErrValidationFailed ErrorCode = "40002"
	ErrMalformedKey     ErrorCode = "40003"

	// Authentication errors (401xx)
	ErrUnauthorized  ErrorCode = "40101"
	ErrTokenExpired  ErrorCode = "40102"
	ErrInvalidSecret ErrorCode = "40103"

	// Authorization errors (403xx)
	ErrForbidden ErrorCode = "40301"

	// Resource errors (404xx)
	ErrKeyNotFound  ErrorCode = "40401"
	ErrUserNotFound ErrorCode = "40402"

	// Conflict errors (409xx)
	ErrKeyAlreadyUsed ErrorCode = "40901"
	ErrKeyConflict    ErrorCode = "40902"

	// Business rule errors (422xx)
	ErrKeyExpired ErrorCode = "42201"

	// Rate limit errors (429xx)
	ErrRateLimited   ErrorCode = "42901"
	ErrBotDetected   ErrorCode = "42902"
	ErrAccountLocked ErrorCode = "42903"

	// Server errors (500xx)
	ErrInternalServer     ErrorCode = "50001"
	ErrStorageUnavailable ErrorCode = "50301"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"code"`
	Reason     string    `json:"reason"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	HTTPStatus int       `json:"-"`
	Timestamp  time.Time `json:"-"`

	// args fill the localized message template for Code
	args []any
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// Kind classifies the error by its code, falling back to the HTTP status
func (e *APIError) Kind() Kind {
	if k, ok := codeKinds[e.Code]; ok {
		return k
	}
	switch {
	case e.HTTPStatus == http.StatusServiceUnavailable:
		return KindTransient
	case e.HTTPStatus >= 500:
		return KindFatal
	case e.HTTPStatus == http.StatusTooManyRequests:
		return KindRateLimited
	case e.HTTPStatus == http.StatusUnauthorized || e.HTTPStatus == http.StatusForbidden:
		return KindAuthFailure
	case e.HTTPStatus == http.StatusConflict:
		return KindConflict
	case e.HTTPStatus >= 400:
		return KindMalformed
	}
	return KindUnknown
}

// WithDetails returns a copy of the error carrying details
func (e *APIError) WithDetails(details any) *APIError {
	cp := *e
	cp.Details = details
	cp.Timestamp = time.Now().UTC()
	return &cp
}

// WithMessage returns a copy of the error with a custom message
func (e *APIError) WithMessage(message string) *APIError {
	cp := *e
	cp.Message = message
	cp.args = nil
	cp.Timestamp = time.Now().UTC()
	return &cp
}

// ErrorBody is the error object of an error response
type ErrorBody struct {
	Code      ErrorCode `json:"code"`
	Reason    string    `json:"reason"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	Timestamp string    `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
	Method    string    `json:"method,omitempty"`
}

// ErrorResponse represents the error response format
type ErrorResponse struct {
	Error     ErrorBody `json:"error"`
	RequestID string    `json:"request_id"`
}

// NewErrorResponse builds the response envelope for err
func NewErrorResponse(err *APIError, requestID, path, method string) ErrorResponse {
	ts := err.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return ErrorResponse{
		Error: ErrorBody{
			Code:      err.Code,
			Reason:    err.Reason,
			Message:   err.Message,
			Details:   err.Details,
			Timestamp: ts.Format(time.RFC3339),
			Path:      path,
			Method:    method,
		},
		RequestID: requestID,
	}
}

// Common errors
var (
	ErrUnauthorizedError = newAPIError(ErrUnauthorized, "UNAUTHORIZED")

	ErrTokenExpiredError = newAPIError(ErrTokenExpired, "TOKEN_EXPIRED")

	ErrInvalidSecretError = newAPIError(ErrInvalidSecret, "INVALID_SECRET")

	ErrForbiddenError = newAPIError(ErrForbidden, "FORBIDDEN")

	ErrKeyNotFoundError = newAPIError(ErrKeyNotFound, "KEY_NOT_FOUND")

	ErrUserNotFoundError = newAPIError(ErrUserNotFound, "USER_NOT_FOUND")

	ErrKeyAlreadyUsedError = newAPIError(ErrKeyAlreadyUsed, "KEY_ALREADY_USED")

	ErrKeyConflictError = newAPIError(ErrKeyConflict, "KEY_CONFLICT")

	ErrKeyExpiredError = newAPIError(ErrKeyExpired, "KEY_EXPIRED")

	ErrInternalServerError = newAPIError(ErrInternalServer, "INTERNAL_ERROR")

	ErrStorageUnavailableError = newAPIError(ErrStorageUnavailable, "STORAGE_UNAVAILABLE")
)

func newAPIError(code ErrorCode, reason string) *APIError {
	return &APIError{
		Code:       code,
		Reason:     reason,
		Message:    messageFor(defaultLanguage, code),
		HTTPStatus: GetHTTPStatusFromCode(code),
	}
}

// NewValidationError creates a validation error with details
func NewValidationError(details any) *APIError {
	err := newAPIError(ErrValidationFailed, "VALIDATION_FAILED")
	err.Details = details
	return err
}

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidRequest,
		Reason:     "INVALID_REQUEST",
		Message:    message,
		HTTPStatus: GetHTTPStatusFromCode(ErrInvalidRequest),
	}
}

// NewMalformedKeyError rejects a submitted code shorter than minLength
func NewMalformedKeyError(minLength int) *APIError {
	err := newAPIError(ErrMalformedKey, "MALFORMED_KEY")
	err.args = []any{minLength}
	err.Message = formatMessage(defaultLanguage, err.Code, err.args)
	err.Details = map[string]int{"min_length": minLength}
	return err
}

// NewRateLimitError creates an IP rate limit error. reason is IP_BLOCKED or IP_RATE_LIMIT_EXCEEDED.
func NewRateLimitError(reason string, remainingMinutes int64) *APIError {
	err := newAPIError(ErrRateLimited, reason)
	err.args = []any{remainingMinutes}
	err.Message = formatMessage(defaultLanguage, err.Code, err.args)
	err.Details = map[string]int64{"remaining_minutes": remainingMinutes}
	return err
}

// NewBotDetectedError creates a frequency detection error
func NewBotDetectedError(reason string, blockMinutes int64, count10s, count60s int64) *APIError {
	err := newAPIError(ErrBotDetected, reason)
	err.args = []any{blockMinutes}
	err.Message = formatMessage(defaultLanguage, err.Code, err.args)
	err.Details = map[string]int64{
		"blocked_duration_minutes": blockMinutes,
		"count_10s":                count10s,
		"count_60s":                count60s,
	}
	return err
}

// NewAccountLockedError creates an account lockout error
func NewAccountLockedError(remainingMinutes int64, blockedUntil time.Time) *APIError {
	err := newAPIError(ErrAccountLocked, "ACCOUNT_LOCKED")
	err.args = []any{remainingMinutes}
	err.Message = formatMessage(defaultLanguage, err.Code, err.args)
	err.Details = map[string]any{
		"remaining_minutes": remainingMinutes,
		"blocked_until":     blockedUntil.UTC().Format(time.RFC3339),
	}
	return err
}

// FromError converts any error into an APIError. Internal error text is only
// attached when exposeInternal is set.
func FromError(err error, exposeInternal bool) *APIError {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}

	var out *APIError
	switch KindOf(err) {
	case KindTransient:
		out = ErrStorageUnavailableError
	default:
		out = ErrInternalServerError
	}
	if exposeInternal && err != nil {
		return out.WithDetails(map[string]string{"internal": err.Error()})
	}
	return out
}

// GetHTTPStatusFromCode derives the HTTP status from the first three digits of a code
func GetHTTPStatusFromCode(code ErrorCode) int {
	if len(code) < 3 {
		return http.StatusInternalServerError
	}
	status, err := strconv.Atoi(string(code[:3]))
	if err != nil || http.StatusText(status) == "" {
		return http.StatusInternalServerError
	}
	return status
}

// IsRetryable reports whether a client may retry the same request later
func IsRetryable(err *APIError) bool {
	switch err.Kind() {
	case KindTransient, KindRateLimited, KindLocked:
		return true
	}
	return false
}

// IsClientError reports whether err is a 4xx error
func IsClientError(err *APIError) bool {
	return err.HTTPStatus >= 400 && err.HTTPStatus < 500
}

// IsServerError reports whether err is a 5xx error
func IsServerError(err *APIError) bool {
	return err.HTTPStatus >= 500 && err.HTTPStatus < 600
}

// String renders the code and reason for logs
func (e *APIError) String() string {
	return fmt.Sprintf("%s %s: %s", e.Code, e.Reason, e.Message)
}
