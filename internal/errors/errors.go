package errors

import (
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// APIError represents a structured API error response
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// Render implements the render.Renderer interface for chi/render
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// ValidationError represents a single field validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// New creates a new APIError with the given parameters
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates a new APIError with additional details
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// Predefined error responses for the activation API.
// Business errors keep their stable error kind as the error code so the
// caller can branch on it; they are never collapsed to a generic failure.
var (
	// 400 Bad Request
	ErrInvalidRequest = New(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format")
	ErrInvalidCode    = New(http.StatusBadRequest, "INVALID_CODE", "The activation code is unknown or malformed")
	ErrExpiredCode    = New(http.StatusBadRequest, "EXPIRED_CODE", "The activation code has expired")
	ErrRevokedCode    = New(http.StatusBadRequest, "REVOKED_CODE", "The activation code has been revoked")

	// 403 Forbidden
	ErrBlacklisted = New(http.StatusForbidden, "BLACKLISTED", "The request source is blacklisted")
	ErrRiskBlocked = New(http.StatusForbidden, "RISK_BLOCKED", "The request was blocked by risk policy")
	ErrForbidden   = New(http.StatusForbidden, "FORBIDDEN", "Access denied")

	// 401 Unauthorized
	ErrSignatureInvalid = New(http.StatusUnauthorized, "SIGNATURE_INVALID", "Token signature verification failed")
	ErrTokenExpired     = New(http.StatusUnauthorized, "TOKEN_EXPIRED", "Validation token has expired")
	ErrTokenRevoked     = New(http.StatusUnauthorized, "TOKEN_REVOKED", "Validation token has been revoked")

	// 404 Not Found
	ErrNotFound = New(http.StatusNotFound, "NOT_FOUND", "Resource not found")

	// 409 Conflict
	ErrLimitExceeded  = New(http.StatusConflict, "LIMIT_EXCEEDED", "Activation limit reached for this code")
	ErrDeviceNotBound = New(http.StatusConflict, "DEVICE_NOT_BOUND", "No active binding exists for this device")

	// 428 Precondition Required
	ErrStepUpRequired = New(http.StatusPreconditionRequired, "STEP_UP_REQUIRED", "A second factor is required before this operation can proceed")

	// 429 Too Many Requests
	ErrRateLimitExceeded = New(http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")

	// 500 Internal Server Error
	ErrInternalServer      = New(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
	ErrGenerationExhausted = New(http.StatusInternalServerError, "GENERATION_EXHAUSTED", "Could not generate a unique activation code")

	// 503 Service Unavailable
	ErrServiceUnavailable = New(http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable")
)

// InvalidRequestWithError creates an invalid request error with details
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format", err.Error())
}

// ErrValidation creates a validation error with field details
func ErrValidation(field, message string) *APIError {
	return NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", ValidationError{
		Field:   field,
		Message: message,
	})
}

// NotFoundError creates a not found error with details
func NotFoundError(resource string) *APIError {
	return NewWithDetails(http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource), resource)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// NewValidationErrors creates validation errors from multiple fields
func NewValidationErrors(errors []ValidationError) *APIError {
	return NewWithDetails(
		http.StatusBadRequest,
		"VALIDATION_FAILED",
		"Request validation failed",
		ValidationErrors{Errors: errors},
	)
}

// ErrorResponse represents a standard error response envelope
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   *APIError `json:"error"`
}

// NewErrorResponse creates a new error response
func NewErrorResponse(err *APIError) *ErrorResponse {
	return &ErrorResponse{
		Success: false,
		Error:   err,
	}
}

// Render implements the render.Renderer interface
func (e *ErrorResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return e.Error.Render(w, r)
}
