package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error code
type Code string

const (
	// Ledger domain
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeUnknownAction       Code = "UNKNOWN_ACTION"
	CodeLicenseRequired     Code = "LICENSE_REQUIRED"
	CodeAlreadyLicensed     Code = "ALREADY_LICENSED"
	CodeInvalidKey          Code = "INVALID_KEY"
	CodeKeyAlreadyUsed      Code = "KEY_ALREADY_USED"
	CodeInsufficientCredits Code = "INSUFFICIENT_CREDITS"
	CodeChargeIDRequired    Code = "CHARGE_ID_REQUIRED"
	CodeChargeNotFound      Code = "CHARGE_NOT_FOUND"

	// Provider domain
	CodeContentBlocked            Code = "CONTENT_BLOCKED"
	CodeProviderFailed            Code = "PROVIDER_FAILED"
	CodeProviderProcessingTimeout Code = "PROVIDER_PROCESSING_TIMEOUT"
	CodeUpstreamHTTPError         Code = "UPSTREAM_HTTP_ERROR"
	CodeMissingAPIKey             Code = "MISSING_API_KEY"
	CodeValidation                Code = "VALIDATION"

	// Transport
	CodeRateLimited    Code = "RATE_LIMITED"
	CodeInternalServer Code = "INTERNAL_SERVER_ERROR"
)

// APIError is a standardized error carrying a stable code and an
// HTTP-style status for the caller to map
type APIError struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// Is reports whether target is an APIError with the same code
func (e *APIError) Is(target error) bool {
	var other *APIError
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// Common ledger errors
var (
	ErrUnauthorized = &APIError{
		Code:       CodeUnauthorized,
		Message:    "A verified user identity is required",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrLicenseRequired = &APIError{
		Code:       CodeLicenseRequired,
		Message:    "A redeemed license is required for this action",
		HTTPStatus: http.StatusForbidden,
	}

	ErrAlreadyLicensed = &APIError{
		Code:       CodeAlreadyLicensed,
		Message:    "Account already holds a redeemed license",
		HTTPStatus: http.StatusConflict,
	}

	ErrInvalidKey = &APIError{
		Code:       CodeInvalidKey,
		Message:    "License key not recognized",
		HTTPStatus: http.StatusNotFound,
	}

	ErrKeyAlreadyUsed = &APIError{
		Code:       CodeKeyAlreadyUsed,
		Message:    "License key has already been redeemed",
		HTTPStatus: http.StatusConflict,
	}

	ErrInsufficientCredits = &APIError{
		Code:       CodeInsufficientCredits,
		Message:    "Not enough credits for this action",
		HTTPStatus: http.StatusPaymentRequired,
	}

	ErrChargeIDRequired = &APIError{
		Code:       CodeChargeIDRequired,
		Message:    "A charge id is required",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrChargeNotFound = &APIError{
		Code:       CodeChargeNotFound,
		Message:    "No matching charge found for this account",
		HTTPStatus: http.StatusNotFound,
	}

	ErrRateLimited = &APIError{
		Code:       CodeRateLimited,
		Message:    "Rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrInternalServer = &APIError{
		Code:       CodeInternalServer,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}
)

// NewUnknownAction creates an error for an action missing from the cost table
func NewUnknownAction(action string) *APIError {
	return &APIError{
		Code:       CodeUnknownAction,
		Message:    fmt.Sprintf("Unknown action %q", action),
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewValidationError creates a validation error with details
func NewValidationError(message string, details any) *APIError {
	return &APIError{
		Code:       CodeValidation,
		Message:    message,
		Details:    details,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewContentBlocked creates a moderation-classified provider failure
func NewContentBlocked(provider, message string) *APIError {
	return &APIError{
		Code:       CodeContentBlocked,
		Message:    fmt.Sprintf("%s rejected the request for content policy reasons: %s", provider, message),
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// NewProviderFailed creates a generic provider failure
func NewProviderFailed(provider, message string) *APIError {
	return &APIError{
		Code:       CodeProviderFailed,
		Message:    fmt.Sprintf("%s generation failed: %s", provider, message),
		HTTPStatus: http.StatusBadGateway,
	}
}

// NewProcessingTimeout creates the terminal poll-exhaustion error
func NewProcessingTimeout(provider string, attempts int) *APIError {
	return &APIError{
		Code:       CodeProviderProcessingTimeout,
		Message:    fmt.Sprintf("%s did not finish within %d polling attempts", provider, attempts),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// NewUpstreamHTTPError wraps a non-2xx vendor response
func NewUpstreamHTTPError(provider string, status int, body string) *APIError {
	return &APIError{
		Code:       CodeUpstreamHTTPError,
		Message:    fmt.Sprintf("%s returned HTTP %d: %s", provider, status, body),
		Details:    map[string]any{"status": status},
		HTTPStatus: http.StatusBadGateway,
	}
}

// NewMissingAPIKey reports an unconfigured vendor credential
func NewMissingAPIKey(provider string) *APIError {
	return &APIError{
		Code:       CodeMissingAPIKey,
		Message:    fmt.Sprintf("No API key configured for provider %s", provider),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// From extracts an APIError from err, wrapping unknown errors as internal
func From(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &APIError{
		Code:       CodeInternalServer,
		Message:    err.Error(),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// UpstreamStatus returns the vendor HTTP status carried by an
// UPSTREAM_HTTP_ERROR, or 0 for any other error
func UpstreamStatus(err error) int {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != CodeUpstreamHTTPError {
		return 0
	}
	details, ok := apiErr.Details.(map[string]any)
	if !ok {
		return 0
	}
	status, ok := details["status"].(int)
	if !ok {
		return 0
	}
	return status
}

// ErrorResponse is the envelope returned to HTTP callers
type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
}

// NewErrorResponse builds the standard error envelope
func NewErrorResponse(err *APIError, requestID string) ErrorResponse {
	return ErrorResponse{Error: *err, RequestID: requestID}
}
