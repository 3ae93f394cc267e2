package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable machine-readable error codes returned to API clients.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeNotFound            = "NOT_FOUND"
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	CodeRateLimited         = "RATE_LIMITED"
	CodeUnknownProvider     = "UNKNOWN_PROVIDER"
	CodeProviderError       = "PROVIDER_ERROR"
	CodeCircuitOpen         = "CIRCUIT_OPEN"
	CodeInternal            = "INTERNAL_ERROR"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
	Err        error             `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// WithDetails attaches field-level detail to the error.
func (e *AppError) WithDetails(details map[string]string) *AppError {
	e.Details = details
	return e
}

// From extracts an *AppError from err, or wraps it as an internal error.
func From(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err)
}

// ---- Request validation ----

func Validation(message string) *AppError {
	return New(CodeValidation, message, http.StatusBadRequest)
}

func ValidationWithDetails(message string, details map[string]string) *AppError {
	return Validation(message).WithDetails(details)
}

// ---- Authentication and authorization ----

func Unauthorized(message string) *AppError {
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func Forbidden(message string) *AppError {
	return New(CodeForbidden, message, http.StatusForbidden)
}

// ---- Resources ----

func NotFound(entity string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

// ---- Idempotency ----

func IdempotencyConflict(message string) *AppError {
	return New(CodeIdempotencyConflict, message, http.StatusConflict)
}

// ---- Rate limiting ----

func RateLimited() *AppError {
	return New(CodeRateLimited, "Rate limit exceeded", http.StatusTooManyRequests)
}

// ---- Providers ----

func UnknownProvider(name string) *AppError {
	return New(CodeUnknownProvider, fmt.Sprintf("Unknown payment provider %q", name), http.StatusBadRequest)
}

func ProviderError(provider string, err error) *AppError {
	return Wrap(CodeProviderError, fmt.Sprintf("Payment provider %s failed", provider), http.StatusBadGateway, err)
}

func CircuitOpen(provider string) *AppError {
	return New(CodeCircuitOpen, fmt.Sprintf("Payment provider %s is temporarily unavailable", provider), http.StatusServiceUnavailable)
}

// ---- System ----

// InternalError wraps an internal error without leaking its detail to clients.
func InternalError(err error) *AppError {
	return Wrap(CodeInternal, "Internal server error", http.StatusInternalServerError, err)
}
