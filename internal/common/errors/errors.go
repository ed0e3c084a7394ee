// Package errors provides the standardized error taxonomy for escrow operations.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ==========================
// 1. Error Codes
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidState     ErrorCode = "INVALID_STATE"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeConflict         ErrorCode = "CONFLICT"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"

	// Gateway errors. Each variant is distinguishable so callers can make
	// retry-vs-abort decisions downstream.
	ErrCodeGatewayDeclined          ErrorCode = "GATEWAY_DECLINED"
	ErrCodeGatewayInsufficientFunds ErrorCode = "GATEWAY_INSUFFICIENT_FUNDS"
	ErrCodeGatewayNetwork           ErrorCode = "GATEWAY_NETWORK"
	ErrCodeGatewayRateLimited       ErrorCode = "GATEWAY_RATE_LIMITED"
	ErrCodeGatewayAccountNotReady   ErrorCode = "GATEWAY_ACCOUNT_NOT_READY"
	ErrCodeGatewayUnknown           ErrorCode = "GATEWAY_UNKNOWN"

	// Another caller holds the release claim for the same hold.
	ErrCodeReleaseInProgress ErrorCode = "RELEASE_IN_PROGRESS"

	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured application error.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("Error[%s]: %s", e.Code, e.Message)
}

// ==========================
// 2. Error Constructors
// ==========================

// NewValidationError creates a non-retryable validation error.
func NewValidationError(details string) *Error {
	return &Error{
		Code:      ErrCodeValidationFailed,
		Message:   "Request validation failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidStateError creates a non-retryable invalid transition error.
func NewInvalidStateError(current, attempted string) *Error {
	return &Error{
		Code:      ErrCodeInvalidState,
		Message:   "Operation not allowed from current status",
		Details:   fmt.Sprintf("status: %s, attempted: %s", current, attempted),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewUnauthorizedError creates a non-retryable authorization error.
func NewUnauthorizedError(details string) *Error {
	return &Error{
		Code:      ErrCodeUnauthorized,
		Message:   "Actor is not authorized for this operation",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewConflictError creates a non-retryable conflict error.
func NewConflictError(details string) *Error {
	return &Error{
		Code:      ErrCodeConflict,
		Message:   "Operation conflicts with existing state",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewNotFoundError creates a non-retryable not-found error.
func NewNotFoundError(resource, id string) *Error {
	return &Error{
		Code:      ErrCodeNotFound,
		Message:   fmt.Sprintf("%s not found", resource),
		Details:   fmt.Sprintf("id: %s", id),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewGatewayError creates a gateway error with retryability decided by code.
// Timeouts and rate limiting are worth retrying; a decline or an unready payout
// account is not. Unknown gateway failures are surfaced for manual intervention
// rather than retried, since blind retries of payment operations risk double
// charges.
func NewGatewayError(code ErrorCode, details string) *Error {
	return &Error{
		Code:      code,
		Message:   gatewayMessage(code),
		Details:   details,
		Retryable: code == ErrCodeGatewayNetwork || code == ErrCodeGatewayRateLimited,
		Timestamp: time.Now().UTC(),
	}
}

// NewReleaseInProgressError indicates another caller already claimed the
// release for this hold. Safe to retry from the caller's perspective: the
// money is moving exactly once either way.
func NewReleaseInProgressError(holdID string) *Error {
	return &Error{
		Code:      ErrCodeReleaseInProgress,
		Message:   "Release already in progress for this hold",
		Details:   fmt.Sprintf("holdId: %s", holdID),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewInternalError creates a retryable internal error.
func NewInternalError(err error) *Error {
	return &Error{
		Code:      ErrCodeInternal,
		Message:   "Internal error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

func gatewayMessage(code ErrorCode) string {
	switch code {
	case ErrCodeGatewayDeclined:
		return "Payment was declined by the gateway"
	case ErrCodeGatewayInsufficientFunds:
		return "Payer has insufficient funds"
	case ErrCodeGatewayNetwork:
		return "Gateway unreachable or timed out"
	case ErrCodeGatewayRateLimited:
		return "Gateway rate limit exceeded"
	case ErrCodeGatewayAccountNotReady:
		return "Payout account is not onboarded"
	default:
		return "Gateway returned an unrecognized failure"
	}
}

// ==========================
// 3. Utility Functions
// ==========================

// CodeOf extracts the ErrorCode from err, or ErrCodeInternal for plain errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsGatewayCode reports whether code belongs to the gateway error family.
func IsGatewayCode(code ErrorCode) bool {
	switch code {
	case ErrCodeGatewayDeclined, ErrCodeGatewayInsufficientFunds, ErrCodeGatewayNetwork,
		ErrCodeGatewayRateLimited, ErrCodeGatewayAccountNotReady, ErrCodeGatewayUnknown:
		return true
	}
	return false
}

// HTTPStatus maps an error code to the HTTP status used at the presentation
// boundary.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeValidationFailed:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeInvalidState, ErrCodeReleaseInProgress:
		return http.StatusConflict
	case ErrCodeGatewayDeclined, ErrCodeGatewayInsufficientFunds, ErrCodeGatewayAccountNotReady:
		return http.StatusPaymentRequired
	case ErrCodeGatewayRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeGatewayNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage renders the human-readable failure reason, distinguishing
// "temporary, please retry" from "this requires manual intervention".
func UserMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "Something went wrong. Please try again later."
	}
	if e.Retryable {
		return e.Message + ". This is temporary, please try again."
	}
	if IsGatewayCode(e.Code) && e.Code != ErrCodeGatewayDeclined && e.Code != ErrCodeGatewayInsufficientFunds {
		return e.Message + ". This requires manual intervention."
	}
	return e.Message + "."
}
