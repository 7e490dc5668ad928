// Package api provides the HTTP control surface for the gateway.
package api

import "fmt"

// Error codes
const (
	ErrAuthFailed        = "AUTH_FAILED"
	ErrInvalidInput      = "INVALID_INPUT"
	ErrNotReady          = "NOT_READY"
	ErrRecipientNotFound = "RECIPIENT_NOT_FOUND"
	ErrTransportFault    = "TRANSPORT_FAULT"
	ErrRateLimited       = "RATE_LIMITED"
	ErrInternal          = "INTERNAL_ERROR"
)

// APIError represents a structured error returned to HTTP callers.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Retry   bool   `json:"retry"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAuthError creates an error for a missing or invalid credential.
func NewAuthError() *APIError {
	return &APIError{
		Code:    ErrAuthFailed,
		Message: "Missing or invalid API key",
		Retry:   false,
	}
}

// NewInvalidInputError creates an error for invalid request input.
func NewInvalidInputError(message string) *APIError {
	return &APIError{
		Code:    ErrInvalidInput,
		Message: message,
		Retry:   false,
	}
}

// NewNotReadyError creates an error for when the session cannot dispatch.
func NewNotReadyError(state string) *APIError {
	return &APIError{
		Code:    ErrNotReady,
		Message: fmt.Sprintf("Session not ready, current state: %s", state),
		Retry:   true,
	}
}

// NewRecipientNotFoundError creates an error for an invalid or
// unregistered recipient.
func NewRecipientNotFoundError(to string) *APIError {
	return &APIError{
		Code:    ErrRecipientNotFound,
		Message: fmt.Sprintf("Recipient not found on WhatsApp: %s", to),
		Retry:   false,
	}
}

// NewTransportFaultError creates an error for a session-level transport
// failure. Not retryable: the session needs a restart first.
func NewTransportFaultError(detail string) *APIError {
	return &APIError{
		Code:    ErrTransportFault,
		Message: fmt.Sprintf("Transport fault, session demoted: %s", detail),
		Retry:   false,
	}
}

// NewInternalError creates an error for unclassified failures.
func NewInternalError(detail string) *APIError {
	return &APIError{
		Code:    ErrInternal,
		Message: fmt.Sprintf("Internal error: %s", detail),
		Retry:   false,
	}
}
