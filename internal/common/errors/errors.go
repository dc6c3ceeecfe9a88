// Package errors provides the portal's standardized error taxonomy.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeUnauthorized             ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden                ErrorCode = "FORBIDDEN"
	ErrCodeInvalidTransitionPayload ErrorCode = "INVALID_TRANSITION_PAYLOAD"
	ErrCodeInvalidPayload           ErrorCode = "INVALID_PAYLOAD"
	ErrCodeResourceConflict         ErrorCode = "RESOURCE_CONFLICT"
	ErrCodeNotFound                 ErrorCode = "NOT_FOUND"
	ErrCodeUpstreamTimeout          ErrorCode = "UPSTREAM_TIMEOUT"
	ErrCodeIdentityUnresolvable     ErrorCode = "IDENTITY_UNRESOLVABLE"
	ErrCodeInternal                 ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

func newError(code ErrorCode, message, details string, retryable bool) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
	}
}

// NewUnauthorizedError is returned when no principal can be identified at all.
func NewUnauthorizedError(details string) *StandardError {
	return newError(ErrCodeUnauthorized, "Authentication required", details, false)
}

// NewForbiddenError is returned when a resolved identity lacks scope.
func NewForbiddenError(details string) *StandardError {
	return newError(ErrCodeForbidden, "Access denied", details, false)
}

// NewAccountDisabledError is a Forbidden variant that tells callers to end the session.
func NewAccountDisabledError(principalID string) *StandardError {
	e := newError(ErrCodeForbidden, "Account disabled", fmt.Sprintf("principalId: %s", principalID), false)
	e.Metadata = map[string]interface{}{"forceLogout": true}
	return e
}

// NewInvalidTransitionPayloadError names the missing field or the illegal transition.
func NewInvalidTransitionPayloadError(details string) *StandardError {
	return newError(ErrCodeInvalidTransitionPayload, "Invalid transition request", details, false)
}

// NewIllegalTransitionError reports a from->to pair absent from the transition table.
func NewIllegalTransitionError(from, to string) *StandardError {
	if from == "" {
		from = "(none)"
	}
	e := NewInvalidTransitionPayloadError(fmt.Sprintf("illegal transition %s -> %s", from, to))
	e.Metadata = map[string]interface{}{"fromStatus": from, "toStatus": to}
	return e
}

// NewMissingFieldError reports required side data that was absent.
func NewMissingFieldError(field string) *StandardError {
	e := NewInvalidTransitionPayloadError(fmt.Sprintf("missing required field: %s", field))
	e.Metadata = map[string]interface{}{"field": field}
	return e
}

// NewInvalidPayloadError is returned for malformed non-transition requests.
func NewInvalidPayloadError(details string) *StandardError {
	return newError(ErrCodeInvalidPayload, "Invalid request payload", details, false)
}

// NewResourceConflictError carries the id of the submission blocking the operation.
func NewResourceConflictError(details, blockingSubmissionID string) *StandardError {
	e := newError(ErrCodeResourceConflict, "Resource conflict", details, false)
	if blockingSubmissionID != "" {
		e.Metadata = map[string]interface{}{"blockingSubmissionId": blockingSubmissionID}
	}
	return e
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(resource, id string) *StandardError {
	return newError(ErrCodeNotFound, "Resource not found", fmt.Sprintf("%s: %s", resource, id), false)
}

// NewUpstreamTimeoutError wraps a slow or unavailable collaborator.
func NewUpstreamTimeoutError(service string, err error) *StandardError {
	e := newError(ErrCodeUpstreamTimeout, "Upstream service unavailable", fmt.Sprintf("service: %s, error: %v", service, err), true)
	e.cause = err
	return e
}

// NewIdentityUnresolvableError is returned when the membership store fails.
func NewIdentityUnresolvableError(err error) *StandardError {
	e := newError(ErrCodeIdentityUnresolvable, "Identity could not be resolved", err.Error(), true)
	e.cause = err
	return e
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(err error) *StandardError {
	e := newError(ErrCodeInternal, "Unexpected error", err.Error(), false)
	e.cause = err
	return e
}

// FromStore converts a backing-store error into a retryable UPSTREAM_TIMEOUT.
// StandardErrors pass through unchanged.
func FromStore(service string, err error) error {
	if err == nil {
		return nil
	}
	var std *StandardError
	if stderrors.As(err, &std) {
		return std
	}
	return NewUpstreamTimeoutError(service, err)
}

// IsTimeout reports whether err is a context deadline or cancellation.
func IsTimeout(err error) bool {
	return stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled)
}

// As extracts a StandardError from an error chain.
func As(err error) (*StandardError, bool) {
	var std *StandardError
	if stderrors.As(err, &std) {
		return std, true
	}
	return nil, false
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	std, ok := As(err)
	return ok && std.Code == code
}

// Normalize ensures we always have a StandardError.
func Normalize(err error) *StandardError {
	if std, ok := As(err); ok {
		return std
	}
	return NewInternalError(err)
}
