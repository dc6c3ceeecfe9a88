package errors

import "net/http"

// HTTPStatusMapping maps error codes to the status the API layer responds with.
var HTTPStatusMapping = map[ErrorCode]int{
	ErrCodeUnauthorized:             http.StatusUnauthorized,
	ErrCodeForbidden:                http.StatusForbidden,
	ErrCodeInvalidTransitionPayload: http.StatusUnprocessableEntity,
	ErrCodeInvalidPayload:           http.StatusBadRequest,
	ErrCodeResourceConflict:         http.StatusConflict,
	ErrCodeNotFound:                 http.StatusNotFound,
	ErrCodeUpstreamTimeout:          http.StatusGatewayTimeout,
	ErrCodeIdentityUnresolvable:     http.StatusServiceUnavailable,
	ErrCodeInternal:                 http.StatusInternalServerError,
}

// HTTPStatus returns the HTTP status for a code, 500 when unmapped.
func HTTPStatus(code ErrorCode) int {
	if status, ok := HTTPStatusMapping[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return code == ErrCodeUpstreamTimeout || code == ErrCodeIdentityUnresolvable
}

// GetErrorCategory returns the category of the error code, used as a metric label.
func GetErrorCategory(code ErrorCode) string {
	switch code {
	case ErrCodeUnauthorized, ErrCodeForbidden:
		return "ACCESS"
	case ErrCodeInvalidTransitionPayload, ErrCodeInvalidPayload:
		return "VALIDATION"
	case ErrCodeResourceConflict, ErrCodeNotFound:
		return "STATE"
	case ErrCodeUpstreamTimeout, ErrCodeIdentityUnresolvable:
		return "UPSTREAM"
	default:
		return "INTERNAL"
	}
}
