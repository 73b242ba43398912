package deviceauth

import (
	"errors"
	"fmt"
)

// ErrorCode classifies device flow failures.
type ErrorCode string

const (
	ErrorNetwork      ErrorCode = "network_error"
	ErrorTimeout      ErrorCode = "timeout"
	ErrorAuthFailed   ErrorCode = "auth_failed"
	ErrorServer       ErrorCode = "server_error"
	ErrorHTTP         ErrorCode = "http_error"
	ErrorExpiredToken ErrorCode = "expired_token"
	ErrorAccessDenied ErrorCode = "access_denied"
	ErrorInvalidGrant ErrorCode = "invalid_grant"
	ErrorUnknown      ErrorCode = "unknown_error"

	// Returned by the token endpoint while polling; never surfaced to callers.
	errorAuthorizationPending ErrorCode = "authorization_pending"
	errorSlowDown             ErrorCode = "slow_down"
)

// DeviceFlowError is returned by every failing Client call.
type DeviceFlowError struct {
	Code        ErrorCode
	Description string
	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *DeviceFlowError) Error() string {
	msg := fmt.Sprintf("device authorization failed (%s)", e.Code)
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *DeviceFlowError) Unwrap() error {
	return e.Err
}

// CodeOf returns the ErrorCode of err, or "" if err is not a DeviceFlowError.
func CodeOf(err error) ErrorCode {
	var dfe *DeviceFlowError
	if errors.As(err, &dfe) {
		return dfe.Code
	}
	return ""
}

// IsInvalidGrant reports whether the server rejected a refresh token. The
// user has to log in again.
func IsInvalidGrant(err error) bool {
	return CodeOf(err) == ErrorInvalidGrant
}
