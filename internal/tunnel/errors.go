package tunnel

import (
	"errors"
	"fmt"

	"github.com/giantswarm/mcp-tunnel/pkg/protocol"
)

// ErrorCode classifies tunnel client failures.
type ErrorCode string

const (
	CodeNoCredentials        ErrorCode = "no_credentials"
	CodeAlreadyConnected     ErrorCode = "already_connected"
	CodeConnectionTimeout    ErrorCode = "connection_timeout"
	CodeConnectionFailed     ErrorCode = "connection_failed"
	CodeUnauthorized         ErrorCode = "unauthorized"
	CodeWebSocketError       ErrorCode = "websocket_error"
	CodeMessageError         ErrorCode = "message_error"
	CodeParseError           ErrorCode = "parse_error"
	CodeRelayError           ErrorCode = "relay_error"
	CodeConnectionClosed     ErrorCode = "connection_closed"
	CodeMaxReconnectAttempts ErrorCode = "max_reconnect_attempts"
	CodeSessionExpired       ErrorCode = "session_expired"
	CodeRefreshFailed        ErrorCode = "refresh_failed"
	CodeReconnectFailed      ErrorCode = "reconnect_failed"
	CodeDisconnected         ErrorCode = "disconnected"
)

// Error is returned by Connect and carried by error events.
type Error struct {
	Code    ErrorCode
	Message string
	// CloseCode is set when the failure was a WebSocket close.
	CloseCode protocol.CloseCode
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("tunnel %s: %s", e.Code, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the ErrorCode of err, or "" if err is not a tunnel error.
func CodeOf(err error) ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}
