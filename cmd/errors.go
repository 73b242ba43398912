package cmd

import (
	"fmt"

	"github.com/giantswarm/mcp-tunnel/internal/tunnel"
)

// AuthRequiredError is returned when a command needs a stored credential and
// there is none.
type AuthRequiredError struct {
	Reason string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("%s: run 'mcp-tunnel auth login' first", e.Reason)
}

// ConnectionErrorKind groups tunnel failures for user-facing messages.
type ConnectionErrorKind string

const (
	ConnectionUnreachable    ConnectionErrorKind = "server unreachable"
	ConnectionTimeout        ConnectionErrorKind = "timeout"
	ConnectionAuthentication ConnectionErrorKind = "authentication"
	ConnectionOther          ConnectionErrorKind = "error"
)

// classifyConnectionError maps a Connect failure to a kind and a hint.
func classifyConnectionError(err error) (ConnectionErrorKind, string) {
	switch tunnel.CodeOf(err) {
	case tunnel.CodeConnectionFailed, tunnel.CodeWebSocketError:
		return ConnectionUnreachable, "check the relay URL and your network connection"
	case tunnel.CodeConnectionTimeout:
		return ConnectionTimeout, "the relay did not answer in time, try again later"
	case tunnel.CodeUnauthorized, tunnel.CodeNoCredentials, tunnel.CodeSessionExpired, tunnel.CodeRefreshFailed:
		return ConnectionAuthentication, "run 'mcp-tunnel auth login' to sign in again"
	default:
		return ConnectionOther, ""
	}
}

// connectionError decorates err with its classification, keeping it
// unwrappable for getExitCode.
func connectionError(err error) error {
	if err == nil {
		return nil
	}
	kind, hint := classifyConnectionError(err)
	if hint == "" {
		return fmt.Errorf("failed to open tunnel: %w", err)
	}
	return fmt.Errorf("failed to open tunnel (%s, %s): %w", kind, hint, err)
}
