package protocol

import (
	"fmt"
	"time"
)

// CloseCode is a WebSocket close status used by the relay.
type CloseCode int

const (
	CloseNormal               CloseCode = 1000
	CloseServerShutdown       CloseCode = 1001
	CloseAbnormal             CloseCode = 1006
	CloseUnauthorized         CloseCode = 4001
	CloseTokenExpired         CloseCode = 4002
	CloseTunnelLimitExceeded  CloseCode = 4003
	CloseTunnelExpired        CloseCode = 4004
	CloseAccountSuspended     CloseCode = 4005
	CloseSessionReplaced      CloseCode = 4006
	CloseConnectionInProgress CloseCode = 4007
)

// IsPermanent reports whether reconnecting after this code can never succeed.
func (c CloseCode) IsPermanent() bool {
	return c == CloseTunnelExpired || c == CloseAccountSuspended
}

// RequiresRefresh reports whether the credential must be refreshed before the
// next connection attempt.
func (c CloseCode) RequiresRefresh() bool {
	return c == CloseUnauthorized || c == CloseTokenExpired
}

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseServerShutdown:
		return "server shutdown"
	case CloseAbnormal:
		return "abnormal closure"
	case CloseUnauthorized:
		return "unauthorized"
	case CloseTokenExpired:
		return "token expired"
	case CloseTunnelLimitExceeded:
		return "tunnel limit exceeded"
	case CloseTunnelExpired:
		return "tunnel expired"
	case CloseAccountSuspended:
		return "account suspended"
	case CloseSessionReplaced:
		return "session replaced"
	case CloseConnectionInProgress:
		return "connection already in progress"
	default:
		return fmt.Sprintf("close code %d", int(c))
	}
}

// Timing defaults shared by client and relay.
const (
	DefaultConnectTimeout        = 10 * time.Second
	DefaultRequestTimeout        = 30 * time.Second
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultHeartbeatTimeout      = 10 * time.Second
	DefaultReconnectInitialDelay = 1 * time.Second
	DefaultReconnectMaxDelay     = 30 * time.Second
	DefaultMaxReconnectAttempts  = 10
)

// ClientIDHeader carries the per-process client instance id on the upgrade request.
const ClientIDHeader = "X-Tunnel-Client-ID"
