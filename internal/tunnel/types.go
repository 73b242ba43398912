package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-tunnel/internal/credentials"
	"github.com/giantswarm/mcp-tunnel/internal/deviceauth"
	"github.com/giantswarm/mcp-tunnel/pkg/protocol"
)

// State is the connection state of a Client.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CredentialStore is the subset of credentials.Store the client needs.
type CredentialStore interface {
	Load() *credentials.Credential
	Save(*credentials.Credential) error
	Clear() error
	IsExpired(*credentials.Credential) bool
}

// TokenRefresher exchanges a refresh token. Implemented by *deviceauth.Client.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*deviceauth.TokenResponse, error)
}

// Request is a call forwarded by the relay.
type Request struct {
	ID      string
	Method  string
	Path    string
	Headers map[string]string
	Body    json.RawMessage
}

// Response is returned by a Handler.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       json.RawMessage
}

// Handler serves forwarded requests. A returned error, or a panic, is sent to
// the relay as a 500 response.
type Handler interface {
	ServeTunnel(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// ServeTunnel calls f(ctx, req).
func (f HandlerFunc) ServeTunnel(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// EventType discriminates Event.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventURLChanged
	EventRequest
	EventReconnecting
	// EventError is non-fatal; the session continues.
	EventError
	// EventFatal ends the session; no reconnect follows.
	EventFatal
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventURLChanged:
		return "url_changed"
	case EventRequest:
		return "request"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	case EventFatal:
		return "fatal"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event reports something that happened on the tunnel. Only the fields
// relevant to Type are set.
type Event struct {
	Type EventType
	Time time.Time

	// URL is the current tunnel URL for EventConnected and EventURLChanged.
	URL string
	// OldURL is set for EventURLChanged.
	OldURL string

	// CloseCode and Reason are set for EventDisconnected and EventReconnecting.
	CloseCode protocol.CloseCode
	Reason    string

	// Attempt and Delay are set for EventReconnecting.
	Attempt int
	Delay   time.Duration

	// Request is set for EventRequest.
	Request *Request

	// Err is set for EventError and EventFatal.
	Err error
}
