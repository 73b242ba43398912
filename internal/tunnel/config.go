package tunnel

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/giantswarm/mcp-tunnel/pkg/protocol"
)

// DefaultEventBuffer is the capacity of the Events channel.
const DefaultEventBuffer = 64

// Config configures a Client. Zero durations fall back to the protocol defaults.
type Config struct {
	// RelayURL is the ws:// or wss:// endpoint of the relay.
	RelayURL string

	Credentials CredentialStore
	Refresher   TokenRefresher
	Handler     Handler

	// Header is sent with every upgrade request in addition to the
	// authorization and client id headers.
	Header http.Header

	// Dialer defaults to a gorilla dialer honouring proxy environment variables.
	Dialer *websocket.Dialer

	ConnectTimeout        time.Duration
	RequestTimeout        time.Duration
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration

	// MaxReconnectAttempts defaults to protocol.DefaultMaxReconnectAttempts.
	// Negative disables reconnection.
	MaxReconnectAttempts int

	EventBuffer int

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = protocol.DefaultConnectTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = protocol.DefaultRequestTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = protocol.DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = protocol.DefaultHeartbeatTimeout
	}
	if c.ReconnectInitialDelay == 0 {
		c.ReconnectInitialDelay = protocol.DefaultReconnectInitialDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = protocol.DefaultReconnectMaxDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = protocol.DefaultMaxReconnectAttempts
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.ConnectTimeout,
		}
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.RelayURL == "" {
		errs = append(errs, errors.New("relay URL is required"))
	}
	if c.Credentials == nil {
		errs = append(errs, errors.New("credential store is required"))
	}
	if c.Handler == nil {
		errs = append(errs, errors.New("handler is required"))
	}
	return errors.Join(errs...)
}
