package config

import (
	"time"

	"golang.org/x/oauth2"
)

// Config is the top-level configuration structure for mcp-tunnel.
type Config struct {
	// RelayURL is the WebSocket endpoint of the relay.
	RelayURL string `yaml:"relayURL"`

	// CredentialsPath overrides the credential file location.
	CredentialsPath string `yaml:"credentialsPath,omitempty"`

	Auth   AuthConfig   `yaml:"auth"`
	Tunnel TunnelConfig `yaml:"tunnel"`
	Log    LogConfig    `yaml:"log"`
}

// AuthConfig describes the device authorization server.
type AuthConfig struct {
	ClientID      string `yaml:"clientID"`
	DeviceAuthURL string `yaml:"deviceAuthURL"`
	TokenURL      string `yaml:"tokenURL"`
}

// Endpoint returns the OAuth endpoints.
func (a AuthConfig) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		DeviceAuthURL: a.DeviceAuthURL,
		TokenURL:      a.TokenURL,
		AuthStyle:     oauth2.AuthStyleInParams,
	}
}

// TunnelConfig holds connection timings. Durations use Go syntax ("10s").
type TunnelConfig struct {
	ConnectTimeout        time.Duration `yaml:"connectTimeout"`
	RequestTimeout        time.Duration `yaml:"requestTimeout"`
	HeartbeatInterval     time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout      time.Duration `yaml:"heartbeatTimeout"`
	ReconnectInitialDelay time.Duration `yaml:"reconnectInitialDelay"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnectMaxDelay"`
	MaxReconnectAttempts  int           `yaml:"maxReconnectAttempts"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}
