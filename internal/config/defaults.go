package config

import "github.com/giantswarm/mcp-tunnel/pkg/protocol"

const (
	// DefaultRelayURL is the public relay.
	DefaultRelayURL = "wss://relay.mcp-tunnel.dev/tunnel"

	// DefaultClientID identifies the CLI to the authorization server.
	DefaultClientID = "mcp-tunnel-cli"

	DefaultDeviceAuthURL = "https://auth.mcp-tunnel.dev/oauth/device/code"
	DefaultTokenURL      = "https://auth.mcp-tunnel.dev/oauth/token"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		RelayURL: DefaultRelayURL,
		Auth: AuthConfig{
			ClientID:      DefaultClientID,
			DeviceAuthURL: DefaultDeviceAuthURL,
			TokenURL:      DefaultTokenURL,
		},
		Tunnel: TunnelConfig{
			ConnectTimeout:        protocol.DefaultConnectTimeout,
			RequestTimeout:        protocol.DefaultRequestTimeout,
			HeartbeatInterval:     protocol.DefaultHeartbeatInterval,
			HeartbeatTimeout:      protocol.DefaultHeartbeatTimeout,
			ReconnectInitialDelay: protocol.DefaultReconnectInitialDelay,
			ReconnectMaxDelay:     protocol.DefaultReconnectMaxDelay,
			MaxReconnectAttempts:  protocol.DefaultMaxReconnectAttempts,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
