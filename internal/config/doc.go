// Package config loads the mcp-tunnel configuration.
//
// Values are layered, later layers winning:
//
//  1. built-in defaults
//  2. ~/.config/mcp-tunnel/config.yaml, or the file given with --config
//  3. a .env file in the working directory (or the one named by MCP_TUNNEL_ENV_FILE)
//  4. MCP_TUNNEL_* environment variables
//  5. command line flags, applied by the cmd package
//
// Process environment variables take precedence over the .env file.
//
// # Example config.yaml
//
//	relayURL: wss://relay.mcp-tunnel.dev/tunnel
//	auth:
//	  clientID: mcp-tunnel-cli
//	tunnel:
//	  connectTimeout: 10s
//	  maxReconnectAttempts: 10
//	log:
//	  level: debug
//	  format: json
//
// The loaded Config is passed explicitly to the components that need it;
// nothing reads configuration from globals.
package config
