package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_DefaultsWhenNothingConfigured(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	cfg, err := Load(LoadOptions{
		EnvFile: "",
		Lookup:  envMap(map[string]string{EnvPrefix + "ENV_FILE": ""}),
	})
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
relayURL: ws://localhost:9000/tunnel
auth:
  clientID: custom-client
tunnel:
  connectTimeout: 3s
  maxReconnectAttempts: 2
log:
  level: debug
  format: json
`)

	_, err := Load(LoadOptions{
		ConfigFile: path,
		EnvFile:    filepath.Join(dir, "missing.env"),
		Lookup:     envMap(nil),
	})
	// an explicit env file that does not exist is an error
	require.Error(t, err)

	writeFile(t, dir, "empty.env", "")
	cfg, err := Load(LoadOptions{
		ConfigFile: path,
		EnvFile:    filepath.Join(dir, "empty.env"),
		Lookup:     envMap(nil),
	})
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:9000/tunnel", cfg.RelayURL)
	assert.Equal(t, "custom-client", cfg.Auth.ClientID)
	assert.Equal(t, DefaultTokenURL, cfg.Auth.TokenURL)
	assert.Equal(t, 3*time.Second, cfg.Tunnel.ConnectTimeout)
	assert.Equal(t, 2, cfg.Tunnel.MaxReconnectAttempts)
	assert.Equal(t, Default().Tunnel.HeartbeatInterval, cfg.Tunnel.HeartbeatInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_ExplicitConfigMissing(t *testing.T) {
	_, err := Load(LoadOptions{
		ConfigFile: filepath.Join(t.TempDir(), "nope.yaml"),
		Lookup:     envMap(nil),
	})
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "relayURL: [unterminated")

	_, err := Load(LoadOptions{ConfigFile: path, Lookup: envMap(nil)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading config")
}

func TestLoad_EnvOverridesDotenvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "config.yaml", `
relayURL: ws://from-yaml/tunnel
auth:
  clientID: yaml-client
`)
	envPath := writeFile(t, dir, "test.env", `
MCP_TUNNEL_RELAY_URL=ws://from-dotenv/tunnel
MCP_TUNNEL_CLIENT_ID=dotenv-client
MCP_TUNNEL_CONNECT_TIMEOUT=7s
`)

	cfg, err := Load(LoadOptions{
		ConfigFile: configPath,
		EnvFile:    envPath,
		Lookup: envMap(map[string]string{
			"MCP_TUNNEL_RELAY_URL":              "ws://from-env/tunnel",
			"MCP_TUNNEL_MAX_RECONNECT_ATTEMPTS": "0",
			"MCP_TUNNEL_LOG_LEVEL":              "warn",
		}),
	})
	require.NoError(t, err)

	assert.Equal(t, "ws://from-env/tunnel", cfg.RelayURL)
	assert.Equal(t, "dotenv-client", cfg.Auth.ClientID)
	assert.Equal(t, 7*time.Second, cfg.Tunnel.ConnectTimeout)
	assert.Equal(t, 0, cfg.Tunnel.MaxReconnectAttempts)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_EnvFileFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	envPath := writeFile(t, dir, "custom.env", "MCP_TUNNEL_CREDENTIALS_PATH=/tmp/creds.json\n")
	configPath := writeFile(t, dir, "config.yaml", "")

	cfg, err := Load(LoadOptions{
		ConfigFile: configPath,
		Lookup:     envMap(map[string]string{"MCP_TUNNEL_ENV_FILE": envPath}),
	})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/creds.json", cfg.CredentialsPath)
}

func TestLoad_InvalidEnvValues(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "config.yaml", "")
	envPath := writeFile(t, dir, "empty.env", "")

	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"MCP_TUNNEL_CONNECT_TIMEOUT": "soon"}},
		{"bad attempts", map[string]string{"MCP_TUNNEL_MAX_RECONNECT_ATTEMPTS": "many"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(LoadOptions{ConfigFile: configPath, EnvFile: envPath, Lookup: envMap(tt.env)})
			require.Error(t, err)
			assert.Contains(t, err.Error(), EnvPrefix)
		})
	}
}

func TestAuthConfig_Endpoint(t *testing.T) {
	ep := Default().Auth.Endpoint()
	assert.Equal(t, DefaultDeviceAuthURL, ep.DeviceAuthURL)
	assert.Equal(t, DefaultTokenURL, ep.TokenURL)
}
