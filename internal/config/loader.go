package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/mcp-tunnel/pkg/logging"
)

const (
	userConfigDir  = ".config/mcp-tunnel"
	configFileName = "config.yaml"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "MCP_TUNNEL_"

	defaultEnvFile = ".env"
)

// LookupFunc reports the value of an environment variable.
type LookupFunc func(key string) (string, bool)

// LoadOptions controls where Load reads from.
type LoadOptions struct {
	// ConfigFile is the YAML file. Empty means ~/.config/mcp-tunnel/config.yaml;
	// a missing default file is not an error, a missing explicit one is.
	ConfigFile string

	// EnvFile is the dotenv file. Empty means ".env" or MCP_TUNNEL_ENV_FILE.
	EnvFile string

	// Lookup reads the process environment. Defaults to os.LookupEnv.
	Lookup LookupFunc
}

// DefaultConfigFile returns ~/.config/mcp-tunnel/config.yaml.
func DefaultConfigFile() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

// Load builds the configuration from defaults, the YAML file, the dotenv file
// and the environment. The result is not validated.
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()

	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	configFile := opts.ConfigFile
	explicit := configFile != ""
	if !explicit {
		var err error
		configFile, err = DefaultConfigFile()
		if err != nil {
			return Config{}, err
		}
	}

	// #nosec G304 -- the path is chosen by the local user
	data, err := os.ReadFile(configFile)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("error loading config from %s: %w", configFile, err)
		}
		logging.Debug("ConfigLoader", "Loaded configuration from %s", configFile)
	case errors.Is(err, os.ErrNotExist) && !explicit:
		logging.Debug("ConfigLoader", "No config file at %s, using defaults", configFile)
	default:
		return Config{}, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	dotenv, err := readEnvFile(opts.EnvFile, lookup)
	if err != nil {
		return Config{}, err
	}

	get := func(name string) (string, bool) {
		key := EnvPrefix + name
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}

	if err := applyEnv(&cfg, get); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// readEnvFile parses the dotenv file without modifying the process environment.
func readEnvFile(path string, lookup LookupFunc) (map[string]string, error) {
	explicit := path != ""
	if !explicit {
		if v, ok := lookup(EnvPrefix + "ENV_FILE"); ok && v != "" {
			path, explicit = v, true
		} else {
			path = defaultEnvFile
		}
	}

	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("error reading env file %s: %w", path, err)
	}
	logging.Debug("ConfigLoader", "Loaded %d values from %s", len(values), path)
	return values, nil
}

func applyEnv(cfg *Config, get func(string) (string, bool)) error {
	stringVars := map[string]*string{
		"RELAY_URL":        &cfg.RelayURL,
		"CREDENTIALS_PATH": &cfg.CredentialsPath,
		"CLIENT_ID":        &cfg.Auth.ClientID,
		"DEVICE_AUTH_URL":  &cfg.Auth.DeviceAuthURL,
		"TOKEN_URL":        &cfg.Auth.TokenURL,
		"LOG_LEVEL":        &cfg.Log.Level,
		"LOG_FORMAT":       &cfg.Log.Format,
	}
	for name, target := range stringVars {
		if v, ok := get(name); ok {
			*target = v
		}
	}

	durations := map[string]*time.Duration{
		"CONNECT_TIMEOUT":         &cfg.Tunnel.ConnectTimeout,
		"REQUEST_TIMEOUT":         &cfg.Tunnel.RequestTimeout,
		"HEARTBEAT_INTERVAL":      &cfg.Tunnel.HeartbeatInterval,
		"HEARTBEAT_TIMEOUT":       &cfg.Tunnel.HeartbeatTimeout,
		"RECONNECT_INITIAL_DELAY": &cfg.Tunnel.ReconnectInitialDelay,
		"RECONNECT_MAX_DELAY":     &cfg.Tunnel.ReconnectMaxDelay,
	}
	for name, target := range durations {
		v, ok := get(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*target = d
	}

	if v, ok := get("MAX_RECONNECT_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_RECONNECT_ATTEMPTS: %w", EnvPrefix, err)
		}
		cfg.Tunnel.MaxReconnectAttempts = n
	}
	return nil
}
