package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/mcp-tunnel/pkg/logging"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

func (ve *ValidationErrors) add(field string, value interface{}, format string, args ...interface{}) {
	*ve = append(*ve, ValidationError{Field: field, Value: value, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the configuration and returns ValidationErrors listing every
// problem, or nil.
func (c Config) Validate() error {
	var errs ValidationErrors

	validateURL(&errs, "relayURL", c.RelayURL, "ws", "wss")
	if c.Auth.ClientID == "" {
		errs.add("auth.clientID", c.Auth.ClientID, "is required")
	}
	validateURL(&errs, "auth.deviceAuthURL", c.Auth.DeviceAuthURL, "http", "https")
	validateURL(&errs, "auth.tokenURL", c.Auth.TokenURL, "http", "https")

	durations := []struct {
		field string
		value time.Duration
	}{
		{"tunnel.connectTimeout", c.Tunnel.ConnectTimeout},
		{"tunnel.requestTimeout", c.Tunnel.RequestTimeout},
		{"tunnel.heartbeatInterval", c.Tunnel.HeartbeatInterval},
		{"tunnel.heartbeatTimeout", c.Tunnel.HeartbeatTimeout},
		{"tunnel.reconnectInitialDelay", c.Tunnel.ReconnectInitialDelay},
		{"tunnel.reconnectMaxDelay", c.Tunnel.ReconnectMaxDelay},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs.add(d.field, d.value, "must be positive")
		}
	}
	if c.Tunnel.ReconnectMaxDelay < c.Tunnel.ReconnectInitialDelay {
		errs.add("tunnel.reconnectMaxDelay", c.Tunnel.ReconnectMaxDelay, "must not be less than reconnectInitialDelay")
	}
	if c.Tunnel.MaxReconnectAttempts < 0 {
		errs.add("tunnel.maxReconnectAttempts", c.Tunnel.MaxReconnectAttempts, "must not be negative")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs.add("log.level", c.Log.Level, "must be one of debug, info, warn, error")
	}
	switch logging.Format(c.Log.Format) {
	case logging.FormatText, logging.FormatJSON:
	default:
		errs.add("log.format", c.Log.Format, "must be text or json")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateURL(errs *ValidationErrors, field, raw string, schemes ...string) {
	if raw == "" {
		errs.add(field, raw, "is required")
		return
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		errs.add(field, raw, "is not a valid URL")
		return
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return
		}
	}
	errs.add(field, raw, "scheme must be one of %s", strings.Join(schemes, ", "))
}
