// Package logging provides the structured logging facade used across mcp-tunnel.
//
// It is a thin layer over the standard slog package. Every entry carries a
// subsystem attribute so output from the tunnel client, the credential store
// and the device authorization client can be filtered independently.
//
// # Usage
//
//	logging.Init(logging.LevelInfo, logging.FormatText, os.Stderr)
//
//	logging.Info("Tunnel", "Connected to %s", relayURL)
//	logging.Warn("Credentials", "Stored credential is invalid")
//	logging.Error("Tunnel", err, "Reconnect attempt %d failed", attempt)
//
// Components that accept an *slog.Logger (for example through a functional
// option) obtain one bound to their subsystem with For:
//
//	logger := logging.For("DeviceAuth")
//	logger.Debug("Polling token endpoint", "interval", interval)
//
// # Audit Logging
//
// Credential lifecycle events (stored, loaded, cleared, refreshed) are written
// with Audit at INFO level and prefixed with SECURITY_AUDIT so log aggregation
// can pick them up. Token values are never logged.
//
// # Thread Safety
//
// All functions are safe for concurrent use. Init is expected to be called once
// at process start, before any goroutine logs.
package logging
