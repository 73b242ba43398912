// Package tunnel implements the client side of the reverse tunnel.
//
// A Client dials the relay over a WebSocket carrying the stored access token,
// waits for the relay to announce the public tunnel URL, and then serves
// forwarded requests through a Handler until the connection ends.
//
// # Lifecycle
//
// The client moves through Idle, Connecting, Open and Closing. Connect returns
// once the relay sent tunnel_established. When the connection drops, the
// client reconnects with exponential backoff and jitter unless:
//
//   - Disconnect was called
//   - the close code is permanent (tunnel expired, account suspended)
//   - the maximum number of attempts was reached
//
// Close codes 4001 and 4002 refresh the credential before the next attempt. If
// the refresh token is rejected the stored credential is cleared and a fatal
// session_expired error is reported.
//
// # Events
//
// Everything that happens after Connect returns is reported on the Events
// channel: connections, disconnections, URL changes, forwarded requests,
// scheduled reconnects, non-fatal errors and the final fatal error. Events are
// dropped, with a warning, if the consumer falls behind the channel buffer.
//
// # Heartbeat
//
// The relay pings the client. Every inbound frame extends the read deadline to
// HeartbeatInterval + HeartbeatTimeout; a silent connection is treated as an
// abnormal closure and reconnected.
package tunnel
