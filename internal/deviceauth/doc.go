// Package deviceauth implements the OAuth 2.0 device authorization grant
// (RFC 8628) against the mcp-tunnel authorization server, plus token refresh.
//
// The flow has three steps:
//
//  1. RequestDeviceCode obtains a device code and a short user code.
//  2. The user opens the verification URI in a browser and enters the code.
//  3. PollForToken polls the token endpoint until the user approved, denied,
//     or the code expired.
//
// Login runs all three. RefreshToken exchanges a refresh token for a new
// access token.
//
// No call is retried at the HTTP level. One-shot calls time out after 10
// seconds and each poll attempt after 5 seconds. Failures are returned as
// *DeviceFlowError carrying a machine-readable ErrorCode.
package deviceauth
