package deviceauth

import (
	"time"

	"github.com/giantswarm/mcp-tunnel/internal/credentials"
)

// DeviceAuthorization is the response of the device authorization endpoint.
// It is never persisted.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	// ExpiresIn is the lifetime of the device code in seconds.
	ExpiresIn int `json:"expires_in"`
	// Interval is the minimum number of seconds between polls.
	Interval int `json:"interval"`
}

// BrowserURI returns the URI the user should open, preferring the one with the
// user code embedded.
func (d *DeviceAuthorization) BrowserURI() string {
	if d.VerificationURIComplete != "" {
		return d.VerificationURIComplete
	}
	return d.VerificationURI
}

// TokenUser is the account information returned with a token.
type TokenUser struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Tier       string `json:"tier"`
	CustomSlug string `json:"customSlug,omitempty"`
}

// TokenResponse is a successful token endpoint response.
type TokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	RefreshToken string    `json:"refresh_token"`
	User         TokenUser `json:"user"`
}

// Credential converts the response into a storable credential, with the
// expiry computed relative to now.
func (t *TokenResponse) Credential(now time.Time) *credentials.Credential {
	return &credentials.Credential{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(t.ExpiresIn) * time.Second).UTC().Truncate(time.Second),
		User: credentials.User{
			ID:    t.User.ID,
			Email: t.User.Email,
			Tier:  credentials.Tier(t.User.Tier),
		},
	}
}

// oauthError is the error body of the token and device endpoints.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}
