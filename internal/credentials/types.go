package credentials

import (
	"time"

	"golang.org/x/oauth2"
)

// Tier is the account plan of the authenticated user.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierFree || t == TierPaid
}

// User identifies the account a credential belongs to.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Tier  Tier   `json:"tier"`
}

// Credential is the persisted authentication material.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         User
}

// OAuth2Token converts the credential to an oauth2.Token.
func (c *Credential) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.ExpiresAt,
	}
}

// credentialFile is the on-disk representation.
type credentialFile struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at"`
	User         User   `json:"user"`
}

func (c *Credential) toFile() credentialFile {
	return credentialFile{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		ExpiresAt:    c.ExpiresAt.UTC().Format(time.RFC3339Nano),
		User:         c.User,
	}
}
