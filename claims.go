package accounts

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes access from refresh tokens
type TokenType string

const (
	TokenTypeAccess  TokenType = "ACCESS"
	TokenTypeRefresh TokenType = "REFRESH"
)

// TokenClaims is the claim set carried by both token types. Parent is only
// set on access tokens and holds the jti of the refresh token they were
// minted from.
type TokenClaims struct {
	jwt.RegisteredClaims
	Type      TokenType `json:"type"`
	AccountID string    `json:"id"`
	Parent    string    `json:"parent,omitempty"`
}

// TokenID returns the jti claim
func (c *TokenClaims) TokenID() string {
	return c.RegisteredClaims.ID
}

// Expires returns the expiration time
func (c *TokenClaims) Expires() time.Time {
	if c.RegisteredClaims.ExpiresAt != nil {
		return c.RegisteredClaims.ExpiresAt.Time
	}
	return time.Time{}
}

// Issued returns the issued at time
func (c *TokenClaims) Issued() time.Time {
	if c.RegisteredClaims.IssuedAt != nil {
		return c.RegisteredClaims.IssuedAt.Time
	}
	return time.Time{}
}

// IsAccess reports an access token
func (c *TokenClaims) IsAccess() bool {
	return c.Type == TokenTypeAccess
}

// IsRefresh reports a refresh token
func (c *TokenClaims) IsRefresh() bool {
	return c.Type == TokenTypeRefresh
}

// IssuedToken is a signed token together with the claims it carries
type IssuedToken struct {
	Token  string
	Claims *TokenClaims
}

// TokenPair is the response shape of login and refresh
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	// Rotated is set by refresh when a new refresh token replaced the presented one
	Rotated bool `json:"rotated"`
}
