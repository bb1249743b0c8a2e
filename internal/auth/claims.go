package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of a bearer token accepted by AUTHENTICATE XOAUTH2.
type Claims struct {
	jwt.RegisteredClaims
}

// Expiry returns the token's expiration time, or the zero time if the token
// carries no exp claim.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// TokenID returns the jti claim used as the revocation key.
func (c *Claims) TokenID() string {
	return c.ID
}
