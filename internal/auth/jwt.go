// Package auth validates the bearer tokens presented through
// AUTHENTICATE XOAUTH2 and manages their revocation.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Common errors for token operations.
var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token has expired")
	ErrRevokedToken        = errors.New("token has been revoked")
	ErrTokenSigningFailed  = errors.New("failed to sign token")
	ErrInvalidSecretLength = errors.New("JWT secret must be at least 32 characters")
)

// MinSecretLength is the shortest accepted HMAC secret.
const MinSecretLength = 32

// DefaultTokenTTL is the lifetime of issued tokens when none is configured.
const DefaultTokenTTL = time.Hour

// JWTConfig holds configuration for token signing and validation.
type JWTConfig struct {
	// Secret is the HMAC signing key. Must be at least 32 characters.
	Secret string

	// Issuer is set on issued tokens and, when non-empty, required on
	// validated ones.
	Issuer string

	// TTL is the default lifetime of issued tokens.
	TTL time.Duration

	// Leeway tolerates clock skew when checking exp and nbf.
	Leeway time.Duration
}

// JWTValidator checks HS256 bearer tokens and consults an optional
// revocation list. It is safe for concurrent use.
type JWTValidator struct {
	config  JWTConfig
	revoked RevocationList
	now     func() time.Time
}

// NewJWTValidator creates a validator. revoked may be nil, in which case
// tokens are never considered revoked.
func NewJWTValidator(config JWTConfig, revoked RevocationList) (*JWTValidator, error) {
	if len(config.Secret) < MinSecretLength {
		return nil, ErrInvalidSecretLength
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTokenTTL
	}

	return &JWTValidator{
		config:  config,
		revoked: revoked,
		now:     time.Now,
	}, nil
}

// Issue signs a new token for subject. A non-positive ttl uses the
// configured default.
func (v *JWTValidator) Issue(subject string, ttl time.Duration) (string, *Claims, error) {
	if ttl <= 0 {
		ttl = v.config.TTL
	}
	now := v.now()

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    v.config.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(v.config.Secret))
	if err != nil {
		return "", nil, ErrTokenSigningFailed
	}
	return signed, claims, nil
}

// Parse verifies the signature and time claims of a compact JWT without
// consulting the revocation list.
func (v *JWTValidator) Parse(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.config.Leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.config.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.config.Secret), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Validate accepts either a raw JWT or a base64 XOAUTH2 initial response
// and returns the token's claims. When the XOAUTH2 response names a user it
// must match the token subject.
func (v *JWTValidator) Validate(ctx context.Context, credential string) (*Claims, error) {
	tokenString, user, err := bearerToken(credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, err := v.Parse(tokenString)
	if err != nil {
		return nil, err
	}

	if user != "" && claims.Subject != "" && user != claims.Subject {
		return nil, fmt.Errorf("%w: user %q does not match token subject", ErrInvalidToken, user)
	}

	if v.revoked != nil && claims.ID != "" {
		revoked, err := v.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, ErrRevokedToken
		}
	}

	return claims, nil
}

// Revoke adds a token to the revocation list until it would have expired.
func (v *JWTValidator) Revoke(ctx context.Context, tokenString string) (*Claims, error) {
	if v.revoked == nil {
		return nil, errors.New("revocation list is not configured")
	}

	claims, err := v.Parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: token has no jti claim", ErrInvalidToken)
	}

	if err := v.revoked.Revoke(ctx, claims.ID, claims.Expiry()); err != nil {
		return nil, fmt.Errorf("failed to revoke token: %w", err)
	}
	return claims, nil
}
