package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestValidator(t *testing.T, revoked RevocationList) *JWTValidator {
	t.Helper()
	v, err := NewJWTValidator(JWTConfig{Secret: testSecret, Issuer: "imapd"}, revoked)
	if err != nil {
		t.Fatalf("NewJWTValidator() error = %v", err)
	}
	return v
}

func TestNewJWTValidator(t *testing.T) {
	t.Run("short secret", func(t *testing.T) {
		_, err := NewJWTValidator(JWTConfig{Secret: "short"}, nil)
		if !errors.Is(err, ErrInvalidSecretLength) {
			t.Errorf("err = %v, want ErrInvalidSecretLength", err)
		}
	})

	t.Run("default ttl", func(t *testing.T) {
		v, err := NewJWTValidator(JWTConfig{Secret: testSecret}, nil)
		if err != nil {
			t.Fatalf("NewJWTValidator() error = %v", err)
		}
		if v.config.TTL != time.Hour {
			t.Errorf("TTL = %v, want 1h", v.config.TTL)
		}
	})
}

func TestIssue(t *testing.T) {
	v := newTestValidator(t, nil)

	token, claims, err := v.Issue("alice@example.com", 0)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Errorf("token %q is not a compact JWS", token)
	}
	if claims.Subject != "alice@example.com" {
		t.Errorf("Subject = %q", claims.Subject)
	}
	if claims.TokenID() == "" {
		t.Error("issued token should carry a jti")
	}
	if lifetime := claims.Expiry().Sub(claims.IssuedAt.Time); lifetime != time.Hour {
		t.Errorf("lifetime = %v, want 1h", lifetime)
	}
}

func TestValidate(t *testing.T) {
	v := newTestValidator(t, nil)
	token, _, err := v.Issue("alice@example.com", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	other, err := NewJWTValidator(JWTConfig{Secret: strings.Repeat("x", 32), Issuer: "imapd"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	forged, _, err := other.Issue("alice@example.com", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		credential string
		wantErr    error
	}{
		{name: "raw token", credential: token},
		{name: "xoauth2 response", credential: EncodeXOAUTH2("alice@example.com", token)},
		{name: "xoauth2 without user", credential: EncodeXOAUTH2("", token)},
		{name: "xoauth2 user mismatch", credential: EncodeXOAUTH2("bob@example.com", token), wantErr: ErrInvalidToken},
		{name: "wrong secret", credential: forged, wantErr: ErrInvalidToken},
		{name: "garbage", credential: "not-a-token", wantErr: ErrInvalidToken},
		{name: "empty", credential: "", wantErr: ErrInvalidToken},
		{name: "truncated", credential: token[:len(token)-4], wantErr: ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.Validate(context.Background(), tt.credential)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if claims.Subject != "alice@example.com" {
				t.Errorf("Subject = %q", claims.Subject)
			}
		})
	}
}

func TestValidate_Expired(t *testing.T) {
	v := newTestValidator(t, nil)
	issuedAt := time.Now().Add(-2 * time.Hour)
	v.now = func() time.Time { return issuedAt }

	token, _, err := v.Issue("alice@example.com", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	v.now = time.Now
	if _, err := v.Validate(context.Background(), token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Validate() error = %v, want ErrExpiredToken", err)
	}
}

func TestValidate_Leeway(t *testing.T) {
	v, err := NewJWTValidator(JWTConfig{Secret: testSecret, Leeway: time.Minute}, nil)
	if err != nil {
		t.Fatal(err)
	}
	issuedAt := time.Now().Add(-time.Hour - 10*time.Second)
	v.now = func() time.Time { return issuedAt }
	token, _, err := v.Issue("alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	v.now = time.Now
	if _, err := v.Validate(context.Background(), token); err != nil {
		t.Errorf("Validate() within leeway error = %v", err)
	}
}

func TestValidate_RequiresExpiry(t *testing.T) {
	v := newTestValidator(t, nil)

	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", Issuer: "imapd"}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v.Validate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestValidate_RejectsOtherAlgorithms(t *testing.T) {
	v := newTestValidator(t, nil)

	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "imapd",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v.Validate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestValidate_WrongIssuer(t *testing.T) {
	issuer, err := NewJWTValidator(JWTConfig{Secret: testSecret, Issuer: "someone-else"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := issuer.Issue("alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	v := newTestValidator(t, nil)
	if _, err := v.Validate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestRevoke(t *testing.T) {
	list := NewMemoryRevocationList()
	v := newTestValidator(t, list)

	token, _, err := v.Issue("alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Validate(context.Background(), token); err != nil {
		t.Fatalf("Validate() before revoke error = %v", err)
	}

	claims, err := v.Revoke(context.Background(), token)
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if claims.Subject != "alice" {
		t.Errorf("Revoke() Subject = %q", claims.Subject)
	}

	if _, err := v.Validate(context.Background(), token); !errors.Is(err, ErrRevokedToken) {
		t.Errorf("Validate() after revoke error = %v, want ErrRevokedToken", err)
	}
}

func TestRevoke_WithoutList(t *testing.T) {
	v := newTestValidator(t, nil)
	token, _, err := v.Issue("alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Revoke(context.Background(), token); err == nil {
		t.Error("Revoke() without a revocation list should fail")
	}
}

type unavailableList struct{}

func (unavailableList) IsRevoked(context.Context, string) (bool, error) {
	return false, ErrRevocationUnavailable
}

func (unavailableList) Revoke(context.Context, string, time.Time) error {
	return ErrRevocationUnavailable
}

func TestValidate_FailsClosed(t *testing.T) {
	v := newTestValidator(t, unavailableList{})
	token, _, err := v.Issue("alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v.Validate(context.Background(), token); !errors.Is(err, ErrRevocationUnavailable) {
		t.Errorf("Validate() error = %v, want ErrRevocationUnavailable", err)
	}
}
