// Package auth handles bearer tokens, the request principal, and request
// rate limiting. Tokens are HS256 JWTs whose payload carries the user, the
// tenant binding, the role and a request correlation id.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

var (
	// ErrTokenInvalid covers malformed, mis-signed and expired tokens.
	ErrTokenInvalid = errors.New("auth: token invalid")
	// ErrTokenIncomplete means the token verified but lacks a required claim.
	ErrTokenIncomplete = errors.New("auth: token incomplete")
)

// Claims is the JWT payload. Role is re-checked against the membership row on
// sensitive operations; the token value is a fast path, not the authority.
type Claims struct {
	jwt.RegisteredClaims
	UserID    string `json:"userId"`
	TenantID  string `json:"tenantId"`
	Role      string `json:"role"`
	RequestID string `json:"requestId,omitempty"`
}

// Signer issues and verifies tokens with a shared HS256 secret.
type Signer struct {
	secret []byte
	ttl    time.Duration
	clock  ulid.Clock
}

const defaultTokenTTL = 12 * time.Hour

func NewSigner(secret []byte, ttl time.Duration, clock ulid.Clock) (*Signer, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth: signing secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Signer{secret: secret, ttl: ttl, clock: clock}, nil
}

// Issue mints a token for one principal.
func (s *Signer) Issue(userID, tenantID string, role contracts.Role) (string, error) {
	if userID == "" || tenantID == "" || !role.Valid() {
		return "", fmt.Errorf("%w: user, tenant and role are required", ErrTokenIncomplete)
	}
	now := s.clock.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		UserID:   userID,
		TenantID: tenantID,
		Role:     string(role),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns its claims. The signing method is pinned
// to HS256; anything else fails closed.
func (s *Signer) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock.Now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.UserID == "" || claims.TenantID == "" {
		return nil, fmt.Errorf("%w: user and tenant bindings are required", ErrTokenIncomplete)
	}
	if !contracts.Role(claims.Role).Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrTokenIncomplete, claims.Role)
	}
	return claims, nil
}
