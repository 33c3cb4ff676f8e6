package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
)

// ErrNoPrincipal means the context carries no authenticated caller.
var ErrNoPrincipal = errors.New("auth: no principal in context")

// Principal is the authenticated caller of one request.
type Principal struct {
	UserID    string
	TenantID  string
	Role      contracts.Role
	RequestID string
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches the caller to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext retrieves the caller.
func FromContext(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(principalKey).(*Principal)
	if !ok || p == nil {
		return nil, ErrNoPrincipal
	}
	return p, nil
}

// TenantID is a shorthand for handlers that only need the tenant binding.
func TenantID(ctx context.Context) (string, error) {
	p, err := FromContext(ctx)
	if err != nil {
		return "", err
	}
	return p.TenantID, nil
}

// PrincipalFromClaims builds the request principal, assigning a fresh request
// id when the token carries none.
func PrincipalFromClaims(c *Claims) *Principal {
	reqID := c.RequestID
	if reqID == "" {
		reqID = NewRequestID()
	}
	return &Principal{
		UserID:    c.UserID,
		TenantID:  c.TenantID,
		Role:      contracts.Role(c.Role),
		RequestID: reqID,
	}
}

// NewRequestID mints a correlation id for one request.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}
