package meta

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/repo"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

const (
	// stateTTL bounds how long an OAuth round trip may take.
	stateTTL = 300 * time.Second

	authEndpoint = "https://www.facebook.com/v19.0/dialog/oauth"
)

var (
	// ErrStateInvalid covers unknown, expired and replayed states alike; the
	// caller gets no distinction.
	ErrStateInvalid = errors.New("meta: oauth state invalid")
	// ErrConnectionNotFound means the connection id is unknown to the tenant.
	ErrConnectionNotFound = errors.New("meta: connection not found")
)

// Connection is one linked ad account. AccountID is the platform account the
// caller selected after the handshake; insight syncs skip connections that
// never bound one.
type Connection = contracts.Connection

// statePayload is what the opaque state encodes. The nonce is the server-side
// one-shot anchor; everything else is convenience for the callback.
type statePayload struct {
	TenantID  string    `json:"tenant"`
	UserID    string    `json:"user"`
	Redirect  string    `json:"redirect"`
	Nonce     string    `json:"nonce"`
	CreatedAt time.Time `json:"createdAt"`
}

// TokenExchanger swaps an authorization code for a long-lived token. The
// production implementation talks to the Graph API; tests stub it.
type TokenExchanger interface {
	Exchange(ctx context.Context, code, redirectURI string) (token string, expiresAt time.Time, err error)
}

// OAuth drives the connection handshake. Connections and nonces live in the
// shared store, so a connection made through the API process is visible to
// the worker's insight syncs.
type OAuth struct {
	clientID  string
	exchanger TokenExchanger
	vault     *Vault
	conns     repo.ConnectionRepo
	ids       *ulid.Factory
	clock     ulid.Clock
}

func NewOAuth(clientID string, exchanger TokenExchanger, vault *Vault, conns repo.ConnectionRepo, ids *ulid.Factory, clock ulid.Clock) *OAuth {
	return &OAuth{
		clientID:  clientID,
		exchanger: exchanger,
		vault:     vault,
		conns:     conns,
		ids:       ids,
		clock:     clock,
	}
}

// Start builds the platform auth URL and the opaque state for one handshake.
func (o *OAuth) Start(ctx context.Context, tenantID, userID, redirect string) (authURL, state string, err error) {
	nonce, err := newNonce()
	if err != nil {
		return "", "", err
	}
	now := o.clock.Now()

	// Expired nonces are rejected at consume time anyway; pruning just keeps
	// the table from growing on abandoned handshakes.
	if err := o.conns.PruneNonces(ctx, now.Add(-stateTTL)); err != nil {
		return "", "", fmt.Errorf("meta: prune nonces: %w", err)
	}
	if err := o.conns.SaveNonce(ctx, nonce, now); err != nil {
		return "", "", fmt.Errorf("meta: save nonce: %w", err)
	}

	payload, err := json.Marshal(statePayload{
		TenantID:  tenantID,
		UserID:    userID,
		Redirect:  redirect,
		Nonce:     nonce,
		CreatedAt: now,
	})
	if err != nil {
		return "", "", fmt.Errorf("meta: encode state: %w", err)
	}
	state = base64.RawURLEncoding.EncodeToString(payload)

	q := url.Values{
		"client_id":     {o.clientID},
		"redirect_uri":  {redirect},
		"state":         {state},
		"response_type": {"code"},
		"scope":         {"ads_management,ads_read"},
	}
	return authEndpoint + "?" + q.Encode(), state, nil
}

// Complete verifies the state (one shot), exchanges the code for a long-lived
// token, seals it, and records the connection.
func (o *OAuth) Complete(ctx context.Context, code, state string) (*Connection, error) {
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return nil, ErrStateInvalid
	}
	var payload statePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Nonce == "" {
		return nil, ErrStateInvalid
	}

	created, err := o.conns.ConsumeNonce(ctx, payload.Nonce)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrStateInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("meta: consume nonce: %w", err)
	}
	now := o.clock.Now()
	if now.Sub(created) > stateTTL {
		return nil, ErrStateInvalid
	}

	token, expiresAt, err := o.exchanger.Exchange(ctx, code, payload.Redirect)
	if err != nil {
		return nil, fmt.Errorf("meta: token exchange: %w", err)
	}
	sealed, err := o.vault.Seal(token)
	if err != nil {
		return nil, err
	}

	id, err := o.ids.New(now)
	if err != nil {
		return nil, fmt.Errorf("meta: connection id: %w", err)
	}
	conn := &Connection{
		ID:          "conn_" + string(id),
		TenantID:    payload.TenantID,
		UserID:      payload.UserID,
		SealedToken: sealed,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}
	if err := o.conns.Create(ctx, conn); err != nil {
		return nil, fmt.Errorf("meta: store connection: %w", err)
	}
	return sanitize(conn), nil
}

// List returns the tenant's connections, revoked ones included, newest last.
// Sealed tokens are stripped.
func (o *OAuth) List(ctx context.Context, tenantID string) ([]*Connection, error) {
	conns, err := o.conns.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]*Connection, len(conns))
	for i, c := range conns {
		out[i] = sanitize(c)
	}
	return out, nil
}

// Revoke destroys the sealed token behind the connection and stamps it
// revoked.
func (o *OAuth) Revoke(ctx context.Context, tenantID, connectionID string) error {
	conn, err := o.conns.Get(ctx, tenantID, connectionID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrConnectionNotFound
	}
	if err != nil {
		return err
	}
	if conn.RevokedAt == nil {
		now := o.clock.Now()
		conn.RevokedAt = &now
	}
	conn.SealedToken = ""
	return o.conns.Update(ctx, conn)
}

// BindAccount records the ad account a connection should sync against.
func (o *OAuth) BindAccount(ctx context.Context, tenantID, connectionID, accountID string) (*Connection, error) {
	conn, err := o.conns.Get(ctx, tenantID, connectionID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, err
	}
	if conn.RevokedAt != nil {
		return nil, ErrConnectionNotFound
	}
	conn.AccountID = accountID
	if err := o.conns.Update(ctx, conn); err != nil {
		return nil, err
	}
	return sanitize(conn), nil
}

// connection resolves an active connection for API calls, sealed token
// included. Package-internal on purpose.
func (o *OAuth) connection(ctx context.Context, tenantID, connectionID string) (*Connection, error) {
	conn, err := o.conns.Get(ctx, tenantID, connectionID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, err
	}
	if conn.RevokedAt != nil {
		return nil, ErrConnectionNotFound
	}
	return conn, nil
}

func sanitize(c *Connection) *Connection {
	cp := *c
	cp.SealedToken = ""
	return &cp
}

func newNonce() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("meta: nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
