package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
	"github.com/yuyakodan/launch-test-system-sub002/pkg/ulid"
)

type movingClock struct{ t time.Time }

func (c *movingClock) Now() time.Time { return c.t }

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestIssueVerifyRoundTrip(t *testing.T) {
	clock := &movingClock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	s, err := NewSigner(testSecret, time.Hour, clock)
	require.NoError(t, err)

	token, err := s.Issue("u1", "t1", contracts.RoleOperator)
	require.NoError(t, err)

	claims, err := s.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)
	require.Equal(t, "t1", claims.TenantID)
	require.Equal(t, string(contracts.RoleOperator), claims.Role)
}

func TestVerifyExpired(t *testing.T) {
	clock := &movingClock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	s, err := NewSigner(testSecret, time.Hour, clock)
	require.NoError(t, err)

	token, err := s.Issue("u1", "t1", contracts.RoleViewer)
	require.NoError(t, err)

	clock.t = clock.t.Add(2 * time.Hour)
	_, err = s.Verify(token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyWrongSecret(t *testing.T) {
	clock := &movingClock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	a, err := NewSigner(testSecret, time.Hour, clock)
	require.NoError(t, err)
	b, err := NewSigner([]byte("ffffffffffffffffffffffffffffffff"), time.Hour, clock)
	require.NoError(t, err)

	token, err := a.Issue("u1", "t1", contracts.RoleOwner)
	require.NoError(t, err)
	_, err = b.Verify(token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestIssueRejectsIncomplete(t *testing.T) {
	s, err := NewSigner(testSecret, time.Hour, ulid.FixedClock{T: time.Now()})
	require.NoError(t, err)

	_, err = s.Issue("", "t1", contracts.RoleOwner)
	require.ErrorIs(t, err, ErrTokenIncomplete)
	_, err = s.Issue("u1", "t1", contracts.Role("superadmin"))
	require.ErrorIs(t, err, ErrTokenIncomplete)
}

func TestSignerRejectsShortSecret(t *testing.T) {
	_, err := NewSigner([]byte("short"), time.Hour, ulid.FixedClock{T: time.Now()})
	require.Error(t, err)
}

func TestPrincipalContext(t *testing.T) {
	_, err := FromContext(context.Background())
	require.ErrorIs(t, err, ErrNoPrincipal)

	p := PrincipalFromClaims(&Claims{UserID: "u1", TenantID: "t1", Role: "operator"})
	require.NotEmpty(t, p.RequestID)

	ctx := WithPrincipal(context.Background(), p)
	got, err := FromContext(ctx)
	require.NoError(t, err)
	require.Equal(t, "u1", got.UserID)

	tid, err := TenantID(ctx)
	require.NoError(t, err)
	require.Equal(t, "t1", tid)
}

func TestRateLimiterPerKey(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	require.True(t, rl.Allow("ip-a"))
	require.True(t, rl.Allow("ip-a"))
	require.False(t, rl.Allow("ip-a"))

	// Separate key, separate bucket.
	require.True(t, rl.Allow("ip-b"))
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(100, 1)
	require.True(t, rl.Allow("k"))
	require.False(t, rl.Allow("k"))
	time.Sleep(20 * time.Millisecond)
	require.True(t, rl.Allow("k"))
}
