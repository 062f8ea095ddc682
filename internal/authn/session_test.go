package authn

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *SessionManager {
	t.Helper()
	sm, err := NewSessionManager(GenerateDevSecret(), time.Minute)
	require.NoError(t, err)
	return sm
}

func TestIssueValidateRoundTrip(t *testing.T) {
	sm := newTestManager(t)

	token, err := sm.IssueToken(SessionClaims{OwnerID: "owner-1", Email: "a@example.com", Role: RoleOwner})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := sm.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "owner-1", claims.OwnerID)
	require.Equal(t, RoleOwner, claims.Role)
}

func TestValidateTokenFailsIdenticallyRegardlessOfCause(t *testing.T) {
	sm := newTestManager(t)

	token, err := sm.IssueToken(SessionClaims{OwnerID: "owner-1"})
	require.NoError(t, err)

	_, err = sm.ValidateToken("not-even-a-jwt")
	require.ErrorIs(t, err, ErrInvalidSession)

	otherSM := newTestManager(t)
	_, err = otherSM.ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidSession)

	expired, err := NewSessionManager(GenerateDevSecret(), -time.Minute)
	require.NoError(t, err)
	expiredToken, err := expired.IssueToken(SessionClaims{OwnerID: "owner-1"})
	require.NoError(t, err)
	_, err = expired.ValidateToken(expiredToken)
	require.ErrorIs(t, err, ErrInvalidSession)

	// Tampering with the payload segment must fail the same way as a bad
	// signature, not surface a distinct "parse" vs "verify" error.
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "x" + "." + parts[2]
	_, err = sm.ValidateToken(tampered)
	require.ErrorIs(t, err, ErrInvalidSession)
}
