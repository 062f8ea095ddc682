package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenLookupRoundTrip(t *testing.T) {
	m := NewManager(time.Minute, nil)
	token, err := m.Open("owner-1", []byte("derived-key"))
	require.NoError(t, err)

	key, ok := m.Lookup("owner-1", token)
	require.True(t, ok)
	require.Equal(t, []byte("derived-key"), key)
}

func TestLookupRejectsWrongOwner(t *testing.T) {
	m := NewManager(time.Minute, nil)
	token, err := m.Open("owner-1", []byte("k"))
	require.NoError(t, err)

	_, ok := m.Lookup("owner-2", token)
	require.False(t, ok)
}

func TestLookupRejectsUnknownToken(t *testing.T) {
	m := NewManager(time.Minute, nil)
	_, ok := m.Lookup("owner-1", "bogus")
	require.False(t, ok)
}

func TestCloseInvalidatesSession(t *testing.T) {
	m := NewManager(time.Minute, nil)
	token, err := m.Open("owner-1", []byte("k"))
	require.NoError(t, err)

	m.Close(token)
	_, ok := m.Lookup("owner-1", token)
	require.False(t, ok)
}

func TestReapEvictsExpiredSessions(t *testing.T) {
	m := NewManager(-time.Second, nil) // already expired on creation
	_, err := m.Open("owner-1", []byte("k"))
	require.NoError(t, err)
	require.Equal(t, 1, m.Count())

	evicted := m.Reap(time.Now())
	require.Equal(t, 1, evicted)
	require.Equal(t, 0, m.Count())
}

func TestOpenRotatesTokenOnEachUnlock(t *testing.T) {
	m := NewManager(time.Minute, nil)
	t1, err := m.Open("owner-1", []byte("k1"))
	require.NoError(t, err)
	t2, err := m.Open("owner-1", []byte("k2"))
	require.NoError(t, err)

	require.NotEqual(t, t1, t2)
	// Both remain valid independently until expiry/close.
	_, ok := m.Lookup("owner-1", t1)
	require.True(t, ok)
	_, ok = m.Lookup("owner-1", t2)
	require.True(t, ok)
}
