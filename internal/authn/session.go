// Package authn resolves the owner identity behind an incoming request: a
// browser session cookie is validated into an Identity before any vault
// unlock or ephemeral-token issuance can happen (spec §2 control flow).
package authn

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// ErrInvalidSession is the single, undifferentiated failure returned for any
// session token problem — malformed, wrong signature, expired, wrong issuer.
// Spec §7 requires security-sensitive failures to use one shape so a caller
// can never distinguish "forged" from "expired" from "corrupted"; this
// mirrors pkg/vault.ErrInvalidCredential for the same reason.
var ErrInvalidSession = errors.New("authn: invalid or expired session")

// SessionClaims are the claims embedded in a self-issued browser session JWT.
// This is a distinct mechanism from the vault's password-derived key and from
// the ephemeral gateway token (spec §4.4), which is a bespoke HMAC format,
// not a JWT — the session JWT only resolves "who is browsing" before either
// of those is touched.
type SessionClaims struct {
	OwnerID string `json:"owner_id"`
	Email   string `json:"email"`
	Role    string `json:"role"`
}

// SessionManager issues and validates self-signed session JWTs using HMAC-SHA256.
type SessionManager struct {
	signingKey []byte
	maxAge     time.Duration
}

// NewSessionManager creates a session manager. The secret must be at least 32 bytes.
func NewSessionManager(secret string, maxAge time.Duration) (*SessionManager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes, got %d", len(secret))
	}
	return &SessionManager{
		signingKey: []byte(secret),
		maxAge:     maxAge,
	}, nil
}

// GenerateDevSecret generates a random 32-byte hex-encoded secret for dev mode.
func GenerateDevSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}

// IssueToken creates a signed JWT carrying claims.
func (sm *SessionManager) IssueToken(claims SessionClaims) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: sm.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	registered := jwt.Claims{
		Subject:   claims.OwnerID,
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(sm.maxAge)),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    "ocmt",
	}

	token, err := jwt.Signed(signer).Claims(registered).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// ValidateToken verifies the JWT signature and expiry and returns the
// claims. Every failure — malformed token, bad signature, expired,
// wrong issuer — collapses to ErrInvalidSession; spec §7 forbids telling
// a caller which step of session validation actually failed.
func (sm *SessionManager) ValidateToken(raw string) (*SessionClaims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, ErrInvalidSession
	}

	var registered jwt.Claims
	var custom SessionClaims
	if err := tok.Claims(sm.signingKey, &registered, &custom); err != nil {
		return nil, ErrInvalidSession
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer: "ocmt",
		Time:   time.Now(),
	}, 5*time.Second); err != nil {
		return nil, ErrInvalidSession
	}

	return &custom, nil
}
