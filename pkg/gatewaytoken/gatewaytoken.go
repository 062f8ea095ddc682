// Package gatewaytoken implements the gateway token lifecycle from
// spec §4.4: a long-lived permanent token stored encrypted at rest, and
// short-lived signed ephemeral tokens derived from it for container ⇄
// control-plane authentication without a database round-trip.
package gatewaytoken

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocmt/controlplane/pkg/cryptoprim"
)

const (
	// MinTTL and MaxTTL clamp requested ephemeral lifetimes (spec §4.4).
	MinTTL = 300 * time.Second
	MaxTTL = 86400 * time.Second

	// PermanentTokenBytes is the random byte length of a permanent token.
	PermanentTokenBytes = 32

	// nonceBytes is the random byte length of an ephemeral token's nonce.
	nonceBytes = 8
)

// Kind classifies a raw token string (spec §4.4 classifier).
type Kind string

const (
	KindPermanent Kind = "permanent"
	KindEphemeral Kind = "ephemeral"
	KindUnknown   Kind = "unknown"
)

// GeneratePermanent returns a fresh 32-byte permanent token, hex-encoded.
func GeneratePermanent() (string, error) {
	buf := make([]byte, PermanentTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("gatewaytoken: generating permanent token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Classify reports whether raw looks like a permanent token (64 hex chars)
// or parses as an ephemeral token's envelope; otherwise KindUnknown.
func Classify(raw string) Kind {
	if isHex64(raw) {
		return KindPermanent
	}
	if _, err := decodeEnvelope(raw); err == nil {
		return KindEphemeral
	}
	return KindUnknown
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// payload is the ephemeral token's signed content. Field order matters: the
// signature covers json.Marshal of this exact struct, whose declared field
// order is userId, exp, nonce (spec §6).
type payload struct {
	UserID string `json:"userId"`
	Exp    int64  `json:"exp"`
	Nonce  string `json:"nonce"`
}

// envelope is the outer JSON object carried by the ephemeral token.
type envelope struct {
	Payload   payload `json:"payload"`
	Signature string  `json:"signature"`
}

// clampTTL enforces spec §4.4's [300s, 86400s] clamp.
func clampTTL(ttl time.Duration) time.Duration {
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

// Issue mints an ephemeral token bound to ownerID, signed with the owner's
// raw (decrypted) permanent token.
func Issue(ownerID string, permanentRaw []byte, ttl time.Duration) (string, error) {
	ttl = clampTTL(ttl)

	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("gatewaytoken: generating nonce: %w", err)
	}

	p := payload{
		UserID: ownerID,
		Exp:    time.Now().Add(ttl).Unix(),
		Nonce:  hex.EncodeToString(nonce),
	}

	canonical, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("gatewaytoken: encoding payload: %w", err)
	}

	sig := cryptoprim.SignHMAC(permanentRaw, canonical)

	env := envelope{Payload: p, Signature: hex.EncodeToString(sig)}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("gatewaytoken: encoding envelope: %w", err)
	}

	return base64.URLEncoding.EncodeToString(raw), nil
}

// Claims is the validated payload of an ephemeral token.
type Claims struct {
	UserID string
	Exp    time.Time
}

// Validate checks an ephemeral token's signature and expiry against the
// owner's raw permanent token, in constant time, with no detail on why a
// token was rejected (spec §4.4, §7).
func Validate(ephemeral string, permanentRaw []byte) *Claims {
	env, err := decodeEnvelope(ephemeral)
	if err != nil {
		return nil
	}

	canonical, err := json.Marshal(env.Payload)
	if err != nil {
		return nil
	}

	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return nil
	}

	if !cryptoprim.VerifyHMAC(permanentRaw, canonical, sig) {
		return nil
	}

	exp := time.Unix(env.Payload.Exp, 0)
	if time.Now().After(exp) {
		return nil
	}

	return &Claims{UserID: env.Payload.UserID, Exp: exp}
}

// NeedsRefresh reports whether an already-validated token's remaining
// lifetime drops below threshold. A nil claims always needs refresh.
func NeedsRefresh(claims *Claims, threshold time.Duration) bool {
	if claims == nil {
		return true
	}
	return time.Until(claims.Exp) < threshold
}

func decodeEnvelope(raw string) (*envelope, error) {
	data, err := decodeBase64Either(raw)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Payload.UserID == "" || env.Signature == "" {
		return nil, fmt.Errorf("gatewaytoken: empty envelope fields")
	}
	return &env, nil
}

// decodeBase64Either accepts both URL-safe and standard base64 alphabets,
// with or without padding (spec §4.4: "accepting both URL-safe and standard
// alphabets").
func decodeBase64Either(raw string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	} {
		if data, err := enc.DecodeString(raw); err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("gatewaytoken: invalid base64 envelope")
}
