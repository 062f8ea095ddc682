// Package cipherstore implements the versioned ciphertext format from
// spec §3/§4.2/§6: a per-process encryption-key registry keyed by version,
// used for secrets distinct from the vault blob (e.g. the permanent gateway
// token). Wire format: "v{N}:{iv_b64}:{tag_b64}:{ct_b64}"; legacy
// "{iv_hex}:{tag_hex}:{ct_hex}" is read as version 0.
package cipherstore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ocmt/controlplane/pkg/cryptoprim"
)

// KeyHexLen is the required length of every key in hex (32 bytes = 64 hex chars).
const KeyHexLen = 64

var (
	ErrMalformed   = errors.New("cipherstore: malformed ciphertext")
	ErrAuthFailed  = cryptoprim.ErrAuthenticationFailed
)

// KeyVersionUnavailableError is returned by Decrypt when the ciphertext
// references a key version this process never loaded.
type KeyVersionUnavailableError struct {
	Version int
}

func (e *KeyVersionUnavailableError) Error() string {
	return fmt.Sprintf("cipherstore: key version %d not available", e.Version)
}

// Store holds the process-wide key → version mapping. It is safe for
// concurrent use; keys are read once at construction (spec §4.2 "keys are
// read once at first use").
type Store struct {
	mu             sync.RWMutex
	currentVersion int
	keys           map[int][]byte
}

// New constructs a Store from hex-encoded keys. currentVersion selects which
// loaded key new ciphertexts are encrypted under; it must be present in
// keysHex. Every key must be exactly 64 hex characters (32 bytes).
func New(currentVersion int, keysHex map[int]string) (*Store, error) {
	keys := make(map[int][]byte, len(keysHex))
	for version, hexKey := range keysHex {
		key, err := decodeKeyHex(hexKey)
		if err != nil {
			return nil, fmt.Errorf("cipherstore: key version %d: %w", version, err)
		}
		keys[version] = key
	}

	if _, ok := keys[currentVersion]; !ok {
		return nil, fmt.Errorf("cipherstore: current key version %d has no loaded key", currentVersion)
	}

	return &Store{currentVersion: currentVersion, keys: keys}, nil
}

// ConfigSource is the subset of *config.Config needed to build a Store,
// named locally to avoid an import cycle with internal/config.
type ConfigSource struct {
	EncryptionKey        string
	EncryptionKeyVersion int
	EncryptionKeyHistory map[string]string
}

// NewFromConfig builds a Store from application configuration, applying the
// startup invariant that if EncryptionKeyVersion is non-zero, a version-0
// key must still be available so ciphertexts written before the first
// rotation remain readable. There is no override: a current version > 0
// with no v0 key is a fatal configuration error, not a warning.
func NewFromConfig(cfg ConfigSource) (*Store, error) {
	keysHex := map[int]string{
		cfg.EncryptionKeyVersion: cfg.EncryptionKey,
	}
	for versionStr, key := range cfg.EncryptionKeyHistory {
		version, err := strconv.Atoi(versionStr)
		if err != nil {
			return nil, fmt.Errorf("cipherstore: invalid historical key version %q: %w", versionStr, err)
		}
		if _, exists := keysHex[version]; exists {
			continue
		}
		keysHex[version] = key
	}

	if cfg.EncryptionKeyVersion > 0 {
		if _, ok := keysHex[0]; !ok {
			return nil, fmt.Errorf(
				"cipherstore: ENCRYPTION_KEY_VERSION is %d but no version-0 key is configured "+
					"(set ENCRYPTION_KEY_V0 to the original key so legacy ciphertexts remain readable)",
				cfg.EncryptionKeyVersion,
			)
		}
	}

	return New(cfg.EncryptionKeyVersion, keysHex)
}

func decodeKeyHex(hexKey string) ([]byte, error) {
	if len(hexKey) != KeyHexLen {
		return nil, fmt.Errorf("key must be %d hex characters (32 bytes), got %d", KeyHexLen, len(hexKey))
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding hex key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext under the current key version, returning the
// versioned wire format.
func (s *Store) Encrypt(plaintext []byte) (string, error) {
	s.mu.RLock()
	key := s.keys[s.currentVersion]
	version := s.currentVersion
	s.mu.RUnlock()

	nonce, ct, tag, err := cryptoprim.Encrypt(key, plaintext)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("v%d:%s:%s:%s",
		version,
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ct),
	), nil
}

// Decrypt decrypts a ciphertext in either the versioned or legacy format.
func (s *Store) Decrypt(ciphertext string) ([]byte, error) {
	version, nonce, tag, ct, err := parse(ciphertext)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	key, ok := s.keys[version]
	s.mu.RUnlock()
	if !ok {
		return nil, &KeyVersionUnavailableError{Version: version}
	}

	return cryptoprim.Decrypt(key, nonce, ct, tag)
}

// KeyVersion returns the key version a ciphertext was produced under
// (legacy format → 0) without attempting to decrypt it.
func KeyVersion(ciphertext string) (int, error) {
	version, _, _, _, err := parse(ciphertext)
	return version, err
}

// NeedsReencryption reports whether ciphertext was encrypted under a key
// version older than the store's current version.
func (s *Store) NeedsReencryption(ciphertext string) (bool, error) {
	version, err := KeyVersion(ciphertext)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	current := s.currentVersion
	s.mu.RUnlock()
	return version < current, nil
}

// RotationAdvice is the advisory payload returned by Rotate. It does not
// mutate the store; operators apply it out of band (new env vars, restart).
type RotationAdvice struct {
	NewKeyHex      string
	NewVersion     int
	Instructions   string
}

// Rotate generates fresh key material advice for the next version. It never
// mutates process state — spec §4.2 is explicit that rotate() is
// advice-only.
func (s *Store) Rotate() (RotationAdvice, error) {
	newKey := make([]byte, cryptoprim.KeySize)
	if _, err := rand.Read(newKey); err != nil {
		return RotationAdvice{}, fmt.Errorf("cipherstore: generating rotation key: %w", err)
	}

	s.mu.RLock()
	newVersion := s.currentVersion + 1
	s.mu.RUnlock()

	return RotationAdvice{
		NewKeyHex:  hex.EncodeToString(newKey),
		NewVersion: newVersion,
		Instructions: fmt.Sprintf(
			"set ENCRYPTION_KEY_V%d to the prior key, set ENCRYPTION_KEY to the new key, "+
				"set ENCRYPTION_KEY_VERSION=%d, then restart; existing ciphertexts remain readable "+
				"until re-encrypted via NeedsReencryption",
			s.currentVersion, newVersion,
		),
	}, nil
}

// Clear drops all loaded keys — for testing only.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = map[int][]byte{}
}

func parse(ciphertext string) (version int, nonce, tag, ct []byte, err error) {
	if strings.HasPrefix(ciphertext, "v") {
		parts := strings.SplitN(ciphertext, ":", 4)
		if len(parts) != 4 {
			return 0, nil, nil, nil, ErrMalformed
		}
		version, err = strconv.Atoi(strings.TrimPrefix(parts[0], "v"))
		if err != nil {
			return 0, nil, nil, nil, fmt.Errorf("%w: bad version %q", ErrMalformed, parts[0])
		}
		nonce, err = base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return 0, nil, nil, nil, fmt.Errorf("%w: bad nonce encoding", ErrMalformed)
		}
		tag, err = base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			return 0, nil, nil, nil, fmt.Errorf("%w: bad tag encoding", ErrMalformed)
		}
		ct, err = base64.StdEncoding.DecodeString(parts[3])
		if err != nil {
			return 0, nil, nil, nil, fmt.Errorf("%w: bad ciphertext encoding", ErrMalformed)
		}
		return version, nonce, tag, ct, nil
	}

	// Legacy: {iv_hex}:{tag_hex}:{ct_hex} = version 0.
	parts := strings.SplitN(ciphertext, ":", 3)
	if len(parts) != 3 {
		return 0, nil, nil, nil, ErrMalformed
	}
	nonce, err = hex.DecodeString(parts[0])
	if err != nil {
		return 0, nil, nil, nil, fmt.Errorf("%w: bad legacy iv encoding", ErrMalformed)
	}
	tag, err = hex.DecodeString(parts[1])
	if err != nil {
		return 0, nil, nil, nil, fmt.Errorf("%w: bad legacy tag encoding", ErrMalformed)
	}
	ct, err = hex.DecodeString(parts[2])
	if err != nil {
		return 0, nil, nil, nil, fmt.Errorf("%w: bad legacy ciphertext encoding", ErrMalformed)
	}
	return 0, nonce, tag, ct, nil
}
