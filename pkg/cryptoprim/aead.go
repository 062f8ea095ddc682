// Package cryptoprim implements the cryptographic primitives named in
// spec §4.1: AEAD (AES-256-GCM), Argon2id KDF, BIP-39 phrase ↔ seed, and
// HMAC-SHA256. Nothing here is tenant- or owner-aware; pkg/cipherstore and
// pkg/vault compose these primitives into the higher-level formats.
package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	KeySize   = 32 // AES-256
	NonceSize = 12
	TagSize   = 16
)

// ErrAuthenticationFailed is the single, opaque decryption-failure error.
// It must never be distinguished from "wrong key" — spec §4.1 forbids
// oracle-leaking variants, so every AEAD failure collapses to this.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Encrypt AEAD-encrypts plaintext under a 32-byte key, generating a fresh
// random 12-byte nonce. It returns the nonce, the ciphertext (same length as
// plaintext), and the 16-byte authentication tag, kept separate so callers
// can compose whatever wire format they need (versioned cipher store, vault
// blob, ...).
func Encrypt(key, plaintext []byte) (nonce, ciphertext, tag []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, nil, fmt.Errorf("cryptoprim: key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cryptoprim: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cryptoprim: new gcm: %w", err)
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("cryptoprim: generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext = sealed[:len(sealed)-TagSize]
	tag = sealed[len(sealed)-TagSize:]
	return nonce, ciphertext, tag, nil
}

// Decrypt AEAD-decrypts ciphertext+tag under key and nonce. Any failure —
// wrong key, wrong nonce, tampered ciphertext, tampered tag — surfaces as
// the single ErrAuthenticationFailed, never anything more specific.
func Decrypt(key, nonce, ciphertext, tag []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrAuthenticationFailed
	}
	if len(nonce) != NonceSize || len(tag) != TagSize {
		return nil, ErrAuthenticationFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
