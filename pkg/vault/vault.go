// Package vault implements the zero-knowledge per-owner encrypted blob from
// spec §3/§4.3: a password-derived key encrypts a JSON document, a BIP-39
// recovery phrase escrows a second, seed-derived copy of the same plaintext,
// and password changes re-key the blob without ever exposing the seed again
// after creation.
package vault

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ocmt/controlplane/pkg/cryptoprim"
)

// Format and FormatVersion identify the wire shape of a Blob (spec §6).
const (
	Format        = "ocmt-vault"
	FormatVersion = 1
)

// ErrInvalidCredential is the single, undifferentiated failure returned by
// every unlock/recover path, regardless of which step actually failed
// (spec §7: "single, undifferentiated shape").
var ErrInvalidCredential = errors.New("vault: invalid password or key")

// KDFParams records the Argon2id parameters a blob was created under, so a
// future cost-parameter change does not break existing blobs.
type KDFParams struct {
	Algorithm   string `json:"algorithm"`
	MemoryKiB   int    `json:"memoryKiB"`
	Time        int    `json:"time"`
	Parallelism int    `json:"parallelism"`
	Salt        string `json:"salt"` // base64
}

// EncryptionParams is the AEAD metadata accompanying a single ciphertext.
type EncryptionParams struct {
	Algorithm string `json:"algorithm"`
	Nonce     string `json:"nonce"` // base64
	Tag       string `json:"tag"`   // base64
}

// RecoverySection holds the seed-encrypted copy of the vault plaintext, plus
// the seed itself, AEAD-encrypted under the password-derived key so the
// owner's password also unlocks the recovery path.
type RecoverySection struct {
	Encryption     EncryptionParams `json:"encryption"`
	Ciphertext     string           `json:"ciphertext"` // base64
	SeedEncryption EncryptionParams `json:"seedEncryption"`
	SeedCiphertext string           `json:"seedCiphertext"` // base64
}

// Blob is the self-describing, format-versioned vault record (spec §3).
type Blob struct {
	Format     string           `json:"format"`
	Version    int              `json:"version"`
	KDF        KDFParams        `json:"kdf"`
	Encryption EncryptionParams `json:"encryption"`
	Ciphertext string           `json:"ciphertext"` // base64
	Recovery   RecoverySection  `json:"recovery"`
	UpdatedAt  time.Time        `json:"updated"`
}

// Marshal serializes a Blob to its stored JSON form.
func (b *Blob) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// Unmarshal parses a stored Blob, validating the format/version tags.
func Unmarshal(data []byte) (*Blob, error) {
	var b Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("vault: parsing blob: %w", err)
	}
	if b.Format != Format || b.Version != FormatVersion {
		return nil, fmt.Errorf("vault: unsupported blob format %q version %d", b.Format, b.Version)
	}
	return &b, nil
}

func encryptSection(key, plaintext []byte) (EncryptionParams, string, error) {
	nonce, ct, tag, err := cryptoprim.Encrypt(key, plaintext)
	if err != nil {
		return EncryptionParams{}, "", err
	}
	return EncryptionParams{
		Algorithm: "aes-256-gcm",
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		Tag:       base64.StdEncoding.EncodeToString(tag),
	}, base64.StdEncoding.EncodeToString(ct), nil
}

func decryptSection(key []byte, enc EncryptionParams, ciphertextB64 string) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(enc.Nonce)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	tag, err := base64.StdEncoding.DecodeString(enc.Tag)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, ErrInvalidCredential
	}

	plaintext, err := cryptoprim.Decrypt(key, nonce, ct, tag)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	return plaintext, nil
}

// defaultDocument is the plaintext a freshly created vault decrypts to,
// before the owner has stored anything: empty integrations, empty memory,
// no conversations, no files.
const defaultDocument = `{"integrations":{},"memory":{"preferences":{},"facts":[]},"conversations":[],"files":[]}`

// Create builds a fresh vault for an owner setting their first password. It
// returns the blob to persist and the one-time recovery phrase — the seed
// itself is never surfaced again after this call.
func Create(password string) (blob *Blob, recoveryPhrase string, err error) {
	salt, err := cryptoprim.NewSalt()
	if err != nil {
		return nil, "", fmt.Errorf("vault: generating salt: %w", err)
	}
	key := cryptoprim.DeriveKey(password, salt)

	phrase, seed, err := cryptoprim.NewRecoveryPhrase()
	if err != nil {
		return nil, "", fmt.Errorf("vault: generating recovery phrase: %w", err)
	}

	blob, err = buildBlob(key, salt, seed, []byte(defaultDocument))
	if err != nil {
		return nil, "", err
	}
	return blob, phrase, nil
}

func buildBlob(key, salt, seed, plaintext []byte) (*Blob, error) {
	mainEnc, mainCt, err := encryptSection(key, plaintext)
	if err != nil {
		return nil, err
	}
	recEnc, recCt, err := encryptSection(seed, plaintext)
	if err != nil {
		return nil, err
	}
	seedEnc, seedCt, err := encryptSection(key, seed)
	if err != nil {
		return nil, err
	}

	blob := &Blob{
		Format:  Format,
		Version: FormatVersion,
		KDF: KDFParams{
			Algorithm:   "argon2id",
			MemoryKiB:   cryptoprim.ArgonMemoryKiB,
			Time:        cryptoprim.ArgonTime,
			Parallelism: cryptoprim.ArgonParallelism,
			Salt:        base64.StdEncoding.EncodeToString(salt),
		},
		Encryption: mainEnc,
		Ciphertext: mainCt,
		Recovery: RecoverySection{
			Encryption:     recEnc,
			Ciphertext:     recCt,
			SeedEncryption: seedEnc,
			SeedCiphertext: seedCt,
		},
		UpdatedAt: time.Now().UTC(),
	}
	return blob, nil
}

// DeriveKey re-derives the password key for an existing blob's KDF salt.
func DeriveKey(blob *Blob, password string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(blob.KDF.Salt)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	return cryptoprim.DeriveKey(password, salt), nil
}

// Unlock decrypts the main ciphertext using a freshly derived password key.
func Unlock(blob *Blob, password string) (plaintext []byte, key []byte, err error) {
	key, err = DeriveKey(blob, password)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err = UnlockWithKey(blob, key)
	if err != nil {
		return nil, nil, err
	}
	return plaintext, key, nil
}

// UnlockWithKey decrypts the main ciphertext using an already-derived key
// (the vault session path, skipping Argon2id on every request).
func UnlockWithKey(blob *Blob, key []byte) ([]byte, error) {
	return decryptSection(key, blob.Encryption, blob.Ciphertext)
}

// seedFromKey recovers the BIP-39 seed from the key-encrypted seed section.
func seedFromKey(blob *Blob, key []byte) ([]byte, error) {
	return decryptSection(key, blob.Recovery.SeedEncryption, blob.Recovery.SeedCiphertext)
}

// Update re-encrypts newData under the held session key, and keeps the
// recovery path consistent by re-encrypting newData under the seed as well.
// The seed itself, and its key-encrypted section, are left untouched.
func Update(blob *Blob, key, newData []byte) (*Blob, error) {
	seed, err := seedFromKey(blob, key)
	if err != nil {
		return nil, err
	}

	mainEnc, mainCt, err := encryptSection(key, newData)
	if err != nil {
		return nil, err
	}
	recEnc, recCt, err := encryptSection(seed, newData)
	if err != nil {
		return nil, err
	}

	updated := &Blob{
		Format:     blob.Format,
		Version:    blob.Version,
		KDF:        blob.KDF,
		Encryption: mainEnc,
		Ciphertext: mainCt,
		Recovery: RecoverySection{
			Encryption:     recEnc,
			Ciphertext:     recCt,
			SeedEncryption: blob.Recovery.SeedEncryption,
			SeedCiphertext: blob.Recovery.SeedCiphertext,
		},
		UpdatedAt: time.Now().UTC(),
	}
	return updated, nil
}

// Recover decrypts the recovery-path ciphertext given a BIP-39 phrase,
// returning the plaintext and the seed derived from the phrase.
func Recover(blob *Blob, phrase string) (plaintext []byte, seed []byte, err error) {
	seed, err = cryptoprim.SeedFromPhrase(phrase)
	if err != nil {
		return nil, nil, ErrInvalidCredential
	}
	plaintext, err = decryptSection(seed, blob.Recovery.Encryption, blob.Recovery.Ciphertext)
	if err != nil {
		return nil, nil, err
	}
	return plaintext, seed, nil
}

// ChangePassword unlocks with the old password, then synthesizes a new blob
// under a new salt and new password-derived key while preserving the
// original seed — so the recovery phrase issued at Create time keeps
// working after a password change.
func ChangePassword(blob *Blob, oldPassword, newPassword string) (*Blob, error) {
	plaintext, oldKey, err := Unlock(blob, oldPassword)
	if err != nil {
		return nil, err
	}
	seed, err := seedFromKey(blob, oldKey)
	if err != nil {
		return nil, err
	}

	newSalt, err := cryptoprim.NewSalt()
	if err != nil {
		return nil, fmt.Errorf("vault: generating salt: %w", err)
	}
	newKey := cryptoprim.DeriveKey(newPassword, newSalt)

	return buildBlob(newKey, newSalt, seed, plaintext)
}

// Equal reports whether two plaintext documents are byte-identical — used
// by tests asserting round-trip fidelity. Documents with the same content
// but different JSON key order or whitespace compare unequal.
func Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}
