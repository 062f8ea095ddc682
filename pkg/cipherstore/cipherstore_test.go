package cipherstore

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	keyV0 = "0000000000000000000000000000000000000000000000000000000000000000"[:64]
	keyV1 = "1111111111111111111111111111111111111111111111111111111111111111"[:64]
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	store, err := New(1, map[int]string{0: keyV0, 1: keyV1})
	require.NoError(t, err)

	ct, err := store.Encrypt([]byte(`{"token":"secret"}`))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ct, "v1:"))

	plaintext, err := store.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, `{"token":"secret"}`, string(plaintext))
}

func TestDecryptLegacyFormat(t *testing.T) {
	store, err := New(0, map[int]string{0: keyV0})
	require.NoError(t, err)

	ct, err := store.Encrypt([]byte("legacy-ish but actually v0"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ct, "v0:"))

	version, err := KeyVersion(ct)
	require.NoError(t, err)
	require.Equal(t, 0, version)

	// Re-encode the same iv, tag and ciphertext in the legacy hex form.
	parts := strings.SplitN(ct, ":", 4)
	require.Len(t, parts, 4)
	legacy := make([]string, 0, 3)
	for _, p := range parts[1:] {
		raw, err := base64.StdEncoding.DecodeString(p)
		require.NoError(t, err)
		legacy = append(legacy, hex.EncodeToString(raw))
	}
	legacyCt := strings.Join(legacy, ":")

	version, err = KeyVersion(legacyCt)
	require.NoError(t, err)
	require.Equal(t, 0, version)

	plaintext, err := store.Decrypt(legacyCt)
	require.NoError(t, err)
	require.Equal(t, "legacy-ish but actually v0", string(plaintext))
}

func TestDecryptMissingKeyVersion(t *testing.T) {
	writer, err := New(1, map[int]string{0: keyV0, 1: keyV1})
	require.NoError(t, err)
	ct, err := writer.Encrypt([]byte("secret"))
	require.NoError(t, err)

	reader, err := New(0, map[int]string{0: keyV0})
	require.NoError(t, err)

	_, err = reader.Decrypt(ct)
	require.Error(t, err)
	var unavailable *KeyVersionUnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.Equal(t, 1, unavailable.Version)
}

func TestNeedsReencryption(t *testing.T) {
	store, err := New(2, map[int]string{0: keyV0, 1: keyV1, 2: keyV1})
	require.NoError(t, err)

	old, err := New(0, map[int]string{0: keyV0})
	require.NoError(t, err)
	oldCt, err := old.Encrypt([]byte("data"))
	require.NoError(t, err)

	needs, err := store.NeedsReencryption(oldCt)
	require.NoError(t, err)
	require.True(t, needs)

	fresh, err := store.Encrypt([]byte("data"))
	require.NoError(t, err)
	needs, err = store.NeedsReencryption(fresh)
	require.NoError(t, err)
	require.False(t, needs)
}

func TestRejectsBadKeyLength(t *testing.T) {
	_, err := New(0, map[int]string{0: "too-short"})
	require.Error(t, err)
}

func TestRejectsMissingCurrentVersionKey(t *testing.T) {
	_, err := New(5, map[int]string{0: keyV0})
	require.Error(t, err)
}

func TestRotateIsAdvisoryOnly(t *testing.T) {
	store, err := New(0, map[int]string{0: keyV0})
	require.NoError(t, err)

	advice, err := store.Rotate()
	require.NoError(t, err)
	require.Equal(t, 1, advice.NewVersion)
	require.Len(t, advice.NewKeyHex, KeyHexLen)
	require.NotEmpty(t, advice.Instructions)

	// Rotate must not mutate the store: encrypting still uses version 0.
	ct, err := store.Encrypt([]byte("unchanged"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ct, "v0:"))
}

func TestNewFromConfigRequiresV0WhenVersionIsNonzero(t *testing.T) {
	_, err := NewFromConfig(ConfigSource{
		EncryptionKey:        keyV1,
		EncryptionKeyVersion: 1,
		EncryptionKeyHistory: map[string]string{},
	})
	require.Error(t, err)
}

func TestNewFromConfigAcceptsHistoricalV0(t *testing.T) {
	store, err := NewFromConfig(ConfigSource{
		EncryptionKey:        keyV1,
		EncryptionKeyVersion: 1,
		EncryptionKeyHistory: map[string]string{"0": keyV0},
	})
	require.NoError(t, err)

	ct, err := store.Encrypt([]byte("data"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ct, "v1:"))
}

func TestClearRemovesLoadedKeys(t *testing.T) {
	store, err := New(0, map[int]string{0: keyV0})
	require.NoError(t, err)
	store.Clear()

	_, err = store.Encrypt([]byte("data"))
	require.Error(t, err)
}
