package vault

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateUnlockRoundTrip(t *testing.T) {
	blob, phrase, err := Create("correct horse battery staple")
	require.NoError(t, err)
	require.NotEmpty(t, phrase)
	require.Equal(t, Format, blob.Format)
	require.Equal(t, FormatVersion, blob.Version)

	plaintext, _, err := Unlock(blob, "correct horse battery staple")
	require.NoError(t, err)
	require.JSONEq(t, `{"integrations":{},"memory":{"preferences":{},"facts":[]},"conversations":[],"files":[]}`, string(plaintext))
}

func TestUnlockWrongPasswordFailsIdentically(t *testing.T) {
	blob, _, err := Create("the-real-password")
	require.NoError(t, err)

	_, _, err = Unlock(blob, "totally-wrong")
	require.ErrorIs(t, err, ErrInvalidCredential)

	_, _, err = Unlock(blob, "also-wrong-but-different")
	require.ErrorIs(t, err, ErrInvalidCredential)
}

func TestUpdatePreservesRecoveryPath(t *testing.T) {
	blob, phrase, err := Create("pw")
	require.NoError(t, err)

	_, key, err := Unlock(blob, "pw")
	require.NoError(t, err)

	newData := []byte(`{"integrations":{"github":"token"}}`)
	updated, err := Update(blob, key, newData)
	require.NoError(t, err)

	plaintext, _, err := Unlock(updated, "pw")
	require.NoError(t, err)
	require.True(t, Equal(plaintext, newData))

	recovered, _, err := Recover(updated, phrase)
	require.NoError(t, err)
	require.True(t, Equal(recovered, newData))
}

func TestRecoverRejectsInvalidPhrase(t *testing.T) {
	blob, _, err := Create("pw")
	require.NoError(t, err)

	_, _, err = Recover(blob, "not a real recovery phrase at all nope")
	require.ErrorIs(t, err, ErrInvalidCredential)
}

func TestChangePasswordPreservesRecoveryPhrase(t *testing.T) {
	blob, phrase, err := Create("old-password")
	require.NoError(t, err)

	_, key, err := Unlock(blob, "old-password")
	require.NoError(t, err)
	data := []byte(`{"memory":["note one"]}`)
	blob, err = Update(blob, key, data)
	require.NoError(t, err)

	newBlob, err := ChangePassword(blob, "old-password", "new-password")
	require.NoError(t, err)

	_, _, err = Unlock(newBlob, "old-password")
	require.ErrorIs(t, err, ErrInvalidCredential)

	plaintext, _, err := Unlock(newBlob, "new-password")
	require.NoError(t, err)
	require.True(t, Equal(plaintext, data))

	recovered, _, err := Recover(newBlob, phrase)
	require.NoError(t, err)
	require.True(t, Equal(recovered, data))
}

func TestChangePasswordRejectsWrongOldPassword(t *testing.T) {
	blob, _, err := Create("old-password")
	require.NoError(t, err)

	_, err = ChangePassword(blob, "wrong-old-password", "new-password")
	require.ErrorIs(t, err, ErrInvalidCredential)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	blob, _, err := Create("pw")
	require.NoError(t, err)

	data, err := blob.Marshal()
	require.NoError(t, err)

	parsed, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, blob.Ciphertext, parsed.Ciphertext)
}

func TestUnmarshalRejectsUnknownFormat(t *testing.T) {
	_, err := Unmarshal([]byte(`{"format":"something-else","version":1}`))
	require.Error(t, err)
}
