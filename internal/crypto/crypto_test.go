package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	k := NewKeyring()
	require.NoError(t, k.SetMaster(bytes.Repeat([]byte{0x42}, 32)))
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	k := testKeyring(t)

	nonce, ct, err := k.SealSecret("10.0.0.1", "p@ss=word!")
	require.NoError(t, err)
	require.NotEmpty(t, nonce)
	require.NotEmpty(t, ct)

	out, err := k.OpenSecret("10.0.0.1", nonce, ct)
	require.NoError(t, err)
	assert.Equal(t, "p@ss=word!", out)
}

func TestOpenRejectsWrongIP(t *testing.T) {
	k := testKeyring(t)

	nonce, ct, err := k.SealSecret("10.0.0.1", "secret")
	require.NoError(t, err)

	_, err = k.OpenSecret("10.0.0.2", nonce, ct)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	k := testKeyring(t)

	nonce, ct, err := k.SealSecret("10.0.0.1", "secret")
	require.NoError(t, err)

	ct[0] ^= 0xff
	_, err = k.OpenSecret("10.0.0.1", nonce, ct)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestSealRequiresMasterKey(t *testing.T) {
	k := NewKeyring()
	_, _, err := k.SealSecret("10.0.0.1", "secret")
	assert.ErrorIs(t, err, ErrMasterKeyUnset)
}

func TestSetMasterRejectsShortKey(t *testing.T) {
	k := NewKeyring()
	assert.ErrorIs(t, k.SetMaster([]byte("short")), ErrInvalidKeySize)
}

func TestDistinctKeysPerIP(t *testing.T) {
	k := testKeyring(t)

	a, err := k.deriveKey("10.0.0.1")
	require.NoError(t, err)
	b, err := k.deriveKey("10.0.0.2")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncryptGCMRejectsBadKeySize(t *testing.T) {
	_, _, err := EncryptGCM([]byte("tiny"), []byte("data"), nil)
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}
