package audit

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyringDerivationIsDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, ed25519.SeedSize)

	k1, err := NewKeyring(seed)
	require.NoError(t, err)
	k2, err := NewKeyring(seed)
	require.NoError(t, err)

	pub1, err := k1.PublicKey("audit-chain")
	require.NoError(t, err)
	pub2, err := k2.PublicKey("audit-chain")
	require.NoError(t, err)
	assert.Equal(t, pub1, pub2)
}

func TestKeyringPurposesAreIsolated(t *testing.T) {
	k, err := GenerateKeyring()
	require.NoError(t, err)

	chainPub, err := k.PublicKey("audit-chain")
	require.NoError(t, err)
	overridePub, err := k.PublicKey("override")
	require.NoError(t, err)
	assert.NotEqual(t, chainPub, overridePub)
}

func TestKeyringSignVerify(t *testing.T) {
	k, err := GenerateKeyring()
	require.NoError(t, err)

	data := []byte("entry-hash-under-test")
	sig, keyID, err := k.Sign("audit-chain", data)
	require.NoError(t, err)
	assert.Contains(t, keyID, "audit-chain:")

	ok, err := k.Verify("audit-chain", data, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = k.Verify("audit-chain", []byte("different data"), sig)
	require.NoError(t, err)
	assert.False(t, ok)

	// A signature from one purpose does not verify under another.
	ok, err = k.Verify("override", data, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyringRejectsBadSeed(t *testing.T) {
	_, err := NewKeyring([]byte("short"))
	require.Error(t, err)
}

func TestKeyringFromHexMatchesNewKeyring(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, ed25519.SeedSize)
	seedHex := hex.EncodeToString(seed)

	fromHex, err := KeyringFromHex(seedHex)
	require.NoError(t, err)
	direct, err := NewKeyring(seed)
	require.NoError(t, err)

	data := []byte("cross-process entry hash")
	sig, _, err := direct.Sign("audit-chain", data)
	require.NoError(t, err)
	ok, err := fromHex.Verify("audit-chain", data, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyringFromHexRejectsMalformedSeed(t *testing.T) {
	_, err := KeyringFromHex("not-hex")
	require.Error(t, err)
	_, err = KeyringFromHex("abcd") // too short once decoded
	require.Error(t, err)
}

func TestKeyringRejectsEmptyPurpose(t *testing.T) {
	k, err := GenerateKeyring()
	require.NoError(t, err)
	_, _, err = k.Sign("", []byte("data"))
	require.Error(t, err)
}
