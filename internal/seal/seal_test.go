package seal_test

import (
	"testing"

	"github.com/srg/ionlink/internal/seal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	// GOAL: a credential sealed by the app opens on the device with the same session
	//
	// TEST SCENARIO: app seals "hunter2hunter2" for device → device opens it → plaintext matches

	app, err := seal.GenerateKey()
	require.NoError(t, err)
	dev, err := seal.GenerateKey()
	require.NoError(t, err)

	nonce, sealed, err := app.Seal(dev.Public, "session-1", []byte("hunter2hunter2"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "hunter2", "sealed credential MUST NOT contain the plaintext")

	plain, err := dev.Open(app.Public, "session-1", nonce, sealed)
	require.NoError(t, err, "device MUST open a credential sealed for it")
	assert.Equal(t, "hunter2hunter2", string(plain))
}

func TestOpenRejectsWrongSessionOrKey(t *testing.T) {
	// GOAL: a sealed credential is bound to its session and recipient
	//
	// TEST SCENARIO: open with another session id → error; open with a third party key → error; tampered ciphertext → error

	app, _ := seal.GenerateKey()
	dev, _ := seal.GenerateKey()
	eve, _ := seal.GenerateKey()

	nonce, sealed, err := app.Seal(dev.Public, "session-1", []byte("hunter2hunter2"))
	require.NoError(t, err)

	_, err = dev.Open(app.Public, "session-2", nonce, sealed)
	assert.Error(t, err, "another session MUST NOT open the credential")

	_, err = eve.Open(app.Public, "session-1", nonce, sealed)
	assert.Error(t, err, "a third party MUST NOT open the credential")

	sealed[0] ^= 0xFF
	_, err = dev.Open(app.Public, "session-1", nonce, sealed)
	assert.Error(t, err, "tampered ciphertext MUST be rejected")

	_, err = dev.Open(app.Public, "session-1", nonce[:4], sealed)
	assert.Error(t, err, "short nonce MUST be rejected")
}
