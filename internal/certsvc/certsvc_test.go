package certsvc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	require.NoError(t, err)

	signer, err := NewSigner(priv, "petra-cli")
	require.NoError(t, err)
	verifier, err := NewVerifier(pub)
	require.NoError(t, err)

	token, err := signer.Sign("deadbeef")
	require.NoError(t, err)

	require.NoError(t, verifier.Verify(token, "deadbeef"))
}

func TestVerifyRejectsDigestMismatch(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	require.NoError(t, err)

	signer, err := NewSigner(priv, "petra-cli")
	require.NoError(t, err)
	verifier, err := NewVerifier(pub)
	require.NoError(t, err)

	token, err := signer.Sign("aaaa")
	require.NoError(t, err)

	err = verifier.Verify(token, "bbbb")
	assert.Error(t, err)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv, err := GenerateKeypair()
	require.NoError(t, err)
	otherPub, _, err := GenerateKeypair()
	require.NoError(t, err)

	signer, err := NewSigner(priv, "petra-cli")
	require.NoError(t, err)
	verifier, err := NewVerifier(otherPub)
	require.NoError(t, err)

	token, err := signer.Sign("deadbeef")
	require.NoError(t, err)

	err = verifier.Verify(token, "deadbeef")
	assert.Error(t, err)
}

func TestNewVerifierRejectsMalformedKey(t *testing.T) {
	_, err := NewVerifier("not-base64!!!")
	assert.Error(t, err)
}
