package assembler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whydecision/gateway/pkg/crypto"
	"github.com/whydecision/gateway/pkg/model"
)

func newSigner(t *testing.T) *crypto.Ed25519Signer {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("test-key")
	require.NoError(t, err)
	return signer
}

func TestAssemble_SignsAndSetsBundleFP(t *testing.T) {
	signer := newSigner(t)
	a := New(signer, "v1.0.0")

	resp := model.Response{
		Intent: "ask",
		Answer: model.Answer{ShortAnswer: "answer", SupportingIDs: []string{"anchor-1"}},
	}
	out, err := a.Assemble(resp, time.Now())
	require.NoError(t, err)

	assert.NotEmpty(t, out.Meta.BundleFP)
	require.NotNil(t, out.Meta.Signature)
	assert.Equal(t, "ed25519", out.Meta.Signature.Alg)
	assert.Equal(t, "test-key", out.Meta.Signature.KeyID)
	assert.Equal(t, "v1.0.0", out.Meta.GatewayVersion)

	ok, err := Verify(out, signer.PublicKey())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAssemble_SignatureIsBase64NotHex(t *testing.T) {
	signer := newSigner(t)
	a := New(signer, "v1.0.0")

	out, err := a.Assemble(model.Response{Answer: model.Answer{ShortAnswer: "answer"}}, time.Now())
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(out.Meta.Signature.Sig)
	require.NoError(t, err, "sig must be valid base64 per the wire contract")
	assert.Len(t, raw, 64, "decoded Ed25519 signature must be 64 bytes")
}

func TestAssemble_PreservesExplicitGatewayVersion(t *testing.T) {
	a := New(newSigner(t), "v1.0.0")
	resp := model.Response{Meta: model.Meta{GatewayVersion: "v2.0.0-explicit"}}
	out, err := a.Assemble(resp, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "v2.0.0-explicit", out.Meta.GatewayVersion)
}

func TestAssemble_NoSignerIsFatal(t *testing.T) {
	a := New(nil, "v1.0.0")
	_, err := a.Assemble(model.Response{}, time.Now())
	assert.Error(t, err)
}

func TestVerify_MissingSignature(t *testing.T) {
	_, err := Verify(model.Response{}, "deadbeef")
	assert.Error(t, err)
}

func TestVerify_TamperedResponseFailsBundleFPCheck(t *testing.T) {
	signer := newSigner(t)
	a := New(signer, "v1.0.0")

	resp := model.Response{Answer: model.Answer{ShortAnswer: "original"}}
	out, err := a.Assemble(resp, time.Now())
	require.NoError(t, err)

	out.Answer.ShortAnswer = "tampered after signing"

	ok, verr := Verify(out, signer.PublicKey())
	assert.False(t, ok)
	assert.NoError(t, verr)
}

func TestPromptFingerprint_Deterministic(t *testing.T) {
	envelope := model.PromptEnvelope{Intent: "ask", Question: "why?"}
	fp1, err := PromptFingerprint(envelope)
	require.NoError(t, err)
	fp2, err := PromptFingerprint(envelope)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
	assert.Contains(t, fp1, "sha256:")
}

func TestAllowedIDsFingerprint_OrderSensitive(t *testing.T) {
	fp1, err := AllowedIDsFingerprint([]string{"a", "b"})
	require.NoError(t, err)
	fp2, err := AllowedIDsFingerprint([]string{"b", "a"})
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)
}
