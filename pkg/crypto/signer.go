package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Signer signs and verifies the gateway's response digests.
type Signer interface {
	Sign(data []byte) (string, error)
	Verify(message []byte, signatureB64 string) (bool, error)
	PublicKey() string
	PublicKeyBytes() []byte
	KeyID() string
}

// Ed25519Signer signs the "covered" hex digest of a canonical response
// with Ed25519, per the response assembler's signing step.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

// NewEd25519Signer generates a fresh keypair. Useful for tests and for
// ephemeral dev deployments; production deployments should use
// NewEd25519SignerFromSeed with a persisted GATEWAY_ED25519_PRIV_B64 seed.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromSeed builds a signer from a 32-byte Ed25519 seed
// (the decoded form of GATEWAY_ED25519_PRIV_B64).
func NewEd25519SignerFromSeed(seed []byte, keyID string) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}, nil
}

// Sign returns the base64-encoded Ed25519 signature over data, matching
// the wire contract's "sig (base64)" field.
func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64-encoded signature against message using this
// signer's own public key.
func (s *Ed25519Signer) Verify(message []byte, signatureB64 string) (bool, error) {
	return Verify(s.PublicKey(), signatureB64, message)
}

func (s *Ed25519Signer) PublicKey() string      { return hex.EncodeToString(s.pubKey) }
func (s *Ed25519Signer) PublicKeyBytes() []byte { return s.pubKey }
func (s *Ed25519Signer) KeyID() string          { return s.keyID }

// Verify checks a base64 signature against hex-encoded pubKeyHex and data.
func Verify(pubKeyHex, sigB64 string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("invalid signature base64: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}
