// Package assembler implements the Response Assembler: it fills in
// meta, computes the two canonical fingerprints (prompt_fp over the
// envelope, bundle_fp over the final response with meta.bundle_fp
// removed), and signs bundle_fp with Ed25519. Signing failure is
// fatal — there is no silent unsigned response.
package assembler

import (
	"fmt"
	"time"

	"github.com/whydecision/gateway/pkg/canonicalize"
	"github.com/whydecision/gateway/pkg/crypto"
	"github.com/whydecision/gateway/pkg/gwerrors"
	"github.com/whydecision/gateway/pkg/model"
)

// PromptFingerprint computes prompt_fp: sha256 of the envelope's
// canonical JSON bytes, prefixed "sha256:".
func PromptFingerprint(envelope model.PromptEnvelope) (string, error) {
	digest, err := canonicalize.CanonicalHash(envelope)
	if err != nil {
		return "", fmt.Errorf("assembler: prompt fingerprint failed: %w", err)
	}
	return "sha256:" + digest, nil
}

// AllowedIDsFingerprint computes allowed_ids_fp: sha256 of the
// canonical JSON array of allowed ids, prefixed "sha256:". Computed
// independently of bundle_fp so a caller can compare allowed-id sets
// across requests without recomputing the whole bundle digest.
func AllowedIDsFingerprint(allowedIDs []string) (string, error) {
	digest, err := canonicalize.CanonicalHash(allowedIDs)
	if err != nil {
		return "", fmt.Errorf("assembler: allowed_ids fingerprint failed: %w", err)
	}
	return "sha256:" + digest, nil
}

// Assembler signs and finalizes the outward Response.
type Assembler struct {
	signer  crypto.Signer
	version string
}

// New builds an Assembler. signer must not be nil: per spec.md §4.8,
// an unconfigured signer is a fatal condition, never a silent skip.
func New(signer crypto.Signer, gatewayVersion string) *Assembler {
	return &Assembler{signer: signer, version: gatewayVersion}
}

// Assemble fills meta.gateway_version (if unset), computes bundle_fp
// over the canonical response with meta.bundle_fp excluded, signs the
// covered hex digest (the signature itself is base64-encoded, per the
// wire contract), and attaches the signature block. resp is returned
// with meta.bundle_fp and meta.signature populated; resp is not
// mutated in place.
func (a *Assembler) Assemble(resp model.Response, now time.Time) (model.Response, error) {
	if a == nil || a.signer == nil {
		return model.Response{}, gwerrors.New(gwerrors.CodeNoSignerConfigured, "response assembler has no signer configured")
	}

	out := resp
	if out.Meta.GatewayVersion == "" {
		out.Meta.GatewayVersion = a.version
	}
	out.Meta.BundleFP = ""
	out.Meta.Signature = nil

	covered, err := canonicalize.CanonicalHash(out)
	if err != nil {
		return model.Response{}, fmt.Errorf("assembler: canonicalization failed: %w", err)
	}

	sigB64, err := a.signer.Sign([]byte(covered))
	if err != nil {
		return model.Response{}, fmt.Errorf("assembler: signing failed: %w", err)
	}

	out.Meta.BundleFP = "sha256:" + covered
	out.Meta.Signature = &model.Signature{
		Alg:      "ed25519",
		KeyID:    a.signer.KeyID(),
		Sig:      sigB64,
		Covered:  covered,
		SignedAt: now.UTC().Format(time.RFC3339),
	}
	return out, nil
}

// Verify checks that resp.Meta.Signature verifies against pubKeyHex,
// that bundle_fp matches "sha256:" + covered, and that covered is
// still the canonical hash of resp's current content — with
// meta.bundle_fp and meta.signature zeroed, exactly as Assemble
// computed it. The third check is what actually detects tampering:
// without it, the first two only confirm internal self-consistency of
// the stored strings, not that they still describe resp's content.
func Verify(resp model.Response, pubKeyHex string) (bool, error) {
	if resp.Meta.Signature == nil {
		return false, gwerrors.New(gwerrors.CodeBundleSignatureMissing, "response has no signature block")
	}
	if resp.Meta.BundleFP != "sha256:"+resp.Meta.Signature.Covered {
		return false, fmt.Errorf("assembler: bundle_fp does not match signature.covered")
	}

	unsigned := resp
	unsigned.Meta.BundleFP = ""
	unsigned.Meta.Signature = nil
	recomputed, err := canonicalize.CanonicalHash(unsigned)
	if err != nil {
		return false, fmt.Errorf("assembler: canonicalization failed: %w", err)
	}
	if recomputed != resp.Meta.Signature.Covered {
		return false, nil
	}

	return crypto.Verify(pubKeyHex, resp.Meta.Signature.Sig, []byte(resp.Meta.Signature.Covered))
}
