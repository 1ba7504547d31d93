// Package policy implements the gateway's Policy Gate: it asks an
// external OPA-style policy service which evidence ids are visible to
// the requesting identity. The allowed set returned here bounds every
// downstream pipeline stage.
//
// Fail-open on network failure (the service was simply unreachable —
// proceed with default visibility), fail-closed on an explicit DENY
// (a POLICY_DENY is a hard error, never swallowed).
package policy

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/whydecision/gateway/pkg/canonicalize"
	"github.com/whydecision/gateway/pkg/gwerrors"
)

// Identity is the requester's identity, carried in the canonical policy
// input envelope.
type Identity struct {
	UserID   string   `json:"user_id"`
	Email    string   `json:"email,omitempty"`
	OrgID    string   `json:"org_id,omitempty"`
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles"`
}

// Input is the canonical policy input envelope POSTed to the policy
// service. Role lists are deduplicated and sorted so policy_fp is
// deterministic regardless of request header ordering.
type Input struct {
	AnchorID     string   `json:"anchor_id"`
	CandidateIDs []string `json:"candidate_ids"`
	Identity     Identity `json:"identity"`
	Intents      []string `json:"intents"`
	SnapshotETag string   `json:"snapshot_etag"`
}

// Result is the decision returned by the policy service.
type Result struct {
	Allow        bool
	AllowedIDs   []string
	ExtraVisible []string
	PolicyFP     string
}

// NewInput builds a canonical Input envelope. Roles are deduplicated and
// sorted; intents default to ["enrich"] when empty.
func NewInput(anchorID string, candidateIDs []string, id Identity, intents []string, snapshotETag string) Input {
	id.Roles = dedupSort(id.Roles)
	if len(intents) == 0 {
		intents = []string{"enrich"}
	}
	sortedCandidates := append([]string(nil), candidateIDs...)
	sort.Strings(sortedCandidates)
	return Input{
		AnchorID:     anchorID,
		CandidateIDs: sortedCandidates,
		Identity:     id,
		Intents:      intents,
		SnapshotETag: snapshotETag,
	}
}

func dedupSort(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Fingerprint computes the deterministic policy_fp for an Input: sha256
// of its JCS canonical form, prefixed "sha256:".
func Fingerprint(in Input) (string, error) {
	b, err := canonicalize.JCS(in)
	if err != nil {
		return "", fmt.Errorf("policy: fingerprint canonicalization failed: %w", err)
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// IdentityClaims is the bearer assertion presented to the policy service
// when OPA identity propagation is configured: the requester's identity
// plus the policy_fp of the Input it vouches for, so the policy service
// can bind the assertion to this exact request rather than replaying it
// against a different candidate set.
type IdentityClaims struct {
	jwt.RegisteredClaims
	OrgID    string   `json:"org_id,omitempty"`
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	PolicyFP string   `json:"policy_fp"`
}

// SignIdentityAssertion signs in's identity and policy_fp as an EdDSA JWT
// bearer assertion using key, following the teacher's identity.KeySet
// signing pattern (jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)).
func SignIdentityAssertion(in Input, policyFP string, key ed25519.PrivateKey) (string, error) {
	now := time.Now().UTC()
	claims := IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   in.Identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			Issuer:    "whydecision-gateway",
		},
		OrgID:    in.Identity.OrgID,
		TenantID: in.Identity.TenantID,
		Roles:    in.Identity.Roles,
		PolicyFP: policyFP,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(key)
}

// Gate is the Policy Gate client.
type Gate struct {
	opaURL       string
	decisionPath string
	client       *http.Client
	identityKey  ed25519.PrivateKey
}

// Config configures a Gate.
type Config struct {
	OPAURL       string
	DecisionPath string
	Timeout      time.Duration

	// IdentityKey, when set, signs each policy request's identity as an
	// EdDSA bearer assertion (OPA_IDENTITY_PRIV_B64). Nil disables bearer
	// propagation entirely; the gateway's own policy_fp still binds the
	// request regardless.
	IdentityKey ed25519.PrivateKey
}

func NewGate(cfg Config) *Gate {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &Gate{
		opaURL:       cfg.OPAURL,
		decisionPath: cfg.DecisionPath,
		client:       &http.Client{Timeout: timeout},
		identityKey:  cfg.IdentityKey,
	}
}

type opaEnvelope struct {
	Input Input `json:"input"`
}

type opaResultBody struct {
	Result *struct {
		AllowedIDs       []string `json:"allowed_ids"`
		ExtraVisible     []string `json:"extra_visible"`
		PolicyFingerprint string  `json:"policy_fingerprint"`
		Allow            bool     `json:"allow"`
	} `json:"result"`
}

// Evaluate calls the policy service. On network failure it returns
// (nil, nil): the caller proceeds with default visibility. On an
// explicit deny it returns a *gwerrors.Error with CodePolicyDeny. On
// any other malformed-response condition it returns CodePolicyError.
func (g *Gate) Evaluate(ctx context.Context, in Input) (*Result, error) {
	if g == nil || g.opaURL == "" {
		// No policy service configured: default-allow, matching the
		// gateway's documented default-visibility posture.
		return nil, nil
	}

	fp, err := Fingerprint(in)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.CodePolicyError, "policy_fp computation failed", err)
	}

	payload, err := json.Marshal(opaEnvelope{Input: in})
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.CodePolicyError, "request marshal failed", err)
	}

	url := g.opaURL + g.decisionPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.CodePolicyError, "request construction failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.identityKey != nil {
		assertion, err := SignIdentityAssertion(in, fp, g.identityKey)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.CodePolicyError, "identity assertion signing failed", err)
		}
		req.Header.Set("Authorization", "Bearer "+assertion)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		// Network failure: fail-open per the documented policy posture.
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// An explicit non-2xx from a reachable service is treated as a
		// policy-side error, not a silent allow.
		return nil, gwerrors.New(gwerrors.CodePolicyError, fmt.Sprintf("policy service returned HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.CodePolicyError, "response read failed", err)
	}

	var out opaResultBody
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, gwerrors.Wrap(gwerrors.CodePolicyError, "response decode failed", err)
	}
	if out.Result == nil {
		return nil, gwerrors.New(gwerrors.CodePolicyError, "policy service returned no result")
	}

	if !out.Result.Allow {
		return nil, gwerrors.New(gwerrors.CodePolicyDeny, "policy service denied request")
	}

	policyFP := out.Result.PolicyFingerprint
	if policyFP == "" {
		policyFP = fp
	}

	return &Result{
		Allow:        true,
		AllowedIDs:   out.Result.AllowedIDs,
		ExtraVisible: out.Result.ExtraVisible,
		PolicyFP:     policyFP,
	}, nil
}
