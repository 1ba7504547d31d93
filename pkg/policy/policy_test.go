package policy

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestFingerprint_DeterministicAndKeyOrderIndependent(t *testing.T) {
	in1 := NewInput("anchor-1", []string{"b", "a"}, Identity{UserID: "u1", Roles: []string{"viewer", "admin", "viewer"}}, nil, "etag-1")
	in2 := NewInput("anchor-1", []string{"a", "b"}, Identity{UserID: "u1", Roles: []string{"admin", "viewer"}}, []string{"enrich"}, "etag-1")

	fp1, err := Fingerprint(in1)
	if err != nil {
		t.Fatal(err)
	}
	fp2, err := Fingerprint(in2)
	if err != nil {
		t.Fatal(err)
	}
	if fp1 != fp2 {
		t.Errorf("expected deterministic fingerprint, got %s vs %s", fp1, fp2)
	}
	if !strings.HasPrefix(fp1, "sha256:") {
		t.Errorf("expected sha256: prefix, got %s", fp1)
	}
}

func TestNewInput_RoleDedupAndSort(t *testing.T) {
	in := NewInput("a", nil, Identity{Roles: []string{"z", "a", "z", "m"}}, nil, "")
	want := []string{"a", "m", "z"}
	if len(in.Identity.Roles) != len(want) {
		t.Fatalf("got %v, want %v", in.Identity.Roles, want)
	}
	for i, r := range want {
		if in.Identity.Roles[i] != r {
			t.Errorf("role[%d] = %s, want %s", i, in.Identity.Roles[i], r)
		}
	}
	if len(in.Intents) != 1 || in.Intents[0] != "enrich" {
		t.Errorf("expected default intent [enrich], got %v", in.Intents)
	}
}

func TestGate_Evaluate_Allow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/data/policy/authz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"allow":              true,
				"allowed_ids":        []string{"anchor-1", "e1"},
				"policy_fingerprint": "sha256:abc",
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := NewGate(Config{OPAURL: srv.URL, DecisionPath: "/v1/data/policy/authz"})
	res, err := g.Evaluate(context.Background(), NewInput("anchor-1", []string{"e1"}, Identity{UserID: "u1"}, nil, "etag"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil || !res.Allow {
		t.Fatalf("expected allow result, got %+v", res)
	}
	if res.PolicyFP != "sha256:abc" {
		t.Errorf("expected policy fingerprint passthrough, got %s", res.PolicyFP)
	}
}

func TestGate_Evaluate_Deny_IsHardError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/data/policy/authz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"allow": false},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := NewGate(Config{OPAURL: srv.URL, DecisionPath: "/v1/data/policy/authz"})
	_, err := g.Evaluate(context.Background(), NewInput("anchor-1", nil, Identity{UserID: "u1"}, nil, "etag"))
	if err == nil {
		t.Fatal("expected POLICY_DENY error, got nil")
	}
	if !strings.Contains(err.Error(), "POLICY_DENY") {
		t.Errorf("expected POLICY_DENY code in error, got %v", err)
	}
}

func TestGate_Evaluate_NetworkFailure_IsFailOpen(t *testing.T) {
	g := NewGate(Config{OPAURL: "http://127.0.0.1:1", DecisionPath: "/v1/data/policy/authz", Timeout: 200 * time.Millisecond})
	res, err := g.Evaluate(context.Background(), NewInput("anchor-1", nil, Identity{UserID: "u1"}, nil, "etag"))
	if err != nil {
		t.Fatalf("network failure must not be a hard error, got %v", err)
	}
	if res != nil {
		t.Errorf("expected nil result (default visibility) on network failure, got %+v", res)
	}
}

func TestSignIdentityAssertion_ProducesVerifiableEdDSAToken(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	in := NewInput("anchor-1", nil, Identity{UserID: "u1", OrgID: "org-1", Roles: []string{"viewer"}}, nil, "etag")

	token, err := SignIdentityAssertion(in, "sha256:fp", priv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parsed, err := jwt.ParseWithClaims(token, &IdentityClaims{}, func(*jwt.Token) (interface{}, error) {
		return pub, nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("expected valid token, err=%v", err)
	}
	claims := parsed.Claims.(*IdentityClaims)
	if claims.Subject != "u1" || claims.OrgID != "org-1" || claims.PolicyFP != "sha256:fp" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestGate_Evaluate_SetsBearerAssertionWhenIdentityKeyConfigured(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/data/policy/authz", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"allow": true}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := NewGate(Config{OPAURL: srv.URL, DecisionPath: "/v1/data/policy/authz", IdentityKey: priv})
	_, err = g.Evaluate(context.Background(), NewInput("anchor-1", nil, Identity{UserID: "u1"}, nil, "etag"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(gotAuth, "Bearer ") {
		t.Errorf("expected Bearer assertion header, got %q", gotAuth)
	}
}

func TestGate_Evaluate_NotConfigured(t *testing.T) {
	g := NewGate(Config{})
	res, err := g.Evaluate(context.Background(), NewInput("anchor-1", nil, Identity{UserID: "u1"}, nil, "etag"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Errorf("expected nil result when unconfigured, got %+v", res)
	}
}
