// Package model defines the wire and bundle types shared across the
// gateway pipeline: anchors, events, transitions, evidence bundles,
// prompt envelopes, answers, and the signed response envelope.
package model

import "regexp"

// AnchorIDPattern is the canonical slug shape for decision identifiers.
var AnchorIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{2,}[a-z0-9]$`)

// Anchor is the decision under question.
type Anchor struct {
	ID          string   `json:"id"`
	Title       string   `json:"title,omitempty"`
	Option      string   `json:"option,omitempty"`
	Rationale   string   `json:"rationale"`
	Timestamp   string   `json:"timestamp"`
	Tags        []string `json:"tags,omitempty"`
	SupportedBy []string `json:"supported_by,omitempty"`
	BasedOn     []string `json:"based_on,omitempty"`
	Transitions []string `json:"transitions,omitempty"`
}

// Event is a one-hop LED_TO neighbor of a decision.
type Event struct {
	ID        string   `json:"id"`
	Summary   string   `json:"summary"`
	Timestamp string   `json:"timestamp"`
	Snippet   string   `json:"snippet,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// Transition is an ordered link between two decisions.
type Transition struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Relation  string `json:"relation"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// TransitionSet splits transitions relative to the anchor.
type TransitionSet struct {
	Preceding  []Transition `json:"preceding"`
	Succeeding []Transition `json:"succeeding"`
}

// Bundle is the evidence bundle assembled for a single anchor.
//
// snapshot_etag deliberately has no json tag that would place it at the
// top level of the wire response — it is carried on the struct for
// internal pipeline use (cache keys, meta) and is omitted by the
// response assembler when rendering the outward Response.
type Bundle struct {
	Anchor       Anchor        `json:"anchor"`
	Events       []Event       `json:"events"`
	Transitions  TransitionSet `json:"transitions"`
	AllowedIDs   []string      `json:"allowed_ids"`
	SnapshotETag string        `json:"-"`
	RetryCount   int           `json:"-"`
}

// AllTransitions returns preceding and succeeding transitions flattened.
func (b *Bundle) AllTransitions() []Transition {
	out := make([]Transition, 0, len(b.Transitions.Preceding)+len(b.Transitions.Succeeding))
	out = append(out, b.Transitions.Preceding...)
	out = append(out, b.Transitions.Succeeding...)
	return out
}

// BundleAudit is the audit-artefact rendering of a Bundle: unlike the
// wire Bundle type, it exposes snapshot_etag, since audit artefacts are
// not the client-facing response.
type BundleAudit struct {
	Anchor       Anchor        `json:"anchor"`
	Events       []Event       `json:"events"`
	Transitions  TransitionSet `json:"transitions"`
	AllowedIDs   []string      `json:"allowed_ids"`
	SnapshotETag string        `json:"snapshot_etag"`
	RetryCount   int           `json:"retry_count"`
}

// Audit renders a Bundle for artefact persistence.
func (b *Bundle) Audit() BundleAudit {
	return BundleAudit{
		Anchor:       b.Anchor,
		Events:       b.Events,
		Transitions:  b.Transitions,
		AllowedIDs:   b.AllowedIDs,
		SnapshotETag: b.SnapshotETag,
		RetryCount:   b.RetryCount,
	}
}

// Constraints bounds the prompt envelope's token budget.
type Constraints struct {
	MaxTokens int `json:"max_tokens"`
}

// PromptEnvelope is the canonical, deterministically-serialized input to
// the LLM (or templater).
type PromptEnvelope struct {
	Intent      string      `json:"intent"`
	Question    string      `json:"question"`
	Evidence    Bundle      `json:"evidence"`
	AllowedIDs  []string    `json:"allowed_ids"`
	Constraints Constraints `json:"constraints"`
}

// Answer is the LLM (or templater) output, pre- and post-repair.
type Answer struct {
	ShortAnswer   string   `json:"short_answer"`
	SupportingIDs []string `json:"supporting_ids"`
}

// CompletenessFlags is derived from the final bundle, never from the LLM.
type CompletenessFlags struct {
	EventCount   int  `json:"event_count"`
	HasPreceding bool `json:"has_preceding"`
	HasSucceeding bool `json:"has_succeeding"`
}

// Meta carries fingerprints, accounting, and provenance for a response.
type Meta struct {
	PromptFP        string     `json:"prompt_fp"`
	BundleFP        string     `json:"bundle_fp,omitempty"`
	SnapshotETag    string     `json:"snapshot_etag"`
	PolicyFP        string     `json:"policy_fp,omitempty"`
	AllowedIDsFP    string     `json:"allowed_ids_fp"`
	PolicyID        string     `json:"policy_id,omitempty"`
	PromptTokens    int        `json:"prompt_tokens"`
	MaxPromptTokens int        `json:"max_prompt_tokens"`
	Retries         int        `json:"retries"`
	FallbackUsed    bool       `json:"fallback_used"`
	FallbackReason  string     `json:"fallback_reason,omitempty"`
	LatencyMS       int64      `json:"latency_ms"`
	GatewayVersion  string     `json:"gateway_version,omitempty"`
	Signature       *Signature `json:"signature,omitempty"`
	LoadShed        bool       `json:"load_shed,omitempty"`

	TotalNeighborsFound int      `json:"total_neighbors_found,omitempty"`
	FinalEvidenceCount  int      `json:"final_evidence_count,omitempty"`
	SelectorTruncation  bool     `json:"selector_truncation,omitempty"`
	DroppedEvidenceIDs  []string `json:"dropped_evidence_ids,omitempty"`
}

// Signature is the Ed25519 signature block over the response.
type Signature struct {
	Alg      string `json:"alg"`
	KeyID    string `json:"key_id"`
	Sig      string `json:"sig"` // base64-encoded Ed25519 signature
	Covered  string `json:"covered"` // hex-encoded sha256 digest it signs
	SignedAt string `json:"signed_at"`
}

// Response is the full outward response body.
type Response struct {
	Intent            string            `json:"intent"`
	Evidence          Bundle            `json:"evidence"`
	Answer            Answer            `json:"answer"`
	CompletenessFlags CompletenessFlags `json:"completeness_flags"`
	Meta              Meta              `json:"meta"`
}

// QueryMatch is a single candidate returned by /v2/query when no anchor
// resolves outright.
type QueryMatch struct {
	AnchorID string  `json:"anchor_id"`
	Title    string  `json:"title,omitempty"`
	Score    float64 `json:"score"`
}

// QueryMatches is the body returned by /v2/query for the no-resolution case.
type QueryMatches struct {
	Matches []QueryMatch `json:"matches"`
}
