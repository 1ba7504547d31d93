package artifacts

import (
	"context"
	"fmt"
)

// Artefact names written per request. Order matters for Persist: it is
// the order artefacts are attempted in, not a guarantee of write order
// on the backend.
const (
	ArtefactEnvelope        = "envelope.json"
	ArtefactRenderedPrompt  = "rendered_prompt.txt"
	ArtefactLLMRaw          = "llm_raw.json"
	ArtefactValidatorReport = "validator_report.json"
	ArtefactResponse        = "response.json"
	ArtefactEvidencePre     = "evidence_pre.json"
	ArtefactEvidencePost    = "evidence_post.json"
)

// RequestArtefacts is the fixed seven-blob audit set for a single
// request. A nil entry is skipped (e.g. llm_raw.json when the
// templater fallback ran and produced no raw LLM output).
type RequestArtefacts struct {
	Envelope        []byte
	RenderedPrompt  []byte
	LLMRaw          []byte
	ValidatorReport []byte
	Response        []byte
	EvidencePre     []byte
	EvidencePost    []byte
}

func (a RequestArtefacts) entries() []struct {
	name string
	data []byte
	ct   string
} {
	return []struct {
		name string
		data []byte
		ct   string
	}{
		{ArtefactEnvelope, a.Envelope, "application/json"},
		{ArtefactRenderedPrompt, a.RenderedPrompt, "text/plain; charset=utf-8"},
		{ArtefactLLMRaw, a.LLMRaw, "application/json"},
		{ArtefactValidatorReport, a.ValidatorReport, "application/json"},
		{ArtefactResponse, a.Response, "application/json"},
		{ArtefactEvidencePre, a.EvidencePre, "application/json"},
		{ArtefactEvidencePost, a.EvidencePost, "application/json"},
	}
}

// Persister writes the fixed audit artefact set for a request to an
// underlying Store, synchronously, before the HTTP response returns.
type Persister struct {
	store  Store
	strict bool
}

// NewPersister wraps a Store. When strict is true, any artefact write
// failure is returned to the caller (the gateway then fails the
// request per ARTIFACT_STRICT=1); otherwise failures are collected and
// returned as a non-fatal slice of per-artefact errors for logging.
func NewPersister(store Store, strict bool) *Persister {
	return &Persister{store: store, strict: strict}
}

// Failure records a single artefact write that failed in non-strict
// mode, for the caller to log.
type Failure struct {
	Artefact string
	Err      error
}

// Persist writes all non-nil artefacts under requestID, keyed
// {request_id}/{artefact}. It writes "all or none" per the partial
// cancellation requirement: if the context is cancelled partway
// through, or if strict mode hits a write failure, already-written
// blobs for this request are rolled back (best-effort delete) rather
// than left as a partial set. In non-strict mode, individual write
// failures are collected and returned as non-fatal Failures so the
// caller can log them; the request is not failed.
func (p *Persister) Persist(ctx context.Context, requestID string, artefacts RequestArtefacts) ([]Failure, error) {
	written := make([]string, 0, 7)
	var failures []Failure

	rollback := func() {
		for _, key := range written {
			_ = p.store.Delete(context.Background(), key)
		}
	}

	for _, e := range artefacts.entries() {
		if e.data == nil {
			continue
		}
		select {
		case <-ctx.Done():
			rollback()
			return failures, fmt.Errorf("artefact persist cancelled for request %s: %w", requestID, ctx.Err())
		default:
		}

		key := requestID + "/" + e.name
		if err := p.store.Put(ctx, key, e.data, e.ct); err != nil {
			if p.strict {
				rollback()
				return failures, fmt.Errorf("failed to persist %s: %w", e.name, err)
			}
			failures = append(failures, Failure{Artefact: e.name, Err: err})
			continue
		}
		written = append(written, key)
	}
	return failures, nil
}

// Get retrieves a single previously persisted artefact for a request.
func (p *Persister) Get(ctx context.Context, requestID, artefact string) ([]byte, error) {
	return p.store.Get(ctx, requestID+"/"+artefact)
}
