// Package server wires the pipeline stages (resolver, evidence builder,
// policy gate, selector, LLM invocation, validator, templater,
// assembler, artefact persister) into the two outward operations,
// /v2/ask and /v2/query, and exposes them as gin handlers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/whydecision/gateway/pkg/artifacts"
	"github.com/whydecision/gateway/pkg/assembler"
	"github.com/whydecision/gateway/pkg/audit"
	"github.com/whydecision/gateway/pkg/cache"
	"github.com/whydecision/gateway/pkg/canonicalize"
	"github.com/whydecision/gateway/pkg/evidence"
	"github.com/whydecision/gateway/pkg/gwerrors"
	"github.com/whydecision/gateway/pkg/llm"
	"github.com/whydecision/gateway/pkg/loadshed"
	"github.com/whydecision/gateway/pkg/metrics"
	"github.com/whydecision/gateway/pkg/model"
	"github.com/whydecision/gateway/pkg/policy"
	"github.com/whydecision/gateway/pkg/resolver"
	"github.com/whydecision/gateway/pkg/selector"
	"github.com/whydecision/gateway/pkg/templater"
	"github.com/whydecision/gateway/pkg/tracing"
	"github.com/whydecision/gateway/pkg/validator"
)

// AskRequest is the decoded body of POST /v2/ask.
type AskRequest struct {
	AnchorID    string          `json:"anchor_id,omitempty"`
	DecisionRef string          `json:"decision_ref,omitempty"`
	Text        string          `json:"text,omitempty"`
	Question    string          `json:"question"`
	Intents     []string        `json:"intents,omitempty"`
	Identity    policy.Identity `json:"identity"`
}

// QueryRequest is the decoded body of POST /v2/query.
type QueryRequest struct {
	Text      string          `json:"text"`
	Functions []string        `json:"functions,omitempty"`
	Question  string          `json:"question,omitempty"`
	Identity  policy.Identity `json:"identity"`
}

// Deps bundles every pipeline stage dependency. Fields may be left at
// their zero value where the corresponding stage is optional (policy
// gate, LLM client, artefact persister strictness).
type Deps struct {
	Resolver    *resolver.Resolver
	Evidence    *evidence.Builder
	Policy      *policy.Gate
	Selector    *selector.Gate
	LLM         llm.Client
	LLMDisabled bool
	LLMConfig   llm.InvokeConfig
	Persister   *artifacts.Persister
	Assembler   *assembler.Assembler
	Metrics     *metrics.Registry
	LoadShed    *loadshed.Flag
	Logger      audit.Logger
	Cache       cache.Cache

	CiteAllIDs            bool
	DisableArtefactWrites bool
	GatewayVersion        string
	Tracer                *tracing.Provider
}

// Pipeline orchestrates a single /v2/ask or /v2/query request end to end.
type Pipeline struct {
	d Deps
}

func New(d Deps) *Pipeline {
	return &Pipeline{d: d}
}

const systemPrompt = `You are the Why-Decision answering gateway's LLM stage. You are given a ` +
	`canonical JSON envelope describing a decision and its directly connected evidence. ` +
	`Respond with a single JSON object only, matching {"short_answer": string, "supporting_ids": [string]}. ` +
	`Every id in supporting_ids must come from allowed_ids. Do not invent ids, do not add prose outside the JSON object.`

// Ask runs the full pipeline: resolve, build evidence, apply policy,
// fit the budget gate, invoke the LLM (or fall back to the
// templater), repair the answer, assemble and sign the response, and
// persist the audit artefact set before returning.
func (p *Pipeline) Ask(ctx context.Context, req AskRequest) (*model.Response, []artifacts.Failure, *gwerrors.Error) {
	requestID := uuid.NewString()
	start := time.Now()

	if p.d.LoadShed != nil && p.d.LoadShed.Enabled() {
		return nil, nil, gwerrors.New(gwerrors.CodeCacheUnavailable, "gateway is currently shedding load")
	}

	anchorID, err := p.d.Resolver.Resolve(ctx, req.AnchorID, req.DecisionRef, req.Text)
	if err != nil {
		return nil, nil, asGWError(err, gwerrors.CodeResolverUnavailable)
	}
	if anchorID == "" {
		return nil, nil, gwerrors.New(gwerrors.CodeAnchorNotFound, "no decision resolved from the supplied reference")
	}

	ctx = audit.WithRequestContext(ctx, audit.RequestContext{RequestID: requestID})
	p.logStage(ctx, "resolve", "resolved", map[string]interface{}{"anchor_id": anchorID})

	resp, failures, gwErr := p.run(ctx, requestID, anchorID, req.Question, req.Intents, req.Identity, start)
	return resp, failures, gwErr
}

// Query implements /v2/query: if text resolves to a single anchor, it
// promotes to the full ask pipeline; otherwise it returns a scored
// matches list and no error.
func (p *Pipeline) Query(ctx context.Context, req QueryRequest) (*model.Response, *model.QueryMatches, *gwerrors.Error) {
	if p.d.LoadShed != nil && p.d.LoadShed.Enabled() {
		return nil, nil, gwerrors.New(gwerrors.CodeCacheUnavailable, "gateway is currently shedding load")
	}

	anchorID, err := p.d.Resolver.Resolve(ctx, "", "", req.Text)
	if err != nil {
		return nil, nil, asGWError(err, gwerrors.CodeResolverUnavailable)
	}
	if anchorID != "" {
		question := req.Question
		if question == "" {
			question = req.Text
		}
		requestID := uuid.NewString()
		ctx = audit.WithRequestContext(ctx, audit.RequestContext{RequestID: requestID})
		resp, _, gwErr := p.run(ctx, requestID, anchorID, question, nil, req.Identity, time.Now())
		return resp, nil, gwErr
	}

	matches := p.d.Resolver.Matches(ctx, req.Text, 10)
	return nil, &model.QueryMatches{Matches: matches}, nil
}

// run is the shared core of Ask and Query once an anchor id is known.
func (p *Pipeline) run(ctx context.Context, requestID, anchorID, question string, intents []string, identity policy.Identity, start time.Time) (*model.Response, []artifacts.Failure, *gwerrors.Error) {
	ctx, span := p.d.Tracer.StartSpan(ctx, "pipeline.run")
	defer span.End()

	prelimInput := policy.NewInput(anchorID, nil, identity, intents, "")
	prelimFP, err := policy.Fingerprint(prelimInput)
	if err != nil {
		return nil, nil, gwerrors.Wrap(gwerrors.CodeInternal, "policy fingerprint failed", err)
	}

	bundlePtr, err := p.d.Evidence.Build(ctx, anchorID, prelimFP, "")
	if err != nil {
		return nil, nil, asGWError(err, gwerrors.CodeEvidenceUpstream)
	}
	bundle := *bundlePtr
	evidencePre, _ := json.Marshal(bundle.Audit())
	p.logStage(ctx, "evidence", "built", map[string]interface{}{"event_count": len(bundle.Events)})

	policyInput := policy.NewInput(anchorID, bundle.AllowedIDs, identity, intents, bundle.SnapshotETag)
	policyFP, err := policy.Fingerprint(policyInput)
	if err != nil {
		return nil, nil, gwerrors.Wrap(gwerrors.CodeInternal, "policy fingerprint failed", err)
	}

	var policyResult *policy.Result
	if p.d.Policy != nil {
		policyResult, err = p.d.Policy.Evaluate(ctx, policyInput)
		if err != nil {
			return nil, nil, asGWError(err, gwerrors.CodePolicyError)
		}
	}

	allowedIDsFP := policyFP
	if policyResult != nil {
		bundle = boundBundle(bundle, policyResult)
		if policyResult.PolicyFP != "" {
			allowedIDsFP = policyResult.PolicyFP
		}
		p.logStage(ctx, "policy", "policy_decision", map[string]interface{}{"allow": true, "allowed_count": len(bundle.AllowedIDs)})
	} else {
		p.logStage(ctx, "policy", "policy_decision", map[string]interface{}{"allow": true, "fail_open": true})
	}
	allowedIDsFPHash, err := assembler.AllowedIDsFingerprint(bundle.AllowedIDs)
	if err == nil {
		allowedIDsFP = allowedIDsFPHash
	}

	result := p.d.Selector.Fit(question, bundle)
	p.logStage(ctx, "selector", "selector_complete", map[string]interface{}{
		"truncated":     result.SelectorTruncation,
		"prompt_tokens": result.PromptTokens,
	})
	envelope := model.PromptEnvelope{
		Intent:      firstNonEmpty(intents, "enrich"),
		Question:    question,
		Evidence:    result.Bundle,
		AllowedIDs:  result.Bundle.AllowedIDs,
		Constraints: model.Constraints{MaxTokens: result.MaxTokens},
	}
	promptFP, err := assembler.PromptFingerprint(envelope)
	if err != nil {
		return nil, nil, gwerrors.Wrap(gwerrors.CodeInternal, "prompt fingerprint failed", err)
	}
	envelopeBytes, err := canonicalize.JCS(envelope)
	if err != nil {
		return nil, nil, gwerrors.Wrap(gwerrors.CodeInternal, "envelope canonicalization failed", err)
	}

	answer, completeness, llmRaw, fallbackUsed, fallbackReason, report := p.invokeOrFallback(ctx, string(envelopeBytes), result.Bundle)

	// latency_ms is fixed before signing: the signature covers the
	// exact bytes returned to the caller, so nothing may mutate the
	// response after Assemble computes bundle_fp.
	finalResp := model.Response{
		Intent:            envelope.Intent,
		Evidence:          result.Bundle,
		Answer:            answer,
		CompletenessFlags: completeness,
		Meta: model.Meta{
			PromptFP:            promptFP,
			SnapshotETag:        result.Bundle.SnapshotETag,
			PolicyFP:            policyFP,
			AllowedIDsFP:        allowedIDsFP,
			PromptTokens:        result.PromptTokens,
			MaxPromptTokens:     result.MaxTokens,
			Retries:             result.Bundle.RetryCount,
			FallbackUsed:        fallbackUsed,
			FallbackReason:      fallbackReason,
			GatewayVersion:      p.d.GatewayVersion,
			LoadShed:            p.d.LoadShed != nil && p.d.LoadShed.Enabled(),
			TotalNeighborsFound: result.TotalNeighborsFound,
			FinalEvidenceCount:  result.FinalEvidenceCount,
			SelectorTruncation:  result.SelectorTruncation,
			DroppedEvidenceIDs:  result.DroppedEvidenceIDs,
			LatencyMS:           time.Since(start).Milliseconds(),
		},
	}

	signed, err := p.d.Assembler.Assemble(finalResp, time.Now())
	if err != nil {
		return nil, nil, gwerrors.Wrap(gwerrors.CodeNoSignerConfigured, "response assembly failed", err)
	}

	var failures []artifacts.Failure
	if p.d.Persister != nil && !p.d.DisableArtefactWrites {
		evidencePost, _ := json.Marshal(signed.Evidence)
		respBytes, _ := json.Marshal(signed)
		reportBytes, _ := json.Marshal(report)

		failures, err = p.d.Persister.Persist(ctx, requestID, artifacts.RequestArtefacts{
			Envelope:        envelopeBytes,
			RenderedPrompt:  []byte(string(envelopeBytes)),
			LLMRaw:          llmRaw,
			ValidatorReport: reportBytes,
			Response:        respBytes,
			EvidencePre:     evidencePre,
			EvidencePost:    evidencePost,
		})
		if err != nil {
			return nil, nil, gwerrors.Wrap(gwerrors.CodeStorageUnavailable, "artefact persistence failed", err)
		}
		for _, f := range failures {
			p.logStage(ctx, "persist", "artefact_write_failed", map[string]interface{}{"artefact": f.Artefact, "error": f.Err.Error()})
		}
	}

	if p.d.Metrics != nil {
		p.d.Metrics.ObserveResponse("ask", result.TotalNeighborsFound, result.FinalEvidenceCount,
			len(envelopeBytes), result.SelectorTruncation, len(result.DroppedEvidenceIDs), fallbackReason, signed.Meta.LatencyMS)
	}

	return &signed, failures, nil
}

// invokeOrFallback calls the LLM and repairs its answer, or generates
// a deterministic templater answer when the LLM is disabled,
// unreachable, or returns something the schema rejects outright.
func (p *Pipeline) invokeOrFallback(ctx context.Context, userContent string, bundle model.Bundle) (model.Answer, model.CompletenessFlags, []byte, bool, string, validator.Report) {
	raw, parsed, err := llm.Invoke(ctx, p.d.LLM, p.d.LLMDisabled, systemPrompt, userContent, p.d.LLMConfig)

	if err != nil || parsed == nil {
		reason := string(templater.ReasonLLMError)
		switch {
		case p.d.LLMDisabled:
			reason = string(templater.ReasonLLMOff)
		case gwerrors.IsTimeout(codeOf(err)) || isDeadlineErr(err):
			reason = string(templater.ReasonTimeout)
		}
		p.logStage(ctx, "llm", "fallback_used", map[string]interface{}{"reason": reason})
		answer := templater.Generate(bundle)
		repaired, flags, report := validator.Repair(answer, bundle, p.d.CiteAllIDs, nil)
		return repaired, flags, raw, true, reason, report
	}

	if schemaErr := validator.ValidateSchema(parsed); schemaErr != nil {
		p.logStage(ctx, "validate", "fallback_used", map[string]interface{}{"reason": "validator_failed", "error": schemaErr.Error()})
		answer := templater.Generate(bundle)
		repaired, flags, report := validator.Repair(answer, bundle, p.d.CiteAllIDs, nil)
		report.Changed = true
		report.Codes = append(report.Codes, validator.CodeSchemaInvalid)
		return repaired, flags, raw, true, string(templater.ReasonValidatorFailed), report
	}

	answer := validator.ToAnswer(parsed)
	suppliedFlags := validator.ExtractCompleteness(parsed)
	repaired, flags, report := validator.Repair(answer, bundle, p.d.CiteAllIDs, suppliedFlags)

	fallbackUsed := report.FallbackNeeded()
	if fallbackUsed {
		p.logStage(ctx, "validate", "repaired", map[string]interface{}{"codes": report.Codes})
	}
	// fallback_reason is left empty here: repair fixed the answer in
	// place rather than substituting the templater's output.
	return repaired, flags, raw, fallbackUsed, "", report
}

func isDeadlineErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func codeOf(err error) string {
	if gwErr, ok := err.(*gwerrors.Error); ok {
		return gwErr.Code
	}
	return ""
}

func asGWError(err error, fallback string) *gwerrors.Error {
	if gwErr, ok := err.(*gwerrors.Error); ok {
		return gwErr
	}
	return gwerrors.Wrap(fallback, "pipeline stage failed", err)
}

// boundBundle filters the evidence bundle down to the policy-visible
// id set: the anchor is always retained, and any id not in
// allowedIDs ∪ extraVisible is dropped from events and transitions.
func boundBundle(bundle model.Bundle, result *policy.Result) model.Bundle {
	allowed := make(map[string]struct{}, len(result.AllowedIDs)+len(result.ExtraVisible))
	for _, id := range result.AllowedIDs {
		allowed[id] = struct{}{}
	}
	for _, id := range result.ExtraVisible {
		allowed[id] = struct{}{}
	}
	if len(allowed) == 0 {
		// An explicit allow with an empty set still bounds to the anchor
		// alone, never to the unbounded original set.
		allowed[bundle.Anchor.ID] = struct{}{}
	}

	out := bundle
	out.Events = filterEvents(bundle.Events, allowed)
	out.Transitions.Preceding = filterTransitions(bundle.Transitions.Preceding, allowed)
	out.Transitions.Succeeding = filterTransitions(bundle.Transitions.Succeeding, allowed)
	out.AllowedIDs = composeBoundedAllowedIDs(out)
	return out
}

func filterEvents(events []model.Event, allowed map[string]struct{}) []model.Event {
	out := make([]model.Event, 0, len(events))
	for _, e := range events {
		if _, ok := allowed[e.ID]; ok {
			out = append(out, e)
		}
	}
	return out
}

func filterTransitions(transitions []model.Transition, allowed map[string]struct{}) []model.Transition {
	out := make([]model.Transition, 0, len(transitions))
	for _, t := range transitions {
		if _, ok := allowed[t.ID]; ok {
			out = append(out, t)
		}
	}
	return out
}

func composeBoundedAllowedIDs(bundle model.Bundle) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(bundle.Anchor.ID)
	for _, e := range bundle.Events {
		add(e.ID)
	}
	for _, t := range bundle.Transitions.Preceding {
		add(t.ID)
	}
	for _, t := range bundle.Transitions.Succeeding {
		add(t.ID)
	}
	return out
}

func firstNonEmpty(ss []string, def string) string {
	if len(ss) > 0 && ss[0] != "" {
		return ss[0]
	}
	return def
}

func (p *Pipeline) logStage(ctx context.Context, stage, event string, meta map[string]interface{}) {
	if p.d.Logger == nil {
		return
	}
	p.d.Logger.Stage(ctx, stage, event, meta)
}
