// Package validator enforces the Why-Decision answer contract: a
// schema check, followed by deterministic repair of the semantic
// rules in spec.md §4.7 (allowed_ids union, anchor/transition
// citation, CITE_ALL_IDS enforcement, completeness flags,
// short_answer bound). Every repair emits a stable reason code so the
// caller can decide fallback_used and persist validator_report.json.
package validator

import (
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/gowebpki/jcs"

	"github.com/whydecision/gateway/pkg/model"
)

const shortAnswerMaxLen = 320

// Report is the outcome of a repair pass: whether anything changed and
// which stable codes fired, in the fixed order the rules are checked.
type Report struct {
	Changed bool     `json:"changed"`
	Codes   []string `json:"codes"`
}

// FallbackNeeded reports whether the caller should mark
// meta.fallback_used=true: any non-empty repair codes list qualifies,
// per spec.md §4.7.
func (r Report) FallbackNeeded() bool {
	return len(r.Codes) > 0
}

// DecodeRaw normalizes raw LLM output bytes through RFC 8785 JSON
// Canonicalization before decoding into a generic map. This is
// deliberately a second canonicalization path from pkg/canonicalize
// (which is reserved for fingerprinting/signing): it defends against
// byte-level drift between what the LLM actually emitted and what is
// persisted into llm_raw.json, so a later audit replay sees the exact
// normalized form the validator reasoned about.
func DecodeRaw(raw []byte) (map[string]any, []byte, error) {
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("validator: jcs transform failed: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(canon, &m); err != nil {
		return nil, nil, fmt.Errorf("validator: decode failed: %w", err)
	}
	return m, canon, nil
}

// ToAnswer best-effort decodes a schema-valid raw map into a typed
// Answer. Fields absent from raw decode to their zero value.
func ToAnswer(raw map[string]any) model.Answer {
	var a model.Answer
	b, _ := json.Marshal(raw)
	_ = json.Unmarshal(b, &a)
	return a
}

// ExtractCompleteness best-effort decodes a completeness_flags object
// echoed by the LLM in raw, if present. Returns nil when absent —
// the contract never requires the LLM to emit this block, since
// spec.md §3 fixes it as gateway-computed, but some models echo it
// back anyway and a mismatch there is still worth recording.
func ExtractCompleteness(raw map[string]any) *model.CompletenessFlags {
	cf, ok := raw["completeness_flags"].(map[string]any)
	if !ok {
		return nil
	}
	var out model.CompletenessFlags
	b, _ := json.Marshal(cf)
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return &out
}

// Repair enforces the semantic Why-Decision contract against bundle,
// in the fixed order spec.md §4.7 lists. It never mutates its inputs;
// it returns the repaired answer, the recomputed completeness flags,
// and a Report of what fired. suppliedFlags, when non-nil, is the
// completeness block the LLM echoed back (see ExtractCompleteness);
// passing nil is correct for the templater path, which never echoes one.
func Repair(answer model.Answer, bundle model.Bundle, citeAllIDs bool, suppliedFlags *model.CompletenessFlags) (model.Answer, model.CompletenessFlags, Report) {
	var report Report

	allowedIDs := exactUnion(bundle)
	if !sameSet(allowedIDs, bundle.AllowedIDs) {
		report.Codes = append(report.Codes, CodeAllowedIDsExactUnionViolation)
		report.Changed = true
	}
	allowedSet := toSet(allowedIDs)

	out := model.Answer{
		ShortAnswer:   answer.ShortAnswer,
		SupportingIDs: append([]string(nil), answer.SupportingIDs...),
	}

	filtered := make([]string, 0, len(out.SupportingIDs))
	removedInvalid := false
	seen := make(map[string]struct{}, len(out.SupportingIDs))
	for _, id := range out.SupportingIDs {
		if _, ok := allowedSet[id]; !ok {
			removedInvalid = true
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		filtered = append(filtered, id)
	}
	out.SupportingIDs = filtered
	if removedInvalid {
		report.Codes = append(report.Codes, CodeSupportingIDsRemovedInvalid)
		report.Changed = true
	}

	if _, ok := seen[bundle.Anchor.ID]; !ok && bundle.Anchor.ID != "" {
		out.SupportingIDs = append([]string{bundle.Anchor.ID}, out.SupportingIDs...)
		seen[bundle.Anchor.ID] = struct{}{}
		report.Codes = append(report.Codes, CodeSupportingIDsMissingAnchor)
		report.Changed = true
	}

	missingTransition := false
	for _, t := range bundle.AllTransitions() {
		if _, ok := seen[t.ID]; !ok {
			out.SupportingIDs = append(out.SupportingIDs, t.ID)
			seen[t.ID] = struct{}{}
			missingTransition = true
		}
	}
	if missingTransition {
		report.Codes = append(report.Codes, CodeSupportingIDsMissingTransition)
		report.Changed = true
	}

	if citeAllIDs && !sameSet(out.SupportingIDs, allowedIDs) {
		out.SupportingIDs = append([]string(nil), allowedIDs...)
		report.Codes = append(report.Codes, CodeSupportingIDsEnforcedCiteAllIDs)
		report.Changed = true
	}

	flags, flagsChanged := recomputeCompleteness(bundle, suppliedFlags)
	if flagsChanged {
		report.Codes = append(report.Codes, CodeCompletenessEventCountMismatch)
		report.Changed = true
	}

	if utf8.RuneCountInString(out.ShortAnswer) > shortAnswerMaxLen {
		out.ShortAnswer = truncateWithEllipsis(out.ShortAnswer, shortAnswerMaxLen)
		report.Codes = append(report.Codes, CodeShortAnswerTruncated)
		report.Changed = true
	}

	return out, flags, report
}

// DropNonEvents filters a decoded events list down to well-formed
// Event entries (non-empty id and summary), returning the kept list
// and whether anything was dropped. Callers invoke this only when the
// LLM response carries a raw "events" echo distinct from the bundle's
// own events — the bundle's events are always authoritative and never
// pass through this filter.
func DropNonEvents(raw []any) ([]model.Event, bool) {
	var kept []model.Event
	dropped := false
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			dropped = true
			continue
		}
		id, _ := m["id"].(string)
		summary, _ := m["summary"].(string)
		if id == "" || summary == "" {
			dropped = true
			continue
		}
		e := model.Event{ID: id, Summary: summary}
		if ts, ok := m["timestamp"].(string); ok {
			e.Timestamp = ts
		}
		kept = append(kept, e)
	}
	return kept, dropped
}

func recomputeCompleteness(bundle model.Bundle, supplied *model.CompletenessFlags) (model.CompletenessFlags, bool) {
	want := model.CompletenessFlags{
		EventCount:    len(bundle.Events),
		HasPreceding:  len(bundle.Transitions.Preceding) > 0,
		HasSucceeding: len(bundle.Transitions.Succeeding) > 0,
	}
	if supplied == nil {
		return want, false
	}
	mismatch := supplied.EventCount != want.EventCount ||
		supplied.HasPreceding != want.HasPreceding ||
		supplied.HasSucceeding != want.HasSucceeding
	return want, mismatch
}

func exactUnion(bundle model.Bundle) []string {
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

func toSet(ids []string) map[string]struct{} {
	s := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]string(nil), a...)
	sb := append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

func truncateWithEllipsis(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
