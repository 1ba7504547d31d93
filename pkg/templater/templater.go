// Package templater implements the deterministic fallback answer
// generator used whenever the LLM is disabled, unreachable, returns
// invalid JSON, or produces an answer the validator cannot repair.
// Given the same bundle it always produces the same answer — no
// randomness, no network calls.
package templater

import (
	"fmt"
	"strings"

	"github.com/whydecision/gateway/pkg/model"
)

const shortAnswerMaxLen = 320

// stockRationale is used when the anchor carries no rationale at all.
const stockRationale = "No rationale was recorded for this decision."

// Reason is the stable fallback_reason value, one of
// {llm_off, llm_error, validator_failed, timeout}.
type Reason string

const (
	ReasonLLMOff          Reason = "llm_off"
	ReasonLLMError        Reason = "llm_error"
	ReasonValidatorFailed Reason = "validator_failed"
	ReasonTimeout         Reason = "timeout"
)

// Generate synthesizes a deterministic Answer from bundle: it starts
// with the anchor's rationale (or a stock phrase), mentions the most
// recent event's summary if any, and lists evidence counts. It never
// emits "STUB ANSWER" and always respects the 320-char bound.
func Generate(bundle model.Bundle) model.Answer {
	rationale := strings.TrimSpace(bundle.Anchor.Rationale)
	if rationale == "" {
		rationale = stockRationale
	}

	var sb strings.Builder
	sb.WriteString(rationale)

	if latest := latestEvent(bundle.Events); latest != nil {
		fmt.Fprintf(&sb, " Most recently, %s.", strings.TrimSuffix(latest.Summary, "."))
	}

	preceding := len(bundle.Transitions.Preceding)
	succeeding := len(bundle.Transitions.Succeeding)
	fmt.Fprintf(&sb, " Evidence: %d related event(s), %d preceding and %d succeeding transition(s).",
		len(bundle.Events), preceding, succeeding)

	shortAnswer := truncate(sb.String(), shortAnswerMaxLen)

	supporting := exactUnion(bundle)

	return model.Answer{
		ShortAnswer:   shortAnswer,
		SupportingIDs: supporting,
	}
}

func latestEvent(events []model.Event) *model.Event {
	if len(events) == 0 {
		return nil
	}
	best := events[0]
	for _, e := range events[1:] {
		if e.Timestamp > best.Timestamp {
			best = e
		}
	}
	return &best
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
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
