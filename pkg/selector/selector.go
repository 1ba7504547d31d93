// Package selector implements the Budget Gate: it fits an evidence
// bundle into a deterministic token budget, dropping lowest-priority
// evidence and, failing that, shrinking max_tokens, until the rendered
// prompt fits or the retry bound is exhausted.
package selector

import (
	"sort"

	"github.com/whydecision/gateway/pkg/model"
)

// charsPerToken is the heuristic token estimator ratio shared between
// planning and gating — it must be the single function used at both
// points, so no other package re-implements token counting.
const charsPerToken = 4.0

// messageOverheadTokens is added per rendered message (anchor, each
// event, each transition) to account for structural JSON framing that
// the heuristic char-count doesn't capture directly.
const messageOverheadTokens = 8

// promptOverheadTokens is a single fixed buffer applied once per prompt
// for the envelope's own framing (intent, question, constraints keys).
const promptOverheadTokens = 24

// EstimateTokens is the single, pure token-counting function used
// identically at plan time and gate time.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return int(float64(len(s))/charsPerToken) + messageOverheadTokens
}

// Config bounds the gate loop.
type Config struct {
	ContextWindow           int // total model context window, tokens
	GuardTokens             int // safety margin reserved, never spent
	DesiredCompletionTokens int
	ShrinkFactor            float64 // e.g. 0.8
	MaxRetries              int     // e.g. 2
}

func (c Config) withDefaults() Config {
	if c.ContextWindow <= 0 {
		c.ContextWindow = 8192
	}
	if c.ShrinkFactor <= 0 || c.ShrinkFactor >= 1 {
		c.ShrinkFactor = 0.8
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	return c
}

// Result carries the fitted bundle plus the metrics the gate loop must
// record for meta and the selector_complete log line.
type Result struct {
	Bundle              model.Bundle
	MaxTokens           int
	PromptTokens        int
	DroppedEvidenceIDs  []string
	SelectorTruncation  bool
	TotalNeighborsFound int
	FinalEvidenceCount  int
}

// Gate fits a bundle into the token budget deterministically.
type Gate struct {
	cfg Config
}

func NewGate(cfg Config) *Gate {
	return &Gate{cfg: cfg.withDefaults()}
}

// Fit runs the gate loop: drop lowest-ranked evidence while over
// budget, then shrink max_tokens and retry, up to cfg.MaxRetries.
func (g *Gate) Fit(question string, bundle model.Bundle) Result {
	totalNeighbors := len(bundle.Events) + len(bundle.AllTransitions())
	ranked := rankEvents(bundle.Anchor.ID, bundle.Events)

	maxTokens := g.cfg.ContextWindow - g.cfg.GuardTokens - g.cfg.DesiredCompletionTokens
	if maxTokens < 0 {
		maxTokens = 0
	}

	working := bundle
	working.Events = append([]model.Event(nil), ranked...)
	var dropped []string
	truncated := false

	budget := maxTokens
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		for {
			tokens := renderTokenCount(question, working)
			if tokens <= budget || (len(working.Events) == 0 && len(working.AllTransitions()) == 0) {
				break
			}
			if len(working.Events) > 0 {
				last := working.Events[len(working.Events)-1]
				dropped = append(dropped, last.ID)
				working.Events = working.Events[:len(working.Events)-1]
				truncated = true
				continue
			}
			// No events left to drop: shed trailing succeeding transitions
			// before preceding, since preserving causal lead-up to the
			// anchor is higher priority.
			if len(working.Transitions.Succeeding) > 0 {
				n := len(working.Transitions.Succeeding)
				dropped = append(dropped, working.Transitions.Succeeding[n-1].ID)
				working.Transitions.Succeeding = working.Transitions.Succeeding[:n-1]
				truncated = true
				continue
			}
			if len(working.Transitions.Preceding) > 0 {
				n := len(working.Transitions.Preceding)
				dropped = append(dropped, working.Transitions.Preceding[n-1].ID)
				working.Transitions.Preceding = working.Transitions.Preceding[:n-1]
				truncated = true
				continue
			}
			break
		}

		finalTokens := renderTokenCount(question, working)
		if finalTokens <= budget {
			working.AllowedIDs = composeAllowedIDs(working)
			return Result{
				Bundle:              working,
				MaxTokens:           maxTokens,
				PromptTokens:        finalTokens,
				DroppedEvidenceIDs:  dropped,
				SelectorTruncation:  truncated,
				TotalNeighborsFound: totalNeighbors,
				FinalEvidenceCount:  len(working.Events) + len(working.AllTransitions()),
			}
		}

		// Still over budget with only the anchor left: shrink and retry.
		budget = int(float64(budget) * g.cfg.ShrinkFactor)
		maxTokens = budget
	}

	working.AllowedIDs = composeAllowedIDs(working)
	return Result{
		Bundle:              working,
		MaxTokens:           maxTokens,
		PromptTokens:         renderTokenCount(question, working),
		DroppedEvidenceIDs:  dropped,
		SelectorTruncation:  true,
		TotalNeighborsFound: totalNeighbors,
		FinalEvidenceCount:  len(working.Events) + len(working.AllTransitions()),
	}
}

// rankEvents orders events by: same-slug cohort first (shares a token
// prefix with the anchor id up to the first hyphen), then recency
// (newer first), then id lexicographic tiebreak — deterministic and
// stable. Cohort/recency priority is scored via the compiled CEL
// expression in rank.go; the final ordering is a stable sort on that
// score with the id tiebreak, so two events scoring identically never
// depend on CEL's (or sort's) internal iteration order.
func rankEvents(anchorID string, events []model.Event) []model.Event {
	cohort := slugCohort(anchorID)
	out := append([]model.Event(nil), events...)

	sortedByTime := append([]model.Event(nil), out...)
	sort.SliceStable(sortedByTime, func(i, j int) bool {
		return sortedByTime[i].Timestamp < sortedByTime[j].Timestamp
	})
	recencyRank := make(map[string]float64, len(sortedByTime))
	for i, e := range sortedByTime {
		recencyRank[e.ID] = float64(i)
	}

	scores := make(map[string]float64, len(out))
	for _, e := range out {
		scores[e.ID] = celRankScore(slugCohort(e.ID) == cohort, recencyRank[e.ID])
	}

	sort.SliceStable(out, func(i, j int) bool {
		si, sj := scores[out[i].ID], scores[out[j].ID]
		if si != sj {
			return si > sj
		}
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func slugCohort(id string) string {
	for i, r := range id {
		if r == '-' {
			return id[:i]
		}
	}
	return id
}

func renderTokenCount(question string, bundle model.Bundle) int {
	total := promptOverheadTokens
	total += EstimateTokens(question)
	total += EstimateTokens(bundle.Anchor.ID + bundle.Anchor.Title + bundle.Anchor.Rationale)
	for _, e := range bundle.Events {
		total += EstimateTokens(e.ID + e.Summary + e.Snippet)
	}
	for _, t := range bundle.AllTransitions() {
		total += EstimateTokens(t.ID + t.Reason)
	}
	return total
}

func composeAllowedIDs(bundle model.Bundle) []string {
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
