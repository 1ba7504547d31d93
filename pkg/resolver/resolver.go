// Package resolver maps a free-text question or a caller-provided
// anchor reference to a canonical decision id.
package resolver

import (
	"context"
	"sort"
	"strings"

	"github.com/whydecision/gateway/pkg/gwerrors"
	"github.com/whydecision/gateway/pkg/memoryapi"
	"github.com/whydecision/gateway/pkg/model"
)

// Candidate is a title known to the resolver's local fallback scorer.
type Candidate struct {
	AnchorID string
	Title    string
}

// Resolver implements the deterministic, ordered resolution rules:
// slug fast path, memory text-resolve, local BM25-style fallback.
type Resolver struct {
	memory         *memoryapi.Client
	candidatePool  int
	candidates     []Candidate
}

// Config configures the resolver's local fallback.
type Config struct {
	CandidatePool int // default 200
}

// New builds a Resolver against the given memory API client.
func New(memory *memoryapi.Client, cfg Config) *Resolver {
	pool := cfg.CandidatePool
	if pool <= 0 {
		pool = 200
	}
	return &Resolver{memory: memory, candidatePool: pool}
}

// SeedCandidates refreshes the in-process candidate pool used by the
// local fallback scorer, capped at the configured pool size. The pool
// is empty until a caller seeds it.
func (r *Resolver) SeedCandidates(candidates []Candidate) {
	if len(candidates) > r.candidatePool {
		candidates = candidates[:r.candidatePool]
	}
	r.candidates = candidates
}

// Resolve determines a canonical anchor id from anchorID, decisionRef,
// or free text, in that priority order (anchor_id wins when both an
// anchor_id and a decision_ref are supplied, since it is already a
// trusted resolved identifier).
//
// Returns ("", nil) when nothing resolves — a legitimate outcome for
// /v2/query, which degrades to a matches list rather than erroring.
func (r *Resolver) Resolve(ctx context.Context, anchorID, decisionRef, text string) (string, error) {
	if anchorID != "" {
		return r.resolveOne(ctx, anchorID)
	}
	if decisionRef != "" {
		return r.resolveOne(ctx, decisionRef)
	}
	if text != "" {
		return r.resolveOne(ctx, text)
	}
	return "", nil
}

// Matches returns scored candidates for text without committing to a
// single resolution — the shape /v2/query degrades to when no anchor
// resolves outright. Memory-service matches are preferred; the local
// fallback pool only contributes candidates the memory service didn't
// already surface.
func (r *Resolver) Matches(ctx context.Context, text string, limit int) []model.QueryMatch {
	seen := make(map[string]struct{})
	var out []model.QueryMatch

	if r.memory != nil {
		if resp, err := r.memory.ResolveText(ctx, memoryapi.ResolveTextRequest{Q: text, Limit: limit}); err == nil {
			for _, m := range resp.Matches {
				if _, ok := seen[m.AnchorID]; ok {
					continue
				}
				seen[m.AnchorID] = struct{}{}
				out = append(out, model.QueryMatch{AnchorID: m.AnchorID, Title: m.Title, Score: m.Score})
			}
		}
	}

	queryTerms := tokenize(text)
	if len(queryTerms) > 0 {
		for _, c := range r.candidates {
			if _, ok := seen[c.AnchorID]; ok {
				continue
			}
			score := bm25Score(queryTerms, tokenize(c.Title))
			if score <= 0 {
				continue
			}
			seen[c.AnchorID] = struct{}{}
			out = append(out, model.QueryMatch{AnchorID: c.AnchorID, Title: c.Title, Score: score})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].AnchorID < out[j].AnchorID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *Resolver) resolveOne(ctx context.Context, input string) (string, error) {
	if model.AnchorIDPattern.MatchString(input) {
		return input, nil
	}

	id, err := r.resolveViaMemory(ctx, input)
	if err == nil && id != "" {
		return id, nil
	}
	memErr := err

	id, fbErr := r.resolveViaFallback(input)
	if fbErr == nil && id != "" {
		return id, nil
	}

	if memErr != nil && fbErr != nil {
		if isDeadlineErr(memErr) {
			return "", gwerrors.Wrap(gwerrors.CodeResolverTimeout, "resolver timed out", memErr)
		}
		return "", gwerrors.Wrap(gwerrors.CodeResolverUnavailable, "resolver upstream and fallback both failed", memErr)
	}

	// All-miss, no hard errors: a legitimate "no anchor" outcome.
	return "", nil
}

func isDeadlineErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "context deadline exceeded")
}

func (r *Resolver) resolveViaMemory(ctx context.Context, text string) (string, error) {
	if r.memory == nil {
		return "", nil
	}
	resp, err := r.memory.ResolveText(ctx, memoryapi.ResolveTextRequest{Q: text, Limit: 5})
	if err != nil {
		return "", err
	}
	if len(resp.Matches) == 0 {
		return "", nil
	}
	best := resp.Matches[0]
	for _, m := range resp.Matches[1:] {
		if m.Score > best.Score {
			best = m
		}
	}
	return best.AnchorID, nil
}

// resolveViaFallback scores the local candidate pool with a BM25-style
// term-overlap heuristic: deterministic, no external calls.
func (r *Resolver) resolveViaFallback(text string) (string, error) {
	if len(r.candidates) == 0 {
		return "", nil
	}

	queryTerms := tokenize(text)
	if len(queryTerms) == 0 {
		return "", nil
	}

	type scored struct {
		id    string
		score float64
	}
	var results []scored
	for _, c := range r.candidates {
		score := bm25Score(queryTerms, tokenize(c.Title))
		if score > 0 {
			results = append(results, scored{id: c.AnchorID, score: score})
		}
	}
	if len(results) == 0 {
		return "", nil
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].id < results[j].id
	})
	return results[0].id, nil
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	return fields
}

// bm25Score is a simplified BM25 term-overlap score: no corpus-wide
// IDF statistics are available locally, so term frequency within the
// candidate title stands in for the full formula. Deterministic and
// pure — no randomness, no external state.
func bm25Score(query, doc []string) float64 {
	const k1 = 1.2
	docFreq := make(map[string]int, len(doc))
	for _, t := range doc {
		docFreq[t]++
	}

	var score float64
	for _, qt := range query {
		tf := float64(docFreq[qt])
		if tf == 0 {
			continue
		}
		score += (tf * (k1 + 1)) / (tf + k1)
	}
	return score
}
