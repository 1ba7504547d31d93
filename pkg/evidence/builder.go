// Package evidence assembles the bounded Evidence Bundle for a single
// anchor: enrichment, neighbor expansion, per-neighbor enrichment,
// deduplication, and composition of allowed_ids, with a cache probe in
// front and a bounded, jittered retry policy around each outbound call.
package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/whydecision/gateway/pkg/cache"
	"github.com/whydecision/gateway/pkg/gwerrors"
	"github.com/whydecision/gateway/pkg/memoryapi"
	"github.com/whydecision/gateway/pkg/model"
)

// Config controls the evidence builder's retry policy and fan-out bound.
type Config struct {
	RetryBase     time.Duration // default 50ms
	RetryJitter   time.Duration // default 25ms
	MaxAttempts   int           // default 3
	FanoutLimit   int           // default 16; set only through Config, no env var is read
	NeighborCount int           // k passed to expand_candidates, default 25
}

func (c Config) withDefaults() Config {
	if c.RetryBase <= 0 {
		c.RetryBase = 50 * time.Millisecond
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 25 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.FanoutLimit <= 0 {
		c.FanoutLimit = 16
	}
	if c.NeighborCount <= 0 {
		c.NeighborCount = 25
	}
	return c
}

// Builder assembles evidence bundles.
type Builder struct {
	memory *memoryapi.Client
	cache  cache.Cache
	cfg    Config
}

// New constructs a Builder. cache may be nil to disable caching.
func New(memory *memoryapi.Client, c cache.Cache, cfg Config) *Builder {
	return &Builder{memory: memory, cache: c, cfg: cfg.withDefaults()}
}

// Build assembles the Evidence Bundle for anchorID, probing the cache
// first under the composite key {anchorID, policyFP, snapshotETag}.
// Since the snapshot etag is itself only known after enrichment, the
// cache probe is attempted up to twice: once before enrichment with
// knownSnapshotETag (only when the caller supplies one), and again with
// the freshly observed etag after enrichment — whichever hits first
// wins; a full build always re-validates against the live snapshot.
func (b *Builder) Build(ctx context.Context, anchorID, policyFP, knownSnapshotETag string) (*model.Bundle, error) {
	if knownSnapshotETag != "" {
		if cached, ok := probeCache(ctx, b.cache, anchorID, policyFP, knownSnapshotETag); ok {
			return cached, nil
		}
	}

	retries := &retryCounter{}

	anchorDoc, snapshotETag, err := b.enrichAnchor(ctx, anchorID, retries)
	if err != nil {
		return nil, err
	}

	if cached, ok := probeCache(ctx, b.cache, anchorID, policyFP, snapshotETag); ok {
		return cached, nil
	}

	neighbors, err := b.expandNeighbors(ctx, anchorID, retries)
	if err != nil {
		return nil, err
	}
	neighbors = dedupeNeighbors(neighbors)

	events, transitions, err := b.enrichNeighbors(ctx, anchorID, neighbors, retries)
	if err != nil {
		return nil, err
	}

	anchor := decodeAnchor(anchorDoc)
	if anchor.Title == "" && anchor.Option != "" {
		anchor.Title = anchor.Option
	}
	anchor.ID = anchorID

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].ID < events[j].ID
	})

	preceding, succeeding := splitTransitions(anchorID, transitions)

	bundle := &model.Bundle{
		Anchor: anchor,
		Events: events,
		Transitions: model.TransitionSet{
			Preceding:  preceding,
			Succeeding: succeeding,
		},
		SnapshotETag: snapshotETag,
		RetryCount:   retries.count,
	}
	bundle.AllowedIDs = composeAllowedIDs(bundle)

	writeCache(ctx, b.cache, anchorID, policyFP, snapshotETag, bundle)

	return bundle, nil
}

func (b *Builder) enrichAnchor(ctx context.Context, anchorID string, retries *retryCounter) (map[string]any, string, error) {
	op := retries.wrap(func() (any, error) {
		body, headers, err := b.memory.EnrichDecision(ctx, anchorID)
		if err != nil {
			return nil, err
		}
		var doc map[string]any
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, gwerrors.Wrap(gwerrors.CodeEvidenceDecode, "malformed anchor enrichment body", err)
		}
		var meta map[string]any
		if m, ok := doc["meta"].(map[string]any); ok {
			meta = m
		}
		etag := memoryapi.ExtractSnapshotETag(headers, meta)
		return map[string]any{"doc": doc, "etag": etag}, nil
	})

	result, err := b.retry(ctx, op)
	if err != nil {
		return nil, "", classifyUpstreamErr(err, gwerrors.CodeEvidenceTimeout, gwerrors.CodeEvidenceUpstream)
	}
	m := result.(map[string]any)
	return m["doc"].(map[string]any), m["etag"].(string), nil
}

func (b *Builder) expandNeighbors(ctx context.Context, anchorID string, retries *retryCounter) ([]rawNeighbor, error) {
	op := retries.wrap(func() (any, error) {
		body, _, err := b.memory.ExpandCandidates(ctx, memoryapi.ExpandCandidatesRequest{
			NodeID: anchorID,
			K:      b.cfg.NeighborCount,
		})
		if err != nil {
			return nil, err
		}
		neighbors, _, _, err := normalizeExpandResponse(body)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.CodeEvidenceDecode, "malformed expand_candidates body", err)
		}
		return neighbors, nil
	})

	result, err := b.retry(ctx, op)
	if err != nil {
		return nil, classifyUpstreamErr(err, gwerrors.CodeEvidenceTimeout, gwerrors.CodeEvidenceUpstream)
	}
	return result.([]rawNeighbor), nil
}

// enrichNeighbors fans per-neighbor enrichment calls out up to
// FanoutLimit concurrent goroutines, routing decision neighbors to the
// decision endpoint and event neighbors to the event endpoint.
func (b *Builder) enrichNeighbors(ctx context.Context, anchorID string, neighbors []rawNeighbor, retries *retryCounter) ([]model.Event, []model.Transition, error) {
	sem := make(chan struct{}, b.cfg.FanoutLimit)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var retryMu sync.Mutex

	events := make([]model.Event, 0, len(neighbors))
	transitions := make([]model.Transition, 0, len(neighbors))
	var firstErr error

	for _, n := range neighbors {
		n := n
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			var localRetries int
			op := func() (any, error) {
				localRetries++
				if n.Kind == "event" {
					body, _, err := b.memory.EnrichEvent(ctx, n.ID)
					if err != nil {
						return nil, err
					}
					return decodeEvent(body, n.ID), nil
				}
				body, _, err := b.memory.EnrichDecision(ctx, n.ID)
				if err != nil {
					return nil, err
				}
				return decodeTransitionPeer(body, anchorID, n), nil
			}

			result, err := b.retry(ctx, op)

			retryMu.Lock()
			retries.count += localRetries
			retryMu.Unlock()

			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = classifyUpstreamErr(err, gwerrors.CodeEvidenceTimeout, gwerrors.CodeEvidenceUpstream)
				}
				mu.Unlock()
				return
			}

			mu.Lock()
			switch v := result.(type) {
			case model.Event:
				events = append(events, v)
			case model.Transition:
				transitions = append(transitions, v)
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, nil, firstErr
	}
	return events, transitions, nil
}

func (b *Builder) retry(ctx context.Context, op func() (any, error)) (any, error) {
	bo := newJitteredBackOff(b.cfg.RetryBase, b.cfg.RetryJitter)
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(b.cfg.MaxAttempts)),
	)
}

func classifyUpstreamErr(err error, timeoutCode, upstreamCode string) error {
	if ctxErr := ctxDeadlineExceeded(err); ctxErr {
		return gwerrors.Wrap(timeoutCode, "evidence stage deadline exceeded", err)
	}
	if gwErr, ok := err.(*gwerrors.Error); ok {
		return gwErr
	}
	return gwerrors.Wrap(upstreamCode, "evidence upstream call failed", err)
}

func ctxDeadlineExceeded(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func decodeAnchor(doc map[string]any) model.Anchor {
	raw, _ := json.Marshal(doc)
	var a model.Anchor
	_ = json.Unmarshal(raw, &a)
	return a
}

func decodeEvent(body []byte, fallbackID string) model.Event {
	var e model.Event
	_ = json.Unmarshal(body, &e)
	if e.ID == "" {
		e.ID = fallbackID
	}
	return e
}

func decodeTransitionPeer(body []byte, anchorID string, n rawNeighbor) model.Transition {
	var doc map[string]any
	_ = json.Unmarshal(body, &doc)

	t := model.Transition{
		ID:       n.ID,
		Relation: n.Relation,
	}
	if n.From != "" || n.To != "" {
		t.From, t.To = n.From, n.To
	} else {
		// No explicit direction on the neighbor entry: the peer is
		// linked directly to the anchor.
		t.From, t.To = anchorID, n.ID
	}
	if reason, ok := doc["reason"].(string); ok {
		t.Reason = reason
	}
	if ts, ok := doc["timestamp"].(string); ok {
		t.Timestamp = ts
	}
	return t
}

func splitTransitions(anchorID string, transitions []model.Transition) (preceding, succeeding []model.Transition) {
	for _, t := range transitions {
		if t.To == anchorID {
			preceding = append(preceding, t)
		} else {
			succeeding = append(succeeding, t)
		}
	}
	return preceding, succeeding
}

// composeAllowedIDs builds the allowed_ids union per the fixed
// ordering rule: anchor first, events by ascending timestamp, then
// transitions. No duplicates.
func composeAllowedIDs(bundle *model.Bundle) []string {
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

// ErrNoAnchor names the "anchor not found" condition. Build does not
// return it: the memory client treats only 5xx responses as failures.
var ErrNoAnchor = fmt.Errorf("anchor not found")
