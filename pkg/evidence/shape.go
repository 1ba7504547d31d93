package evidence

import "encoding/json"

// rawNeighbor is the decoded shape of a single expand-candidates
// neighbor entry, before per-neighbor enrichment fills in the rest of
// the Event or Transition fields.
type rawNeighbor struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"` // "event" or "decision"
	Relation string `json:"relation,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
}

// expandShape is the tagged union of the two response shapes the
// expand-candidates endpoint may return: flat neighbors[], or nested
// {events[], transitions[]}.
type expandShape struct {
	NodeID      string `json:"node_id"`
	Neighbors   []rawNeighbor `json:"neighbors"`
	Events      []rawNeighbor `json:"events"`
	Transitions []rawNeighbor `json:"transitions"`
	Meta        struct {
		SnapshotETag   string `json:"snapshot_etag"`
		FallbackReason string `json:"fallback_reason"`
	} `json:"meta"`
}

// normalizeExpandResponse decodes either shape and returns a single
// flattened neighbor list plus the embedded meta block. Unknown or
// absent fields decode to their zero value rather than erroring —
// both shapes share the same Go struct, so an entry present in one and
// absent in the other contributes nothing.
func normalizeExpandResponse(raw []byte) (neighbors []rawNeighbor, snapshotETag string, fallbackReason string, err error) {
	var shape expandShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, "", "", err
	}

	if len(shape.Neighbors) > 0 {
		neighbors = append(neighbors, shape.Neighbors...)
	}
	if len(shape.Events) > 0 || len(shape.Transitions) > 0 {
		for i := range shape.Events {
			shape.Events[i].Kind = "event"
		}
		for i := range shape.Transitions {
			shape.Transitions[i].Kind = "decision"
		}
		neighbors = append(neighbors, shape.Events...)
		neighbors = append(neighbors, shape.Transitions...)
	}

	return neighbors, shape.Meta.SnapshotETag, shape.Meta.FallbackReason, nil
}

// dedupeNeighbors removes duplicate ids, keeping first occurrence.
func dedupeNeighbors(neighbors []rawNeighbor) []rawNeighbor {
	seen := make(map[string]struct{}, len(neighbors))
	out := make([]rawNeighbor, 0, len(neighbors))
	for _, n := range neighbors {
		if _, ok := seen[n.ID]; ok {
			continue
		}
		seen[n.ID] = struct{}{}
		out = append(out, n)
	}
	return out
}
