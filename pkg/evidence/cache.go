package evidence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/whydecision/gateway/pkg/cache"
	"github.com/whydecision/gateway/pkg/model"
)

const cacheTTL = 5 * time.Minute

// cacheKey builds the composite evidence cache key.
func cacheKey(anchorID, policyFP, snapshotETag string) string {
	return "evidence:" + anchorID + ":" + policyFP + ":" + snapshotETag
}

// pointerEnvelope is the second supported cache layout: a pointer to a
// composite key holding the actual blob, rather than the blob itself.
type pointerEnvelope struct {
	PointerTo string `json:"__pointer_to"`
}

// probeCache looks up a bundle under the composite key, following the
// three supported layouts: a direct blob, a pointer to another key, or
// a stale pointer (target missing — treated as a miss, never an
// error). Any cache failure is also treated as a miss; the cache is
// never allowed to fail a request.
func probeCache(ctx context.Context, c cache.Cache, anchorID, policyFP, snapshotETag string) (*model.Bundle, bool) {
	if c == nil {
		return nil, false
	}
	key := cacheKey(anchorID, policyFP, snapshotETag)

	raw, err := c.Get(ctx, key)
	if err != nil {
		return nil, false
	}

	var ptr pointerEnvelope
	if json.Unmarshal([]byte(raw), &ptr) == nil && ptr.PointerTo != "" {
		target, err := c.Get(ctx, ptr.PointerTo)
		if err != nil {
			// Stale pointer: treat as a miss, not an error.
			return nil, false
		}
		raw = target
	}

	var bundle model.Bundle
	if err := json.Unmarshal([]byte(raw), &bundle); err != nil {
		return nil, false
	}
	return &bundle, true
}

// writeCache stores the bundle directly under the composite key.
// Failures are swallowed: cache writes are never fatal to a request.
func writeCache(ctx context.Context, c cache.Cache, anchorID, policyFP, snapshotETag string, bundle *model.Bundle) {
	if c == nil {
		return
	}
	key := cacheKey(anchorID, policyFP, snapshotETag)
	raw, err := json.Marshal(bundle)
	if err != nil {
		return
	}
	_ = c.Set(ctx, key, string(raw), cacheTTL)
}
