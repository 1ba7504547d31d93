// Package memoryapi is the HTTP client for the external memory graph
// service: text resolution, neighbor expansion, and per-node
// enrichment. It carries no business logic of its own — callers
// (resolver, evidence) own retry policy and shape normalization.
package memoryapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the memory service over relative paths against a
// configured base URL. It never constructs absolute URLs from
// caller-supplied input.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client against baseURL with the given request
// timeout as a default (callers may still pass a context deadline to
// cut this shorter per stage budget).
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

// ResolveTextRequest is the body for POST /api/resolve/text.
type ResolveTextRequest struct {
	Q           string    `json:"q"`
	UseVector   bool      `json:"use_vector,omitempty"`
	QueryVector []float64 `json:"query_vector,omitempty"`
	Limit       int       `json:"limit,omitempty"`
}

// ResolveTextMatch is a single candidate from the text-resolve endpoint.
type ResolveTextMatch struct {
	AnchorID string  `json:"anchor_id"`
	Title    string  `json:"title,omitempty"`
	Score    float64 `json:"score"`
}

// ResolveTextResponse is the decoded body of POST /api/resolve/text.
type ResolveTextResponse struct {
	Query       string             `json:"query"`
	Matches     []ResolveTextMatch `json:"matches"`
	VectorUsed  bool               `json:"vector_used"`
	SnapshotETag string            `json:"-"`
}

// ResolveText calls POST /api/resolve/text.
func (c *Client) ResolveText(ctx context.Context, req ResolveTextRequest) (*ResolveTextResponse, error) {
	resp, err := c.postJSON(ctx, "/api/resolve/text", req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out ResolveTextResponse
	if err := decodeJSON(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode resolve/text response: %w", err)
	}
	out.SnapshotETag = ExtractSnapshotETag(resp.Header, nil)
	return &out, nil
}

// ExpandCandidatesRequest is the body for POST /api/graph/expand_candidates.
type ExpandCandidatesRequest struct {
	NodeID string `json:"node_id"`
	K      int    `json:"k"`
}

// ExpandCandidatesResponse is the raw decoded body, left as json.RawMessage
// for the caller to normalize (flat neighbors[] vs nested shape).
type ExpandCandidatesResponse struct {
	NodeID string          `json:"node_id"`
	Raw    json.RawMessage `json:"-"`
}

// ExpandCandidates calls POST /api/graph/expand_candidates and returns
// the raw body for shape-aware normalization by the caller.
func (c *Client) ExpandCandidates(ctx context.Context, req ExpandCandidatesRequest) ([]byte, http.Header, error) {
	resp, err := c.postJSON(ctx, "/api/graph/expand_candidates", req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read expand_candidates response: %w", err)
	}
	return body, resp.Header, nil
}

// EnrichDecision calls GET /api/enrich/decision/{id}.
func (c *Client) EnrichDecision(ctx context.Context, id string) ([]byte, http.Header, error) {
	return c.getRaw(ctx, "/api/enrich/decision/"+id)
}

// EnrichEvent calls GET /api/enrich/event/{id}.
func (c *Client) EnrichEvent(ctx context.Context, id string) ([]byte, http.Header, error) {
	return c.getRaw(ctx, "/api/enrich/event/"+id)
}

// SchemaFields calls GET /api/schema/fields.
func (c *Client) SchemaFields(ctx context.Context) ([]byte, http.Header, error) {
	return c.getRaw(ctx, "/api/schema/fields")
}

// SchemaRels calls GET /api/schema/rels.
func (c *Client) SchemaRels(ctx context.Context) ([]byte, http.Header, error) {
	return c.getRaw(ctx, "/api/schema/rels")
}

func (c *Client) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("memory api request to %s failed: %w", path, err)
	}
	if resp.StatusCode >= 500 {
		defer func() { _ = resp.Body.Close() }()
		return nil, fmt.Errorf("memory api %s returned %d", path, resp.StatusCode)
	}
	return resp, nil
}

func (c *Client) getRaw(ctx context.Context, path string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("memory api request to %s failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, nil, fmt.Errorf("memory api %s returned %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s response: %w", path, err)
	}
	return body, resp.Header, nil
}

func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	return dec.Decode(v)
}

// ExtractSnapshotETag pulls the snapshot etag out of response headers,
// checking both underscore and hyphen header-name variants
// case-insensitively, then falling back to a body-level meta map if
// provided; returns "unknown" if none is present.
func ExtractSnapshotETag(h http.Header, bodyMeta map[string]any) string {
	candidates := []string{"ETag", "Snapshot-ETag", "Snapshot_ETag", "X-Snapshot-ETag", "X-Snapshot_ETag"}
	for _, c := range candidates {
		if v := h.Get(c); v != "" {
			return strings.Trim(v, `"`)
		}
	}
	if bodyMeta != nil {
		if v, ok := bodyMeta["snapshot_etag"]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return "unknown"
}
