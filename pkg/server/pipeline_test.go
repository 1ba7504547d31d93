package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whydecision/gateway/pkg/assembler"
	"github.com/whydecision/gateway/pkg/cache"
	"github.com/whydecision/gateway/pkg/crypto"
	"github.com/whydecision/gateway/pkg/evidence"
	"github.com/whydecision/gateway/pkg/loadshed"
	"github.com/whydecision/gateway/pkg/memoryapi"
	"github.com/whydecision/gateway/pkg/resolver"
	"github.com/whydecision/gateway/pkg/selector"
)

func newFixtureServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/enrich/decision/panasonic-exit-plasma-2012", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Snapshot-ETag", "snap-1")
		_, _ = w.Write([]byte(`{"id":"panasonic-exit-plasma-2012","option":"Exit plasma manufacturing","rationale":"LCD cost curve won","timestamp":"2012-03-01T00:00:00Z"}`))
	})
	mux.HandleFunc("/api/graph/expand_candidates", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"node_id":"panasonic-exit-plasma-2012","neighbors":[{"id":"lcd-price-drop-2011","kind":"event"}]}`))
	})
	mux.HandleFunc("/api/enrich/event/lcd-price-drop-2011", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"lcd-price-drop-2011","summary":"LCD panel prices dropped sharply","timestamp":"2011-06-01T00:00:00Z"}`))
	})
	return httptest.NewServer(mux)
}

func newTestPipeline(t *testing.T, ts *httptest.Server) *Pipeline {
	t.Helper()
	client := memoryapi.NewClient(ts.URL, time.Second)
	signer, err := crypto.NewEd25519Signer("test-key")
	require.NoError(t, err)

	return New(Deps{
		Resolver:    resolver.New(client, resolver.Config{}),
		Evidence:    evidence.New(client, cache.NewMemoryCache(), evidence.Config{}),
		Selector:    selector.NewGate(selector.Config{}),
		LLMDisabled: true,
		Assembler:   assembler.New(signer, "test-version"),
		Cache:       cache.NewMemoryCache(),
	})
}

func TestAsk_ResolvesBuildsAndSignsResponse(t *testing.T) {
	ts := newFixtureServer(t)
	defer ts.Close()

	p := newTestPipeline(t, ts)
	resp, failures, gwErr := p.Ask(context.Background(), AskRequest{
		AnchorID: "panasonic-exit-plasma-2012",
		Question: "why did they exit plasma manufacturing?",
	})

	require.Nil(t, gwErr)
	require.NotNil(t, resp)
	assert.Empty(t, failures)
	assert.Equal(t, "panasonic-exit-plasma-2012", resp.Evidence.Anchor.ID)
	assert.NotEmpty(t, resp.Answer.ShortAnswer)
	assert.Contains(t, resp.Answer.SupportingIDs, "panasonic-exit-plasma-2012")
	assert.True(t, resp.Meta.FallbackUsed)
	assert.Equal(t, "llm_off", resp.Meta.FallbackReason)
	assert.NotEmpty(t, resp.Meta.BundleFP)
	require.NotNil(t, resp.Meta.Signature)
	assert.GreaterOrEqual(t, resp.Meta.LatencyMS, int64(0))
}

func TestAsk_UnresolvedAnchorReturnsNotFound(t *testing.T) {
	ts := newFixtureServer(t)
	defer ts.Close()

	p := newTestPipeline(t, ts)
	resp, _, gwErr := p.Ask(context.Background(), AskRequest{Text: "", Question: "why?"})

	require.NotNil(t, gwErr)
	assert.Nil(t, resp)
	assert.Equal(t, "ANCHOR_NOT_FOUND", gwErr.Code)
	assert.Equal(t, 404, gwErr.HTTPStatus())
}

func TestAsk_LoadShedShortCircuits(t *testing.T) {
	ts := newFixtureServer(t)
	defer ts.Close()

	client := memoryapi.NewClient(ts.URL, time.Second)
	signer, err := crypto.NewEd25519Signer("test-key")
	require.NoError(t, err)

	shedCache := cache.NewMemoryCache()
	require.NoError(t, shedCache.Set(context.Background(), loadshed.FlagKey, "1", 0))
	refresher, flag := loadshed.NewRefresher(shedCache, nil, loadshed.Config{Period: 5 * time.Millisecond}, nil)
	runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	refresher.Run(runCtx)
	require.True(t, flag.Enabled())

	p := New(Deps{
		Resolver:    resolver.New(client, resolver.Config{}),
		Evidence:    evidence.New(client, cache.NewMemoryCache(), evidence.Config{}),
		Selector:    selector.NewGate(selector.Config{}),
		LLMDisabled: true,
		Assembler:   assembler.New(signer, "test-version"),
		LoadShed:    flag,
	})

	resp, _, gwErr := p.Ask(context.Background(), AskRequest{AnchorID: "panasonic-exit-plasma-2012", Question: "why?"})
	assert.Nil(t, resp)
	require.NotNil(t, gwErr)
	assert.Equal(t, "CACHE_UNAVAILABLE", gwErr.Code)
}

func TestQuery_DegradesToMatchesWhenNothingResolves(t *testing.T) {
	ts := newFixtureServer(t)
	defer ts.Close()

	p := newTestPipeline(t, ts)
	resp, matches, gwErr := p.Query(context.Background(), QueryRequest{Text: "completely unrelated free text query"})

	require.Nil(t, gwErr)
	assert.Nil(t, resp)
	require.NotNil(t, matches)
}

func TestQuery_PromotesToAskWhenAnchorResolves(t *testing.T) {
	ts := newFixtureServer(t)
	defer ts.Close()

	p := newTestPipeline(t, ts)
	resp, matches, gwErr := p.Query(context.Background(), QueryRequest{Text: "panasonic-exit-plasma-2012"})

	require.Nil(t, gwErr)
	require.NotNil(t, resp)
	assert.Nil(t, matches)
	assert.Equal(t, "panasonic-exit-plasma-2012", resp.Evidence.Anchor.ID)
}
