package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whydecision/gateway/pkg/memoryapi"
)

func TestResolve_SlugFastPath(t *testing.T) {
	r := New(nil, Config{})
	id, err := r.Resolve(context.Background(), "panasonic-exit-plasma-2012", "", "")
	require.NoError(t, err)
	assert.Equal(t, "panasonic-exit-plasma-2012", id)
}

func TestResolve_AnchorIDTakesPrecedenceOverDecisionRef(t *testing.T) {
	r := New(nil, Config{})
	id, err := r.Resolve(context.Background(), "panasonic-exit-plasma-2012", "some-other-ref-value", "")
	require.NoError(t, err)
	assert.Equal(t, "panasonic-exit-plasma-2012", id)
}

func TestResolve_ViaMemoryTextResolve(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"query":"q","matches":[{"anchor_id":"panasonic-exit-plasma-2012","score":0.95}],"vector_used":false}`))
	}))
	defer ts.Close()

	client := memoryapi.NewClient(ts.URL, time.Second)
	r := New(client, Config{})
	id, err := r.Resolve(context.Background(), "", "", "why did panasonic exit plasma")
	require.NoError(t, err)
	assert.Equal(t, "panasonic-exit-plasma-2012", id)
}

func TestResolve_FallsBackToLocalScorer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"query":"q","matches":[],"vector_used":false}`))
	}))
	defer ts.Close()

	client := memoryapi.NewClient(ts.URL, time.Second)
	r := New(client, Config{})
	r.SeedCandidates([]Candidate{
		{AnchorID: "panasonic-exit-plasma-2012", Title: "panasonic exit plasma manufacturing"},
		{AnchorID: "unrelated-decision-1999", Title: "completely different topic"},
	})

	id, err := r.Resolve(context.Background(), "", "", "panasonic plasma exit")
	require.NoError(t, err)
	assert.Equal(t, "panasonic-exit-plasma-2012", id)
}

func TestResolve_AllMissReturnsNoAnchorWithoutError(t *testing.T) {
	r := New(nil, Config{})
	id, err := r.Resolve(context.Background(), "", "", "nothing matches anything")
	require.NoError(t, err)
	assert.Equal(t, "", id)
}

func TestResolve_EmptyInputsReturnNoAnchor(t *testing.T) {
	r := New(nil, Config{})
	id, err := r.Resolve(context.Background(), "", "", "")
	require.NoError(t, err)
	assert.Equal(t, "", id)
}
