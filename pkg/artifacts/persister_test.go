package artifacts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersister_WritesAllSevenArtefacts(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	p := NewPersister(store, false)

	reqID := "req-abc"
	artefacts := RequestArtefacts{
		Envelope:        []byte(`{}`),
		RenderedPrompt:  []byte("prompt text"),
		LLMRaw:          []byte(`{}`),
		ValidatorReport: []byte(`{}`),
		Response:        []byte(`{}`),
		EvidencePre:     []byte(`{}`),
		EvidencePost:    []byte(`{}`),
	}

	failures, err := p.Persist(context.Background(), reqID, artefacts)
	require.NoError(t, err)
	assert.Empty(t, failures)

	for _, name := range []string{
		ArtefactEnvelope, ArtefactRenderedPrompt, ArtefactLLMRaw,
		ArtefactValidatorReport, ArtefactResponse, ArtefactEvidencePre, ArtefactEvidencePost,
	} {
		ok, err := store.Exists(context.Background(), reqID+"/"+name)
		require.NoError(t, err)
		assert.True(t, ok, "expected %s to be persisted", name)
	}
}

func TestPersister_SkipsNilArtefacts(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	p := NewPersister(store, false)

	reqID := "req-nollm"
	artefacts := RequestArtefacts{
		Envelope: []byte(`{}`),
		Response: []byte(`{}`),
	}

	failures, err := p.Persist(context.Background(), reqID, artefacts)
	require.NoError(t, err)
	assert.Empty(t, failures)

	ok, _ := store.Exists(context.Background(), reqID+"/"+ArtefactLLMRaw)
	assert.False(t, ok, "llm_raw.json should not be written when nil")

	ok, _ = store.Exists(context.Background(), reqID+"/"+ArtefactEnvelope)
	assert.True(t, ok)
}

type failingStore struct {
	Store
	failOn string
}

func (f *failingStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if key == f.failOn {
		return errors.New("simulated backend failure")
	}
	return f.Store.Put(ctx, key, data, contentType)
}

func TestPersister_NonStrictCollectsFailureButSucceeds(t *testing.T) {
	base, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	reqID := "req-partial"
	failing := &failingStore{Store: base, failOn: reqID + "/" + ArtefactResponse}

	p := NewPersister(failing, false)
	failures, err := p.Persist(context.Background(), reqID, RequestArtefacts{
		Envelope: []byte(`{}`),
		Response: []byte(`{}`),
	})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, ArtefactResponse, failures[0].Artefact)

	ok, _ := base.Exists(context.Background(), reqID+"/"+ArtefactEnvelope)
	assert.True(t, ok, "successful writes still land even when a later one fails")
}

func TestPersister_StrictRollsBackOnFailure(t *testing.T) {
	base, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	reqID := "req-strict"
	failing := &failingStore{Store: base, failOn: reqID + "/" + ArtefactResponse}

	p := NewPersister(failing, true)
	_, err = p.Persist(context.Background(), reqID, RequestArtefacts{
		Envelope: []byte(`{}`),
		Response: []byte(`{}`),
	})
	require.Error(t, err)

	ok, _ := base.Exists(context.Background(), reqID+"/"+ArtefactEnvelope)
	assert.False(t, ok, "strict mode must roll back artefacts already written for this request")
}
