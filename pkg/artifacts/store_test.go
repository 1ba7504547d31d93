package artifacts

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_PutGetExistsDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	key := "req-123/envelope.json"
	data := []byte(`{"anchor_id":"panasonic-exit-plasma-2012"}`)

	ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, key, data, "application/json"))

	ok, err = store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, store.Delete(ctx, key))

	ok, err = store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_GetMissingReturnsError(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "req-404/response.json")
	assert.Error(t, err)
}

func TestFileStore_DeleteMissingIsNotError(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	assert.NoError(t, store.Delete(context.Background(), "req-404/response.json"))
}

func TestFileStore_RejectsPathTraversal(t *testing.T) {
	base := t.TempDir()
	store, err := NewFileStore(base)
	require.NoError(t, err)

	key := "../../etc/passwd"
	require.NoError(t, store.Put(context.Background(), key, []byte("x"), "text/plain"))

	resolved := store.resolve(key)
	rel, err := filepath.Rel(base, resolved)
	require.NoError(t, err)
	assert.False(t, filepath.IsAbs(rel))
	assert.NotContains(t, rel, "..")
}
