package blobstore_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commoncrawl-tools/ccpointer/pkg/blobstore"
)

func TestLocalStorePutGetDelete(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	store, err := blobstore.NewLocalStore(dir)
	require.NoError(t, err)

	ctx := context.Background()
	key := "cc_pointers_by_collection/2024/CC-MAIN-2024-30/cdx-00000.gz.parquet"

	assert.False(t, store.Has(ctx, key))

	written, err := store.Put(ctx, key, bytes.NewReader([]byte("parquet-bytes")), 13)
	require.NoError(t, err)
	assert.Equal(t, int64(13), written)

	assert.True(t, store.Has(ctx, key))

	_, err = store.Put(ctx, key, bytes.NewReader([]byte("again")), 5)
	assert.ErrorIs(t, err, blobstore.ErrAlreadyExists)

	size, rc, err := store.Get(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, int64(13), size)

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "parquet-bytes", string(data))

	require.NoError(t, store.Delete(ctx, key))
	assert.False(t, store.Has(ctx, key))

	err = store.Delete(ctx, key)
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestLocalStoreWalk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := blobstore.NewLocalStore(dir)
	require.NoError(t, err)

	ctx := context.Background()

	for _, key := range []string{"a/one.duckdb", "a/b/two.duckdb"} {
		_, err := store.Put(ctx, key, bytes.NewReader([]byte("x")), 1)
		require.NoError(t, err)
	}

	var seen []string
	require.NoError(t, store.Walk(ctx, "a", func(key string) error {
		seen = append(seen, key)

		return nil
	}))

	assert.ElementsMatch(t, []string{"a/one.duckdb", "a/b/two.duckdb"}, seen)
}
