package searchadapter_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commoncrawl-tools/ccpointer/pkg/catalog"
	"github.com/commoncrawl-tools/ccpointer/pkg/collectionindex"
	"github.com/commoncrawl-tools/ccpointer/pkg/columnar"
	"github.com/commoncrawl-tools/ccpointer/pkg/database"
	"github.com/commoncrawl-tools/ccpointer/pkg/planner"
	"github.com/commoncrawl-tools/ccpointer/pkg/pointer"
	"github.com/commoncrawl-tools/ccpointer/pkg/searchadapter"
)

func braveResponse(t *testing.T, urls ...string) []byte {
	t.Helper()

	type hit struct {
		Title       string `json:"title"`
		URL         string `json:"url"`
		Description string `json:"description"`
	}

	var body struct {
		Web struct {
			Results []hit `json:"results"`
		} `json:"web"`
	}

	for _, u := range urls {
		body.Web.Results = append(body.Web.Results, hit{Title: "t", URL: u, Description: "d"})
	}

	data, err := json.Marshal(body)
	require.NoError(t, err)

	return data
}

func TestSearchCallsUpstreamAndCachesResponse(t *testing.T) {
	t.Parallel()

	var requests int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "secret-token", r.Header.Get("X-Subscription-Token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(braveResponse(t, "https://example.com/a"))
	}))
	defer srv.Close()

	cacheDir := t.TempDir()

	adapter, err := searchadapter.New(searchadapter.Options{
		Endpoint: srv.URL,
		APIToken: "secret-token",
		CacheDir: cacheDir,
		CacheTTL: time.Hour,
	})
	require.NoError(t, err)

	results, err := adapter.Search(context.Background(), searchadapter.Query{Text: "example"}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "https://example.com/a", results[0].URL)
	assert.Equal(t, 1, requests)

	// Second call within TTL should be served from the on-disk cache, not
	// hit the upstream server again.
	results2, err := adapter.Search(context.Background(), searchadapter.Query{Text: "example"}, 10)
	require.NoError(t, err)
	assert.Equal(t, results, results2)
	assert.Equal(t, 1, requests, "second call should be served from cache")

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSearchUpstreamFailureDoesNotPollutesCache(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()

	adapter, err := searchadapter.New(searchadapter.Options{
		Endpoint: srv.URL,
		APIToken: "bad-token",
		CacheDir: cacheDir,
	})
	require.NoError(t, err)

	_, err = adapter.Search(context.Background(), searchadapter.Query{Text: "example"}, 10)
	require.ErrorIs(t, err, searchadapter.ErrUpstreamUnavailable)

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSearchAttachesNewestPointerViaPlanner(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	ctx := context.Background()
	shardPath := filepath.Join(dir, "cdx-00000.gz.parquet")

	writeCh := make(chan pointer.Capture, 2)
	writeCh <- pointer.Capture{
		HostRev: "com,example", URL: "https://example.com/a", URLKey: "com,example)/a",
		Timestamp: "20230101000000", WARCFilename: "old.warc.gz", WARCLength: 10,
		Collection: "CC-MAIN-2024-30", ShardFile: "cdx-00000.gz",
	}
	writeCh <- pointer.Capture{
		HostRev: "com,example", URL: "https://example.com/a", URLKey: "com,example)/a",
		Timestamp: "20240101000000", WARCFilename: "new.warc.gz", WARCLength: 20,
		Collection: "CC-MAIN-2024-30", ShardFile: "cdx-00000.gz",
	}
	close(writeCh)

	_, err := columnar.Write(ctx, shardPath, writeCh, columnar.DefaultWriterConfig())
	require.NoError(t, err)

	indexDB, err := database.Open(filepath.Join(dir, "index.duckdb"), nil)
	require.NoError(t, err)
	defer indexDB.Close()

	require.NoError(t, collectionindex.EnsureSchema(ctx, indexDB))

	reader, err := columnar.Open(shardPath)
	require.NoError(t, err)

	_, err = collectionindex.IndexShard(ctx, indexDB, reader, "cdx-00000.gz.parquet", "CC-MAIN-2024-30", 2024, "cdx-00000.gz")
	require.NoError(t, reader.Close())
	require.NoError(t, err)

	masterDB, err := database.Open(filepath.Join(dir, "master.duckdb"), nil)
	require.NoError(t, err)
	defer masterDB.Close()

	require.NoError(t, catalog.UpsertCollection(ctx, masterDB, "CC-MAIN-2024-30", 2024, filepath.Join(dir, "index.duckdb"), 1, time.Now()))

	p := &planner.Planner{
		MasterDB: masterDB,
		OpenCollection: func(collection string) (*planner.CollectionDB, error) {
			return &planner.CollectionDB{
				Collection: collection,
				DB:         indexDB,
				ShardPath:  func(relpath string) string { return filepath.Join(dir, relpath) },
			}, nil
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(braveResponse(t, "https://example.com/a"))
	}))
	defer srv.Close()

	adapter, err := searchadapter.New(searchadapter.Options{
		Endpoint: srv.URL,
		APIToken: "token",
		Planner:  p,
	})
	require.NoError(t, err)

	results, err := adapter.Search(ctx, searchadapter.Query{Text: "example"}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Pointer)
	assert.Equal(t, "new.warc.gz", results[0].Pointer.WARCFilename, "the newer capture by timestamp should win")
}
