package planner_test

import (
	"context"
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
)

func setupFixture(t *testing.T) (*planner.Planner, string) {
	t.Helper()

	dir := t.TempDir()
	shardRelpath := "cdx-00000.gz.parquet"
	shardPath := filepath.Join(dir, shardRelpath)

	records := make(chan pointer.Capture)
	go func() {
		defer close(records)

		for _, c := range []pointer.Capture{
			{HostRev: "com,example", URL: "https://example.com/a", Timestamp: "20240101000000", WARCFilename: "c.warc.gz"},
			{HostRev: "com,example", URL: "https://example.com/b", Timestamp: "20240101000000", WARCFilename: "c.warc.gz"},
			{HostRev: "com,example,www", URL: "https://www.example.com/a", Timestamp: "20240101000000", WARCFilename: "c.warc.gz"},
			{HostRev: "org,example,api", URL: "https://api.example.org/", Timestamp: "20240101000000", WARCFilename: "c.warc.gz"},
		} {
			records <- c
		}
	}()

	ctx := context.Background()
	_, err := columnar.Write(ctx, shardPath, records, columnar.DefaultWriterConfig())
	require.NoError(t, err)

	collectionDB, err := database.Open(filepath.Join(dir, "CC-MAIN-2024-30.duckdb"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { collectionDB.Close() })

	require.NoError(t, collectionindex.EnsureSchema(ctx, collectionDB))

	shard, err := columnar.Open(shardPath)
	require.NoError(t, err)
	defer shard.Close()

	_, err = collectionindex.IndexShard(ctx, collectionDB, shard, shardRelpath, "CC-MAIN-2024-30", 2024, "cdx-00000.gz")
	require.NoError(t, err)

	masterDB, err := database.Open(filepath.Join(dir, "master.duckdb"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { masterDB.Close() })

	require.NoError(t, catalog.UpsertCollection(ctx, masterDB, "CC-MAIN-2024-30", 2024, filepath.Join(dir, "CC-MAIN-2024-30.duckdb"), 3, time.Now()))

	p := &planner.Planner{
		MasterDB: masterDB,
		OpenCollection: func(collection string) (*planner.CollectionDB, error) {
			return &planner.CollectionDB{
				Collection: collection,
				DB:         collectionDB,
				ShardPath:  func(relpath string) string { return filepath.Join(dir, relpath) },
			}, nil
		},
	}

	return p, dir
}

func TestSearchDomainIncludesSubdomains(t *testing.T) {
	t.Parallel()

	p, _ := setupFixture(t)

	result, err := p.SearchDomain(context.Background(), "example.com", planner.SearchOptions{MaxMatches: 10})
	require.NoError(t, err)
	assert.Len(t, result.Pointers, 3)
	assert.False(t, result.Truncated)
}

func TestSearchDomainMaxMatchesTruncates(t *testing.T) {
	t.Parallel()

	p, _ := setupFixture(t)

	result, err := p.SearchDomain(context.Background(), "example.com", planner.SearchOptions{MaxMatches: 1})
	require.NoError(t, err)
	assert.Len(t, result.Pointers, 1)
	assert.True(t, result.Truncated)
}

func TestParquetShardsForDomain(t *testing.T) {
	t.Parallel()

	p, _ := setupFixture(t)

	shards, err := p.ParquetShardsForDomain(context.Background(), "CC-MAIN-2024-30", "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"cdx-00000.gz.parquet"}, shards)
}
