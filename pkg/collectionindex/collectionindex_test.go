package collectionindex_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commoncrawl-tools/ccpointer/pkg/collectionindex"
	"github.com/commoncrawl-tools/ccpointer/pkg/columnar"
	"github.com/commoncrawl-tools/ccpointer/pkg/database"
	"github.com/commoncrawl-tools/ccpointer/pkg/pointer"
)

func writeTestShard(t *testing.T, path string) {
	t.Helper()

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

	_, err := columnar.Write(context.Background(), path, records, columnar.DefaultWriterConfig())
	require.NoError(t, err)
}

func TestIndexShard(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	shardPath := filepath.Join(dir, "cdx-00000.gz.parquet")
	writeTestShard(t, shardPath)

	db, err := database.Open(filepath.Join(dir, "collection.duckdb"), nil)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, collectionindex.EnsureSchema(ctx, db))

	shard, err := columnar.Open(shardPath)
	require.NoError(t, err)
	defer shard.Close()

	rows, err := collectionindex.IndexShard(ctx, db, shard, "cdx-00000.gz.parquet", "CC-MAIN-2024-30", 2024, "cdx-00000.gz")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rows)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cc_domain_shards WHERE host_rev = 'com,example'`).Scan(&count))
	assert.Equal(t, 1, count)
}
