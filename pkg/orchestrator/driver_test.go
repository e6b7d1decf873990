package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commoncrawl-tools/ccpointer/pkg/catalog"
	"github.com/commoncrawl-tools/ccpointer/pkg/collectionindex"
	"github.com/commoncrawl-tools/ccpointer/pkg/database"
	"github.com/commoncrawl-tools/ccpointer/pkg/orchestrator"
)

func gzippedCDXJ(t *testing.T, lines ...string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cdx-00000.gz")

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	return path
}

func TestDriverRunShardAdvancesToIndexed(t *testing.T) {
	t.Parallel()

	inputPath := gzippedCDXJ(t,
		`com,example)/a 20240101000000 {"url":"https://example.com/a","mime":"text/html","status":"200","digest":"AAA","length":"100","offset":"0","filename":"crawl.warc.gz"}`,
		`org,example)/b 20240101000001 {"url":"https://example.org/b","mime":"text/html","status":"200","digest":"BBB","length":"200","offset":"100","filename":"crawl.warc.gz"}`,
	)

	dir := t.TempDir()
	shardPath := filepath.Join(dir, "cdx-00000.gz.parquet")

	indexDB, err := database.Open(filepath.Join(dir, "index.duckdb"), nil)
	require.NoError(t, err)
	defer indexDB.Close()

	require.NoError(t, collectionindex.EnsureSchema(context.Background(), indexDB))

	driver := orchestrator.NewDriver(orchestrator.Config{
		SpillDir:            t.TempDir(),
		SortMemoryPerWorker: orchestratorDefaultMemory,
		SortWorkers:         1,
		IndexWorkers:        1,
		RowGroupTargetBytes: 32 * 1024 * 1024,
		RowGroupMinBytes:    1,
		RowGroupDomainPct:   90,
	}, nil, nil, nil, nil)

	shard := orchestrator.Shard{
		InputPath:    inputPath,
		ShardPath:    shardPath,
		ShardRelpath: "2024/CC-MAIN-2024-30/cdx-00000.gz.parquet",
		ShardFile:    "cdx-00000.gz",
		Collection:   "CC-MAIN-2024-30",
		Year:         2024,
	}

	require.NoError(t, driver.RunShard(context.Background(), shard, indexDB))

	assert.FileExists(t, shardPath+".sorted")
	assert.FileExists(t, shardPath+".indexed")
	assert.NoFileExists(t, shardPath+".sorting")

	var rows int
	require.NoError(t, indexDB.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM cc_domain_shards`).Scan(&rows))
	assert.Equal(t, 2, rows, "two distinct host_rev runs should have been folded in")
}

func TestDriverRunShardResumesFromSortedMarker(t *testing.T) {
	t.Parallel()

	inputPath := gzippedCDXJ(t,
		`com,example)/a 20240101000000 {"url":"https://example.com/a","mime":"text/html","status":"200","digest":"AAA","length":"100","offset":"0","filename":"crawl.warc.gz"}`,
	)

	dir := t.TempDir()
	shardPath := filepath.Join(dir, "cdx-00000.gz.parquet")

	indexDB, err := database.Open(filepath.Join(dir, "index.duckdb"), nil)
	require.NoError(t, err)
	defer indexDB.Close()

	require.NoError(t, collectionindex.EnsureSchema(context.Background(), indexDB))

	driver := orchestrator.NewDriver(orchestrator.Config{
		SpillDir:            t.TempDir(),
		SortMemoryPerWorker: orchestratorDefaultMemory,
		SortWorkers:         1,
		IndexWorkers:        1,
		RowGroupTargetBytes: 32 * 1024 * 1024,
		RowGroupMinBytes:    1,
		RowGroupDomainPct:   90,
	}, nil, nil, nil, nil)

	shard := orchestrator.Shard{
		InputPath:    inputPath,
		ShardPath:    shardPath,
		ShardRelpath: "2024/CC-MAIN-2024-30/cdx-00000.gz.parquet",
		ShardFile:    "cdx-00000.gz",
		Collection:   "CC-MAIN-2024-30",
		Year:         2024,
	}

	require.NoError(t, driver.RunShard(context.Background(), shard, indexDB))

	// Remove the input so a second run proves it resumed from the markers
	// the first run left (.sorted and .indexed) rather than re-decoding a
	// now-missing shard.
	require.NoError(t, os.Remove(inputPath))

	require.NoError(t, driver.RunShard(context.Background(), shard, indexDB))
}

func TestDriverRunCollectionAggregatesToMasterCatalog(t *testing.T) {
	t.Parallel()

	inputPath := gzippedCDXJ(t,
		`com,example)/a 20240101000000 {"url":"https://example.com/a","mime":"text/html","status":"200","digest":"AAA","length":"100","offset":"0","filename":"crawl.warc.gz"}`,
	)

	dir := t.TempDir()
	shardPath := filepath.Join(dir, "cdx-00000.gz.parquet")
	indexDBPath := filepath.Join(dir, "index.duckdb")

	indexDB, err := database.Open(indexDBPath, nil)
	require.NoError(t, err)
	defer indexDB.Close()

	require.NoError(t, collectionindex.EnsureSchema(context.Background(), indexDB))

	masterDB, err := database.Open(filepath.Join(dir, "master.duckdb"), nil)
	require.NoError(t, err)
	defer masterDB.Close()

	driver := orchestrator.NewDriver(orchestrator.Config{
		SpillDir:            t.TempDir(),
		SortMemoryPerWorker: orchestratorDefaultMemory,
		SortWorkers:         2,
		IndexWorkers:        1,
		RowGroupTargetBytes: 32 * 1024 * 1024,
		RowGroupMinBytes:    1,
		RowGroupDomainPct:   90,
	}, orchestrator.NewMetrics(), nil, masterDB, nil)

	shard := orchestrator.Shard{
		InputPath:    inputPath,
		ShardPath:    shardPath,
		ShardRelpath: "2024/CC-MAIN-2024-30/cdx-00000.gz.parquet",
		ShardFile:    "cdx-00000.gz",
		Collection:   "CC-MAIN-2024-30",
		Year:         2024,
	}

	require.NoError(t, driver.RunCollection(context.Background(), "CC-MAIN-2024-30",
		[]orchestrator.Shard{shard}, indexDBPath, indexDB))

	assert.FileExists(t, shardPath+".aggregated")

	collections, err := catalog.ListCollections(context.Background(), masterDB, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"CC-MAIN-2024-30"}, collections)
}

func TestRefuseIfLiveSnapshots(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, orchestrator.RefuseIfLiveSnapshots(dir, false), "no snapshot directory present")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".snapshot"), 0o755))
	err := orchestrator.RefuseIfLiveSnapshots(dir, false)
	require.Error(t, err)

	require.NoError(t, orchestrator.RefuseIfLiveSnapshots(dir, true), "override bypasses the guard")
}

const orchestratorDefaultMemory = 64 * 1024 * 1024
