// Package config defines the pipeline's configuration surface (spec.md
// §6.5) and loads it from the environment the way the teacher's CLI
// layer populates flags via cli.EnvVars, but as plain library code: this
// project has no long-running server to front with a flag parser.
package config

import (
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/commoncrawl-tools/ccpointer/pkg/helper"
)

// Env var names, CCPOINTER_-prefixed after the teacher's per-command
// SCREAMING_SNAKE convention (e.g. CACHE_MAX_SIZE, SERVER_ADDR).
const (
	envParquetRoot         = "CCPOINTER_PARQUET_ROOT"
	envDuckDBRoot          = "CCPOINTER_DUCKDB_ROOT"
	envRowGroupTargetBytes = "CCPOINTER_ROW_GROUP_TARGET_BYTES"
	envRowGroupMinBytes    = "CCPOINTER_ROW_GROUP_MIN_BYTES"
	envRowGroupDomainPct   = "CCPOINTER_ROW_GROUP_DOMAIN_PCT"
	envSortMemoryPerWorker = "CCPOINTER_SORT_MEMORY_PER_WORKER"
	envSortWorkers         = "CCPOINTER_SORT_WORKERS"
	envIndexWorkers        = "CCPOINTER_INDEX_WORKERS"
	envWARCOriginPrefix    = "CCPOINTER_WARC_ORIGIN_PREFIX"
	envWARCRangeMaxBytes   = "CCPOINTER_WARC_RANGE_MAX_BYTES"
	envWARCCacheDir        = "CCPOINTER_WARC_CACHE_DIR"
	envWARCCacheMaxBytes   = "CCPOINTER_WARC_CACHE_MAX_BYTES"
	envBraveCachePath      = "CCPOINTER_BRAVE_CACHE_PATH"
	envBraveCacheTTLSec    = "CCPOINTER_BRAVE_CACHE_TTL_S"
	envBraveAPIToken       = "CCPOINTER_BRAVE_API_TOKEN" //nolint:gosec // env var name, not a secret value
	envRefuseIfSnapshots   = "CCPOINTER_REFUSE_IF_SNAPSHOTS"
)

// PipelineConfig is the configuration surface of spec.md §6.5. Byte-size
// fields are in bytes; callers at the edge (env vars, flags) may express
// them with unit suffixes via helper.ParseSize.
type PipelineConfig struct {
	// ParquetRoot is the root of columnar shards. Required.
	ParquetRoot string
	// DuckDBRoot is the root of index DBs. Required.
	DuckDBRoot string

	// RowGroupTargetBytes is §4.2's S_rg. Default 32 MiB.
	RowGroupTargetBytes int64
	// RowGroupMinBytes is §4.2's S_rg_min. Default 4 MiB.
	RowGroupMinBytes int64
	// RowGroupDomainPct is §4.2's P. Default 90.
	RowGroupDomainPct int

	// SortMemoryPerWorker is §4.3's M. Default 4 GiB.
	SortMemoryPerWorker int64
	// SortWorkers and IndexWorkers size the respective worker pools.
	// Default to #cores/2 each.
	SortWorkers  int
	IndexWorkers int

	// WARCOriginPrefix is the base URL for WARC fetches.
	WARCOriginPrefix string
	// WARCRangeMaxBytes caps a single ranged GET. Default 2 MiB.
	WARCRangeMaxBytes int64
	// WARCCacheDir enables the full-file WARC cache when set. Unset means
	// ranged-fetch-only, no local WARC cache.
	WARCCacheDir string
	// WARCCacheMaxBytes skips caching a WARC above this size. Default 5 GiB.
	WARCCacheMaxBytes int64

	// BraveCachePath and BraveCacheTTL configure the external search cache.
	BraveCachePath string
	BraveCacheTTL  time.Duration
	// BraveAPIToken is the bearer token for the external search API
	// (spec §4.9 "configured via environment"); never sourced from a
	// config file so it does not get committed alongside other settings.
	BraveAPIToken string

	// RefuseIfSnapshots records whether a parquet root that has a live
	// snapshot directory (.zfs/snapshot or .snapshot) is refused;
	// orchestrator.RefuseIfLiveSnapshots performs that check. Default true.
	RefuseIfSnapshots bool
}

// Default returns a PipelineConfig populated with spec.md §6.5's defaults
// and empty required fields (ParquetRoot, DuckDBRoot).
func Default() PipelineConfig {
	halfCores := runtime.NumCPU() / 2
	if halfCores < 1 {
		halfCores = 1
	}

	return PipelineConfig{
		RowGroupTargetBytes: 32 << 20,
		RowGroupMinBytes:    4 << 20,
		RowGroupDomainPct:   90,
		SortMemoryPerWorker: 4 << 30,
		SortWorkers:         halfCores,
		IndexWorkers:        halfCores,
		WARCOriginPrefix:    "https://data.commoncrawl.org/",
		WARCRangeMaxBytes:   2 << 20,
		WARCCacheMaxBytes:   5 << 30,
		BraveCacheTTL:       24 * time.Hour,
		RefuseIfSnapshots:   true,
	}
}

// LoadFromEnv builds a PipelineConfig from getenv, starting from Default
// and overriding any field whose env var is present and non-empty.
// getenv is normally os.Getenv; tests pass a map-backed stub.
func LoadFromEnv(getenv func(string) string) (PipelineConfig, error) {
	cfg := Default()

	if v := getenv(envParquetRoot); v != "" {
		cfg.ParquetRoot = v
	}

	if v := getenv(envDuckDBRoot); v != "" {
		cfg.DuckDBRoot = v
	}

	if err := setSize(getenv, envRowGroupTargetBytes, &cfg.RowGroupTargetBytes); err != nil {
		return PipelineConfig{}, err
	}

	if err := setSize(getenv, envRowGroupMinBytes, &cfg.RowGroupMinBytes); err != nil {
		return PipelineConfig{}, err
	}

	if err := setInt(getenv, envRowGroupDomainPct, &cfg.RowGroupDomainPct); err != nil {
		return PipelineConfig{}, err
	}

	if err := setSize(getenv, envSortMemoryPerWorker, &cfg.SortMemoryPerWorker); err != nil {
		return PipelineConfig{}, err
	}

	if err := setInt(getenv, envSortWorkers, &cfg.SortWorkers); err != nil {
		return PipelineConfig{}, err
	}

	if err := setInt(getenv, envIndexWorkers, &cfg.IndexWorkers); err != nil {
		return PipelineConfig{}, err
	}

	if v := getenv(envWARCOriginPrefix); v != "" {
		cfg.WARCOriginPrefix = v
	}

	if err := setSize(getenv, envWARCRangeMaxBytes, &cfg.WARCRangeMaxBytes); err != nil {
		return PipelineConfig{}, err
	}

	if v := getenv(envWARCCacheDir); v != "" {
		cfg.WARCCacheDir = v
	}

	if err := setSize(getenv, envWARCCacheMaxBytes, &cfg.WARCCacheMaxBytes); err != nil {
		return PipelineConfig{}, err
	}

	if v := getenv(envBraveCachePath); v != "" {
		cfg.BraveCachePath = v
	}

	if v := getenv(envBraveCacheTTLSec); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return PipelineConfig{}, fmt.Errorf("error parsing %s=%q: %w", envBraveCacheTTLSec, v, err)
		}

		cfg.BraveCacheTTL = time.Duration(secs) * time.Second
	}

	if v := getenv(envBraveAPIToken); v != "" {
		cfg.BraveAPIToken = v
	}

	if v := getenv(envRefuseIfSnapshots); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return PipelineConfig{}, fmt.Errorf("error parsing %s=%q: %w", envRefuseIfSnapshots, v, err)
		}

		cfg.RefuseIfSnapshots = b
	}

	return cfg, cfg.Validate()
}

// Validate checks that required fields are present.
func (c PipelineConfig) Validate() error {
	if c.ParquetRoot == "" {
		return fmt.Errorf("%s is required", envParquetRoot)
	}

	if c.DuckDBRoot == "" {
		return fmt.Errorf("%s is required", envDuckDBRoot)
	}

	return nil
}

func setSize(getenv func(string) string, key string, dst *int64) error {
	v := getenv(key)
	if v == "" {
		return nil
	}

	n, err := helper.ParseSize(v)
	if err != nil {
		return fmt.Errorf("error parsing %s=%q: %w", key, v, err)
	}

	*dst = int64(n)

	return nil
}

func setInt(getenv func(string) string, key string, dst *int) error {
	v := getenv(key)
	if v == "" {
		return nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("error parsing %s=%q: %w", key, v, err)
	}

	*dst = n

	return nil
}
