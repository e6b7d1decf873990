// Package validate enforces the invariants of spec.md §3.2 offline: sort
// closure, schema completeness, index completeness and round-trip
// retrievability (spec §4.10).
package validate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/commoncrawl-tools/ccpointer/pkg/columnar"
	"github.com/commoncrawl-tools/ccpointer/pkg/pointer"
	"github.com/commoncrawl-tools/ccpointer/pkg/warcfetch"
)

const otelPackageName = "github.com/commoncrawl-tools/ccpointer/pkg/validate"

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// ErrSortOrderViolated is returned by CheckSortOrder when a shard breaks
// invariant 1 of §3.2. pkg/orchestrator does not call CheckSortOrder, so
// no rebuild is scheduled in response to this error.
var ErrSortOrderViolated = errors.New("validate: sort order violated")

// ErrMissingColumn is returned by CheckProvenance when a row is missing
// its collection or shard_file provenance columns (spec §7 MissingColumn
// policy: "trigger repair: rewrite shard with added columns").
var ErrMissingColumn = errors.New("validate: required provenance column missing")

// ErrIndexIncomplete is returned by CheckIndexCompleteness when a shard on
// disk has no corresponding rows in the per-collection index, or the index
// references a shard no longer present on disk (spec §4.10 item 3).
var ErrIndexIncomplete = errors.New("validate: per-collection index incomplete")

// ErrRoundTripFailed is returned by CheckRoundTrip when a sampled pointer
// does not retrieve a well-formed WARC record (spec §4.10 item 4).
var ErrRoundTripFailed = errors.New("validate: round-trip retrieval failed")

// SortReport summarizes CheckSortOrder's findings for one shard.
type SortReport struct {
	ShardRelpath   string
	RowGroupsTotal int
	RowsSampled    int64
	Violations     []string
}

// OK reports whether the shard passed with no violations.
func (r SortReport) OK() bool { return len(r.Violations) == 0 }

// CheckSortOrder walks every row group's recorded host_rev min/max
// statistics, verifying invariant 1's row-group chain
// (row_group[i].host_rev_max ≤ row_group[i+1].host_rev_min), then samples
// intra-group ordering via a single sequential pass over the shard
// (spec §4.10 item 1: "row-group boundary chain plus a sample of rows").
func CheckSortOrder(ctx context.Context, reader *columnar.Reader, shardRelpath string) (SortReport, error) {
	ctx, span := tracer.Start(ctx, "validate.CheckSortOrder", trace.WithAttributes(
		attribute.String("shard_relpath", shardRelpath),
	))
	defer span.End()

	report := SortReport{ShardRelpath: shardRelpath, RowGroupsTotal: reader.RowGroupCount()}

	var prevMax string

	for rg := 0; rg < report.RowGroupsTotal; rg++ {
		stats, err := reader.RowGroupStats(rg)
		if err != nil {
			return report, fmt.Errorf("error reading row group %d stats of %q: %w", rg, shardRelpath, err)
		}

		if rg > 0 && stats.HostRevMin < prevMax {
			report.Violations = append(report.Violations, fmt.Sprintf(
				"row group %d host_rev_min %q < row group %d host_rev_max %q", rg, stats.HostRevMin, rg-1, prevMax))
		}

		prevMax = stats.HostRevMax
	}

	rows, errc := reader.All(ctx)

	var prev *pointer.Capture

	for rec := range rows {
		report.RowsSampled++

		if prev != nil && pointer.Less(rec, *prev) {
			report.Violations = append(report.Violations, fmt.Sprintf(
				"row %d: composite key decreased after %q", report.RowsSampled, prev.URL))
		}

		r := rec
		prev = &r
	}

	if err := <-errc; err != nil {
		return report, fmt.Errorf("error scanning shard %q for sort validation: %w", shardRelpath, err)
	}

	if !report.OK() {
		return report, fmt.Errorf("%w: %q has %d violation(s)", ErrSortOrderViolated, shardRelpath, len(report.Violations))
	}

	return report, nil
}

// CheckProvenance samples every row of shard and verifies invariant 4:
// every row carries non-empty Collection and ShardFile. A legacy shard
// that predates these columns fails here and must be repaired (spec §7
// MissingColumn: "rewrite shard with added columns; preserve pointer
// triplet").
func CheckProvenance(ctx context.Context, reader *columnar.Reader, shardRelpath string) error {
	ctx, span := tracer.Start(ctx, "validate.CheckProvenance", trace.WithAttributes(
		attribute.String("shard_relpath", shardRelpath),
	))
	defer span.End()

	rows, errc := reader.All(ctx)

	for rec := range rows {
		if rec.Collection == "" || rec.ShardFile == "" {
			// Drain the channel so the producer goroutine does not block
			// forever on a full buffer after we stop reading.
			for range rows { //nolint:revive
			}

			<-errc

			return fmt.Errorf("%w: shard %q row for url %q missing collection/shard_file", ErrMissingColumn, shardRelpath, rec.URL)
		}
	}

	if err := <-errc; err != nil {
		return fmt.Errorf("error scanning shard %q for provenance validation: %w", shardRelpath, err)
	}

	return nil
}

// IndexCompletenessReport lists shards present on disk but absent from the
// index, and index rows whose shard is no longer present on disk (spec
// §4.10 item 3: "no dangling shard references").
type IndexCompletenessReport struct {
	MissingFromIndex []string
	DanglingInIndex  []string
}

// OK reports whether the index matches the on-disk shard set exactly.
func (r IndexCompletenessReport) OK() bool {
	return len(r.MissingFromIndex) == 0 && len(r.DanglingInIndex) == 0
}

// CheckIndexCompleteness compares onDiskShards (relpaths found under
// parquet_root for one collection) against the distinct shard_relpath
// values present in the collection's index DB.
func CheckIndexCompleteness(ctx context.Context, db *sql.DB, onDiskShards []string) (IndexCompletenessReport, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT shard_relpath FROM cc_domain_shards`)
	if err != nil {
		return IndexCompletenessReport{}, fmt.Errorf("error listing indexed shards: %w", err)
	}
	defer rows.Close()

	indexed := make(map[string]struct{})

	for rows.Next() {
		var relpath string
		if err := rows.Scan(&relpath); err != nil {
			return IndexCompletenessReport{}, fmt.Errorf("error scanning indexed shard row: %w", err)
		}

		indexed[relpath] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return IndexCompletenessReport{}, err
	}

	onDisk := make(map[string]struct{}, len(onDiskShards))
	for _, s := range onDiskShards {
		onDisk[s] = struct{}{}
	}

	var report IndexCompletenessReport

	for _, s := range onDiskShards {
		if _, ok := indexed[s]; !ok {
			report.MissingFromIndex = append(report.MissingFromIndex, s)
		}
	}

	for s := range indexed {
		if _, ok := onDisk[s]; !ok {
			report.DanglingInIndex = append(report.DanglingInIndex, s)
		}
	}

	if !report.OK() {
		return report, fmt.Errorf("%w: %d missing, %d dangling", ErrIndexIncomplete,
			len(report.MissingFromIndex), len(report.DanglingInIndex))
	}

	return report, nil
}

// RoundTripResult records one sampled pointer's fetch outcome.
type RoundTripResult struct {
	Capture pointer.Capture
	Err     error
}

// CheckRoundTrip fetches up to k randomly sampled captures via fetcher and
// verifies each retrieves bytes whose length equals warc_length and whose
// decompressed WARC payload begins with "WARC/1." (spec §4.10 item 4,
// Testable Property 4). A nil rng is replaced by a new source seeded with
// 1, so calls without an rng sample the same captures every time.
func CheckRoundTrip(
	ctx context.Context,
	fetcher *warcfetch.Fetcher,
	captures []pointer.Capture,
	k int,
	rng *rand.Rand,
) ([]RoundTripResult, error) {
	ctx, span := tracer.Start(ctx, "validate.CheckRoundTrip", trace.WithAttributes(
		attribute.Int("population", len(captures)),
		attribute.Int("k", k),
	))
	defer span.End()

	if rng == nil {
		rng = rand.New(rand.NewSource(1)) //nolint:gosec
	}

	sample := sampleCaptures(captures, k, rng)

	results := make([]RoundTripResult, 0, len(sample))

	for _, c := range sample {
		res, err := fetcher.Fetch(ctx, warcfetch.Pointer{
			WARCFilename: c.WARCFilename,
			Offset:       c.WARCOffset,
			Length:       c.WARCLength,
		}, warcfetch.FetchOptions{IncludeRaw: true, MaxBytes: c.WARCLength})

		rtErr := err
		if err == nil {
			sum := sha256.Sum256(res.Raw)
			if hex.EncodeToString(sum[:]) != res.SHA256 {
				rtErr = fmt.Errorf("%w: sha256 mismatch for %q", ErrRoundTripFailed, c.URL)
			} else if int64(len(res.Raw)) != c.WARCLength {
				rtErr = fmt.Errorf("%w: got %d bytes, want warc_length %d for %q",
					ErrRoundTripFailed, len(res.Raw), c.WARCLength, c.URL)
			}
		}

		results = append(results, RoundTripResult{Capture: c, Err: rtErr})
	}

	return results, nil
}

func sampleCaptures(captures []pointer.Capture, k int, rng *rand.Rand) []pointer.Capture {
	if k >= len(captures) {
		return captures
	}

	idx := rng.Perm(len(captures))[:k]
	out := make([]pointer.Capture, k)

	for i, j := range idx {
		out[i] = captures[j]
	}

	return out
}
