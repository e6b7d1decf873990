// Package collectionindex builds the per-collection pointer DB: for every
// sorted shard, a compact catalog of contiguous host_rev runs and their
// row-group offsets (spec §4.4).
package collectionindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/commoncrawl-tools/ccpointer/pkg/columnar"
)

const otelPackageName = "github.com/commoncrawl-tools/ccpointer/pkg/collectionindex"

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// ErrInvariantViolation is returned when a run accumulator produces a slice
// that would break invariant 2 of §3.2 (row_end > row_start, no overlaps).
var ErrInvariantViolation = errors.New("collectionindex invariant violation")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS cc_domain_shards (
	host_rev      TEXT NOT NULL,
	shard_relpath TEXT NOT NULL,
	row_group     INTEGER NOT NULL,
	row_start     BIGINT NOT NULL,
	row_end       BIGINT NOT NULL,
	capture_count BIGINT NOT NULL,
	collection    TEXT NOT NULL,
	year          INTEGER NOT NULL,
	shard_file    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS cc_domain_shards_host_rev_idx ON cc_domain_shards (host_rev);
CREATE INDEX IF NOT EXISTS cc_domain_shards_shard_relpath_idx ON cc_domain_shards (shard_relpath);
`

// EnsureSchema creates the cc_domain_shards table and its indexes if they do
// not already exist (§6.3).
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("error ensuring collectionindex schema: %w", err)
	}

	return nil
}

// Run is one contiguous host_rev run produced by the accumulator.
type Run struct {
	HostRev      string
	ShardRelpath string
	RowGroup     int
	RowStart     int64
	RowEnd       int64
	CaptureCount int64
}

// IndexShard scans shard's host_rev column, accumulates contiguous runs,
// and replaces all of shard_relpath's rows in db within a single
// transaction (§4.4: "reprocessing a shard replaces all its rows in the
// index atomically").
func IndexShard(
	ctx context.Context,
	db *sql.DB,
	shard *columnar.Reader,
	shardRelpath, collection string,
	year int,
	shardFile string,
) (int64, error) {
	ctx, span := tracer.Start(ctx, "collectionindex.IndexShard", trace.WithAttributes(
		attribute.String("shard_relpath", shardRelpath),
		attribute.String("collection", collection),
	))
	defer span.End()

	runs, err := accumulateRuns(ctx, shard, shardRelpath)
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("error starting transaction for shard %q: %w", shardRelpath, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM cc_domain_shards WHERE shard_relpath = ?`, shardRelpath); err != nil {
		return 0, fmt.Errorf("error clearing prior rows for shard %q: %w", shardRelpath, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cc_domain_shards
			(host_rev, shard_relpath, row_group, row_start, row_end, capture_count, collection, year, shard_file)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("error preparing insert for shard %q: %w", shardRelpath, err)
	}
	defer stmt.Close()

	var (
		rowCount int64
		prev     *Run
	)

	for _, r := range runs {
		if r.RowEnd <= r.RowStart {
			return 0, fmt.Errorf("%w: shard %q run %q has row_end %d <= row_start %d",
				ErrInvariantViolation, shardRelpath, r.HostRev, r.RowEnd, r.RowStart)
		}

		if prev != nil && prev.RowGroup == r.RowGroup && r.RowStart < prev.RowEnd {
			return 0, fmt.Errorf("%w: shard %q run %q starts at row %d, overlapping the previous run in row group %d that ends at %d",
				ErrInvariantViolation, shardRelpath, r.HostRev, r.RowStart, r.RowGroup, prev.RowEnd)
		}

		prev = &r

		if _, err := stmt.ExecContext(ctx,
			r.HostRev, r.ShardRelpath, r.RowGroup, r.RowStart, r.RowEnd, r.CaptureCount,
			collection, year, shardFile,
		); err != nil {
			return 0, fmt.Errorf("error inserting run for shard %q: %w", shardRelpath, err)
		}

		rowCount++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing index for shard %q: %w", shardRelpath, err)
	}

	zerolog.Ctx(ctx).Info().
		Str("shard_relpath", shardRelpath).
		Int64("runs", rowCount).
		Msg("indexed shard")

	return rowCount, nil
}

// accumulateRuns implements the §4.4 algorithm: extend a run while the next
// row's host_rev equals current and stays in the same row group; otherwise
// flush and start a new run.
func accumulateRuns(ctx context.Context, shard *columnar.Reader, shardRelpath string) ([]Run, error) {
	entries, errc := shard.ScanHostRev(ctx)

	var (
		runs    []Run
		current *Run
	)

	flush := func() {
		if current != nil {
			runs = append(runs, *current)
			current = nil
		}
	}

	for e := range entries {
		if current != nil && current.RowGroup == e.RowGroup && current.HostRev == e.HostRev {
			current.RowEnd = e.RowIndex + 1
			current.CaptureCount++

			continue
		}

		flush()

		current = &Run{
			HostRev:      e.HostRev,
			ShardRelpath: shardRelpath,
			RowGroup:     e.RowGroup,
			RowStart:     e.RowIndex,
			RowEnd:       e.RowIndex + 1,
			CaptureCount: 1,
		}
	}

	flush()

	if err := <-errc; err != nil {
		return nil, fmt.Errorf("error scanning host_rev column of shard %q: %w", shardRelpath, err)
	}

	return runs, nil
}
