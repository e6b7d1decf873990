// Package planner maps a domain to a materialized set of WARC pointers
// with minimum I/O: domain → host_rev → candidate collections → shard
// slices → concrete Capture rows (spec §4.6).
package planner

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/commoncrawl-tools/ccpointer/pkg/catalog"
	"github.com/commoncrawl-tools/ccpointer/pkg/columnar"
	"github.com/commoncrawl-tools/ccpointer/pkg/pointer"
)

const otelPackageName = "github.com/commoncrawl-tools/ccpointer/pkg/planner"

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// CollectionDB opens a per-collection index DB and its sibling columnar
// shards by relpath; callers (typically pkg/orchestrator) supply the
// opened handle plus a function resolving a shard_relpath to its on-disk
// path under parquet_root.
type CollectionDB struct {
	Collection string
	DB         *sql.DB
	ShardPath  func(shardRelpath string) string
}

// Planner resolves domains against a master catalog and a set of
// per-collection DBs.
type Planner struct {
	MasterDB *sql.DB

	// OpenCollection returns the CollectionDB for a collection name, or an
	// error if it cannot be opened (missing file, etc). Errors here are
	// logged and the collection is skipped, per the "missing shard file"
	// failure policy of §4.6.
	OpenCollection func(collection string) (*CollectionDB, error)

	// MaxConcurrentShards caps how many shards are read concurrently.
	// Defaults to runtime.NumCPU() (§6.5 "default equals available cores").
	MaxConcurrentShards int
}

// ListCollections implements F.1.
func (p *Planner) ListCollections(ctx context.Context, year *int) ([]string, error) {
	return catalog.ListCollections(ctx, p.MasterDB, year)
}

// ParquetShardsForDomain implements F.3: returns the distinct shard
// relpaths that would be touched by a domain lookup, without reading them.
func (p *Planner) ParquetShardsForDomain(ctx context.Context, collection, domain string) ([]string, error) {
	hostRev, err := pointer.HostRev(domain)
	if err != nil {
		return nil, err
	}

	cdb, err := p.OpenCollection(collection)
	if err != nil {
		return nil, err
	}

	slices, err := querySlices(ctx, cdb.DB, hostRev)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})

	var shards []string

	for _, s := range slices {
		if _, ok := seen[s.ShardRelpath]; !ok {
			seen[s.ShardRelpath] = struct{}{}
			shards = append(shards, s.ShardRelpath)
		}
	}

	return shards, nil
}

// SearchOptions configures F.2.
type SearchOptions struct {
	MaxMatches int
	Year       *int
	// StripWWW enables the "bare domain" normalization mode (§4.6 step 1);
	// default false preserves subdomain semantics.
	StripWWW bool
}

// SearchResult is F.2's result envelope.
type SearchResult struct {
	Pointers  []pointer.Capture
	Truncated bool
}

// SearchDomain implements F.2: normalize, compute host_rev, select
// collections via the master, query each per-collection index with the
// subdomain-inclusive prefix predicate, then materialize row-group slices
// in deterministic order until MaxMatches is reached.
func (p *Planner) SearchDomain(ctx context.Context, domain string, opts SearchOptions) (SearchResult, error) {
	ctx, span := tracer.Start(ctx, "planner.SearchDomain", trace.WithAttributes(
		attribute.String("domain", domain),
	))
	defer span.End()

	if opts.MaxMatches <= 0 {
		opts.MaxMatches = 1000
	}

	normalized, err := pointer.NormalizeDomain(domain, opts.StripWWW)
	if err != nil {
		return SearchResult{}, err
	}

	hostRev, err := pointer.HostRev(normalized)
	if err != nil {
		return SearchResult{}, err
	}

	collections, err := p.ListCollections(ctx, opts.Year)
	if err != nil {
		return SearchResult{}, err
	}

	maxConcurrent := p.MaxConcurrentShards
	if maxConcurrent <= 0 {
		maxConcurrent = runtime.NumCPU()
	}

	var (
		result    SearchResult
		remaining = opts.MaxMatches
	)

	for _, collection := range collections {
		if remaining <= 0 {
			result.Truncated = true

			break
		}

		cdb, err := p.OpenCollection(collection)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("collection", collection).Msg("skipping collection: open failed")

			continue
		}

		slices, err := querySlices(ctx, cdb.DB, hostRev)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("collection", collection).Msg("skipping collection: query failed")

			continue
		}

		recs, truncated, err := p.readSlices(ctx, cdb, slices, remaining, maxConcurrent)
		if err != nil {
			return SearchResult{}, err
		}

		result.Pointers = append(result.Pointers, recs...)
		remaining -= len(recs)

		if truncated {
			result.Truncated = true

			break
		}
	}

	return result, nil
}

// readSlices reads, in order, up to limit rows across the given slices,
// using a bounded pool of concurrent shard readers. Results are reordered
// back into slice order before returning so F.2's determinism guarantee
// holds regardless of which shard finished reading first.
func (p *Planner) readSlices(
	ctx context.Context,
	cdb *CollectionDB,
	slices []pointer.Slice,
	limit, maxConcurrent int,
) ([]pointer.Capture, bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	rows := make([][]pointer.Capture, len(slices))

	for i, s := range slices {
		i, s := i, s

		g.Go(func() error {
			path := cdb.ShardPath(s.ShardRelpath)

			reader, err := columnar.Open(path)
			if err != nil {
				zerolog.Ctx(gctx).Warn().Err(err).Str("shard", path).Msg("missing shard file, skipping slice")

				return nil
			}
			defer reader.Close()

			recs, err := reader.ReadRowGroupRange(gctx, s.RowGroup, s.RowStart, s.RowEnd)
			if err != nil {
				zerolog.Ctx(gctx).Warn().Err(err).Str("shard", path).Int("row_group", s.RowGroup).
					Msg("bad row-group read, quarantining slice")

				return nil
			}

			rows[i] = recs

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, false, fmt.Errorf("error reading slices: %w", err)
	}

	var (
		out       []pointer.Capture
		truncated bool
	)

	for _, recs := range rows {
		for _, r := range recs {
			if len(out) >= limit {
				truncated = true

				break
			}

			out = append(out, r)
		}

		if truncated {
			break
		}
	}

	return out, truncated, nil
}

// querySlices runs the subdomain-inclusive predicate from §4.6 step 4:
// host_rev = H OR host_rev LIKE H || ',%' , ordered deterministically by
// (shard_relpath, row_group, row_start) within the collection.
func querySlices(ctx context.Context, db *sql.DB, hostRev string) ([]pointer.Slice, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT host_rev, shard_relpath, row_group, row_start, row_end, capture_count, collection, year, shard_file
		FROM cc_domain_shards
		WHERE host_rev = ? OR host_rev LIKE ?
		ORDER BY shard_relpath, row_group, row_start
	`, hostRev, hostRev+",%")
	if err != nil {
		return nil, fmt.Errorf("error querying slices for host_rev %q: %w", hostRev, err)
	}
	defer rows.Close()

	var slices []pointer.Slice

	for rows.Next() {
		var s pointer.Slice
		if err := rows.Scan(&s.HostRev, &s.ShardRelpath, &s.RowGroup, &s.RowStart, &s.RowEnd,
			&s.CaptureCount, &s.Collection, &s.Year, &s.ShardFile); err != nil {
			return nil, fmt.Errorf("error scanning slice row: %w", err)
		}

		slices = append(slices, s)
	}

	return slices, rows.Err()
}
