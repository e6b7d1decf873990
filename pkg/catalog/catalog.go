// Package catalog aggregates per-collection pointer DBs into per-year meta
// indexes and a master catalog, so a query can target O(1) small DBs
// instead of O(300) large ones per crawl year (spec §4.5).
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/commoncrawl-tools/ccpointer/pkg/database"
)

const otelPackageName = "github.com/commoncrawl-tools/ccpointer/pkg/catalog"

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

const yearSchemaSQL = `
CREATE TABLE IF NOT EXISTS cc_domain_rowgroups (
	collection    TEXT NOT NULL,
	host_rev      TEXT NOT NULL,
	shard_relpath TEXT NOT NULL,
	row_group     INTEGER NOT NULL,
	row_start     BIGINT NOT NULL,
	row_end       BIGINT NOT NULL,
	capture_count BIGINT NOT NULL,
	year          INTEGER NOT NULL,
	shard_file    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS cc_domain_rowgroups_host_rev_idx ON cc_domain_rowgroups (host_rev);
`

const masterSchemaSQL = `
CREATE TABLE IF NOT EXISTS collections (
	collection   TEXT PRIMARY KEY,
	year         INTEGER NOT NULL,
	db_path      TEXT NOT NULL,
	rows         BIGINT NOT NULL,
	indexed_at   TIMESTAMP NOT NULL
);
`

// EnsureYearSchema creates the per-year cc_domain_rowgroups table.
func EnsureYearSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, yearSchemaSQL); err != nil {
		return fmt.Errorf("error ensuring per-year schema: %w", err)
	}

	return nil
}

// EnsureMasterSchema creates the master collections table.
func EnsureMasterSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, masterSchemaSQL); err != nil {
		return fmt.Errorf("error ensuring master schema: %w", err)
	}

	return nil
}

// SourceState is a per-collection DB's mtime/size, used to decide whether a
// per-year rebuild can skip it (§4.5: "a collection whose per-collection
// DB's mtime and size are unchanged is skipped").
type SourceState struct {
	Collection string
	Path       string
	ModTime    time.Time
	Size       int64
}

// StatSource reads path's current mtime/size.
func StatSource(collection, path string) (SourceState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return SourceState{}, fmt.Errorf("error statting per-collection db %q: %w", path, err)
	}

	return SourceState{Collection: collection, Path: path, ModTime: info.ModTime(), Size: info.Size()}, nil
}

// RebuildYear attaches every per-collection DB whose SourceState indicates a
// change since lastBuilt and folds its rows into yearDB's
// cc_domain_rowgroups table via ATTACH + INSERT SELECT, skipping unchanged
// sources (incremental rebuild, §4.5).
func RebuildYear(ctx context.Context, yearDB *sql.DB, sources []SourceState, lastBuilt map[string]SourceState) error {
	ctx, span := tracer.Start(ctx, "catalog.RebuildYear", trace.WithAttributes(
		attribute.Int("sources", len(sources)),
	))
	defer span.End()

	if err := EnsureYearSchema(ctx, yearDB); err != nil {
		return err
	}

	for i, src := range sources {
		prior, ok := lastBuilt[src.Collection]
		if ok && prior.ModTime.Equal(src.ModTime) && prior.Size == src.Size {
			zerolog.Ctx(ctx).Debug().Str("collection", src.Collection).Msg("skipping unchanged per-collection db")

			continue
		}

		alias := fmt.Sprintf("src_%d", i)

		if err := database.Attach(ctx, yearDB, src.Path, alias); err != nil {
			return err
		}

		err := func() error {
			defer func() {
				if derr := database.Detach(ctx, yearDB, alias); derr != nil {
					zerolog.Ctx(ctx).Warn().Err(derr).Str("alias", alias).Msg("error detaching source db")
				}
			}()

			if _, err := yearDB.ExecContext(ctx, `DELETE FROM cc_domain_rowgroups WHERE collection = ?`, src.Collection); err != nil {
				return fmt.Errorf("error clearing stale rows for collection %q: %w", src.Collection, err)
			}

			insertSQL := fmt.Sprintf(`
				INSERT INTO cc_domain_rowgroups
					(collection, host_rev, shard_relpath, row_group, row_start, row_end, capture_count, year, shard_file)
				SELECT collection, host_rev, shard_relpath, row_group, row_start, row_end, capture_count, year, shard_file
				FROM %q.cc_domain_shards
			`, alias)

			if _, err := yearDB.ExecContext(ctx, insertSQL); err != nil {
				return fmt.Errorf("error inserting rows from collection %q: %w", src.Collection, err)
			}

			return nil
		}()
		if err != nil {
			return err
		}

		zerolog.Ctx(ctx).Info().Str("collection", src.Collection).Msg("folded per-collection db into per-year index")
	}

	return nil
}

// UpsertCollection records a collection's current state in the master
// catalog (§4.5, §6.3 collections table).
func UpsertCollection(ctx context.Context, masterDB *sql.DB, collection string, year int, dbPath string, rows int64, indexedAt time.Time) error {
	if err := EnsureMasterSchema(ctx, masterDB); err != nil {
		return err
	}

	_, err := masterDB.ExecContext(ctx, `
		INSERT INTO collections (collection, year, db_path, rows, indexed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection) DO UPDATE SET
			year = excluded.year,
			db_path = excluded.db_path,
			rows = excluded.rows,
			indexed_at = excluded.indexed_at
	`, collection, year, dbPath, rows, indexedAt)
	if err != nil {
		return fmt.Errorf("error upserting collection %q into master catalog: %w", collection, err)
	}

	return nil
}

// ListCollections implements F.1: returns known collections from the
// master catalog, optionally filtered by year.
func ListCollections(ctx context.Context, masterDB *sql.DB, year *int) ([]string, error) {
	query := `SELECT collection FROM collections`

	args := []interface{}{}
	if year != nil {
		query += ` WHERE year = ?`
		args = append(args, *year)
	}

	query += ` ORDER BY collection DESC`

	rows, err := masterDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing collections: %w", err)
	}
	defer rows.Close()

	var collections []string

	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("error scanning collection row: %w", err)
		}

		collections = append(collections, c)
	}

	return collections, rows.Err()
}

// HintCollectionsForPrefix implements the master "host_rev → collections"
// hint as a derivable view rather than a stored, maintained table. It
// returns the same list as ListCollections for year; hostRevPrefix is not
// used to narrow it, and no per-collection DB is opened. Kept here, not in
// pkg/planner, because it is purely a master-catalog concern.
func HintCollectionsForPrefix(ctx context.Context, masterDB *sql.DB, hostRevPrefix string, year *int) ([]string, error) {
	return ListCollections(ctx, masterDB, year)
}
