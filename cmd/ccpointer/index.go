package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/commoncrawl-tools/ccpointer/pkg/catalog"
	"github.com/commoncrawl-tools/ccpointer/pkg/database"
)

// indexCommand rebuilds a per-year meta-index from every per-collection DB
// found under duckdb_root/cc_pointers_by_collection for the given year,
// then republishes the master catalog entries (spec §4.5, §6.2 layout).
func indexCommand() *cli.Command {
	return &cli.Command{
		Name:  "reindex",
		Usage: "Rebuild the per-year meta-index from per-collection DBs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "duckdb-root", Sources: cli.EnvVars("CCPOINTER_DUCKDB_ROOT"), Required: true},
			&cli.IntFlag{Name: "year", Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			duckdbRoot := cmd.String("duckdb-root")
			year := cmd.Int("year")

			collectionDir := filepath.Join(duckdbRoot, "cc_pointers_by_collection")

			entries, err := os.ReadDir(collectionDir)
			if err != nil {
				return fmt.Errorf("error listing per-collection dbs: %w", err)
			}

			var sources []catalog.SourceState

			for _, e := range entries {
				if e.IsDir() || filepath.Ext(e.Name()) != ".duckdb" {
					continue
				}

				collection := e.Name()[:len(e.Name())-len(".duckdb")]

				coll, err := parseYearPrefix(collection)
				if err != nil || coll != year {
					continue
				}

				src, err := catalog.StatSource(collection, filepath.Join(collectionDir, e.Name()))
				if err != nil {
					return err
				}

				sources = append(sources, src)
			}

			yearDBPath := filepath.Join(duckdbRoot, "cc_pointers_by_year", strconv.FormatInt(year, 10)+".duckdb")
			if err := os.MkdirAll(filepath.Dir(yearDBPath), 0o755); err != nil {
				return err
			}

			yearDB, err := database.Open(yearDBPath, nil)
			if err != nil {
				return err
			}
			defer yearDB.Close()

			if err := catalog.RebuildYear(ctx, yearDB, sources, nil); err != nil {
				return err
			}

			masterPath := filepath.Join(duckdbRoot, "cc_pointers_master", "cc_master_index.duckdb")
			if err := os.MkdirAll(filepath.Dir(masterPath), 0o755); err != nil {
				return err
			}

			masterDB, err := database.Open(masterPath, nil)
			if err != nil {
				return err
			}
			defer masterDB.Close()

			for _, src := range sources {
				var rows int64
				if err := yearDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM cc_domain_rowgroups WHERE collection = ?`,
					src.Collection).Scan(&rows); err != nil {
					return err
				}

				if err := catalog.UpsertCollection(ctx, masterDB, src.Collection, int(year), src.Path, rows, time.Now()); err != nil {
					return err
				}
			}

			return nil
		},
	}
}

// parseYearPrefix extracts the year from a "CC-MAIN-YYYY-WW" collection
// name without pulling in pkg/pointer's full validation, since reindex
// tolerates directory entries that don't parse as collections (it simply
// skips them).
func parseYearPrefix(collection string) (int64, error) {
	const prefix = "CC-MAIN-"
	if len(collection) < len(prefix)+4 || collection[:len(prefix)] != prefix {
		return 0, fmt.Errorf("not a collection name: %q", collection)
	}

	return strconv.ParseInt(collection[len(prefix):len(prefix)+4], 10, 64)
}
