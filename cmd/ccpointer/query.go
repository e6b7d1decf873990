package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/commoncrawl-tools/ccpointer/pkg/database"
	"github.com/commoncrawl-tools/ccpointer/pkg/planner"
)

// queryCommand implements F.2 search_domain against an on-disk
// parquet_root/duckdb_root pair (spec §6.2 layout).
func queryCommand() *cli.Command {
	return &cli.Command{
		Name:  "query",
		Usage: "Resolve a domain to WARC pointers",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "domain", Required: true},
			&cli.StringFlag{Name: "parquet-root", Sources: cli.EnvVars("CCPOINTER_PARQUET_ROOT"), Required: true},
			&cli.StringFlag{Name: "duckdb-root", Sources: cli.EnvVars("CCPOINTER_DUCKDB_ROOT"), Required: true},
			&cli.IntFlag{Name: "max-matches", Value: 100},
			&cli.BoolFlag{Name: "strip-www", Usage: "bare-domain mode: also strip a leading www."},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			parquetRoot := cmd.String("parquet-root")
			duckdbRoot := cmd.String("duckdb-root")

			masterPath := filepath.Join(duckdbRoot, "cc_pointers_master", "cc_master_index.duckdb")

			masterDB, err := database.Open(masterPath, &database.PoolConfig{MaxOpenConns: 4})
			if err != nil {
				return err
			}
			defer masterDB.Close()

			p := &planner.Planner{
				MasterDB: masterDB,
				OpenCollection: func(collection string) (*planner.CollectionDB, error) {
					dbPath := filepath.Join(duckdbRoot, "cc_pointers_by_collection", collection+".duckdb")

					db, err := database.Open(dbPath, &database.PoolConfig{MaxOpenConns: 4})
					if err != nil {
						return nil, err
					}

					return &planner.CollectionDB{
						Collection: collection,
						DB:         db,
						ShardPath: func(relpath string) string {
							return filepath.Join(parquetRoot, "cc_pointers_by_collection", relpath)
						},
					}, nil
				},
			}

			result, err := p.SearchDomain(ctx, cmd.String("domain"), planner.SearchOptions{
				MaxMatches: int(cmd.Int("max-matches")),
				StripWWW:   cmd.Bool("strip-www"),
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			if err := enc.Encode(result); err != nil {
				return fmt.Errorf("error encoding query result: %w", err)
			}

			return nil
		},
	}
}
