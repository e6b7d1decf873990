package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/commoncrawl-tools/ccpointer/pkg/collectionindex"
	"github.com/commoncrawl-tools/ccpointer/pkg/config"
	"github.com/commoncrawl-tools/ccpointer/pkg/database"
	"github.com/commoncrawl-tools/ccpointer/pkg/orchestrator"
	"github.com/commoncrawl-tools/ccpointer/pkg/pointer"
)

// ingestCommand drives one CDX shard through decode→sort→write→index
// (spec §4.8 states INPUT_PRESENT through INDEXED) using the values the
// surrounding PipelineConfig would otherwise supply as defaults.
func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "Sort, write and index one CDX shard",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Usage: "path to the gzipped CDX shard", Required: true},
			&cli.StringFlag{Name: "collection", Usage: "collection name, e.g. CC-MAIN-2024-30", Required: true},
			&cli.StringFlag{Name: "parquet-root", Sources: cli.EnvVars("CCPOINTER_PARQUET_ROOT"), Required: true},
			&cli.StringFlag{Name: "duckdb-root", Sources: cli.EnvVars("CCPOINTER_DUCKDB_ROOT"), Required: true},
			&cli.StringFlag{Name: "spill-dir", Usage: "external sort spill directory", Value: os.TempDir()},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.LoadFromEnv(os.Getenv)
			if err != nil {
				return err
			}

			cfg.ParquetRoot = cmd.String("parquet-root")
			cfg.DuckDBRoot = cmd.String("duckdb-root")

			collection := cmd.String("collection")

			coll, err := pointer.ParseCollection(collection)
			if err != nil {
				return err
			}

			inputPath := cmd.String("input")
			shardFile := filepath.Base(inputPath)
			shardRelpath := filepath.Join(fmt.Sprintf("%d", coll.Year), collection, shardFile+".parquet")
			shardPath := filepath.Join(cfg.ParquetRoot, "cc_pointers_by_collection", shardRelpath)

			if err := os.MkdirAll(filepath.Dir(shardPath), 0o755); err != nil {
				return fmt.Errorf("error creating shard directory: %w", err)
			}

			indexDBPath := filepath.Join(cfg.DuckDBRoot, "cc_pointers_by_collection", collection+".duckdb")
			if err := os.MkdirAll(filepath.Dir(indexDBPath), 0o755); err != nil {
				return fmt.Errorf("error creating index db directory: %w", err)
			}

			indexDB, err := database.Open(indexDBPath, nil)
			if err != nil {
				return err
			}
			defer indexDB.Close()

			if err := collectionindex.EnsureSchema(ctx, indexDB); err != nil {
				return err
			}

			driver := orchestrator.NewDriver(orchestrator.Config{
				SpillDir:            cmd.String("spill-dir"),
				SortMemoryPerWorker: cfg.SortMemoryPerWorker,
				SortWorkers:         cfg.SortWorkers,
				IndexWorkers:        cfg.IndexWorkers,
				RowGroupTargetBytes: cfg.RowGroupTargetBytes,
				RowGroupMinBytes:    cfg.RowGroupMinBytes,
				RowGroupDomainPct:   cfg.RowGroupDomainPct,
			}, nil, nil, nil, nil)

			return driver.RunShard(ctx, orchestrator.Shard{
				InputPath:    inputPath,
				ShardPath:    shardPath,
				ShardRelpath: shardRelpath,
				ShardFile:    shardFile,
				Collection:   collection,
				Year:         coll.Year,
			}, indexDB)
		},
	}
}
