// Package database opens the DuckDB connections backing the per-collection,
// per-year and master index catalogs (spec §6.2, §6.3).
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/XSAM/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	_ "github.com/marcboeker/go-duckdb/v2" // DuckDB driver, registered as "duckdb"
)

// ErrPathRequired is returned if Open is called with an empty path.
var ErrPathRequired = errors.New("database path is required")

// PoolConfig holds connection pool settings. DuckDB's single-process file
// access model means most deployments want MaxOpenConns small; it is
// exposed so callers running against attached, read-mostly catalogs can
// raise it.
type PoolConfig struct {
	// MaxOpenConns is the maximum number of open connections. Defaults to 1,
	// matching DuckDB's single-writer-per-file model.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int
}

// Open opens (creating if necessary) the DuckDB database file at path and
// returns an instrumented *sql.DB. An empty path opens an in-memory database.
func Open(path string, poolCfg *PoolConfig) (*sql.DB, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := otelsql.Open("duckdb", dsn, otelsql.WithAttributes(
		semconv.DBSystemKey.String("duckdb"),
	))
	if err != nil {
		return nil, fmt.Errorf("error opening duckdb database at %q: %w", path, err)
	}

	maxOpen := 1
	maxIdle := 1

	if poolCfg != nil {
		if poolCfg.MaxOpenConns > 0 {
			maxOpen = poolCfg.MaxOpenConns
		}

		if poolCfg.MaxIdleConns > 0 {
			maxIdle = poolCfg.MaxIdleConns
		}
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()

		return nil, fmt.Errorf("error pinging duckdb database at %q: %w", path, err)
	}

	return db, nil
}

// Attach attaches another DuckDB file under alias into the connection held by
// db, the way pkg/catalog folds per-collection databases into a per-year
// aggregate without re-reading Parquet.
func Attach(ctx context.Context, db *sql.DB, path, alias string) error {
	if path == "" {
		return ErrPathRequired
	}

	_, err := db.ExecContext(ctx, fmt.Sprintf("ATTACH %s AS %s (READ_ONLY)", quoteLiteral(path), quoteIdent(alias)))
	if err != nil {
		return fmt.Errorf("error attaching %q as %q: %w", path, alias, err)
	}

	return nil
}

// Detach detaches a previously attached database by alias. Detach errors are
// deliberately swallowed by callers that are already tearing down a
// connection; Detach itself still reports them.
func Detach(ctx context.Context, db *sql.DB, alias string) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf("DETACH %s", quoteIdent(alias)))
	if err != nil {
		return fmt.Errorf("error detaching %q: %w", alias, err)
	}

	return nil
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}

func quoteLiteral(s string) string {
	return `'` + s + `'`
}
