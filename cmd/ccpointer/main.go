// Command ccpointer wires the pointer-index pipeline library together for
// local operation: ingest one CDX shard into a sorted shard and its
// per-collection index, rebuild a per-year meta-index and the master
// catalog, or run a domain query. It deliberately stays a thin entry point — richer
// CLI UX, HTTP/MCP server wrappers and dashboards are out of scope (spec
// §1) and are not built here.
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"go.uber.org/automaxprocs/maxprocs"

	ccotel "github.com/commoncrawl-tools/ccpointer/pkg/otel"
	"github.com/commoncrawl-tools/ccpointer/pkg/telemetry"
)

// Version is set with -ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"

func main() {
	os.Exit(realMain())
}

func realMain() int {
	if _, err := maxprocs.Set(maxprocs.Logger(nil)); err != nil {
		// Non-fatal: GOMAXPROCS simply stays at the Go runtime default.
		_ = err
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	ctx := logger.WithContext(context.Background())

	res, err := telemetry.NewResource(ctx, "ccpointer", Version)
	if err != nil {
		logger.Error().Err(err).Msg("error building telemetry resource")

		return 1
	}

	tracingEnabled := os.Getenv("CCPOINTER_TRACING_ENABLED") == "true"

	shutdown, err := ccotel.SetupOTelSDK(ctx, tracingEnabled, os.Getenv("CCPOINTER_OTLP_ENDPOINT"), res)
	if err != nil {
		logger.Error().Err(err).Msg("error setting up tracer provider")

		return 1
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("error shutting down tracer provider")
		}
	}()

	cmd := &cli.Command{
		Name:    "ccpointer",
		Usage:   "Common Crawl pointer-index pipeline",
		Version: Version,
		Commands: []*cli.Command{
			ingestCommand(),
			indexCommand(),
			queryCommand(),
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("ccpointer failed")

		return 1
	}

	return 0
}
