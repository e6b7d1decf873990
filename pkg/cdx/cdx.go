// Package cdx streams a gzipped CDX shard (CDXJ or legacy whitespace CDX)
// into a lazy sequence of pointer.Capture records (spec §4.1).
package cdx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/commoncrawl-tools/ccpointer/pkg/pointer"
)

const otelPackageName = "github.com/commoncrawl-tools/ccpointer/pkg/cdx"

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// ErrSourceUnreadable is returned when the gzip stream is truncated before
// any record could be emitted.
var ErrSourceUnreadable = errors.New("cdx source unreadable")

// Kind distinguishes a successfully decoded record from one that was
// skipped, replacing the exception-based control flow a dynamically typed
// decoder would use with an explicit sum type.
type Kind int

const (
	// KindCapture is a successfully decoded record.
	KindCapture Kind = iota
	// KindMalformed is a line that failed to parse; the line is counted and
	// skipped, never fatal to the shard.
	KindMalformed
	// KindFatal marks the stream itself as unreadable (gzip truncated
	// before any record was emitted, §4.1 SourceUnreadable): fatal to the
	// shard, never just skipped.
	KindFatal
)

// Outcome is one item of the lazy sequence Decode produces: either a
// Capture, a note that a line was malformed, or a fatal stream error.
type Outcome struct {
	Kind    Kind
	Capture pointer.Capture

	// Line is set when Kind is KindMalformed.
	Line string

	// Err is set when Kind is KindMalformed or KindFatal.
	Err error
}

// Stats accumulates counters over a full Decode pass, read only after the
// returned channel is drained. Err is set when the stream ended in a
// KindFatal outcome, so callers that only care whether the shard decoded
// cleanly don't need to inspect every Outcome themselves.
type Stats struct {
	Parsed    int64
	Malformed int64
	Err       error
}

// Decode streams r (a gzip-compressed CDX shard) and returns a channel of
// Outcome values plus a Stats pointer that is fully populated once the
// channel is closed. collection and shardFile are stamped onto every
// emitted Capture as provenance (invariant 4, §3.2).
//
// Decode fails fast with ErrSourceUnreadable if the gzip stream cannot even
// be opened. If it is instead truncated mid-stream before any record was
// emitted, Decode cannot know that synchronously — decoding only happens in
// the background goroutine — so it reports the same ErrSourceUnreadable as
// a KindFatal Outcome (and on Stats.Err) once the scan ends. Any other
// malformed line is reported through the channel and the Stats counter
// instead of aborting the shard.
func Decode(ctx context.Context, r io.Reader, collection, shardFile string) (<-chan Outcome, *Stats, error) {
	ctx, span := tracer.Start(ctx, "cdx.Decode", trace.WithAttributes(
		attribute.String("collection", collection),
		attribute.String("shard_file", shardFile),
	))

	gz, err := gzip.NewReader(r)
	if err != nil {
		span.End()

		return nil, nil, fmt.Errorf("error opening gzip stream for %q: %w: %w", shardFile, ErrSourceUnreadable, err)
	}

	stats := &Stats{}
	out := make(chan Outcome, 256)

	go func() {
		defer close(out)
		defer span.End()
		defer gz.Close()

		scanner := bufio.NewScanner(gz)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

		emitted := false

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}

			cap, err := parseLine(line, collection, shardFile)
			if err != nil {
				stats.Malformed++

				zerolog.Ctx(ctx).Warn().
					Err(err).
					Str("shard_file", shardFile).
					Str("line", truncate(line, 200)).
					Msg("skipping malformed cdx line")

				out <- Outcome{Kind: KindMalformed, Line: line, Err: err}

				continue
			}

			emitted = true
			stats.Parsed++
			out <- Outcome{Kind: KindCapture, Capture: cap}
		}

		if err := scanner.Err(); err != nil && !emitted {
			fatalErr := fmt.Errorf("error reading cdx shard %q: %w: %w", shardFile, ErrSourceUnreadable, err)
			stats.Err = fatalErr

			zerolog.Ctx(ctx).Error().Err(fatalErr).Str("shard_file", shardFile).Msg("cdx source unreadable")

			out <- Outcome{Kind: KindFatal, Err: fatalErr}
		}
	}()

	return out, stats, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n]
}

// parseLine dispatches between the CDXJ and legacy CDX formats based on
// whether the third whitespace-delimited token opens a JSON object.
func parseLine(line, collection, shardFile string) (pointer.Capture, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return pointer.Capture{}, fmt.Errorf("%w: expected at least 2 fields, got %d", ErrMalformedRecord, len(fields))
	}

	timestamp := fields[1]

	if len(fields) == 3 && strings.HasPrefix(strings.TrimSpace(fields[2]), "{") {
		return parseCDXJ(fields[0], timestamp, fields[2], collection, shardFile)
	}

	return parseLegacyCDX(line, collection, shardFile)
}

// ErrMalformedRecord is wrapped into every per-line parse error.
var ErrMalformedRecord = errors.New("malformed cdx record")

func intPtr(s string) *int32 {
	if s == "" || s == "-" {
		return nil
	}

	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return nil
	}

	v := int32(n)

	return &v
}

func int64Ptr(s string) *int64 {
	if s == "" || s == "-" {
		return nil
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}

	return &n
}

func strPtr(s string) *string {
	if s == "" || s == "-" {
		return nil
	}

	return &s
}
