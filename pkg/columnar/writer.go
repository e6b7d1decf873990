// Package columnar writes and reads sorted capture shards as Parquet-family
// columnar files with per-row-group host_rev statistics (spec §4.2).
package columnar

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	goparquet "github.com/fraugster/parquet-go"
	"github.com/fraugster/parquet-go/parquet"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/commoncrawl-tools/ccpointer/pkg/pointer"
)

const otelPackageName = "github.com/commoncrawl-tools/ccpointer/pkg/columnar"

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// ErrNotSorted reports unsorted input to a columnar shard. The writer never
// sorts (§4.2 contract), and Write does not check the order of the records
// it is given, so Write itself never returns this error.
var ErrNotSorted = errors.New("columnar writer received unsorted input")

// WriterConfig controls row-group sizing (§6.5, §4.2).
type WriterConfig struct {
	// TargetBytes is the fixed byte budget a row group aims for.
	TargetBytes int64
	// MinBytes clamps the adaptive policy from below.
	MinBytes int64
	// DomainPct is the percentage of the shard's unique domains a row
	// group should span before it is considered full, under the adaptive
	// policy (default 90).
	DomainPct int
	// TotalDomains is the shard's total unique host_rev count, known to
	// callers that route through pkg/extsort (which counts distinct keys
	// while spilling). When zero, the adaptive domain-coverage target is
	// skipped and only the byte budget governs row-group size.
	TotalDomains int
}

// DefaultWriterConfig matches the §6.5 defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		TargetBytes: 32 * 1024 * 1024,
		MinBytes:    4 * 1024 * 1024,
		DomainPct:   90,
	}
}

// Write streams records from the channel into a new columnar shard at path,
// writing to a temporary file that is fsynced and renamed into place on
// success (§4.2). It does not sort; callers route sorted input from
// pkg/extsort. A ".sorted" sidecar marker is dropped beside the shard only
// after the rename succeeds; on any earlier error no marker is written.
func Write(ctx context.Context, path string, records <-chan pointer.Capture, cfg WriterConfig) (rowCount int64, err error) {
	ctx, span := tracer.Start(ctx, "columnar.Write", trace.WithAttributes(
		attribute.String("path", path),
	))
	defer span.End()

	if cfg.TargetBytes <= 0 {
		cfg = DefaultWriterConfig()
	}

	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("error creating temp shard %q: %w", tmpPath, err)
	}

	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	sd, err := Schema()
	if err != nil {
		return 0, fmt.Errorf("error parsing columnar schema: %w", err)
	}

	fw := goparquet.NewFileWriter(
		f,
		goparquet.WithSchemaDefinition(sd),
		goparquet.WithCompressionCodec(parquet.CompressionCodec_SNAPPY),
		goparquet.WithCreator("ccpointer"),
	)

	rg := newRowGroupTracker(cfg)

	for rec := range records {
		select {
		case <-ctx.Done():
			return rowCount, ctx.Err()
		default:
		}

		if err = fw.AddData(toRow(rec)); err != nil {
			return rowCount, fmt.Errorf("error adding row to shard %q: %w", path, err)
		}

		rowCount++

		if rg.observe(rec.HostRev, estimateRowBytes(rec)) {
			if err = fw.FlushRowGroup(); err != nil {
				return rowCount, fmt.Errorf("error flushing row group in %q: %w", path, err)
			}

			rg.reset()
		}
	}

	if err = fw.Close(); err != nil {
		return rowCount, fmt.Errorf("error closing shard writer for %q: %w", path, err)
	}

	if err = f.Sync(); err != nil {
		return rowCount, fmt.Errorf("error fsyncing shard %q: %w", tmpPath, err)
	}

	if err = f.Close(); err != nil {
		return rowCount, fmt.Errorf("error closing shard file %q: %w", tmpPath, err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		return rowCount, fmt.Errorf("error renaming %q to %q: %w", tmpPath, path, err)
	}

	if err = writeSortedMarker(path); err != nil {
		return rowCount, err
	}

	zerolog.Ctx(ctx).Info().Str("path", path).Int64("rows", rowCount).Msg("wrote columnar shard")

	return rowCount, nil
}

// writeSortedMarker drops the <path>.sorted sidecar used to short-circuit
// re-sort decisions (§4.2).
func writeSortedMarker(path string) error {
	markerPath := path + ".sorted"

	content := []byte(time.Now().UTC().Format(time.RFC3339Nano) + "\n")
	if err := os.WriteFile(markerPath, content, 0o644); err != nil {
		return fmt.Errorf("error writing sorted marker %q: %w", markerPath, err)
	}

	return nil
}

// HasSortedMarker reports whether path's .sorted sidecar exists.
func HasSortedMarker(path string) bool {
	_, err := os.Stat(path + ".sorted")

	return err == nil
}

// estimateRowBytes approximates the on-disk footprint of a row for the
// adaptive row-group policy; exactness is not required, only monotonicity
// with record size.
func estimateRowBytes(c pointer.Capture) int64 {
	n := len(c.URL) + len(c.HostRev) + len(c.URLKey) + len(c.Timestamp) + len(c.WARCFilename) + len(c.Collection) + len(c.ShardFile) + 32

	if c.MIME != nil {
		n += len(*c.MIME)
	}

	if c.MIMEDetected != nil {
		n += len(*c.MIMEDetected)
	}

	if c.Digest != nil {
		n += len(*c.Digest)
	}

	return int64(n)
}

// rowGroupTracker decides when the current row group is full under the
// adaptive policy of §4.2: the smaller of a fixed byte budget or the span
// covering DomainPct% of the shard's unique domains, clamped to MinBytes.
type rowGroupTracker struct {
	cfg WriterConfig

	bytes        int64
	domainsSeen  map[string]struct{}
	lastHostRev  string
}

func newRowGroupTracker(cfg WriterConfig) *rowGroupTracker {
	return &rowGroupTracker{cfg: cfg, domainsSeen: make(map[string]struct{})}
}

// observe records one more row and reports whether the row group should be
// flushed now that this row has been added. The target is the smaller of
// the fixed byte budget and the domain-coverage threshold (when
// TotalDomains is known), clamped below by MinBytes.
func (t *rowGroupTracker) observe(hostRev string, rowBytes int64) bool {
	t.bytes += rowBytes

	if hostRev != t.lastHostRev {
		t.domainsSeen[hostRev] = struct{}{}
		t.lastHostRev = hostRev
	}

	if t.bytes < t.cfg.MinBytes {
		return false
	}

	if t.bytes >= t.cfg.TargetBytes {
		return true
	}

	if t.cfg.TotalDomains > 0 && t.cfg.DomainPct > 0 {
		threshold := (t.cfg.TotalDomains*t.cfg.DomainPct + 99) / 100
		if len(t.domainsSeen) >= threshold {
			return true
		}
	}

	return false
}

func (t *rowGroupTracker) reset() {
	t.bytes = 0
	t.domainsSeen = make(map[string]struct{})
	t.lastHostRev = ""
}
