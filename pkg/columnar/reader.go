package columnar

import (
	"context"
	"fmt"
	"io"
	"os"

	goparquet "github.com/fraugster/parquet-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/commoncrawl-tools/ccpointer/pkg/pointer"
)

// Reader opens a columnar shard for row-group-granular reads (§4.6 F.2
// step 5: the planner never materializes more than one row group at a
// time per shard).
type Reader struct {
	f  *os.File
	fr *goparquet.FileReader
}

// Open opens the columnar shard at path for reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening shard %q: %w", path, err)
	}

	fr, err := goparquet.NewFileReader(f)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("error reading shard metadata for %q: %w", path, err)
	}

	return &Reader{f: f, fr: fr}, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}

// RowGroupCount returns the number of row groups in the shard.
func (r *Reader) RowGroupCount() int {
	return r.fr.RowGroupCount()
}

// RowGroupStats returns the recorded host_rev min/max and row count for row
// group rg, as written by Write (§4.2 "guarantees per row group: host_rev
// min and max statistics recorded").
func (r *Reader) RowGroupStats(rg int) (pointer.RowGroupStats, error) {
	meta := r.fr.MetaData()
	if meta == nil || rg < 0 || rg >= len(meta.RowGroups) {
		return pointer.RowGroupStats{}, fmt.Errorf("row group %d out of range", rg)
	}

	group := meta.RowGroups[rg]

	var stats pointer.RowGroupStats
	stats.Index = rg
	stats.RowCount = group.NumRows

	for _, col := range group.Columns {
		if len(col.MetaData.PathInSchema) == 0 {
			continue
		}

		if col.MetaData.PathInSchema[len(col.MetaData.PathInSchema)-1] != FieldHostRev {
			continue
		}

		if col.MetaData.Statistics.MinValue != nil {
			stats.HostRevMin = string(col.MetaData.Statistics.MinValue)
		}

		if col.MetaData.Statistics.MaxValue != nil {
			stats.HostRevMax = string(col.MetaData.Statistics.MaxValue)
		}
	}

	return stats, nil
}

// ReadRowGroupRange reads rows [rowStart, rowEnd) of row group rg and
// returns them as Captures, in on-disk order.
func (r *Reader) ReadRowGroupRange(ctx context.Context, rg int, rowStart, rowEnd int64) ([]pointer.Capture, error) {
	_, span := tracer.Start(ctx, "columnar.ReadRowGroupRange", trace.WithAttributes(
		attribute.Int("row_group", rg),
		attribute.Int64("row_start", rowStart),
		attribute.Int64("row_end", rowEnd),
	))
	defer span.End()

	if err := r.fr.SeekToRowGroup(rg); err != nil {
		return nil, fmt.Errorf("error seeking to row group %d: %w", rg, err)
	}

	for i := int64(0); i < rowStart; i++ {
		if _, err := r.fr.NextRow(); err != nil {
			return nil, fmt.Errorf("error skipping to row %d in row group %d: %w", rowStart, rg, err)
		}
	}

	records := make([]pointer.Capture, 0, rowEnd-rowStart)

	for i := rowStart; i < rowEnd; i++ {
		row, err := r.fr.NextRow()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("error reading row %d in row group %d: %w", i, rg, err)
		}

		records = append(records, fromRow(row))
	}

	return records, nil
}

// HostRevEntry identifies one row's host_rev and its position, used by the
// per-collection index builder's run accumulator (§4.4).
type HostRevEntry struct {
	RowGroup int
	RowIndex int64
	HostRev  string
}

// ScanHostRev walks every row group in order and emits one HostRevEntry per
// row, closing over the row-group boundary so the caller's run-accumulator
// never needs to re-derive it. Component D only needs host_rev out of this
// scan; the full row is still decoded internally until the underlying
// reader supports column projection.
func (r *Reader) ScanHostRev(ctx context.Context) (<-chan HostRevEntry, <-chan error) {
	out := make(chan HostRevEntry, 256)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		for rg := 0; rg < r.RowGroupCount(); rg++ {
			stats, err := r.RowGroupStats(rg)
			if err != nil {
				errc <- err

				return
			}

			if err := r.fr.SeekToRowGroup(rg); err != nil {
				errc <- fmt.Errorf("error seeking to row group %d: %w", rg, err)

				return
			}

			for i := int64(0); i < stats.RowCount; i++ {
				select {
				case <-ctx.Done():
					errc <- ctx.Err()

					return
				default:
				}

				row, err := r.fr.NextRow()
				if err != nil {
					errc <- fmt.Errorf("error reading row %d of row group %d: %w", i, rg, err)

					return
				}

				out <- HostRevEntry{RowGroup: rg, RowIndex: i, HostRev: string(asBytes(row[FieldHostRev]))}
			}
		}
	}()

	return out, errc
}

// All reads every record in the shard, in on-disk order. pkg/validate uses
// it for its full sequential pass over a shard; the index builder uses
// ScanHostRev instead.
func (r *Reader) All(ctx context.Context) (<-chan pointer.Capture, <-chan error) {
	out := make(chan pointer.Capture, 256)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()

				return
			default:
			}

			row, err := r.fr.NextRow()
			if err == io.EOF {
				return
			}

			if err != nil {
				errc <- fmt.Errorf("error reading row: %w", err)

				return
			}

			out <- fromRow(row)
		}
	}()

	return out, errc
}
