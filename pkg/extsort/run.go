package extsort

import (
	"bufio"
	"container/heap"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/commoncrawl-tools/ccpointer/pkg/pointer"
	"github.com/commoncrawl-tools/ccpointer/pkg/zstd"
)

// writeRun writes a sorted in-memory batch to a zstd-compressed spill run,
// gob-encoded record by record so the merge phase can stream it back
// without holding the whole run in memory.
func writeRun(path string, records []pointer.Capture) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating spill run %q: %w", path, err)
	}
	defer f.Close()

	zw := zstd.NewPooledWriter(bufio.NewWriter(f))

	enc := gob.NewEncoder(zw)

	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			zw.Close()

			return fmt.Errorf("error encoding record to spill run %q: %w", path, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("error closing spill run %q: %w", path, err)
	}

	return nil
}

// runReader streams records back out of one spill run in order.
type runReader struct {
	f   *os.File
	zr  *zstd.PooledReader
	dec *gob.Decoder
}

func openRun(path string) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening spill run %q: %w", path, err)
	}

	zr, err := zstd.NewPooledReader(bufio.NewReader(f))
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("error opening zstd stream for %q: %w", path, err)
	}

	return &runReader{f: f, zr: zr, dec: gob.NewDecoder(zr)}, nil
}

func (r *runReader) next() (pointer.Capture, error) {
	var rec pointer.Capture

	err := r.dec.Decode(&rec)

	return rec, err
}

func (r *runReader) close() {
	r.zr.Close()
	r.f.Close()
}

// mergeHeapItem is one spill run's current head record, ordered into a
// min-heap keyed on the composite sort key (§4.3 step 4).
type mergeHeapItem struct {
	rec    pointer.Capture
	reader *runReader
}

type mergeHeap []*mergeHeapItem

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return pointer.Less(h[i].rec, h[j].rec) }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeHeapItem)) }

func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]

	return item
}

// mergeRuns k-way merges s.runPaths into out, streaming the merged
// sequence without ever materializing more than one record per run in
// memory at a time.
func (s *sorter) mergeRuns(out chan<- pointer.Capture) error {
	h := make(mergeHeap, 0, len(s.runPaths))

	readers := make([]*runReader, 0, len(s.runPaths))

	defer func() {
		for _, r := range readers {
			r.close()
		}
	}()

	for _, p := range s.runPaths {
		r, err := openRun(p)
		if err != nil {
			return err
		}

		readers = append(readers, r)

		rec, err := r.next()
		if err == io.EOF {
			continue
		}

		if err != nil {
			return fmt.Errorf("error reading first record of run %q: %w", p, err)
		}

		h = append(h, &mergeHeapItem{rec: rec, reader: r})
	}

	heap.Init(&h)

	for h.Len() > 0 {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}

		item := heap.Pop(&h).(*mergeHeapItem)
		out <- item.rec

		next, err := item.reader.next()
		if err == io.EOF {
			continue
		}

		if err != nil {
			return fmt.Errorf("error reading next record during merge: %w", err)
		}

		item.rec = next
		heap.Push(&h, item)
	}

	return nil
}
