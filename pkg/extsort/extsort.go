// Package extsort sorts a stream of capture records by the composite key
// (host_rev, url, timestamp) under a bounded memory budget, spilling sorted
// runs to disk and k-way merging them (spec §4.3).
package extsort

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/commoncrawl-tools/ccpointer/pkg/helper"
	"github.com/commoncrawl-tools/ccpointer/pkg/pointer"
)

const otelPackageName = "github.com/commoncrawl-tools/ccpointer/pkg/extsort"

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// ErrSpillExhausted is returned when the spill directory fills before the
// sort completes. Partial runs are removed before this is returned.
var ErrSpillExhausted = errors.New("extsort spill directory exhausted")

// ErrInsufficientDiskSpace is returned up front when the spill directory
// does not have room for the memory budget plus the shard's on-disk size.
var ErrInsufficientDiskSpace = errors.New("extsort insufficient free disk space for spill")

// Options configures one sort run (§6.5 sort_memory_per_worker).
type Options struct {
	// MemoryBudget is the in-memory buffer size in bytes (M, default 4 GiB).
	MemoryBudget int64
	// SpillDir is the parent directory under which this run creates its own
	// isolated subdirectory (§5: "each sort worker gets an isolated
	// subdirectory to prevent filename collisions").
	SpillDir string
	// InputSizeHint is the on-disk size of the shard being sorted, used for
	// the free-disk preflight check.
	InputSizeHint int64
}

// DefaultMemoryBudget matches the §6.5 default of 4 GiB.
const DefaultMemoryBudget = 4 * 1024 * 1024 * 1024

// Result carries the sorted output sequence plus the distinct host_rev
// count observed, which the columnar writer's adaptive row-group policy
// uses as its domain-coverage denominator. Errc follows the same pattern
// as pkg/columnar.Reader.ScanHostRev: it carries at most one error and is
// only safe to read once Records has been fully drained.
type Result struct {
	Records      <-chan pointer.Capture
	TotalDomains func() int
	Errc         <-chan error
}

// Sort drains input, sorts it by the composite key under a bounded memory
// budget, and returns a channel streaming the merged, sorted sequence.
// Spilled runs live in an isolated subdirectory of opts.SpillDir that is
// removed when the returned channel is fully drained or ctx is cancelled.
func Sort(ctx context.Context, input <-chan pointer.Capture, opts Options) (Result, error) {
	ctx, span := tracer.Start(ctx, "extsort.Sort")
	defer span.End()

	if opts.MemoryBudget <= 0 {
		opts.MemoryBudget = DefaultMemoryBudget
	}

	if err := checkFreeDisk(opts.SpillDir, opts.MemoryBudget+opts.InputSizeHint); err != nil {
		return Result{}, err
	}

	workDir, err := newIsolatedSpillDir(opts.SpillDir)
	if err != nil {
		return Result{}, fmt.Errorf("error creating spill directory: %w", err)
	}

	s := &sorter{
		ctx:     ctx,
		opts:    opts,
		workDir: workDir,
		domains: make(map[string]struct{}),
	}

	out := make(chan pointer.Capture, 256)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		defer os.RemoveAll(workDir)

		if err := s.run(input, out); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("spill_dir", workDir).Msg("external sort failed")

			errc <- err
		}
	}()

	return Result{Records: out, TotalDomains: s.domainCount, Errc: errc}, nil
}

// sorter owns one sort run's buffer, spill runs and merge.
type sorter struct {
	ctx     context.Context
	opts    Options
	workDir string

	domains  map[string]struct{}
	runPaths []string
}

func (s *sorter) domainCount() int {
	return len(s.domains)
}

func (s *sorter) run(input <-chan pointer.Capture, out chan<- pointer.Capture) error {
	var (
		buf       []pointer.Capture
		bufBytes  int64
		runIndex  int
	)

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}

		sort.Slice(buf, func(i, j int) bool { return pointer.Less(buf[i], buf[j]) })

		runPath := filepath.Join(s.workDir, fmt.Sprintf("run-%05d.zst", runIndex))
		runIndex++

		if err := writeRun(runPath, buf); err != nil {
			return err
		}

		s.runPaths = append(s.runPaths, runPath)
		buf = nil
		bufBytes = 0

		return nil
	}

	for rec := range input {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}

		s.domains[rec.HostRev] = struct{}{}

		buf = append(buf, rec)
		bufBytes += estimateRecordBytes(rec)

		if bufBytes >= s.opts.MemoryBudget {
			flushedBytes := bufBytes

			if err := flush(); err != nil {
				return err
			}

			// Require room for another run of roughly the size just spilled;
			// a literal 0 here would never trip, defeating the check.
			if err := checkFreeDisk(s.workDir, flushedBytes); err != nil {
				s.cleanup()

				return fmt.Errorf("%w: %w", ErrSpillExhausted, err)
			}
		}
	}

	if len(s.runPaths) == 0 {
		// Entire input fit in memory; sort and stream directly, no spill
		// needed.
		sort.Slice(buf, func(i, j int) bool { return pointer.Less(buf[i], buf[j]) })

		for _, rec := range buf {
			out <- rec
		}

		return nil
	}

	if err := flush(); err != nil {
		return err
	}

	return s.mergeRuns(out)
}

func (s *sorter) cleanup() {
	for _, p := range s.runPaths {
		os.Remove(p)
	}
}

func estimateRecordBytes(c pointer.Capture) int64 {
	return int64(len(c.URL)+len(c.HostRev)+len(c.URLKey)+len(c.Timestamp)+len(c.WARCFilename)+len(c.Collection)+len(c.ShardFile)) + 96
}

func newIsolatedSpillDir(parent string) (string, error) {
	suffix, err := helper.RandString(12, nil)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(parent, "extsort-"+suffix)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	return dir, nil
}

func checkFreeDisk(dir string, needed int64) error {
	if needed <= 0 {
		return nil
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("error statting spill directory %q: %w", dir, err)
	}

	//nolint:gosec
	free := int64(stat.Bavail) * int64(stat.Bsize)
	if free < needed {
		return fmt.Errorf("%w: have %d bytes free in %q, need %d", ErrInsufficientDiskSpace, free, dir, needed)
	}

	return nil
}
