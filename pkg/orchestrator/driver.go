package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/commoncrawl-tools/ccpointer/pkg/catalog"
	"github.com/commoncrawl-tools/ccpointer/pkg/cdx"
	"github.com/commoncrawl-tools/ccpointer/pkg/collectionindex"
	"github.com/commoncrawl-tools/ccpointer/pkg/columnar"
	"github.com/commoncrawl-tools/ccpointer/pkg/extsort"
	"github.com/commoncrawl-tools/ccpointer/pkg/lock"
	"github.com/commoncrawl-tools/ccpointer/pkg/pointer"
)

const otelPackageName = "github.com/commoncrawl-tools/ccpointer/pkg/orchestrator"

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Shard names one input CDX shard to drive through the A→B→C→D state
// machine (spec §4.8).
type Shard struct {
	// InputPath is the gzipped CDX shard on disk.
	InputPath string
	// ShardPath is the destination columnar shard path under parquet_root.
	ShardPath string
	// ShardRelpath is ShardPath relative to parquet_root, stamped as
	// provenance and stored in the per-collection index.
	ShardRelpath string
	// ShardFile is the CDX shard's own filename, stamped as provenance
	// (invariant 4, §3.2).
	ShardFile string

	Collection string
	Year       int
}

// Config bounds one Driver's resource usage (spec §6.5, §4.8).
type Config struct {
	SpillDir            string
	SortMemoryPerWorker int64
	SortWorkers         int
	IndexWorkers        int
	RowGroupTargetBytes int64
	RowGroupMinBytes    int64
	RowGroupDomainPct   int
}

// Driver wires the concrete A/C/B/D/E stages into the shard state machine.
// It depends only on the small capability surface spec.md §9's redesign
// flags call for (decode, sort, write, index, aggregate are free
// functions in their own packages; Driver never becomes a dependency of
// any of them, breaking the cyclic references the source had).
type Driver struct {
	Config  Config
	Metrics *Metrics
	Events  *EventLog

	// MasterDB and MasterLock serialize the single-writer master catalog
	// (spec §5 "Shared resources").
	MasterDB   *sql.DB
	MasterLock lock.RWLocker

	// RunID identifies one RunCollection invocation in emitted events.
	RunID string
}

// NewDriver builds a Driver with a fresh RunID (spec §9 "a small
// append-only event store" keyed per run, not a process-local PID file).
func NewDriver(cfg Config, metrics *Metrics, events *EventLog, masterDB *sql.DB, masterLock lock.RWLocker) *Driver {
	return &Driver{
		Config:     cfg,
		Metrics:    metrics,
		Events:     events,
		MasterDB:   masterDB,
		MasterLock: masterLock,
		RunID:      uuid.NewString(),
	}
}

func (d *Driver) emit(ev Event) {
	ev.RunID = d.RunID
	ev.Time = time.Now()

	if d.Events == nil {
		return
	}

	if err := d.Events.Emit(ev); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: failed to emit event: %v\n", err)
	}
}

// RunShard drives one shard through INPUT_PRESENT → SORTING → SORTED →
// INDEXED, resuming from the furthest marker present (spec §4.8 state
// machine). indexDB is the shard's collection's already-open index DB.
func (d *Driver) RunShard(ctx context.Context, s Shard, indexDB *sql.DB) error {
	ctx, span := tracer.Start(ctx, "orchestrator.RunShard", trace.WithAttributes(
		attribute.String("collection", s.Collection),
		attribute.String("shard", s.ShardRelpath),
	))
	defer span.End()

	state := inspectShard(s.InputPath, s.ShardPath)

	if state == StateFailed {
		// A prior attempt left a .sorting marker without completing; clear
		// it and retry from the top (spec §4.8 "FAIL is recoverable; retry
		// transitions").
		if err := clearMarker(s.ShardPath, StateSorting); err != nil {
			return err
		}

		state = StateInputPresent
	}

	if state == StateInputPresent {
		if err := d.sortAndWrite(ctx, s); err != nil {
			d.emit(Event{Stage: StateFailed, Collection: s.Collection, Shard: s.ShardRelpath, Err: err.Error()})

			return err
		}

		state = StateSorted
	}

	if state == StateSorted {
		if err := d.index(ctx, s, indexDB); err != nil {
			d.emit(Event{Stage: StateFailed, Collection: s.Collection, Shard: s.ShardRelpath, Err: err.Error()})

			return err
		}

		state = StateIndexed
	}

	return nil
}

// sortAndWrite implements the write path decoder→sorter→writer→columnar
// shard (A→C→B) and commits the SORTING→SORTED transition.
func (d *Driver) sortAndWrite(ctx context.Context, s Shard) error {
	start := time.Now()

	if err := placeMarker(s.ShardPath, StateSorting); err != nil {
		return err
	}

	d.emit(Event{Stage: StateSorting, Collection: s.Collection, Shard: s.ShardRelpath})

	f, err := os.Open(s.InputPath)
	if err != nil {
		return fmt.Errorf("error opening cdx shard %q: %w", s.InputPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("error statting cdx shard %q: %w", s.InputPath, err)
	}

	outcomes, stats, err := cdx.Decode(ctx, f, s.Collection, s.ShardFile)
	if err != nil {
		return err
	}

	records := make(chan pointer.Capture, 256)

	var decodeErr error

	go func() {
		defer close(records)

		for o := range outcomes {
			switch o.Kind {
			case cdx.KindCapture:
				records <- o.Capture
			case cdx.KindFatal:
				decodeErr = o.Err
			case cdx.KindMalformed:
			}
		}
	}()

	sorted, err := extsort.Sort(ctx, records, extsort.Options{
		MemoryBudget:  d.Config.SortMemoryPerWorker,
		SpillDir:      d.Config.SpillDir,
		InputSizeHint: info.Size(),
	})
	if err != nil {
		return err
	}

	rowCount, err := columnar.Write(ctx, s.ShardPath, sorted.Records, columnar.WriterConfig{
		TargetBytes:  d.Config.RowGroupTargetBytes,
		MinBytes:     d.Config.RowGroupMinBytes,
		DomainPct:    d.Config.RowGroupDomainPct,
		TotalDomains: sorted.TotalDomains(),
	})
	if err != nil {
		return err
	}

	// sorted.Records and the cdx->records feeder both close before
	// columnar.Write returns (it ranges until the channel closes), so
	// decodeErr and sorted.Errc are safe to read now (§7: SourceUnreadable
	// and SpillExhausted must fail the shard, never commit a partial one).
	if decodeErr != nil {
		return decodeErr
	}

	if stats.Err != nil {
		return stats.Err
	}

	if err := <-sorted.Errc; err != nil {
		return err
	}

	if err := clearMarker(s.ShardPath, StateSorting); err != nil {
		return err
	}

	if d.Metrics != nil {
		var shardBytes int64
		if st, err := os.Stat(s.ShardPath); err == nil {
			shardBytes = st.Size()
		}

		d.Metrics.ShardsTotal.WithLabelValues(s.Collection, StateSorted.String()).Inc()
		d.Metrics.ShardDurationS.WithLabelValues(s.Collection, StateSorted.String()).Observe(time.Since(start).Seconds())
		d.Metrics.BytesWritten.WithLabelValues(s.Collection).Add(float64(shardBytes))
	}

	zerolog.Ctx(ctx).Info().
		Str("collection", s.Collection).
		Str("shard", s.ShardRelpath).
		Int64("rows", rowCount).
		Int64("malformed", stats.Malformed).
		Msg("sorted and wrote shard")

	d.emit(Event{
		Stage: StateSorted, Collection: s.Collection, Shard: s.ShardRelpath,
		Count: rowCount, Bytes: info.Size(),
	})

	return nil
}

// index implements D: scan the freshly sorted shard and fold its host_rev
// runs into the collection's index DB, then commit the INDEXED transition.
func (d *Driver) index(ctx context.Context, s Shard, indexDB *sql.DB) error {
	start := time.Now()

	reader, err := columnar.Open(s.ShardPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	if err := collectionindex.EnsureSchema(ctx, indexDB); err != nil {
		return err
	}

	rowCount, err := collectionindex.IndexShard(ctx, indexDB, reader, s.ShardRelpath, s.Collection, s.Year, s.ShardFile)
	if err != nil {
		return err
	}

	if err := placeMarker(s.ShardPath, StateIndexed); err != nil {
		return err
	}

	if d.Metrics != nil {
		d.Metrics.ShardsTotal.WithLabelValues(s.Collection, StateIndexed.String()).Inc()
		d.Metrics.ShardDurationS.WithLabelValues(s.Collection, StateIndexed.String()).Observe(time.Since(start).Seconds())
		d.Metrics.RecordsIndexed.WithLabelValues(s.Collection).Add(float64(rowCount))
	}

	d.emit(Event{Stage: StateIndexed, Collection: s.Collection, Shard: s.ShardRelpath, Count: rowCount})

	return nil
}

// RunCollection runs RunShard over every shard of a collection with up to
// Config.SortWorkers concurrent sorts (the heavier stage) and then
// aggregates: once every shard reports INDEXED, it rebuilds the
// collection's entry in the master catalog (spec §4.8, §4.5 "master is
// rebuilt when any per-collection changes").
func (d *Driver) RunCollection(
	ctx context.Context,
	collection string,
	shards []Shard,
	indexDBPath string,
	indexDB *sql.DB,
) error {
	limit := d.Config.SortWorkers
	if limit <= 0 {
		limit = 1
	}

	errs := runBounded(ctx, limit, shards, func(ctx context.Context, s Shard) error {
		return d.RunShard(ctx, s, indexDB)
	})

	var failed int

	for i, err := range errs {
		if err != nil {
			failed++

			zerolog.Ctx(ctx).Error().Err(err).Str("shard", shards[i].ShardRelpath).
				Msg("shard failed; collection will not be marked complete")
		}
	}

	if failed > 0 {
		return fmt.Errorf("orchestrator: %d of %d shards failed for collection %q", failed, len(shards), collection)
	}

	return d.aggregate(ctx, collection, shards, indexDBPath, indexDB)
}

// aggregate commits the collection's master-catalog row under MasterLock,
// the single serialized writer spec §5 requires ("Master catalog:
// single-writer; updated via a serialized queue behind H").
func (d *Driver) aggregate(
	ctx context.Context,
	collection string,
	shards []Shard,
	indexDBPath string,
	indexDB *sql.DB,
) error {
	var rowCount int64

	if err := indexDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM cc_domain_shards`).Scan(&rowCount); err != nil {
		return fmt.Errorf("error counting collection index rows for %q: %w", collection, err)
	}

	if rowCount == 0 {
		return fmt.Errorf("orchestrator: collection %q indexed to zero rows, refusing to publish to master", collection)
	}

	year := 0
	if len(shards) > 0 {
		year = shards[0].Year
	}

	if d.MasterLock != nil {
		if err := d.MasterLock.Lock(ctx, "master-catalog", 30*time.Second); err != nil {
			return fmt.Errorf("error acquiring master catalog lock: %w", err)
		}

		defer func() {
			if err := d.MasterLock.Unlock(ctx, "master-catalog"); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("error releasing master catalog lock")
			}
		}()
	}

	if err := catalog.UpsertCollection(ctx, d.MasterDB, collection, year, indexDBPath, rowCount, time.Now()); err != nil {
		return err
	}

	for _, s := range shards {
		if err := placeMarker(s.ShardPath, StateAggregated); err != nil {
			return err
		}
	}

	if d.Metrics != nil {
		d.Metrics.ReaggregationTS.WithLabelValues("master").Set(float64(time.Now().Unix()))
	}

	d.emit(Event{Stage: StateAggregated, Collection: collection, Count: rowCount})

	zerolog.Ctx(ctx).Info().Str("collection", collection).Int64("rows", rowCount).
		Msg("published collection to master catalog")

	return nil
}

// RefuseIfLiveSnapshots implements §4.8's "refuses to operate on a storage
// target that has live snapshots" guard: a ZFS/Btrfs snapshot directory
// pins old blocks so "free space" on parquetRoot is not actually
// reclaimable by re-sorting in place. Detection is filesystem-convention
// based (a ".zfs/snapshot" or ".snapshot" directory at the root), since Go
// has no portable snapshot-enumeration API.
func RefuseIfLiveSnapshots(parquetRoot string, override bool) error {
	if override {
		return nil
	}

	for _, name := range []string{".zfs/snapshot", ".snapshot"} {
		if _, err := os.Stat(filepath.Join(parquetRoot, name)); err == nil {
			return fmt.Errorf("orchestrator: %q has a live snapshot directory %q; pass an override to proceed", parquetRoot, name)
		}
	}

	return nil
}
