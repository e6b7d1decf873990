package orchestrator

import (
	"context"
	"database/sql"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/commoncrawl-tools/ccpointer/pkg/catalog"
)

// Scheduler periodically re-aggregates per-year indexes from per-collection
// DBs whose mtime/size changed since the last build (spec §4.5 "rebuilt
// when any of its collections change"), following the teacher's
// pkg/cache.Cache cron setup (SetupCron/AddLRUCronJob/StartCron) generalized
// from LRU eviction to index reaggregation.
type Scheduler struct {
	cron *cron.Cron

	yearDBs  map[int]*sql.DB
	sources  func(year int) ([]catalog.SourceState, error)
	lastSeen map[int]map[string]catalog.SourceState
}

// NewScheduler builds a Scheduler against the given year databases and a
// sources callback that lists the per-collection DB states for a year
// (typically a directory listing under duckdb_root/cc_pointers_by_collection).
func NewScheduler(timezone *time.Location, yearDBs map[int]*sql.DB, sources func(year int) ([]catalog.SourceState, error)) *Scheduler {
	var opts []cron.Option
	if timezone != nil {
		opts = append(opts, cron.WithLocation(timezone))
	}

	return &Scheduler{
		cron:     cron.New(opts...),
		yearDBs:  yearDBs,
		sources:  sources,
		lastSeen: make(map[int]map[string]catalog.SourceState),
	}
}

// AddReaggregationJob schedules a periodic per-year rebuild for year on
// schedule (e.g. cron.Every(15 * time.Minute) or a standard crontab spec
// parsed by cron.ParseStandard).
func (s *Scheduler) AddReaggregationJob(ctx context.Context, year int, schedule cron.Schedule) {
	logger := zerolog.Ctx(ctx)
	logger.Info().Int("year", year).Time("next_run", schedule.Next(time.Now())).
		Msg("scheduling per-year reaggregation")

	s.cron.Schedule(schedule, cron.FuncJob(func() {
		if err := s.reaggregateYear(ctx, year); err != nil {
			logger.Error().Err(err).Int("year", year).Msg("per-year reaggregation failed")
		}
	}))
}

// Start runs the scheduler's cron loop in its own goroutine; a no-op if
// already started.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels any future scheduled runs without interrupting one in
// flight; the caller should wait on cron.Stop's returned context if exact
// completion is required.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

func (s *Scheduler) reaggregateYear(ctx context.Context, year int) error {
	yearDB, ok := s.yearDBs[year]
	if !ok {
		return nil
	}

	sources, err := s.sources(year)
	if err != nil {
		return err
	}

	prior := s.lastSeen[year]

	if err := catalog.RebuildYear(ctx, yearDB, sources, prior); err != nil {
		return err
	}

	seen := make(map[string]catalog.SourceState, len(sources))
	for _, src := range sources {
		seen[src.Collection] = src
	}

	s.lastSeen[year] = seen

	return nil
}
