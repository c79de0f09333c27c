// Package service orchestrates the compile flow: validate the request,
// resolve and install its libraries, hold one build slot for the
// duration of the job, run the sketch compile, and cache the result.
//
// This facade is the interface the request layer (HTTP routes, session
// handling) consumes; it carries no transport concerns itself.
package service

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"sketchd/internal/buildslot"
	"sketchd/internal/catalog"
	"sketchd/internal/compiler"
	"sketchd/internal/installer"
	"sketchd/internal/metrics"
	"sketchd/pkg/types"
)

var log = slog.Default()

// Config carries the service-level settings.
type Config struct {
	Boards                 []types.Board
	ResultCacheSize        int
	ResultCacheTTL         time.Duration
	CatalogRefreshInterval time.Duration
}

// Service ties the catalog, installer, slot pool, and compiler
// together and tracks job lifecycles.
type Service struct {
	cfg       Config
	catalog   *catalog.Service
	installer *installer.Installer
	pool      *buildslot.Pool
	compiler  *compiler.Compiler
	tracker   *JobTracker
	collector *metrics.Collector

	// results caches compiled firmware keyed by a digest of the
	// source, board, and library set. TTL-bound; lost on restart.
	results *expirable.LRU[string, types.CompileResult]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a service from its components.
func New(cfg Config, cat *catalog.Service, inst *installer.Installer, pool *buildslot.Pool, comp *compiler.Compiler, collector *metrics.Collector) *Service {
	return &Service{
		cfg:       cfg,
		catalog:   cat,
		installer: inst,
		pool:      pool,
		compiler:  comp,
		tracker:   NewJobTracker(defaultJobRetention),
		collector: collector,
		results:   expirable.NewLRU[string, types.CompileResult](cfg.ResultCacheSize, nil, cfg.ResultCacheTTL),
	}
}

// Start performs the initial catalog refresh and launches the periodic
// refresher. An offline start is not fatal: compiles proceed against
// whatever is already in the artifact cache.
func (s *Service) Start(ctx context.Context) error {
	if err := s.catalog.Refresh(ctx); err != nil {
		log.Warn("Initial library index refresh failed", "error", err)
	}
	s.collector.SetCatalogLibraries(s.catalog.Len())

	refreshCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.catalog.RunRefresher(refreshCtx, s.cfg.CatalogRefreshInterval)
	}()

	log.Info("Service started",
		"slots", s.pool.Size(),
		"boards", len(s.cfg.Boards),
		"libraries", s.catalog.Len())
	return nil
}

// Stop shuts the service down: the refresher exits and pending slot
// acquisitions are woken.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.pool.Close()
	s.wg.Wait()
	log.Info("Service stopped")
}

// Compile runs one job end to end and returns the firmware image.
func (s *Service) Compile(ctx context.Context, job types.CompileJob) (types.CompileResult, error) {
	if job.ID == "" {
		job.ID = types.JobID(uuid.NewString())
	}

	board, ok := s.board(job.Board)
	if !ok {
		return types.CompileResult{}, fmt.Errorf("%w: unrecognized board %q", types.ErrInvalidInput, job.Board)
	}
	for _, req := range job.Libraries {
		if err := req.Validate(); err != nil {
			return types.CompileResult{}, err
		}
	}

	if err := s.tracker.Add(job.ID, job.Board); err != nil {
		return types.CompileResult{}, err
	}

	cacheKey := resultCacheKey(job)
	if result, ok := s.results.Get(cacheKey); ok {
		s.tracker.MarkCompleted(job.ID)
		log.Info("Compile served from result cache", "job", job.ID, "board", job.Board)
		return result, nil
	}

	// The slot is held for the whole job, installs included, so the
	// pool's capacity is a hard cap on concurrent toolchain processes.
	slot, err := s.pool.Acquire(ctx)
	if err != nil {
		s.tracker.MarkFailed(job.ID, err)
		return types.CompileResult{}, err
	}
	s.tracker.MarkInFlight(job.ID)
	s.updateGauges()
	defer func() {
		s.pool.Release(slot)
		s.updateGauges()
	}()

	start := time.Now()

	resolved, err := s.installer.Install(ctx, job.Libraries, board)
	if err != nil {
		s.tracker.MarkFailed(job.ID, err)
		s.collector.RecordCompileFailure()
		return types.CompileResult{}, err
	}

	result, err := s.compiler.Compile(ctx, job, board, slot, resolved)
	if err != nil {
		s.tracker.MarkFailed(job.ID, err)
		s.collector.RecordCompileFailure()
		return types.CompileResult{}, err
	}

	s.collector.RecordCompile(time.Since(start).Seconds())
	s.results.Add(cacheKey, result)
	s.tracker.MarkCompleted(job.ID)
	log.Info("Compile finished",
		"job", job.ID, "board", job.Board,
		"encoding", result.Encoding, "duration", time.Since(start))
	return result, nil
}

// Job returns the tracked record for one job ID.
func (s *Service) Job(id types.JobID) (types.JobRecord, bool) {
	return s.tracker.Get(id)
}

// Stats returns job counts per status.
func (s *Service) Stats() map[types.JobStatus]int {
	return s.tracker.Stats()
}

func (s *Service) board(fqbn string) (types.Board, bool) {
	for _, b := range s.cfg.Boards {
		if b.FQBN == fqbn {
			return b, true
		}
	}
	return types.Board{}, false
}

func (s *Service) updateGauges() {
	s.collector.SetSlotsBusy(s.pool.Size() - s.pool.FreeCount())
	s.collector.SetJobsInFlight(s.tracker.InFlight())
}

// resultCacheKey digests a job into a stable cache key. Whitespace in
// the source is ignored so trivial reformatting still hits.
func resultCacheKey(job types.CompileJob) string {
	source := strings.NewReplacer(" ", "", "\n", "").Replace(job.SourceCode)

	libs := make([]string, len(job.Libraries))
	for i, req := range job.Libraries {
		libs[i] = req.Key()
	}
	sort.Strings(libs)

	sum := md5.Sum([]byte(source + "|" + job.Board + "|" + strings.Join(libs, ",")))
	return fmt.Sprintf("%x", sum)
}
