package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/seantiz/simforge/internal/cache"
	"github.com/seantiz/simforge/internal/model"
	"github.com/seantiz/simforge/internal/supervisor"
)

var (
	// ErrEngineNotFound is returned before any job runs when the engine
	// executable cannot be resolved.
	ErrEngineNotFound = errors.New("simulation engine not found")

	// ErrDuplicateOutput is returned before any job runs when two jobs of a
	// batch name the same output directory.
	ErrDuplicateOutput = errors.New("output directory shared by several jobs")

	// ErrJobNotRun classifies jobs that failed before the engine started.
	ErrJobNotRun = errors.New("job did not run")
)

// Config holds scheduler settings. Zero values select defaults.
type Config struct {
	// MaxConcurrency bounds the jobs in flight. Defaults to the logical CPU
	// count.
	MaxConcurrency int

	// Executable is the engine binary, resolved against PATH.
	Executable string

	// ExtraArgs are passed to the engine before the per-job arguments.
	ExtraArgs []string

	// DefaultTimeout applies to jobs without their own Timeout. Zero means
	// no limit.
	DefaultTimeout time.Duration

	// LaunchRate limits engine process launches per second. Cache hits are
	// not throttled. Zero means no limit.
	LaunchRate float64

	// JobMemory is the expected peak memory of one engine process, used to
	// warn when MaxConcurrency exceeds what available memory suggests.
	JobMemory uint64
}

// Options carries the optional collaborators of a Scheduler.
type Options struct {
	// Cache stores successful outcomes. Without it every job runs.
	Cache *cache.Cache

	// Observer receives every progress event of every batch.
	Observer Observer

	// Ledger records batches and job outcomes.
	Ledger Ledger

	Logger *slog.Logger
}

// Scheduler runs batches of jobs. It is safe for concurrent use; batches
// share the cache and nothing else.
type Scheduler struct {
	cfg      Config
	cache    *cache.Cache
	observer Observer
	ledger   Ledger
	logger   *slog.Logger
	super    *supervisor.Supervisor
	limiter  *rate.Limiter
	broker   *ProgressBroker

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(cfg Config, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConcurrency()
	}
	if cfg.JobMemory == 0 {
		cfg.JobMemory = DefaultJobMemory
	}

	s := &Scheduler{
		cfg:      cfg,
		cache:    opts.Cache,
		observer: opts.Observer,
		ledger:   opts.Ledger,
		logger:   opts.Logger,
		super:    supervisor.New(opts.Logger),
		broker:   NewProgressBroker(),
		active:   make(map[string]context.CancelFunc),
	}
	if cfg.LaunchRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.LaunchRate), 1)
	}
	warnMemoryPressure(s.logger, cfg.MaxConcurrency, cfg.JobMemory)
	return s
}

// Broker returns the broker that receives the events of every batch.
func (s *Scheduler) Broker() *ProgressBroker {
	return s.broker
}

// Cache returns the scheduler's cache, or nil.
func (s *Scheduler) Cache() *cache.Cache {
	return s.cache
}

// MaxConcurrency returns the effective concurrency limit.
func (s *Scheduler) MaxConcurrency() int {
	return s.cfg.MaxConcurrency
}

// Run executes jobs with a pool of MaxConcurrency workers and returns their
// outcomes in input order. Per-job failures are reported in the outcomes; an
// error is returned only when the batch is rejected before anything runs.
func (s *Scheduler) Run(ctx context.Context, jobs []model.JobSpec) (model.BatchOutcome, error) {
	b, err := s.prepare(ctx, jobs)
	if err != nil {
		return model.BatchOutcome{}, err
	}
	return s.runPool(ctx, b), nil
}

// RunOne executes a single job. A failed job is returned together with a
// *SimulationError describing it.
func (s *Scheduler) RunOne(ctx context.Context, job model.JobSpec) (model.ExecutionOutcome, error) {
	res, err := s.Run(ctx, []model.JobSpec{job})
	if err != nil {
		return model.ExecutionOutcome{}, err
	}
	out := res.Outcomes[0]
	if out.Success {
		return out, nil
	}
	return out, newSimulationError(out)
}

// Submit validates jobs and runs them in the background. Progress is
// published on the broker under the returned batch ID.
func (s *Scheduler) Submit(ctx context.Context, jobs []model.JobSpec) (*model.Batch, error) {
	b, err := s.prepare(ctx, jobs)
	if err != nil {
		return nil, err
	}

	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.active[b.id] = cancel
	s.mu.Unlock()

	snapshot := *b.record
	snapshot.Jobs = slices.Clone(b.record.Jobs)

	s.wg.Go(func() {
		defer func() {
			s.mu.Lock()
			delete(s.active, b.id)
			s.mu.Unlock()
			cancel()
		}()
		s.runPool(bctx, b)
	})

	return &snapshot, nil
}

// Cancel cancels a batch started with Submit. It reports false when the
// batch is unknown or already finished.
func (s *Scheduler) Cancel(batchID string) bool {
	s.mu.Lock()
	cancel, ok := s.active[batchID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels every submitted batch and waits for them to finish.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Wait blocks until every submitted batch has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// runPool drives b with an errgroup limited to MaxConcurrency. Jobs whose
// turn comes after ctx is done finish as cancelled without doing any work.
func (s *Scheduler) runPool(ctx context.Context, b *batch) model.BatchOutcome {
	s.startBatch(b)

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrency)
	for i := range b.jobs {
		g.Go(func() error {
			s.runJob(ctx, b, i)
			return nil
		})
	}
	g.Wait()

	return s.finishBatch(ctx, b)
}

// batch is the scheduler's working state for one submitted batch.
type batch struct {
	id         string
	jobs       []model.JobSpec
	executable string
	record     *model.Batch
	outcomes   []model.ExecutionOutcome
	events     []model.ProgressEvent
	completed  atomic.Int32
	start      time.Time
}

// prepare validates a batch before anything runs: the engine must resolve and
// no two jobs may share an output directory.
func (s *Scheduler) prepare(ctx context.Context, jobs []model.JobSpec) (*batch, error) {
	jobs = append([]model.JobSpec(nil), jobs...)
	b := &batch{
		id:       model.NewID(),
		jobs:     jobs,
		outcomes: make([]model.ExecutionOutcome, len(jobs)),
		events:   make([]model.ProgressEvent, len(jobs)),
	}
	b.record = model.NewBatch(b.id, jobs)
	if len(jobs) == 0 {
		return b, nil
	}

	exe, err := supervisor.Resolve(s.cfg.Executable)
	if err != nil {
		return nil, errors.WithHint(
			errors.Mark(errors.Wrapf(err, "resolve engine %q", s.cfg.Executable), ErrEngineNotFound),
			"set engine.executable in the config file or SIMFORGE_ENGINE_EXECUTABLE",
		)
	}
	b.executable = exe

	owners := make(map[string]int, len(jobs))
	for i, j := range jobs {
		if j.OutputDir == "" {
			continue
		}
		dir, err := filepath.Abs(j.OutputDir)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve output directory of %s", j.DisplayLabel(i))
		}
		if prev, ok := owners[dir]; ok {
			return nil, errors.Wrapf(ErrDuplicateOutput, "%s and %s both write to %s",
				jobs[prev].DisplayLabel(prev), j.DisplayLabel(i), dir)
		}
		owners[dir] = i
	}

	if s.ledger != nil {
		if err := s.ledger.CreateBatch(ctx, b.record); err != nil {
			s.logger.Error("failed to record batch", "batch_id", b.id, "error", err)
		}
	}
	return b, nil
}

func (s *Scheduler) startBatch(b *batch) {
	b.start = time.Now()
	b.record.Status = model.BatchRunning
	if s.ledger != nil && len(b.jobs) > 0 {
		if err := s.ledger.UpdateBatchStatus(context.Background(), b.id, model.BatchRunning); err != nil {
			s.logger.Error("failed to update batch status", "batch_id", b.id, "error", err)
		}
	}
	s.logger.Info("batch started", "batch_id", b.id, "jobs", len(b.jobs), "max_concurrency", s.cfg.MaxConcurrency)

	now := time.Now().UTC()
	for i, j := range b.jobs {
		s.emit(b, model.ProgressEvent{
			Phase:    model.PhaseQueued,
			Message:  "queued",
			Label:    j.DisplayLabel(i),
			JobIndex: i,
			Total:    len(b.jobs),
			Time:     now,
		})
	}
}

func (s *Scheduler) finishBatch(ctx context.Context, b *batch) model.BatchOutcome {
	defer s.broker.Close(b.id)

	out := model.NewBatchOutcome(b.outcomes, time.Since(b.start))
	status := model.BatchCompleted
	if ctx.Err() != nil && out.Cancelled > 0 {
		status = model.BatchCancelled
	}
	b.record.Finish(out, status)

	if s.ledger != nil && len(b.jobs) > 0 {
		if err := s.ledger.FinishBatch(context.Background(), b.record); err != nil {
			s.logger.Error("failed to record batch result", "batch_id", b.id, "error", err)
		}
	}
	batchesTotal.WithLabelValues(string(status)).Inc()
	s.logger.Info("batch finished",
		"batch_id", b.id,
		"status", status,
		"succeeded", out.Succeeded,
		"failed", out.Failed,
		"cancelled", out.Cancelled,
		"cache_hits", out.CacheHits,
		"duration_ms", out.Elapsed.Milliseconds(),
	)
	return out
}

// DefaultConcurrency returns the logical CPU count.
func DefaultConcurrency() int {
	if n, err := cpuCount(); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}
