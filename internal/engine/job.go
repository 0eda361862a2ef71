package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/simforge/internal/cache"
	"github.com/seantiz/simforge/internal/model"
	"github.com/seantiz/simforge/internal/storage"
	"github.com/seantiz/simforge/internal/supervisor"
)

// inputFileName is the name the serialized document gets in the job's
// input directory.
const inputFileName = "in.idf"

// runJob is the per-job algorithm shared by every driver: cache check, maybe
// execute, record, emit. It stores the outcome in the batch slot for i.
func (s *Scheduler) runJob(ctx context.Context, b *batch, i int) model.ExecutionOutcome {
	t := &jobTracker{s: s, b: b, index: i, label: b.jobs[i].DisplayLabel(i), phase: model.PhaseQueued}

	out := s.execute(ctx, b, i, t)
	out.Label = t.label
	b.outcomes[i] = out

	t.finish(out)
	s.recordJob(b, i, out)
	return out
}

func (s *Scheduler) execute(ctx context.Context, b *batch, i int, t *jobTracker) model.ExecutionOutcome {
	job := b.jobs[i]
	if ctx.Err() != nil {
		return cancelledOutcome("cancelled before start")
	}
	if job.Document == nil {
		return notRunOutcome(errors.New("job has no document"))
	}

	if s.cache == nil {
		return s.place(job, model.CacheKey{}, s.launch(ctx, b, i, t))
	}

	key, err := s.cache.Key(ctx, job.Document, job.Weather, job.Options)
	if err != nil {
		if ctx.Err() != nil {
			return cancelledOutcome("cancelled before start")
		}
		return notRunOutcome(errors.Wrap(err, "compute cache key"))
	}

	for attempt := 0; ; attempt++ {
		var produced atomic.Bool
		out, err := s.cache.GetOrExecute(ctx, key, func(pctx context.Context) (model.ExecutionOutcome, error) {
			produced.Store(true)
			return s.launch(pctx, b, i, t), nil
		})

		if produced.Load() {
			switch {
			case err != nil && !out.Success && ctx.Err() != nil:
				return cancelledOutcome("cancelled")
			case err != nil && !out.Success:
				return notRunOutcome(err)
			case err != nil:
				// The run succeeded; only storing it failed.
				s.logger.Warn("failed to cache outcome", "cache_key", key.String(), "label", t.label, "error", err)
				out.Error = err.Error()
			}
			out.Key = key.String()
			return s.place(job, key, out)
		}

		switch {
		case err != nil && ctx.Err() != nil:
			return cancelledOutcome("cancelled while waiting for cache")
		case err != nil:
			return notRunOutcome(err)
		case !out.Success:
			// Shared failure of a concurrent job with the same inputs.
			out.OutputDir = ""
			return out
		}

		out.Cached = true
		if job.OutputDir == "" {
			out.OutputDir = s.cache.BundleLocation(key)
			return out
		}

		err = s.cache.Restore(ctx, key, job.OutputDir)
		if errors.Is(err, cache.ErrCacheCorruption) && attempt == 0 {
			s.logger.Warn("cached bundle is corrupt, running again", "cache_key", key.String(), "label", t.label, "error", err)
			if err := s.cache.Invalidate(ctx, key); err != nil {
				return notRunOutcome(errors.Wrap(err, "invalidate corrupt cache entry"))
			}
			continue
		}
		if err != nil {
			return notRunOutcome(errors.Wrap(err, "restore cached outputs"))
		}
		out.OutputDir = job.OutputDir
		return out
	}
}

// launch stages the inputs of job i and runs the engine on them. The outcome's
// OutputDir is the staging directory the engine wrote into.
func (s *Scheduler) launch(ctx context.Context, b *batch, i int, t *jobTracker) model.ExecutionOutcome {
	job := b.jobs[i]

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return cancelledOutcome("cancelled before launch")
			}
			return notRunOutcome(errors.Wrap(err, "wait for launch slot"))
		}
	}

	staging, err := s.stagingDir(job)
	if err != nil {
		return notRunOutcome(err)
	}

	inputDir, err := os.MkdirTemp("", "simforge-in-*")
	if err != nil {
		storage.DiscardDir(staging)
		return notRunOutcome(errors.Wrap(err, "create input directory"))
	}
	defer os.RemoveAll(inputDir)

	modelPath := filepath.Join(inputDir, inputFileName)
	if err := writeDocument(job.Document, modelPath); err != nil {
		storage.DiscardDir(staging)
		return notRunOutcome(err)
	}

	args, err := engineArgs(s.cfg.ExtraArgs, job, staging, modelPath)
	if err != nil {
		storage.DiscardDir(staging)
		return notRunOutcome(err)
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	t.transition(model.PhaseRunning, nil, "engine started")
	parser := newProgressParser(job)

	jobsInFlight.Inc()
	defer jobsInFlight.Dec()

	out := s.super.Run(ctx, supervisor.Command{
		Executable: b.executable,
		Args:       args,
		Dir:        inputDir,
		Env: []string{
			"SIMFORGE_BATCH_ID=" + b.id,
			"SIMFORGE_JOB_INDEX=" + strconv.Itoa(i),
			"SIMFORGE_JOB_LABEL=" + t.label,
		},
		Timeout: timeout,
		LineWriter: func(line string) {
			if phase, pct, ok := parser.Parse(line); ok {
				t.transition(phase, pct, line)
			}
		},
	})
	if out.Success {
		out.OutputDir = staging
	} else {
		storage.DiscardDir(staging)
	}

	s.logger.Info("engine finished",
		"batch_id", b.id,
		"job_index", i,
		"label", t.label,
		"exit", out.Exit,
		"success", out.Success,
		"duration_ms", out.Duration.Milliseconds(),
	)
	return out
}

// stagingDir returns where the engine writes: a sibling of the job's output
// directory, or a temporary directory when the job has none.
func (s *Scheduler) stagingDir(job model.JobSpec) (string, error) {
	if job.OutputDir != "" {
		return storage.NewStagingDir(job.OutputDir)
	}
	dir, err := os.MkdirTemp("", "simforge-out-*")
	if err != nil {
		return "", errors.Wrap(err, "create output directory")
	}
	return dir, nil
}

// place moves a freshly produced bundle to its final location. Failed runs
// have already discarded their staging directory.
func (s *Scheduler) place(job model.JobSpec, key model.CacheKey, out model.ExecutionOutcome) model.ExecutionOutcome {
	if !out.Success {
		return out
	}
	staging := out.OutputDir

	switch {
	case job.OutputDir != "":
		if err := storage.PromoteDir(staging, job.OutputDir); err != nil {
			storage.DiscardDir(staging)
			out.Success = false
			out.OutputDir = ""
			out.Error = err.Error()
			return out
		}
		out.OutputDir = job.OutputDir
	case s.cache != nil && out.Error == "":
		storage.DiscardDir(staging)
		out.OutputDir = s.cache.BundleLocation(key)
	}
	return out
}

func (s *Scheduler) recordJob(b *batch, i int, out model.ExecutionOutcome) {
	rec := model.JobRecord{
		Index:     i,
		Label:     out.Label,
		OutputDir: b.jobs[i].OutputDir,
		Phase:     out.Phase(),
		Outcome:   &out,
	}
	b.record.Jobs[i] = rec
	if s.ledger == nil {
		return
	}
	if err := s.ledger.UpdateJob(context.Background(), b.id, rec); err != nil {
		s.logger.Error("failed to record job outcome", "batch_id", b.id, "job_index", i, "error", err)
	}
}

func writeDocument(doc model.Document, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create input file")
	}
	if err := doc.Serialize(f); err != nil {
		f.Close()
		return errors.Wrap(err, "serialize document")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close input file")
	}
	return nil
}

// engineArgs builds the per-job command line after the configured extra
// arguments. Extra options become --name=value flags in name order; boolean
// options become bare flags when true.
func engineArgs(extra []string, job model.JobSpec, outDir, modelPath string) ([]string, error) {
	args := append([]string(nil), extra...)
	args = append(args, "--output-directory", outDir)

	switch w := job.Weather; {
	case w.IsLocal():
		p, err := filepath.Abs(w.Path)
		if err != nil {
			return nil, errors.Wrap(err, "resolve weather file")
		}
		args = append(args, "--weather", p)
	case w.URI != "":
		args = append(args, "--weather", w.URI)
	}

	o := job.Options
	if o.AnnualOnly {
		args = append(args, "--annual")
	}
	if o.DesignDay {
		args = append(args, "--design-day")
	}
	if o.ExpandObjects {
		args = append(args, "--expandobjects")
	}
	if o.ReadVars {
		args = append(args, "--readvars")
	}

	names := make([]string, 0, len(o.Extra))
	for name := range o.Extra {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		switch v := o.Extra[name].(type) {
		case bool:
			if v {
				args = append(args, "--"+name)
			}
		case nil:
			args = append(args, "--"+name)
		default:
			args = append(args, fmt.Sprintf("--%s=%v", name, v))
		}
	}

	return append(args, modelPath), nil
}

func cancelledOutcome(reason string) model.ExecutionOutcome {
	return model.ExecutionOutcome{Exit: model.ExitCancelled, Error: reason}
}

func notRunOutcome(err error) model.ExecutionOutcome {
	return model.ExecutionOutcome{Exit: model.ExitNotRun, Error: err.Error()}
}

// jobTracker enforces the phase state machine of one job and emits an event
// for every accepted transition. Engine output arrives on another goroutine,
// hence the mutex.
type jobTracker struct {
	s     *Scheduler
	b     *batch
	index int
	label string

	mu    sync.Mutex
	phase model.Phase
}

func (t *jobTracker) transition(to model.Phase, pct *float64, msg string) {
	t.mu.Lock()
	if !model.ValidTransition(t.phase, to) {
		t.mu.Unlock()
		return
	}
	t.phase = to
	t.mu.Unlock()

	t.s.emit(t.b, model.ProgressEvent{
		Phase:    to,
		Percent:  pct,
		Message:  msg,
		Label:    t.label,
		JobIndex: t.index,
		Total:    len(t.b.jobs),
		Time:     time.Now().UTC(),
	})
}

// finish moves the job to its terminal phase and stores the completion event
// in the batch.
func (t *jobTracker) finish(out model.ExecutionOutcome) {
	phase := out.Phase()
	t.mu.Lock()
	t.phase = phase
	t.mu.Unlock()

	ev := model.ProgressEvent{
		Phase:     phase,
		Message:   summarize(out),
		Label:     t.label,
		JobIndex:  t.index,
		Completed: int(t.b.completed.Add(1)),
		Total:     len(t.b.jobs),
		Time:      time.Now().UTC(),
	}
	if phase == model.PhaseComplete {
		done := 100.0
		ev.Percent = &done
	}
	t.b.events[t.index] = ev

	jobsTotal.WithLabelValues(string(phase)).Inc()
	if out.Cached {
		cacheHitsTotal.Inc()
	}
	t.s.emit(t.b, ev)
}

func summarize(out model.ExecutionOutcome) string {
	switch {
	case out.Cached:
		return "cache hit"
	case out.Success:
		return fmt.Sprintf("finished in %s", out.Duration.Round(time.Millisecond))
	case out.ExitCode != nil:
		return fmt.Sprintf("engine exited with code %d", *out.ExitCode)
	case out.Error != "":
		return out.Error
	default:
		return string(out.Exit)
	}
}

// emit publishes ev on the broker and hands it to the observer. A panicking
// observer is logged and otherwise ignored.
func (s *Scheduler) emit(b *batch, ev model.ProgressEvent) {
	s.broker.Publish(b.id, ev)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("progress observer panicked", "batch_id", b.id, "job_index", ev.JobIndex, "panic", r)
		}
	}()
	s.observer.Observe(ev)
}
