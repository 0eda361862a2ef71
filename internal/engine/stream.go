package engine

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/seantiz/simforge/internal/model"
)

// BatchStream is a batch driven by its consumer. It is single use.
type BatchStream struct {
	s      *Scheduler
	b      *batch
	ctx    context.Context
	cancel context.CancelFunc

	used    atomic.Bool
	done    chan struct{}
	once    sync.Once
	outcome model.BatchOutcome
}

// Stream validates jobs and returns a stream that runs them as events are
// consumed. Nothing starts until Events is ranged over or Outcome is called.
func (s *Scheduler) Stream(ctx context.Context, jobs []model.JobSpec) (*BatchStream, error) {
	b, err := s.prepare(ctx, jobs)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(ctx)
	return &BatchStream{
		s:      s,
		b:      b,
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// ID returns the batch ID, which is also the broker topic of its events.
func (bs *BatchStream) ID() string {
	return bs.b.id
}

// Events yields one event per finished job, in completion order, with
// Completed counting the events yielded so far. At most MaxConcurrency jobs
// run at a time and new jobs are only started while the loop asks for the
// next event. Breaking out of the loop cancels the batch: running engines
// are killed and queued jobs never start.
//
// Only the first call yields events; later calls return an empty sequence.
func (bs *BatchStream) Events() iter.Seq[model.ProgressEvent] {
	return func(yield func(model.ProgressEvent) bool) {
		if !bs.used.CompareAndSwap(false, true) {
			return
		}
		bs.drive(yield)
	}
}

// Outcome returns the outcome of the batch. If the stream was never consumed
// it runs it to completion first. Do not call it from inside the Events loop.
func (bs *BatchStream) Outcome() model.BatchOutcome {
	if bs.used.CompareAndSwap(false, true) {
		bs.drive(func(model.ProgressEvent) bool { return true })
	}
	<-bs.done
	return bs.outcome
}

// Cancel stops the batch. Running engines are killed; jobs that have not
// started finish as cancelled.
func (bs *BatchStream) Cancel() {
	bs.cancel()
}

func (bs *BatchStream) drive(yield func(model.ProgressEvent) bool) {
	s, b := bs.s, bs.b
	n := len(b.jobs)
	s.startBatch(b)

	results := make(chan int, n)
	next, running, reported := 0, 0, 0
	admit := func() {
		for running < s.cfg.MaxConcurrency && next < n {
			i := next
			next++
			running++
			go func() {
				s.runJob(bs.ctx, b, i)
				results <- i
			}()
		}
	}

	// Also runs when the consumer's loop body panics.
	stopped := true
	defer func() {
		if stopped {
			bs.cancel()
			for ; running > 0; running-- {
				<-results
			}
			// Never admitted: they finish as cancelled without any work.
			for ; next < n; next++ {
				s.runJob(bs.ctx, b, next)
			}
		}
		bs.once.Do(func() {
			bs.outcome = s.finishBatch(bs.ctx, b)
			bs.cancel()
			close(bs.done)
		})
	}()

	for reported < n {
		admit()
		i := <-results
		running--
		reported++

		ev := b.events[i]
		ev.Completed = reported
		if !yield(ev) {
			return
		}
	}
	stopped = false
}
