package model

import "time"

// ExitKind classifies how an engine process ended.
type ExitKind string

// Exit classifications. Only ExitNormal carries an exit code.
const (
	ExitNormal       ExitKind = "exited"
	ExitTimedOut     ExitKind = "timed_out"
	ExitLaunchFailed ExitKind = "launch_failed"
	ExitCancelled    ExitKind = "cancelled"

	// ExitNotRun means the engine was never started because the job failed
	// before launch: input staging, cache key computation or the cache lock.
	ExitNotRun ExitKind = "not_run"
)

// ExecutionOutcome is the immutable result of one job.
type ExecutionOutcome struct {
	Success  bool          `json:"success"`
	Exit     ExitKind      `json:"exit"`
	ExitCode *int          `json:"exit_code,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration_ns"`

	// OutputDir is where the output bundle lives once the outcome is final.
	OutputDir string `json:"output_dir,omitempty"`

	// Cached is true when the outcome was replayed from the cache.
	Cached bool   `json:"cached,omitempty"`
	Key    string `json:"cache_key,omitempty"`
	Label  string `json:"label,omitempty"`

	// Error describes failures that happened outside the engine process
	// (input staging, cache storage, promotion).
	Error string `json:"error,omitempty"`
}

// Phase returns the terminal job phase the outcome corresponds to.
func (o ExecutionOutcome) Phase() Phase {
	switch {
	case o.Exit == ExitCancelled:
		return PhaseCancelled
	case o.Success:
		return PhaseComplete
	default:
		return PhaseFailed
	}
}

// BatchOutcome holds the outcomes of a batch in input order.
type BatchOutcome struct {
	Outcomes  []ExecutionOutcome `json:"outcomes"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Cancelled int                `json:"cancelled"`
	CacheHits int                `json:"cache_hits"`
	Elapsed   time.Duration      `json:"elapsed_ns"`
}

// NewBatchOutcome aggregates outcomes that are already in input order.
func NewBatchOutcome(outcomes []ExecutionOutcome, elapsed time.Duration) BatchOutcome {
	b := BatchOutcome{
		Outcomes: outcomes,
		Elapsed:  elapsed,
	}
	for _, o := range outcomes {
		switch o.Phase() {
		case PhaseComplete:
			b.Succeeded++
		case PhaseCancelled:
			b.Cancelled++
		default:
			b.Failed++
		}
		if o.Cached {
			b.CacheHits++
		}
	}
	return b
}
