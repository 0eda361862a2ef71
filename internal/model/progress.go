package model

import "time"

// Phase is the lifecycle state reported for a job.
type Phase string

// Job phases.
const (
	PhaseQueued    Phase = "queued"
	PhaseWarmingUp Phase = "warming_up"
	PhaseRunning   Phase = "running"
	PhaseComplete  Phase = "complete"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// validTransitions maps each phase to the set of phases it may move to.
// Terminal phases have no entry and therefore no way out.
var validTransitions = map[Phase]map[Phase]bool{
	PhaseQueued: {
		PhaseWarmingUp: true,
		PhaseRunning:   true,
		PhaseComplete:  true,
		PhaseFailed:    true,
		PhaseCancelled: true,
	},
	PhaseWarmingUp: {
		PhaseRunning:   true,
		PhaseComplete:  true,
		PhaseFailed:    true,
		PhaseCancelled: true,
	},
	PhaseRunning: {
		PhaseWarmingUp: true,
		PhaseComplete:  true,
		PhaseFailed:    true,
		PhaseCancelled: true,
	},
}

// ValidTransition reports whether a job may move from one phase to another.
// Repeating a non-terminal phase is allowed so progress updates can be
// reported within it.
func ValidTransition(from, to Phase) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return from == to || targets[to]
}

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed || p == PhaseCancelled
}

// ProgressEvent reports a job phase change or progress update. Completed and
// Total are filled in by streaming batches.
type ProgressEvent struct {
	Phase     Phase     `json:"phase"`
	Percent   *float64  `json:"percent,omitempty"`
	Message   string    `json:"message,omitempty"`
	Label     string    `json:"label"`
	JobIndex  int       `json:"job_index"`
	Completed int       `json:"completed,omitempty"`
	Total     int       `json:"total,omitempty"`
	Time      time.Time `json:"time"`
}
