package model

import "time"

// BatchStatus is the lifecycle state of a submitted batch.
type BatchStatus string

// Batch statuses.
const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchCancelled BatchStatus = "cancelled"
)

// Batch is the ledger record of one submitted batch.
type Batch struct {
	ID         string        `json:"id"`
	Status     BatchStatus   `json:"status"`
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Cancelled  int           `json:"cancelled"`
	CacheHits  int           `json:"cache_hits"`
	Elapsed    time.Duration `json:"elapsed_ns,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Jobs       []JobRecord   `json:"jobs,omitempty"`
}

// JobRecord is the ledger record of one job within a batch. Outcome is nil
// until the job reaches a terminal phase.
type JobRecord struct {
	Index     int               `json:"index"`
	Label     string            `json:"label"`
	OutputDir string            `json:"output_dir,omitempty"`
	Phase     Phase             `json:"phase"`
	Outcome   *ExecutionOutcome `json:"outcome,omitempty"`
}

// NewBatch creates a pending batch record for jobs.
func NewBatch(id string, jobs []JobSpec) *Batch {
	b := &Batch{
		ID:        id,
		Status:    BatchPending,
		Total:     len(jobs),
		CreatedAt: time.Now().UTC(),
		Jobs:      make([]JobRecord, len(jobs)),
	}
	for i, j := range jobs {
		b.Jobs[i] = JobRecord{
			Index:     i,
			Label:     j.DisplayLabel(i),
			OutputDir: j.OutputDir,
			Phase:     PhaseQueued,
		}
	}
	return b
}

// Finish copies the aggregate counts of o into the batch.
func (b *Batch) Finish(o BatchOutcome, status BatchStatus) {
	now := time.Now().UTC()
	b.Status = status
	b.Succeeded = o.Succeeded
	b.Failed = o.Failed
	b.Cancelled = o.Cancelled
	b.CacheHits = o.CacheHits
	b.Elapsed = o.Elapsed
	b.FinishedAt = &now
}

var validBatchTransitions = map[BatchStatus]map[BatchStatus]bool{
	BatchPending: {
		BatchRunning:   true,
		BatchCancelled: true,
	},
	BatchRunning: {
		BatchCompleted: true,
		BatchCancelled: true,
	},
}

// ValidBatchTransition reports whether a batch may move between statuses.
func ValidBatchTransition(from, to BatchStatus) bool {
	return validBatchTransitions[from][to]
}
