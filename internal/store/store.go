package store

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/simforge/internal/model"
)

var (
	// ErrNotFound is returned when a batch is not found.
	ErrNotFound = errors.New("batch not found")

	// ErrInvalidTransition is returned when a batch status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Stats holds aggregate figures over every recorded batch.
type Stats struct {
	Batches       int            `json:"batches"`
	CountByStatus map[string]int `json:"count_by_status"`
	Jobs          int            `json:"jobs"`
	CountByPhase  map[string]int `json:"count_by_phase"`
	CacheHits     int            `json:"cache_hits"`
	AvgRunMS      float64        `json:"avg_run_ms"`
}

// Store is the run ledger: batches and the outcome of each of their jobs.
type Store interface {
	CreateBatch(ctx context.Context, b *model.Batch) error
	UpdateBatchStatus(ctx context.Context, id string, status model.BatchStatus) error
	UpdateJob(ctx context.Context, batchID string, rec model.JobRecord) error
	FinishBatch(ctx context.Context, b *model.Batch) error
	GetBatch(ctx context.Context, id string) (*model.Batch, error)
	ListBatches(ctx context.Context, limit, offset int) ([]*model.Batch, int, error)
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
