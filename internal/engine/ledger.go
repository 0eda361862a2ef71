package engine

import (
	"context"

	"github.com/seantiz/simforge/internal/model"
)

// Ledger persists batches and job outcomes. Ledger failures are logged and
// never fail a batch.
type Ledger interface {
	CreateBatch(ctx context.Context, b *model.Batch) error
	UpdateBatchStatus(ctx context.Context, id string, status model.BatchStatus) error
	UpdateJob(ctx context.Context, batchID string, rec model.JobRecord) error
	FinishBatch(ctx context.Context, b *model.Batch) error
}
