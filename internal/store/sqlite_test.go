package store

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/simforge/internal/engine"
	"github.com/seantiz/simforge/internal/model"
)

// The scheduler records batches through this store.
var _ engine.Ledger = (*SQLiteStore)(nil)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestBatch(n int) *model.Batch {
	jobs := make([]model.JobSpec, n)
	for i := range jobs {
		jobs[i] = model.JobSpec{OutputDir: filepath.Join("/out", model.NewID())}
	}
	jobs[0].Label = "baseline"
	b := model.NewBatch(model.NewID(), jobs)
	b.CreatedAt = b.CreatedAt.Truncate(time.Second)
	return b
}

func TestCreateAndGetBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := makeTestBatch(3)

	if err := s.CreateBatch(ctx, b); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	got, err := s.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.ID != b.ID {
		t.Errorf("ID = %q, want %q", got.ID, b.ID)
	}
	if got.Status != model.BatchPending {
		t.Errorf("Status = %q, want %q", got.Status, model.BatchPending)
	}
	if got.Total != 3 {
		t.Errorf("Total = %d, want 3", got.Total)
	}
	if !got.CreatedAt.Equal(b.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, b.CreatedAt)
	}
	if len(got.Jobs) != 3 {
		t.Fatalf("len(Jobs) = %d, want 3", len(got.Jobs))
	}
	for i, j := range got.Jobs {
		if j.Index != i {
			t.Errorf("Jobs[%d].Index = %d", i, j.Index)
		}
		if j.Phase != model.PhaseQueued {
			t.Errorf("Jobs[%d].Phase = %q, want queued", i, j.Phase)
		}
		if j.Outcome != nil {
			t.Errorf("Jobs[%d].Outcome = %+v, want nil", i, j.Outcome)
		}
	}
	if got.Jobs[0].Label != "baseline" || got.Jobs[1].Label != "job-1" {
		t.Errorf("labels = %q, %q", got.Jobs[0].Label, got.Jobs[1].Label)
	}
}

func TestGetBatchNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetBatch(context.Background(), "nonexistent")
	if err != ErrNotFound {
		t.Errorf("GetBatch error = %v, want ErrNotFound", err)
	}
}

func TestListBatchesPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b := makeTestBatch(1)
		b.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second)
		if err := s.CreateBatch(ctx, b); err != nil {
			t.Fatalf("CreateBatch[%d]: %v", i, err)
		}
	}

	batches, total, err := s.ListBatches(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(batches) != 2 {
		t.Errorf("len(batches) = %d, want 2", len(batches))
	}

	batches2, _, err := s.ListBatches(ctx, 2, 4)
	if err != nil {
		t.Fatalf("ListBatches page 3: %v", err)
	}
	if len(batches2) != 1 {
		t.Errorf("len(batches) page 3 = %d, want 1", len(batches2))
	}
}

func TestListBatchesOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b := makeTestBatch(1)
		b.CreatedAt = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
		if err := s.CreateBatch(ctx, b); err != nil {
			t.Fatalf("CreateBatch[%d]: %v", i, err)
		}
	}

	batches, _, err := s.ListBatches(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	for i := 1; i < len(batches); i++ {
		if batches[i].CreatedAt.After(batches[i-1].CreatedAt) {
			t.Errorf("batches not newest first: [%d]=%v > [%d]=%v",
				i, batches[i].CreatedAt, i-1, batches[i-1].CreatedAt)
		}
	}
	for _, b := range batches {
		if b.Jobs != nil {
			t.Errorf("ListBatches returned jobs for %s", b.ID)
		}
	}
}

func TestListBatchesEmpty(t *testing.T) {
	s := newTestStore(t)

	batches, total, err := s.ListBatches(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if batches != nil {
		t.Errorf("batches = %v, want nil", batches)
	}
}

func TestUpdateBatchStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := makeTestBatch(1)

	if err := s.CreateBatch(ctx, b); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if err := s.UpdateBatchStatus(ctx, b.ID, model.BatchRunning); err != nil {
		t.Fatalf("UpdateBatchStatus: %v", err)
	}

	got, _ := s.GetBatch(ctx, b.ID)
	if got.Status != model.BatchRunning {
		t.Errorf("Status = %q, want %q", got.Status, model.BatchRunning)
	}
}

func TestUpdateBatchStatusInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := makeTestBatch(1)

	if err := s.CreateBatch(ctx, b); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	err := s.UpdateBatchStatus(ctx, b.ID, model.BatchCompleted)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending -> completed error = %v, want ErrInvalidTransition", err)
	}
}

func TestUpdateBatchStatusNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateBatchStatus(context.Background(), "nonexistent", model.BatchRunning)
	if err != ErrNotFound {
		t.Errorf("UpdateBatchStatus error = %v, want ErrNotFound", err)
	}
}

func TestUpdateJobStoresOutcome(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := makeTestBatch(2)

	if err := s.CreateBatch(ctx, b); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	code := 0
	rec := b.Jobs[1]
	rec.Phase = model.PhaseComplete
	rec.Outcome = &model.ExecutionOutcome{
		Success:   true,
		Exit:      model.ExitNormal,
		ExitCode:  &code,
		Duration:  1500 * time.Millisecond,
		OutputDir: rec.OutputDir,
		Key:       "ab12",
	}
	if err := s.UpdateJob(ctx, b.ID, rec); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	got, err := s.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	j := got.Jobs[1]
	if j.Phase != model.PhaseComplete {
		t.Errorf("Phase = %q, want complete", j.Phase)
	}
	if j.Outcome == nil {
		t.Fatal("Outcome is nil")
	}
	if !j.Outcome.Success || j.Outcome.Duration != 1500*time.Millisecond || j.Outcome.Key != "ab12" {
		t.Errorf("Outcome = %+v", j.Outcome)
	}
	if j.Outcome.ExitCode == nil || *j.Outcome.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", j.Outcome.ExitCode)
	}
	if got.Jobs[0].Phase != model.PhaseQueued {
		t.Errorf("untouched job Phase = %q, want queued", got.Jobs[0].Phase)
	}
}

func TestUpdateJobNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateJob(context.Background(), "nonexistent", model.JobRecord{Index: 0, Phase: model.PhaseRunning})
	if err != ErrNotFound {
		t.Errorf("UpdateJob error = %v, want ErrNotFound", err)
	}
}

func TestFinishBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := makeTestBatch(3)

	if err := s.CreateBatch(ctx, b); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	b.Finish(model.BatchOutcome{Succeeded: 2, Failed: 1, CacheHits: 1, Elapsed: 3 * time.Second}, model.BatchCompleted)
	if err := s.FinishBatch(ctx, b); err != nil {
		t.Fatalf("FinishBatch: %v", err)
	}

	got, _ := s.GetBatch(ctx, b.ID)
	if got.Status != model.BatchCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.Succeeded != 2 || got.Failed != 1 || got.Cancelled != 0 || got.CacheHits != 1 {
		t.Errorf("counts = %d/%d/%d/%d", got.Succeeded, got.Failed, got.Cancelled, got.CacheHits)
	}
	if got.Elapsed != 3*time.Second {
		t.Errorf("Elapsed = %v, want 3s", got.Elapsed)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil")
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := makeTestBatch(3)
	if err := s.CreateBatch(ctx, b); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if err := s.CreateBatch(ctx, makeTestBatch(1)); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	outcomes := []model.ExecutionOutcome{
		{Success: true, Exit: model.ExitNormal, Duration: 2 * time.Second},
		{Success: true, Exit: model.ExitNormal, Duration: 4 * time.Second},
		{Success: true, Exit: model.ExitNormal, Duration: time.Millisecond, Cached: true},
	}
	for i := range outcomes {
		rec := b.Jobs[i]
		rec.Phase = model.PhaseComplete
		rec.Outcome = &outcomes[i]
		if err := s.UpdateJob(ctx, b.ID, rec); err != nil {
			t.Fatalf("UpdateJob[%d]: %v", i, err)
		}
	}
	b.Finish(model.NewBatchOutcome(outcomes, 5*time.Second), model.BatchCompleted)
	if err := s.FinishBatch(ctx, b); err != nil {
		t.Fatalf("FinishBatch: %v", err)
	}

	st, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.Batches != 2 {
		t.Errorf("Batches = %d, want 2", st.Batches)
	}
	if st.CountByStatus["completed"] != 1 || st.CountByStatus["pending"] != 1 {
		t.Errorf("CountByStatus = %v", st.CountByStatus)
	}
	if st.Jobs != 4 {
		t.Errorf("Jobs = %d, want 4", st.Jobs)
	}
	if st.CountByPhase["complete"] != 3 || st.CountByPhase["queued"] != 1 {
		t.Errorf("CountByPhase = %v", st.CountByPhase)
	}
	if st.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", st.CacheHits)
	}
	// Cache hits are excluded from the run-time average.
	if st.AvgRunMS != 3000 {
		t.Errorf("AvgRunMS = %v, want 3000", st.AvgRunMS)
	}
}

func TestGetStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	st, err := s.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.Batches != 0 || st.Jobs != 0 || st.AvgRunMS != 0 {
		t.Errorf("stats = %+v, want zero", st)
	}
}

func TestStoreRecordsSchedulerBatch(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not on PATH")
	}
	s := newTestStore(t)
	ctx := context.Background()

	sched := engine.New(engine.Config{MaxConcurrency: 2, Executable: "true"}, engine.Options{Ledger: s})
	dir := t.TempDir()
	jobs := []model.JobSpec{
		{Document: model.RawDocument("Version,25.1;"), OutputDir: filepath.Join(dir, "a"), Label: "a"},
		{Document: model.RawDocument("Version,25.2;"), OutputDir: filepath.Join(dir, "b"), Label: "b"},
	}
	res, err := sched.Run(ctx, jobs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Succeeded != 2 {
		t.Fatalf("Succeeded = %d, want 2: %+v", res.Succeeded, res.Outcomes)
	}

	batches, total, err := s.ListBatches(ctx, 10, 0)
	if err != nil || total != 1 {
		t.Fatalf("ListBatches: total=%d err=%v", total, err)
	}
	got, err := s.GetBatch(ctx, batches[0].ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Status != model.BatchCompleted || got.Succeeded != 2 {
		t.Errorf("batch = %s, %d succeeded", got.Status, got.Succeeded)
	}
	for _, j := range got.Jobs {
		if j.Phase != model.PhaseComplete || j.Outcome == nil || !j.Outcome.Success {
			t.Errorf("job %s = %s %+v", j.Label, j.Phase, j.Outcome)
		}
	}
}
