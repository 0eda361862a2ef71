package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/simforge/internal/model"

	_ "modernc.org/sqlite"
)

const createBatchesTable = `
CREATE TABLE IF NOT EXISTS batches (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    total       INTEGER NOT NULL,
    succeeded   INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    cancelled   INTEGER NOT NULL DEFAULT 0,
    cache_hits  INTEGER NOT NULL DEFAULT 0,
    elapsed_ns  INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    finished_at DATETIME
)`

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    batch_id    TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
    idx         INTEGER NOT NULL,
    label       TEXT NOT NULL,
    output_dir  TEXT NOT NULL DEFAULT '',
    phase       TEXT NOT NULL,
    cached      INTEGER NOT NULL DEFAULT 0,
    duration_ns INTEGER,
    outcome     TEXT,
    PRIMARY KEY (batch_id, idx)
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range []struct{ sql, what string }{
		{"PRAGMA journal_mode=WAL", "set WAL mode"},
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
		{"PRAGMA foreign_keys = ON", "enable foreign keys"},
		{createBatchesTable, "create batches table"},
		{createJobsTable, "create jobs table"},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			db.Close()
			return nil, errors.Wrap(err, stmt.what)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateBatch inserts a batch and a queued row for each of its jobs.
func (s *SQLiteStore) CreateBatch(ctx context.Context, b *model.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (id, status, total, created_at) VALUES (?, ?, ?, ?)`,
		b.ID, b.Status, b.Total, b.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert batch")
	}

	for _, j := range b.Jobs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (batch_id, idx, label, output_dir, phase) VALUES (?, ?, ?, ?, ?)`,
			b.ID, j.Index, j.Label, j.OutputDir, j.Phase,
		)
		if err != nil {
			return errors.Wrapf(err, "insert job %d", j.Index)
		}
	}

	return errors.Wrap(tx.Commit(), "commit batch")
}

// UpdateBatchStatus moves a batch to status if the transition is allowed.
func (s *SQLiteStore) UpdateBatchStatus(ctx context.Context, id string, status model.BatchStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	var current model.BatchStatus
	err = tx.QueryRowContext(ctx, "SELECT status FROM batches WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "get batch status")
	}
	if !model.ValidBatchTransition(current, status) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", current, status)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE batches SET status = ? WHERE id = ?", status, id); err != nil {
		return errors.Wrap(err, "update batch status")
	}
	return errors.Wrap(tx.Commit(), "commit batch status")
}

// UpdateJob stores the latest record of one job.
func (s *SQLiteStore) UpdateJob(ctx context.Context, batchID string, rec model.JobRecord) error {
	var (
		outcome  sql.NullString
		duration sql.NullInt64
		cached   bool
	)
	if rec.Outcome != nil {
		data, err := json.Marshal(rec.Outcome)
		if err != nil {
			return errors.Wrap(err, "encode outcome")
		}
		outcome = sql.NullString{String: string(data), Valid: true}
		cached = rec.Outcome.Cached
		if !cached && rec.Outcome.Exit == model.ExitNormal {
			duration = sql.NullInt64{Int64: int64(rec.Outcome.Duration), Valid: true}
		}
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET label = ?, output_dir = ?, phase = ?, cached = ?, duration_ns = ?, outcome = ?
		WHERE batch_id = ? AND idx = ?`,
		rec.Label, rec.OutputDir, rec.Phase, cached, duration, outcome, batchID, rec.Index,
	)
	if err != nil {
		return errors.Wrap(err, "update job")
	}
	return checkAffected(result)
}

// FinishBatch records the final status and counts of a batch.
func (s *SQLiteStore) FinishBatch(ctx context.Context, b *model.Batch) error {
	finished := time.Now().UTC()
	if b.FinishedAt != nil {
		finished = *b.FinishedAt
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, succeeded = ?, failed = ?, cancelled = ?, cache_hits = ?,
			elapsed_ns = ?, finished_at = ?
		WHERE id = ?`,
		b.Status, b.Succeeded, b.Failed, b.Cancelled, b.CacheHits, int64(b.Elapsed), finished, b.ID,
	)
	if err != nil {
		return errors.Wrap(err, "finish batch")
	}
	return checkAffected(result)
}

// GetBatch retrieves a batch and its jobs in index order.
func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, errors.Wrap(err, "begin read tx")
	}
	defer tx.Rollback()

	b, err := scanBatch(tx.QueryRowContext(ctx, selectBatch+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get batch")
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT idx, label, output_dir, phase, outcome FROM jobs WHERE batch_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec     model.JobRecord
			outcome sql.NullString
		)
		if err := rows.Scan(&rec.Index, &rec.Label, &rec.OutputDir, &rec.Phase, &outcome); err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		if outcome.Valid {
			var o model.ExecutionOutcome
			if err := json.Unmarshal([]byte(outcome.String), &o); err != nil {
				return nil, errors.Wrapf(err, "decode outcome of job %d", rec.Index)
			}
			rec.Outcome = &o
		}
		b.Jobs = append(b.Jobs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate jobs")
	}
	return b, nil
}

// ListBatches returns a page of batches ordered by created_at DESC, without
// their jobs, along with the total number of batches.
func (s *SQLiteStore) ListBatches(ctx context.Context, limit, offset int) ([]*model.Batch, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, errors.Wrap(err, "begin read tx")
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM batches").Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count batches")
	}

	rows, err := tx.QueryContext(ctx, selectBatch+" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list batches")
	}
	defer rows.Close()

	var batches []*model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "scan batch")
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "iterate batches")
	}
	return batches, total, nil
}

// GetStats aggregates batch and job counts.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		CountByStatus: make(map[string]int),
		CountByPhase:  make(map[string]int),
	}

	if err := countBy(ctx, s.db, "SELECT status, COUNT(*) FROM batches GROUP BY status", st.CountByStatus, &st.Batches); err != nil {
		return nil, errors.Wrap(err, "count batches")
	}
	if err := countBy(ctx, s.db, "SELECT phase, COUNT(*) FROM jobs GROUP BY phase", st.CountByPhase, &st.Jobs); err != nil {
		return nil, errors.Wrap(err, "count jobs")
	}

	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cached), 0), AVG(duration_ns) FROM jobs`,
	).Scan(&st.CacheHits, &avg)
	if err != nil {
		return nil, errors.Wrap(err, "aggregate jobs")
	}
	if avg.Valid {
		st.AvgRunMS = avg.Float64 / float64(time.Millisecond)
	}
	return st, nil
}

const selectBatch = `SELECT id, status, total, succeeded, failed, cancelled, cache_hits,
	elapsed_ns, created_at, finished_at FROM batches`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(r rowScanner) (*model.Batch, error) {
	var (
		b       model.Batch
		elapsed int64
	)
	err := r.Scan(&b.ID, &b.Status, &b.Total, &b.Succeeded, &b.Failed, &b.Cancelled, &b.CacheHits,
		&elapsed, &b.CreatedAt, &b.FinishedAt)
	if err != nil {
		return nil, err
	}
	b.Elapsed = time.Duration(elapsed)
	return &b, nil
}

func countBy(ctx context.Context, db *sql.DB, query string, into map[string]int, total *int) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
		*total += n
	}
	return rows.Err()
}

func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "check rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
