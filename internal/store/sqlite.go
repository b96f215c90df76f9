package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ripleyk/conclave/internal/model"
	"github.com/ripleyk/conclave/internal/usererr"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                 TEXT PRIMARY KEY,
    tenant_id          TEXT NOT NULL,
    dataset_id         TEXT,
    operation_id       TEXT NOT NULL,
    source             TEXT NOT NULL,
    status             TEXT NOT NULL,
    external_ref       TEXT,
    computation_offset INTEGER,
    encryption         TEXT,
    result             TEXT,
    attestation        TEXT,
    error              TEXT,
    cost_credits       INTEGER,
    callback_url       TEXT,
    steps              TEXT,
    created_at         DATETIME NOT NULL,
    updated_at         DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON jobs(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS operations (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    name       TEXT NOT NULL,
    kind       TEXT NOT NULL,
    block_id   TEXT,
    pipeline   TEXT,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS datasets (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    name       TEXT NOT NULL,
    object_key TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
    id         TEXT PRIMARY KEY,
    kind       TEXT NOT NULL,
    job_id     TEXT NOT NULL,
    attempt    INTEGER NOT NULL DEFAULT 0,
    claimed    INTEGER NOT NULL DEFAULT 0,
    run_after  DATETIME NOT NULL,
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(kind, claimed, run_after);
`

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
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	// Claims do not survive the process that made them. Resetting them here
	// lets tasks a dead worker left behind become claimable again after a
	// restart, so their jobs cannot stay running forever.
	if _, err := db.Exec("UPDATE tasks SET claimed = 0 WHERE claimed = 1"); err != nil {
		db.Close()
		return nil, fmt.Errorf("reset stale task claims: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// marshalJSON serializes v into a nullable TEXT column value.
func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	source, err := marshalJSON(j.Source)
	if err != nil {
		return fmt.Errorf("marshal job source: %w", err)
	}
	var enc sql.NullString
	if j.Encryption != nil {
		if enc, err = marshalJSON(j.Encryption); err != nil {
			return fmt.Errorf("marshal encryption context: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			id, tenant_id, dataset_id, operation_id, source, status,
			external_ref, computation_offset, encryption, result, attestation,
			error, cost_credits, callback_url, steps, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, NULL, ?, ?, NULL, ?, ?)`,
		j.ID, j.TenantID, j.DatasetID, j.OperationID, source.String, j.Status,
		j.ExternalRef, j.ComputationOffset, enc, j.Attestation,
		j.CostCredits, j.CallbackURL, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, tenant_id, dataset_id, operation_id, source, status,
	external_ref, computation_offset, encryption, result, attestation,
	error, cost_credits, callback_url, steps, created_at, updated_at`

// scanJob reads one job row.
func scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	j := &model.Job{}
	var (
		source      string
		datasetID   sql.NullString
		externalRef sql.NullString
		offset      sql.NullInt64
		enc         sql.NullString
		result      sql.NullString
		attestation sql.NullString
		jobErr      sql.NullString
		cost        sql.NullInt64
		callback    sql.NullString
		steps       sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.TenantID, &datasetID, &j.OperationID, &source, &j.Status,
		&externalRef, &offset, &enc, &result, &attestation,
		&jobErr, &cost, &callback, &steps, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(source), &j.Source); err != nil {
		return nil, fmt.Errorf("unmarshal job source: %w", err)
	}
	j.DatasetID = datasetID.String
	j.ExternalRef = externalRef.String
	j.Attestation = attestation.String
	j.CallbackURL = callback.String
	if offset.Valid {
		j.ComputationOffset = &offset.Int64
	}
	if cost.Valid {
		j.CostCredits = &cost.Int64
	}
	if enc.Valid {
		j.Encryption = &model.EncryptionContext{}
		if err := json.Unmarshal([]byte(enc.String), j.Encryption); err != nil {
			return nil, fmt.Errorf("unmarshal encryption context: %w", err)
		}
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if jobErr.Valid {
		j.Error = &usererr.Error{}
		if err := json.Unmarshal([]byte(jobErr.String), j.Error); err != nil {
			return nil, fmt.Errorf("unmarshal job error: %w", err)
		}
	}
	if steps.Valid {
		if err := json.Unmarshal([]byte(steps.String), &j.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal job steps: %w", err)
		}
	}
	return j, nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of one tenant's jobs ordered by
// created_at DESC, optionally filtered by status, along with the total count
// matching the filter.
func (s *SQLiteStore) ListJobs(ctx context.Context, tenantID, status string, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where := "tenant_id = ?"
	args := []any{tenantID}
	if status != "" {
		where += " AND status = ?"
		args = append(args, status)
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE `+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// SetJobStatus validates and applies a status transition plus optional patch
// inside one transaction, so concurrent phase workers cannot interleave a
// read-modify-write.
func (s *SQLiteStore) SetJobStatus(ctx context.Context, id, status string, patch *JobPatch) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read job status: %w", err)
	}

	// Re-applying a terminal status the job already holds leaves the record
	// untouched on the second call.
	if current == status && model.IsTerminal(status) {
		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
		j, err := scanJob(row)
		if err != nil {
			return nil, fmt.Errorf("get job: %w", err)
		}
		return j, nil
	}

	if !model.ValidTransition(current, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	set := "status = ?, updated_at = ?"
	args := []any{status, time.Now().UTC()}

	if patch != nil {
		if patch.ExternalRef != nil {
			set += ", external_ref = ?"
			args = append(args, *patch.ExternalRef)
		}
		if patch.ComputationOffset != nil {
			set += ", computation_offset = ?"
			args = append(args, *patch.ComputationOffset)
		}
		if patch.Encryption != nil {
			enc, err := marshalJSON(patch.Encryption)
			if err != nil {
				return nil, fmt.Errorf("marshal encryption context: %w", err)
			}
			set += ", encryption = ?"
			args = append(args, enc)
		}
		if patch.Result != nil {
			set += ", result = ?"
			args = append(args, string(patch.Result))
		}
		if patch.Attestation != nil {
			set += ", attestation = ?"
			args = append(args, *patch.Attestation)
		}
		if patch.Error != nil {
			e, err := marshalJSON(patch.Error)
			if err != nil {
				return nil, fmt.Errorf("marshal job error: %w", err)
			}
			set += ", error = ?"
			args = append(args, e)
		}
		if patch.CostCredits != nil {
			set += ", cost_credits = ?"
			args = append(args, *patch.CostCredits)
		}
		if patch.Steps != nil {
			steps, err := marshalJSON(patch.Steps)
			if err != nil {
				return nil, fmt.Errorf("marshal job steps: %w", err)
			}
			set += ", steps = ?"
			args = append(args, steps)
		}
	}

	args = append(args, id)
	if _, err := tx.ExecContext(ctx, "UPDATE jobs SET "+set+" WHERE id = ?", args...); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("reread job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return j, nil
}

// GetJobStats aggregates job statistics for one tenant.
func (s *SQLiteStore) GetJobStats(ctx context.Context, tenantID string) (*JobStats, error) {
	stats := &JobStats{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM jobs WHERE tenant_id = ? GROUP BY status", tenantID)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG((julianday(updated_at) - julianday(created_at)) * 86400000.0), 0),
			COALESCE(SUM(cost_credits), 0)
		FROM jobs WHERE tenant_id = ? AND status = ?`,
		tenantID, model.StatusCompleted,
	).Scan(&stats.AvgCompletionMS, &stats.TotalCostCredits)
	if err != nil {
		return nil, fmt.Errorf("aggregate completed jobs: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE tenant_id = ? AND status = ? AND updated_at >= ?`,
		tenantID, model.StatusCompleted, time.Now().UTC().Add(-time.Hour),
	).Scan(&stats.CompletedLastHour)
	if err != nil {
		return nil, fmt.Errorf("count recent completions: %w", err)
	}

	return stats, nil
}

// CreateOperation inserts a new operation record.
func (s *SQLiteStore) CreateOperation(ctx context.Context, op *model.Operation) error {
	var pipe sql.NullString
	if op.Pipeline != nil {
		var err error
		if pipe, err = marshalJSON(op.Pipeline); err != nil {
			return fmt.Errorf("marshal pipeline: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (id, tenant_id, name, kind, block_id, pipeline, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.TenantID, op.Name, op.Kind, op.BlockID, pipe, op.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// GetOperation retrieves an operation by ID.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*model.Operation, error) {
	op := &model.Operation{}
	var blockID, pipe sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, kind, block_id, pipeline, created_at
		FROM operations WHERE id = ?`, id,
	).Scan(&op.ID, &op.TenantID, &op.Name, &op.Kind, &blockID, &pipe, &op.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	op.BlockID = blockID.String
	if pipe.Valid {
		op.Pipeline = &model.PipelineDefinition{}
		if err := json.Unmarshal([]byte(pipe.String), op.Pipeline); err != nil {
			return nil, fmt.Errorf("unmarshal pipeline: %w", err)
		}
	}
	return op, nil
}

// CreateDataset inserts a new dataset record.
func (s *SQLiteStore) CreateDataset(ctx context.Context, d *model.Dataset) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO datasets (id, tenant_id, name, object_key, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.Name, d.ObjectKey, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dataset: %w", err)
	}
	return nil
}

// GetDataset retrieves a dataset by ID.
func (s *SQLiteStore) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	d := &model.Dataset{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, object_key, created_at FROM datasets WHERE id = ?`, id,
	).Scan(&d.ID, &d.TenantID, &d.Name, &d.ObjectKey, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	return d, nil
}

// EnqueueTask inserts a task into the durable queue.
func (s *SQLiteStore) EnqueueTask(ctx context.Context, t *model.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, kind, job_id, attempt, claimed, run_after, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		t.ID, string(t.Kind), t.JobID, t.Attempt, t.RunAfter, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// ClaimTask atomically claims the oldest due, unclaimed task of the given
// kind. Claims filter by kind, so a submission worker can never dequeue a
// finalize task and vice versa.
func (s *SQLiteStore) ClaimTask(ctx context.Context, kind model.TaskKind, now time.Time) (*model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	t := &model.Task{}
	var kindStr string
	err = tx.QueryRowContext(ctx,
		`SELECT id, kind, job_id, attempt, run_after, created_at
		FROM tasks
		WHERE kind = ? AND claimed = 0 AND run_after <= ?
		ORDER BY run_after, created_at LIMIT 1`,
		string(kind), now,
	).Scan(&t.ID, &kindStr, &t.JobID, &t.Attempt, &t.RunAfter, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select due task: %w", err)
	}
	t.Kind = model.TaskKind(kindStr)

	res, err := tx.ExecContext(ctx, "UPDATE tasks SET claimed = 1 WHERE id = ? AND claimed = 0", t.ID)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check claim: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return t, nil
}

// ReleaseTask puts a claimed task back on the queue with a new run-after time
// and an incremented attempt counter.
func (s *SQLiteStore) ReleaseTask(ctx context.Context, id string, runAfter time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET claimed = 0, attempt = attempt + 1, run_after = ? WHERE id = ?",
		runAfter, id,
	)
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check release: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask removes a task from the queue.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// DeletePendingTasks removes all unclaimed tasks for a job.
func (s *SQLiteStore) DeletePendingTasks(ctx context.Context, jobID string) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE job_id = ? AND claimed = 0", jobID)
	if err != nil {
		return 0, fmt.Errorf("delete pending tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check deleted tasks: %w", err)
	}
	return int(n), nil
}
