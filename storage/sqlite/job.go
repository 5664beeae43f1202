package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/poiesic/docflow/core"
	"github.com/poiesic/docflow/storage"
)

// JobRepository implements storage.JobRepository on SQLite. The partial
// unique index jobs_open holds at most one waiting or active job per
// (document, stage).
type JobRepository struct {
	db *sql.DB
}

var _ storage.JobRepository = (*JobRepository)(nil)

const jobColumns = `id, document_id, stage, params, attempts, status, progress, last_heartbeat,
	failure_reason, cancel_requested, available_at, created_at, updated_at`

func (r *JobRepository) Close() error {
	return nil
}

func (r *JobRepository) EnqueueJob(ctx context.Context, job *core.Job) (*core.Job, bool, error) {
	if err := core.ValidateJob(job); err != nil {
		return nil, false, err
	}
	var (
		stored  *core.Job
		created bool
	)
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE document_id=? AND stage=? AND status IN ('waiting', 'active')`,
			job.DocumentID, string(job.Stage))
		existing, err := scanJob(row)
		if err == nil {
			stored, created = existing, false
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err := insertJob(ctx, tx, job); err != nil {
			return err
		}
		stored, created = job.Clone(), true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (r *JobRepository) GetJob(ctx context.Context, id string) (*core.Job, error) {
	var job *core.Job
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		job, err = selectJob(ctx, tx, id)
		return err
	})
	return job, err
}

func (r *JobRepository) ClaimNext(ctx context.Context, now time.Time, stages []core.Stage) (*core.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status='waiting' AND available_at<=?`
	args := []any{toMicros(now)}
	if len(stages) > 0 {
		query += ` AND stage IN (?` + strings.Repeat(", ?", len(stages)-1) + `)`
		for _, stage := range stages {
			args = append(args, string(stage))
		}
	}
	query += ` ORDER BY available_at, id LIMIT 1`

	var claimed *core.Job
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		job, err := scanJob(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='active', attempts=attempts+1, last_heartbeat=?, updated_at=?
WHERE id=? AND status='waiting'`,
			toMicros(now), toMicros(now), job.ID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		job.Status = core.JobActive
		job.Attempts++
		job.LastHeartbeat = now
		job.UpdatedAt = now
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *JobRepository) UpdateJob(ctx context.Context, id string, attempt int, mutate func(job *core.Job) error) (*core.Job, error) {
	var updated *core.Job
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		job, err := selectJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if attempt != storage.AnyAttempt && job.Attempts != attempt {
			return storage.ErrStaleAttempt
		}
		if err := mutate(job); err != nil {
			return err
		}
		job.UpdatedAt = time.Now().UTC()
		params, err := toJSON(job.Params)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
UPDATE jobs SET
	params=?, attempts=?, status=?, progress=?, last_heartbeat=?, failure_reason=?,
	cancel_requested=?, available_at=?, updated_at=?
WHERE id=?`,
			params, job.Attempts, string(job.Status), job.ProgressPercent, toMicros(job.LastHeartbeat),
			job.FailureReason, boolToInt(job.CancelRequested), toMicros(job.AvailableAt),
			toMicros(job.UpdatedAt), job.ID)
		if err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *JobRepository) ListJobsByDocument(ctx context.Context, documentID string) ([]*core.Job, error) {
	return r.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE document_id=? ORDER BY id`, documentID)
}

func (r *JobRepository) ListActiveJobs(ctx context.Context) ([]*core.Job, error) {
	return r.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status='active' ORDER BY id`)
}

func (r *JobRepository) DeleteWaitingJobs(ctx context.Context, documentID string) ([]*core.Job, error) {
	var removed []*core.Job
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		removed, err = queryJobs(ctx, tx,
			`SELECT `+jobColumns+` FROM jobs WHERE document_id=? AND status='waiting' ORDER BY id`, documentID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE document_id=? AND status='waiting'`, documentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (r *JobRepository) listJobs(ctx context.Context, query string, args ...any) ([]*core.Job, error) {
	var jobs []*core.Job
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		jobs, err = queryJobs(ctx, tx, query, args...)
		return err
	})
	return jobs, err
}

func queryJobs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]*core.Job, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func insertJob(ctx context.Context, tx *sql.Tx, job *core.Job) error {
	params, err := toJSON(job.Params)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.DocumentID, string(job.Stage), params, job.Attempts, string(job.Status),
		job.ProgressPercent, toMicros(job.LastHeartbeat), job.FailureReason,
		boolToInt(job.CancelRequested), toMicros(job.AvailableAt), toMicros(job.CreatedAt),
		toMicros(job.UpdatedAt),
	)
	return err
}

func selectJob(ctx context.Context, tx *sql.Tx, id string) (*core.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

func scanJob(row rowScanner) (*core.Job, error) {
	var (
		job                                  core.Job
		stage, status, params                string
		cancel                               int
		heartbeat, availableAt, created, upd int64
	)
	err := row.Scan(&job.ID, &job.DocumentID, &stage, &params, &job.Attempts, &status,
		&job.ProgressPercent, &heartbeat, &job.FailureReason, &cancel, &availableAt, &created, &upd)
	if err != nil {
		return nil, err
	}
	job.Stage = core.Stage(stage)
	job.Status = core.JobStatus(status)
	if err := fromJSON(params, &job.Params); err != nil {
		return nil, err
	}
	job.CancelRequested = cancel != 0
	job.LastHeartbeat = fromMicros(heartbeat)
	job.AvailableAt = fromMicros(availableAt)
	job.CreatedAt = fromMicros(created)
	job.UpdatedAt = fromMicros(upd)
	return &job, nil
}
