package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"colldialer/internal/models"
)

const jobColumns = `id, handler, queue, payload, status, attempt, waits, max_attempts, retry, chain, last_error, run_at, created_at, processed_at`

// CreateJob persists a job. It is the source of truth; the Redis queue only carries ids.
func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	query := `INSERT INTO jobs (` + jobColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now()
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	_, err := db.ExecContext(ctx, query,
		job.ID,
		job.Handler,
		job.Queue,
		job.Payload,
		job.Status,
		job.Attempt,
		job.Waits,
		job.MaxAttempts,
		job.Retry,
		job.Chain,
		job.LastError,
		job.RunAt.Unix(),
		now,
		job.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	job.CreatedAt = now
	return nil
}

// GetJob returns a job by id, or sql.ErrNoRows.
func (db *DB) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// DueJobs returns pending or retrying jobs of queue whose run_at has passed.
func (db *DB) DueJobs(ctx context.Context, queue string, now time.Time, limit int) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + `
              FROM jobs
              WHERE queue = ? AND status IN ('pending', 'retry') AND run_at <= ?
              ORDER BY run_at ASC, created_at ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, queue, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ClaimJob moves a pending job to running. It reports false when another worker got it first.
func (db *DB) ClaimJob(ctx context.Context, id string) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', attempt = attempt + 1 WHERE id = ? AND status IN ('pending', 'retry')`, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateJobStatus records the outcome of a run. runAt is only used for retry.
func (db *DB) UpdateJobStatus(ctx context.Context, id, status, errMsg string, runAt *time.Time) error {
	var query string
	var args []interface{}
	now := time.Now()

	var lastErr *string
	if errMsg != "" {
		lastErr = &errMsg
	}

	switch status {
	case models.JobStatusRetry:
		query = `UPDATE jobs SET status = ?, last_error = ?, run_at = ? WHERE id = ?`
		args = []interface{}{status, lastErr, runAt.Unix(), id}
	case models.JobStatusCompleted, models.JobStatusFailed:
		query = `UPDATE jobs SET status = ?, last_error = ?, processed_at = ? WHERE id = ?`
		args = []interface{}{status, lastErr, now, id}
	default:
		query = `UPDATE jobs SET status = ?, last_error = ? WHERE id = ?`
		args = []interface{}{status, lastErr, id}
	}

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

// DeferNotReady reschedules a job that was run too early. It does not consume a retry attempt.
func (db *DB) DeferNotReady(ctx context.Context, id, errMsg string, runAt time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = 'retry', attempt = attempt - 1, waits = waits + 1, last_error = ?, run_at = ? WHERE id = ?`,
		errMsg, runAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to defer job: %w", err)
	}
	return nil
}

// RequeueStale puts running jobs older than cutoff back to retry; used after a crash.
func (db *DB) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = 'retry', run_at = ? WHERE status = 'running' AND run_at < ?`,
		time.Now().Unix(), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// FailedJobs lists dead jobs, newest first.
func (db *DB) FailedJobs(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'failed' ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// CountJobs returns job counts by status.
func (db *DB) CountJobs(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s rowScanner) (*models.Job, error) {
	var j models.Job
	var runAt int64
	var processed sql.NullTime
	err := s.Scan(&j.ID, &j.Handler, &j.Queue, &j.Payload, &j.Status, &j.Attempt, &j.Waits, &j.MaxAttempts,
		&j.Retry, &j.Chain, &j.LastError, &runAt, &j.CreatedAt, &processed)
	if err != nil {
		return nil, err
	}
	j.RunAt = time.Unix(runAt, 0)
	if processed.Valid {
		t := processed.Time
		j.ProcessedAt = &t
	}
	return &j, nil
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
