package database

import (
	"context"
	"fmt"
	"time"

	"colldialer/internal/models"
)

const dialerTaskColumns = `id, type, bucket_name, day, vendor, retry_count, error, created_at, updated_at`

// EnsureDialerTask returns the task for (type, bucket, day), creating it if needed.
func (db *DB) EnsureDialerTask(ctx context.Context, workType, bucketName, day, vendor string) (*models.DialerTask, bool, error) {
	now := time.Now()
	res, err := db.ExecContext(ctx, `
        INSERT INTO dialer_tasks (type, bucket_name, day, vendor, retry_count, error, created_at, updated_at)
        VALUES (?, ?, ?, ?, 0, '', ?, ?)
        ON CONFLICT(type, bucket_name, day) DO NOTHING`,
		workType, bucketName, day, vendor, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create dialer task: %w", err)
	}
	created, _ := res.RowsAffected()

	task, err := db.FindDialerTask(ctx, workType, bucketName, day)
	if err != nil {
		return nil, false, err
	}
	return task, created == 1, nil
}

// FindDialerTask looks a task up by its natural key; sql.ErrNoRows when absent.
func (db *DB) FindDialerTask(ctx context.Context, workType, bucketName, day string) (*models.DialerTask, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+dialerTaskColumns+` FROM dialer_tasks WHERE type = ? AND bucket_name = ? AND day = ?`,
		workType, bucketName, day)
	return scanDialerTask(row)
}

// GetDialerTask loads a task by id; sql.ErrNoRows when absent.
func (db *DB) GetDialerTask(ctx context.Context, id int64) (*models.DialerTask, error) {
	row := db.QueryRowContext(ctx, `SELECT `+dialerTaskColumns+` FROM dialer_tasks WHERE id = ?`, id)
	return scanDialerTask(row)
}

// DialerTasksForDay lists every task of a day.
func (db *DB) DialerTasksForDay(ctx context.Context, day string) ([]models.DialerTask, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+dialerTaskColumns+` FROM dialer_tasks WHERE day = ? ORDER BY bucket_name, type`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DialerTask
	for rows.Next() {
		t, err := scanDialerTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// BumpDialerTaskRetry increments retry_count and stores the last error.
func (db *DB) BumpDialerTaskRetry(ctx context.Context, id int64, errMsg string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE dialer_tasks SET retry_count = retry_count + 1, error = ?, updated_at = ? WHERE id = ?`,
		errMsg, time.Now(), id)
	return err
}

// SetDialerTaskError stores the last error without touching the retry counter.
func (db *DB) SetDialerTaskError(ctx context.Context, id int64, errMsg string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE dialer_tasks SET error = ?, updated_at = ? WHERE id = ?`, errMsg, time.Now(), id)
	return err
}

// AppendTaskEvent inserts an event row. Events are never updated.
func (db *DB) AppendTaskEvent(ctx context.Context, ev *models.DialerTaskEvent) error {
	now := time.Now()
	res, err := db.ExecContext(ctx, `
        INSERT INTO dialer_task_events (dialer_task_id, status, data_count, page, error, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		ev.DialerTaskID, ev.Status, ev.DataCount, ev.Page, ev.Error, now)
	if err != nil {
		return fmt.Errorf("failed to append task event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	ev.ID = id
	ev.CreatedAt = now
	_, err = db.ExecContext(ctx, `UPDATE dialer_tasks SET updated_at = ? WHERE id = ?`, now, ev.DialerTaskID)
	return err
}

// TaskEvents returns the full history of a task in insertion order.
func (db *DB) TaskEvents(ctx context.Context, taskID int64) ([]models.DialerTaskEvent, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT id, dialer_task_id, status, data_count, page, error, created_at
        FROM dialer_task_events WHERE dialer_task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DialerTaskEvent
	for rows.Next() {
		var ev models.DialerTaskEvent
		if err := rows.Scan(&ev.ID, &ev.DialerTaskID, &ev.Status, &ev.DataCount, &ev.Page, &ev.Error, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanDialerTask(s rowScanner) (*models.DialerTask, error) {
	var t models.DialerTask
	if err := s.Scan(&t.ID, &t.Type, &t.BucketName, &t.Day, &t.Vendor, &t.RetryCount, &t.Error, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
