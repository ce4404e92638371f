package database

import (
	"context"
	"fmt"
	"time"

	"colldialer/internal/models"
)

// InsertSentRecords stores one audit row per account sent. A live duplicate for the same
// (account, phone, bucket, day) is ignored.
func (db *DB) InsertSentRecords(ctx context.Context, records []models.SentRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO sent_records (account_id, account_payment_id, phone_number, bucket_name, day, remote_task_id, page, is_deleted, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
        ON CONFLICT DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.AccountID, r.AccountPaymentID, r.PhoneNumber, r.BucketName, r.Day,
			r.RemoteTaskID, r.Page, now); err != nil {
			return fmt.Errorf("insert sent record %d: %w", r.AccountID, err)
		}
	}
	return tx.Commit()
}

// SentAccounts returns which of accountIDs already have a live sent record for bucket on day.
func (db *DB) SentAccounts(ctx context.Context, bucketName, day string, accountIDs []int64) (map[int64]bool, error) {
	return db.idSetQuery(ctx,
		`SELECT DISTINCT account_id FROM sent_records
         WHERE account_id IN (%s) AND bucket_name = ? AND day = ? AND is_deleted = 0`,
		accountIDs, bucketName, day)
}

// SentRecords lists live records of a bucket on a day.
func (db *DB) SentRecords(ctx context.Context, bucketName, day string) ([]models.SentRecord, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT id, account_id, account_payment_id, phone_number, bucket_name, day, remote_task_id, page, is_deleted, created_at
        FROM sent_records WHERE bucket_name = ? AND day = ? AND is_deleted = 0 ORDER BY id`, bucketName, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SentRecord
	for rows.Next() {
		var r models.SentRecord
		if err := rows.Scan(&r.ID, &r.AccountID, &r.AccountPaymentID, &r.PhoneNumber, &r.BucketName, &r.Day,
			&r.RemoteTaskID, &r.Page, &r.IsDeleted, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SoftDeleteSent marks records of an account in a remote task as deleted.
func (db *DB) SoftDeleteSent(ctx context.Context, remoteTaskID string, accountID int64) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE sent_records SET is_deleted = 1 WHERE remote_task_id = ? AND account_id = ? AND is_deleted = 0`,
		remoteTaskID, accountID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertNotSent records exclusions. The first reason recorded for a row wins.
func (db *DB) InsertNotSent(ctx context.Context, records []models.NotSentRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO not_sent_records (account_payment_id, bucket_name, day, reason, created_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(bucket_name, day, account_payment_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, r := range records {
		if !r.Reason.Valid() {
			return fmt.Errorf("invalid exclusion reason %q", r.Reason)
		}
		if _, err := stmt.ExecContext(ctx, r.AccountPaymentID, r.BucketName, r.Day, string(r.Reason), now); err != nil {
			return fmt.Errorf("insert not-sent record %d: %w", r.AccountPaymentID, err)
		}
	}
	return tx.Commit()
}

// NotSentSummary counts exclusions per reason for a bucket and day.
func (db *DB) NotSentSummary(ctx context.Context, bucketName, day string) (map[models.ExclusionReason]int, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT reason, COUNT(*) FROM not_sent_records WHERE bucket_name = ? AND day = ? GROUP BY reason`,
		bucketName, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[models.ExclusionReason]int{}
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		out[models.ExclusionReason(reason)] = n
	}
	return out, rows.Err()
}

// NotSentRecords lists exclusions of a bucket for a day.
func (db *DB) NotSentRecords(ctx context.Context, bucketName, day string) ([]models.NotSentRecord, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT id, account_payment_id, bucket_name, day, reason, created_at
        FROM not_sent_records WHERE bucket_name = ? AND day = ? ORDER BY id`, bucketName, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.NotSentRecord
	for rows.Next() {
		var r models.NotSentRecord
		var reason string
		if err := rows.Scan(&r.ID, &r.AccountPaymentID, &r.BucketName, &r.Day, &reason, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Reason = models.ExclusionReason(reason)
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertRemoteTask registers a vendor task. Re-registering the same id is a no-op.
func (db *DB) InsertRemoteTask(ctx context.Context, rt *models.RemoteTask) error {
	now := time.Now()
	_, err := db.ExecContext(ctx, `
        INSERT INTO remote_tasks (task_id, dialer_task_id, bucket_name, day, page, row_count, schedule_start, schedule_end, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(task_id) DO NOTHING`,
		rt.TaskID, rt.DialerTaskID, rt.BucketName, rt.Day, rt.Page, rt.RowCount, rt.ScheduleStart, rt.ScheduleEnd, now)
	if err != nil {
		return fmt.Errorf("failed to insert remote task: %w", err)
	}
	rt.CreatedAt = now
	return nil
}

// GetRemoteTask loads a vendor task; sql.ErrNoRows when unknown.
func (db *DB) GetRemoteTask(ctx context.Context, taskID string) (*models.RemoteTask, error) {
	var rt models.RemoteTask
	err := db.QueryRowContext(ctx, `
        SELECT task_id, dialer_task_id, bucket_name, day, page, row_count, schedule_start, schedule_end, created_at
        FROM remote_tasks WHERE task_id = ?`, taskID).
		Scan(&rt.TaskID, &rt.DialerTaskID, &rt.BucketName, &rt.Day, &rt.Page, &rt.RowCount, &rt.ScheduleStart, &rt.ScheduleEnd, &rt.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rt, nil
}

// RemoteTasksForDay lists vendor tasks created for day.
func (db *DB) RemoteTasksForDay(ctx context.Context, day string) ([]models.RemoteTask, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT task_id, dialer_task_id, bucket_name, day, page, row_count, schedule_start, schedule_end, created_at
        FROM remote_tasks WHERE day = ? ORDER BY bucket_name, page`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RemoteTask
	for rows.Next() {
		var rt models.RemoteTask
		if err := rows.Scan(&rt.TaskID, &rt.DialerTaskID, &rt.BucketName, &rt.Day, &rt.Page, &rt.RowCount,
			&rt.ScheduleStart, &rt.ScheduleEnd, &rt.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}
