package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"colldialer/internal/models"
)

// UpsertPayloadRows writes constructed rows in one transaction. Re-running a construction
// for the same (bucket, account-payment) overwrites instead of duplicating.
func (db *DB) UpsertPayloadRows(ctx context.Context, rows []models.PayloadRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO payload_rows (bucket_name, day, account_payment_id, account_id, phones, customer_name,
            masked_va, due_date, due_amount, outstanding, dpd, sort_order, track, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(bucket_name, account_payment_id) DO UPDATE SET
            day = excluded.day,
            account_id = excluded.account_id,
            phones = excluded.phones,
            customer_name = excluded.customer_name,
            masked_va = excluded.masked_va,
            due_date = excluded.due_date,
            due_amount = excluded.due_amount,
            outstanding = excluded.outstanding,
            dpd = excluded.dpd,
            sort_order = excluded.sort_order,
            track = excluded.track,
            created_at = excluded.created_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, r := range rows {
		phones, err := json.Marshal(r.Phones)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, r.BucketName, r.Day, r.AccountPaymentID, r.AccountID, string(phones),
			r.CustomerName, r.MaskedVA, r.DueDate, r.DueAmount, r.Outstanding, r.DPD, r.SortOrder, r.Track, now); err != nil {
			return fmt.Errorf("upsert payload row %d: %w", r.AccountPaymentID, err)
		}
	}
	return tx.Commit()
}

// PayloadRows returns the rows of a bucket for a day in dispatch order.
func (db *DB) PayloadRows(ctx context.Context, bucketName, day string) ([]models.PayloadRow, error) {
	return db.queryPayloadRows(ctx, `
        SELECT id, bucket_name, day, account_payment_id, account_id, phones, customer_name, masked_va,
            due_date, due_amount, outstanding, dpd, sort_order, track, created_at
        FROM payload_rows WHERE bucket_name = ? AND day = ?
        ORDER BY sort_order, id`, bucketName, day)
}

// PayloadRowsRange returns the rows whose sort_order lies in [from, to].
func (db *DB) PayloadRowsRange(ctx context.Context, bucketName, day string, from, to int) ([]models.PayloadRow, error) {
	return db.queryPayloadRows(ctx, `
        SELECT id, bucket_name, day, account_payment_id, account_id, phones, customer_name, masked_va,
            due_date, due_amount, outstanding, dpd, sort_order, track, created_at
        FROM payload_rows WHERE bucket_name = ? AND day = ? AND sort_order BETWEEN ? AND ?
        ORDER BY sort_order, id`, bucketName, day, from, to)
}

func (db *DB) queryPayloadRows(ctx context.Context, query string, args ...interface{}) ([]models.PayloadRow, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PayloadRow
	for rows.Next() {
		var r models.PayloadRow
		var phones string
		if err := rows.Scan(&r.ID, &r.BucketName, &r.Day, &r.AccountPaymentID, &r.AccountID, &phones, &r.CustomerName,
			&r.MaskedVA, &r.DueDate, &r.DueAmount, &r.Outstanding, &r.DPD, &r.SortOrder, &r.Track, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(phones), &r.Phones); err != nil {
			return nil, fmt.Errorf("decode phones of row %d: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountPayloadRows counts rows of a bucket for a day.
func (db *DB) CountPayloadRows(ctx context.Context, bucketName, day string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payload_rows WHERE bucket_name = ? AND day = ?`, bucketName, day).Scan(&n)
	return n, err
}

// DeletePayloadRowsBefore drops staging rows of days before day.
func (db *DB) DeletePayloadRowsBefore(ctx context.Context, day string) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM payload_rows WHERE day < ?`, day)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
