package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"colldialer/internal/models"
)

// UpsertCallResults stores results keyed by call id. A later pull of the same call
// replaces the earlier row; it returns how many rows were written.
func (db *DB) UpsertCallResults(ctx context.Context, results []models.CallResult) (int, error) {
	if len(results) == 0 {
		return 0, nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO call_results (call_id, remote_task_id, task_name, account_id, callee_number, start_ts,
            connected_ts, end_ts, talk_result, hangup_reason, agent_id, agent_name, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(call_id) DO UPDATE SET
            remote_task_id = excluded.remote_task_id,
            task_name = excluded.task_name,
            account_id = excluded.account_id,
            callee_number = excluded.callee_number,
            start_ts = excluded.start_ts,
            connected_ts = excluded.connected_ts,
            end_ts = excluded.end_ts,
            talk_result = excluded.talk_result,
            hangup_reason = excluded.hangup_reason,
            agent_id = excluded.agent_id,
            agent_name = excluded.agent_name,
            updated_at = excluded.updated_at`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now()
	written := 0
	for _, r := range results {
		if r.CallID == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, r.CallID, r.RemoteTaskID, r.TaskName, r.AccountID, r.CalleeNumber,
			r.StartAt.Unix(), unixOrNil(r.ConnectedAt), unixOrNil(r.EndAt), r.TalkResult, r.HangupReason,
			r.AgentID, r.AgentName, now); err != nil {
			return 0, fmt.Errorf("upsert call result %s: %w", r.CallID, err)
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

// CountCallResults counts stored calls of a remote task that started in [from, to).
func (db *DB) CountCallResults(ctx context.Context, remoteTaskID string, from, to time.Time) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM call_results
        WHERE remote_task_id = ? AND start_ts >= ? AND start_ts < ?`,
		remoteTaskID, from.Unix(), to.Unix()).Scan(&n)
	return n, err
}

// CallResultsBetween lists calls that started in [from, to), ordered by start.
func (db *DB) CallResultsBetween(ctx context.Context, from, to time.Time) ([]models.CallResult, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT id, call_id, remote_task_id, task_name, account_id, callee_number, start_ts, connected_ts, end_ts,
            talk_result, hangup_reason, agent_id, agent_name, updated_at
        FROM call_results WHERE start_ts >= ? AND start_ts < ? ORDER BY start_ts, id`, from.Unix(), to.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CallResult
	for rows.Next() {
		var r models.CallResult
		var start int64
		var connected, end sql.NullInt64
		if err := rows.Scan(&r.ID, &r.CallID, &r.RemoteTaskID, &r.TaskName, &r.AccountID, &r.CalleeNumber, &start,
			&connected, &end, &r.TalkResult, &r.HangupReason, &r.AgentID, &r.AgentName, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.StartAt = time.Unix(start, 0)
		r.ConnectedAt = timeOrNil(connected)
		r.EndAt = timeOrNil(end)
		out = append(out, r)
	}
	return out, rows.Err()
}

func unixOrNil(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Unix()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}
