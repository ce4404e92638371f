package database

import (
	"context"
	"fmt"
)

// DistributionAssignments returns the persisted track of each account for cycle.
func (db *DB) DistributionAssignments(ctx context.Context, cycle string, accountIDs []int64) (map[int64]string, error) {
	out := make(map[int64]string)
	for _, chunk := range chunks(accountIDs, inChunk) {
		query := fmt.Sprintf(`SELECT account_id, track FROM distribution_assignments
            WHERE cycle = ? AND account_id IN (%s)`, placeholders(len(chunk)))
		args := append([]interface{}{cycle}, int64Args(chunk)...)
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id int64
			var track string
			if err := rows.Scan(&id, &track); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = track
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// SaveDistribution replaces the assignments of the given accounts for cycle.
func (db *DB) SaveDistribution(ctx context.Context, cycle string, tracks map[int64]string) error {
	if len(tracks) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO distribution_assignments (account_id, cycle, track) VALUES (?, ?, ?)
        ON CONFLICT(account_id, cycle) DO UPDATE SET track = excluded.track`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, track := range tracks {
		if _, err := stmt.ExecContext(ctx, id, cycle, track); err != nil {
			return err
		}
	}
	return tx.Commit()
}
