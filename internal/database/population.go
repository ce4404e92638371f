package database

import (
	"context"
	"fmt"
	"time"

	"colldialer/internal/models"
)

// UpsertAccount stores an account with up to three phone numbers.
func (db *DB) UpsertAccount(ctx context.Context, a *models.Account) error {
	phones := make([]string, 3)
	copy(phones, a.Phones)
	query := `
        INSERT INTO accounts (id, name_token, va_token, phone_1, phone_2, phone_3)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            name_token = excluded.name_token,
            va_token = excluded.va_token,
            phone_1 = excluded.phone_1,
            phone_2 = excluded.phone_2,
            phone_3 = excluded.phone_3
    `
	_, err := db.ExecContext(ctx, query, a.ID, a.NameToken, a.VAToken, phones[0], phones[1], phones[2])
	return err
}

// UpsertAccountPayment stores an installment.
func (db *DB) UpsertAccountPayment(ctx context.Context, ap *models.AccountPayment) error {
	query := `
        INSERT INTO account_payments (id, account_id, due_date, due_amount, outstanding, paid_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            account_id = excluded.account_id,
            due_date = excluded.due_date,
            due_amount = excluded.due_amount,
            outstanding = excluded.outstanding,
            paid_at = excluded.paid_at
    `
	_, err := db.ExecContext(ctx, query, ap.ID, ap.AccountID, ap.DueDate, ap.DueAmount, ap.Outstanding, ap.PaidAt)
	return err
}

// ScanBasePopulation walks the oldest unpaid account-payment of every account whose
// due date lies in [dueFrom, dueTo], one page at a time ordered by account id.
func (db *DB) ScanBasePopulation(ctx context.Context, dueFrom, dueTo string, asOf time.Time, pageSize int, fn func([]models.Candidate) error) error {
	if pageSize <= 0 {
		pageSize = 1000
	}
	query := `
        SELECT ap.id, ap.account_id, ap.due_date, ap.due_amount, ap.outstanding
        FROM account_payments ap
        JOIN (
            SELECT account_id, MIN(due_date) AS oldest
            FROM account_payments
            WHERE paid_at IS NULL
            GROUP BY account_id
        ) o ON o.account_id = ap.account_id AND o.oldest = ap.due_date
        WHERE ap.paid_at IS NULL
          AND ap.due_date BETWEEN ? AND ?
          AND ap.account_id > ?
        ORDER BY ap.account_id, ap.id
        LIMIT ?
    `

	cursor := int64(0)
	for {
		rows, err := db.QueryContext(ctx, query, dueFrom, dueTo, cursor, pageSize)
		if err != nil {
			return fmt.Errorf("scan base population: %w", err)
		}

		var page []models.Candidate
		var lastAccount int64 = -1
		fetched := 0
		for rows.Next() {
			var c models.Candidate
			if err := rows.Scan(&c.AccountPaymentID, &c.AccountID, &c.DueDate, &c.DueAmount, &c.Outstanding); err != nil {
				rows.Close()
				return fmt.Errorf("scan candidate: %w", err)
			}
			fetched++
			// same account with two installments on the oldest date: keep the lower id
			if c.AccountID == lastAccount {
				continue
			}
			lastAccount = c.AccountID
			c.DPD = DaysPastDue(c.DueDate, asOf)
			page = append(page, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if fetched == 0 {
			return nil
		}
		cursor = lastAccount
		if len(page) > 0 {
			if err := fn(page); err != nil {
				return err
			}
		}
		if fetched < pageSize {
			return nil
		}
	}
}

// CandidatesByIDs loads candidates for the given account-payment ids, preserving no particular order.
func (db *DB) CandidatesByIDs(ctx context.Context, ids []int64, asOf time.Time) ([]models.Candidate, error) {
	var out []models.Candidate
	for _, chunk := range chunks(ids, inChunk) {
		query := fmt.Sprintf(`
            SELECT id, account_id, due_date, due_amount, outstanding
            FROM account_payments WHERE id IN (%s)`, placeholders(len(chunk)))
		rows, err := db.QueryContext(ctx, query, int64Args(chunk)...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var c models.Candidate
			if err := rows.Scan(&c.AccountPaymentID, &c.AccountID, &c.DueDate, &c.DueAmount, &c.Outstanding); err != nil {
				rows.Close()
				return nil, err
			}
			c.DPD = DaysPastDue(c.DueDate, asOf)
			out = append(out, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// AccountsByIDs loads accounts keyed by id.
func (db *DB) AccountsByIDs(ctx context.Context, ids []int64) (map[int64]models.Account, error) {
	out := make(map[int64]models.Account, len(ids))
	for _, chunk := range chunks(ids, inChunk) {
		query := fmt.Sprintf(`
            SELECT id, name_token, va_token, phone_1, phone_2, phone_3
            FROM accounts WHERE id IN (%s)`, placeholders(len(chunk)))
		rows, err := db.QueryContext(ctx, query, int64Args(chunk)...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var a models.Account
			var p1, p2, p3 string
			if err := rows.Scan(&a.ID, &a.NameToken, &a.VAToken, &p1, &p2, &p3); err != nil {
				rows.Close()
				return nil, err
			}
			for _, p := range []string{p1, p2, p3} {
				if p != "" {
					a.Phones = append(a.Phones, p)
				}
			}
			out[a.ID] = a
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// ActivePTP returns account-payment ids with a promise-to-pay that is still pending on day.
func (db *DB) ActivePTP(ctx context.Context, accountPaymentIDs []int64, day string) (map[int64]bool, error) {
	return db.idSetQuery(ctx,
		`SELECT DISTINCT account_payment_id FROM ptp
         WHERE account_payment_id IN (%s) AND status = 'active' AND ptp_date >= ?`,
		accountPaymentIDs, day)
}

// PendingRefinancing returns account ids with a refinancing request that has not expired on day.
func (db *DB) PendingRefinancing(ctx context.Context, accountIDs []int64, day string) (map[int64]bool, error) {
	return db.idSetQuery(ctx,
		`SELECT DISTINCT account_id FROM refinancing
         WHERE account_id IN (%s) AND status IN ('requested', 'approved') AND expire_date >= ?`,
		accountIDs, day)
}

// Blacklisted returns account ids on the dialer blacklist on day.
func (db *DB) Blacklisted(ctx context.Context, accountIDs []int64, day string) (map[int64]bool, error) {
	return db.idSetQuery(ctx,
		`SELECT DISTINCT account_id FROM dialer_blacklist
         WHERE account_id IN (%s) AND (expire_date IS NULL OR expire_date >= ?)`,
		accountIDs, day)
}

// ActiveAutodebet returns account ids with autodebet enabled.
func (db *DB) ActiveAutodebet(ctx context.Context, accountIDs []int64) (map[int64]bool, error) {
	return db.idSetQuery(ctx,
		`SELECT account_id FROM autodebet WHERE account_id IN (%s) AND is_active = 1`,
		accountIDs)
}

// ExperimentMembers returns account ids assigned to one of groups in experiment.
func (db *DB) ExperimentMembers(ctx context.Context, accountIDs []int64, experiment string, groups []string) (map[int64]bool, error) {
	if len(groups) == 0 {
		return map[int64]bool{}, nil
	}
	groupArgs := make([]interface{}, 0, len(groups)+1)
	groupArgs = append(groupArgs, experiment)
	for _, g := range groups {
		groupArgs = append(groupArgs, g)
	}
	query := `SELECT account_id FROM experiment_groups
         WHERE account_id IN (%s) AND experiment = ? AND group_name IN (` + placeholders(len(groups)) + `)`
	return db.idSetQuery(ctx, query, accountIDs, groupArgs...)
}

// ContactAttempts returns attempts of the given accounts with call_date in [from, to], newest first.
func (db *DB) ContactAttempts(ctx context.Context, accountIDs []int64, from, to string) (map[int64][]models.ContactAttempt, error) {
	out := make(map[int64][]models.ContactAttempt)
	for _, chunk := range chunks(accountIDs, inChunk) {
		query := fmt.Sprintf(`
            SELECT account_id, phone_number, call_date, is_effective
            FROM contact_attempts
            WHERE account_id IN (%s) AND call_date BETWEEN ? AND ?
            ORDER BY call_date DESC, id DESC`, placeholders(len(chunk)))
		args := append(int64Args(chunk), from, to)
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var a models.ContactAttempt
			if err := rows.Scan(&a.AccountID, &a.PhoneNumber, &a.CallDate, &a.Effective); err != nil {
				rows.Close()
				return nil, err
			}
			out[a.AccountID] = append(out[a.AccountID], a)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// RankingSignals counts effective contacts since contactFrom and broken promises created since promiseFrom.
func (db *DB) RankingSignals(ctx context.Context, accountIDs []int64, contactFrom, promiseFrom, day string) (map[int64]models.RankingSignals, error) {
	out := make(map[int64]models.RankingSignals, len(accountIDs))
	for _, chunk := range chunks(accountIDs, inChunk) {
		ph := placeholders(len(chunk))
		contacts := fmt.Sprintf(`
            SELECT account_id, COUNT(*) FROM contact_attempts
            WHERE account_id IN (%s) AND is_effective = 1 AND call_date >= ? AND call_date < ?
            GROUP BY account_id`, ph)
		args := append(int64Args(chunk), contactFrom, day)
		if err := db.scanCounts(ctx, contacts, args, func(id int64, n int) {
			s := out[id]
			s.RecentContacts = n
			out[id] = s
		}); err != nil {
			return nil, err
		}

		broken := fmt.Sprintf(`
            SELECT account_id, COUNT(*) FROM ptp
            WHERE account_id IN (%s) AND status = 'broken' AND created_date >= ? AND created_date < ?
            GROUP BY account_id`, ph)
		args = append(int64Args(chunk), promiseFrom, day)
		if err := db.scanCounts(ctx, broken, args, func(id int64, n int) {
			s := out[id]
			s.BrokenPromise = n > 0
			out[id] = s
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (db *DB) scanCounts(ctx context.Context, query string, args []interface{}, fn func(int64, int)) error {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return err
		}
		fn(id, n)
	}
	return rows.Err()
}

// Seeding helpers used by the sync jobs that mirror the loan system and by tests.

func (db *DB) AddPTP(ctx context.Context, accountPaymentID, accountID int64, ptpDate, status, createdDate string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO ptp (account_payment_id, account_id, ptp_date, status, created_date) VALUES (?, ?, ?, ?, ?)`,
		accountPaymentID, accountID, ptpDate, status, createdDate)
	return err
}

func (db *DB) AddRefinancing(ctx context.Context, accountID int64, status, expireDate string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO refinancing (account_id, status, expire_date) VALUES (?, ?, ?)`,
		accountID, status, expireDate)
	return err
}

func (db *DB) AddBlacklist(ctx context.Context, accountID int64, expireDate *string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO dialer_blacklist (account_id, expire_date) VALUES (?, ?)`,
		accountID, expireDate)
	return err
}

func (db *DB) SetAutodebet(ctx context.Context, accountID int64, active bool) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO autodebet (account_id, is_active) VALUES (?, ?)
         ON CONFLICT(account_id) DO UPDATE SET is_active = excluded.is_active`,
		accountID, active)
	return err
}

func (db *DB) SetExperimentGroup(ctx context.Context, accountID int64, experiment, group string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO experiment_groups (account_id, experiment, group_name) VALUES (?, ?, ?)
         ON CONFLICT(account_id, experiment) DO UPDATE SET group_name = excluded.group_name`,
		accountID, experiment, group)
	return err
}

func (db *DB) AddContactAttempt(ctx context.Context, a models.ContactAttempt) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO contact_attempts (account_id, phone_number, call_date, is_effective, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.AccountID, a.PhoneNumber, a.CallDate, a.Effective, time.Now())
	return err
}

// DaysPastDue returns the number of calendar days between dueDate and asOf's date.
func DaysPastDue(dueDate string, asOf time.Time) int {
	due, err := time.ParseInLocation(models.DateLayout, dueDate, asOf.Location())
	if err != nil {
		return 0
	}
	day := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, asOf.Location())
	return int(day.Sub(due).Hours() / 24)
}
