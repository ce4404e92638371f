package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// inChunk bounds the number of bound parameters in a single IN (...) clause.
const inChunk = 500

// DB is the persistent store of the dialer pipeline.
type DB struct {
	*sql.DB
	logger zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	// Создаем директорию для БД, если её нет
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers anyway; a single connection avoids SQLITE_BUSY between our own goroutines.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "database").Logger()
	}
	l.Info().Str("path", path).Msg("database initialized")

	return &DB{DB: sqlDB, logger: l}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		// Популяция: аккаунты и платежи
		`CREATE TABLE IF NOT EXISTS accounts (
            id INTEGER PRIMARY KEY,
            name_token TEXT NOT NULL DEFAULT '',
            va_token TEXT NOT NULL DEFAULT '',
            phone_1 TEXT NOT NULL DEFAULT '',
            phone_2 TEXT NOT NULL DEFAULT '',
            phone_3 TEXT NOT NULL DEFAULT ''
        )`,
		`CREATE TABLE IF NOT EXISTS account_payments (
            id INTEGER PRIMARY KEY,
            account_id INTEGER NOT NULL,
            due_date TEXT NOT NULL,
            due_amount INTEGER NOT NULL DEFAULT 0,
            outstanding INTEGER NOT NULL DEFAULT 0,
            paid_at TEXT
        )`,
		`CREATE TABLE IF NOT EXISTS ptp (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            account_payment_id INTEGER NOT NULL,
            account_id INTEGER NOT NULL,
            ptp_date TEXT NOT NULL,
            status TEXT NOT NULL,
            created_date TEXT NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS refinancing (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            account_id INTEGER NOT NULL,
            status TEXT NOT NULL,
            expire_date TEXT NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS dialer_blacklist (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            account_id INTEGER NOT NULL,
            expire_date TEXT
        )`,
		`CREATE TABLE IF NOT EXISTS autodebet (
            account_id INTEGER PRIMARY KEY,
            is_active BOOLEAN NOT NULL DEFAULT 0
        )`,
		`CREATE TABLE IF NOT EXISTS experiment_groups (
            account_id INTEGER NOT NULL,
            experiment TEXT NOT NULL,
            group_name TEXT NOT NULL,
            PRIMARY KEY (account_id, experiment)
        )`,
		`CREATE TABLE IF NOT EXISTS contact_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            account_id INTEGER NOT NULL,
            phone_number TEXT NOT NULL,
            call_date TEXT NOT NULL,
            is_effective BOOLEAN NOT NULL,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,

		// Конфигурация
		`CREATE TABLE IF NOT EXISTS feature_settings (
            name TEXT PRIMARY KEY,
            is_active BOOLEAN NOT NULL DEFAULT 1,
            parameters TEXT NOT NULL DEFAULT '{}'
        )`,

		// Состояние пайплайна
		`CREATE TABLE IF NOT EXISTS dialer_tasks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            bucket_name TEXT NOT NULL,
            day TEXT NOT NULL,
            vendor TEXT NOT NULL,
            retry_count INTEGER NOT NULL DEFAULT 0,
            error TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            UNIQUE (type, bucket_name, day)
        )`,
		`CREATE TABLE IF NOT EXISTS dialer_task_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            dialer_task_id INTEGER NOT NULL REFERENCES dialer_tasks(id),
            status TEXT NOT NULL,
            data_count INTEGER,
            page INTEGER NOT NULL DEFAULT 0,
            error TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS payload_rows (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            bucket_name TEXT NOT NULL,
            day TEXT NOT NULL,
            account_payment_id INTEGER NOT NULL,
            account_id INTEGER NOT NULL,
            phones TEXT NOT NULL,
            customer_name TEXT NOT NULL DEFAULT '',
            masked_va TEXT NOT NULL DEFAULT '',
            due_date TEXT NOT NULL,
            due_amount INTEGER NOT NULL DEFAULT 0,
            outstanding INTEGER NOT NULL DEFAULT 0,
            dpd INTEGER NOT NULL,
            sort_order INTEGER NOT NULL,
            track TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL,
            UNIQUE (bucket_name, account_payment_id)
        )`,
		`CREATE TABLE IF NOT EXISTS sent_records (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            account_id INTEGER NOT NULL,
            account_payment_id INTEGER NOT NULL,
            phone_number TEXT NOT NULL,
            bucket_name TEXT NOT NULL,
            day TEXT NOT NULL,
            remote_task_id TEXT NOT NULL,
            page INTEGER NOT NULL,
            is_deleted BOOLEAN NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS not_sent_records (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            account_payment_id INTEGER NOT NULL,
            bucket_name TEXT NOT NULL,
            day TEXT NOT NULL,
            reason TEXT NOT NULL,
            created_at DATETIME NOT NULL,
            UNIQUE (bucket_name, day, account_payment_id)
        )`,
		`CREATE TABLE IF NOT EXISTS remote_tasks (
            task_id TEXT PRIMARY KEY,
            dialer_task_id INTEGER NOT NULL,
            bucket_name TEXT NOT NULL,
            day TEXT NOT NULL,
            page INTEGER NOT NULL,
            row_count INTEGER NOT NULL,
            schedule_start DATETIME NOT NULL,
            schedule_end DATETIME NOT NULL,
            created_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS call_results (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            call_id TEXT NOT NULL UNIQUE,
            remote_task_id TEXT NOT NULL,
            task_name TEXT NOT NULL DEFAULT '',
            account_id INTEGER NOT NULL DEFAULT 0,
            callee_number TEXT NOT NULL DEFAULT '',
            start_ts INTEGER NOT NULL,
            connected_ts INTEGER,
            end_ts INTEGER,
            talk_result TEXT NOT NULL DEFAULT '',
            hangup_reason TEXT NOT NULL DEFAULT '',
            agent_id TEXT NOT NULL DEFAULT '',
            agent_name TEXT NOT NULL DEFAULT '',
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS distribution_assignments (
            account_id INTEGER NOT NULL,
            cycle TEXT NOT NULL,
            track TEXT NOT NULL,
            PRIMARY KEY (account_id, cycle)
        )`,
		`CREATE TABLE IF NOT EXISTS jobs (
            id TEXT PRIMARY KEY,
            handler TEXT NOT NULL,
            queue TEXT NOT NULL,
            payload TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            attempt INTEGER NOT NULL DEFAULT 0,
            waits INTEGER NOT NULL DEFAULT 0,
            max_attempts INTEGER NOT NULL DEFAULT 0,
            retry TEXT NOT NULL DEFAULT '',
            chain TEXT NOT NULL DEFAULT '',
            last_error TEXT,
            run_at INTEGER NOT NULL,
            created_at DATETIME NOT NULL,
            processed_at DATETIME
        )`,

		// Индексы
		`CREATE INDEX IF NOT EXISTS idx_account_payments_account ON account_payments(account_id, due_date)`,
		`CREATE INDEX IF NOT EXISTS idx_account_payments_due ON account_payments(due_date)`,
		`CREATE INDEX IF NOT EXISTS idx_ptp_account_payment ON ptp(account_payment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ptp_account ON ptp(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_refinancing_account ON refinancing(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_blacklist_account ON dialer_blacklist(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_contact_attempts_account ON contact_attempts(account_id, call_date)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON dialer_task_events(dialer_task_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_payload_rows_bucket ON payload_rows(bucket_name, day, sort_order)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sent_records_live ON sent_records(account_id, phone_number, bucket_name, day) WHERE is_deleted = 0`,
		`CREATE INDEX IF NOT EXISTS idx_sent_records_bucket ON sent_records(bucket_name, day)`,
		`CREATE INDEX IF NOT EXISTS idx_remote_tasks_day ON remote_tasks(day)`,
		`CREATE INDEX IF NOT EXISTS idx_call_results_task ON call_results(remote_task_id, start_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, queue, run_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// placeholders returns "?,?,?" for n parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// chunks splits ids into slices of at most size elements.
func chunks(ids []int64, size int) [][]int64 {
	var out [][]int64
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

// idSetQuery runs query (which must contain one %s for the IN list and select a single int64)
// over ids in chunks and returns the matched ids as a set. extra args are appended after the ids.
func (db *DB) idSetQuery(ctx context.Context, query string, ids []int64, extra ...interface{}) (map[int64]bool, error) {
	out := make(map[int64]bool)
	for _, chunk := range chunks(ids, inChunk) {
		args := append(int64Args(chunk), extra...)
		rows, err := db.QueryContext(ctx, fmt.Sprintf(query, placeholders(len(chunk))), args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}
