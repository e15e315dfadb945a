// Package storage is the keyed document store shared by the pool and
// validator daemons. Each daemon opens its own SQLite database; the pool
// uses the task, batch, score, and ledger tables, the validator uses the
// received-batch, processed-batch, and verdict-report tables plus the same
// score and ledger tables for its own accounts.
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema
// migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    retrieve_id TEXT NOT NULL,
    prompt TEXT NOT NULL,
    negative_prompt TEXT NOT NULL,
    width INTEGER NOT NULL,
    height INTEGER NOT NULL,
    seed TEXT NOT NULL,
    wallet TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    priority TEXT NOT NULL,
    message_type TEXT NOT NULL,
    val_id TEXT NOT NULL DEFAULT '',
    time INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_wallet_status ON tasks(wallet, status);
CREATE INDEX IF NOT EXISTS idx_tasks_status_time ON tasks(status, time);

CREATE TABLE IF NOT EXISTS validation_batches (
    val_id TEXT PRIMARY KEY,
    condition TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    validators TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS batch_slots (
    val_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    task_id TEXT NOT NULL,
    output BLOB,
    PRIMARY KEY (val_id, position)
);

CREATE TABLE IF NOT EXISTS batch_history (
    val_id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS participant_scores (
    wallet TEXT PRIMARY KEY,
    tp INTEGER NOT NULL,
    np INTEGER NOT NULL,
    score INTEGER NOT NULL,
    balance TEXT NOT NULL,
    last_active INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    wallet TEXT NOT NULL,
    amount TEXT NOT NULL,
    reason TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_wallet ON ledger_entries(wallet, created_at);

CREATE TABLE IF NOT EXISTS received_batches (
    val_id TEXT PRIMARY KEY,
    pool_wallet TEXT NOT NULL,
    pool_ip TEXT NOT NULL,
    pool_port INTEGER NOT NULL,
    payload BLOB NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_batches (
    val_id TEXT PRIMARY KEY,
    pool_wallet TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS verdict_reports (
    val_id TEXT PRIMARY KEY,
    pool_ip TEXT NOT NULL,
    pool_port INTEGER NOT NULL,
    payload BLOB NOT NULL,
    created_at INTEGER NOT NULL
);
`
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}
