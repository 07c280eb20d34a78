package store

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

var (
	dbMu   sync.Mutex
	db     *sql.DB
	dbLock *flock.Flock
)

const schema = `
CREATE TABLE IF NOT EXISTS task_records (
	task_id            TEXT PRIMARY KEY,
	task_json          TEXT NOT NULL,
	status             TEXT NOT NULL,
	progress           REAL NOT NULL DEFAULT -1,
	expected_file_size INTEGER NOT NULL DEFAULT -1,
	exception_json     TEXT,
	group_name         TEXT NOT NULL DEFAULT '',
	priority           INTEGER NOT NULL DEFAULT 5,
	creation_time      INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL,
	retries_remaining  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_task_records_group ON task_records(group_name);
CREATE INDEX IF NOT EXISTS idx_task_records_updated ON task_records(updated_at);

CREATE TABLE IF NOT EXISTS chunks (
	parent_task_id TEXT NOT NULL,
	seq            INTEGER NOT NULL,
	from_byte      INTEGER NOT NULL,
	to_byte        INTEGER NOT NULL,
	child_json     TEXT NOT NULL,
	PRIMARY KEY (parent_task_id, seq)
);

CREATE TABLE IF NOT EXISTS paused_tasks (
	task_id TEXT PRIMARY KEY,
	paused_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS resume_data (
	task_id             TEXT PRIMARY KEY,
	data                TEXT NOT NULL,
	required_start_byte INTEGER NOT NULL,
	etag                TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS undelivered_updates (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	kind      TEXT NOT NULL,
	payload   TEXT NOT NULL,
	queued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_undelivered_kind ON undelivered_updates(kind);

CREATE TABLE IF NOT EXISTS schema_version (
	name TEXT PRIMARY KEY,
	n    INTEGER NOT NULL
);
`

// Configure opens (creating if necessary) the SQLite database at path and
// applies the schema. It acquires an advisory file lock alongside the db
// file first, adapted from the teacher's single-instance cmd/lock.go
// guard, so two engine processes never open the same store concurrently.
func Configure(path string) error {
	dbMu.Lock()
	defer dbMu.Unlock()

	if db != nil {
		return nil
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("store: acquiring lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("store: database %s is in use by another process", path)
	}
	dbLock = lock

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		lock.Unlock()
		dbLock = nil
		return fmt.Errorf("store: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1) // single-writer: the store's own dedicated worker serializes access

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		lock.Unlock()
		dbLock = nil
		return fmt.Errorf("store: enabling foreign keys: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		lock.Unlock()
		dbLock = nil
		return fmt.Errorf("store: applying schema: %w", err)
	}

	db = conn
	return nil
}

// CloseDB closes the database connection and releases the advisory lock.
func CloseDB() error {
	dbMu.Lock()
	defer dbMu.Unlock()

	var err error
	if db != nil {
		err = db.Close()
		db = nil
	}
	if dbLock != nil {
		dbLock.Unlock()
		dbLock = nil
	}
	return err
}

func getDBHelper() *sql.DB {
	dbMu.Lock()
	defer dbMu.Unlock()
	return db
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error, including a panic recovered and re-raised after
// rollback.
func withTx(fn func(tx *sql.Tx) error) error {
	conn := getDBHelper()
	if conn == nil {
		return fmt.Errorf("store: database not initialized")
	}

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
