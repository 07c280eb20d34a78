// Package store implements the durable, SQLite-backed state store (spec
// §4.2): put/get/list/delete/popUndelivered/migrate over TaskRecords,
// resume data and the three undelivered-update buffers, all funneled
// through a single dedicated worker goroutine; each call waits for its
// operation to finish on that worker before returning.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fileflow/fileflow/internal/task"
	"github.com/fileflow/fileflow/internal/utils"
)

// cleanUpRateLimit caps how often a RequestCleanUp burst can trigger an
// actual pass (spec §4.2: 5/sec); it is a mechanism detail, not a policy
// knob, so unlike CleanUpConfig's fields it stays a constant.
const cleanUpRateLimit = 200 * time.Millisecond // 5/sec

// CleanUpConfig is the configurable cleanUp policy (spec §4.2):
// terminal records older than MaxRecordAge are purged, and if the total
// record count still exceeds MaxRecordCount the oldest terminal records
// are trimmed until it doesn't. AutoCleanEvery, when positive, runs the
// pass automatically every AutoCleanEvery calls to Put instead of
// relying solely on callers invoking RequestCleanUp.
type CleanUpConfig struct {
	MaxRecordCount int
	MaxRecordAge   time.Duration
	AutoCleanEvery int
}

// DefaultCleanUpConfig returns the engine's out-of-the-box cleanUp
// policy, overridable via ENGINE_MAX_RECORD_COUNT, ENGINE_MAX_RECORD_AGE
// (a Go duration string, e.g. "240h") and ENGINE_AUTO_CLEAN_EVERY, the
// same env-override convention config.GetBaseDir uses for ENGINE_HOME.
func DefaultCleanUpConfig() CleanUpConfig {
	cfg := CleanUpConfig{
		MaxRecordCount: 500,
		MaxRecordAge:   10 * 24 * time.Hour,
		AutoCleanEvery: 100,
	}
	if v := os.Getenv("ENGINE_MAX_RECORD_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRecordCount = n
		}
	}
	if v := os.Getenv("ENGINE_MAX_RECORD_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MaxRecordAge = d
		}
	}
	if v := os.Getenv("ENGINE_AUTO_CLEAN_EVERY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AutoCleanEvery = n
		}
	}
	return cfg
}

// Store serializes all durable writes through a single worker goroutine,
// the "dedicated worker thread" spec §4.2 requires; Put/Delete wait for
// the worker to finish the write before returning.
type Store struct {
	cmds         chan func()
	done         chan struct{}
	cfg          CleanUpConfig
	putCount     int
	lastCleanup  time.Time
	cleanupTimer *time.Timer
}

// Open starts the store's worker against the already-Configure'd
// database, using the default cleanUp policy. Configure must be called
// first (it owns connection/lock lifecycle); Open just starts the
// serializing goroutine on top of it.
func Open() *Store {
	return OpenWithConfig(DefaultCleanUpConfig())
}

// OpenWithConfig is Open with an explicit cleanUp policy, for callers
// that want a non-default MaxRecordCount, MaxRecordAge or
// AutoCleanEvery (e.g. a CLI flag or config file value).
func OpenWithConfig(cfg CleanUpConfig) *Store {
	s := &Store{
		cmds: make(chan func(), 64),
		done: make(chan struct{}),
		cfg:  cfg,
	}
	go s.run()
	return s
}

func (s *Store) run() {
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.done:
			return
		}
	}
}

// Close stops the worker goroutine. The underlying database connection
// is closed separately via CloseDB.
func (s *Store) Close() { close(s.done) }

// exec runs fn on the worker goroutine and waits for it to finish,
// returning its error. Read and write operations both funnel through
// here so they serialize against the cleanup pass.
func (s *Store) exec(fn func() error) error {
	errCh := make(chan error, 1)
	s.cmds <- func() { errCh <- fn() }
	return <-errCh
}

// SchemaVersion is the `(name, n)` version tuple spec §4.2 names for
// `migrate(from,to)`: name identifies the migration series (so distinct
// schema families can version independently) and n is its monotonic
// sequence number.
type SchemaVersion struct {
	Name string
	N    int
}

// Migrate applies the base schema, then records that from (the version
// this store was opened at, read from schema_version, or the zero value
// if absent) has been brought up to to. Configure already applies the
// base schema on open; this is exposed separately so callers can re-run
// migrations explicitly (e.g. after an engine upgrade) without
// reopening the connection, and to move the recorded version forward.
func (s *Store) Migrate(to SchemaVersion) error {
	return s.exec(func() error {
		conn := getDBHelper()
		if conn == nil {
			return fmt.Errorf("store: database not initialized")
		}
		if _, err := conn.Exec(schema); err != nil {
			return err
		}
		_, err := conn.Exec(`
			INSERT INTO schema_version (name, n) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET n=excluded.n
			WHERE excluded.n > schema_version.n
		`, to.Name, to.N)
		return err
	})
}

// CurrentVersion returns the recorded schema version for name, or the
// zero SchemaVersion{Name: name} if no migration has run yet.
func (s *Store) CurrentVersion(name string) (SchemaVersion, error) {
	v := SchemaVersion{Name: name}
	err := s.exec(func() error {
		conn := getDBHelper()
		if conn == nil {
			return fmt.Errorf("store: database not initialized")
		}
		row := conn.QueryRow("SELECT n FROM schema_version WHERE name = ?", name)
		if scanErr := row.Scan(&v.N); scanErr != nil && scanErr != sql.ErrNoRows {
			return scanErr
		}
		return nil
	})
	return v, err
}

// Put durably upserts a TaskRecord, refreshing its child chunk rows (for
// a ParallelDownloadTask) by delete-then-reinsert, mirroring the
// teacher's downloads/tasks upsert-then-refresh pattern in
// internal/engine/state/state.go.
func (s *Store) Put(rec task.TaskRecord, children []task.Chunk) error {
	return s.exec(func() error {
		if err := s.putLocked(rec, children); err != nil {
			return err
		}
		s.putCount++
		if s.cfg.AutoCleanEvery > 0 && s.putCount%s.cfg.AutoCleanEvery == 0 {
			s.doCleanUp()
			s.lastCleanup = time.Now()
		}
		return nil
	})
}

// putLocked performs the actual upsert; split out of Put so the
// auto-clean trigger above can count every successful write without
// duplicating the SQL.
func (s *Store) putLocked(rec task.TaskRecord, children []task.Chunk) error {
	taskJSON, err := json.Marshal(rec.Task)
	if err != nil {
		return err
	}
	var exceptionJSON []byte
	if rec.Exception != nil {
		exceptionJSON, err = json.Marshal(rec.Exception)
		if err != nil {
			return err
		}
	}

	return withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO task_records (
				task_id, task_json, status, progress, expected_file_size,
				exception_json, group_name, priority, creation_time, updated_at,
				retries_remaining
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				task_json=excluded.task_json,
				status=excluded.status,
				progress=excluded.progress,
				expected_file_size=excluded.expected_file_size,
				exception_json=excluded.exception_json,
				group_name=excluded.group_name,
				priority=excluded.priority,
				updated_at=excluded.updated_at,
				retries_remaining=excluded.retries_remaining
		`,
			rec.Task.TaskID, string(taskJSON), string(rec.Status), rec.Progress, rec.ExpectedFileSize,
			nullableString(exceptionJSON), rec.Task.Group, int(rec.Task.Priority), rec.Task.CreationTime.UnixNano(), time.Now().UnixNano(),
			rec.RetriesRemaining)
		if err != nil {
			return fmt.Errorf("upsert task record: %w", err)
		}

		if _, err := tx.Exec("DELETE FROM chunks WHERE parent_task_id = ?", rec.Task.TaskID); err != nil {
			return fmt.Errorf("delete old chunks: %w", err)
		}
		if len(children) > 0 {
			stmt, err := tx.Prepare("INSERT INTO chunks (parent_task_id, seq, from_byte, to_byte, child_json) VALUES (?, ?, ?, ?, ?)")
			if err != nil {
				return err
			}
			defer stmt.Close()
			for i, c := range children {
				childJSON, err := json.Marshal(c.Child)
				if err != nil {
					return err
				}
				if _, err := stmt.Exec(rec.Task.TaskID, i, c.From, c.To, string(childJSON)); err != nil {
					return fmt.Errorf("insert chunk: %w", err)
				}
			}
		}
		return nil
	})
}

func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// Get returns the TaskRecord for id, or ok=false if it does not exist.
func (s *Store) Get(id string) (rec task.TaskRecord, ok bool, err error) {
	err = s.exec(func() error {
		conn := getDBHelper()
		if conn == nil {
			return fmt.Errorf("store: database not initialized")
		}
		var taskJSON, exceptionJSON sql.NullString
		row := conn.QueryRow(`
			SELECT task_json, status, progress, expected_file_size, exception_json, retries_remaining
			FROM task_records WHERE task_id = ?`, id)
		if scanErr := row.Scan(&taskJSON, &rec.Status, &rec.Progress, &rec.ExpectedFileSize, &exceptionJSON, &rec.RetriesRemaining); scanErr != nil {
			if scanErr == sql.ErrNoRows {
				return nil
			}
			return scanErr
		}
		ok = true
		if taskJSON.Valid {
			if jerr := json.Unmarshal([]byte(taskJSON.String), &rec.Task); jerr != nil {
				return jerr
			}
		}
		if exceptionJSON.Valid {
			var e task.Exception
			if jerr := json.Unmarshal([]byte(exceptionJSON.String), &e); jerr != nil {
				return jerr
			}
			rec.Exception = &e
		}
		return nil
	})
	return rec, ok, err
}

// List returns every TaskRecord, optionally filtered to a single group
// (pass "" for all groups), ordered by ascending priority then ascending
// creation time, matching the holding queue's release ordering (spec
// §4.3).
func (s *Store) List(group string) ([]task.TaskRecord, error) {
	var out []task.TaskRecord
	err := s.exec(func() error {
		conn := getDBHelper()
		if conn == nil {
			return fmt.Errorf("store: database not initialized")
		}
		query := `SELECT task_json, status, progress, expected_file_size, exception_json, retries_remaining FROM task_records`
		args := []interface{}{}
		if group != "" {
			query += " WHERE group_name = ?"
			args = append(args, group)
		}
		query += " ORDER BY priority ASC, creation_time ASC"

		rows, err := conn.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var rec task.TaskRecord
			var taskJSON, exceptionJSON sql.NullString
			if err := rows.Scan(&taskJSON, &rec.Status, &rec.Progress, &rec.ExpectedFileSize, &exceptionJSON, &rec.RetriesRemaining); err != nil {
				return err
			}
			if taskJSON.Valid {
				if err := json.Unmarshal([]byte(taskJSON.String), &rec.Task); err != nil {
					return err
				}
			}
			if exceptionJSON.Valid {
				var e task.Exception
				if err := json.Unmarshal([]byte(exceptionJSON.String), &e); err != nil {
					return err
				}
				rec.Exception = &e
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

// Delete removes a TaskRecord, its chunks, resume data and paused-task
// marker.
func (s *Store) Delete(id string) error {
	return s.exec(func() error {
		return withTx(func(tx *sql.Tx) error {
			for _, stmt := range []string{
				"DELETE FROM task_records WHERE task_id = ?",
				"DELETE FROM chunks WHERE parent_task_id = ?",
				"DELETE FROM resume_data WHERE task_id = ?",
				"DELETE FROM paused_tasks WHERE task_id = ?",
			} {
				if _, err := tx.Exec(stmt, id); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// Children returns the chunk tasks belonging to a ParallelDownloadTask,
// ordered by From ascending, used to rebuild the in-memory plan on
// resume.
func (s *Store) Children(parentID string) ([]task.Chunk, error) {
	var out []task.Chunk
	err := s.exec(func() error {
		conn := getDBHelper()
		if conn == nil {
			return fmt.Errorf("store: database not initialized")
		}
		rows, err := conn.Query("SELECT from_byte, to_byte, child_json FROM chunks WHERE parent_task_id = ? ORDER BY from_byte ASC", parentID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c task.Chunk
			var childJSON string
			if err := rows.Scan(&c.From, &c.To, &childJSON); err != nil {
				return err
			}
			if err := json.Unmarshal([]byte(childJSON), &c.Child); err != nil {
				return err
			}
			c.ParentTaskID = parentID
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}

// SaveResumeData persists a ResumeData row, upserting on TaskID.
func (s *Store) SaveResumeData(rd task.ResumeData) error {
	return s.exec(func() error {
		conn := getDBHelper()
		if conn == nil {
			return fmt.Errorf("store: database not initialized")
		}
		_, err := conn.Exec(`
			INSERT INTO resume_data (task_id, data, required_start_byte, etag) VALUES (?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET data=excluded.data, required_start_byte=excluded.required_start_byte, etag=excluded.etag
		`, rd.TaskID, rd.Data, rd.RequiredStartByte, rd.ETag)
		return err
	})
}

// LoadResumeData returns the ResumeData for id, or ok=false if absent.
func (s *Store) LoadResumeData(id string) (rd task.ResumeData, ok bool, err error) {
	err = s.exec(func() error {
		conn := getDBHelper()
		if conn == nil {
			return fmt.Errorf("store: database not initialized")
		}
		row := conn.QueryRow("SELECT task_id, data, required_start_byte, etag FROM resume_data WHERE task_id = ?", id)
		if scanErr := row.Scan(&rd.TaskID, &rd.Data, &rd.RequiredStartByte, &rd.ETag); scanErr != nil {
			if scanErr == sql.ErrNoRows {
				return nil
			}
			return scanErr
		}
		ok = true
		return nil
	})
	return rd, ok, err
}

// MarkPaused / ClearPaused track the pausedTasks set persisted alongside
// task records (spec §6 persisted-state-layout).
func (s *Store) MarkPaused(id string) error {
	return s.exec(func() error {
		conn := getDBHelper()
		_, err := conn.Exec("INSERT OR REPLACE INTO paused_tasks (task_id, paused_at) VALUES (?, ?)", id, time.Now().Unix())
		return err
	})
}

func (s *Store) ClearPaused(id string) error {
	return s.exec(func() error {
		conn := getDBHelper()
		_, err := conn.Exec("DELETE FROM paused_tasks WHERE task_id = ?", id)
		return err
	})
}

// PushUndelivered buffers an update payload of the given kind
// ("status", "progress", or "error") so it can be redelivered once a
// listener subscribes (spec §4.8 undelivered buffering).
func (s *Store) PushUndelivered(kind string, payload []byte) error {
	return s.exec(func() error {
		conn := getDBHelper()
		_, err := conn.Exec("INSERT INTO undelivered_updates (kind, payload, queued_at) VALUES (?, ?, ?)", kind, string(payload), time.Now().UnixNano())
		return err
	})
}

// PopUndelivered returns and clears every buffered update of the given
// kind, in enqueue order.
func (s *Store) PopUndelivered(kind string) ([][]byte, error) {
	var out [][]byte
	err := s.exec(func() error {
		conn := getDBHelper()
		return withTx(func(tx *sql.Tx) error {
			rows, err := tx.Query("SELECT id, payload FROM undelivered_updates WHERE kind = ? ORDER BY id ASC", kind)
			if err != nil {
				return err
			}
			var ids []int64
			for rows.Next() {
				var id int64
				var payload string
				if err := rows.Scan(&id, &payload); err != nil {
					rows.Close()
					return err
				}
				ids = append(ids, id)
				out = append(out, []byte(payload))
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}
			for _, id := range ids {
				if _, err := tx.Exec("DELETE FROM undelivered_updates WHERE id = ?", id); err != nil {
					return err
				}
			}
			_ = conn
			return nil
		})
	})
	return out, err
}

// RequestCleanUp triggers the cleanUp policy on the worker goroutine:
// rate-limited to 5/sec, coalesced so a burst of requests arriving
// within the rate-limit window results in one run now plus at most one
// trailing rerun after the window closes (spec §4.2). Blocks until the
// decision (run now / schedule trailing rerun / drop) has been made, but
// not until any trailing rerun fires.
func (s *Store) RequestCleanUp() {
	s.exec(func() error {
		if time.Since(s.lastCleanup) >= cleanUpRateLimit {
			s.doCleanUp()
			s.lastCleanup = time.Now()
			return nil
		}
		if s.cleanupTimer != nil {
			return nil // a trailing rerun is already scheduled
		}
		wait := cleanUpRateLimit - time.Since(s.lastCleanup)
		s.cleanupTimer = time.AfterFunc(wait, func() {
			s.exec(func() error {
				s.doCleanUp()
				s.lastCleanup = time.Now()
				s.cleanupTimer = nil
				return nil
			})
		})
		return nil
	})
}

// doCleanUp enforces s.cfg's MaxRecordCount and MaxRecordAge against
// terminal records only; active/paused tasks are never purged. Callers
// must already be on the worker goroutine (inside an s.exec/Put
// closure), since it talks to the database directly.
func (s *Store) doCleanUp() {
	conn := getDBHelper()
	if conn == nil {
		return
	}

	cutoff := time.Now().Add(-s.cfg.MaxRecordAge).UnixNano()
	if _, err := conn.Exec(`
		DELETE FROM task_records
		WHERE status IN ('complete','failed','canceled','notFound') AND updated_at < ?
	`, cutoff); err != nil {
		utils.Debug("store: cleanup age pass failed: %v", err)
	}

	var count int
	if err := conn.QueryRow("SELECT COUNT(*) FROM task_records").Scan(&count); err != nil {
		utils.Debug("store: cleanup count query failed: %v", err)
		return
	}
	if count <= s.cfg.MaxRecordCount {
		return
	}
	overflow := count - s.cfg.MaxRecordCount
	if _, err := conn.Exec(`
		DELETE FROM task_records WHERE task_id IN (
			SELECT task_id FROM task_records
			WHERE status IN ('complete','failed','canceled','notFound')
			ORDER BY updated_at ASC LIMIT ?
		)
	`, overflow); err != nil {
		utils.Debug("store: cleanup overflow pass failed: %v", err)
	}
}
