// Package journal records session lifecycle and activity events in a
// SQLite database. The journal is best effort: writes that fail are
// logged and dropped, never surfaced to the session path.
package journal

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tchow/ptydeck/internal/logging"
)

var jLog = logging.ForComponent(logging.CompJournal)

// SchemaVersion tracks the current schema. Bump when adding migrations.
const SchemaVersion = 1

// Event is one journal row.
type Event struct {
	ID        int64
	At        time.Time
	Event     string
	SessionID string
	Detail    string
}

// Journal wraps the SQLite database. Thread-safe for concurrent use within
// one process; WAL mode plus busy timeout makes cross-process access safe.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at dbPath.
func Open(dbPath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: wal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: busy timeout: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Close checkpoints WAL and closes the database.
func (j *Journal) Close() error {
	_, _ = j.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return j.db.Close()
}

func (j *Journal) migrate() error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("journal: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("journal: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			at         INTEGER NOT NULL,
			event      TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT ''
		)
	`); err != nil {
		return fmt.Errorf("journal: create events: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_events_session ON events (session_id, at)
	`); err != nil {
		return fmt.Errorf("journal: create index: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("journal: set schema version: %w", err)
	}

	return tx.Commit()
}

// Record appends one event. Failures are logged and swallowed; the journal
// never blocks or fails the caller.
func (j *Journal) Record(event, sessionID, detail string) {
	_, err := j.db.Exec(
		"INSERT INTO events (at, event, session_id, detail) VALUES (?, ?, ?, ?)",
		time.Now().Unix(), event, sessionID, detail,
	)
	if err != nil {
		jLog.Warn("journal_write_failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// RecentEvents returns the most recent limit events, newest first.
func (j *Journal) RecentEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.Query(`
		SELECT id, at, event, session_id, detail
		FROM events ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var at int64
		if err := rows.Scan(&e.ID, &at, &e.Event, &e.SessionID, &e.Detail); err != nil {
			return nil, err
		}
		e.At = time.Unix(at, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SessionEvents returns events for one session in chronological order.
func (j *Journal) SessionEvents(sessionID string) ([]Event, error) {
	rows, err := j.db.Query(`
		SELECT id, at, event, session_id, detail
		FROM events WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var at int64
		if err := rows.Scan(&e.ID, &at, &e.Event, &e.SessionID, &e.Detail); err != nil {
			return nil, err
		}
		e.At = time.Unix(at, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune removes events older than the retention window.
func (j *Journal) Prune(olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan).Unix()
	_, err := j.db.Exec("DELETE FROM events WHERE at < ?", cutoff)
	return err
}
