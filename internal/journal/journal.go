// Package journal keeps an append-only SQLite record of the events observed
// by the winwatch agent. The monitors themselves retain only their most recent
// event; the journal is where history lives when the operator asks for it.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that the status
// server can read recent entries while monitor goroutines append new ones.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Entry is one journalled event. ID is assigned by Record and ignored on
// input. Host is set by the Postgres forwarder; the local journal leaves it
// empty.
type Entry struct {
	ID        int64          `json:"id"`
	Host      string         `json:"host,omitempty"`
	Monitor   string         `json:"monitor"`
	Kind      string         `json:"kind"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Journal is a WAL-mode SQLite event log. It is safe for concurrent use.
type Journal struct {
	db    *sql.DB
	count atomic.Int64
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}

	// One writer at a time; every Record serialises through this connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}

	j := &Journal{db: db}

	var n int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: count rows: %w", err)
	}
	j.count.Store(n)

	return j, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    monitor     TEXT    NOT NULL,
    kind        TEXT    NOT NULL,
    event_type  TEXT    NOT NULL,
    ts          TEXT    NOT NULL,
    detail      TEXT    NOT NULL DEFAULT '{}',
    recorded_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_events_monitor
    ON events (monitor, id);
`

// Record appends e and returns its assigned ID.
func (j *Journal) Record(ctx context.Context, e Entry) (int64, error) {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return 0, fmt.Errorf("journal: marshal detail: %w", err)
	}
	if e.Detail == nil {
		detail = []byte("{}")
	}

	res, err := j.db.ExecContext(ctx,
		`INSERT INTO events (monitor, kind, event_type, ts, detail)
		 VALUES (?, ?, ?, ?, ?)`,
		e.Monitor,
		e.Kind,
		e.EventType,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(detail),
	)
	if err != nil {
		return 0, fmt.Errorf("journal: record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("journal: last insert id: %w", err)
	}

	j.count.Add(1)
	return id, nil
}

// Recent returns up to n entries, newest first. An empty monitor selects
// entries of every monitor. If n <= 0, Recent returns nil without querying.
func (j *Journal) Recent(ctx context.Context, monitor string, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, monitor, kind, event_type, ts, detail
		 FROM   events
		 WHERE  ? = '' OR monitor = ?
		 ORDER  BY id DESC
		 LIMIT  ?`, monitor, monitor, n)
	if err != nil {
		return nil, fmt.Errorf("journal: recent query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			tsStr     string
			detailStr string
		)
		if err := rows.Scan(&e.ID, &e.Monitor, &e.Kind, &e.EventType, &tsStr, &detailStr); err != nil {
			return nil, fmt.Errorf("journal: recent scan: %w", err)
		}

		e.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			e.Timestamp, _ = time.Parse(time.RFC3339, tsStr)
		}
		// A malformed detail produces a nil map rather than failing the read.
		if err := json.Unmarshal([]byte(detailStr), &e.Detail); err != nil {
			e.Detail = nil
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: recent rows: %w", err)
	}
	return entries, nil
}

// Prune deletes all but the newest keep entries and returns how many rows
// were removed.
func (j *Journal) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM events
		 WHERE id NOT IN (SELECT id FROM events ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	j.count.Add(-n)
	return n, nil
}

// Count returns the number of stored entries without touching the database.
func (j *Journal) Count() int {
	return int(j.count.Load())
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}
