// Package journal keeps a local SQLite log of lifecycle events (installs,
// updates, service starts and stops) so the status command can answer
// "what happened here" after the fact.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Event kinds recorded by the lifecycle commands.
const (
	KindInstallStarted   = "install.started"
	KindInstallCompleted = "install.completed"
	KindInstallFailed    = "install.failed"
	KindUpdateStarted    = "update.started"
	KindUpdateCompleted  = "update.completed"
	KindUpdateFailed     = "update.failed"
	KindServicesStarted  = "services.started"
	KindServicesStopped  = "services.stopped"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id     INTEGER PRIMARY KEY AUTOINCREMENT,
    at     INTEGER NOT NULL,
    kind   TEXT    NOT NULL,
    detail TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, id);
`

// Event is one recorded lifecycle fact.
type Event struct {
	ID     int64     `json:"id"`
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at path. An empty path keeps
// it in memory, which tests use.
func Open(path string) (*Journal, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	// SQLite behaves best as a single-writer local file.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Record appends an event with the current time.
func (j *Journal) Record(ctx context.Context, kind, detail string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (at, kind, detail) VALUES (?, ?, ?)`,
		time.Now().Unix(), kind, detail)
	if err != nil {
		return fmt.Errorf("record %s event: %w", kind, err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, at, kind, detail FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// LastOfKind returns the most recent event of the given kind, if any.
func (j *Journal) LastOfKind(ctx context.Context, kind string) (Event, bool, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT id, at, kind, detail FROM events WHERE kind = ? ORDER BY id DESC LIMIT 1`, kind)
	var ev Event
	var at int64
	if err := row.Scan(&ev.ID, &at, &ev.Kind, &ev.Detail); err != nil {
		if err == sql.ErrNoRows {
			return Event{}, false, nil
		}
		return Event{}, false, fmt.Errorf("query journal: %w", err)
	}
	ev.At = time.Unix(at, 0)
	return ev, true, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var ev Event
		var at int64
		if err := rows.Scan(&ev.ID, &at, &ev.Kind, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		ev.At = time.Unix(at, 0)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal rows: %w", err)
	}
	return events, nil
}
