// Package journal keeps an SQLite log of container lifecycle transitions.
// Events are only appended while a container exists; Prune drops a
// container's history. The journal is an audit trail: writes that fail must never
// block or fail a lifecycle operation, so callers log and continue.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type Event struct {
	ID          int64     `json:"id"`
	ContainerID string    `json:"container_id"`
	Event       string    `json:"event"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

type Journal struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	container_id TEXT NOT NULL,
	event        TEXT NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	at           DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_container_id ON events(container_id);
`

// Open opens (creating if needed) the journal database at dbPath.
func Open(dbPath string) (*Journal, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating events table: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) Record(containerID, event, detail string) error {
	_, err := j.db.Exec(
		`INSERT INTO events (container_id, event, detail, at) VALUES (?, ?, ?, ?)`,
		containerID, event, detail, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	return nil
}

// List returns the events for one container in insertion order.
func (j *Journal) List(containerID string) ([]Event, error) {
	rows, err := j.db.Query(
		`SELECT id, container_id, event, detail, at FROM events
		 WHERE container_id = ? ORDER BY id`,
		containerID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ContainerID, &e.Event, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune removes all events for a container. Called from delete so a reused
// ID starts with a clean history.
func (j *Journal) Prune(containerID string) error {
	if _, err := j.db.Exec(`DELETE FROM events WHERE container_id = ?`, containerID); err != nil {
		return fmt.Errorf("pruning events: %w", err)
	}
	return nil
}
