// Package audit persists process lifecycle events (start/stop/restart) to
// a local SQLite database, so Sink.History can answer "what happened and
// when" for a process after the fact.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// EventType identifies the kind of lifecycle transition recorded.
type EventType string

const (
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventRestart EventType = "restart"
	EventErrored EventType = "errored"
)

// Event is one audited lifecycle transition.
type Event struct {
	OccurredAt time.Time
	Name       string
	PID        int
	Type       EventType
	State      string
	Err        string
}

// Sink records Events to a SQLite database file.
type Sink struct {
	db *sql.DB
}

// Open creates or attaches to the audit database at path. DSN forms:
// "/path/to/audit.db", ":memory:", or "sqlite:///path/to/audit.db".
func Open(path string) (*Sink, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("empty audit database path")
	}
	path = strings.TrimPrefix(path, "sqlite://")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	const stmt = `CREATE TABLE IF NOT EXISTS process_events(
		occurred_at TIMESTAMP NOT NULL,
		name        TEXT NOT NULL,
		pid         INTEGER NOT NULL,
		event_type  TEXT NOT NULL,
		state       TEXT NOT NULL,
		error       TEXT
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

// Record inserts one event.
func (s *Sink) Record(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_events(occurred_at, name, pid, event_type, state, error)
		VALUES(?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), e.Name, e.PID, string(e.Type), e.State, nullableString(e.Err))
	return err
}

// History returns the most recent n events for name, newest first.
func (s *Sink) History(ctx context.Context, name string, n int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, name, pid, event_type, state, IFNULL(error, '')
		FROM process_events WHERE name = ?
		ORDER BY occurred_at DESC LIMIT ?;`, name, n)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var eventType string
		if err := rows.Scan(&e.OccurredAt, &e.Name, &e.PID, &eventType, &e.State, &e.Err); err != nil {
			return nil, err
		}
		e.Type = EventType(eventType)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the underlying database handle.
func (s *Sink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
