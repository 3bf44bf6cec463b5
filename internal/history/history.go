// Package history implements an optional SQLite-backed append log of
// instance lifecycle events, for operator inspection. It is a
// supplemental convenience, not part of the authoritative state: no
// invariant or testable property in the core depends on it existing or
// being consistent with the JSON state document.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// EventType is the kind of lifecycle transition recorded.
type EventType string

const (
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventRestart EventType = "restart"
	EventMonitor EventType = "monitor"
	EventReap    EventType = "reap"
)

// Event is one recorded lifecycle transition.
type Event struct {
	Type       EventType
	OccurredAt time.Time
	Instance   string
	PID        int
	Template   string
	Detail     string
}

// Sink appends Events to a SQLite database. The zero value is not
// usable; construct with Open.
type Sink struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and
// ensures the instance_history table exists.
func Open(path string) (*Sink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS instance_history(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		occurred_at TIMESTAMP NOT NULL,
		event TEXT NOT NULL,
		instance TEXT NOT NULL,
		pid INTEGER NOT NULL,
		template TEXT NOT NULL,
		detail TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create instance_history schema: %w", err)
	}
	return nil
}

// Record appends e. Failures are the caller's to decide whether to
// log-and-ignore; the history sink is never authoritative.
func (s *Sink) Record(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instance_history(occurred_at, event, instance, pid, template, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		e.OccurredAt, string(e.Type), e.Instance, e.PID, e.Template, e.Detail)
	if err != nil {
		return fmt.Errorf("record history event: %w", err)
	}
	return nil
}

// Count returns the total number of recorded events, for callers that
// want to confirm the sink is actually receiving writes.
func (s *Sink) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instance_history`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count history events: %w", err)
	}
	return n, nil
}

// Close releases the underlying database handle.
func (s *Sink) Close() error {
	return s.db.Close()
}
