package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	// registers the "sqlite" driver
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	step        INTEGER NOT NULL,
	kind        TEXT    NOT NULL,
	value       REAL    NOT NULL,
	recorded_at INTEGER NOT NULL
)`

// Store is the SQLite mirror of the text log.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the event database at path.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating events table in %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Insert records one event.
func (s *Store) Insert(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (step, kind, value, recorded_at) VALUES (?, ?, ?, ?)`,
		e.Step, e.Kind, e.Value, e.RecordedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("recording %s event: %w", e.Kind, err)
	}
	return nil
}

// Tail returns the last n events in the order they were recorded. An empty
// kind matches every kind.
func (s *Store) Tail(ctx context.Context, n int, kind string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step, kind, value, recorded_at FROM events
		WHERE ? = '' OR kind = ?
		ORDER BY id DESC LIMIT ?`, kind, kind, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var e Event
		var at int64
		if err := rows.Scan(&e.Step, &e.Kind, &e.Value, &at); err != nil {
			return nil, err
		}
		e.RecordedAt = time.Unix(0, at)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(events)
	return events, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
