// Package runlog records training events: an append-only text file with one
// line per event, mirrored into a SQLite table that can be queried while the
// run is going.
package runlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Event kinds.
const (
	KindVal   = "val"
	KindHella = "hella"
	KindTrain = "train"
)

const (
	// LogFile is the name of the text log inside the log directory.
	LogFile = "log.txt"
	// StoreFile is the name of the event database inside the log directory.
	StoreFile = "events.db"
)

// Event is one recorded measurement.
type Event struct {
	Step       int
	Kind       string
	Value      float64
	RecordedAt time.Time
}

// Line formats the event the way the text log stores it.
func (e Event) Line() string {
	if e.Kind == KindTrain {
		return fmt.Sprintf("%d %s %.6f\n", e.Step, e.Kind, e.Value)
	}
	return fmt.Sprintf("%d %s %.4f\n", e.Step, e.Kind, e.Value)
}

// Log writes events to the text log and the store.
type Log struct {
	file  *os.File
	store *Store
	now   func() time.Time
}

// Open opens the log of dir for appending, creating dir and both files as
// needed.
func Open(ctx context.Context, dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, LogFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(ctx, filepath.Join(dir, StoreFile))
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Log{file: f, store: store, now: time.Now}, nil
}

// Record appends one event.
func (l *Log) Record(ctx context.Context, step int, kind string, value float64) error {
	e := Event{Step: step, Kind: kind, Value: value, RecordedAt: l.now()}
	if _, err := l.file.WriteString(e.Line()); err != nil {
		return fmt.Errorf("writing log: %w", err)
	}
	return l.store.Insert(ctx, e)
}

// Close closes both files.
func (l *Log) Close() error {
	return errors.Join(l.file.Close(), l.store.Close())
}
