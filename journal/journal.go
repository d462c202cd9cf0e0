// Package journal keeps an append-only sqlite log of task state transitions.
// The registry itself stays in memory; the journal only outlives it.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS task_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	state TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_events_task_id ON task_events(task_id);
`

const defaultLimit = 100

type Event struct {
	ID      int64     `json:"id"`
	TaskID  string    `json:"taskId"`
	State   string    `json:"state"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the journal database at path. Use ":memory:" for a
// throwaway journal.
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Journal{db: db, now: time.Now}, nil
}

func (j *Journal) Init(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, createEventsTable); err != nil {
		return fmt.Errorf("create task_events table: %w", err)
	}
	return nil
}

// Record appends one transition. It satisfies task.Recorder.
func (j *Journal) Record(ctx context.Context, taskID, state, message string) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO task_events (task_id, state, message, at)
VALUES (?, ?, ?, ?)`,
		taskID,
		state,
		message,
		j.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Recent returns the newest events first. A non-positive limit means 100.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	return j.query(ctx, `
SELECT id, task_id, state, message, at
FROM task_events
ORDER BY id DESC
LIMIT ?`, limit)
}

// ForTask returns the events of one task in the order they happened.
func (j *Journal) ForTask(ctx context.Context, taskID string) ([]Event, error) {
	return j.query(ctx, `
SELECT id, task_id, state, message, at
FROM task_events
WHERE task_id=?
ORDER BY id ASC`, taskID)
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			ev Event
			at int64
		)
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.State, &ev.Message, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.At = time.UnixMilli(at)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}
