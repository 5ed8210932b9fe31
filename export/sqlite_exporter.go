package export

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mori-go/mori/events"
)

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse("2006-01-02T15:04:05.999999999Z07:00", s)
}

// SQLiteEventsExporter is a durable EventsExporter: every emitted event is
// appended to a SQLite table for offline replay, the alternative to the
// JSON sink when a run needs to survive the process exiting. Not present
// in the original (which only ever shells out to a dynamic library or a
// flat file); added because the Go ecosystem's idiomatic "durable local
// sink" is a SQL database, not a bespoke binary format.
type SQLiteEventsExporter struct {
	db *sql.DB
}

// NewSQLiteEventsExporter opens (creating if absent) a SQLite database at
// path and ensures its events table exists.
func NewSQLiteEventsExporter(path string) (*SQLiteEventsExporter, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	const schema = `
CREATE TABLE IF NOT EXISTS memory_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	iteration INTEGER NOT NULL,
	operator TEXT NOT NULL,
	tensor TEXT NOT NULL,
	size INTEGER NOT NULL,
	type TEXT NOT NULL,
	stage TEXT NOT NULL,
	timestamp TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("export: create events table: %w", err)
	}
	return &SQLiteEventsExporter{db: db}, nil
}

// OnEvent inserts ev as a new row.
func (e *SQLiteEventsExporter) OnEvent(ev events.MemoryEvent) error {
	const insert = `INSERT INTO memory_events (iteration, operator, tensor, size, type, stage, timestamp)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := e.db.Exec(insert, ev.Iteration, ev.Operator, ev.Tensor, ev.Size, ev.Type.String(), ev.Stage.String(), ev.Timestamp.Format("2006-01-02T15:04:05.999999999Z07:00"))
	return err
}

// Events returns every row recorded for iteration, for offline replay or
// the HTTP introspection server's backing store.
func (e *SQLiteEventsExporter) Events(iteration int) ([]EventRecord, error) {
	rows, err := e.db.Query(`SELECT iteration, operator, tensor, size, type, stage, timestamp FROM memory_events WHERE iteration = ? ORDER BY id`, iteration)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var r EventRecord
		var ts string
		if err := rows.Scan(&r.Iteration, &r.Operator, &r.Tensor, &r.Size, &r.Type, &r.Stage, &ts); err != nil {
			return nil, err
		}
		r.Timestamp, _ = parseTimestamp(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (e *SQLiteEventsExporter) Close() error { return e.db.Close() }
