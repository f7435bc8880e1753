package trace

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("deopt.trace")

// ErrNotFound is returned by Get for unknown event IDs.
var ErrNotFound = errors.New("trace event not found")

// Store is a SQLite-backed event journal.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the journal at path. ":memory:" gives a private
// in-memory journal.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", path, err)
	}
	// One connection keeps ":memory:" databases shared by all queries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace: set busy timeout: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS events (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		time       INTEGER NOT NULL,
		code       TEXT NOT NULL,
		data       BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("trace: create table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append adds e to the journal.
func (s *Store) Append(e *Event) error {
	data, err := Marshal(e)
	if err != nil {
		return fmt.Errorf("trace: marshal %s: %w", e.ID, err)
	}
	_, err = s.db.Exec(
		"INSERT INTO events (id, time, code, data) VALUES (?, ?, ?, ?)",
		e.ID.String(), e.Time, e.Code, data,
	)
	if err != nil {
		return fmt.Errorf("trace: append %s: %w", e.ID, err)
	}
	log.Debugf("journaled %v", e)
	return nil
}

// Get returns the event with the given record ID.
func (s *Store) Get(id uuid.UUID) (*Event, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM events WHERE id = ?", id.String()).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("trace: %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("trace: get %s: %w", id, err)
	}
	return Unmarshal(data)
}

// List returns every event in append order.
func (s *Store) List() ([]*Event, error) {
	return s.query("SELECT data FROM events ORDER BY seq")
}

// ListByCode returns the events of one compiled method in append order.
func (s *Store) ListByCode(code string) ([]*Event, error) {
	return s.query("SELECT data FROM events WHERE code = ? ORDER BY seq", code)
}

// Count returns the number of journaled events.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("trace: count: %w", err)
	}
	return n, nil
}

func (s *Store) query(q string, args ...any) ([]*Event, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("trace: query: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("trace: scan: %w", err)
		}
		e, err := Unmarshal(data)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
