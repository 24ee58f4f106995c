package metrics

import (
	"database/sql"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Event is one recorded scalar: a named value at a training iteration.
type Event struct {
	Iteration int
	Name      string
	Value     float64
	At        time.Time
}

// Store collects scalar training events in a bounded in-memory window and,
// when opened with a path, persists them to a SQLite database on Flush.
type Store struct {
	mu      sync.Mutex
	buf     []Event
	next    int
	full    bool
	pending []Event
	db      *sql.DB
}

// Open creates a Store. An empty path keeps the store memory-only; window
// bounds the in-memory history.
func Open(path string, window int) (*Store, error) {
	if window <= 0 {
		window = 256
	}
	s := &Store{buf: make([]Event, window)}
	if path == "" {
		return s, nil
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s.db = db
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS events (
  iteration INTEGER NOT NULL,
  name TEXT NOT NULL,
  value REAL NOT NULL,
  at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_name_iter ON events(name, iteration);
`)
	return err
}

// Record stores one scalar event.
func (s *Store) Record(iteration int, name string, value float64) {
	e := Event{Iteration: iteration, Name: name, Value: value, At: time.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf[s.next] = e
	s.next++
	if s.next >= len(s.buf) {
		s.next = 0
		s.full = true
	}
	if s.db != nil {
		s.pending = append(s.pending, e)
	}
}

// Latest returns the most recent event with the given name from the in-memory
// window.
func (s *Store) Latest(name string) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.next
	count := len(s.buf)
	if !s.full {
		count = s.next
	}
	for i := 0; i < count; i++ {
		idx := (n - 1 - i + len(s.buf)) % len(s.buf)
		if s.buf[idx].Name == name {
			return s.buf[idx], true
		}
	}
	return Event{}, false
}

// Flush writes buffered events to the database. Memory-only stores flush to
// nowhere successfully.
func (s *Store) Flush() error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if s.db == nil || len(pending) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare("INSERT INTO events(iteration, name, value, at) VALUES(?, ?, ?, ?);")
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range pending {
		if _, err := stmt.Exec(e.Iteration, e.Name, e.Value, e.At); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Close flushes pending events and closes the database.
func (s *Store) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
