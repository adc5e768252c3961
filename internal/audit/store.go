// Package audit provides a sqlite-backed trail of bus routing
// decisions: which program registered which interface, and which
// program an interface message or response was routed to. It never
// records message bodies — only the routing metadata needed to
// reconstruct "who talked to whom, and when" after the fact. This is
// deliberately not message durability: a restart loses all in-flight
// traffic, only the audit record survives.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kernelkit/novabus/internal/bus"
)

// Store is a sqlite-backed audit trail.
type Store struct {
	db *sql.DB
}

// Open creates or attaches to the sqlite database at path (via the cgo
// mattn/go-sqlite3 driver) and ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an already-open *sql.DB and ensures its schema exists.
// Exposed separately from Open so tests can inject the pure-Go
// modernc.org/sqlite driver against an in-memory database, avoiding
// cgo in the test binary.
func NewStore(db *sql.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS registrations (
		id TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		interface_hash TEXT NOT NULL,
		registered_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_registrations_interface ON registrations(interface_hash);

	CREATE TABLE IF NOT EXISTS routing_events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		interface_hash TEXT,
		message_id INTEGER,
		pid INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_routing_events_occurred ON routing_events(occurred_at DESC);

	CREATE TABLE IF NOT EXISTS process_events (
		id TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		occurred_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRegistration logs that pid registered iface.
func (s *Store) RecordRegistration(pid bus.Pid, iface bus.InterfaceHash) error {
	_, err := s.db.Exec(`
		INSERT INTO registrations (id, pid, interface_hash, registered_at)
		VALUES (?, ?, ?, ?)
	`, uuid.New().String(), uint64(pid), iface.String(), time.Now())
	if err != nil {
		return fmt.Errorf("record registration: %w", err)
	}
	return nil
}

// RecordInterfaceMessageRouted logs the outcome of routing an interface
// message: either the Pid of the adapter that accepted it, or that it
// was unroutable.
func (s *Store) RecordInterfaceMessageRouted(iface bus.InterfaceHash, routedTo bus.Pid, unroutable bool) error {
	outcome := "routed"
	if unroutable {
		outcome = "unroutable"
	}
	_, err := s.db.Exec(`
		INSERT INTO routing_events (id, kind, interface_hash, pid, outcome, occurred_at)
		VALUES (?, 'interface_message', ?, ?, ?, ?)
	`, uuid.New().String(), iface.String(), uint64(routedTo), outcome, time.Now())
	if err != nil {
		return fmt.Errorf("record interface message routing: %w", err)
	}
	return nil
}

// RecordResponseRouted logs the outcome of routing a response.
func (s *Store) RecordResponseRouted(id bus.MessageId, routedTo bus.Pid, unroutable bool) error {
	outcome := "routed"
	if unroutable {
		outcome = "unroutable"
	}
	_, err := s.db.Exec(`
		INSERT INTO routing_events (id, kind, message_id, pid, outcome, occurred_at)
		VALUES (?, 'response', ?, ?, ?, ?)
	`, uuid.New().String(), uint64(id), uint64(routedTo), outcome, time.Now())
	if err != nil {
		return fmt.Errorf("record response routing: %w", err)
	}
	return nil
}

// RecordProcessDestroyed logs a process-destroyed broadcast.
func (s *Store) RecordProcessDestroyed(pid bus.Pid) error {
	_, err := s.db.Exec(`
		INSERT INTO process_events (id, pid, occurred_at)
		VALUES (?, ?, ?)
	`, uuid.New().String(), uint64(pid), time.Now())
	if err != nil {
		return fmt.Errorf("record process destroyed: %w", err)
	}
	return nil
}

// RegistrationRecord is one row of the registrations table, for display
// by internal/debugserver.
type RegistrationRecord struct {
	Pid           bus.Pid
	InterfaceHash string
	RegisteredAt  time.Time
}

// RecentRegistrations returns the most recent registrations, newest
// first, up to limit rows.
func (s *Store) RecentRegistrations(limit int) ([]RegistrationRecord, error) {
	rows, err := s.db.Query(`
		SELECT pid, interface_hash, registered_at
		FROM registrations
		ORDER BY registered_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query registrations: %w", err)
	}
	defer rows.Close()

	var out []RegistrationRecord
	for rows.Next() {
		var r RegistrationRecord
		var pid uint64
		if err := rows.Scan(&pid, &r.InterfaceHash, &r.RegisteredAt); err != nil {
			continue
		}
		r.Pid = bus.Pid(pid)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats returns summary counts for the debug surface.
func (s *Store) Stats() map[string]any {
	var registrations, routed, unroutable, destroyed int

	s.db.QueryRow(`SELECT COUNT(*) FROM registrations`).Scan(&registrations)
	s.db.QueryRow(`SELECT COUNT(*) FROM routing_events WHERE outcome = 'routed'`).Scan(&routed)
	s.db.QueryRow(`SELECT COUNT(*) FROM routing_events WHERE outcome = 'unroutable'`).Scan(&unroutable)
	s.db.QueryRow(`SELECT COUNT(*) FROM process_events`).Scan(&destroyed)

	return map[string]any{
		"registrations":            registrations,
		"routed_events":            routed,
		"unroutable_events":        unroutable,
		"process_destroyed_events": destroyed,
	}
}
