// Package state persists the daemon identity and the open events of every
// service in a SQLite database, so a restarted daemon neither forgets failed
// services nor repeats notifications it already delivered.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/invisible-tech/hostmon/pkg/service"
)

// FileName is the database file created in the state directory
const FileName = "hostmon.db"

// Store is the state database
type Store struct {
	db *sql.DB
}

// Open opens or creates the database in dir
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; sqlite serializes anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS events (
			service   TEXT NOT NULL,
			rule      TEXT NOT NULL,
			id        TEXT NOT NULL,
			kind      TEXT NOT NULL,
			state     INTEGER NOT NULL,
			count     INTEGER NOT NULL,
			map       TEXT NOT NULL,
			pending   INTEGER NOT NULL,
			delivered INTEGER NOT NULL,
			reminder  INTEGER NOT NULL,
			message   TEXT NOT NULL,
			collected INTEGER NOT NULL,
			PRIMARY KEY (service, rule)
		);
		CREATE INDEX IF NOT EXISTS idx_events_service ON events(service);
	`)
	return err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// DaemonID returns the persistent daemon id, creating it on first use
func (s *Store) DaemonID() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'id'`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read daemon id: %w", err)
	}
	id = uuid.NewString()
	if _, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES ('id', ?)`, id); err != nil {
		return "", fmt.Errorf("failed to store daemon id: %w", err)
	}
	return id, nil
}

// SaveEvents replaces the stored events of a service
func (s *Store) SaveEvents(name string, events []*service.Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM events WHERE service = ?`, name); err != nil {
		return fmt.Errorf("failed to clear events: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO events (service, rule, id, kind, state, count, map, pending, delivered, reminder, message, collected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		_, err := stmt.Exec(name, e.Rule, e.ID, e.Kind.String(), int(e.State), e.Count, e.Map.String(),
			int(e.Pending), int(e.Delivered), e.Reminder, e.Message, e.Collected.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert event %s: %w", e.Rule, err)
		}
	}
	return tx.Commit()
}

// LoadEvents returns the stored events grouped by service name
func (s *Store) LoadEvents() (map[string][]*service.Event, error) {
	rows, err := s.db.Query(`
		SELECT service, rule, id, kind, state, count, map, pending, delivered, reminder, message, collected
		FROM events ORDER BY service, rule`)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]*service.Event)
	for rows.Next() {
		var (
			e                      service.Event
			kind, stateMap         string
			st, pending, delivered int
			collected              int64
		)
		if err := rows.Scan(&e.Service, &e.Rule, &e.ID, &kind, &st, &e.Count, &stateMap,
			&pending, &delivered, &e.Reminder, &e.Message, &collected); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if e.Kind, err = service.ParseEventKind(kind); err != nil {
			continue
		}
		if e.Map, err = service.ParseStateMap(stateMap); err != nil {
			continue
		}
		e.State = service.State(st)
		e.Pending = service.HandlerFlag(pending)
		e.Delivered = service.HandlerFlag(delivered)
		e.Collected = time.Unix(0, collected)
		out[e.Service] = append(out[e.Service], &e)
	}
	return out, rows.Err()
}

// Prune deletes the events of services not in keep
func (s *Store) Prune(keep map[string]bool) (int, error) {
	rows, err := s.db.Query(`SELECT DISTINCT service FROM events`)
	if err != nil {
		return 0, fmt.Errorf("failed to list services: %w", err)
	}
	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, err
		}
		if !keep[name] {
			stale = append(stale, name)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, name := range stale {
		if _, err := s.db.Exec(`DELETE FROM events WHERE service = ?`, name); err != nil {
			return 0, fmt.Errorf("failed to prune %s: %w", name, err)
		}
	}
	return len(stale), nil
}
