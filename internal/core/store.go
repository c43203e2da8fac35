package core

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed archive of supervisor activity: one row per
// lifecycle event and per health-check summary, grouped by supervisor run.
// The in-memory registry stays the source of truth; the store only feeds
// history queries and post-mortems.
type Store struct {
	db    *sql.DB
	runID string
}

//go:embed migrations/*.sql
var migrationFS embed.FS

// Event is one archived lifecycle event.
type Event struct {
	Instance string
	Event    string
	Detail   string
	At       time.Time
}

// NewStore opens (creating if needed) the archive at path and registers a
// new supervisor run.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, runID: uuid.NewString()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	_, err = db.Exec(`INSERT INTO runs (id, started_at) VALUES (?, ?)`,
		s.runID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("register run: %w", err)
	}
	return s, nil
}

// OpenStore opens an existing archive for queries without registering a
// new supervisor run. Used by history inspection while a supervisor owns
// the database.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

// RunID identifies the current supervisor run in the archive.
func (s *Store) RunID() string { return s.runID }

// RecordEvent archives one lifecycle event. Archive failures are logged and
// swallowed: losing an audit row must never affect supervision.
func (s *Store) RecordEvent(instance, event, detail string) {
	_, err := s.db.Exec(
		`INSERT INTO events (run_id, instance, event, detail, at) VALUES (?, ?, ?, ?, ?)`,
		s.runID, instance, event, detail, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		log.Warn().Err(err).Str("instance", instance).Msg("store: event not recorded")
	}
}

// RecordSummary archives one health-check summary.
func (s *Store) RecordSummary(healthy, stopped, unreachable, errored int) {
	_, err := s.db.Exec(
		`INSERT INTO check_summaries (run_id, healthy, stopped, unreachable, errored, at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.runID, healthy, stopped, unreachable, errored, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		log.Warn().Err(err).Msg("store: summary not recorded")
	}
}

// Events returns the most recent archived events, newest first. An empty
// instance filter returns events for the whole fleet.
func (s *Store) Events(instance string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT instance, event, detail, at FROM events`
	args := []any{}
	if instance != "" {
		query += ` WHERE instance = ?`
		args = append(args, instance)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var at string
		if err := rows.Scan(&e.Instance, &e.Event, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339, at)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
