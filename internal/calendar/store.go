// Package calendar maintains the local mirror of upcoming calendar
// events and exposes calendar operations as assistant tools. Like the
// task mirror, the external calendar is the source of truth and the
// mirror only reflects state the bridge has confirmed.
package calendar

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mfield/valet/internal/gcal"
)

// Store is the sqlite mirror of upcoming events.
type Store struct {
	db *sql.DB
}

// NewStore creates the mirror store, running migrations as needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			summary TEXT NOT NULL,
			description TEXT,
			start_at TEXT NOT NULL,
			end_at TEXT NOT NULL,
			status TEXT,
			html_link TEXT,
			raw BLOB,
			synced_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_start
			ON events(start_at);
	`)
	return err
}

// Upsert inserts or replaces an event in the mirror.
func (s *Store) Upsert(e *gcal.Event) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO events
			(id, summary, description, start_at, end_at, status, html_link, raw, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Summary, e.Description,
		e.Start.UTC().Format(time.RFC3339), e.End.UTC().Format(time.RFC3339),
		e.Status, e.HTMLLink, []byte(e.Raw),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", e.ID, err)
	}
	return nil
}

// Delete removes an event from the mirror.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	return nil
}

// List returns mirrored events starting before the horizon, ordered by
// start time. A zero horizon returns everything.
func (s *Store) List(horizon time.Time) ([]gcal.Event, error) {
	query := `
		SELECT id, summary, description, start_at, end_at, status, html_link, raw
		FROM events`
	args := []any{}
	if !horizon.IsZero() {
		query += ` WHERE start_at < ?`
		args = append(args, horizon.UTC().Format(time.RFC3339))
	}
	query += ` ORDER BY start_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []gcal.Event
	for rows.Next() {
		var e gcal.Event
		var description, status, htmlLink sql.NullString
		var startAt, endAt string
		var raw []byte
		if err := rows.Scan(&e.ID, &e.Summary, &description, &startAt, &endAt, &status, &htmlLink, &raw); err != nil {
			return nil, err
		}
		e.Description = description.String
		e.Status = status.String
		e.HTMLLink = htmlLink.String
		e.Raw = raw
		if e.Start, err = time.Parse(time.RFC3339, startAt); err != nil {
			return nil, fmt.Errorf("parse start for %s: %w", e.ID, err)
		}
		if e.End, err = time.Parse(time.RFC3339, endAt); err != nil {
			return nil, fmt.Errorf("parse end for %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// IDsBefore returns the set of mirrored event IDs starting before the
// horizon.
func (s *Store) IDsBefore(horizon time.Time) (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT id FROM events WHERE start_at < ?`,
		horizon.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}
