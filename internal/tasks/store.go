// Package tasks maintains the local mirror of the external task list
// and exposes task operations as assistant tools. The external system
// is the source of truth; the mirror exists so reads are fast and the
// assistant can answer when the network is flaky.
package tasks

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mfield/valet/internal/todoist"
)

// Store is the sqlite mirror of the external task list.
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
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			description TEXT,
			project_id TEXT,
			priority INTEGER NOT NULL DEFAULT 1,
			due_string TEXT,
			due_date TEXT,
			labels TEXT,
			raw BLOB,
			synced_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_priority
			ON tasks(priority DESC);
	`)
	return err
}

// Upsert inserts or replaces a task in the mirror.
func (s *Store) Upsert(t *todoist.Task) error {
	labels, err := json.Marshal(t.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}

	var dueString, dueDate string
	if t.Due != nil {
		dueString = t.Due.String
		dueDate = t.Due.Date
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO tasks
			(id, content, description, project_id, priority, due_string, due_date, labels, raw, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Content, t.Description, t.ProjectID, t.Priority,
		dueString, dueDate, string(labels), []byte(t.Raw),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

// Delete removes a task from the mirror. Deleting an absent ID is not
// an error.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// Get returns a single mirrored task, or nil if not present.
func (s *Store) Get(id string) (*todoist.Task, error) {
	row := s.db.QueryRow(`
		SELECT id, content, description, project_id, priority, due_string, due_date, labels, raw
		FROM tasks WHERE id = ?
	`, id)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// List returns all mirrored tasks ordered by priority (highest first)
// then due date.
func (s *Store) List() ([]todoist.Task, error) {
	rows, err := s.db.Query(`
		SELECT id, content, description, project_id, priority, due_string, due_date, labels, raw
		FROM tasks
		ORDER BY priority DESC, due_date ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []todoist.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// IDs returns the set of task IDs currently mirrored.
func (s *Store) IDs() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT id FROM tasks`)
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

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*todoist.Task, error) {
	var t todoist.Task
	var description, projectID, dueString, dueDate, labels sql.NullString
	var raw []byte

	err := row.Scan(&t.ID, &t.Content, &description, &projectID, &t.Priority,
		&dueString, &dueDate, &labels, &raw)
	if err != nil {
		return nil, err
	}

	t.Description = description.String
	t.ProjectID = projectID.String
	if dueString.String != "" || dueDate.String != "" {
		t.Due = &todoist.Due{String: dueString.String, Date: dueDate.String}
	}
	if labels.String != "" {
		if err := json.Unmarshal([]byte(labels.String), &t.Labels); err != nil {
			return nil, fmt.Errorf("unmarshal labels for %s: %w", t.ID, err)
		}
	}
	t.Raw = raw
	return &t, nil
}
