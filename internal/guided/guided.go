// Package guided implements focus sessions: a cursor over a short list
// of tasks that walks the user through them one at a time. Sessions
// are in-memory; abandoning one costs nothing.
package guided

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mfield/valet/internal/events"
	"github.com/mfield/valet/internal/tasks"
	"github.com/mfield/valet/internal/todoist"
)

// DefaultSessionSize caps how many tasks a session covers when no
// label filter is given.
const DefaultSessionSize = 5

// ErrSessionNotFound is returned for unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionDone is returned when advancing a session that has no
// tasks left.
var ErrSessionDone = errors.New("session has no tasks left")

// Item is one task inside a session.
type Item struct {
	Task   todoist.Task `json:"task"`
	Status string       `json:"status"` // pending, done, or skipped
}

// Session is a cursor over a fixed task list.
type Session struct {
	ID      string    `json:"id"`
	Label   string    `json:"label,omitempty"`
	Items   []Item    `json:"items"`
	Index   int       `json:"index"`
	Started time.Time `json:"started"`
}

// Current returns the task under the cursor, or nil if the session is
// finished.
func (s *Session) Current() *Item {
	if s.Index >= len(s.Items) {
		return nil
	}
	return &s.Items[s.Index]
}

// Remaining counts tasks not yet done or skipped.
func (s *Session) Remaining() int {
	n := 0
	for _, item := range s.Items {
		if item.Status == "pending" {
			n++
		}
	}
	return n
}

// Manager owns active sessions.
type Manager struct {
	tasks  *tasks.Service
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager. bus may be nil.
func NewManager(taskSvc *tasks.Service, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		tasks:    taskSvc,
		bus:      bus,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Start builds a session from the task mirror. With a label, every
// task carrying it is included; without one, the top tasks by priority
// are taken up to DefaultSessionSize.
func (m *Manager) Start(ctx context.Context, label string) (*Session, error) {
	all, err := m.tasks.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	var picked []todoist.Task
	if label != "" {
		for _, t := range all {
			for _, l := range t.Labels {
				if l == label {
					picked = append(picked, t)
					break
				}
			}
		}
	} else {
		// The mirror already orders by priority, but sort defensively
		// in case the caller hands us a different store ordering later.
		picked = append(picked, all...)
		sort.SliceStable(picked, func(i, j int) bool {
			return picked[i].Priority > picked[j].Priority
		})
		if len(picked) > DefaultSessionSize {
			picked = picked[:DefaultSessionSize]
		}
	}

	if len(picked) == 0 {
		return nil, fmt.Errorf("no tasks to work on")
	}

	s := &Session{
		ID:      uuid.New().String(),
		Label:   label,
		Started: time.Now().UTC(),
	}
	for _, t := range picked {
		s.Items = append(s.Items, Item{Task: t, Status: "pending"})
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceGuided,
		Kind:      events.KindSessionStart,
		Data:      map[string]any{"session_id": s.ID, "tasks": len(s.Items)},
	})
	m.logger.Info("guided session started", "session", s.ID, "tasks", len(s.Items), "label", label)
	return s, nil
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Complete marks the current task done in the external system and
// advances the cursor.
func (m *Manager) Complete(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cur := s.Current()
	if cur == nil {
		return nil, ErrSessionDone
	}

	if err := m.tasks.Complete(ctx, cur.Task.ID); err != nil {
		return nil, fmt.Errorf("complete task %s: %w", cur.Task.ID, err)
	}
	cur.Status = "done"
	m.advance(s, true)
	return s, nil
}

// Skip advances the cursor without touching the task.
func (m *Manager) Skip(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cur := s.Current()
	if cur == nil {
		return nil, ErrSessionDone
	}

	cur.Status = "skipped"
	m.advance(s, false)
	return s, nil
}

// End removes a session.
func (m *Manager) End(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *Manager) advance(s *Session, completed bool) {
	s.Index++
	m.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceGuided,
		Kind:      events.KindSessionAdvance,
		Data: map[string]any{
			"session_id": s.ID,
			"index":      s.Index,
			"completed":  completed,
		},
	})
}
