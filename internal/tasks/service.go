package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mfield/valet/internal/events"
	"github.com/mfield/valet/internal/observability"
	"github.com/mfield/valet/internal/todoist"
)

// ExternalClient is the subset of the Todoist client the service uses.
type ExternalClient interface {
	ListTasks(ctx context.Context) ([]todoist.Task, error)
	CreateTask(ctx context.Context, p todoist.TaskParams) (*todoist.Task, error)
	UpdateTask(ctx context.Context, id string, p todoist.TaskParams) (*todoist.Task, error)
	DeleteTask(ctx context.Context, id string) error
	CloseTask(ctx context.Context, id string) error
}

// Service coordinates the external task system and the local mirror.
// Writes go to the external system first; the mirror is only updated
// after the external call succeeds, so the mirror never claims state
// the source of truth does not have.
type Service struct {
	client  ExternalClient
	store   *Store
	bus     *events.Bus
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewService creates a task service. bus and metrics may be nil.
func NewService(client ExternalClient, store *Store, bus *events.Bus, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client:  client,
		store:   store,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
	}
}

// List returns tasks from the local mirror.
func (s *Service) List(ctx context.Context) ([]todoist.Task, error) {
	return s.store.List()
}

// Get returns a single task from the local mirror, or nil.
func (s *Service) Get(ctx context.Context, id string) (*todoist.Task, error) {
	return s.store.Get(id)
}

// Sync performs a full reconciliation: fetch everything from the
// external system, upsert it all, then delete mirrored rows whose IDs
// were not in the fetch. Upserts run before deletions so a failure
// partway through leaves extra rows rather than missing ones.
func (s *Service) Sync(ctx context.Context) (upserted, deleted int, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		if s.metrics != nil {
			s.metrics.SyncRuns.WithLabelValues("tasks", status).Inc()
		}
		s.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceSync,
			Kind:      events.KindSyncComplete,
			Data: map[string]any{
				"system":   "tasks",
				"upserted": upserted,
				"deleted":  deleted,
				"ok":       err == nil,
			},
		})
	}()

	fetched, err := s.client.ListTasks(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch tasks: %w", err)
	}

	seen := make(map[string]bool, len(fetched))
	for i := range fetched {
		if err := s.store.Upsert(&fetched[i]); err != nil {
			return upserted, 0, err
		}
		seen[fetched[i].ID] = true
		upserted++
	}

	local, err := s.store.IDs()
	if err != nil {
		return upserted, 0, err
	}
	for id := range local {
		if seen[id] {
			continue
		}
		if err := s.store.Delete(id); err != nil {
			return upserted, deleted, err
		}
		deleted++
	}

	s.logger.Info("task sync complete",
		"upserted", upserted,
		"deleted", deleted,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return upserted, deleted, nil
}

// Create creates a task in the external system and mirrors it locally.
func (s *Service) Create(ctx context.Context, p todoist.TaskParams) (*todoist.Task, error) {
	task, err := s.client.CreateTask(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := s.store.Upsert(task); err != nil {
		// External write succeeded, mirror write failed. The next
		// full sync repairs the mirror, so log instead of failing
		// the operation the user already saw happen.
		s.logger.Error("mirror upsert failed after create", "id", task.ID, "error", err)
	}
	return task, nil
}

// Update updates a task in the external system and mirrors the result.
func (s *Service) Update(ctx context.Context, id string, p todoist.TaskParams) (*todoist.Task, error) {
	task, err := s.client.UpdateTask(ctx, id, p)
	if err != nil {
		return nil, err
	}
	if err := s.store.Upsert(task); err != nil {
		s.logger.Error("mirror upsert failed after update", "id", id, "error", err)
	}
	return task, nil
}

// Delete removes a task from the external system, then from the mirror.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.client.DeleteTask(ctx, id); err != nil {
		return err
	}
	if err := s.store.Delete(id); err != nil {
		s.logger.Error("mirror delete failed", "id", id, "error", err)
	}
	return nil
}

// Complete marks a task done in the external system, then removes it
// from the mirror (the mirror holds active tasks only).
func (s *Service) Complete(ctx context.Context, id string) error {
	if err := s.client.CloseTask(ctx, id); err != nil {
		return err
	}
	if err := s.store.Delete(id); err != nil {
		s.logger.Error("mirror delete failed after complete", "id", id, "error", err)
	}
	return nil
}
