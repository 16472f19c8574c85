package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mfield/valet/internal/events"
	"github.com/mfield/valet/internal/gcal"
	"github.com/mfield/valet/internal/observability"
)

// DefaultSyncDays is how far ahead full reconciliation looks.
const DefaultSyncDays = 14

// BridgeClient is the subset of the calendar bridge client the service
// uses.
type BridgeClient interface {
	ListEvents(ctx context.Context, days int) ([]gcal.Event, error)
	CreateEvent(ctx context.Context, summary string, start, end time.Time, description string) (*gcal.Event, error)
	FindFreeBlocks(ctx context.Context, durationMin, days int) ([]gcal.FreeBlock, error)
}

// Service coordinates the calendar bridge and the local event mirror.
type Service struct {
	client  BridgeClient
	store   *Store
	bus     *events.Bus
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewService creates a calendar service. bus and metrics may be nil.
func NewService(client BridgeClient, store *Store, bus *events.Bus, metrics *observability.Metrics, logger *slog.Logger) *Service {
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

// ListEvents reconciles the mirror against the bridge and returns events
// within the next days days. When the bridge is unreachable the stale
// mirror is served instead.
func (s *Service) ListEvents(ctx context.Context, days int) ([]gcal.Event, error) {
	if days <= 0 {
		days = 7
	}
	if _, _, err := s.Sync(ctx); err != nil {
		s.logger.Warn("event refresh failed, serving mirror", "error", err)
	}
	return s.store.List(time.Now().AddDate(0, 0, days))
}

// FindFreeBlocks passes straight through to the bridge; free/busy is
// computed server-side against the live calendar, not the mirror.
func (s *Service) FindFreeBlocks(ctx context.Context, durationMin, days int) ([]gcal.FreeBlock, error) {
	return s.client.FindFreeBlocks(ctx, durationMin, days)
}

// CreateEvent creates an event on the bridge and mirrors it locally.
func (s *Service) CreateEvent(ctx context.Context, summary string, start, end time.Time, description string) (*gcal.Event, error) {
	ev, err := s.client.CreateEvent(ctx, summary, start, end, description)
	if err != nil {
		return nil, err
	}
	if err := s.store.Upsert(ev); err != nil {
		s.logger.Error("mirror upsert failed after create", "id", ev.ID, "error", err)
	}
	return ev, nil
}

// Sync performs a full reconciliation of the upcoming window: fetch
// everything from the bridge, upsert it all, then delete in-window
// mirrored rows not present in the fetch. Rows beyond the window are
// left alone. Upserts run before deletions.
func (s *Service) Sync(ctx context.Context) (upserted, deleted int, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		if s.metrics != nil {
			s.metrics.SyncRuns.WithLabelValues("calendar", status).Inc()
		}
		s.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceSync,
			Kind:      events.KindSyncComplete,
			Data: map[string]any{
				"system":   "calendar",
				"upserted": upserted,
				"deleted":  deleted,
				"ok":       err == nil,
			},
		})
	}()

	fetched, err := s.client.ListEvents(ctx, DefaultSyncDays)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch events: %w", err)
	}

	seen := make(map[string]bool, len(fetched))
	for i := range fetched {
		if err := s.store.Upsert(&fetched[i]); err != nil {
			return upserted, 0, err
		}
		seen[fetched[i].ID] = true
		upserted++
	}

	// Only rows inside the fetched window can be declared gone; an
	// event mirrored from a write-through create may start past it.
	local, err := s.store.IDsBefore(time.Now().AddDate(0, 0, DefaultSyncDays))
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

	s.logger.Info("calendar sync complete",
		"upserted", upserted,
		"deleted", deleted,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return upserted, deleted, nil
}
