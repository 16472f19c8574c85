package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mfield/valet/internal/tools"
)

// RegisterTools registers the calendar tools on the given registry.
func (s *Service) RegisterTools(registry *tools.Registry) {
	registry.Register(&tools.Tool{
		Name: "list_events",
		Description: "List upcoming calendar events, ordered by start time. " +
			"days controls how far ahead to look (default 7).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"days": map[string]any{
					"type":        "integer",
					"description": "How many days ahead to include.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			days := tools.OptionalInt(args, "days", 7)
			list, err := s.ListEvents(ctx, days)
			if err != nil {
				return "", err
			}
			if len(list) == 0 {
				return fmt.Sprintf("No events in the next %d days.", days), nil
			}

			type entry struct {
				ID      string `json:"id"`
				Summary string `json:"summary"`
				Start   string `json:"start"`
				End     string `json:"end"`
			}
			out := make([]entry, len(list))
			for i, e := range list {
				out[i] = entry{
					ID:      e.ID,
					Summary: e.Summary,
					Start:   e.Start.Format(time.RFC3339),
					End:     e.End.Format(time.RFC3339),
				}
			}
			b, err := json.Marshal(out)
			if err != nil {
				return "", fmt.Errorf("marshal events: %w", err)
			}
			return string(b), nil
		},
	})

	registry.Register(&tools.Tool{
		Name: "find_free_blocks",
		Description: "Find open timeslots in the calendar of at least duration_min minutes " +
			"within the next days days. Use before proposing meeting times.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"duration_min": map[string]any{
					"type":        "integer",
					"description": "Minimum block length in minutes.",
				},
				"days": map[string]any{
					"type":        "integer",
					"description": "How many days ahead to search (default 7).",
				},
			},
			"required": []string{"duration_min"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			durationMin := tools.OptionalInt(args, "duration_min", 0)
			if durationMin <= 0 {
				return "", fmt.Errorf("duration_min is required")
			}
			days := tools.OptionalInt(args, "days", 7)

			blocks, err := s.FindFreeBlocks(ctx, durationMin, days)
			if err != nil {
				return "", err
			}
			if len(blocks) == 0 {
				return "No free blocks found.", nil
			}
			b, err := json.Marshal(blocks)
			if err != nil {
				return "", fmt.Errorf("marshal blocks: %w", err)
			}
			return string(b), nil
		},
	})

	registry.Register(&tools.Tool{
		Name: "create_event",
		Description: "Create a calendar event. Requires user confirmation before executing. " +
			"start and end are RFC 3339 timestamps.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{
					"type":        "string",
					"description": "The event title.",
				},
				"start": map[string]any{
					"type":        "string",
					"description": "Start time, RFC 3339 (e.g. 2026-09-01T12:00:00Z).",
				},
				"end": map[string]any{
					"type":        "string",
					"description": "End time, RFC 3339.",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Optional event notes.",
				},
			},
			"required": []string{"summary", "start", "end"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			summary, err := tools.StringArg(args, "summary")
			if err != nil {
				return "", err
			}
			startStr, err := tools.StringArg(args, "start")
			if err != nil {
				return "", err
			}
			endStr, err := tools.StringArg(args, "end")
			if err != nil {
				return "", err
			}

			start, err := time.Parse(time.RFC3339, startStr)
			if err != nil {
				return "", fmt.Errorf("invalid start %q: %w", startStr, err)
			}
			end, err := time.Parse(time.RFC3339, endStr)
			if err != nil {
				return "", fmt.Errorf("invalid end %q: %w", endStr, err)
			}
			if !end.After(start) {
				return "", fmt.Errorf("end must be after start")
			}

			ev, err := s.CreateEvent(ctx, summary, start, end, tools.OptionalString(args, "description"))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Created event %s: %s (%s)", ev.ID, ev.Summary, ev.Start.Format(time.RFC3339)), nil
		},
	})
}

// Enrich describes a proposed calendar action for the approval prompt.
func (s *Service) Enrich(ctx context.Context, action string, args map[string]any) string {
	if action != "create_event" {
		return ""
	}
	desc := fmt.Sprintf("Create event %q", tools.OptionalString(args, "summary"))
	if start := tools.OptionalString(args, "start"); start != "" {
		if t, err := time.Parse(time.RFC3339, start); err == nil {
			desc += " at " + t.Format("Mon Jan 2 15:04")
		}
	}
	return desc
}
