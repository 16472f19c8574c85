package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mfield/valet/internal/todoist"
	"github.com/mfield/valet/internal/tools"
)

// RegisterTools registers the task tools on the given registry.
// list_tasks reads the local mirror; the write tools go through the
// service so the external system is updated first.
func (s *Service) RegisterTools(registry *tools.Registry) {
	registry.Register(&tools.Tool{
		Name: "list_tasks",
		Description: "List the user's current tasks, ordered by priority then due date. " +
			"Use this before referring to, updating, or completing tasks so you have real IDs.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			list, err := s.List(ctx)
			if err != nil {
				return "", err
			}
			if len(list) == 0 {
				return "No tasks.", nil
			}
			out, err := json.Marshal(summarizeTasks(list))
			if err != nil {
				return "", fmt.Errorf("marshal tasks: %w", err)
			}
			return string(out), nil
		},
	})

	registry.Register(&tools.Tool{
		Name: "create_task",
		Description: "Create a new task. Requires user confirmation before executing. " +
			"Priority runs 1 (normal) to 4 (urgent).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{
					"type":        "string",
					"description": "The task text, e.g. 'Buy milk'.",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Optional longer notes for the task.",
				},
				"due_string": map[string]any{
					"type":        "string",
					"description": "Natural-language due date, e.g. 'tomorrow at 9am'.",
				},
				"priority": map[string]any{
					"type":        "integer",
					"description": "1 (normal) to 4 (urgent).",
				},
				"labels": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Optional label names.",
				},
			},
			"required": []string{"content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			content, err := tools.StringArg(args, "content")
			if err != nil {
				return "", err
			}
			task, err := s.Create(ctx, todoist.TaskParams{
				Content:     content,
				Description: tools.OptionalString(args, "description"),
				DueString:   tools.OptionalString(args, "due_string"),
				Priority:    tools.OptionalInt(args, "priority", 0),
				Labels:      stringSlice(args["labels"]),
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Created task %s: %s", task.ID, task.Content), nil
		},
	})

	registry.Register(&tools.Tool{
		Name: "update_task",
		Description: "Update an existing task's text, due date, priority, or labels. " +
			"Requires user confirmation before executing.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "The task ID from list_tasks.",
				},
				"content":     map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
				"due_string":  map[string]any{"type": "string"},
				"priority":    map[string]any{"type": "integer"},
				"labels": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			},
			"required": []string{"id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, err := tools.StringArg(args, "id")
			if err != nil {
				return "", err
			}
			task, err := s.Update(ctx, id, todoist.TaskParams{
				Content:     tools.OptionalString(args, "content"),
				Description: tools.OptionalString(args, "description"),
				DueString:   tools.OptionalString(args, "due_string"),
				Priority:    tools.OptionalInt(args, "priority", 0),
				Labels:      stringSlice(args["labels"]),
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Updated task %s: %s", task.ID, task.Content), nil
		},
	})

	registry.Register(&tools.Tool{
		Name: "delete_task",
		Description: "Permanently delete a task. Requires user confirmation before executing. " +
			"Prefer complete_task for tasks that are done.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "The task ID from list_tasks.",
				},
			},
			"required": []string{"id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, err := tools.StringArg(args, "id")
			if err != nil {
				return "", err
			}
			if err := s.Delete(ctx, id); err != nil {
				return "", err
			}
			return fmt.Sprintf("Deleted task %s.", id), nil
		},
	})

	registry.Register(&tools.Tool{
		Name: "complete_task",
		Description: "Mark a task as done. Requires user confirmation before executing.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "The task ID from list_tasks.",
				},
			},
			"required": []string{"id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, err := tools.StringArg(args, "id")
			if err != nil {
				return "", err
			}
			if err := s.Complete(ctx, id); err != nil {
				return "", err
			}
			return fmt.Sprintf("Completed task %s.", id), nil
		},
	})
}

// Enrich describes a proposed task action in human terms for the
// approval prompt. For actions naming an existing task it includes the
// mirrored task text so the user knows what they are approving.
func (s *Service) Enrich(ctx context.Context, action string, args map[string]any) string {
	switch action {
	case "create_task":
		desc := fmt.Sprintf("Create task %q", tools.OptionalString(args, "content"))
		if due := tools.OptionalString(args, "due_string"); due != "" {
			desc += " due " + due
		}
		return desc
	case "update_task", "delete_task", "complete_task":
		verb := map[string]string{
			"update_task":   "Update",
			"delete_task":   "Delete",
			"complete_task": "Complete",
		}[action]
		id := tools.OptionalString(args, "id")
		if task, err := s.Get(ctx, id); err == nil && task != nil {
			return fmt.Sprintf("%s task %q", verb, task.Content)
		}
		return fmt.Sprintf("%s task %s", verb, id)
	default:
		return ""
	}
}

// summary is the compact task shape handed to the LLM.
type summary struct {
	ID       string   `json:"id"`
	Content  string   `json:"content"`
	Due      string   `json:"due,omitempty"`
	Priority int      `json:"priority,omitempty"`
	Labels   []string `json:"labels,omitempty"`
}

func summarizeTasks(list []todoist.Task) []summary {
	out := make([]summary, len(list))
	for i, t := range list {
		out[i] = summary{
			ID:       t.ID,
			Content:  t.Content,
			Priority: t.Priority,
			Labels:   t.Labels,
		}
		if t.Due != nil {
			if t.Due.String != "" {
				out[i].Due = t.Due.String
			} else {
				out[i].Due = t.Due.Date
			}
		}
	}
	return out
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
