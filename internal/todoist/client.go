// Package todoist provides a client for the Todoist REST API, the
// external system of record for tasks.
package todoist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mfield/valet/internal/httpkit"
)

// Client is a Todoist REST API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new Todoist client. baseURL normally points at
// https://api.todoist.com but is configurable for self-hosted bridges
// and tests.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// Due is the due-date block on a task.
type Due struct {
	String   string `json:"string,omitempty"`
	Date     string `json:"date,omitempty"`
	Datetime string `json:"datetime,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// Task represents a task as returned by the API. Raw preserves the
// full response body so fields we do not model survive a round trip
// through the local cache.
type Task struct {
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	Description string   `json:"description,omitempty"`
	ProjectID   string   `json:"project_id,omitempty"`
	SectionID   string   `json:"section_id,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	Due         *Due     `json:"due,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Order       int      `json:"order,omitempty"`
	URL         string   `json:"url,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// TaskParams are the writable fields for create and update calls.
// Zero-valued fields are omitted from the request body so updates
// only touch the fields the caller set.
type TaskParams struct {
	Content     string   `json:"content,omitempty"`
	Description string   `json:"description,omitempty"`
	ProjectID   string   `json:"project_id,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	DueString   string   `json:"due_string,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// ListTasks retrieves all active tasks.
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	body, err := c.do(ctx, http.MethodGet, "/rest/v2/tasks", nil)
	if err != nil {
		return nil, err
	}

	var tasks []Task
	if err := json.Unmarshal(body, &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}

	// Re-marshal each task individually so Raw carries the per-task
	// payload rather than the whole list.
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err == nil && len(raws) == len(tasks) {
		for i := range tasks {
			tasks[i].Raw = raws[i]
		}
	}

	return tasks, nil
}

// GetTask retrieves a single task by ID.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	body, err := c.do(ctx, http.MethodGet, "/rest/v2/tasks/"+id, nil)
	if err != nil {
		return nil, err
	}
	return decodeTask(body)
}

// CreateTask creates a new task and returns it as the server stored it.
func (c *Client) CreateTask(ctx context.Context, p TaskParams) (*Task, error) {
	body, err := c.do(ctx, http.MethodPost, "/rest/v2/tasks", p)
	if err != nil {
		return nil, err
	}
	return decodeTask(body)
}

// UpdateTask updates fields on an existing task.
func (c *Client) UpdateTask(ctx context.Context, id string, p TaskParams) (*Task, error) {
	body, err := c.do(ctx, http.MethodPost, "/rest/v2/tasks/"+id, p)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		// Some deployments answer 204 on update; fall back to a read.
		return c.GetTask(ctx, id)
	}
	return decodeTask(body)
}

// DeleteTask permanently removes a task.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/rest/v2/tasks/"+id, nil)
	return err
}

// CloseTask marks a task complete.
func (c *Client) CloseTask(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/rest/v2/tasks/"+id+"/close", nil)
	return err
}

func decodeTask(body []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	t.Raw = body
	return &t, nil
}

// do performs an authenticated request and returns the response body.
// 204 responses return an empty body.
func (c *Client) do(ctx context.Context, method, path string, data any) ([]byte, error) {
	var reqBody []byte
	if data != nil {
		var err error
		reqBody, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal data: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := readAll(resp)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return body, nil
	case http.StatusNoContent:
		return nil, nil
	default:
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("todoist API error %d: %s", resp.StatusCode, body)
	}
}

func readAll(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
