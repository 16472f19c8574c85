// Package gcal provides a client for the calendar bridge, a small
// HTTP service fronting Google Calendar. The bridge handles OAuth and
// exposes a token-authenticated JSON API.
package gcal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mfield/valet/internal/httpkit"
)

// Client talks to the calendar bridge.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a calendar bridge client.
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

// Event represents a calendar event. Raw preserves the bridge payload
// so unmodeled fields survive the local cache.
type Event struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Status      string    `json:"status,omitempty"`
	HTMLLink    string    `json:"html_link,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// FreeBlock is an open span in the calendar.
type FreeBlock struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ListEvents retrieves events for the next days days.
func (c *Client) ListEvents(ctx context.Context, days int) ([]Event, error) {
	q := url.Values{"days": {strconv.Itoa(days)}}
	body, err := c.do(ctx, http.MethodGet, "/v1/events?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var events []Event
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err == nil && len(raws) == len(events) {
		for i := range events {
			events[i].Raw = raws[i]
		}
	}

	return events, nil
}

// CreateEvent creates an event and returns it as stored.
func (c *Client) CreateEvent(ctx context.Context, summary string, start, end time.Time, description string) (*Event, error) {
	payload := map[string]any{
		"summary": summary,
		"start":   start.Format(time.RFC3339),
		"end":     end.Format(time.RFC3339),
	}
	if description != "" {
		payload["description"] = description
	}

	body, err := c.do(ctx, http.MethodPost, "/v1/events", payload)
	if err != nil {
		return nil, err
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	ev.Raw = body
	return &ev, nil
}

// FindFreeBlocks asks the bridge for open spans of at least
// durationMin minutes within the next days days.
func (c *Client) FindFreeBlocks(ctx context.Context, durationMin, days int) ([]FreeBlock, error) {
	q := url.Values{
		"duration_min": {strconv.Itoa(durationMin)},
		"days":         {strconv.Itoa(days)},
	}
	body, err := c.do(ctx, http.MethodGet, "/v1/free?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var blocks []FreeBlock
	if err := json.Unmarshal(body, &blocks); err != nil {
		return nil, fmt.Errorf("decode free blocks: %w", err)
	}
	return blocks, nil
}

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

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("calendar bridge error %d: %s", resp.StatusCode, body)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return buf.Bytes(), nil
}
