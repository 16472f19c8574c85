package gcal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestListEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/events" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("days"); got != "7" {
			t.Errorf("days = %q", got)
		}
		w.Write([]byte(`[
			{"id":"e1","summary":"standup","start":"2026-08-31T09:00:00Z","end":"2026-08-31T09:15:00Z","color":"blue"},
			{"id":"e2","summary":"review","start":"2026-08-31T14:00:00Z","end":"2026-08-31T15:00:00Z"}
		]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	events, err := c.ListEvents(context.Background(), 7)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Summary != "standup" {
		t.Errorf("summary = %q", events[0].Summary)
	}
	if events[0].Start.Hour() != 9 {
		t.Errorf("start = %v", events[0].Start)
	}

	var raw map[string]any
	if err := json.Unmarshal(events[0].Raw, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["color"] != "blue" {
		t.Errorf("raw = %v", raw)
	}
}

func TestCreateEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/events" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload["summary"] != "lunch" || payload["description"] != "with sam" {
			t.Errorf("payload = %v", payload)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"new","summary":"lunch","start":"2026-09-01T12:00:00Z","end":"2026-09-01T13:00:00Z"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	start := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	ev, err := c.CreateEvent(context.Background(), "lunch", start, start.Add(time.Hour), "with sam")
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if ev.ID != "new" {
		t.Errorf("ID = %q", ev.ID)
	}
}

func TestFindFreeBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("duration_min") != "30" || q.Get("days") != "3" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte(`[{"start":"2026-08-31T10:00:00Z","end":"2026-08-31T11:00:00Z"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	blocks, err := c.FindFreeBlocks(context.Background(), 30, 3)
	if err != nil {
		t.Fatalf("FindFreeBlocks: %v", err)
	}
	if len(blocks) != 1 || blocks[0].End.Sub(blocks[0].Start) != time.Hour {
		t.Errorf("blocks = %+v", blocks)
	}
}

func TestBridgeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream quota exceeded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	if _, err := c.ListEvents(context.Background(), 7); err == nil {
		t.Fatal("expected error")
	}
}
