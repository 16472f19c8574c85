package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("expected non-streaming request")
		}

		resp := ollamaChatResponse{
			Model: req.Model,
			Message: Message{
				Role:    "assistant",
				Content: "done",
			},
			Done:            true,
			PromptEvalCount: 12,
			EvalCount:       3,
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL)
	resp, err := client.Chat(context.Background(), "qwen3:4b", []Message{
		{Role: "user", Content: "hello"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if resp.Message.Content != "done" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 3 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOllamaChatSynthesizesToolCallIDs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := ollamaChatResponse{
			Model: "qwen3:4b",
			Message: Message{
				Role: "assistant",
				ToolCalls: []ToolCall{
					NewToolCall("", "list_tasks", map[string]any{}),
					NewToolCall("", "list_events", map[string]any{"days": float64(7)}),
				},
			},
			Done: true,
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL)
	resp, err := client.Chat(context.Background(), "qwen3:4b", []Message{
		{Role: "user", Content: "what's on?"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if len(resp.Message.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(resp.Message.ToolCalls))
	}
	seen := map[string]bool{}
	for _, tc := range resp.Message.ToolCalls {
		if tc.ID == "" {
			t.Error("tool call ID not synthesized")
		}
		if seen[tc.ID] {
			t.Errorf("duplicate tool call ID %q", tc.ID)
		}
		seen[tc.ID] = true
	}
}

func TestOllamaPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"models":[]}`))
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL)
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
