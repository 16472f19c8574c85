package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mfield/valet/internal/checkpoint"
	"github.com/mfield/valet/internal/llm"
	"github.com/mfield/valet/internal/policy"
	"github.com/mfield/valet/internal/tools"
)

// scriptedLLM returns canned responses in order and records every call.
type scriptedLLM struct {
	responses []*llm.ChatResponse
	calls     [][]llm.Message
	err       error
}

func (s *scriptedLLM) Chat(ctx context.Context, model string, messages []llm.Message, _ []map[string]any) (*llm.ChatResponse, error) {
	s.calls = append(s.calls, messages)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return reply("(script exhausted)"), nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *scriptedLLM) Ping(ctx context.Context) error { return nil }

func reply(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:   "test-model",
		Message: llm.Message{Role: "assistant", Content: content},
		Done:    true,
	}
}

func proposes(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:   "test-model",
		Message: llm.Message{Role: "assistant", ToolCalls: calls},
		Done:    true,
	}
}

// testEnv wires an engine with an in-memory store and a recording
// registry: get_notes and bad_read are auto, add_note and drop_note
// require confirmation.
type testEnv struct {
	engine   *Engine
	client   *scriptedLLM
	store    *checkpoint.MemoryStore
	executed []string
}

func newTestEnv(t *testing.T, responses ...*llm.ChatResponse) *testEnv {
	t.Helper()
	env := &testEnv{
		client: &scriptedLLM{responses: responses},
		store:  checkpoint.NewMemoryStore(),
	}

	registry := tools.NewRegistry()
	registry.Register(&tools.Tool{
		Name: "get_notes",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			env.executed = append(env.executed, "get_notes")
			return "3 notes", nil
		},
	})
	registry.Register(&tools.Tool{
		Name: "bad_read",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			env.executed = append(env.executed, "bad_read")
			return "", errors.New("backend down")
		},
	})
	registry.Register(&tools.Tool{
		Name: "add_note",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			env.executed = append(env.executed, "add_note:"+text)
			return "added " + text, nil
		},
	})
	registry.Register(&tools.Tool{
		Name: "drop_note",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, _ := args["id"].(string)
			env.executed = append(env.executed, "drop_note:"+id)
			return "dropped " + id, nil
		},
	})

	catalog, err := policy.NewCatalog(
		[]string{"get_notes", "bad_read"},
		[]string{"add_note", "drop_note"},
	)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	env.engine = New(env.client, "test-model", registry, catalog, env.store, Options{
		Enrichers: []Enricher{
			func(ctx context.Context, action string, args map[string]any) string {
				if action == "add_note" {
					text, _ := args["text"].(string)
					return fmt.Sprintf("Add note %q", text)
				}
				return ""
			},
		},
	})
	return env
}

func TestSendPlainReply(t *testing.T) {
	env := newTestEnv(t, reply("Hello!"))

	res, err := env.engine.Send(context.Background(), "t1", "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Status != StatusReady || res.Reply != "Hello!" {
		t.Errorf("res = %+v", res)
	}
	if len(env.executed) != 0 {
		t.Errorf("executed = %v", env.executed)
	}

	cp, _ := env.store.Load("t1")
	if cp.State != checkpoint.StateIdle || len(cp.Messages) != 2 {
		t.Errorf("checkpoint = %+v", cp)
	}
}

func TestSendAutoToolRunsImmediately(t *testing.T) {
	env := newTestEnv(t,
		proposes(llm.NewToolCall("c1", "get_notes", nil)),
		reply("You have 3 notes."),
	)

	res, err := env.engine.Send(context.Background(), "t1", "how many notes?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Status != StatusReady {
		t.Fatalf("status = %q", res.Status)
	}
	if len(env.executed) != 1 || env.executed[0] != "get_notes" {
		t.Errorf("executed = %v", env.executed)
	}

	// The second LLM call must see the tool result.
	second := env.client.calls[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.Content != "3 notes" || last.ToolCallID != "c1" {
		t.Errorf("last message = %+v", last)
	}
}

func TestSendConfirmToolSuspends(t *testing.T) {
	env := newTestEnv(t,
		proposes(llm.NewToolCall("c1", "add_note", map[string]any{"text": "milk"})),
	)

	res, err := env.engine.Send(context.Background(), "t1", "note milk")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Status != StatusWaiting {
		t.Fatalf("status = %q", res.Status)
	}
	if len(res.Pending) != 1 {
		t.Fatalf("pending = %+v", res.Pending)
	}
	pa := res.Pending[0]
	if pa.CallID != "c1" || pa.Action != "add_note" || pa.Arguments["text"] != "milk" {
		t.Errorf("pending = %+v", pa)
	}
	if pa.Enrichment != `Add note "milk"` {
		t.Errorf("enrichment = %q", pa.Enrichment)
	}
	if len(env.executed) != 0 {
		t.Errorf("executed before approval: %v", env.executed)
	}

	// Suspension must be durable.
	cp, _ := env.store.Load("t1")
	if cp.State != checkpoint.StateAwaitingApproval || len(cp.PendingCalls) != 1 {
		t.Errorf("checkpoint = %+v", cp)
	}
}

func TestMixedBatchFullyGated(t *testing.T) {
	env := newTestEnv(t,
		proposes(
			llm.NewToolCall("c1", "get_notes", nil),
			llm.NewToolCall("c2", "add_note", map[string]any{"text": "x"}),
		),
	)

	res, err := env.engine.Send(context.Background(), "t1", "check then add")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Status != StatusWaiting {
		t.Fatalf("status = %q", res.Status)
	}
	if len(res.Pending) != 2 {
		t.Errorf("pending = %+v", res.Pending)
	}
	// The auto call is held too: nothing runs until the decision.
	if len(env.executed) != 0 {
		t.Errorf("executed = %v", env.executed)
	}
}

func TestTurnResultCarriesTranscript(t *testing.T) {
	env := newTestEnv(t,
		proposes(llm.NewToolCall("c1", "add_note", map[string]any{"text": "a"})),
		reply("Done."),
	)

	res, err := env.engine.Send(context.Background(), "t1", "add a note")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	// Suspended turn: user message plus the proposing assistant message.
	if len(res.Messages) != 2 {
		t.Fatalf("messages = %+v", res.Messages)
	}
	if res.Messages[0].Role != "user" || res.Messages[1].Role != "assistant" {
		t.Errorf("roles = %q, %q", res.Messages[0].Role, res.Messages[1].Role)
	}

	res, err = env.engine.Approve(context.Background(), "t1", nil)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	// Tool result and final reply are appended after approval.
	if len(res.Messages) != 4 {
		t.Fatalf("messages = %+v", res.Messages)
	}
	last := res.Messages[len(res.Messages)-1]
	if last.Role != "assistant" || last.Content != "Done." {
		t.Errorf("last = %+v", last)
	}
}

func TestApproveAllExecutesInOrder(t *testing.T) {
	env := newTestEnv(t,
		proposes(
			llm.NewToolCall("c1", "add_note", map[string]any{"text": "a"}),
			llm.NewToolCall("c2", "drop_note", map[string]any{"id": "9"}),
		),
		reply("Done."),
	)

	if _, err := env.engine.Send(context.Background(), "t1", "add a, drop 9"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	res, err := env.engine.Approve(context.Background(), "t1", nil)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if res.Status != StatusReady || res.Reply != "Done." {
		t.Errorf("res = %+v", res)
	}
	want := []string{"add_note:a", "drop_note:9"}
	if len(env.executed) != 2 || env.executed[0] != want[0] || env.executed[1] != want[1] {
		t.Errorf("executed = %v, want %v", env.executed, want)
	}
}

func TestPartialApproval(t *testing.T) {
	env := newTestEnv(t,
		proposes(
			llm.NewToolCall("c1", "add_note", map[string]any{"text": "a"}),
			llm.NewToolCall("c2", "drop_note", map[string]any{"id": "9"}),
		),
		reply("Added the note; left the other alone."),
	)

	if _, err := env.engine.Send(context.Background(), "t1", "do both"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	res, err := env.engine.Approve(context.Background(), "t1", []string{"c1"})
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if res.Status != StatusReady {
		t.Fatalf("status = %q", res.Status)
	}
	if len(env.executed) != 1 || env.executed[0] != "add_note:a" {
		t.Errorf("executed = %v", env.executed)
	}

	// The unapproved call must be recorded as cancelled.
	cp, _ := env.store.Load("t1")
	var cancelled int
	for _, m := range cp.Messages {
		if m.Status == checkpoint.StatusCancelled && m.ToolCallID == "c2" {
			cancelled++
		}
	}
	if cancelled != 1 {
		t.Errorf("cancelled results for c2 = %d", cancelled)
	}
}

func TestApproveEmptySubsetCancelsAll(t *testing.T) {
	env := newTestEnv(t,
		proposes(llm.NewToolCall("c1", "drop_note", map[string]any{"id": "42"})),
		reply("Left everything alone."),
	)

	if _, err := env.engine.Send(context.Background(), "t1", "drop it"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// An explicit empty subset approves nothing; only nil means all.
	res, err := env.engine.Approve(context.Background(), "t1", []string{})
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if res.Status != StatusReady {
		t.Fatalf("status = %q", res.Status)
	}
	if len(env.executed) != 0 {
		t.Errorf("executed = %v", env.executed)
	}

	cp, _ := env.store.Load("t1")
	var cancelled int
	for _, m := range cp.Messages {
		if m.Status == checkpoint.StatusCancelled && m.ToolCallID == "c1" {
			cancelled++
		}
	}
	if cancelled != 1 {
		t.Errorf("cancelled results for c1 = %d", cancelled)
	}
}

func TestApproveUnknownCallID(t *testing.T) {
	env := newTestEnv(t,
		proposes(llm.NewToolCall("c1", "add_note", map[string]any{"text": "a"})),
	)

	if _, err := env.engine.Send(context.Background(), "t1", "add"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	_, err := env.engine.Approve(context.Background(), "t1", []string{"bogus"})
	var unknown *UnknownCallError
	if !errors.As(err, &unknown) || unknown.CallID != "bogus" {
		t.Errorf("err = %v", err)
	}
	// The thread must still be waiting; a bad approval changes nothing.
	if len(env.executed) != 0 {
		t.Errorf("executed = %v", env.executed)
	}
	cp, _ := env.store.Load("t1")
	if cp.State != checkpoint.StateAwaitingApproval {
		t.Errorf("state = %q", cp.State)
	}
}

func TestApproveWithoutPending(t *testing.T) {
	env := newTestEnv(t, reply("hi"))
	if _, err := env.engine.Send(context.Background(), "t1", "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if _, err := env.engine.Approve(context.Background(), "t1", nil); !errors.Is(err, ErrNoPendingAction) {
		t.Errorf("Approve err = %v", err)
	}
	if _, err := env.engine.Reject(context.Background(), "t1", ""); !errors.Is(err, ErrNoPendingAction) {
		t.Errorf("Reject err = %v", err)
	}
	if _, err := env.engine.Approve(context.Background(), "never-seen", nil); !errors.Is(err, ErrNoPendingAction) {
		t.Errorf("unknown thread err = %v", err)
	}
}

func TestRejectCancelsAll(t *testing.T) {
	env := newTestEnv(t,
		proposes(llm.NewToolCall("c1", "drop_note", map[string]any{"id": "9"})),
		reply("Okay, leaving it."),
	)

	if _, err := env.engine.Send(context.Background(), "t1", "drop 9"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	res, err := env.engine.Reject(context.Background(), "t1", "wrong note")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if res.Status != StatusReady {
		t.Fatalf("status = %q", res.Status)
	}
	if len(env.executed) != 0 {
		t.Errorf("executed = %v", env.executed)
	}

	// The follow-up LLM call must see the cancellation and its reason.
	second := env.client.calls[1]
	last := second[len(second)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "wrong note") {
		t.Errorf("last message = %+v", last)
	}
}

func TestNewMessageSupersedesPending(t *testing.T) {
	env := newTestEnv(t,
		proposes(llm.NewToolCall("c1", "drop_note", map[string]any{"id": "9"})),
		reply("Sure, what else?"),
	)

	if _, err := env.engine.Send(context.Background(), "t1", "drop 9"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	res, err := env.engine.Send(context.Background(), "t1", "actually never mind")
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if res.Status != StatusReady {
		t.Fatalf("status = %q", res.Status)
	}
	if len(env.executed) != 0 {
		t.Errorf("executed = %v", env.executed)
	}

	cp, _ := env.store.Load("t1")
	var superseded bool
	for _, m := range cp.Messages {
		if m.Status == checkpoint.StatusCancelled && strings.Contains(m.Content, "superseded") {
			superseded = true
		}
	}
	if !superseded {
		t.Error("no superseded cancellation recorded")
	}
	if _, err := env.engine.Approve(context.Background(), "t1", nil); !errors.Is(err, ErrNoPendingAction) {
		t.Errorf("Approve after supersede = %v", err)
	}
}

func TestSuspensionSurvivesRestart(t *testing.T) {
	env := newTestEnv(t,
		proposes(llm.NewToolCall("c1", "add_note", map[string]any{"text": "persist me"})),
	)

	if _, err := env.engine.Send(context.Background(), "t1", "add it"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// A fresh engine over the same store stands in for a restart.
	env2 := newTestEnv(t, reply("Done after restart."))
	env2.engine.store = env.store

	res, err := env2.engine.Approve(context.Background(), "t1", nil)
	if err != nil {
		t.Fatalf("Approve after restart: %v", err)
	}
	if res.Status != StatusReady || res.Reply != "Done after restart." {
		t.Errorf("res = %+v", res)
	}
	if len(env2.executed) != 1 || env2.executed[0] != "add_note:persist me" {
		t.Errorf("executed = %v", env2.executed)
	}
}

func TestAutoToolErrorDoesNotAbortBatch(t *testing.T) {
	env := newTestEnv(t,
		proposes(
			llm.NewToolCall("c1", "bad_read", nil),
			llm.NewToolCall("c2", "get_notes", nil),
		),
		reply("One backend is down, but you have 3 notes."),
	)

	res, err := env.engine.Send(context.Background(), "t1", "check everything")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Status != StatusReady {
		t.Fatalf("status = %q", res.Status)
	}
	if len(env.executed) != 2 {
		t.Errorf("executed = %v", env.executed)
	}

	cp, _ := env.store.Load("t1")
	var sawError, sawOK bool
	for _, m := range cp.Messages {
		if m.ToolCallID == "c1" && m.Status == checkpoint.StatusError {
			sawError = true
		}
		if m.ToolCallID == "c2" && m.Status == checkpoint.StatusOK {
			sawOK = true
		}
	}
	if !sawError || !sawOK {
		t.Errorf("results: error=%v ok=%v", sawError, sawOK)
	}
}

func TestLoopBound(t *testing.T) {
	// The script always proposes another auto call; the loop must stop.
	env := newTestEnv(t)
	for i := 0; i < DefaultMaxIterations+2; i++ {
		env.client.responses = append(env.client.responses,
			proposes(llm.NewToolCall(fmt.Sprintf("c%d", i), "get_notes", nil)))
	}

	_, err := env.engine.Send(context.Background(), "t1", "loop forever")
	if err == nil || !strings.Contains(err.Error(), "exceeded") {
		t.Errorf("err = %v", err)
	}

	// The transcript up to the bound is still saved and idle.
	cp, _ := env.store.Load("t1")
	if cp == nil || cp.State != checkpoint.StateIdle {
		t.Errorf("checkpoint = %+v", cp)
	}
}

func TestStateSnapshot(t *testing.T) {
	env := newTestEnv(t,
		proposes(llm.NewToolCall("c1", "add_note", map[string]any{"text": "x"})),
	)

	snap, err := env.engine.State(context.Background(), "missing")
	if err != nil || snap != nil {
		t.Errorf("missing thread: snap=%v err=%v", snap, err)
	}

	if _, err := env.engine.Send(context.Background(), "t1", "add x"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	snap, err = env.engine.State(context.Background(), "t1")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if snap.Status != StatusWaiting || len(snap.Pending) != 1 || len(snap.Messages) != 2 {
		t.Errorf("snap = %+v", snap)
	}
}

func TestLLMFailurePreservesThread(t *testing.T) {
	env := newTestEnv(t)
	env.client.err = errors.New("model offline")

	if _, err := env.engine.Send(context.Background(), "t1", "hi"); err == nil {
		t.Fatal("expected error")
	}
	// The turn failed before any save; the thread simply does not
	// exist yet and a retry starts clean.
	cp, _ := env.store.Load("t1")
	if cp != nil {
		t.Errorf("checkpoint = %+v", cp)
	}
}
