// Package agent implements the conversation engine: it runs the LLM
// tool loop for a thread, executes auto-approved tools inline, and
// suspends the thread before any confirmation-required batch until the
// user decides.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mfield/valet/internal/checkpoint"
	"github.com/mfield/valet/internal/events"
	"github.com/mfield/valet/internal/llm"
	"github.com/mfield/valet/internal/observability"
	"github.com/mfield/valet/internal/policy"
	"github.com/mfield/valet/internal/tools"
)

// Turn statuses reported to callers.
const (
	// StatusReady means the turn completed and the assistant replied.
	StatusReady = "ready"
	// StatusWaiting means the thread is suspended on pending actions.
	StatusWaiting = "waiting_for_approval"
)

// ErrNoPendingAction is returned by Approve and Reject when the thread
// is not suspended on an approval.
var ErrNoPendingAction = errors.New("no pending action awaiting approval")

// UnknownCallError is returned when an approval names a call ID that is
// not in the pending set.
type UnknownCallError struct {
	CallID string
}

func (e *UnknownCallError) Error() string {
	return fmt.Sprintf("unknown pending call %q", e.CallID)
}

// DefaultMaxIterations bounds the tool loop within a single turn.
const DefaultMaxIterations = 8

// Enricher produces a human-readable description of a proposed action
// for the approval prompt. Returning "" means the enricher has nothing
// to say about this action.
type Enricher func(ctx context.Context, action string, args map[string]any) string

// PendingAction is one proposed tool call awaiting a decision.
type PendingAction struct {
	CallID     string         `json:"call_id"`
	Action     string         `json:"action"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Enrichment string         `json:"description,omitempty"`
}

// TurnResult is the outcome of Send, Approve, or Reject. Messages is
// the full thread transcript after the turn, the same shape State
// returns.
type TurnResult struct {
	ThreadID string               `json:"thread_id"`
	Status   string               `json:"status"`
	Reply    string               `json:"reply,omitempty"`
	Messages []checkpoint.Message `json:"messages"`
	Pending  []PendingAction      `json:"pending_actions,omitempty"`
}

// Snapshot is a read-only view of a thread.
type Snapshot struct {
	ThreadID string               `json:"thread_id"`
	Status   string               `json:"status"`
	Messages []checkpoint.Message `json:"messages"`
	Pending  []PendingAction      `json:"pending_actions,omitempty"`
}

// Engine drives conversations. All state lives in the checkpoint
// store; the engine itself only holds per-thread locks, so a restart
// loses nothing.
type Engine struct {
	llm           llm.Client
	model         string
	registry      *tools.Registry
	catalog       *policy.Catalog
	store         checkpoint.Store
	bus           *events.Bus
	metrics       *observability.Metrics
	logger        *slog.Logger
	enrichers     []Enricher
	systemPrompt  string
	maxIterations int

	mu      sync.Mutex
	threads map[string]*sync.Mutex
}

// Options configures optional engine behavior.
type Options struct {
	Bus           *events.Bus
	Metrics       *observability.Metrics
	Logger        *slog.Logger
	Enrichers     []Enricher
	SystemPrompt  string
	MaxIterations int
}

// New creates a conversation engine.
func New(client llm.Client, model string, registry *tools.Registry, catalog *policy.Catalog, store checkpoint.Store, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	prompt := opts.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	return &Engine{
		llm:           client,
		model:         model,
		registry:      registry,
		catalog:       catalog,
		store:         store,
		bus:           opts.Bus,
		metrics:       opts.Metrics,
		logger:        logger,
		enrichers:     opts.Enrichers,
		systemPrompt:  prompt,
		maxIterations: maxIter,
		threads:       make(map[string]*sync.Mutex),
	}
}

const defaultSystemPrompt = "You are Valet, a personal assistant that manages the user's tasks and calendar. " +
	"Use the available tools to answer questions and make changes. " +
	"Always look up real task and event IDs with the list tools before modifying anything. " +
	"Actions that change data are shown to the user for confirmation before they run; " +
	"propose them directly rather than asking the user for permission in text. " +
	"Be concise."

// lockThread serializes turns per thread. Different threads proceed
// concurrently.
func (e *Engine) lockThread(threadID string) func() {
	e.mu.Lock()
	m, ok := e.threads[threadID]
	if !ok {
		m = &sync.Mutex{}
		e.threads[threadID] = m
	}
	e.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Send appends a user message to the thread and runs the tool loop
// until the assistant replies or suspends on a confirmation-required
// batch. If the thread was already suspended, the old pending actions
// are cancelled first: a new message supersedes them.
func (e *Engine) Send(ctx context.Context, threadID, text string) (*TurnResult, error) {
	unlock := e.lockThread(threadID)
	defer unlock()

	start := time.Now()
	e.bus.Publish(events.Event{
		Timestamp: start,
		Source:    events.SourceAgent,
		Kind:      events.KindRequestStart,
		Data:      map[string]any{"thread_id": threadID},
	})

	cp, err := e.loadOrCreate(threadID)
	if err != nil {
		return nil, err
	}

	if cp.State == checkpoint.StateAwaitingApproval {
		cancelled := e.cancelPending(cp, "Cancelled: superseded by a new user message.")
		e.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceApproval,
			Kind:      events.KindApprovalSuperseded,
			Data:      map[string]any{"thread_id": threadID, "cancelled": cancelled},
		})
		if e.metrics != nil {
			e.metrics.Approvals.WithLabelValues("superseded").Inc()
		}
		e.logger.Info("pending actions superseded", "thread", threadID, "cancelled", cancelled)
	}

	cp.Messages = append(cp.Messages, checkpoint.Message{
		ID:        newMessageID(),
		Role:      "user",
		Content:   text,
		Timestamp: time.Now().UTC(),
	})

	result, err := e.runLoop(ctx, cp)
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindRequestComplete,
		Data: map[string]any{
			"thread_id":  threadID,
			"status":     statusOf(result),
			"elapsed_ms": time.Since(start).Milliseconds(),
		},
	})
	if e.metrics != nil && err == nil {
		e.metrics.Turns.WithLabelValues(result.Status).Inc()
	}
	return result, err
}

// Approve executes pending actions and resumes the thread. callIDs
// selects a subset; nil approves everything pending, while an empty
// non-nil subset approves nothing. Actions not approved are cancelled.
// Returns ErrNoPendingAction if the thread is not suspended.
func (e *Engine) Approve(ctx context.Context, threadID string, callIDs []string) (*TurnResult, error) {
	unlock := e.lockThread(threadID)
	defer unlock()

	cp, err := e.store.Load(threadID)
	if err != nil {
		return nil, err
	}
	if cp == nil || cp.State != checkpoint.StateAwaitingApproval {
		return nil, ErrNoPendingAction
	}

	approved := make(map[string]bool)
	if callIDs == nil {
		for _, id := range cp.PendingCalls {
			approved[id] = true
		}
	} else {
		pending := make(map[string]bool, len(cp.PendingCalls))
		for _, id := range cp.PendingCalls {
			pending[id] = true
		}
		for _, id := range callIDs {
			if !pending[id] {
				return nil, &UnknownCallError{CallID: id}
			}
			approved[id] = true
		}
	}

	calls := e.pendingToolCalls(cp)
	var approvedCount, cancelledCount int
	for _, call := range calls {
		if approved[call.ID] {
			e.executeCall(ctx, cp, call)
			approvedCount++
		} else {
			e.appendCancelled(cp, call, "Cancelled: not approved by the user.")
			cancelledCount++
		}
	}

	cp.PendingCalls = nil
	cp.State = checkpoint.StateIdle
	// Persist before resuming the LLM loop: if the process dies during
	// the follow-up call, the approved actions must not run again.
	if err := e.store.Save(cp); err != nil {
		return nil, fmt.Errorf("save after approval: %w", err)
	}

	decision := "approved"
	switch {
	case approvedCount > 0 && cancelledCount > 0:
		decision = "partial"
	case approvedCount == 0:
		decision = "rejected"
	}
	if e.metrics != nil {
		e.metrics.Approvals.WithLabelValues(decision).Inc()
	}
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceApproval,
		Kind:      events.KindApprovalResolved,
		Data: map[string]any{
			"thread_id": threadID,
			"approved":  approvedCount,
			"cancelled": cancelledCount,
		},
	})
	e.logger.Info("approval applied",
		"thread", threadID,
		"approved", approvedCount,
		"cancelled", cancelledCount,
	)

	return e.runLoop(ctx, cp)
}

// Reject cancels every pending action and resumes the thread so the
// assistant can acknowledge. reason, if non-empty, is recorded in the
// cancelled tool results for the LLM to see.
func (e *Engine) Reject(ctx context.Context, threadID, reason string) (*TurnResult, error) {
	unlock := e.lockThread(threadID)
	defer unlock()

	cp, err := e.store.Load(threadID)
	if err != nil {
		return nil, err
	}
	if cp == nil || cp.State != checkpoint.StateAwaitingApproval {
		return nil, ErrNoPendingAction
	}

	note := "Cancelled: rejected by the user."
	if reason != "" {
		note = "Cancelled: rejected by the user. Reason: " + reason
	}
	cancelled := e.cancelPending(cp, note)
	if err := e.store.Save(cp); err != nil {
		return nil, fmt.Errorf("save after rejection: %w", err)
	}

	if e.metrics != nil {
		e.metrics.Approvals.WithLabelValues("rejected").Inc()
	}
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceApproval,
		Kind:      events.KindApprovalResolved,
		Data: map[string]any{
			"thread_id": threadID,
			"approved":  0,
			"cancelled": cancelled,
		},
	})

	return e.runLoop(ctx, cp)
}

// State returns a read-only snapshot of a thread, or nil if the thread
// does not exist.
func (e *Engine) State(ctx context.Context, threadID string) (*Snapshot, error) {
	cp, err := e.store.Load(threadID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, nil
	}

	snap := &Snapshot{
		ThreadID: threadID,
		Status:   StatusReady,
		Messages: cp.Messages,
	}
	if cp.State == checkpoint.StateAwaitingApproval {
		snap.Status = StatusWaiting
		snap.Pending = e.describePending(ctx, cp)
	}
	return snap, nil
}

// Threads lists known thread IDs, most recently active first.
func (e *Engine) Threads() ([]string, error) {
	return e.store.Threads()
}

// runLoop drives the LLM until it produces a plain reply or proposes a
// batch that needs confirmation. The caller holds the thread lock.
func (e *Engine) runLoop(ctx context.Context, cp *checkpoint.Checkpoint) (*TurnResult, error) {
	for iter := 0; iter < e.maxIterations; iter++ {
		resp, err := e.chat(ctx, cp)
		if err != nil {
			return nil, fmt.Errorf("llm: %w", err)
		}

		msg := checkpoint.Message{
			ID:        newMessageID(),
			Role:      "assistant",
			Content:   resp.Message.Content,
			Timestamp: time.Now().UTC(),
			ToolCalls: resp.Message.ToolCalls,
		}
		cp.Messages = append(cp.Messages, msg)

		if len(resp.Message.ToolCalls) == 0 {
			cp.State = checkpoint.StateIdle
			cp.PendingCalls = nil
			if err := e.store.Save(cp); err != nil {
				return nil, fmt.Errorf("save: %w", err)
			}
			return &TurnResult{
				ThreadID: cp.ThreadID,
				Status:   StatusReady,
				Reply:    resp.Message.Content,
				Messages: cp.Messages,
			}, nil
		}

		// One confirmation-required call gates the whole batch. Auto
		// calls in a mixed batch may depend on the gated ones, so
		// nothing runs until the user decides.
		needsConfirm := false
		for _, call := range resp.Message.ToolCalls {
			if e.catalog.Classify(call.Function.Name) == policy.Confirm {
				needsConfirm = true
				break
			}
		}

		if needsConfirm {
			cp.State = checkpoint.StateAwaitingApproval
			cp.PendingCalls = nil
			for _, call := range resp.Message.ToolCalls {
				cp.PendingCalls = append(cp.PendingCalls, call.ID)
			}
			if err := e.store.Save(cp); err != nil {
				return nil, fmt.Errorf("save suspension: %w", err)
			}

			pending := e.describePending(ctx, cp)
			e.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceApproval,
				Kind:      events.KindApprovalPending,
				Data: map[string]any{
					"thread_id": cp.ThreadID,
					"pending":   len(pending),
				},
			})
			e.logger.Info("thread suspended for approval",
				"thread", cp.ThreadID,
				"pending", len(pending),
			)
			return &TurnResult{
				ThreadID: cp.ThreadID,
				Status:   StatusWaiting,
				Reply:    resp.Message.Content,
				Messages: cp.Messages,
				Pending:  pending,
			}, nil
		}

		for _, call := range resp.Message.ToolCalls {
			e.executeCall(ctx, cp, call)
		}
	}

	// Loop bound reached. Persist what happened and surface the fault
	// rather than burning tokens forever.
	cp.State = checkpoint.StateIdle
	cp.PendingCalls = nil
	if err := e.store.Save(cp); err != nil {
		return nil, fmt.Errorf("save: %w", err)
	}
	return nil, fmt.Errorf("tool loop exceeded %d iterations on thread %s", e.maxIterations, cp.ThreadID)
}

// chat converts the transcript and calls the LLM.
func (e *Engine) chat(ctx context.Context, cp *checkpoint.Checkpoint) (*llm.ChatResponse, error) {
	messages := make([]llm.Message, 0, len(cp.Messages)+1)
	messages = append(messages, llm.Message{Role: "system", Content: e.systemPrompt})
	for _, m := range cp.Messages {
		messages = append(messages, llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}

	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindLLMCall,
		Data:      map[string]any{"thread_id": cp.ThreadID, "model": e.model},
	})

	start := time.Now()
	resp, err := e.llm.Chat(ctx, e.model, messages, e.registry.List())
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.ObserveLLMLatency(time.Since(start))
	}
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindLLMResponse,
		Data: map[string]any{
			"thread_id":  cp.ThreadID,
			"model":      resp.Model,
			"tokens_in":  resp.InputTokens,
			"tokens_out": resp.OutputTokens,
			"tool_calls": len(resp.Message.ToolCalls),
		},
	})
	return resp, nil
}

// executeCall runs one tool call and appends its result message.
// Failures become error results for the LLM to react to; they do not
// abort the batch.
func (e *Engine) executeCall(ctx context.Context, cp *checkpoint.Checkpoint, call llm.ToolCall) {
	name := call.Function.Name
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindToolCall,
		Data:      map[string]any{"thread_id": cp.ThreadID, "tool": name, "call_id": call.ID},
	})

	start := time.Now()
	out, err := e.registry.Execute(ctx, name, call.Function.Arguments)

	status := checkpoint.StatusOK
	content := out
	if err != nil {
		status = checkpoint.StatusError
		content = "Error: " + err.Error()
		e.logger.Warn("tool execution failed",
			"thread", cp.ThreadID,
			"tool", name,
			"error", err,
		)
	}
	if e.metrics != nil {
		e.metrics.ToolExecutions.WithLabelValues(name, status).Inc()
	}
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindToolDone,
		Data: map[string]any{
			"thread_id":   cp.ThreadID,
			"tool":        name,
			"call_id":     call.ID,
			"ok":          err == nil,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})

	cp.Messages = append(cp.Messages, checkpoint.Message{
		ID:         newMessageID(),
		Role:       "tool",
		Content:    content,
		Timestamp:  time.Now().UTC(),
		ToolCallID: call.ID,
		ToolName:   name,
		Status:     status,
	})
}

// appendCancelled records a cancelled tool result so the transcript
// stays well-formed: every proposed call gets exactly one result.
func (e *Engine) appendCancelled(cp *checkpoint.Checkpoint, call llm.ToolCall, note string) {
	if e.metrics != nil {
		e.metrics.ToolExecutions.WithLabelValues(call.Function.Name, checkpoint.StatusCancelled).Inc()
	}
	cp.Messages = append(cp.Messages, checkpoint.Message{
		ID:         newMessageID(),
		Role:       "tool",
		Content:    note,
		Timestamp:  time.Now().UTC(),
		ToolCallID: call.ID,
		ToolName:   call.Function.Name,
		Status:     checkpoint.StatusCancelled,
	})
}

// cancelPending cancels every pending call and returns how many there
// were. It resets the thread to idle but does not save.
func (e *Engine) cancelPending(cp *checkpoint.Checkpoint, note string) int {
	calls := e.pendingToolCalls(cp)
	for _, call := range calls {
		e.appendCancelled(cp, call, note)
	}
	cp.PendingCalls = nil
	cp.State = checkpoint.StateIdle
	return len(calls)
}

// pendingToolCalls resolves cp.PendingCalls back to the tool calls of
// the suspending assistant message, preserving proposal order.
func (e *Engine) pendingToolCalls(cp *checkpoint.Checkpoint) []llm.ToolCall {
	pending := make(map[string]bool, len(cp.PendingCalls))
	for _, id := range cp.PendingCalls {
		pending[id] = true
	}

	for i := len(cp.Messages) - 1; i >= 0; i-- {
		m := cp.Messages[i]
		if m.Role != "assistant" || len(m.ToolCalls) == 0 {
			continue
		}
		var calls []llm.ToolCall
		for _, call := range m.ToolCalls {
			if pending[call.ID] {
				calls = append(calls, call)
			}
		}
		if len(calls) > 0 {
			return calls
		}
	}
	return nil
}

// describePending builds the user-facing view of the pending batch.
func (e *Engine) describePending(ctx context.Context, cp *checkpoint.Checkpoint) []PendingAction {
	calls := e.pendingToolCalls(cp)
	actions := make([]PendingAction, 0, len(calls))
	for _, call := range calls {
		pa := PendingAction{
			CallID:    call.ID,
			Action:    call.Function.Name,
			Arguments: call.Function.Arguments,
		}
		for _, enrich := range e.enrichers {
			if desc := enrich(ctx, call.Function.Name, call.Function.Arguments); desc != "" {
				pa.Enrichment = desc
				break
			}
		}
		actions = append(actions, pa)
	}
	return actions
}

func (e *Engine) loadOrCreate(threadID string) (*checkpoint.Checkpoint, error) {
	cp, err := e.store.Load(threadID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		cp = &checkpoint.Checkpoint{
			ThreadID: threadID,
			State:    checkpoint.StateIdle,
		}
	}
	return cp, nil
}

func newMessageID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

func statusOf(r *TurnResult) string {
	if r == nil {
		return "error"
	}
	return r.Status
}
