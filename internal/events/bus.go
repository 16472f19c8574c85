// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (conversation engine,
// reconcilers, guided sessions) to subscribers (WebSocket handler,
// metrics collector). The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the conversation engine.
	SourceAgent = "agent"
	// SourceApproval identifies events from the approval flow.
	SourceApproval = "approval"
	// SourceSync identifies events from cache reconciliation.
	SourceSync = "sync"
	// SourceGuided identifies events from guided sessions.
	SourceGuided = "guided"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of a conversation turn.
	// Data: thread_id.
	KindRequestStart = "request_start"
	// KindLLMCall signals the start of an LLM API call.
	// Data: thread_id, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of an LLM API call.
	// Data: thread_id, model, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: thread_id, tool, call_id.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: thread_id, tool, call_id, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete signals the end of a conversation turn.
	// Data: thread_id, status, elapsed_ms.
	KindRequestComplete = "request_complete"

	// KindApprovalPending signals the engine suspended before a
	// confirmation-required batch. Data: thread_id, pending.
	KindApprovalPending = "approval_pending"
	// KindApprovalResolved signals an operator decision was applied.
	// Data: thread_id, approved, cancelled.
	KindApprovalResolved = "approval_resolved"
	// KindApprovalSuperseded signals pending actions were auto-cancelled
	// by a new user message. Data: thread_id, cancelled.
	KindApprovalSuperseded = "approval_superseded"

	// KindSyncComplete signals a full cache reconciliation finished.
	// Data: system, upserted, deleted, ok.
	KindSyncComplete = "sync_complete"

	// KindSessionStart signals a guided session began.
	// Data: session_id, tasks.
	KindSessionStart = "session_start"
	// KindSessionAdvance signals a guided session moved to a new task.
	// Data: session_id, index, completed.
	KindSessionAdvance = "session_advance"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
