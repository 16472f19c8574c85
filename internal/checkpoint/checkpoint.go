// Package checkpoint persists per-thread conversation state so the
// service can restart, or wait arbitrarily long for an approval
// decision, without losing the thread.
package checkpoint

import (
	"time"

	"github.com/google/uuid"

	"github.com/mfield/valet/internal/llm"
)

// Thread states.
const (
	// StateIdle means the thread has no turn in flight.
	StateIdle = "idle"
	// StateAwaitingApproval means the thread is suspended before a
	// confirmation-required tool batch.
	StateAwaitingApproval = "awaiting_approval"
)

// Message statuses for tool-result messages.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Message is one entry in a thread's transcript.
type Message struct {
	ID        uuid.UUID `json:"id"`
	Role      string    `json:"role"` // user, assistant, or tool
	Content   string    `json:"content"`
	Timestamp time.Time `json:"ts"`

	// ToolCalls is set on assistant messages that propose actions.
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID, ToolName, and Status are set on tool-result messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	Status     string `json:"status,omitempty"`
}

// Checkpoint is the durable snapshot of one thread.
type Checkpoint struct {
	ThreadID  string    `json:"thread_id"`
	State     string    `json:"state"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// PendingCalls holds the tool-call IDs awaiting a decision when
	// State is awaiting_approval. Empty otherwise.
	PendingCalls []string `json:"pending_calls,omitempty"`
}

// Store persists checkpoints keyed by thread ID.
type Store interface {
	// Load returns the checkpoint for a thread, or nil if the thread
	// has never been saved.
	Load(threadID string) (*Checkpoint, error)

	// Save atomically replaces the checkpoint for cp.ThreadID.
	Save(cp *Checkpoint) error

	// Threads lists all saved thread IDs, most recently updated first.
	Threads() ([]string, error)
}
